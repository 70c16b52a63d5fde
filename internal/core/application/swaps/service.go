package swaps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/application/orderhold"
	"github.com/tdex-network/swapd/internal/core/application/reputation"
	"github.com/tdex-network/swapd/internal/core/application/swapclient"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrServiceNotStarted is returned by Stop if Start was never called.
	ErrServiceNotStarted = errors.New("swap service is not started")
	// ErrServiceAlreadyStarted is returned when calling Start twice.
	ErrServiceAlreadyStarted = errors.New("swap service is already started")
	// ErrServiceStopped is returned when starting a service that was stopped.
	ErrServiceStopped = errors.New("swap service was stopped")
)

const (
	// maxConcurrentRecoveries bounds the number of deals reconciled in
	// parallel at startup.
	maxConcurrentRecoveries = 4
	// resubscribeInterval is the minimum interval between two subscriptions
	// to the resolve requests of the same swap client.
	resubscribeInterval = 5 * time.Second
)

// Service is the swap coordinator. It drives every deal through its phases,
// reacting to trade agreements, peer packets, resolve requests of the swap
// clients and timers. Events for different payment hashes are handled
// concurrently, while the changes to the same deal are serialized by the
// DealStore.
type Service struct {
	deals      *DealStore
	holds      *orderhold.Service
	reputation *reputation.Service
	clients    *swapclient.Manager
	transport  ports.PeerTransport
	orderBook  ports.OrderBook
	cfg        Config
	metrics    *metrics

	timersLock *sync.Mutex
	timers     map[lntypes.Hash]*time.Timer

	waitersLock *sync.Mutex
	waiters     map[lntypes.Hash][]chan domain.SwapDeal

	lock    *sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
}

func NewService(
	dealRepo domain.DealRepository,
	holds *orderhold.Service,
	reputationSvc *reputation.Service,
	clients *swapclient.Manager,
	transport ports.PeerTransport,
	orderBook ports.OrderBook,
	registerer prometheus.Registerer,
	cfg Config,
) (*Service, error) {
	if holds == nil {
		return nil, fmt.Errorf("missing order hold service")
	}
	if reputationSvc == nil {
		return nil, fmt.Errorf("missing reputation service")
	}
	if clients == nil {
		return nil, fmt.Errorf("missing swap client manager")
	}
	if transport == nil {
		return nil, fmt.Errorf("missing peer transport")
	}
	if orderBook == nil {
		return nil, fmt.Errorf("missing order book")
	}

	deals, err := NewDealStore(dealRepo)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		deals:       deals,
		holds:       holds,
		reputation:  reputationSvc,
		clients:     clients,
		transport:   transport,
		orderBook:   orderBook,
		cfg:         cfg.withDefaults(),
		metrics:     m,
		timersLock:  &sync.Mutex{},
		timers:      make(map[lntypes.Hash]*time.Timer),
		waitersLock: &sync.Mutex{},
		waiters:     make(map[lntypes.Hash][]chan domain.SwapDeal),
		lock:        &sync.Mutex{},
		ctx:         ctx,
		cancel:      cancel,
		wg:          &sync.WaitGroup{},
	}
	deals.AddObserver(svc.notifyWaiters)

	return svc, nil
}

// AddObserver registers an observer notified of every committed change of
// any deal.
func (s *Service) AddObserver(observer DealObserver) {
	s.deals.AddObserver(observer)
}

// Start reconciles the deals left in progress by a previous run, then starts
// listening for resolve requests of every swap client and for packets of
// the peers.
func (s *Service) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		return ErrServiceAlreadyStarted
	}
	if s.ctx.Err() != nil {
		return ErrServiceStopped
	}

	if err := s.holds.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore order holds: %w", err)
	}
	if err := s.recoverDeals(ctx); err != nil {
		return fmt.Errorf("failed to recover deals: %w", err)
	}
	s.releaseOrphanHolds(ctx)

	packets, err := s.transport.Subscribe(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe for peer packets: %w", err)
	}

	s.wg.Add(1)
	go s.listenPeerPackets(packets)

	for _, client := range s.clients.Clients() {
		s.wg.Add(1)
		go s.listenResolveRequests(client)
	}

	s.started = true
	log.Info("swaps: service started")
	return nil
}

// Stop cancels every deal in progress that did not attempt any payment yet
// and stops all subscriptions. Deals executing a payment are left active and
// are reconciled at the next Start.
func (s *Service) Stop() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.started {
		return ErrServiceNotStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deals, err := s.deals.ListActive(ctx)
	if err != nil {
		log.WithError(err).Warn("swaps: failed to list active deals on stop")
	}
	for _, d := range deals {
		if d.IsExecuting() {
			continue
		}
		s.failDeal(
			ctx, d.PaymentHash, domain.ReasonUnknownError,
			"swap service is shutting down", true,
		)
	}

	s.cancel()
	s.stopAllTimers()
	s.wg.Wait()

	s.started = false
	log.Info("swaps: service stopped")
	return nil
}

// GetDeal returns the current deal for the given payment hash.
func (s *Service) GetDeal(
	ctx context.Context, hash lntypes.Hash,
) (*domain.SwapDeal, error) {
	return s.deals.Get(ctx, hash)
}

// ListDeals returns the deals in progress, or all of them if activeOnly is
// false.
func (s *Service) ListDeals(
	ctx context.Context, activeOnly bool,
) ([]domain.SwapDeal, error) {
	if activeOnly {
		return s.deals.ListActive(ctx)
	}
	return s.deals.ListAll(ctx)
}

// CancelDeal forces an active deal to fail with the given reason, or with
// UnknownError if the reason is not valid. The hold is released before
// returning unless an outgoing payment is pending, in which case it is kept
// until the payment outcome is known.
func (s *Service) CancelDeal(
	ctx context.Context, hash lntypes.Hash, reason domain.SwapFailureReason,
) error {
	deal, err := s.deals.Get(ctx, hash)
	if err != nil {
		return err
	}
	if !deal.IsActive() {
		return domain.ErrDealNotActive
	}
	if !reason.IsValid() {
		reason = domain.ReasonUnknownError
	}

	s.failDeal(ctx, hash, reason, "deal cancelled", true)
	return nil
}

func (s *Service) listenPeerPackets(packets <-chan ports.InboundPacket) {
	defer s.wg.Done()

	for packet := range packets {
		in := packet
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlePacket(s.ctx, in)
		}()
	}
}

func (s *Service) handlePacket(ctx context.Context, in ports.InboundPacket) {
	switch p := in.Packet.(type) {
	case ports.SwapRequestPacket:
		s.HandleSwapRequest(ctx, in.PeerPubKey, p)
	case ports.SwapAcceptedPacket:
		s.HandleSwapAccepted(ctx, in.PeerPubKey, p)
	case ports.SwapFailedPacket:
		s.HandleSwapFailed(ctx, in.PeerPubKey, p)
	case ports.SwapCompletePacket:
		s.HandleSwapComplete(ctx, in.PeerPubKey, p)
	default:
		log.Warnf(
			"swaps: received unknown packet type from peer %s", in.PeerPubKey,
		)
	}
}

// listenResolveRequests consumes the resolve requests of a swap client,
// subscribing again whenever the stream drops.
func (s *Service) listenResolveRequests(client ports.SwapClient) {
	defer s.wg.Done()

	limiter := ratelimit.New(1, ratelimit.Per(resubscribeInterval))
	for {
		limiter.Take()
		if s.ctx.Err() != nil {
			return
		}

		requests, err := client.SubscribeResolveRequests(s.ctx)
		if err != nil {
			log.WithError(err).Warnf(
				"swaps: failed to subscribe for %s resolve requests",
				client.Currency(),
			)
			continue
		}

		for req := range requests {
			r := req
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleResolveRequest(s.ctx, client, r)
			}()
		}

		if s.ctx.Err() != nil {
			return
		}
		log.Warnf(
			"swaps: %s resolve request subscription dropped, subscribing again",
			client.Currency(),
		)
	}
}

// recoverDeals brings every deal left in progress to a consistent state:
// deals still being negotiated are timed out or get their timer back, while
// deals executing a payment are reconciled with the swap client.
func (s *Service) recoverDeals(ctx context.Context) error {
	deals, err := s.deals.ListActive(ctx)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentRecoveries)
	for i := range deals {
		deal := deals[i]
		s.metrics.active.Inc()
		eg.Go(func() error {
			s.recoverDeal(ctx, deal)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if len(deals) > 0 {
		log.Infof("swaps: recovered %d deals in progress", len(deals))
	}
	return nil
}

func (s *Service) recoverDeal(ctx context.Context, deal domain.SwapDeal) {
	hash := deal.PaymentHash

	if !deal.IsExecuting() {
		if deal.IsExpired() {
			s.failDeal(
				ctx, hash, domain.ReasonDealTimedOut,
				"deal expired while offline", true,
			)
			return
		}
		s.armTimer(hash, deal.Expiration)
		return
	}

	// A taker that released the preimage must claim the incoming payment
	// regardless of the outcome of the outgoing one.
	if deal.Role == domain.SwapRoleTaker && deal.PreimageReleased &&
		!deal.IncomingSettled && deal.Preimage != nil {
		if err := s.settleIncoming(ctx, hash, *deal.Preimage, false); err != nil {
			log.WithError(err).Warnf(
				"swaps: failed to settle incoming payment of deal %s", hash,
			)
		}
	}

	status, err := s.clients.LookupPayment(ctx, deal.SendingCurrency(), hash)
	if err != nil {
		log.WithError(err).Warnf(
			"swaps: failed to look up outgoing payment of deal %s", hash,
		)
		status = ports.PaymentStatus{State: ports.PaymentStateUnknown}
	}

	switch status.State {
	case ports.PaymentStateSucceeded:
		s.onOutgoingSettled(ctx, hash, status.Preimage)
		if d, err := s.deals.Get(ctx, hash); err == nil && d.IsActive() {
			s.armTimer(hash, d.Expiration)
		}
	case ports.PaymentStateFailed:
		s.failDeal(
			ctx, hash, domain.ReasonSendPaymentFailure,
			"outgoing payment failed while offline", true,
		)
	case ports.PaymentStateInFlight:
		s.armTimer(hash, deal.Expiration)
	default:
		if deal.IsExpired() {
			s.failDeal(
				ctx, hash, domain.ReasonUnexpectedClientError,
				"outgoing payment outcome unknown after deadline", true,
			)
			return
		}
		s.armTimer(hash, deal.Expiration)
	}
}

// releaseOrphanHolds releases the holds of deals that reached a terminal
// state without releasing them, typically because an outgoing payment was
// pending at the time of failure.
func (s *Service) releaseOrphanHolds(ctx context.Context) {
	holds, err := s.holds.ListActiveHolds(ctx)
	if err != nil {
		log.WithError(err).Warn("swaps: failed to list active holds")
		return
	}

	for _, hold := range holds {
		deal, err := s.deals.Get(ctx, hold.PaymentHash)
		if err != nil && !errors.Is(err, domain.ErrDealNotFound) {
			log.WithError(err).Warnf(
				"swaps: failed to get deal of hold %s", hold.Id,
			)
			continue
		}
		if deal != nil && deal.HoldId == hold.Id {
			if deal.IsActive() {
				continue
			}
			if deal.IsFailed() && deal.HasPendingOutgoingPayment() {
				s.reconcilePendingPayment(ctx, *deal)
				continue
			}
		}
		s.releaseHold(ctx, hold.Id)
	}
}

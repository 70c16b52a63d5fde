package swaps

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
)

// InitiateSwap starts a swap as taker for the given trade agreement. It
// returns once the swap request is sent to the peer. Failures detected
// before the deal is created are returned as *domain.SwapFailure together
// with a nil deal, and leave no trace.
func (s *Service) InitiateSwap(
	ctx context.Context, trade TradeAgreement,
) (*domain.SwapDeal, error) {
	amounts, err := domain.CalculateSwapAmounts(
		trade.PairId, trade.Quantity, trade.Price, trade.IsBuy,
	)
	if err != nil {
		return nil, domain.NewSwapFailure(
			domain.ReasonInvalidSwapRequest, "invalid trade: %s", err,
		)
	}

	if s.reputation.IsBanned(ctx, trade.PeerPubKey) {
		return nil, domain.NewSwapFailure(
			domain.ReasonSwapClientNotSetup, "peer %s is banned", trade.PeerPubKey,
		)
	}

	// The taker pays the maker currency and receives the taker one.
	if err := s.checkClients(
		amounts.MakerCurrency, amounts.TakerCurrency,
	); err != nil {
		return nil, err
	}

	makerPubKey, err := s.transport.GetPeerIdentifier(
		ctx, trade.PeerPubKey, amounts.MakerCurrency,
	)
	if err != nil {
		return nil, domain.NewSwapFailure(
			domain.ReasonSwapClientNotSetup,
			"unknown %s identifier of peer %s: %s",
			amounts.MakerCurrency, trade.PeerPubKey, err,
		)
	}

	if err := s.checkRoute(
		ctx, amounts.MakerCurrency, makerPubKey, amounts.MakerAmount,
	); err != nil {
		return nil, err
	}

	preimage, err := makePreimage(trade.Preimage)
	if err != nil {
		return nil, domain.NewSwapFailure(
			domain.ReasonUnknownError, "failed to generate preimage: %s", err,
		)
	}
	hash := preimage.Hash()

	deal := domain.NewSwapDeal(domain.SwapRoleTaker, hash)
	deal.PairId = trade.PairId
	deal.OrderId = trade.OrderId
	deal.LocalOrderId = trade.LocalOrderId
	deal.Quantity = trade.Quantity
	deal.Price = trade.Price
	deal.IsBuy = trade.IsBuy
	deal.PeerPubKey = trade.PeerPubKey
	deal.TakerCurrency = amounts.TakerCurrency
	deal.TakerAmount = amounts.TakerAmount
	deal.TakerCltvDelta = s.cfg.cltvDelta(amounts.TakerCurrency)
	deal.MakerCurrency = amounts.MakerCurrency
	deal.MakerAmount = amounts.MakerAmount
	deal.MakerPubKey = makerPubKey
	deal.Preimage = &preimage
	deal.Expiration = time.Now().Add(s.cfg.DealTimeout)

	if err := s.createDeal(ctx, deal); err != nil {
		return nil, err
	}

	if _, err := s.deals.Transition(ctx, hash, domain.SwapRequested); err != nil {
		s.failDeal(ctx, hash, domain.ReasonUnknownError, err.Error(), false)
		return s.failedDeal(ctx, hash)
	}
	s.armTimer(hash, deal.Expiration)

	request := ports.SwapRequestPacket{
		PaymentHash:    hash,
		PairId:         deal.PairId,
		OrderId:        deal.OrderId,
		Quantity:       deal.Quantity,
		Price:          deal.Price,
		IsBuy:          deal.IsBuy,
		TakerCurrency:  deal.TakerCurrency,
		TakerAmount:    deal.TakerAmount,
		MakerCurrency:  deal.MakerCurrency,
		MakerAmount:    deal.MakerAmount,
		TakerCltvDelta: deal.TakerCltvDelta,
	}
	if err := s.transport.Send(ctx, trade.PeerPubKey, request); err != nil {
		s.failDeal(
			ctx, hash, domain.ReasonUnexpectedClientError,
			fmt.Sprintf("failed to send swap request: %s", err), false,
		)
		return s.failedDeal(ctx, hash)
	}

	return s.deals.Get(ctx, hash)
}

// ExecuteSwap starts a swap as taker and waits until its deal reaches a
// terminal state or ctx is done. A failed deal is returned together with its
// failure.
func (s *Service) ExecuteSwap(
	ctx context.Context, trade TradeAgreement,
) (*domain.SwapDeal, error) {
	deal, err := s.InitiateSwap(ctx, trade)
	if err != nil {
		return deal, err
	}

	hash := deal.PaymentHash
	ch := s.addWaiter(hash)
	defer s.removeWaiter(hash, ch)

	// The deal might have been resolved before the waiter was registered.
	if deal, err = s.deals.Get(ctx, hash); err != nil {
		return nil, err
	}
	if !deal.IsActive() {
		return dealResult(deal)
	}

	select {
	case d := <-ch:
		return dealResult(&d)
	case <-ctx.Done():
		deal, _ = s.deals.Get(context.Background(), hash)
		return deal, ctx.Err()
	}
}

// HandleSwapAccepted handles the acceptance of a swap request by the maker.
// The taker registers the incoming payment and then pays the maker.
func (s *Service) HandleSwapAccepted(
	ctx context.Context, peerPubKey string, packet ports.SwapAcceptedPacket,
) {
	hash := packet.PaymentHash
	deal, ok := s.getDealForPacket(ctx, peerPubKey, hash, packet.Type())
	if !ok {
		return
	}
	if deal.Role != domain.SwapRoleTaker || deal.Phase != domain.SwapRequested {
		s.failDeal(
			ctx, hash, domain.ReasonInvalidSwapPacketReceived,
			fmt.Sprintf(
				"unexpected swap accepted for %s deal in phase %s",
				deal.Role, deal.Phase,
			), true,
		)
		return
	}

	if packet.Quantity != deal.Quantity || !packet.Price.Equal(deal.Price) ||
		packet.TakerCurrency != deal.TakerCurrency ||
		packet.TakerAmount != deal.TakerAmount ||
		packet.MakerCurrency != deal.MakerCurrency ||
		packet.MakerAmount != deal.MakerAmount {
		s.failDeal(
			ctx, hash, domain.ReasonInvalidSwapRequest,
			"accepted terms differ from requested ones", true,
		)
		return
	}

	deal, _, err := s.deals.Update(ctx, hash, func(d *domain.SwapDeal) (bool, error) {
		if err := d.Transition(domain.SwapAccepted); err != nil {
			return false, err
		}
		d.MakerCltvDelta = packet.MakerCltvDelta
		return true, nil
	})
	if err != nil {
		log.WithError(err).Debugf("swaps: discarded swap accepted for deal %s", hash)
		return
	}

	client, err := s.clients.Get(deal.TakerCurrency)
	if err == nil {
		err = client.AddInvoice(ctx, hash, deal.TakerAmount, deal.TakerCltvDelta)
	}
	if err != nil {
		s.failDeal(
			ctx, hash, domain.ReasonUnexpectedClientError,
			fmt.Sprintf("failed to add invoice: %s", err), true,
		)
		return
	}

	deal, err = s.startExecution(ctx, hash, domain.SwapAccepted)
	if err != nil {
		log.WithError(err).Debugf("swaps: deal %s not executed", hash)
		return
	}

	s.goPay(*deal)
}

// HandleSwapComplete handles the confirmation of the maker that it claimed
// the taker payment.
func (s *Service) HandleSwapComplete(
	ctx context.Context, peerPubKey string, packet ports.SwapCompletePacket,
) {
	hash := packet.PaymentHash
	deal, ok := s.getDealForPacket(ctx, peerPubKey, hash, packet.Type())
	if !ok {
		return
	}
	if deal.Role != domain.SwapRoleTaker || !deal.IsExecuting() {
		s.failDeal(
			ctx, hash, domain.ReasonInvalidSwapPacketReceived,
			fmt.Sprintf(
				"unexpected swap complete for %s deal in phase %s",
				deal.Role, deal.Phase,
			), true,
		)
		return
	}

	s.onOutgoingSettled(ctx, hash, nil)
}

// HandleSwapFailed handles the failure of a deal reported by the peer. A
// deal that already received its incoming payment ignores it, since its
// outcome depends only on the outgoing payment.
func (s *Service) HandleSwapFailed(
	ctx context.Context, peerPubKey string, packet ports.SwapFailedPacket,
) {
	hash := packet.PaymentHash
	deal, ok := s.getDealForPacket(ctx, peerPubKey, hash, packet.Type())
	if !ok {
		return
	}

	reason := domain.SwapFailureReason(packet.FailureReason)
	if !reason.IsValid() {
		reason = domain.ReasonUnknownError
	}
	if deal.Phase >= domain.PaymentReceived {
		log.Warnf(
			"swaps: ignored failure %s reported by peer %s for deal %s in phase %s",
			reason, peerPubKey, hash, deal.Phase,
		)
		return
	}

	msg := packet.ErrorMessage
	if msg == "" {
		msg = "failure reported by peer"
	}
	s.failDeal(ctx, hash, reason, msg, false)
}

// startExecution moves the deal from the given phase to SendingPayment and
// extends its deadline to bound the payment.
func (s *Service) startExecution(
	ctx context.Context, hash lntypes.Hash, from domain.SwapPhase,
) (*domain.SwapDeal, error) {
	deal, _, err := s.deals.Update(ctx, hash, func(d *domain.SwapDeal) (bool, error) {
		if d.Phase != from {
			return false, domain.ErrInvalidPhaseTransition
		}
		if err := d.Transition(domain.SendingPayment); err != nil {
			return false, err
		}
		d.Expiration = time.Now().Add(s.cfg.PaymentTimeout)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.armTimer(hash, deal.Expiration)
	return deal, nil
}

// goPay sends the outgoing payment of the deal in background, bounded by the
// deal deadline.
func (s *Service) goPay(deal domain.SwapDeal) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithDeadline(s.ctx, deal.Expiration)
		defer cancel()

		preimage, err := s.sendPayment(ctx, deal)
		if err != nil {
			s.onPaymentFailed(s.ctx, deal, err, ctx.Err())
			return
		}

		s.onOutgoingSettled(s.ctx, deal.PaymentHash, &preimage)
	}()
}

func (s *Service) sendPayment(
	ctx context.Context, deal domain.SwapDeal,
) (lntypes.Preimage, error) {
	client, err := s.clients.Get(deal.SendingCurrency())
	if err != nil {
		return lntypes.Preimage{}, err
	}

	log.Debugf(
		"swaps: sending %d %s to %s for deal %s",
		deal.SendingAmount(), deal.SendingCurrency(),
		deal.SendingDestination(), deal.PaymentHash,
	)
	preimage, err := client.SendPayment(ctx, ports.SendPaymentRequest{
		Destination: deal.SendingDestination(),
		Amount:      deal.SendingAmount(),
		Hash:        deal.PaymentHash,
		CltvDelta:   deal.SendingCltvDelta(),
	})
	if err != nil {
		return lntypes.Preimage{}, err
	}
	if !preimage.Matches(deal.PaymentHash) {
		return lntypes.Preimage{}, ports.NewSwapClientError(
			ports.ErrKindUnexpectedClientError, deal.SendingCurrency(),
			fmt.Errorf("payment returned a preimage not matching the hash"),
		)
	}
	return preimage, nil
}

// onPaymentFailed fails the deal after an unsuccessful outgoing payment. A
// taker that already released the preimage first checks whether the payment
// went through anyway.
func (s *Service) onPaymentFailed(
	ctx context.Context, deal domain.SwapDeal, err, ctxErr error,
) {
	hash := deal.PaymentHash

	reason := domain.ReasonUnexpectedClientError
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		reason = domain.ReasonSwapTimedOut
	case errors.Is(ctxErr, context.Canceled):
		// Shutting down, the deal is reconciled at next startup.
		log.WithError(err).Debugf("swaps: payment of deal %s interrupted", hash)
		return
	default:
		switch ports.ClientErrorKind(err) {
		case ports.ErrKindNoRouteFound:
			reason = domain.ReasonNoRouteFound
		case ports.ErrKindSendPaymentFailure:
			reason = domain.ReasonSendPaymentFailure
		}
	}

	if current, _ := s.deals.Get(ctx, hash); current != nil &&
		current.Id == deal.Id && current.Phase == domain.PaymentReceived {
		status, lookupErr := s.clients.LookupPayment(
			ctx, deal.SendingCurrency(), hash,
		)
		if lookupErr == nil && status.State == ports.PaymentStateSucceeded {
			s.onOutgoingSettled(ctx, hash, status.Preimage)
			return
		}
	}

	s.failDeal(ctx, hash, reason, err.Error(), true)
}

// markOutgoingSettled records that the peer claimed the outgoing payment of
// an active deal and completes it if the incoming one was received too.
func (s *Service) markOutgoingSettled(
	ctx context.Context, hash lntypes.Hash, preimage *lntypes.Preimage,
) error {
	if _, _, err := s.deals.Update(
		ctx, hash, func(d *domain.SwapDeal) (bool, error) {
			if d.IsFailed() {
				return false, domain.ErrDealNotActive
			}
			if d.IsCompleted() || d.OutgoingSettled {
				return false, nil
			}
			d.OutgoingSettled = true
			if preimage != nil && d.Preimage == nil {
				d.Preimage = preimage
			}
			return true, nil
		},
	); err != nil {
		return err
	}

	s.tryComplete(ctx, hash)
	return nil
}

func (s *Service) createDeal(ctx context.Context, deal *domain.SwapDeal) error {
	if err := s.deals.Create(
		ctx, deal, func(d *domain.SwapDeal) (func(), error) {
			holdId, err := s.holds.Reserve(
				ctx, d.HoldOrderId(), d.PairId, d.Quantity, d.PaymentHash,
			)
			if err != nil {
				return nil, err
			}
			d.HoldId = holdId
			return func() { s.releaseHold(ctx, holdId) }, nil
		},
	); err != nil {
		failure := &domain.SwapFailure{}
		if errors.As(err, &failure) {
			return failure
		}
		return domain.NewSwapFailure(domain.ReasonUnknownError, "%s", err)
	}

	s.metrics.dealStarted(*deal)
	return nil
}

// checkClients verifies that the clients for the given currencies exist
// and are connected.
func (s *Service) checkClients(currencies ...string) error {
	for _, currency := range currencies {
		client, err := s.clients.Get(currency)
		if err != nil {
			return domain.NewSwapFailure(
				domain.ReasonSwapClientNotSetup, "%s", err,
			)
		}
		if !client.IsConnected() {
			return domain.NewSwapFailure(
				domain.ReasonSwapClientNotSetup,
				"%s client is not connected", currency,
			)
		}
	}
	return nil
}

func (s *Service) checkRoute(
	ctx context.Context, currency, destination string, amount uint64,
) error {
	ok, err := s.clients.CanRouteToNode(ctx, currency, destination, amount)
	if err != nil {
		if ports.ClientErrorKind(err) == ports.ErrKindNoRouteFound {
			return domain.NewSwapFailure(domain.ReasonNoRouteFound, "%s", err)
		}
		return domain.NewSwapFailure(
			domain.ReasonUnexpectedClientError,
			"failed to find %s route: %s", currency, err,
		)
	}
	if !ok {
		return domain.NewSwapFailure(
			domain.ReasonNoRouteFound,
			"no %s route to %s for %d", currency, destination, amount,
		)
	}
	return nil
}

// getDealForPacket returns the active deal a packet refers to. Packets for
// unknown or terminal deals are ignored, while packets sent by the wrong
// peer are ignored and count as misbehavior of the sender.
func (s *Service) getDealForPacket(
	ctx context.Context, peerPubKey string, hash lntypes.Hash,
	packetType ports.PacketType,
) (*domain.SwapDeal, bool) {
	deal, err := s.deals.Get(ctx, hash)
	if err != nil {
		log.WithError(err).Debugf(
			"swaps: ignored %s packet from peer %s for hash %s",
			packetType, peerPubKey, hash,
		)
		return nil, false
	}
	if deal.PeerPubKey != peerPubKey {
		log.Warnf(
			"swaps: peer %s sent %s packet for deal %s with peer %s",
			peerPubKey, packetType, hash, deal.PeerPubKey,
		)
		s.reputation.AddEvent(ctx, peerPubKey, domain.ReputationSwapMisbehavior)
		return nil, false
	}
	if !deal.IsActive() {
		log.Debugf(
			"swaps: ignored late %s packet for %s deal %s",
			packetType, deal.State, hash,
		)
		return nil, false
	}
	return deal, true
}

func (s *Service) failedDeal(
	ctx context.Context, hash lntypes.Hash,
) (*domain.SwapDeal, error) {
	deal, err := s.deals.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	return dealResult(deal)
}

func dealResult(deal *domain.SwapDeal) (*domain.SwapDeal, error) {
	if reason, ok := deal.Reason(); ok {
		return deal, &domain.SwapFailure{Reason: reason, Message: deal.ErrorMessage}
	}
	return deal, nil
}

func makePreimage(preimage *lntypes.Preimage) (lntypes.Preimage, error) {
	if preimage != nil {
		return *preimage, nil
	}

	b := make([]byte, lntypes.PreimageSize)
	if _, err := rand.Read(b); err != nil {
		return lntypes.Preimage{}, err
	}
	return lntypes.MakePreimage(b)
}

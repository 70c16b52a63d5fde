package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/ports"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	resolveBufferSize = 64
	lookupTimeout     = 10 * time.Second
)

var (
	// ErrClientClosed is returned by any call made after Close.
	ErrClientClosed = errors.New("lnd client is closed")
)

// Config contains the connection details of an lnd node serving the swaps
// of one currency.
type Config struct {
	Currency     string
	Host         string
	Port         int
	CertPath     string
	MacaroonPath string
	// CltvDelta is the lock applied to incoming swap payments.
	CltvDelta uint32
}

func (c Config) validate() error {
	if c.Currency == "" {
		return fmt.Errorf("missing currency")
	}
	if c.Host == "" {
		return fmt.Errorf("missing host")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

func (c Config) address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client is the swap client for currencies settled on an lnd node. Incoming
// swap payments are hold invoices, so that they can be accepted or rejected
// once the coordinator answers the resolve request.
type Client struct {
	currency  string
	cltvDelta uint32
	macaroon  string

	conn      *grpc.ClientConn
	lightning lnrpc.LightningClient
	invoices  invoicesrpc.InvoicesClient
	router    routerrpc.RouterClient

	lock      *sync.RWMutex
	pubkey    string
	connected bool
	watchers  map[lntypes.Hash]context.CancelFunc
	resolveCh chan ports.ResolveRequest
	quit      chan struct{}
	closeOnce *sync.Once
}

// NewClient dials the lnd node and fetches its identity.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, macaroon, err := dial(cfg)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to lnd for %s: %w", cfg.Currency, err,
		)
	}

	c := newClient(
		cfg, macaroon, lnrpc.NewLightningClient(conn),
		invoicesrpc.NewInvoicesClient(conn), routerrpc.NewRouterClient(conn),
	)
	c.conn = conn

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if err := c.connect(ctx); err != nil {
		// nolint
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(
	cfg Config, macaroon string, lightning lnrpc.LightningClient,
	invoices invoicesrpc.InvoicesClient, router routerrpc.RouterClient,
) *Client {
	return &Client{
		currency:  cfg.Currency,
		cltvDelta: cfg.CltvDelta,
		macaroon:  macaroon,
		lightning: lightning,
		invoices:  invoices,
		router:    router,
		lock:      &sync.RWMutex{},
		watchers:  make(map[lntypes.Hash]context.CancelFunc),
		resolveCh: make(chan ports.ResolveRequest, resolveBufferSize),
		quit:      make(chan struct{}),
		closeOnce: &sync.Once{},
	}
}

func (c *Client) connect(ctx context.Context) error {
	info, err := c.lightning.GetInfo(
		getCtx(ctx, c.macaroon), &lnrpc.GetInfoRequest{},
	)
	if err != nil {
		return fmt.Errorf("unable to get info: %w", err)
	}
	if len(info.GetIdentityPubkey()) == 0 {
		return fmt.Errorf("something went wrong, pubkey is empty")
	}

	c.lock.Lock()
	c.pubkey = info.GetIdentityPubkey()
	c.connected = true
	c.lock.Unlock()

	log.Infof(
		"lnd: connected to %s node version %s with pubkey %s",
		c.currency, info.GetVersion(), info.GetIdentityPubkey(),
	)
	return nil
}

func (c *Client) Type() ports.SwapClientType {
	return ports.SwapClientLnd
}

func (c *Client) Currency() string {
	return c.currency
}

func (c *Client) IsConnected() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.connected
}

// PubKey returns the identity of the lnd node, that is the destination the
// peers pay to.
func (c *Client) PubKey() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.pubkey
}

func (c *Client) SendPayment(
	ctx context.Context, req ports.SendPaymentRequest,
) (lntypes.Preimage, error) {
	if err := c.checkOpen(); err != nil {
		return lntypes.Preimage{}, err
	}

	dest, err := hex.DecodeString(req.Destination)
	if err != nil {
		return lntypes.Preimage{}, c.clientError(
			ports.ErrKindUnexpectedClientError,
			fmt.Errorf("invalid destination %s: %w", req.Destination, err),
		)
	}

	resp, err := c.lightning.SendPaymentSync(
		getCtx(ctx, c.macaroon), &lnrpc.SendRequest{
			Dest:           dest,
			Amt:            int64(req.Amount),
			PaymentHash:    req.Hash[:],
			FinalCltvDelta: int32(req.CltvDelta),
		},
	)
	if err != nil {
		return lntypes.Preimage{}, c.clientError(
			ports.ErrKindUnexpectedClientError, err,
		)
	}
	if resp.GetPaymentError() != "" {
		return lntypes.Preimage{}, c.clientError(
			paymentErrorKind(resp.GetPaymentError()),
			errors.New(resp.GetPaymentError()),
		)
	}

	preimage, err := lntypes.MakePreimage(resp.GetPaymentPreimage())
	if err != nil {
		return lntypes.Preimage{}, c.clientError(
			ports.ErrKindUnexpectedClientError, err,
		)
	}
	return preimage, nil
}

// AddInvoice creates a hold invoice for the given hash and watches it until
// the payment is accepted, emitting a resolve request at that point.
func (c *Client) AddInvoice(
	ctx context.Context, hash lntypes.Hash, amount uint64, cltvExpiry uint32,
) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if cltvExpiry == 0 {
		cltvExpiry = c.cltvDelta
	}
	if _, err := c.invoices.AddHoldInvoice(
		getCtx(ctx, c.macaroon), &invoicesrpc.AddHoldInvoiceRequest{
			Memo:       "swapd",
			Hash:       hash[:],
			Value:      int64(amount),
			CltvExpiry: uint64(cltvExpiry),
		},
	); err != nil {
		return c.clientError(ports.ErrKindUnexpectedClientError, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.lock.Lock()
	if prev, ok := c.watchers[hash]; ok {
		prev()
	}
	c.watchers[hash] = cancel
	c.lock.Unlock()

	stream, err := c.invoices.SubscribeSingleInvoice(
		getCtx(watchCtx, c.macaroon),
		&invoicesrpc.SubscribeSingleInvoiceRequest{RHash: hash[:]},
	)
	if err != nil {
		c.stopWatching(hash)
		return c.clientError(ports.ErrKindUnexpectedClientError, err)
	}

	go c.watchInvoice(watchCtx, hash, stream)
	return nil
}

func (c *Client) SettleInvoice(
	ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	if _, err := c.invoices.SettleInvoice(
		getCtx(ctx, c.macaroon),
		&invoicesrpc.SettleInvoiceMsg{Preimage: preimage[:]},
	); err != nil {
		return c.clientError(ports.ErrKindUnexpectedClientError, err)
	}
	c.stopWatching(hash)
	return nil
}

func (c *Client) RemoveInvoice(ctx context.Context, hash lntypes.Hash) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.stopWatching(hash)
	if _, err := c.invoices.CancelInvoice(
		getCtx(ctx, c.macaroon),
		&invoicesrpc.CancelInvoiceMsg{PaymentHash: hash[:]},
	); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return c.clientError(ports.ErrKindUnexpectedClientError, err)
	}
	return nil
}

// SubscribeResolveRequests forwards the resolve requests produced by the
// invoice watchers until ctx is done or the client is closed.
func (c *Client) SubscribeResolveRequests(
	ctx context.Context,
) (<-chan ports.ResolveRequest, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	out := make(chan ports.ResolveRequest)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.quit:
				return
			case req := <-c.resolveCh:
				select {
				case out <- req:
				case <-ctx.Done():
					c.requeue(req)
					return
				case <-c.quit:
					return
				}
			}
		}
	}()
	return out, nil
}

// LookupPayment returns the final state of the outgoing payment for hash.
// A payment still pending when the lookup times out is reported as in
// flight.
func (c *Client) LookupPayment(
	ctx context.Context, hash lntypes.Hash,
) (ports.PaymentStatus, error) {
	if err := c.checkOpen(); err != nil {
		return ports.PaymentStatus{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	stream, err := c.router.TrackPaymentV2(
		getCtx(ctx, c.macaroon), &routerrpc.TrackPaymentRequest{
			PaymentHash:       hash[:],
			NoInflightUpdates: true,
		},
	)
	if err != nil {
		return c.lookupError(err)
	}

	payment, err := stream.Recv()
	if err != nil {
		return c.lookupError(err)
	}
	return paymentStatus(payment)
}

func (c *Client) CanRouteToNode(
	ctx context.Context, destination string, amount uint64,
) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	resp, err := c.lightning.QueryRoutes(
		getCtx(ctx, c.macaroon), &lnrpc.QueryRoutesRequest{
			PubKey: destination,
			Amt:    int64(amount),
		},
	)
	if err != nil {
		if paymentErrorKind(err.Error()) == ports.ErrKindNoRouteFound {
			return false, nil
		}
		return false, c.clientError(ports.ErrKindUnexpectedClientError, err)
	}
	return len(resp.GetRoutes()) > 0, nil
}

func (c *Client) ChannelBalance(ctx context.Context) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	resp, err := c.lightning.ChannelBalance(
		getCtx(ctx, c.macaroon), &lnrpc.ChannelBalanceRequest{},
	)
	if err != nil {
		return 0, c.clientError(ports.ErrKindUnexpectedClientError, err)
	}
	return resp.GetLocalBalance().GetSat(), nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)

		c.lock.Lock()
		for hash, cancel := range c.watchers {
			cancel()
			delete(c.watchers, hash)
		}
		c.connected = false
		c.lock.Unlock()

		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				log.WithError(err).Warnf(
					"lnd: failed to close %s connection", c.currency,
				)
			}
		}
		log.Infof("lnd: %s client closed", c.currency)
	})
}

func (c *Client) watchInvoice(
	ctx context.Context, hash lntypes.Hash,
	stream invoicesrpc.Invoices_SubscribeSingleInvoiceClient,
) {
	defer c.stopWatching(hash)

	for {
		invoice, err := stream.Recv()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.WithError(err).Warnf(
					"lnd: %s invoice subscription for %s dropped", c.currency, hash,
				)
			}
			return
		}

		switch invoice.GetState() {
		case lnrpc.Invoice_ACCEPTED:
			req := ports.ResolveRequest{
				Hash:     hash,
				Amount:   uint64(invoice.GetAmtPaidSat()),
				Currency: c.currency,
			}
			select {
			case c.resolveCh <- req:
			case <-ctx.Done():
			case <-c.quit:
			}
			return
		case lnrpc.Invoice_SETTLED, lnrpc.Invoice_CANCELED:
			return
		}
	}
}

func (c *Client) stopWatching(hash lntypes.Hash) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if cancel, ok := c.watchers[hash]; ok {
		cancel()
		delete(c.watchers, hash)
	}
}

func (c *Client) requeue(req ports.ResolveRequest) {
	select {
	case c.resolveCh <- req:
	default:
		log.Warnf("lnd: dropped %s resolve request for %s", c.currency, req.Hash)
	}
}

func (c *Client) checkOpen() error {
	select {
	case <-c.quit:
		return ErrClientClosed
	default:
		return nil
	}
}

func (c *Client) clientError(
	kind ports.SwapClientErrorKind, err error,
) *ports.SwapClientError {
	return ports.NewSwapClientError(kind, c.currency, err)
}

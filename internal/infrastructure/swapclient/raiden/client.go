package raiden

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/ports"
)

const resolveBufferSize = 64

var (
	// ErrClientClosed is returned by any call made after the service is
	// closed.
	ErrClientClosed = errors.New("raiden client is closed")
	// ErrInvoiceNotFound is returned when resolving a payment that no
	// invoice was added for.
	ErrInvoiceNotFound = errors.New("no invoice for payment hash")
	// ErrPaymentRejected is returned when the invoice of a payment being
	// resolved is removed.
	ErrPaymentRejected = errors.New("payment rejected")
)

// invoice is an expected incoming payment. done is closed once it is either
// settled or removed, preimage is set only in the first case.
type invoice struct {
	amount   uint64
	done     chan struct{}
	preimage *lntypes.Preimage
	once     *sync.Once
}

func newInvoice(amount uint64) *invoice {
	return &invoice{amount: amount, done: make(chan struct{}), once: &sync.Once{}}
}

func (i *invoice) resolve(preimage *lntypes.Preimage) {
	i.once.Do(func() {
		i.preimage = preimage
		close(i.done)
	})
}

// Client is the swap client of a single token handled by the raiden node.
type Client struct {
	svc      *Service
	currency string
	token    string

	lock      *sync.Mutex
	invoices  map[lntypes.Hash]*invoice
	payments  map[lntypes.Hash]ports.PaymentStatus
	resolveCh chan ports.ResolveRequest
	quit      chan struct{}
	closeOnce *sync.Once
}

func newClient(svc *Service, t Token) *Client {
	return &Client{
		svc:       svc,
		currency:  t.Currency,
		token:     t.Address,
		lock:      &sync.Mutex{},
		invoices:  make(map[lntypes.Hash]*invoice),
		payments:  make(map[lntypes.Hash]ports.PaymentStatus),
		resolveCh: make(chan ports.ResolveRequest, resolveBufferSize),
		quit:      make(chan struct{}),
		closeOnce: &sync.Once{},
	}
}

func (c *Client) Type() ports.SwapClientType {
	return ports.SwapClientRaiden
}

func (c *Client) Currency() string {
	return c.currency
}

// TokenAddress returns the address of the token this client pays with.
func (c *Client) TokenAddress() string {
	return c.token
}

func (c *Client) IsConnected() bool {
	return c.svc.isConnected()
}

func (c *Client) SendPayment(
	ctx context.Context, req ports.SendPaymentRequest,
) (lntypes.Preimage, error) {
	if err := c.checkOpen(); err != nil {
		return lntypes.Preimage{}, err
	}

	units, err := c.svc.converter.AmountToUnits(c.currency, req.Amount)
	if err != nil {
		return lntypes.Preimage{}, c.clientError(
			ports.ErrKindUnexpectedClientError, err,
		)
	}

	c.setPaymentStatus(req.Hash, ports.PaymentStatus{
		State: ports.PaymentStateInFlight,
	})

	resp, err := c.svc.sendPayment(
		ctx, c.token, req.Destination, tokenPaymentRequest{
			Amount:     tokenAmount{units},
			SecretHash: hashToHex(req.Hash),
		},
	)
	if err != nil {
		kind := paymentErrorKind(err)
		if kind != ports.ErrKindUnexpectedClientError {
			c.setPaymentStatus(req.Hash, ports.PaymentStatus{
				State: ports.PaymentStateFailed,
			})
		}
		return lntypes.Preimage{}, c.clientError(kind, err)
	}

	preimage, err := preimageFromHex(resp.Secret)
	if err != nil {
		return lntypes.Preimage{}, c.clientError(
			ports.ErrKindUnexpectedClientError,
			fmt.Errorf("invalid secret in payment response: %w", err),
		)
	}

	c.setPaymentStatus(req.Hash, ports.PaymentStatus{
		State:    ports.PaymentStateSucceeded,
		Preimage: &preimage,
	})
	return preimage, nil
}

// AddInvoice registers an expected incoming payment, so that the resolve
// requests of the raiden node for hash are forwarded to the subscriber.
func (c *Client) AddInvoice(
	_ context.Context, hash lntypes.Hash, amount uint64, _ uint32,
) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if prev, ok := c.invoices[hash]; ok {
		prev.resolve(nil)
	}
	c.invoices[hash] = newInvoice(amount)
	return nil
}

func (c *Client) SettleInvoice(
	_ context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !preimage.Matches(hash) {
		return c.clientError(
			ports.ErrKindUnexpectedClientError,
			fmt.Errorf("preimage does not match hash %s", hash),
		)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	inv, ok := c.invoices[hash]
	if !ok {
		return c.clientError(ports.ErrKindUnexpectedClientError, ErrInvoiceNotFound)
	}
	inv.resolve(&preimage)
	delete(c.invoices, hash)
	return nil
}

func (c *Client) RemoveInvoice(_ context.Context, hash lntypes.Hash) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if inv, ok := c.invoices[hash]; ok {
		inv.resolve(nil)
		delete(c.invoices, hash)
	}
	return nil
}

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
					return
				case <-c.quit:
					return
				}
			}
		}
	}()
	return out, nil
}

// LookupPayment returns the outcome of a payment sent by this process if
// known, otherwise searches the payment events of the raiden node.
func (c *Client) LookupPayment(
	ctx context.Context, hash lntypes.Hash,
) (ports.PaymentStatus, error) {
	if err := c.checkOpen(); err != nil {
		return ports.PaymentStatus{}, err
	}

	c.lock.Lock()
	status, known := c.payments[hash]
	c.lock.Unlock()
	if known && status.State != ports.PaymentStateInFlight {
		return status, nil
	}

	events, err := c.svc.listPaymentEvents(ctx, c.token)
	if err != nil {
		return ports.PaymentStatus{}, c.clientError(
			ports.ErrKindUnexpectedClientError, err,
		)
	}

	secretHash := hashToHex(hash)
	for _, e := range events {
		if !strings.EqualFold(e.SecretHash, secretHash) {
			continue
		}
		switch e.Event {
		case eventPaymentSentSuccess:
			preimage, err := preimageFromHex(e.Secret)
			if err != nil {
				return ports.PaymentStatus{}, c.clientError(
					ports.ErrKindUnexpectedClientError, err,
				)
			}
			return ports.PaymentStatus{
				State:    ports.PaymentStateSucceeded,
				Preimage: &preimage,
			}, nil
		case eventPaymentSentFailed:
			return ports.PaymentStatus{State: ports.PaymentStateFailed}, nil
		}
	}

	if known {
		return status, nil
	}
	return ports.PaymentStatus{State: ports.PaymentStateUnknown}, nil
}

// CanRouteToNode returns whether an open channel has enough balance for the
// payment, either any channel or only the one with the destination if
// direct channel checks are enabled.
func (c *Client) CanRouteToNode(
	ctx context.Context, destination string, amount uint64,
) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}

	units, err := c.svc.converter.AmountToUnits(c.currency, amount)
	if err != nil {
		return false, c.clientError(ports.ErrKindUnexpectedClientError, err)
	}
	channels, err := c.svc.listChannels(ctx, c.token)
	if err != nil {
		return false, c.clientError(ports.ErrKindUnexpectedClientError, err)
	}

	for _, ch := range channels {
		if ch.State != channelStateOpened || ch.Balance.Int == nil {
			continue
		}
		if c.svc.directChannelChecks &&
			!strings.EqualFold(ch.PartnerAddress, destination) {
			continue
		}
		if ch.Balance.Cmp(units) >= 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) ChannelBalance(ctx context.Context) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	channels, err := c.svc.listChannels(ctx, c.token)
	if err != nil {
		return 0, c.clientError(ports.ErrKindUnexpectedClientError, err)
	}

	total := new(uint256.Int)
	for _, ch := range channels {
		if ch.State != channelStateOpened || ch.Balance.Int == nil {
			continue
		}
		total.Add(total, ch.Balance.Int)
	}
	balance, err := c.svc.converter.UnitsToAmount(c.currency, total)
	if err != nil {
		return 0, c.clientError(ports.ErrKindUnexpectedClientError, err)
	}
	return balance, nil
}

// Close closes the whole raiden service, since all the token clients share
// the same node.
func (c *Client) Close() {
	c.svc.Close()
}

// resolve is called by the resolver endpoint for an incoming payment. It
// forwards a resolve request to the subscriber and waits for the invoice to
// be either settled or removed.
func (c *Client) resolve(
	ctx context.Context, hash lntypes.Hash, units *uint256.Int,
) (lntypes.Preimage, error) {
	if err := c.checkOpen(); err != nil {
		return lntypes.Preimage{}, err
	}

	amount, err := c.svc.converter.UnitsToAmount(c.currency, units)
	if err != nil {
		return lntypes.Preimage{}, err
	}

	c.lock.Lock()
	inv, ok := c.invoices[hash]
	c.lock.Unlock()
	if !ok {
		return lntypes.Preimage{}, ErrInvoiceNotFound
	}

	req := ports.ResolveRequest{
		Hash:     hash,
		Amount:   amount,
		Currency: c.currency,
		Token:    c.token,
	}
	select {
	case c.resolveCh <- req:
	case <-inv.done:
	case <-ctx.Done():
		return lntypes.Preimage{}, ctx.Err()
	case <-c.quit:
		return lntypes.Preimage{}, ErrClientClosed
	}

	select {
	case <-inv.done:
		if inv.preimage == nil {
			return lntypes.Preimage{}, ErrPaymentRejected
		}
		return *inv.preimage, nil
	case <-ctx.Done():
		return lntypes.Preimage{}, ctx.Err()
	case <-c.quit:
		return lntypes.Preimage{}, ErrClientClosed
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.quit)

		c.lock.Lock()
		defer c.lock.Unlock()
		for hash, inv := range c.invoices {
			inv.resolve(nil)
			delete(c.invoices, hash)
		}
		log.Debugf("raiden: %s client closed", c.currency)
	})
}

func (c *Client) setPaymentStatus(hash lntypes.Hash, status ports.PaymentStatus) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.payments[hash] = status
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

func paymentErrorKind(err error) ports.SwapClientErrorKind {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return ports.ErrKindUnexpectedClientError
	}

	switch apiErr.statusCode {
	case http.StatusPaymentRequired:
		return ports.ErrKindNoRouteFound
	case http.StatusConflict:
		if strings.Contains(strings.ToLower(apiErr.message), "route") {
			return ports.ErrKindNoRouteFound
		}
		return ports.ErrKindSendPaymentFailure
	default:
		return ports.ErrKindUnexpectedClientError
	}
}

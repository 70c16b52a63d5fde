package swaps_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/tdex-network/swapd/internal/core/ports"
)

// paymentNetwork routes payments between the fake swap clients of the same
// currency.
type paymentNetwork struct {
	lock  *sync.Mutex
	nodes map[string]*fakeSwapClient
}

func newPaymentNetwork() *paymentNetwork {
	return &paymentNetwork{&sync.Mutex{}, make(map[string]*fakeSwapClient)}
}

func (n *paymentNetwork) newClient(currency, nodeId string) *fakeSwapClient {
	n.lock.Lock()
	defer n.lock.Unlock()

	c := &fakeSwapClient{
		network:   n,
		currency:  currency,
		nodeId:    nodeId,
		lock:      &sync.Mutex{},
		connected: true,
		invoices:  make(map[lntypes.Hash]*fakeInvoice),
		payments:  make(map[lntypes.Hash]ports.PaymentStatus),
		resolve:   make(chan ports.ResolveRequest, 16),
	}
	n.nodes[currency+"/"+nodeId] = c
	return c
}

func (n *paymentNetwork) node(currency, nodeId string) *fakeSwapClient {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.nodes[currency+"/"+nodeId]
}

type fakeInvoice struct {
	amount   uint64
	preimage *lntypes.Preimage
	settled  bool
	closed   bool
	done     chan struct{}
}

// fakeSwapClient is a swap client holding incoming payments until they are
// settled or removed, like hold invoices do.
type fakeSwapClient struct {
	network  *paymentNetwork
	currency string
	nodeId   string

	lock         *sync.Mutex
	connected    bool
	noRoute      bool
	failPayments bool
	holdPayments bool
	paymentGate  chan struct{}
	invoices     map[lntypes.Hash]*fakeInvoice
	payments     map[lntypes.Hash]ports.PaymentStatus
	settled      []lntypes.Hash
	removed      []lntypes.Hash
	resolve      chan ports.ResolveRequest
}

func (c *fakeSwapClient) Type() ports.SwapClientType {
	return ports.SwapClientLnd
}

func (c *fakeSwapClient) Currency() string {
	return c.currency
}

func (c *fakeSwapClient) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.connected
}

func (c *fakeSwapClient) SendPayment(
	ctx context.Context, req ports.SendPaymentRequest,
) (lntypes.Preimage, error) {
	c.lock.Lock()
	gate := c.paymentGate
	c.payments[req.Hash] = ports.PaymentStatus{State: ports.PaymentStateInFlight}
	c.lock.Unlock()

	// The payment is stuck in the backend until the gate opens, whatever
	// its deadline.
	if gate != nil {
		select {
		case <-gate:
		case <-time.After(waitFor):
		}
	}

	c.lock.Lock()
	noRoute, failPayments, holdPayments :=
		c.noRoute, c.failPayments, c.holdPayments
	c.lock.Unlock()

	if noRoute {
		c.setPayment(req.Hash, ports.PaymentStatus{State: ports.PaymentStateFailed})
		return lntypes.Preimage{}, ports.NewSwapClientError(
			ports.ErrKindNoRouteFound, c.currency, nil,
		)
	}
	if failPayments {
		c.setPayment(req.Hash, ports.PaymentStatus{State: ports.PaymentStateFailed})
		return lntypes.Preimage{}, ports.NewSwapClientError(
			ports.ErrKindSendPaymentFailure, c.currency,
			fmt.Errorf("payment failed"),
		)
	}
	if holdPayments {
		<-ctx.Done()
		return lntypes.Preimage{}, ctx.Err()
	}

	dest := c.network.node(c.currency, req.Destination)
	if dest == nil {
		c.setPayment(req.Hash, ports.PaymentStatus{State: ports.PaymentStateFailed})
		return lntypes.Preimage{}, ports.NewSwapClientError(
			ports.ErrKindNoRouteFound, c.currency, nil,
		)
	}

	invoice, err := dest.receive(req.Hash, req.Amount)
	if err != nil {
		c.setPayment(req.Hash, ports.PaymentStatus{State: ports.PaymentStateFailed})
		return lntypes.Preimage{}, ports.NewSwapClientError(
			ports.ErrKindSendPaymentFailure, c.currency, err,
		)
	}

	select {
	case <-invoice.done:
	case <-ctx.Done():
		return lntypes.Preimage{}, ctx.Err()
	}

	dest.lock.Lock()
	settled, preimage := invoice.settled, invoice.preimage
	dest.lock.Unlock()

	if !settled {
		c.setPayment(req.Hash, ports.PaymentStatus{State: ports.PaymentStateFailed})
		return lntypes.Preimage{}, ports.NewSwapClientError(
			ports.ErrKindSendPaymentFailure, c.currency,
			fmt.Errorf("payment rejected"),
		)
	}

	c.setPayment(req.Hash, ports.PaymentStatus{
		State: ports.PaymentStateSucceeded, Preimage: preimage,
	})
	return *preimage, nil
}

func (c *fakeSwapClient) AddInvoice(
	_ context.Context, hash lntypes.Hash, amount uint64, _ uint32,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.invoices[hash]; ok {
		return fmt.Errorf("invoice already exists")
	}
	c.invoices[hash] = &fakeInvoice{amount: amount, done: make(chan struct{})}
	return nil
}

func (c *fakeSwapClient) SettleInvoice(
	_ context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	invoice, ok := c.invoices[hash]
	if !ok {
		return fmt.Errorf("invoice not found")
	}
	if !preimage.Matches(hash) {
		return fmt.Errorf("preimage doesn't match hash")
	}
	if invoice.settled {
		c.settled = append(c.settled, hash)
		return nil
	}
	if invoice.closed {
		return fmt.Errorf("invoice already canceled")
	}

	invoice.settled = true
	invoice.closed = true
	invoice.preimage = &preimage
	close(invoice.done)
	c.settled = append(c.settled, hash)
	return nil
}

func (c *fakeSwapClient) RemoveInvoice(_ context.Context, hash lntypes.Hash) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.removed = append(c.removed, hash)

	invoice, ok := c.invoices[hash]
	if !ok || invoice.closed {
		return nil
	}
	invoice.closed = true
	close(invoice.done)
	return nil
}

func (c *fakeSwapClient) SubscribeResolveRequests(
	ctx context.Context,
) (<-chan ports.ResolveRequest, error) {
	out := make(chan ports.ResolveRequest)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-c.resolve:
				select {
				case out <- req:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *fakeSwapClient) LookupPayment(
	_ context.Context, hash lntypes.Hash,
) (ports.PaymentStatus, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.payments[hash], nil
}

func (c *fakeSwapClient) CanRouteToNode(
	_ context.Context, destination string, _ uint64,
) (bool, error) {
	c.lock.Lock()
	noRoute := c.noRoute
	c.lock.Unlock()

	if noRoute {
		return false, nil
	}
	return c.network.node(c.currency, destination) != nil, nil
}

func (c *fakeSwapClient) ChannelBalance(context.Context) (uint64, error) {
	return 1_000_000_000, nil
}

func (c *fakeSwapClient) Close() {}

func (c *fakeSwapClient) receive(
	hash lntypes.Hash, amount uint64,
) (*fakeInvoice, error) {
	c.lock.Lock()
	invoice, ok := c.invoices[hash]
	if !ok || invoice.closed {
		c.lock.Unlock()
		return nil, fmt.Errorf("unknown payment hash")
	}
	if amount < invoice.amount {
		c.lock.Unlock()
		return nil, fmt.Errorf("amount too low")
	}
	c.lock.Unlock()

	c.resolve <- ports.ResolveRequest{
		Hash: hash, Amount: amount, Currency: c.currency,
	}
	return invoice, nil
}

func (c *fakeSwapClient) setPayment(hash lntypes.Hash, status ports.PaymentStatus) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.payments[hash] = status
}

func (c *fakeSwapClient) set(fn func(c *fakeSwapClient)) {
	c.lock.Lock()
	defer c.lock.Unlock()

	fn(c)
}

func (c *fakeSwapClient) hasSettled(hash lntypes.Hash) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, h := range c.settled {
		if h == hash {
			return true
		}
	}
	return false
}

func (c *fakeSwapClient) settleCount(hash lntypes.Hash) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	count := 0
	for _, h := range c.settled {
		if h == hash {
			count++
		}
	}
	return count
}

func (c *fakeSwapClient) hasPayment(hash lntypes.Hash) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	_, ok := c.payments[hash]
	return ok
}

func (c *fakeSwapClient) hasRemoved(hash lntypes.Hash) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, h := range c.removed {
		if h == hash {
			return true
		}
	}
	return false
}

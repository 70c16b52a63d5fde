package swapclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tdex-network/swapd/internal/core/ports"
	"github.com/tdex-network/swapd/pkg/circuitbreaker"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSwapClientNotFound is returned for currencies without a configured
	// and enabled swap client.
	ErrSwapClientNotFound = errors.New("swap client not found")
	// ErrDuplicatedSwapClient is returned when adding a second client for
	// the same currency.
	ErrDuplicatedSwapClient = errors.New("swap client already exists")
)

// Manager owns one swap client per currency for its whole lifetime.
type Manager struct {
	lock     *sync.RWMutex
	clients  map[string]ports.SwapClient
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewManager(clients ...ports.SwapClient) (*Manager, error) {
	m := &Manager{
		lock:     &sync.RWMutex{},
		clients:  make(map[string]ports.SwapClient),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, c := range clients {
		if err := m.Add(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add registers the client for its currency.
func (m *Manager) Add(client ports.SwapClient) error {
	if client == nil {
		return fmt.Errorf("missing swap client")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	currency := client.Currency()
	if _, ok := m.clients[currency]; ok {
		return fmt.Errorf("%w for currency %s", ErrDuplicatedSwapClient, currency)
	}
	m.clients[currency] = client
	m.breakers[currency] = circuitbreaker.NewCircuitBreaker(currency)

	log.Infof("swapclient: added %s client for %s", client.Type(), currency)
	return nil
}

// Get returns the client for the given currency.
func (m *Manager) Get(currency string) (ports.SwapClient, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	client, ok := m.clients[currency]
	if !ok {
		return nil, fmt.Errorf(
			"%w: unable to get client for currency %s",
			ErrSwapClientNotFound, currency,
		)
	}
	return client, nil
}

// IsConnected returns whether a client exists for the currency and is
// connected to its backend.
func (m *Manager) IsConnected(currency string) bool {
	client, err := m.Get(currency)
	if err != nil {
		return false
	}
	return client.IsConnected()
}

// Currencies returns the sorted list of currencies with a swap client.
func (m *Manager) Currencies() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	currencies := make([]string, 0, len(m.clients))
	for c := range m.clients {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	return currencies
}

// Clients returns all the managed clients, sorted by currency.
func (m *Manager) Clients() []ports.SwapClient {
	currencies := m.Currencies()

	m.lock.RLock()
	defer m.lock.RUnlock()

	clients := make([]ports.SwapClient, 0, len(currencies))
	for _, c := range currencies {
		clients = append(clients, m.clients[c])
	}
	return clients
}

// CanRouteToNode asks the client of the given currency whether the
// destination is reachable with the amount. Calls to a backend that keeps
// failing are short-circuited.
func (m *Manager) CanRouteToNode(
	ctx context.Context, currency, destination string, amount uint64,
) (bool, error) {
	client, breaker, err := m.getWithBreaker(currency)
	if err != nil {
		return false, err
	}

	res, err := breaker.Execute(func() (interface{}, error) {
		return client.CanRouteToNode(ctx, destination, amount)
	})
	if err != nil {
		return false, breakerError(currency, err)
	}
	return res.(bool), nil
}

// LookupPayment returns the outcome of an outgoing payment through the client
// of the given currency.
func (m *Manager) LookupPayment(
	ctx context.Context, currency string, hash lntypes.Hash,
) (ports.PaymentStatus, error) {
	client, breaker, err := m.getWithBreaker(currency)
	if err != nil {
		return ports.PaymentStatus{}, err
	}

	res, err := breaker.Execute(func() (interface{}, error) {
		return client.LookupPayment(ctx, hash)
	})
	if err != nil {
		return ports.PaymentStatus{}, breakerError(currency, err)
	}
	return res.(ports.PaymentStatus), nil
}

// ChannelBalances returns the local channel balance of every connected
// client, queried concurrently.
func (m *Manager) ChannelBalances(ctx context.Context) (map[string]uint64, error) {
	clients := m.Clients()

	lock := &sync.Mutex{}
	balances := make(map[string]uint64)
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		client := c
		if !client.IsConnected() {
			continue
		}
		eg.Go(func() error {
			balance, err := client.ChannelBalance(ctx)
			if err != nil {
				return fmt.Errorf(
					"failed to get %s channel balance: %w", client.Currency(), err,
				)
			}
			lock.Lock()
			balances[client.Currency()] = balance
			lock.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return balances, nil
}

// Close closes all clients concurrently.
func (m *Manager) Close() {
	eg := &errgroup.Group{}
	for _, c := range m.Clients() {
		client := c
		eg.Go(func() error {
			client.Close()
			log.Debugf("swapclient: closed %s client", client.Currency())
			return nil
		})
	}
	//nolint
	eg.Wait()
}

func (m *Manager) getWithBreaker(
	currency string,
) (ports.SwapClient, *gobreaker.CircuitBreaker, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	client, ok := m.clients[currency]
	if !ok {
		return nil, nil, fmt.Errorf(
			"%w: unable to get client for currency %s",
			ErrSwapClientNotFound, currency,
		)
	}
	return client, m.breakers[currency], nil
}

func breakerError(currency string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ports.NewSwapClientError(
			ports.ErrKindUnexpectedClientError, currency, err,
		)
	}
	return err
}

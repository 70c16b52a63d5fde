package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
)

var (
	// ErrOrderAlreadyExists is returned when adding an order with a known id.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrInsufficientQuantity is returned when holding more than the open
	// quantity of an order.
	ErrInsufficientQuantity = errors.New("order quantity is insufficient")
	// ErrOrderHasHolds is returned when removing an order with active holds.
	ErrOrderHasHolds = errors.New("order has active holds")
)

type order struct {
	ports.OwnOrder
	held uint64
}

// OrderBook keeps the own orders of the node in memory, together with the
// quantity of each order reserved by swaps.
type OrderBook struct {
	lock   *sync.RWMutex
	orders map[string]*order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		lock:   &sync.RWMutex{},
		orders: make(map[string]*order),
	}
}

// AddOrder adds an own order to the book.
func (b *OrderBook) AddOrder(o ports.OwnOrder) error {
	if o.Id == "" {
		return fmt.Errorf("missing order id")
	}
	if _, _, err := domain.ParsePairId(o.PairId); err != nil {
		return err
	}
	if o.Quantity == 0 {
		return domain.ErrInvalidQuantity
	}
	if !o.Price.IsPositive() {
		return domain.ErrInvalidPrice
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if _, ok := b.orders[o.Id]; ok {
		return fmt.Errorf("%w: %s", ErrOrderAlreadyExists, o.Id)
	}
	b.orders[o.Id] = &order{OwnOrder: o}

	log.Debugf("orderbook: added order %s", o.Id)
	return nil
}

// RemoveOrder removes an order without active holds from the book.
func (b *OrderBook) RemoveOrder(orderId string) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	o, ok := b.orders[orderId]
	if !ok {
		return ports.ErrOrderNotFound
	}
	if o.held > 0 {
		return fmt.Errorf("%w: %d units held", ErrOrderHasHolds, o.held)
	}
	delete(b.orders, orderId)

	log.Debugf("orderbook: removed order %s", orderId)
	return nil
}

// ListOrders returns all the orders sorted by id.
func (b *OrderBook) ListOrders() []ports.OwnOrder {
	b.lock.RLock()
	defer b.lock.RUnlock()

	orders := make([]ports.OwnOrder, 0, len(b.orders))
	for _, o := range b.orders {
		orders = append(orders, o.OwnOrder)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Id < orders[j].Id
	})
	return orders
}

// AvailableQuantity returns the open quantity of the order not reserved by
// any hold.
func (b *OrderBook) AvailableQuantity(orderId string) (uint64, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	o, ok := b.orders[orderId]
	if !ok {
		return 0, ports.ErrOrderNotFound
	}
	return o.Quantity - o.held, nil
}

func (b *OrderBook) GetOwnOrder(
	_ context.Context, orderId string,
) (*ports.OwnOrder, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	o, ok := b.orders[orderId]
	if !ok {
		return nil, ports.ErrOrderNotFound
	}
	order := o.OwnOrder
	return &order, nil
}

func (b *OrderBook) AddOrderHold(
	_ context.Context, orderId string, quantity uint64,
) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	o, ok := b.orders[orderId]
	if !ok {
		return ports.ErrOrderNotFound
	}
	if o.held+quantity > o.Quantity {
		return fmt.Errorf(
			"%w: %d units available, %d requested",
			ErrInsufficientQuantity, o.Quantity-o.held, quantity,
		)
	}
	o.held += quantity
	return nil
}

func (b *OrderBook) RemoveOrderHold(
	_ context.Context, orderId string, quantity uint64,
) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	o, ok := b.orders[orderId]
	if !ok {
		return ports.ErrOrderNotFound
	}
	if quantity > o.held {
		quantity = o.held
	}
	o.held -= quantity
	return nil
}

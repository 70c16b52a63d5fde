package ports

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrOrderNotFound is returned by the order book for unknown orders.
var ErrOrderNotFound = errors.New("order not found")

// OwnOrder is a local order as known by the order book.
type OwnOrder struct {
	Id     string
	PairId string
	// Quantity is the open quantity of the order, holds not subtracted.
	Quantity uint64
	Price    decimal.Decimal
	IsBuy    bool
}

// OrderBook is the contract with the order book of the node. It is notified
// of holds so that it can reflect the remaining tradable quantity.
type OrderBook interface {
	GetOwnOrder(ctx context.Context, orderId string) (*OwnOrder, error)
	AddOrderHold(ctx context.Context, orderId string, quantity uint64) error
	RemoveOrderHold(ctx context.Context, orderId string, quantity uint64) error
}

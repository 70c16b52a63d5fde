package domain

import "context"

// HoldRepository is the abstraction for any kind of database intended to
// persist OrderHolds.
type HoldRepository interface {
	AddHold(ctx context.Context, hold *OrderHold) error
	GetHold(ctx context.Context, id string) (*OrderHold, error)
	// GetActiveHoldsForOrder returns the unreleased holds of an order.
	GetActiveHoldsForOrder(ctx context.Context, orderId string) ([]OrderHold, error)
	// GetActiveHolds returns all the unreleased holds.
	GetActiveHolds(ctx context.Context) ([]OrderHold, error)
	UpdateHold(
		ctx context.Context, id string,
		updateFn func(h *OrderHold) (*OrderHold, error),
	) error
}

package domain

import (
	"context"

	"github.com/lightningnetwork/lnd/lntypes"
)

// DealRepository is the abstraction for any kind of database intended to
// persist SwapDeals.
type DealRepository interface {
	// AddDeal stores a new deal. It fails if a deal with the same id exists.
	AddDeal(ctx context.Context, deal *SwapDeal) error
	// GetDeal returns the deal with the given id.
	GetDeal(ctx context.Context, id string) (*SwapDeal, error)
	// GetDealsByHash returns all the deals, archived ones included, that
	// refer to the given payment hash.
	GetDealsByHash(ctx context.Context, hash lntypes.Hash) ([]SwapDeal, error)
	// GetActiveDeals returns all the deals in Active state.
	GetActiveDeals(ctx context.Context) ([]SwapDeal, error)
	// GetAllDeals returns all the stored deals.
	GetAllDeals(ctx context.Context) ([]SwapDeal, error)
	// UpdateDeal allows to commit multiple changes to the same deal in a
	// transactional way.
	UpdateDeal(
		ctx context.Context, id string,
		updateFn func(d *SwapDeal) (*SwapDeal, error),
	) error
}

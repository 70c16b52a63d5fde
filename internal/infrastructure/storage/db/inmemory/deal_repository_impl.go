package inmemory

import (
	"context"
	"sort"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/tdex-network/swapd/internal/core/domain"
)

type dealRepositoryImpl struct {
	store *dealInmemoryStore
}

// NewDealRepositoryImpl returns a new inmemory DealRepository implementation.
func NewDealRepositoryImpl(store *dealInmemoryStore) domain.DealRepository {
	return &dealRepositoryImpl{store}
}

func (r *dealRepositoryImpl) AddDeal(
	_ context.Context, deal *domain.SwapDeal,
) error {
	if deal == nil {
		return ErrNullDeal
	}

	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	if _, ok := r.store.deals[deal.Id]; ok {
		return domain.ErrDealAlreadyExists
	}

	r.store.deals[deal.Id] = copyDeal(*deal)
	r.store.dealsByHash[deal.PaymentHash] = append(
		r.store.dealsByHash[deal.PaymentHash], deal.Id,
	)
	return nil
}

func (r *dealRepositoryImpl) GetDeal(
	_ context.Context, id string,
) (*domain.SwapDeal, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	deal, ok := r.store.deals[id]
	if !ok {
		return nil, domain.ErrDealNotFound
	}
	d := copyDeal(deal)
	return &d, nil
}

func (r *dealRepositoryImpl) GetDealsByHash(
	_ context.Context, hash lntypes.Hash,
) ([]domain.SwapDeal, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	ids := r.store.dealsByHash[hash]
	deals := make([]domain.SwapDeal, 0, len(ids))
	for _, id := range ids {
		deals = append(deals, copyDeal(r.store.deals[id]))
	}
	return deals, nil
}

func (r *dealRepositoryImpl) GetActiveDeals(
	_ context.Context,
) ([]domain.SwapDeal, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	return r.findDeals(func(d domain.SwapDeal) bool {
		return d.IsActive()
	}), nil
}

func (r *dealRepositoryImpl) GetAllDeals(
	_ context.Context,
) ([]domain.SwapDeal, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	return r.findDeals(func(domain.SwapDeal) bool { return true }), nil
}

func (r *dealRepositoryImpl) UpdateDeal(
	_ context.Context, id string,
	updateFn func(d *domain.SwapDeal) (*domain.SwapDeal, error),
) error {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	deal, ok := r.store.deals[id]
	if !ok {
		return domain.ErrDealNotFound
	}

	current := copyDeal(deal)
	updatedDeal, err := updateFn(&current)
	if err != nil {
		return err
	}

	r.store.deals[id] = copyDeal(*updatedDeal)
	return nil
}

func (r *dealRepositoryImpl) findDeals(
	filter func(d domain.SwapDeal) bool,
) []domain.SwapDeal {
	deals := make([]domain.SwapDeal, 0)
	for _, d := range r.store.deals {
		if filter(d) {
			deals = append(deals, copyDeal(d))
		}
	}
	sort.SliceStable(deals, func(i, j int) bool {
		return deals[i].CreatedAt.Before(deals[j].CreatedAt)
	})
	return deals
}

func copyDeal(d domain.SwapDeal) domain.SwapDeal {
	if d.FailureReason != nil {
		reason := *d.FailureReason
		d.FailureReason = &reason
	}
	if d.Preimage != nil {
		preimage := *d.Preimage
		d.Preimage = &preimage
	}
	return d
}

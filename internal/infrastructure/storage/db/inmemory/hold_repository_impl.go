package inmemory

import (
	"context"
	"sort"

	"github.com/tdex-network/swapd/internal/core/domain"
)

type holdRepositoryImpl struct {
	store *holdInmemoryStore
}

// NewHoldRepositoryImpl returns a new inmemory HoldRepository implementation.
func NewHoldRepositoryImpl(store *holdInmemoryStore) domain.HoldRepository {
	return &holdRepositoryImpl{store}
}

func (r *holdRepositoryImpl) AddHold(
	_ context.Context, hold *domain.OrderHold,
) error {
	if hold == nil {
		return ErrNullHold
	}

	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	if _, ok := r.store.holds[hold.Id]; ok {
		return domain.ErrHoldAlreadyExists
	}

	r.store.holds[hold.Id] = *hold
	r.store.holdsByOrder[hold.OrderId] = append(
		r.store.holdsByOrder[hold.OrderId], hold.Id,
	)
	return nil
}

func (r *holdRepositoryImpl) GetHold(
	_ context.Context, id string,
) (*domain.OrderHold, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	hold, ok := r.store.holds[id]
	if !ok {
		return nil, domain.ErrHoldNotFound
	}
	return &hold, nil
}

func (r *holdRepositoryImpl) GetActiveHoldsForOrder(
	_ context.Context, orderId string,
) ([]domain.OrderHold, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	holds := make([]domain.OrderHold, 0)
	for _, id := range r.store.holdsByOrder[orderId] {
		if h := r.store.holds[id]; !h.Released {
			holds = append(holds, h)
		}
	}
	return holds, nil
}

func (r *holdRepositoryImpl) GetActiveHolds(
	_ context.Context,
) ([]domain.OrderHold, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	holds := make([]domain.OrderHold, 0)
	for _, h := range r.store.holds {
		if !h.Released {
			holds = append(holds, h)
		}
	}
	sort.SliceStable(holds, func(i, j int) bool {
		return holds[i].CreatedAt.Before(holds[j].CreatedAt)
	})
	return holds, nil
}

func (r *holdRepositoryImpl) UpdateHold(
	_ context.Context, id string,
	updateFn func(h *domain.OrderHold) (*domain.OrderHold, error),
) error {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	hold, ok := r.store.holds[id]
	if !ok {
		return domain.ErrHoldNotFound
	}

	updatedHold, err := updateFn(&hold)
	if err != nil {
		return err
	}

	r.store.holds[id] = *updatedHold
	return nil
}

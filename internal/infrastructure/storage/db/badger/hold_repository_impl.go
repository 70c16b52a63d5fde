package dbbadger

import (
	"context"
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

type holdRepositoryImpl struct {
	store *badgerhold.Store
}

// NewHoldRepositoryImpl returns a new badger HoldRepository implementation.
func NewHoldRepositoryImpl(store *badgerhold.Store) domain.HoldRepository {
	return &holdRepositoryImpl{store}
}

func (r *holdRepositoryImpl) AddHold(
	_ context.Context, hold *domain.OrderHold,
) error {
	if hold == nil {
		return ErrNullHold
	}

	if err := r.store.Insert(hold.Id, *hold); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrHoldAlreadyExists
		}
		return err
	}
	return nil
}

func (r *holdRepositoryImpl) GetHold(
	_ context.Context, id string,
) (*domain.OrderHold, error) {
	var hold domain.OrderHold
	if err := r.store.Get(id, &hold); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

func (r *holdRepositoryImpl) GetActiveHoldsForOrder(
	_ context.Context, orderId string,
) ([]domain.OrderHold, error) {
	query := badgerhold.Where("OrderId").Eq(orderId).And("Released").Eq(false)
	return r.findHolds(query)
}

func (r *holdRepositoryImpl) GetActiveHolds(
	_ context.Context,
) ([]domain.OrderHold, error) {
	query := badgerhold.Where("Released").Eq(false)
	return r.findHolds(query)
}

func (r *holdRepositoryImpl) UpdateHold(
	_ context.Context, id string,
	updateFn func(h *domain.OrderHold) (*domain.OrderHold, error),
) error {
	return r.store.Badger().Update(func(tx *badger.Txn) error {
		var hold domain.OrderHold
		if err := r.store.TxGet(tx, id, &hold); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrHoldNotFound
			}
			return err
		}

		updatedHold, err := updateFn(&hold)
		if err != nil {
			return err
		}

		return r.store.TxUpdate(tx, id, *updatedHold)
	})
}

func (r *holdRepositoryImpl) findHolds(
	query *badgerhold.Query,
) ([]domain.OrderHold, error) {
	var holds []domain.OrderHold
	if err := r.store.Find(&holds, query); err != nil {
		return nil, err
	}
	if holds == nil {
		holds = make([]domain.OrderHold, 0)
	}
	sort.SliceStable(holds, func(i, j int) bool {
		return holds[i].CreatedAt.Before(holds[j].CreatedAt)
	})
	return holds, nil
}

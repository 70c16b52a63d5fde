package dbbadger

import (
	"context"
	"errors"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

// swapDeal is the stored version of a deal. The payment hash is duplicated
// as hex string so that it can be used in queries. The failure reason is
// stored shifted by one because gob drops pointers to zero values.
type swapDeal struct {
	domain.SwapDeal
	Hash    string
	Failure int
}

type dealRepositoryImpl struct {
	store *badgerhold.Store
}

// NewDealRepositoryImpl returns a new badger DealRepository implementation.
func NewDealRepositoryImpl(store *badgerhold.Store) domain.DealRepository {
	return &dealRepositoryImpl{store}
}

func (r *dealRepositoryImpl) AddDeal(
	_ context.Context, deal *domain.SwapDeal,
) error {
	if deal == nil {
		return ErrNullDeal
	}

	if err := r.store.Insert(deal.Id, toStoredDeal(*deal)); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrDealAlreadyExists
		}
		return err
	}
	return nil
}

func (r *dealRepositoryImpl) GetDeal(
	_ context.Context, id string,
) (*domain.SwapDeal, error) {
	var deal swapDeal
	if err := r.store.Get(id, &deal); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrDealNotFound
		}
		return nil, err
	}
	d := fromStoredDeal(deal)
	return &d, nil
}

func (r *dealRepositoryImpl) GetDealsByHash(
	_ context.Context, hash lntypes.Hash,
) ([]domain.SwapDeal, error) {
	query := badgerhold.Where("Hash").Eq(hash.String())
	return r.findDeals(query)
}

func (r *dealRepositoryImpl) GetActiveDeals(
	_ context.Context,
) ([]domain.SwapDeal, error) {
	query := badgerhold.Where("State").Eq(domain.SwapStateActive)
	return r.findDeals(query)
}

func (r *dealRepositoryImpl) GetAllDeals(
	_ context.Context,
) ([]domain.SwapDeal, error) {
	return r.findDeals(nil)
}

func (r *dealRepositoryImpl) UpdateDeal(
	_ context.Context, id string,
	updateFn func(d *domain.SwapDeal) (*domain.SwapDeal, error),
) error {
	return r.store.Badger().Update(func(tx *badger.Txn) error {
		var deal swapDeal
		if err := r.store.TxGet(tx, id, &deal); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return domain.ErrDealNotFound
			}
			return err
		}

		current := fromStoredDeal(deal)
		updatedDeal, err := updateFn(&current)
		if err != nil {
			return err
		}

		return r.store.TxUpdate(tx, id, toStoredDeal(*updatedDeal))
	})
}

func (r *dealRepositoryImpl) findDeals(
	query *badgerhold.Query,
) ([]domain.SwapDeal, error) {
	var stored []swapDeal
	if err := r.store.Find(&stored, query); err != nil {
		return nil, err
	}

	deals := make([]domain.SwapDeal, 0, len(stored))
	for _, d := range stored {
		deals = append(deals, fromStoredDeal(d))
	}
	sort.SliceStable(deals, func(i, j int) bool {
		return deals[i].CreatedAt.Before(deals[j].CreatedAt)
	})
	return deals, nil
}

func toStoredDeal(deal domain.SwapDeal) swapDeal {
	failure := 0
	if reason, ok := deal.Reason(); ok {
		failure = int(reason) + 1
	}
	return swapDeal{deal, deal.PaymentHash.String(), failure}
}

func fromStoredDeal(stored swapDeal) domain.SwapDeal {
	deal := stored.SwapDeal
	deal.FailureReason = nil
	if stored.Failure > 0 {
		reason := domain.SwapFailureReason(stored.Failure - 1)
		deal.FailureReason = &reason
	}
	return deal
}

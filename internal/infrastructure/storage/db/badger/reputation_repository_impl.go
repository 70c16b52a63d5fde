package dbbadger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v3"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

type reputationRepositoryImpl struct {
	store *badgerhold.Store
}

// NewReputationRepositoryImpl returns a new badger ReputationRepository
// implementation.
func NewReputationRepositoryImpl(
	store *badgerhold.Store,
) domain.ReputationRepository {
	return &reputationRepositoryImpl{store}
}

func (r *reputationRepositoryImpl) GetRecord(
	_ context.Context, peerPubKey string,
) (*domain.ReputationRecord, error) {
	var record domain.ReputationRecord
	if err := r.store.Get(peerPubKey, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return domain.NewReputationRecord(peerPubKey), nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *reputationRepositoryImpl) GetAllRecords(
	_ context.Context,
) ([]domain.ReputationRecord, error) {
	var records []domain.ReputationRecord
	query := (&badgerhold.Query{}).SortBy("PeerPubKey")
	if err := r.store.Find(&records, query); err != nil {
		return nil, err
	}
	if records == nil {
		records = make([]domain.ReputationRecord, 0)
	}
	return records, nil
}

func (r *reputationRepositoryImpl) UpdateRecord(
	_ context.Context, peerPubKey string,
	updateFn func(r *domain.ReputationRecord) (*domain.ReputationRecord, error),
) error {
	return r.store.Badger().Update(func(tx *badger.Txn) error {
		record := domain.NewReputationRecord(peerPubKey)
		if err := r.store.TxGet(tx, peerPubKey, record); err != nil {
			if !errors.Is(err, badgerhold.ErrNotFound) {
				return err
			}
		}

		updatedRecord, err := updateFn(record)
		if err != nil {
			return err
		}

		return r.store.TxUpsert(tx, peerPubKey, *updatedRecord)
	})
}

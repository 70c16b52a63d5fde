package inmemory

import (
	"context"
	"sort"

	"github.com/tdex-network/swapd/internal/core/domain"
)

type reputationRepositoryImpl struct {
	store *reputationInmemoryStore
}

// NewReputationRepositoryImpl returns a new inmemory ReputationRepository
// implementation.
func NewReputationRepositoryImpl(
	store *reputationInmemoryStore,
) domain.ReputationRepository {
	return &reputationRepositoryImpl{store}
}

func (r *reputationRepositoryImpl) GetRecord(
	_ context.Context, peerPubKey string,
) (*domain.ReputationRecord, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	record, ok := r.store.records[peerPubKey]
	if !ok {
		return domain.NewReputationRecord(peerPubKey), nil
	}
	rr := copyRecord(record)
	return &rr, nil
}

func (r *reputationRepositoryImpl) GetAllRecords(
	_ context.Context,
) ([]domain.ReputationRecord, error) {
	r.store.locker.RLock()
	defer r.store.locker.RUnlock()

	records := make([]domain.ReputationRecord, 0, len(r.store.records))
	for _, record := range r.store.records {
		records = append(records, copyRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].PeerPubKey < records[j].PeerPubKey
	})
	return records, nil
}

func (r *reputationRepositoryImpl) UpdateRecord(
	_ context.Context, peerPubKey string,
	updateFn func(r *domain.ReputationRecord) (*domain.ReputationRecord, error),
) error {
	r.store.locker.Lock()
	defer r.store.locker.Unlock()

	record := domain.NewReputationRecord(peerPubKey)
	if rr, ok := r.store.records[peerPubKey]; ok {
		c := copyRecord(rr)
		record = &c
	}

	updatedRecord, err := updateFn(record)
	if err != nil {
		return err
	}

	r.store.records[peerPubKey] = copyRecord(*updatedRecord)
	return nil
}

func copyRecord(r domain.ReputationRecord) domain.ReputationRecord {
	events := make([]domain.ReputationEventRecord, len(r.Events))
	copy(events, r.Events)
	r.Events = events
	return r
}

package inmemory

import (
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
)

type dealInmemoryStore struct {
	deals       map[string]domain.SwapDeal
	dealsByHash map[lntypes.Hash][]string
	locker      *sync.RWMutex
}

type holdInmemoryStore struct {
	holds        map[string]domain.OrderHold
	holdsByOrder map[string][]string
	locker       *sync.RWMutex
}

type reputationInmemoryStore struct {
	records map[string]domain.ReputationRecord
	locker  *sync.RWMutex
}

type repoManager struct {
	dealRepository       domain.DealRepository
	holdRepository       domain.HoldRepository
	reputationRepository domain.ReputationRepository
}

// NewRepoManager returns a RepoManager that keeps everything in memory.
func NewRepoManager() ports.RepoManager {
	dealStore := &dealInmemoryStore{
		deals:       map[string]domain.SwapDeal{},
		dealsByHash: map[lntypes.Hash][]string{},
		locker:      &sync.RWMutex{},
	}
	holdStore := &holdInmemoryStore{
		holds:        map[string]domain.OrderHold{},
		holdsByOrder: map[string][]string{},
		locker:       &sync.RWMutex{},
	}
	reputationStore := &reputationInmemoryStore{
		records: map[string]domain.ReputationRecord{},
		locker:  &sync.RWMutex{},
	}

	return &repoManager{
		dealRepository:       NewDealRepositoryImpl(dealStore),
		holdRepository:       NewHoldRepositoryImpl(holdStore),
		reputationRepository: NewReputationRepositoryImpl(reputationStore),
	}
}

func (r *repoManager) DealRepository() domain.DealRepository {
	return r.dealRepository
}

func (r *repoManager) HoldRepository() domain.HoldRepository {
	return r.holdRepository
}

func (r *repoManager) ReputationRepository() domain.ReputationRepository {
	return r.reputationRepository
}

func (r *repoManager) Close() {}

package dbbadger

import (
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
	"github.com/timshannon/badgerhold/v4"
)

type repoManager struct {
	dealStore       *badgerhold.Store
	holdStore       *badgerhold.Store
	reputationStore *badgerhold.Store

	dealRepository       domain.DealRepository
	holdRepository       domain.HoldRepository
	reputationRepository domain.ReputationRepository
}

// NewRepoManager opens, or creates if not existing, the badger stores for
// deals, holds and reputation records in dedicated subdirs of baseDbDir. An
// empty baseDbDir opens the stores in memory.
func NewRepoManager(baseDbDir string, logger badger.Logger) (ports.RepoManager, error) {
	var dealsDir, holdsDir, reputationDir string
	if len(baseDbDir) > 0 {
		dealsDir = filepath.Join(baseDbDir, "deals")
		holdsDir = filepath.Join(baseDbDir, "holds")
		reputationDir = filepath.Join(baseDbDir, "reputation")
	}

	dealStore, err := createDb(dealsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening deals db: %w", err)
	}

	holdStore, err := createDb(holdsDir, logger)
	if err != nil {
		dealStore.Close()
		return nil, fmt.Errorf("opening holds db: %w", err)
	}

	reputationStore, err := createDb(reputationDir, logger)
	if err != nil {
		dealStore.Close()
		holdStore.Close()
		return nil, fmt.Errorf("opening reputation db: %w", err)
	}

	return &repoManager{
		dealStore:            dealStore,
		holdStore:            holdStore,
		reputationStore:      reputationStore,
		dealRepository:       NewDealRepositoryImpl(dealStore),
		holdRepository:       NewHoldRepositoryImpl(holdStore),
		reputationRepository: NewReputationRepositoryImpl(reputationStore),
	}, nil
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

func (r *repoManager) Close() {
	r.dealStore.Close()
	r.holdStore.Close()
	r.reputationStore.Close()
}

func createDb(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	var opts badger.Options
	if len(dbDir) <= 0 {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dbDir)
		opts.Compression = options.ZSTD
	}
	opts.Logger = logger

	return badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
}

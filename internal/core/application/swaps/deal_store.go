package swaps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/pkg/keylock"
)

var errUnchanged = errors.New("deal unchanged")

// DealObserver is notified of every change committed to a deal. Observers
// are called in commit order for the same payment hash and must not call
// back into the DealStore for that hash.
type DealObserver func(deal domain.SwapDeal)

// DealStore is the only writer of swap deals. All the mutations referring to
// the same payment hash are serialized, while different hashes proceed in
// parallel.
type DealStore struct {
	repo      domain.DealRepository
	locker    *keylock.Locker
	lock      *sync.RWMutex
	observers []DealObserver
}

func NewDealStore(repo domain.DealRepository) (*DealStore, error) {
	if repo == nil {
		return nil, fmt.Errorf("missing deal repository")
	}
	return &DealStore{
		repo:      repo,
		locker:    keylock.New(),
		lock:      &sync.RWMutex{},
		observers: make([]DealObserver, 0),
	}, nil
}

// AddObserver registers a new observer of deal changes.
func (s *DealStore) AddObserver(observer DealObserver) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.observers = append(s.observers, observer)
}

// Create stores a new deal. It fails with PaymentHashReuse if another deal
// not in Error state uses the same hash, or if a failed one already released
// the preimage or started an outgoing payment that never settled. The
// optional prepare func runs under the hash lock right before the deal is
// stored. If storing fails, the undo func it returned is called.
func (s *DealStore) Create(
	ctx context.Context, deal *domain.SwapDeal,
	prepare func(d *domain.SwapDeal) (func(), error),
) error {
	unlock := s.locker.Lock(deal.PaymentHash.String())
	defer unlock()

	deals, err := s.repo.GetDealsByHash(ctx, deal.PaymentHash)
	if err != nil {
		return fmt.Errorf("failed to get deals by hash: %w", err)
	}
	for _, d := range deals {
		if !d.IsFailed() {
			return domain.NewSwapFailure(
				domain.ReasonPaymentHashReuse,
				"deal %s already uses payment hash %s", d.Id, deal.PaymentHash,
			)
		}
		if d.PreimageReleased {
			return domain.NewSwapFailure(
				domain.ReasonPaymentHashReuse,
				"preimage of payment hash %s was already released",
				deal.PaymentHash,
			)
		}
		if d.HasPendingOutgoingPayment() ||
			(d.IsExecuting() && !d.OutgoingSettled) {
			return domain.NewSwapFailure(
				domain.ReasonPaymentHashReuse,
				"deal %s paid for payment hash %s", d.Id, deal.PaymentHash,
			)
		}
	}

	undo := func() {}
	if prepare != nil {
		fn, err := prepare(deal)
		if err != nil {
			return err
		}
		if fn != nil {
			undo = fn
		}
	}

	if err := s.repo.AddDeal(ctx, deal); err != nil {
		undo()
		return fmt.Errorf("failed to add deal: %w", err)
	}

	log.Debugf(
		"swaps: created %s deal %s for hash %s",
		deal.Role, deal.Id, deal.PaymentHash,
	)
	s.notify(*deal)
	return nil
}

// Get returns the current deal for the given hash, that is the one not in
// Error state if any, or the most recent one otherwise.
func (s *DealStore) Get(
	ctx context.Context, hash lntypes.Hash,
) (*domain.SwapDeal, error) {
	deals, err := s.repo.GetDealsByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return currentDeal(deals)
}

// Update applies fn to the current deal for hash and commits the result if
// fn reports a change. It returns the resulting deal and whether it changed.
func (s *DealStore) Update(
	ctx context.Context, hash lntypes.Hash,
	fn func(d *domain.SwapDeal) (bool, error),
) (*domain.SwapDeal, bool, error) {
	unlock := s.locker.Lock(hash.String())
	defer unlock()

	deal, err := s.Get(ctx, hash)
	if err != nil {
		return nil, false, err
	}

	var updated *domain.SwapDeal
	if err := s.repo.UpdateDeal(
		ctx, deal.Id, func(d *domain.SwapDeal) (*domain.SwapDeal, error) {
			changed, err := fn(d)
			if err != nil {
				return nil, err
			}
			if !changed {
				return nil, errUnchanged
			}
			updated = d
			return d, nil
		},
	); err != nil {
		if errors.Is(err, errUnchanged) {
			return deal, false, nil
		}
		return nil, false, err
	}

	s.notify(*updated)
	return updated, true, nil
}

// Transition moves the deal for hash to the given phase.
func (s *DealStore) Transition(
	ctx context.Context, hash lntypes.Hash, phase domain.SwapPhase,
) (*domain.SwapDeal, error) {
	deal, _, err := s.Update(ctx, hash, func(d *domain.SwapDeal) (bool, error) {
		if err := d.Transition(phase); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("swaps: deal %s moved to phase %s", hash, phase)
	return deal, nil
}

// Fail forces the deal for hash in Error state. It returns false without
// error if the deal was already failed.
func (s *DealStore) Fail(
	ctx context.Context, hash lntypes.Hash,
	reason domain.SwapFailureReason, msg string,
) (*domain.SwapDeal, bool, error) {
	return s.Update(ctx, hash, func(d *domain.SwapDeal) (bool, error) {
		return d.Fail(reason, msg)
	})
}

// Complete brings the deal for hash in Completed state. It returns false
// without error if the deal was already completed.
func (s *DealStore) Complete(
	ctx context.Context, hash lntypes.Hash,
) (*domain.SwapDeal, bool, error) {
	return s.Update(ctx, hash, func(d *domain.SwapDeal) (bool, error) {
		if d.IsCompleted() {
			return false, nil
		}
		if err := d.Complete(); err != nil {
			return false, err
		}
		return true, nil
	})
}

// ListActive returns all the deals in Active state.
func (s *DealStore) ListActive(ctx context.Context) ([]domain.SwapDeal, error) {
	return s.repo.GetActiveDeals(ctx)
}

// ListAll returns all the deals, archived failed ones included.
func (s *DealStore) ListAll(ctx context.Context) ([]domain.SwapDeal, error) {
	return s.repo.GetAllDeals(ctx)
}

func (s *DealStore) notify(deal domain.SwapDeal) {
	s.lock.RLock()
	observers := make([]DealObserver, len(s.observers))
	copy(observers, s.observers)
	s.lock.RUnlock()

	for _, observer := range observers {
		observer(deal)
	}
}

func currentDeal(deals []domain.SwapDeal) (*domain.SwapDeal, error) {
	if len(deals) <= 0 {
		return nil, domain.ErrDealNotFound
	}

	latest := 0
	for i, d := range deals {
		if !d.IsFailed() {
			return &deals[i], nil
		}
		if d.CreatedAt.After(deals[latest].CreatedAt) {
			latest = i
		}
	}
	return &deals[latest], nil
}

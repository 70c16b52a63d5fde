package orderhold

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
	"github.com/tdex-network/swapd/pkg/keylock"
)

var (
	// ErrNullQuantity is returned when reserving a zero quantity.
	ErrNullQuantity = errors.New("hold quantity must be greater than zero")
)

// Service is the registry of the quantities of local orders reserved by
// in-flight swaps. Reservations and releases of the same order are
// serialized, unrelated orders never contend.
type Service struct {
	repo      domain.HoldRepository
	orderBook ports.OrderBook
	locker    *keylock.Locker
}

func NewService(
	repo domain.HoldRepository, orderBook ports.OrderBook,
) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("missing hold repository")
	}
	if orderBook == nil {
		return nil, fmt.Errorf("missing order book")
	}
	return &Service{repo, orderBook, keylock.New()}, nil
}

// Reserve holds the given quantity of an order for the swap identified by
// hash and returns the id of the hold. It fails with OrderNotFound if the
// order doesn't exist, or with OrderOnHold if the quantity exceeds what is
// left of the order once the other holds are subtracted.
func (s *Service) Reserve(
	ctx context.Context, orderId, pairId string, quantity uint64,
	hash lntypes.Hash,
) (string, error) {
	if quantity == 0 {
		return "", ErrNullQuantity
	}

	unlock := s.locker.Lock(orderId)
	defer unlock()

	order, err := s.orderBook.GetOwnOrder(ctx, orderId)
	if err != nil {
		if errors.Is(err, ports.ErrOrderNotFound) {
			return "", domain.NewSwapFailure(
				domain.ReasonOrderNotFound, "order %s not found", orderId,
			)
		}
		return "", fmt.Errorf("failed to get order %s: %w", orderId, err)
	}
	if pairId != "" && order.PairId != pairId {
		return "", domain.NewSwapFailure(
			domain.ReasonOrderNotFound,
			"order %s not found for pair %s", orderId, pairId,
		)
	}

	held, err := s.heldQuantity(ctx, orderId)
	if err != nil {
		return "", err
	}
	if held+quantity > order.Quantity {
		return "", domain.NewSwapFailure(
			domain.ReasonOrderOnHold,
			"order %s has %d units available, %d requested",
			orderId, order.Quantity-min(held, order.Quantity), quantity,
		)
	}

	hold := domain.NewOrderHold(orderId, order.PairId, quantity, hash)
	if err := s.repo.AddHold(ctx, hold); err != nil {
		return "", fmt.Errorf("failed to add hold for order %s: %w", orderId, err)
	}

	if err := s.orderBook.AddOrderHold(ctx, orderId, quantity); err != nil {
		if _err := s.repo.UpdateHold(
			ctx, hold.Id, func(h *domain.OrderHold) (*domain.OrderHold, error) {
				h.Release()
				return h, nil
			},
		); _err != nil {
			log.WithError(_err).Warnf(
				"orderhold: failed to roll back hold %s", hold.Id,
			)
		}
		return "", fmt.Errorf(
			"failed to notify hold of order %s: %w", orderId, err,
		)
	}

	log.Debugf(
		"orderhold: reserved %d units of order %s with hold %s",
		quantity, orderId, hold.Id,
	)
	return hold.Id, nil
}

// Release frees the quantity reserved by a hold. Releasing an already
// released hold is a no-op.
func (s *Service) Release(ctx context.Context, holdId string) error {
	hold, err := s.repo.GetHold(ctx, holdId)
	if err != nil {
		return err
	}

	unlock := s.locker.Lock(hold.OrderId)
	defer unlock()

	released := false
	if err := s.repo.UpdateHold(
		ctx, holdId, func(h *domain.OrderHold) (*domain.OrderHold, error) {
			released = h.Release()
			hold = h
			return h, nil
		},
	); err != nil {
		return fmt.Errorf("failed to release hold %s: %w", holdId, err)
	}
	if !released {
		return nil
	}

	if err := s.orderBook.RemoveOrderHold(
		ctx, hold.OrderId, hold.Quantity,
	); err != nil {
		log.WithError(err).Warnf(
			"orderhold: failed to notify release of hold %s for order %s",
			holdId, hold.OrderId,
		)
	}

	log.Debugf(
		"orderhold: released %d units of order %s with hold %s",
		hold.Quantity, hold.OrderId, holdId,
	)
	return nil
}

// GetHold returns the hold with the given id.
func (s *Service) GetHold(
	ctx context.Context, holdId string,
) (*domain.OrderHold, error) {
	return s.repo.GetHold(ctx, holdId)
}

// HeldQuantity returns the quantity of an order reserved by unreleased holds.
func (s *Service) HeldQuantity(ctx context.Context, orderId string) (uint64, error) {
	unlock := s.locker.Lock(orderId)
	defer unlock()

	return s.heldQuantity(ctx, orderId)
}

// ListActiveHolds returns all the unreleased holds.
func (s *Service) ListActiveHolds(ctx context.Context) ([]domain.OrderHold, error) {
	return s.repo.GetActiveHolds(ctx)
}

// Restore notifies the order book of every unreleased hold. It is meant to
// be called once at startup, before any new reservation.
func (s *Service) Restore(ctx context.Context) error {
	holds, err := s.repo.GetActiveHolds(ctx)
	if err != nil {
		return err
	}

	for _, h := range holds {
		if err := s.orderBook.AddOrderHold(ctx, h.OrderId, h.Quantity); err != nil {
			log.WithError(err).Warnf(
				"orderhold: failed to restore hold %s for order %s",
				h.Id, h.OrderId,
			)
			continue
		}
	}
	if len(holds) > 0 {
		log.Infof("orderhold: restored %d holds", len(holds))
	}
	return nil
}

func (s *Service) heldQuantity(ctx context.Context, orderId string) (uint64, error) {
	holds, err := s.repo.GetActiveHoldsForOrder(ctx, orderId)
	if err != nil {
		return 0, fmt.Errorf("failed to get holds of order %s: %w", orderId, err)
	}

	var held uint64
	for _, h := range holds {
		held += h.Quantity
	}
	return held, nil
}

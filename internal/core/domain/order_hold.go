package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
)

// OrderHold is a provisional reservation of part of a local order for an
// in-flight swap.
type OrderHold struct {
	Id          string
	OrderId     string
	PairId      string
	Quantity    uint64
	PaymentHash lntypes.Hash
	CreatedAt   time.Time
	ReleasedAt  time.Time
	Released    bool
}

// NewOrderHold returns a new unreleased hold.
func NewOrderHold(
	orderId, pairId string, quantity uint64, hash lntypes.Hash,
) *OrderHold {
	return &OrderHold{
		Id:          uuid.New().String(),
		OrderId:     orderId,
		PairId:      pairId,
		Quantity:    quantity,
		PaymentHash: hash,
		CreatedAt:   time.Now(),
	}
}

// Release marks the hold as released. It returns false if the hold was
// already released.
func (h *OrderHold) Release() bool {
	if h.Released {
		return false
	}
	h.Released = true
	h.ReleasedAt = time.Now()
	return true
}

package swaps

import (
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
)

const (
	DefaultDealTimeout    = 10 * time.Second
	DefaultPaymentTimeout = 90 * time.Second
	// DefaultCltvDelta is used for currencies without a configured delta.
	DefaultCltvDelta = 40
)

// Config holds the tunables of the swap coordinator.
type Config struct {
	// DealTimeout is how long to wait for the peer to answer while a deal is
	// being negotiated.
	DealTimeout time.Duration
	// PaymentTimeout bounds the execution of a swap once the first payment
	// was sent.
	PaymentTimeout time.Duration
	// CltvDeltas is the time lock applied to incoming payments, per currency.
	CltvDeltas map[string]uint32
}

func (c Config) withDefaults() Config {
	if c.DealTimeout <= 0 {
		c.DealTimeout = DefaultDealTimeout
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = DefaultPaymentTimeout
	}
	if c.CltvDeltas == nil {
		c.CltvDeltas = make(map[string]uint32)
	}
	return c
}

func (c Config) cltvDelta(currency string) uint32 {
	if delta, ok := c.CltvDeltas[currency]; ok && delta > 0 {
		return delta
	}
	return DefaultCltvDelta
}

// TradeAgreement contains the terms of a matched trade to be settled with a
// swap where the local node is the taker.
type TradeAgreement struct {
	PairId string
	// OrderId is the id of the peer order being taken.
	OrderId string
	// LocalOrderId is the own order matched against the peer one. The hold
	// is placed on it, or on OrderId if empty.
	LocalOrderId string
	Quantity     uint64
	Price        decimal.Decimal
	IsBuy        bool
	PeerPubKey   string
	// Preimage is optional, a random one is generated if nil.
	Preimage *lntypes.Preimage
}

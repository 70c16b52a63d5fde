package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/shopspring/decimal"
)

// SwapRole is the role of the local node in a swap. It is fixed at deal
// creation.
type SwapRole int

const (
	// SwapRoleTaker is the counterparty initiating the trade, it owns the
	// preimage and pays first.
	SwapRoleTaker SwapRole = iota
	// SwapRoleMaker is the owner of the matched order.
	SwapRoleMaker
)

func (r SwapRole) String() string {
	if r == SwapRoleMaker {
		return "Maker"
	}
	return "Taker"
}

// SwapPhase records how far the execution of a swap progressed.
type SwapPhase int

const (
	// SwapCreated means the deal exists locally and the peer was not contacted.
	SwapCreated SwapPhase = iota
	// SwapRequested means a swap request was sent to, or received from, the peer.
	SwapRequested
	// SwapAccepted means both sides agreed the terms of the deal.
	SwapAccepted
	// SendingPayment means the swap client was asked to pay the leg owed by
	// this node. The payment could still fail.
	SendingPayment
	// PaymentReceived means the agreed amount was received and the preimage
	// was released to the receiving swap client.
	PaymentReceived
	// SwapCompleted means both legs of the swap are settled.
	SwapCompleted
)

func (p SwapPhase) String() string {
	switch p {
	case SwapCreated:
		return "SwapCreated"
	case SwapRequested:
		return "SwapRequested"
	case SwapAccepted:
		return "SwapAccepted"
	case SendingPayment:
		return "SendingPayment"
	case PaymentReceived:
		return "PaymentReceived"
	case SwapCompleted:
		return "SwapCompleted"
	default:
		return "UnknownPhase"
	}
}

// SwapState records the disposition of a swap.
type SwapState int

const (
	SwapStateActive SwapState = iota
	SwapStateError
	SwapStateCompleted
)

func (s SwapState) String() string {
	switch s {
	case SwapStateActive:
		return "Active"
	case SwapStateError:
		return "Error"
	case SwapStateCompleted:
		return "Completed"
	default:
		return "UnknownState"
	}
}

// SwapDeal is the record of a swap attempt. The payment hash identifies the
// swap across nodes, while Id is the local storage key so that archived
// failed deals never collide with newer ones.
type SwapDeal struct {
	Id            string
	PaymentHash   lntypes.Hash
	Role          SwapRole
	Phase         SwapPhase
	State         SwapState
	FailureReason *SwapFailureReason
	ErrorMessage  string

	PairId       string
	OrderId      string
	LocalOrderId string
	HoldId       string
	Quantity     uint64
	Price        decimal.Decimal
	IsBuy        bool
	PeerPubKey   string

	// The taker fields describe what the taker receives and therefore what
	// the maker pays, the maker fields the opposite.
	TakerCurrency  string
	TakerAmount    uint64
	TakerCltvDelta uint32
	TakerPubKey    string
	MakerCurrency  string
	MakerAmount    uint64
	MakerCltvDelta uint32
	MakerPubKey    string

	Preimage         *lntypes.Preimage
	PreimageReleased bool
	OutgoingSettled  bool
	IncomingSettled  bool

	CreatedAt   time.Time
	ExecutedAt  time.Time
	CompletedAt time.Time
	Expiration  time.Time
}

// NewSwapDeal returns an active deal in SwapCreated phase for the given hash.
func NewSwapDeal(role SwapRole, hash lntypes.Hash) *SwapDeal {
	return &SwapDeal{
		Id:          uuid.New().String(),
		PaymentHash: hash,
		Role:        role,
		Phase:       SwapCreated,
		State:       SwapStateActive,
		CreatedAt:   time.Now(),
	}
}

// Transition moves the deal to the given phase. Phases can only advance one
// step at a time, and SwapCompleted is reachable only through Complete.
func (d *SwapDeal) Transition(phase SwapPhase) error {
	if !d.IsActive() {
		return ErrDealNotActive
	}
	if phase == SwapCompleted {
		return ErrInvalidPhaseTransition
	}
	if phase != d.Phase+1 {
		return ErrInvalidPhaseTransition
	}

	d.Phase = phase
	if phase == SendingPayment {
		d.ExecutedAt = time.Now()
	}
	return nil
}

// Complete brings a deal from PaymentReceived to the terminal Completed state.
func (d *SwapDeal) Complete() error {
	if d.IsCompleted() {
		return nil
	}
	if !d.IsActive() {
		return ErrDealNotActive
	}
	if d.Phase != PaymentReceived {
		return ErrDealMustBePaymentReceived
	}

	d.Phase = SwapCompleted
	d.State = SwapStateCompleted
	d.CompletedAt = time.Now()
	return nil
}

// Fail forces the deal in the terminal Error state. It returns whether the
// deal changed: failing an already failed deal is a no-op.
func (d *SwapDeal) Fail(reason SwapFailureReason, msg string) (bool, error) {
	if d.IsFailed() {
		return false, nil
	}
	if d.IsCompleted() {
		return false, ErrDealAlreadyCompleted
	}
	if !reason.IsValid() {
		reason = ReasonUnknownError
	}

	d.State = SwapStateError
	d.FailureReason = &reason
	d.ErrorMessage = msg
	return true, nil
}

// IsActive returns whether the deal is still in progress.
func (d *SwapDeal) IsActive() bool {
	return d.State == SwapStateActive
}

// IsFailed returns whether the deal ended in Error state.
func (d *SwapDeal) IsFailed() bool {
	return d.State == SwapStateError
}

// IsCompleted returns whether the deal ended successfully.
func (d *SwapDeal) IsCompleted() bool {
	return d.State == SwapStateCompleted
}

// IsTerminal returns whether the deal reached either terminal state.
func (d *SwapDeal) IsTerminal() bool {
	return !d.IsActive()
}

// IsExpired returns whether the deal deadline has passed.
func (d *SwapDeal) IsExpired() bool {
	return !d.Expiration.IsZero() && !time.Now().Before(d.Expiration)
}

// IsExecuting returns whether the outgoing payment was attempted.
func (d *SwapDeal) IsExecuting() bool {
	return d.Phase >= SendingPayment
}

// BothLegsSettled returns whether the outgoing payment succeeded and the
// incoming one was accepted.
func (d *SwapDeal) BothLegsSettled() bool {
	return d.OutgoingSettled && d.IncomingSettled
}

// Reason returns the failure reason, or false if the deal did not fail.
func (d *SwapDeal) Reason() (SwapFailureReason, bool) {
	if d.FailureReason == nil {
		return 0, false
	}
	return *d.FailureReason, true
}

// ReceivingCurrency is the currency this node receives.
func (d *SwapDeal) ReceivingCurrency() string {
	if d.Role == SwapRoleTaker {
		return d.TakerCurrency
	}
	return d.MakerCurrency
}

// ReceivingAmount is the amount this node receives.
func (d *SwapDeal) ReceivingAmount() uint64 {
	if d.Role == SwapRoleTaker {
		return d.TakerAmount
	}
	return d.MakerAmount
}

// ReceivingCltvDelta is the lock applied to the incoming payment.
func (d *SwapDeal) ReceivingCltvDelta() uint32 {
	if d.Role == SwapRoleTaker {
		return d.TakerCltvDelta
	}
	return d.MakerCltvDelta
}

// SendingCurrency is the currency this node pays.
func (d *SwapDeal) SendingCurrency() string {
	if d.Role == SwapRoleTaker {
		return d.MakerCurrency
	}
	return d.TakerCurrency
}

// SendingAmount is the amount this node pays.
func (d *SwapDeal) SendingAmount() uint64 {
	if d.Role == SwapRoleTaker {
		return d.MakerAmount
	}
	return d.TakerAmount
}

// SendingCltvDelta is the lock applied to the outgoing payment.
func (d *SwapDeal) SendingCltvDelta() uint32 {
	if d.Role == SwapRoleTaker {
		return d.MakerCltvDelta
	}
	return d.TakerCltvDelta
}

// SendingDestination is the identifier of the peer's node on the swap client
// of the sending currency.
func (d *SwapDeal) SendingDestination() string {
	if d.Role == SwapRoleTaker {
		return d.MakerPubKey
	}
	return d.TakerPubKey
}

// HoldOrderId returns the id of the local order reserved by this deal.
func (d *SwapDeal) HoldOrderId() string {
	if d.LocalOrderId != "" {
		return d.LocalOrderId
	}
	return d.OrderId
}

// HasPendingOutgoingPayment returns whether the outgoing payment was
// attempted, is not known to be settled, and could still be claimed by the
// peer. The taker payment can be claimed only once the preimage is released.
func (d *SwapDeal) HasPendingOutgoingPayment() bool {
	if !d.IsExecuting() || d.OutgoingSettled {
		return false
	}
	return d.Role == SwapRoleMaker || d.PreimageReleased
}

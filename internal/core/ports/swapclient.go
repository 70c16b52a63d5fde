package ports

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
)

// SwapClientType is the closed set of payment backends supported for swaps.
type SwapClientType int

const (
	// SwapClientLnd is a Lightning-style payment channel network client.
	SwapClientLnd SwapClientType = iota
	// SwapClientRaiden is an account-based token payment network client.
	SwapClientRaiden
)

func (t SwapClientType) String() string {
	if t == SwapClientRaiden {
		return "Raiden"
	}
	return "Lnd"
}

// SendPaymentRequest contains the terms of an outgoing swap payment.
type SendPaymentRequest struct {
	// Destination is the identifier of the receiving node on the payment
	// network, a node pubkey for lnd or an account address for raiden.
	Destination string
	// Amount is denominated in the smallest unit used for swaps (satoshis).
	Amount    uint64
	Hash      lntypes.Hash
	CltvDelta uint32
}

// ResolveRequest is a swap client asking whether this node authorizes the
// release of an incoming payment locked to Hash.
type ResolveRequest struct {
	Hash     lntypes.Hash
	Amount   uint64
	Currency string
	// Token is the token address for account-based clients.
	Token string
}

// PaymentState is the outcome of an outgoing payment as known by the client.
type PaymentState int

const (
	PaymentStateUnknown PaymentState = iota
	PaymentStateInFlight
	PaymentStateSucceeded
	PaymentStateFailed
)

func (s PaymentState) String() string {
	switch s {
	case PaymentStateInFlight:
		return "InFlight"
	case PaymentStateSucceeded:
		return "Succeeded"
	case PaymentStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// PaymentStatus is the result of looking up an outgoing payment.
type PaymentStatus struct {
	State    PaymentState
	Preimage *lntypes.Preimage
}

// SwapClient is the capability contract shared by every payment backend used
// for swaps. Calls can be made concurrently for different payment hashes.
type SwapClient interface {
	Type() SwapClientType
	Currency() string
	IsConnected() bool
	// SendPayment pays the given request and returns the preimage revealed
	// by the receiver. It may block for the whole routing of the payment.
	SendPayment(ctx context.Context, req SendPaymentRequest) (lntypes.Preimage, error)
	// AddInvoice registers an expected incoming payment locked to hash.
	AddInvoice(
		ctx context.Context, hash lntypes.Hash, amount uint64, cltvExpiry uint32,
	) error
	// SettleInvoice accepts an incoming payment by releasing its preimage.
	SettleInvoice(
		ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
	) error
	// RemoveInvoice rejects an incoming payment, if any, and forgets the hash.
	RemoveInvoice(ctx context.Context, hash lntypes.Hash) error
	// SubscribeResolveRequests returns a channel of resolve requests that is
	// closed when ctx is done or the connection drops. It can be called again
	// after a reconnection.
	SubscribeResolveRequests(ctx context.Context) (<-chan ResolveRequest, error)
	// LookupPayment returns the actual outcome of an outgoing payment.
	LookupPayment(ctx context.Context, hash lntypes.Hash) (PaymentStatus, error)
	// CanRouteToNode returns whether a route with enough capacity exists.
	CanRouteToNode(
		ctx context.Context, destination string, amount uint64,
	) (bool, error)
	// ChannelBalance returns the local spendable balance in smallest units.
	ChannelBalance(ctx context.Context) (uint64, error)
	// Close releases the connection. It is idempotent.
	Close()
}

// SwapClientErrorKind classifies errors returned by swap clients.
type SwapClientErrorKind int

const (
	ErrKindUnexpectedClientError SwapClientErrorKind = iota
	ErrKindNoRouteFound
	ErrKindSendPaymentFailure
)

func (k SwapClientErrorKind) String() string {
	switch k {
	case ErrKindNoRouteFound:
		return "no route found"
	case ErrKindSendPaymentFailure:
		return "send payment failure"
	default:
		return "unexpected client error"
	}
}

// SwapClientError is the uniform error surfaced by swap clients.
type SwapClientError struct {
	Kind     SwapClientErrorKind
	Currency string
	Err      error
}

// NewSwapClientError wraps err with the given kind.
func NewSwapClientError(
	kind SwapClientErrorKind, currency string, err error,
) *SwapClientError {
	return &SwapClientError{kind, currency, err}
}

func (e *SwapClientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s client: %s", e.Currency, e.Kind)
	}
	return fmt.Sprintf("%s client: %s: %s", e.Currency, e.Kind, e.Err)
}

func (e *SwapClientError) Unwrap() error {
	return e.Err
}

// ClientErrorKind returns the kind of err if it is a SwapClientError, or
// ErrKindUnexpectedClientError otherwise.
func ClientErrorKind(err error) SwapClientErrorKind {
	var clientErr *SwapClientError
	if errors.As(err, &clientErr) {
		return clientErr.Kind
	}
	return ErrKindUnexpectedClientError
}

package domain

import "fmt"

// SwapFailureReason is the reason why a swap deal ended in the Error state.
// Every failure path of the swap engine picks exactly one of these.
type SwapFailureReason int

const (
	// ReasonOrderNotFound means the order specified by a swap could not be found.
	ReasonOrderNotFound SwapFailureReason = iota
	// ReasonOrderOnHold means the order quantity is reserved by other swaps.
	ReasonOrderOnHold
	// ReasonInvalidSwapRequest means the swap terms are invalid or disagree
	// with the locally held ones.
	ReasonInvalidSwapRequest
	// ReasonSwapClientNotSetup means a swap client is missing, disabled or
	// disconnected, the peer identifiers are unknown or the peer is banned.
	ReasonSwapClientNotSetup
	// ReasonNoRouteFound means no route with enough capacity was found.
	ReasonNoRouteFound
	// ReasonUnexpectedClientError means a swap client or transport call failed
	// for an unexpected reason.
	ReasonUnexpectedClientError
	// ReasonInvalidSwapPacketReceived means the peer sent a packet with invalid
	// data or out of order.
	ReasonInvalidSwapPacketReceived
	// ReasonSendPaymentFailure means the outgoing payment failed.
	ReasonSendPaymentFailure
	// ReasonInvalidResolveRequest means a resolve request did not match the
	// agreed terms.
	ReasonInvalidResolveRequest
	// ReasonPaymentHashReuse means the swap attempted to reuse a payment hash.
	ReasonPaymentHashReuse
	// ReasonSwapTimedOut means the swap execution exceeded its deadline.
	ReasonSwapTimedOut
	// ReasonDealTimedOut means the peer never answered the swap request.
	ReasonDealTimedOut
	// ReasonUnknownError is used when nothing more specific is known.
	ReasonUnknownError
)

func (r SwapFailureReason) String() string {
	switch r {
	case ReasonOrderNotFound:
		return "OrderNotFound"
	case ReasonOrderOnHold:
		return "OrderOnHold"
	case ReasonInvalidSwapRequest:
		return "InvalidSwapRequest"
	case ReasonSwapClientNotSetup:
		return "SwapClientNotSetup"
	case ReasonNoRouteFound:
		return "NoRouteFound"
	case ReasonUnexpectedClientError:
		return "UnexpectedClientError"
	case ReasonInvalidSwapPacketReceived:
		return "InvalidSwapPacketReceived"
	case ReasonSendPaymentFailure:
		return "SendPaymentFailure"
	case ReasonInvalidResolveRequest:
		return "InvalidResolveRequest"
	case ReasonPaymentHashReuse:
		return "PaymentHashReuse"
	case ReasonSwapTimedOut:
		return "SwapTimedOut"
	case ReasonDealTimedOut:
		return "DealTimedOut"
	case ReasonUnknownError:
		return "UnknownError"
	default:
		return fmt.Sprintf("SwapFailureReason(%d)", int(r))
	}
}

// IsValid returns whether the reason is one of the known values.
func (r SwapFailureReason) IsValid() bool {
	return r >= ReasonOrderNotFound && r <= ReasonUnknownError
}

// ReputationEvent returns the event to be recorded for the counterparty of a
// deal that failed for this reason.
func (r SwapFailureReason) ReputationEvent() ReputationEvent {
	switch r {
	case ReasonSwapTimedOut, ReasonDealTimedOut:
		return ReputationSwapTimeout
	case ReasonInvalidSwapPacketReceived,
		ReasonPaymentHashReuse,
		ReasonInvalidResolveRequest:
		return ReputationSwapMisbehavior
	case ReasonOrderNotFound,
		ReasonOrderOnHold,
		ReasonInvalidSwapRequest,
		ReasonSwapClientNotSetup,
		ReasonNoRouteFound,
		ReasonUnexpectedClientError,
		ReasonSendPaymentFailure,
		ReasonUnknownError:
		return ReputationSwapFailure
	default:
		return ReputationSwapFailure
	}
}

// IsPaymentUncertain returns whether a failure for this reason, once the
// outgoing payment was attempted, leaves its outcome unknown. In that case the
// payment must be looked up on the swap client before the hold is released.
// Only a missing route guarantees that nothing left the node.
func (r SwapFailureReason) IsPaymentUncertain() bool {
	return r != ReasonNoRouteFound
}

// SwapFailure is the error type carrying a SwapFailureReason through the
// swap engine.
type SwapFailure struct {
	Reason  SwapFailureReason
	Message string
}

// NewSwapFailure returns a new SwapFailure with a formatted message.
func NewSwapFailure(
	reason SwapFailureReason, format string, args ...interface{},
) *SwapFailure {
	return &SwapFailure{reason, fmt.Sprintf(format, args...)}
}

func (f *SwapFailure) Error() string {
	if f.Message == "" {
		return f.Reason.String()
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

package domain

import "errors"

var (
	// ErrDealNotFound is returned when no deal matches the request.
	ErrDealNotFound = errors.New("swap deal not found")
	// ErrDealAlreadyExists is returned when adding a deal with a known id.
	ErrDealAlreadyExists = errors.New("swap deal already exists")
	// ErrDealNotActive is returned when trying to advance a terminated deal.
	ErrDealNotActive = errors.New("swap deal is not active")
	// ErrDealAlreadyCompleted is returned when trying to fail a completed deal.
	ErrDealAlreadyCompleted = errors.New("swap deal is already completed")
	// ErrInvalidPhaseTransition is returned when a transition would skip or
	// regress a phase.
	ErrInvalidPhaseTransition = errors.New("invalid swap phase transition")
	// ErrDealMustBePaymentReceived is returned when completing a deal that
	// did not receive payment yet.
	ErrDealMustBePaymentReceived = errors.New(
		"swap deal must be in PaymentReceived phase",
	)
	// ErrHoldNotFound is returned when no order hold matches the request.
	ErrHoldNotFound = errors.New("order hold not found")
	// ErrHoldAlreadyExists is returned when adding a hold with a known id.
	ErrHoldAlreadyExists = errors.New("order hold already exists")
	// ErrInvalidPairId ...
	ErrInvalidPairId = errors.New("pair id must be in the form BASE/QUOTE")
	// ErrInvalidQuantity ...
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	// ErrInvalidPrice ...
	ErrInvalidPrice = errors.New("price must be greater than zero")
)

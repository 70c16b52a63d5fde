package dbbadger

import "errors"

var (
	// ErrNullDeal ...
	ErrNullDeal = errors.New("deal must not be null")
	// ErrNullHold ...
	ErrNullHold = errors.New("hold must not be null")
)

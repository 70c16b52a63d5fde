// Package unitconverter converts swap amounts, always expressed in units
// with 8 decimals like satoshis, to and from the base units of tokens with
// arbitrary decimals.
package unitconverter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

// SwapDecimals is the precision of the amounts exchanged in swaps.
const SwapDecimals = 8

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrOverflow        = errors.New("amount overflows")
	ErrTooManyDecimals = errors.New("too many decimals")
)

// maxDecimals keeps 10^decimals within 256 bits.
const maxDecimals = 77

// Converter holds the decimals of each known currency.
type Converter struct {
	lock     *sync.RWMutex
	decimals map[string]uint8
}

func New() *Converter {
	return &Converter{
		lock:     &sync.RWMutex{},
		decimals: make(map[string]uint8),
	}
}

// Add registers the decimals of a currency.
func (c *Converter) Add(currency string, decimals uint8) error {
	if decimals > maxDecimals {
		return fmt.Errorf("%w: %d", ErrTooManyDecimals, decimals)
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	c.decimals[currency] = decimals
	return nil
}

// AmountToUnits converts a swap amount to base units of the currency.
// Precision beyond the currency decimals is truncated.
func (c *Converter) AmountToUnits(
	currency string, amount uint64,
) (*uint256.Int, error) {
	decimals, err := c.getDecimals(currency)
	if err != nil {
		return nil, err
	}

	units := uint256.NewInt(amount)
	if decimals >= SwapDecimals {
		if _, overflow := units.MulOverflow(
			units, pow10(decimals-SwapDecimals),
		); overflow {
			return nil, ErrOverflow
		}
		return units, nil
	}
	return units.Div(units, pow10(SwapDecimals-decimals)), nil
}

// UnitsToAmount converts base units of the currency to a swap amount.
func (c *Converter) UnitsToAmount(
	currency string, units *uint256.Int,
) (uint64, error) {
	if units == nil {
		return 0, nil
	}
	decimals, err := c.getDecimals(currency)
	if err != nil {
		return 0, err
	}

	amount := new(uint256.Int)
	if decimals >= SwapDecimals {
		amount.Div(units, pow10(decimals-SwapDecimals))
	} else if _, overflow := amount.MulOverflow(
		units, pow10(SwapDecimals-decimals),
	); overflow {
		return 0, ErrOverflow
	}

	if !amount.IsUint64() {
		return 0, ErrOverflow
	}
	return amount.Uint64(), nil
}

func (c *Converter) getDecimals(currency string) (uint8, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	decimals, ok := c.decimals[currency]
	if !ok {
		return 0, fmt.Errorf("%w %s", ErrUnknownCurrency, currency)
	}
	return decimals, nil
}

func pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}

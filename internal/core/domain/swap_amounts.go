package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SwapAmounts are the currencies and amounts exchanged by the two sides of a
// swap. Taker fields are received by the taker, maker fields by the maker.
type SwapAmounts struct {
	TakerCurrency string
	TakerAmount   uint64
	MakerCurrency string
	MakerAmount   uint64
}

// ParsePairId splits a pair id like LTC/BTC into base and quote currencies.
func ParsePairId(pairId string) (string, string, error) {
	currencies := strings.Split(pairId, "/")
	if len(currencies) != 2 || currencies[0] == "" || currencies[1] == "" {
		return "", "", ErrInvalidPairId
	}
	if currencies[0] == currencies[1] {
		return "", "", ErrInvalidPairId
	}
	return currencies[0], currencies[1], nil
}

// CalculateSwapAmounts derives the swap amounts from the terms of a trade.
// Quantity is expressed in base currency units and price in quote units per
// base unit. isBuy refers to the side of the taker.
func CalculateSwapAmounts(
	pairId string, quantity uint64, price decimal.Decimal, isBuy bool,
) (*SwapAmounts, error) {
	baseCurrency, quoteCurrency, err := ParsePairId(pairId)
	if err != nil {
		return nil, err
	}
	if quantity == 0 {
		return nil, ErrInvalidQuantity
	}
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	baseAmount := quantity
	quoteAmount := decimal.NewFromInt(int64(quantity)).Mul(price).
		Truncate(0).BigInt().Uint64()
	if quoteAmount == 0 {
		return nil, ErrInvalidQuantity
	}

	if isBuy {
		return &SwapAmounts{
			TakerCurrency: baseCurrency,
			TakerAmount:   baseAmount,
			MakerCurrency: quoteCurrency,
			MakerAmount:   quoteAmount,
		}, nil
	}
	return &SwapAmounts{
		TakerCurrency: quoteCurrency,
		TakerAmount:   quoteAmount,
		MakerCurrency: baseCurrency,
		MakerAmount:   baseAmount,
	}, nil
}

// Matches returns whether the deal carries exactly these amounts.
func (a SwapAmounts) Matches(d *SwapDeal) bool {
	return a.TakerCurrency == d.TakerCurrency &&
		a.TakerAmount == d.TakerAmount &&
		a.MakerCurrency == d.MakerCurrency &&
		a.MakerAmount == d.MakerAmount
}

package orderhold_test

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/tdex-network/swapd/internal/core/ports"
)

type mockOrderBook struct {
	mock.Mock
}

func (m *mockOrderBook) GetOwnOrder(
	ctx context.Context, orderId string,
) (*ports.OwnOrder, error) {
	args := m.Called(ctx, orderId)

	var res *ports.OwnOrder
	if a := args.Get(0); a != nil {
		res = a.(*ports.OwnOrder)
	}
	return res, args.Error(1)
}

func (m *mockOrderBook) AddOrderHold(
	ctx context.Context, orderId string, quantity uint64,
) error {
	args := m.Called(ctx, orderId, quantity)
	return args.Error(0)
}

func (m *mockOrderBook) RemoveOrderHold(
	ctx context.Context, orderId string, quantity uint64,
) error {
	args := m.Called(ctx, orderId, quantity)
	return args.Error(0)
}

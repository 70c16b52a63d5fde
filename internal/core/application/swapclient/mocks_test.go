package swapclient_test

import (
	"context"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/mock"
	"github.com/tdex-network/swapd/internal/core/ports"
)

type mockSwapClient struct {
	mock.Mock
	currency string
}

func newMockSwapClient(currency string) *mockSwapClient {
	return &mockSwapClient{currency: currency}
}

func (m *mockSwapClient) Type() ports.SwapClientType {
	return ports.SwapClientLnd
}

func (m *mockSwapClient) Currency() string {
	return m.currency
}

func (m *mockSwapClient) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockSwapClient) SendPayment(
	ctx context.Context, req ports.SendPaymentRequest,
) (lntypes.Preimage, error) {
	args := m.Called(ctx, req)

	var res lntypes.Preimage
	if a := args.Get(0); a != nil {
		res = a.(lntypes.Preimage)
	}
	return res, args.Error(1)
}

func (m *mockSwapClient) AddInvoice(
	ctx context.Context, hash lntypes.Hash, amount uint64, cltvExpiry uint32,
) error {
	args := m.Called(ctx, hash, amount, cltvExpiry)
	return args.Error(0)
}

func (m *mockSwapClient) SettleInvoice(
	ctx context.Context, hash lntypes.Hash, preimage lntypes.Preimage,
) error {
	args := m.Called(ctx, hash, preimage)
	return args.Error(0)
}

func (m *mockSwapClient) RemoveInvoice(ctx context.Context, hash lntypes.Hash) error {
	args := m.Called(ctx, hash)
	return args.Error(0)
}

func (m *mockSwapClient) SubscribeResolveRequests(
	ctx context.Context,
) (<-chan ports.ResolveRequest, error) {
	args := m.Called(ctx)

	var res <-chan ports.ResolveRequest
	if a := args.Get(0); a != nil {
		res = a.(<-chan ports.ResolveRequest)
	}
	return res, args.Error(1)
}

func (m *mockSwapClient) LookupPayment(
	ctx context.Context, hash lntypes.Hash,
) (ports.PaymentStatus, error) {
	args := m.Called(ctx, hash)

	var res ports.PaymentStatus
	if a := args.Get(0); a != nil {
		res = a.(ports.PaymentStatus)
	}
	return res, args.Error(1)
}

func (m *mockSwapClient) CanRouteToNode(
	ctx context.Context, destination string, amount uint64,
) (bool, error) {
	args := m.Called(ctx, destination, amount)
	return args.Bool(0), args.Error(1)
}

func (m *mockSwapClient) ChannelBalance(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)

	var res uint64
	if a := args.Get(0); a != nil {
		res = a.(uint64)
	}
	return res, args.Error(1)
}

func (m *mockSwapClient) Close() {
	m.Called()
}

package lnd

import (
	"context"
	"io"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/stretchr/testify/mock"
	"google.golang.org/grpc"
)

type mockLightningClient struct {
	lnrpc.LightningClient
	mock.Mock
}

func (m *mockLightningClient) GetInfo(
	ctx context.Context, in *lnrpc.GetInfoRequest, opts ...grpc.CallOption,
) (*lnrpc.GetInfoResponse, error) {
	args := m.Called(ctx, in)
	var res *lnrpc.GetInfoResponse
	if a := args.Get(0); a != nil {
		res = a.(*lnrpc.GetInfoResponse)
	}
	return res, args.Error(1)
}

func (m *mockLightningClient) SendPaymentSync(
	ctx context.Context, in *lnrpc.SendRequest, opts ...grpc.CallOption,
) (*lnrpc.SendResponse, error) {
	args := m.Called(ctx, in)
	var res *lnrpc.SendResponse
	if a := args.Get(0); a != nil {
		res = a.(*lnrpc.SendResponse)
	}
	return res, args.Error(1)
}

func (m *mockLightningClient) QueryRoutes(
	ctx context.Context, in *lnrpc.QueryRoutesRequest, opts ...grpc.CallOption,
) (*lnrpc.QueryRoutesResponse, error) {
	args := m.Called(ctx, in)
	var res *lnrpc.QueryRoutesResponse
	if a := args.Get(0); a != nil {
		res = a.(*lnrpc.QueryRoutesResponse)
	}
	return res, args.Error(1)
}

func (m *mockLightningClient) ChannelBalance(
	ctx context.Context, in *lnrpc.ChannelBalanceRequest,
	opts ...grpc.CallOption,
) (*lnrpc.ChannelBalanceResponse, error) {
	args := m.Called(ctx, in)
	var res *lnrpc.ChannelBalanceResponse
	if a := args.Get(0); a != nil {
		res = a.(*lnrpc.ChannelBalanceResponse)
	}
	return res, args.Error(1)
}

type mockInvoicesClient struct {
	invoicesrpc.InvoicesClient
	mock.Mock
}

func (m *mockInvoicesClient) AddHoldInvoice(
	ctx context.Context, in *invoicesrpc.AddHoldInvoiceRequest,
	opts ...grpc.CallOption,
) (*invoicesrpc.AddHoldInvoiceResp, error) {
	args := m.Called(ctx, in)
	var res *invoicesrpc.AddHoldInvoiceResp
	if a := args.Get(0); a != nil {
		res = a.(*invoicesrpc.AddHoldInvoiceResp)
	}
	return res, args.Error(1)
}

func (m *mockInvoicesClient) SubscribeSingleInvoice(
	ctx context.Context, in *invoicesrpc.SubscribeSingleInvoiceRequest,
	opts ...grpc.CallOption,
) (invoicesrpc.Invoices_SubscribeSingleInvoiceClient, error) {
	args := m.Called(ctx, in)
	var res invoicesrpc.Invoices_SubscribeSingleInvoiceClient
	if a := args.Get(0); a != nil {
		stream := a.(*invoiceStream)
		stream.ctx = ctx
		res = stream
	}
	return res, args.Error(1)
}

func (m *mockInvoicesClient) SettleInvoice(
	ctx context.Context, in *invoicesrpc.SettleInvoiceMsg,
	opts ...grpc.CallOption,
) (*invoicesrpc.SettleInvoiceResp, error) {
	args := m.Called(ctx, in)
	var res *invoicesrpc.SettleInvoiceResp
	if a := args.Get(0); a != nil {
		res = a.(*invoicesrpc.SettleInvoiceResp)
	}
	return res, args.Error(1)
}

func (m *mockInvoicesClient) CancelInvoice(
	ctx context.Context, in *invoicesrpc.CancelInvoiceMsg,
	opts ...grpc.CallOption,
) (*invoicesrpc.CancelInvoiceResp, error) {
	args := m.Called(ctx, in)
	var res *invoicesrpc.CancelInvoiceResp
	if a := args.Get(0); a != nil {
		res = a.(*invoicesrpc.CancelInvoiceResp)
	}
	return res, args.Error(1)
}

type mockRouterClient struct {
	routerrpc.RouterClient
	mock.Mock
}

func (m *mockRouterClient) TrackPaymentV2(
	ctx context.Context, in *routerrpc.TrackPaymentRequest,
	opts ...grpc.CallOption,
) (routerrpc.Router_TrackPaymentV2Client, error) {
	args := m.Called(ctx, in)
	var res routerrpc.Router_TrackPaymentV2Client
	if a := args.Get(0); a != nil {
		res = a.(*paymentStream)
	}
	return res, args.Error(1)
}

// invoiceStream replays the given invoice updates and then blocks until the
// subscription context is canceled.
type invoiceStream struct {
	grpc.ClientStream
	ctx     context.Context
	updates chan *lnrpc.Invoice
}

func newInvoiceStream(updates ...*lnrpc.Invoice) *invoiceStream {
	ch := make(chan *lnrpc.Invoice, len(updates))
	for _, u := range updates {
		ch <- u
	}
	return &invoiceStream{updates: ch}
}

func (s *invoiceStream) Recv() (*lnrpc.Invoice, error) {
	select {
	case u := <-s.updates:
		return u, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

type paymentStream struct {
	grpc.ClientStream
	payment *lnrpc.Payment
	err     error
}

func (s *paymentStream) Recv() (*lnrpc.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.payment == nil {
		return nil, io.EOF
	}
	return s.payment, nil
}

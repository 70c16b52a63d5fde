package swaps_test

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/swapd/internal/core/application/orderhold"
	"github.com/tdex-network/swapd/internal/core/application/reputation"
	"github.com/tdex-network/swapd/internal/core/application/swapclient"
	"github.com/tdex-network/swapd/internal/core/application/swaps"
	"github.com/tdex-network/swapd/internal/core/domain"
	"github.com/tdex-network/swapd/internal/core/ports"
	obinmemory "github.com/tdex-network/swapd/internal/infrastructure/orderbook/inmemory"
	"github.com/tdex-network/swapd/internal/infrastructure/storage/db/inmemory"
	"github.com/tdex-network/swapd/internal/infrastructure/transport/loopback"
)

const (
	pairId       = "LTC/BTC"
	takerKey     = "taker"
	makerKey     = "maker"
	takerOrderId = "taker-order"
	makerOrderId = "maker-order"
	quantity     = 100000

	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var (
	price = decimal.RequireFromString("0.005")

	takerOrder = ports.OwnOrder{
		Id:       takerOrderId,
		PairId:   pairId,
		Quantity: 10 * quantity,
		Price:    price,
		IsBuy:    true,
	}
	makerOrder = ports.OwnOrder{
		Id:       makerOrderId,
		PairId:   pairId,
		Quantity: 10 * quantity,
		Price:    price,
		IsBuy:    false,
	}

	testConfig = swaps.Config{
		DealTimeout:    time.Second,
		PaymentTimeout: 2 * time.Second,
	}
)

func TestSwapSuccess(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	maker := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.start(t)
	maker.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	deal, err := taker.svc.ExecuteSwap(ctx, newTrade())
	require.NoError(t, err)
	require.NotNil(t, deal)
	require.True(t, deal.IsCompleted())
	require.Equal(t, domain.SwapCompleted, deal.Phase)
	require.Equal(t, domain.SwapRoleTaker, deal.Role)
	require.Equal(t, "LTC", deal.TakerCurrency)
	require.Equal(t, uint64(quantity), deal.TakerAmount)
	require.Equal(t, "BTC", deal.MakerCurrency)
	require.Equal(t, uint64(500), deal.MakerAmount)
	require.True(t, deal.PreimageReleased)
	require.True(t, deal.BothLegsSettled())

	hash := deal.PaymentHash
	require.Eventually(t, func() bool {
		d, err := maker.svc.GetDeal(ctx, hash)
		return err == nil && d.IsCompleted()
	}, waitFor, tick)

	makerDeal, err := maker.svc.GetDeal(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, domain.SwapRoleMaker, makerDeal.Role)
	require.Equal(t, deal.Preimage, makerDeal.Preimage)
	require.Equal(t, "taker-ltc", makerDeal.TakerPubKey)
	require.True(t, makerDeal.BothLegsSettled())

	require.True(t, taker.ltc.hasSettled(hash))
	require.True(t, maker.btc.hasSettled(hash))

	taker.requireHoldsReleased(t)
	maker.requireHoldsReleased(t)
	taker.requireEvents(t, makerKey, domain.ReputationSwapSuccess)
	maker.requireEvents(t, takerKey, domain.ReputationSwapSuccess)
	taker.recorder.requireConsistent(t)
	maker.recorder.requireConsistent(t)

	require.Equal(t, 1.0, counterValue(t, taker.registry, "swapd_deals_completed_total"))
	require.Equal(t, 1.0, counterValue(t, maker.registry, "swapd_deals_completed_total"))
	require.Equal(t, 0.0, counterValue(t, taker.registry, "swapd_deals_active"))
}

func TestSwapRejectedByMaker(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(t *testing.T, maker *testNode)
		trade          func(trade swaps.TradeAgreement) swaps.TradeAgreement
		expectedReason domain.SwapFailureReason
	}{
		{
			name: "order not found",
			trade: func(trade swaps.TradeAgreement) swaps.TradeAgreement {
				trade.OrderId = "unknown"
				return trade
			},
			expectedReason: domain.ReasonOrderNotFound,
		},
		{
			name: "order on hold",
			setup: func(t *testing.T, maker *testNode) {
				_, err := maker.holds.Reserve(
					context.Background(), makerOrderId, pairId,
					makerOrder.Quantity-quantity/2, randomHash(t),
				)
				require.NoError(t, err)
			},
			expectedReason: domain.ReasonOrderOnHold,
		},
		{
			name: "price mismatch",
			trade: func(trade swaps.TradeAgreement) swaps.TradeAgreement {
				trade.Price = decimal.RequireFromString("0.006")
				return trade
			},
			expectedReason: domain.ReasonInvalidSwapRequest,
		},
		{
			name: "same side",
			trade: func(trade swaps.TradeAgreement) swaps.TradeAgreement {
				trade.IsBuy = false
				return trade
			},
			expectedReason: domain.ReasonInvalidSwapRequest,
		},
		{
			name: "banned taker",
			setup: func(t *testing.T, maker *testNode) {
				maker.reputation.Ban(context.Background(), takerKey)
			},
			expectedReason: domain.ReasonSwapClientNotSetup,
		},
		{
			name: "maker client disconnected",
			setup: func(t *testing.T, maker *testNode) {
				maker.ltc.set(func(c *fakeSwapClient) { c.connected = false })
			},
			expectedReason: domain.ReasonSwapClientNotSetup,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			network, payments := loopback.NewNetwork(), newPaymentNetwork()
			taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
			maker := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
			taker.start(t)
			maker.start(t)
			if tt.setup != nil {
				tt.setup(t, maker)
			}

			trade := newTrade()
			if tt.trade != nil {
				trade = tt.trade(trade)
			}

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()

			deal, err := taker.svc.ExecuteSwap(ctx, trade)
			requireFailure(t, err, tt.expectedReason)
			require.NotNil(t, deal)
			require.True(t, deal.IsFailed())

			_, err = maker.svc.GetDeal(ctx, deal.PaymentHash)
			require.ErrorIs(t, err, domain.ErrDealNotFound)

			taker.requireHoldsReleased(t)
			taker.requireEvents(t, makerKey, tt.expectedReason.ReputationEvent())
			taker.recorder.requireConsistent(t)
		})
	}
}

func TestSwapFailsBeforeCreation(t *testing.T) {
	tests := []struct {
		name           string
		setup          func(taker *testNode)
		trade          func(trade swaps.TradeAgreement) swaps.TradeAgreement
		expectedReason domain.SwapFailureReason
	}{
		{
			name: "no route",
			setup: func(taker *testNode) {
				taker.btc.set(func(c *fakeSwapClient) { c.noRoute = true })
			},
			expectedReason: domain.ReasonNoRouteFound,
		},
		{
			name: "client disconnected",
			setup: func(taker *testNode) {
				taker.ltc.set(func(c *fakeSwapClient) { c.connected = false })
			},
			expectedReason: domain.ReasonSwapClientNotSetup,
		},
		{
			name: "unknown currency",
			trade: func(trade swaps.TradeAgreement) swaps.TradeAgreement {
				trade.PairId = "ETH/BTC"
				return trade
			},
			expectedReason: domain.ReasonSwapClientNotSetup,
		},
		{
			name: "banned maker",
			setup: func(taker *testNode) {
				taker.reputation.Ban(context.Background(), makerKey)
			},
			expectedReason: domain.ReasonSwapClientNotSetup,
		},
		{
			name: "unknown peer identifier",
			trade: func(trade swaps.TradeAgreement) swaps.TradeAgreement {
				trade.PeerPubKey = "unknown"
				return trade
			},
			expectedReason: domain.ReasonSwapClientNotSetup,
		},
		{
			name: "invalid quantity",
			trade: func(trade swaps.TradeAgreement) swaps.TradeAgreement {
				trade.Quantity = 0
				return trade
			},
			expectedReason: domain.ReasonInvalidSwapRequest,
		},
		{
			name: "local order on hold",
			trade: func(trade swaps.TradeAgreement) swaps.TradeAgreement {
				trade.Quantity = takerOrder.Quantity + 1
				return trade
			},
			expectedReason: domain.ReasonOrderOnHold,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			network, payments := loopback.NewNetwork(), newPaymentNetwork()
			taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
			newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
			if tt.setup != nil {
				tt.setup(taker)
			}
			taker.start(t)

			trade := newTrade()
			if tt.trade != nil {
				trade = tt.trade(trade)
			}

			ctx := context.Background()
			deal, err := taker.svc.InitiateSwap(ctx, trade)
			requireFailure(t, err, tt.expectedReason)
			require.Nil(t, deal)

			deals, err := taker.svc.ListDeals(ctx, false)
			require.NoError(t, err)
			require.Empty(t, deals)

			taker.requireHoldsReleased(t)
			record, err := taker.reputation.GetRecord(ctx, makerKey)
			require.NoError(t, err)
			if tt.name == "banned maker" {
				require.Len(t, record.Events, 1)
			} else {
				require.Empty(t, record.Events)
			}
		})
	}
}

func TestSwapDealTimeout(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	// The maker is never started and doesn't answer.
	newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	start := time.Now()
	deal, err := taker.svc.ExecuteSwap(ctx, newTrade())
	requireFailure(t, err, domain.ReasonDealTimedOut)
	require.GreaterOrEqual(t, time.Since(start), testConfig.DealTimeout)
	require.Equal(t, domain.SwapRequested, deal.Phase)

	taker.requireHoldsReleased(t)
	taker.requireEvents(t, makerKey, domain.ReputationSwapTimeout)
	taker.recorder.requireConsistent(t)
}

func TestSwapPaymentFailure(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	maker := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.btc.set(func(c *fakeSwapClient) { c.failPayments = true })
	taker.start(t)
	maker.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	deal, err := taker.svc.ExecuteSwap(ctx, newTrade())
	requireFailure(t, err, domain.ReasonSendPaymentFailure)
	require.Equal(t, domain.SendingPayment, deal.Phase)
	require.False(t, deal.PreimageReleased)

	hash := deal.PaymentHash
	require.Eventually(t, func() bool {
		d, err := maker.svc.GetDeal(ctx, hash)
		if err != nil || !d.IsFailed() {
			return false
		}
		reason, _ := d.Reason()
		return reason == domain.ReasonSendPaymentFailure
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return taker.ltc.hasRemoved(hash) && maker.btc.hasRemoved(hash)
	}, waitFor, tick)

	taker.requireHoldsReleased(t)
	maker.requireHoldsReleased(t)
	taker.requireEvents(t, makerKey, domain.ReputationSwapFailure)
	maker.requireEvents(t, takerKey, domain.ReputationSwapFailure)
	taker.recorder.requireConsistent(t)
	maker.recorder.requireConsistent(t)
}

func TestSwapTimeoutWithPendingPayment(t *testing.T) {
	cfg := testConfig
	cfg.PaymentTimeout = 500 * time.Millisecond

	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, cfg)
	maker := newTestNode(t, makerKey, network, payments, makerOrder, cfg)
	// The payment of the maker never reaches the taker.
	maker.ltc.set(func(c *fakeSwapClient) { c.holdPayments = true })
	taker.start(t)
	maker.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	deal, err := taker.svc.ExecuteSwap(ctx, newTrade())
	requireFailure(t, err, domain.ReasonSwapTimedOut)
	hash := deal.PaymentHash

	require.Eventually(t, func() bool {
		d, err := maker.svc.GetDeal(ctx, hash)
		return err == nil && d.IsFailed()
	}, waitFor, tick)

	// The outgoing payment of the maker is still in flight, so its hold is
	// kept and the incoming payment is not rejected.
	taker.requireHoldsReleased(t)
	holds, err := maker.holds.ListActiveHolds(ctx)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	require.Equal(t, hash, holds[0].PaymentHash)
	require.False(t, maker.btc.hasRemoved(hash))

	// Once restarted, the failed payment is reconciled and the hold released.
	require.NoError(t, maker.svc.Stop())
	maker.ltc.setPayment(hash, ports.PaymentStatus{State: ports.PaymentStateFailed})

	restarted := maker.restart(t)
	require.Eventually(t, func() bool {
		return maker.btc.hasRemoved(hash)
	}, waitFor, tick)
	restarted.requireHoldsReleased(t)
}

func TestSwapDealTimeoutWithLateAcceptance(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
	}{
		{"right before deadline", -20 * time.Millisecond},
		{"at deadline", 0},
		{"right after deadline", 20 * time.Millisecond},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			network, payments := loopback.NewNetwork(), newPaymentNetwork()
			taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
			// The maker service never runs, its answer is sent by hand.
			maker := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
			taker.start(t)

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()

			deal, err := taker.svc.InitiateSwap(ctx, newTrade())
			require.NoError(t, err)
			hash := deal.PaymentHash

			time.Sleep(time.Until(deal.Expiration) + tt.offset)
			err = maker.transport.Send(ctx, takerKey, ports.SwapAcceptedPacket{
				PaymentHash:    hash,
				Quantity:       deal.Quantity,
				Price:          deal.Price,
				TakerCurrency:  deal.TakerCurrency,
				TakerAmount:    deal.TakerAmount,
				MakerCurrency:  deal.MakerCurrency,
				MakerAmount:    deal.MakerAmount,
				MakerCltvDelta: swaps.DefaultCltvDelta,
			})
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				d, err := taker.svc.GetDeal(ctx, hash)
				return err == nil && d.IsFailed()
			}, waitFor, tick)

			deal, err = taker.svc.GetDeal(ctx, hash)
			require.NoError(t, err)
			reason, ok := deal.Reason()
			require.True(t, ok)

			// Either the timer or the late reply resolves the deal, never both.
			taker.requireHoldsReleased(t)
			taker.requireEvents(t, makerKey, reason.ReputationEvent())
			taker.recorder.requireConsistent(t)
		})
	}
}

func TestPaymentFailureAfterDealFailure(t *testing.T) {
	cfg := testConfig
	cfg.PaymentTimeout = 500 * time.Millisecond

	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, cfg)
	maker := newTestNode(t, makerKey, network, payments, makerOrder, cfg)
	// The payment of the maker is reported as failed only after its deadline.
	gate := make(chan struct{})
	maker.ltc.set(func(c *fakeSwapClient) {
		c.paymentGate = gate
		c.failPayments = true
	})
	taker.start(t)
	maker.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	deal, err := taker.svc.ExecuteSwap(ctx, newTrade())
	requireFailure(t, err, domain.ReasonSwapTimedOut)
	hash := deal.PaymentHash

	require.Eventually(t, func() bool {
		d, err := maker.svc.GetDeal(ctx, hash)
		return err == nil && d.IsFailed()
	}, waitFor, tick)

	holds, err := maker.holds.ListActiveHolds(ctx)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	require.False(t, maker.btc.hasRemoved(hash))

	close(gate)

	require.Eventually(t, func() bool {
		return maker.btc.hasRemoved(hash)
	}, waitFor, tick)
	maker.requireHoldsReleased(t)
	maker.recorder.requireConsistent(t)

	makerDeal, err := maker.svc.GetDeal(ctx, hash)
	require.NoError(t, err)
	require.True(t, makerDeal.IsFailed())
	require.False(t, makerDeal.OutgoingSettled)
}

func TestBanAfterSwapAccepted(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	maker := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	gate := make(chan struct{})
	taker.btc.set(func(c *fakeSwapClient) { c.paymentGate = gate })
	taker.start(t)
	maker.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	deal, err := taker.svc.InitiateSwap(ctx, newTrade())
	require.NoError(t, err)
	hash := deal.PaymentHash

	require.Eventually(t, func() bool {
		d, err := maker.svc.GetDeal(ctx, hash)
		return err == nil && d.Phase == domain.SwapAccepted
	}, waitFor, tick)

	maker.reputation.Ban(ctx, takerKey)
	require.True(t, maker.reputation.IsBanned(ctx, takerKey))
	close(gate)

	require.Eventually(t, func() bool {
		d, err := taker.svc.GetDeal(ctx, hash)
		return err == nil && d.IsCompleted()
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		d, err := maker.svc.GetDeal(ctx, hash)
		return err == nil && d.IsCompleted()
	}, waitFor, tick)

	require.True(t, taker.ltc.hasSettled(hash))
	require.True(t, maker.btc.hasSettled(hash))
	taker.requireHoldsReleased(t)
	maker.requireHoldsReleased(t)
	maker.requireEvents(
		t, takerKey, domain.ReputationManualBan, domain.ReputationSwapSuccess,
	)
	taker.recorder.requireConsistent(t)
	maker.recorder.requireConsistent(t)
}

func TestSwapHashReuse(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	maker := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.start(t)
	maker.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	preimage := randomPreimage(t)
	trade := newTrade()
	trade.Preimage = &preimage

	deal, err := taker.svc.ExecuteSwap(ctx, trade)
	require.NoError(t, err)
	require.True(t, deal.IsCompleted())
	maker.requireEvents(t, takerKey, domain.ReputationSwapSuccess)

	deal, err = taker.svc.InitiateSwap(ctx, trade)
	requireFailure(t, err, domain.ReasonPaymentHashReuse)
	require.Nil(t, deal)

	// A request reusing the hash of a completed swap is rejected by the
	// maker and counts as misbehavior.
	request := ports.SwapRequestPacket{
		PaymentHash:    preimage.Hash(),
		PairId:         pairId,
		OrderId:        makerOrderId,
		Quantity:       quantity,
		Price:          price,
		IsBuy:          true,
		TakerCurrency:  "LTC",
		TakerAmount:    quantity,
		MakerCurrency:  "BTC",
		MakerAmount:    500,
		TakerCltvDelta: swaps.DefaultCltvDelta,
	}
	err = taker.transport.Send(ctx, makerKey, request)
	require.NoError(t, err)

	maker.requireEvents(
		t, takerKey,
		domain.ReputationSwapSuccess, domain.ReputationSwapMisbehavior,
	)
	deals, err := maker.svc.ListDeals(ctx, false)
	require.NoError(t, err)
	require.Len(t, deals, 1)
	maker.requireHoldsReleased(t)
}

func TestConcurrentSwapsWithSameHash(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.start(t)

	preimage := randomPreimage(t)
	trade := newTrade()
	trade.Preimage = &preimage

	var (
		wg        sync.WaitGroup
		lock      sync.Mutex
		created   int
		reused    int
		numOfRuns = 10
	)
	wg.Add(numOfRuns)
	for i := 0; i < numOfRuns; i++ {
		go func() {
			defer wg.Done()

			_, err := taker.svc.InitiateSwap(context.Background(), trade)

			lock.Lock()
			defer lock.Unlock()

			failure := &domain.SwapFailure{}
			switch {
			case err == nil:
				created++
			case errors.As(err, &failure) &&
				failure.Reason == domain.ReasonPaymentHashReuse:
				reused++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Equal(t, numOfRuns-1, reused)

	holds, err := taker.holds.ListActiveHolds(context.Background())
	require.NoError(t, err)
	require.Len(t, holds, 1)
}

func TestCancelDeal(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.start(t)

	ctx := context.Background()
	deal, err := taker.svc.InitiateSwap(ctx, newTrade())
	require.NoError(t, err)
	require.Equal(t, domain.SwapRequested, deal.Phase)
	hash := deal.PaymentHash

	available, err := taker.orderBook.AvailableQuantity(takerOrderId)
	require.NoError(t, err)
	require.Equal(t, takerOrder.Quantity-quantity, available)

	err = taker.svc.CancelDeal(ctx, hash, domain.SwapFailureReason(-1))
	require.NoError(t, err)
	err = taker.svc.CancelDeal(ctx, hash, domain.ReasonUnknownError)
	require.ErrorIs(t, err, domain.ErrDealNotActive)
	err = taker.svc.CancelDeal(ctx, randomHash(t), domain.ReasonUnknownError)
	require.ErrorIs(t, err, domain.ErrDealNotFound)

	deal, err = taker.svc.GetDeal(ctx, hash)
	require.NoError(t, err)
	reason, ok := deal.Reason()
	require.True(t, ok)
	require.Equal(t, domain.ReasonUnknownError, reason)

	taker.requireHoldsReleased(t)
	taker.requireEvents(t, makerKey, domain.ReputationSwapFailure)
	taker.recorder.requireConsistent(t)
}

func TestStopCancelsPendingDeals(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.start(t)

	ctx := context.Background()
	deal, err := taker.svc.InitiateSwap(ctx, newTrade())
	require.NoError(t, err)

	require.NoError(t, taker.svc.Stop())
	require.ErrorIs(t, taker.svc.Stop(), swaps.ErrServiceNotStarted)
	require.ErrorIs(t, taker.svc.Start(ctx), swaps.ErrServiceStopped)

	deal, err = taker.svc.GetDeal(ctx, deal.PaymentHash)
	require.NoError(t, err)
	require.True(t, deal.IsFailed())

	deals, err := taker.svc.ListDeals(ctx, true)
	require.NoError(t, err)
	require.Empty(t, deals)
	taker.requireHoldsReleased(t)
}

func TestPacketFromWrongPeer(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	mallory, err := network.Connect("mallory", nil)
	require.NoError(t, err)
	taker.start(t)

	ctx := context.Background()
	deal, err := taker.svc.InitiateSwap(ctx, newTrade())
	require.NoError(t, err)
	hash := deal.PaymentHash

	err = mallory.Send(ctx, takerKey, ports.SwapFailedPacket{
		PaymentHash:   hash,
		FailureReason: int(domain.ReasonOrderNotFound),
	})
	require.NoError(t, err)

	taker.requireEvents(t, "mallory", domain.ReputationSwapMisbehavior)
	deal, err = taker.svc.GetDeal(ctx, hash)
	require.NoError(t, err)
	require.True(t, deal.IsActive())
}

func TestResolveRequests(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.start(t)

	t.Run("unknown hash", func(t *testing.T) {
		hash := randomHash(t)
		taker.ltc.resolve <- ports.ResolveRequest{
			Hash: hash, Amount: quantity, Currency: "LTC",
		}
		require.Eventually(t, func() bool {
			return taker.ltc.hasRemoved(hash)
		}, waitFor, tick)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		ctx := context.Background()
		deal, err := taker.svc.InitiateSwap(ctx, newTrade())
		require.NoError(t, err)
		hash := deal.PaymentHash

		taker.ltc.resolve <- ports.ResolveRequest{
			Hash: hash, Amount: quantity - 1, Currency: "LTC",
		}
		require.Eventually(t, func() bool {
			d, err := taker.svc.GetDeal(ctx, hash)
			if err != nil || !d.IsFailed() {
				return false
			}
			reason, _ := d.Reason()
			return reason == domain.ReasonInvalidResolveRequest
		}, waitFor, tick)

		taker.requireHoldsReleased(t)
		taker.requireEvents(t, makerKey, domain.ReputationSwapMisbehavior)
	})
}

func TestResolveRequestAmountMismatch(t *testing.T) {
	tests := []struct {
		name  string
		role  domain.SwapRole
		delta int64
	}{
		{"taker underpaid", domain.SwapRoleTaker, -1},
		{"taker overpaid", domain.SwapRoleTaker, 1},
		{"maker underpaid", domain.SwapRoleMaker, -1},
		{"maker overpaid", domain.SwapRoleMaker, 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			network, payments := loopback.NewNetwork(), newPaymentNetwork()
			taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
			maker := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)

			// The payment of the taker is held back so that the maker deal
			// waits in SwapAccepted.
			gate := make(chan struct{})
			taker.btc.set(func(c *fakeSwapClient) { c.paymentGate = gate })
			taker.start(t)

			node, peer, client := taker, makerKey, taker.ltc
			if tt.role == domain.SwapRoleMaker {
				node, peer, client = maker, takerKey, maker.btc
				maker.start(t)
			}

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()

			deal, err := taker.svc.InitiateSwap(ctx, newTrade())
			require.NoError(t, err)
			hash := deal.PaymentHash

			require.Eventually(t, func() bool {
				d, err := node.svc.GetDeal(ctx, hash)
				return err == nil && d.Role == tt.role &&
					(tt.role == domain.SwapRoleTaker || d.Phase == domain.SwapAccepted)
			}, waitFor, tick)

			deal, err = node.svc.GetDeal(ctx, hash)
			require.NoError(t, err)
			client.resolve <- ports.ResolveRequest{
				Hash:     hash,
				Amount:   uint64(int64(deal.ReceivingAmount()) + tt.delta),
				Currency: deal.ReceivingCurrency(),
			}

			require.Eventually(t, func() bool {
				d, err := node.svc.GetDeal(ctx, hash)
				if err != nil || !d.IsFailed() {
					return false
				}
				reason, _ := d.Reason()
				return reason == domain.ReasonInvalidResolveRequest
			}, waitFor, tick)

			// Nothing is paid against a mismatched incoming payment.
			require.False(t, maker.ltc.hasPayment(hash))
			close(gate)

			node.requireHoldsReleased(t)
			node.requireEvents(t, peer, domain.ReputationSwapMisbehavior)
			node.recorder.requireConsistent(t)
		})
	}
}

func TestResolveRequestForCompletedDeal(t *testing.T) {
	network, payments := loopback.NewNetwork(), newPaymentNetwork()
	taker := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)
	maker := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)
	taker.start(t)
	maker.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	deal, err := taker.svc.ExecuteSwap(ctx, newTrade())
	require.NoError(t, err)
	require.True(t, deal.IsCompleted())
	hash := deal.PaymentHash

	require.Eventually(t, func() bool {
		d, err := maker.svc.GetDeal(ctx, hash)
		return err == nil && d.IsCompleted()
	}, waitFor, tick)

	t.Run("settled with known preimage", func(t *testing.T) {
		settled := maker.btc.settleCount(hash)
		maker.btc.resolve <- ports.ResolveRequest{
			Hash: hash, Amount: deal.MakerAmount, Currency: "BTC",
		}
		require.Eventually(t, func() bool {
			return maker.btc.settleCount(hash) == settled+1
		}, waitFor, tick)
	})

	t.Run("rejected on other currency", func(t *testing.T) {
		require.False(t, taker.btc.hasRemoved(hash))
		taker.btc.resolve <- ports.ResolveRequest{
			Hash: hash, Amount: deal.MakerAmount, Currency: "BTC",
		}
		require.Eventually(t, func() bool {
			return taker.btc.hasRemoved(hash)
		}, waitFor, tick)
	})

	for _, node := range []*testNode{taker, maker} {
		d, err := node.svc.GetDeal(ctx, hash)
		require.NoError(t, err)
		require.True(t, d.IsCompleted())
	}
	taker.requireEvents(t, makerKey, domain.ReputationSwapSuccess)
	maker.requireEvents(t, takerKey, domain.ReputationSwapSuccess)
}

func TestRecoverDeals(t *testing.T) {
	t.Run("taker with settled outgoing payment", func(t *testing.T) {
		network, payments := loopback.NewNetwork(), newPaymentNetwork()
		node := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)

		preimage := randomPreimage(t)
		deal := node.persistDeal(t, domain.SwapRoleTaker, preimage.Hash(), func(d *domain.SwapDeal) {
			d.Phase = domain.PaymentReceived
			d.Preimage = &preimage
			d.PreimageReleased = true
			d.IncomingSettled = true
		})
		node.btc.setPayment(deal.PaymentHash, ports.PaymentStatus{
			State: ports.PaymentStateSucceeded, Preimage: &preimage,
		})

		node.start(t)

		d, err := node.svc.GetDeal(context.Background(), deal.PaymentHash)
		require.NoError(t, err)
		require.True(t, d.IsCompleted())
		node.requireHoldsReleased(t)
		node.requireEvents(t, makerKey, domain.ReputationSwapSuccess)
	})

	t.Run("maker with failed outgoing payment", func(t *testing.T) {
		network, payments := loopback.NewNetwork(), newPaymentNetwork()
		node := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)

		deal := node.persistDeal(t, domain.SwapRoleMaker, randomHash(t), func(d *domain.SwapDeal) {
			d.Phase = domain.SendingPayment
		})
		node.ltc.setPayment(deal.PaymentHash, ports.PaymentStatus{
			State: ports.PaymentStateFailed,
		})

		node.start(t)

		d, err := node.svc.GetDeal(context.Background(), deal.PaymentHash)
		require.NoError(t, err)
		reason, ok := d.Reason()
		require.True(t, ok)
		require.Equal(t, domain.ReasonSendPaymentFailure, reason)
		require.True(t, node.btc.hasRemoved(deal.PaymentHash))
		node.requireHoldsReleased(t)
	})

	t.Run("maker with payment in flight", func(t *testing.T) {
		network, payments := loopback.NewNetwork(), newPaymentNetwork()
		node := newTestNode(t, makerKey, network, payments, makerOrder, testConfig)

		deal := node.persistDeal(t, domain.SwapRoleMaker, randomHash(t), func(d *domain.SwapDeal) {
			d.Phase = domain.SendingPayment
			d.Expiration = time.Now().Add(time.Hour)
		})
		node.ltc.setPayment(deal.PaymentHash, ports.PaymentStatus{
			State: ports.PaymentStateInFlight,
		})

		node.start(t)

		d, err := node.svc.GetDeal(context.Background(), deal.PaymentHash)
		require.NoError(t, err)
		require.True(t, d.IsActive())
		holds, err := node.holds.ListActiveHolds(context.Background())
		require.NoError(t, err)
		require.Len(t, holds, 1)
		available, err := node.orderBook.AvailableQuantity(makerOrderId)
		require.NoError(t, err)
		require.Equal(t, makerOrder.Quantity-quantity, available)
	})

	t.Run("expired negotiation", func(t *testing.T) {
		network, payments := loopback.NewNetwork(), newPaymentNetwork()
		node := newTestNode(t, takerKey, network, payments, takerOrder, testConfig)

		deal := node.persistDeal(t, domain.SwapRoleTaker, randomHash(t), func(d *domain.SwapDeal) {
			d.Phase = domain.SwapRequested
			d.Expiration = time.Now().Add(-time.Second)
		})

		node.start(t)

		d, err := node.svc.GetDeal(context.Background(), deal.PaymentHash)
		require.NoError(t, err)
		reason, ok := d.Reason()
		require.True(t, ok)
		require.Equal(t, domain.ReasonDealTimedOut, reason)
		node.requireHoldsReleased(t)
	})
}

type testNode struct {
	pubkey     string
	cfg        swaps.Config
	repos      ports.RepoManager
	svc        *swaps.Service
	holds      *orderhold.Service
	reputation *reputation.Service
	orderBook  *obinmemory.OrderBook
	transport  *loopback.Transport
	btc        *fakeSwapClient
	ltc        *fakeSwapClient
	order      ports.OwnOrder
	registry   *prometheus.Registry
	recorder   *dealRecorder
}

func newTestNode(
	t *testing.T, pubkey string, network *loopback.Network,
	payments *paymentNetwork, order ports.OwnOrder, cfg swaps.Config,
) *testNode {
	t.Helper()

	btc := payments.newClient("BTC", pubkey+"-btc")
	ltc := payments.newClient("LTC", pubkey+"-ltc")
	transport, err := network.Connect(pubkey, map[string]string{
		"BTC": btc.nodeId,
		"LTC": ltc.nodeId,
	})
	require.NoError(t, err)

	node := &testNode{
		pubkey:    pubkey,
		cfg:       cfg,
		repos:     inmemory.NewRepoManager(),
		transport: transport,
		btc:       btc,
		ltc:       ltc,
		order:     order,
	}
	node.init(t)
	return node
}

// init builds the services of the node on top of its repositories, as it
// happens at every startup.
func (n *testNode) init(t *testing.T) {
	t.Helper()

	n.orderBook = obinmemory.NewOrderBook()
	require.NoError(t, n.orderBook.AddOrder(n.order))

	var err error
	n.holds, err = orderhold.NewService(n.repos.HoldRepository(), n.orderBook)
	require.NoError(t, err)

	n.reputation, err = reputation.NewService(
		n.repos.ReputationRepository(), domain.BanPolicy{}, 0,
	)
	require.NoError(t, err)

	clients, err := swapclient.NewManager(n.btc, n.ltc)
	require.NoError(t, err)

	n.registry = prometheus.NewRegistry()
	n.svc, err = swaps.NewService(
		n.repos.DealRepository(), n.holds, n.reputation, clients,
		n.transport, n.orderBook, n.registry, n.cfg,
	)
	require.NoError(t, err)

	n.recorder = newDealRecorder()
	n.svc.AddObserver(n.recorder.observe)
}

func (n *testNode) start(t *testing.T) {
	t.Helper()

	require.NoError(t, n.svc.Start(context.Background()))
	svc := n.svc
	t.Cleanup(func() {
		_ = svc.Stop()
	})
}

// restart returns a copy of the node with brand new services on top of the
// same repositories and swap clients.
func (n *testNode) restart(t *testing.T) *testNode {
	t.Helper()

	restarted := *n
	restarted.init(t)
	restarted.start(t)
	return &restarted
}

// persistDeal stores an active deal with its hold as a previous run would
// have left it.
func (n *testNode) persistDeal(
	t *testing.T, role domain.SwapRole, hash lntypes.Hash,
	fn func(d *domain.SwapDeal),
) *domain.SwapDeal {
	t.Helper()
	ctx := context.Background()

	// The order book of the previous run is gone, only the hold survives.
	orderBook := obinmemory.NewOrderBook()
	require.NoError(t, orderBook.AddOrder(n.order))
	holds, err := orderhold.NewService(n.repos.HoldRepository(), orderBook)
	require.NoError(t, err)
	holdId, err := holds.Reserve(ctx, n.order.Id, pairId, quantity, hash)
	require.NoError(t, err)

	peer := makerKey
	if role == domain.SwapRoleMaker {
		peer = takerKey
	}

	deal := domain.NewSwapDeal(role, hash)
	deal.PairId = pairId
	deal.OrderId = makerOrderId
	deal.LocalOrderId = n.order.Id
	deal.HoldId = holdId
	deal.Quantity = quantity
	deal.Price = price
	deal.IsBuy = true
	deal.PeerPubKey = peer
	deal.TakerCurrency = "LTC"
	deal.TakerAmount = quantity
	deal.TakerCltvDelta = swaps.DefaultCltvDelta
	deal.TakerPubKey = "taker-ltc"
	deal.MakerCurrency = "BTC"
	deal.MakerAmount = 500
	deal.MakerCltvDelta = swaps.DefaultCltvDelta
	deal.MakerPubKey = "maker-btc"
	deal.Expiration = time.Now().Add(-time.Second)
	fn(deal)

	require.NoError(t, n.repos.DealRepository().AddDeal(ctx, deal))
	return deal
}

func (n *testNode) requireHoldsReleased(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		holds, err := n.holds.ListActiveHolds(context.Background())
		if err != nil || len(holds) > 0 {
			return false
		}
		available, err := n.orderBook.AvailableQuantity(n.order.Id)
		return err == nil && available == n.order.Quantity
	}, waitFor, tick)
}

func (n *testNode) requireEvents(
	t *testing.T, peerPubKey string, expected ...domain.ReputationEvent,
) {
	t.Helper()

	var events []domain.ReputationEvent
	require.Eventually(t, func() bool {
		record, err := n.reputation.GetRecord(context.Background(), peerPubKey)
		if err != nil {
			return false
		}
		events = make([]domain.ReputationEvent, 0, len(record.Events))
		for _, e := range record.Events {
			events = append(events, e.Event)
		}
		return len(events) >= len(expected)
	}, waitFor, tick)

	// Give late duplicated events the chance to show up.
	time.Sleep(50 * time.Millisecond)
	record, err := n.reputation.GetRecord(context.Background(), peerPubKey)
	require.NoError(t, err)
	events = make([]domain.ReputationEvent, 0, len(record.Events))
	for _, e := range record.Events {
		events = append(events, e.Event)
	}
	require.Equal(t, expected, events)
}

// dealRecorder observes the changes of every deal to check that phases
// never regress and that every deal terminates at most once.
type dealRecorder struct {
	lock       *sync.Mutex
	phases     map[string][]domain.SwapPhase
	states     map[string]domain.SwapState
	terminated map[string]int
}

func newDealRecorder() *dealRecorder {
	return &dealRecorder{
		lock:       &sync.Mutex{},
		phases:     make(map[string][]domain.SwapPhase),
		states:     make(map[string]domain.SwapState),
		terminated: make(map[string]int),
	}
}

func (r *dealRecorder) observe(deal domain.SwapDeal) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.phases[deal.Id] = append(r.phases[deal.Id], deal.Phase)
	prev, ok := r.states[deal.Id]
	if (!ok || prev == domain.SwapStateActive) && deal.IsTerminal() {
		r.terminated[deal.Id]++
	}
	r.states[deal.Id] = deal.State
}

func (r *dealRecorder) requireConsistent(t *testing.T) {
	t.Helper()

	r.lock.Lock()
	defer r.lock.Unlock()

	for id, phases := range r.phases {
		for i := 1; i < len(phases); i++ {
			require.GreaterOrEqual(
				t, phases[i], phases[i-1], "phase regressed for deal %s", id,
			)
		}
		if r.states[id] != domain.SwapStateActive {
			require.Equal(t, 1, r.terminated[id], "deal %s terminated twice", id)
		}
	}
}

func newTrade() swaps.TradeAgreement {
	return swaps.TradeAgreement{
		PairId:       pairId,
		OrderId:      makerOrderId,
		LocalOrderId: takerOrderId,
		Quantity:     quantity,
		Price:        price,
		IsBuy:        true,
		PeerPubKey:   makerKey,
	}
}

func requireFailure(
	t *testing.T, err error, expectedReason domain.SwapFailureReason,
) {
	t.Helper()

	failure := &domain.SwapFailure{}
	require.ErrorAs(t, err, &failure)
	require.Equal(t, expectedReason, failure.Reason, failure.Message)
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := registry.Gather()
	require.NoError(t, err)

	var value float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if c := m.GetCounter(); c != nil {
				value += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				value += g.GetValue()
			}
		}
	}
	return value
}

func randomPreimage(t *testing.T) lntypes.Preimage {
	t.Helper()

	b := make([]byte, lntypes.PreimageSize)
	_, err := rand.Read(b)
	require.NoError(t, err)
	preimage, err := lntypes.MakePreimage(b)
	require.NoError(t, err)
	return preimage
}

func randomHash(t *testing.T) lntypes.Hash {
	t.Helper()

	return randomPreimage(t).Hash()
}

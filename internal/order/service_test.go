package order

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/logging"
	"trade_engine/internal/mock"
	"trade_engine/internal/precision"
	"trade_engine/internal/store"
	"trade_engine/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc       *Service
	conn      *mock.Exchange
	orders    *store.OrderStore
	positions *store.PositionStore
	precision *precision.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "orders.db"), logging.NewNop())
	require.NoError(t, err)

	cfg := config.DefaultConfig().Orders
	cfg.BaseDelayMs = 1
	cfg.VerificationDelayMs = 1

	orders := store.NewOrderStore(db)
	positions := store.NewPositionStore(db)
	pyramids := store.NewPyramidStore(db)
	pc := precision.NewCache(time.Hour, logging.NewNop())

	// parent rows for the orders the tests insert
	require.NoError(t, positions.Create(context.Background(), &core.PositionGroup{
		ID: "g1", UserID: "u1", Exchange: "binance", Symbol: "BTCUSDT",
		Timeframe: "1h", Side: core.SideBuy, Status: core.GroupStatusActive,
	}))
	require.NoError(t, pyramids.Create(context.Background(), &core.Pyramid{
		ID: "p1", GroupID: "g1", PyramidIndex: 0,
	}))

	return &fixture{
		svc:       NewService(orders, positions, pc, cfg, logging.NewNop()),
		conn:      mock.NewExchange("binance"),
		orders:    orders,
		positions: positions,
		precision: pc,
	}
}

func (f *fixture) makeOrder(t *testing.T, status core.OrderStatus) *core.DCAOrder {
	t.Helper()
	o := &core.DCAOrder{
		ID:        uuid.NewString(),
		GroupID:   "g1",
		PyramidID: "p1",
		UserID:    "u1",
		Exchange:  "binance",
		LegIndex:  0,
		Symbol:    "BTCUSDT",
		Side:      core.SideBuy,
		OrderType: core.OrderTypeLimit,
		Price:     dec("100"),
		Quantity:  dec("1"),
		TPPercent: dec("2"),
		TPPrice:   dec("102"),
		Status:    status,
	}
	require.NoError(t, f.orders.Create(context.Background(), o))
	return o
}

func TestSubmit_MovesOrderToOpen(t *testing.T) {
	f := newFixture(t)
	ord := f.makeOrder(t, core.OrderStatusPending)

	require.NoError(t, f.svc.Submit(context.Background(), f.conn, ord))

	assert.Equal(t, core.OrderStatusOpen, ord.Status)
	assert.NotEmpty(t, ord.ExchangeOrderID)
	assert.NotNil(t, ord.SubmittedAt)

	placed := f.conn.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, "LIMIT", placed[0].Type)
	assert.Equal(t, "BUY", placed[0].Side)

	got, err := f.orders.Get(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusOpen, got.Status)
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ord := f.makeOrder(t, core.OrderStatusPending)

	f.conn.QueuePlaceError(&apperrors.ConnectionError{Err: context.DeadlineExceeded})
	require.NoError(t, f.svc.Submit(context.Background(), f.conn, ord))
	assert.Equal(t, core.OrderStatusOpen, ord.Status)
}

func TestSubmit_PermanentFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	ord := f.makeOrder(t, core.OrderStatusPending)

	f.conn.QueuePlaceError(&apperrors.APIError{Message: "account suspended", StatusCode: 403})
	err := f.svc.Submit(context.Background(), f.conn, ord)
	require.Error(t, err)
	assert.Equal(t, core.OrderStatusFailed, ord.Status)

	got, err := f.orders.Get(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFailed, got.Status)
}

func TestSubmit_PrecisionErrorInvalidatesCache(t *testing.T) {
	f := newFixture(t)
	f.conn.SetPrecisionRule("BTCUSDT", core.PrecisionRule{
		TickSize: dec("0.01"), StepSize: dec("0.001"),
	})

	// warm the cache
	f.precision.RuleFor(context.Background(), f.conn, "BTCUSDT")
	require.Equal(t, 1, f.conn.PrecisionFetches())

	ord := f.makeOrder(t, core.OrderStatusPending)
	f.conn.QueuePlaceError(&apperrors.APIError{Message: "Filter failure: LOT SIZE"})
	require.Error(t, f.svc.Submit(context.Background(), f.conn, ord))

	// next lookup refetches
	f.precision.RuleFor(context.Background(), f.conn, "BTCUSDT")
	assert.Equal(t, 2, f.conn.PrecisionFetches())
}

func TestCancelWithVerification_Success(t *testing.T) {
	f := newFixture(t)
	ord := f.makeOrder(t, core.OrderStatusPending)
	require.NoError(t, f.svc.Submit(context.Background(), f.conn, ord))

	res, err := f.svc.CancelWithVerification(context.Background(), f.conn, ord)
	require.NoError(t, err)
	assert.Equal(t, CancelSuccess, res.Status)
	assert.True(t, res.Verified)
	assert.Equal(t, core.OrderStatusCancelled, ord.Status)
	assert.NotNil(t, ord.CancelledAt)
}

func TestCancelWithVerification_AlreadyFilled(t *testing.T) {
	f := newFixture(t)
	ord := f.makeOrder(t, core.OrderStatusOpen)
	ord.ExchangeOrderID = "EX-77"

	f.conn.SetCancelError("EX-77", &apperrors.APIError{Message: "Unknown order sent."})
	f.conn.SetOrderStatus("EX-77", &core.OrderResult{
		ID: "EX-77", Status: "closed", Filled: dec("1"), Average: dec("100"),
	})

	res, err := f.svc.CancelWithVerification(context.Background(), f.conn, ord)
	require.NoError(t, err)
	assert.Equal(t, CancelAlreadyFilled, res.Status)
	assert.NotEqual(t, core.OrderStatusCancelled, ord.Status)
}

func TestCancelWithVerification_NotFoundEverywhere(t *testing.T) {
	f := newFixture(t)
	ord := f.makeOrder(t, core.OrderStatusOpen)
	ord.ExchangeOrderID = "EX-gone"

	f.conn.SetCancelError("EX-gone", apperrors.ErrOrderNotFound)

	res, err := f.svc.CancelWithVerification(context.Background(), f.conn, ord)
	require.NoError(t, err)
	assert.Equal(t, CancelNotFound, res.Status)
	assert.True(t, res.Cancelled())
}

func TestCheckStatus_PartialThenFilledWithBaseFee(t *testing.T) {
	f := newFixture(t)
	ord := f.makeOrder(t, core.OrderStatusOpen)
	ord.ExchangeOrderID = "EX-5"

	f.conn.SetOrderStatus("EX-5", &core.OrderResult{
		ID: "EX-5", Status: "open", Filled: dec("0.4"), Average: dec("99.9"),
		Fee: dec("0.02"), FeeCurrency: "USDT",
	})
	changed, err := f.svc.CheckStatus(context.Background(), f.conn, ord)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, core.OrderStatusPartiallyFilled, ord.Status)
	assert.True(t, ord.FilledQuantity.Equal(dec("0.4")))

	// full fill with the fee charged in base currency via raw detail;
	// the receivable net quantity is what gets stored
	f.conn.SetOrderStatus("EX-5", &core.OrderResult{
		ID: "EX-5", Status: "closed", Filled: dec("1"), Average: dec("99.95"),
		Info: map[string]interface{}{
			"cumFeeDetail": map[string]interface{}{"BTC": "0.001"},
		},
	})
	changed, err = f.svc.CheckStatus(context.Background(), f.conn, ord)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, core.OrderStatusFilled, ord.Status)
	assert.True(t, ord.FilledQuantity.Equal(dec("0.999")), "net qty = %s", ord.FilledQuantity)
	assert.Equal(t, "BTC", ord.FeeCurrency)
	assert.NotNil(t, ord.FilledAt)

	// idempotent: a repeat poll with the same exchange state is a no-op
	changed, err = f.svc.CheckStatus(context.Background(), f.conn, ord)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, ord.FilledQuantity.Equal(dec("0.999")))
}

func TestCheckStatus_EstimatesFeeWhenOmitted(t *testing.T) {
	f := newFixture(t)
	f.conn.SetFeeRate(dec("0.001"))
	ord := f.makeOrder(t, core.OrderStatusOpen)
	ord.ExchangeOrderID = "EX-9"

	f.conn.SetOrderStatus("EX-9", &core.OrderResult{
		ID: "EX-9", Status: "closed", Filled: dec("1"), Average: dec("100"),
	})
	_, err := f.svc.CheckStatus(context.Background(), f.conn, ord)
	require.NoError(t, err)
	assert.True(t, ord.Fee.Equal(dec("0.1")), "fee = %s", ord.Fee)
	assert.Equal(t, "USDT", ord.FeeCurrency)
	// quote-currency fee does not reduce the received base quantity
	assert.True(t, ord.FilledQuantity.Equal(dec("1")))
}

func TestPlaceTPOrder_IdempotentAndOppositeSide(t *testing.T) {
	f := newFixture(t)
	f.conn.SetPrecisionRule("BTCUSDT", core.PrecisionRule{
		TickSize: dec("0.01"), StepSize: dec("0.001"),
	})
	group := &core.PositionGroup{ID: "g1", Symbol: "BTCUSDT", Side: core.SideBuy}

	ord := f.makeOrder(t, core.OrderStatusFilled)
	ord.FilledQuantity = dec("0.999")
	ord.AvgFillPrice = dec("99.95")

	require.NoError(t, f.svc.PlaceTPOrder(context.Background(), f.conn, group, ord, true))
	require.NotEmpty(t, ord.TPOrderID)

	placed := f.conn.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, "SELL", placed[0].Side)
	assert.Equal(t, "LIMIT", placed[0].Type)
	// 99.95 * 1.02 = 101.949, floored to tick 0.01 -> 101.94
	assert.True(t, placed[0].Price.Equal(dec("101.94")), "tp price = %s", placed[0].Price)
	assert.True(t, placed[0].Quantity.Equal(dec("0.999")))

	// second call is a no-op
	require.NoError(t, f.svc.PlaceTPOrder(context.Background(), f.conn, group, ord, true))
	assert.Len(t, f.conn.PlacedOrders(), 1)
}

func TestCheckTPOrder_BooksPnLAndAuditRecord(t *testing.T) {
	f := newFixture(t)
	group := &core.PositionGroup{ID: "g1", UserID: "u1", Symbol: "BTCUSDT", Side: core.SideBuy}

	ord := f.makeOrder(t, core.OrderStatusFilled)
	ord.FilledQuantity = dec("1")
	ord.AvgFillPrice = dec("100")
	ord.TPOrderID = "TP-1"
	require.NoError(t, f.orders.Update(context.Background(), ord))

	f.conn.SetOrderStatus("TP-1", &core.OrderResult{
		ID: "TP-1", Status: "closed", Filled: dec("1"), Average: dec("102"),
	})

	hit, err := f.svc.CheckTPOrder(context.Background(), f.conn, group, ord)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.True(t, ord.TPHit)
	require.NotNil(t, ord.TPExecutedAt)
	assert.True(t, group.RealizedPnLUSD.Equal(dec("2")), "pnl = %s", group.RealizedPnLUSD)

	all, err := f.orders.GetByGroup(context.Background(), "g1")
	require.NoError(t, err)
	var audit *core.DCAOrder
	for _, o := range all {
		if o.LegIndex == core.TPFillLegIndex {
			audit = o
		}
	}
	require.NotNil(t, audit, "expected a leg-999 tp fill record")
	assert.Equal(t, core.OrderStatusFilled, audit.Status)

	// already-hit legs are skipped
	hit, err = f.svc.CheckTPOrder(context.Background(), f.conn, group, ord)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestPlaceMarketOrder_SlippagePolicies(t *testing.T) {
	f := newFixture(t)
	f.conn.SetPrice("BTCUSDT", dec("101"))

	// 1% observed vs 0.5% cap under reject
	_, err := f.svc.PlaceMarketOrder(context.Background(), f.conn, MarketOrderParams{
		Symbol:         "BTCUSDT",
		Side:           core.SideSell,
		Quantity:       dec("1"),
		ExpectedPrice:  dec("100"),
		MaxSlippagePct: dec("0.5"),
		SlippageAction: "reject",
	})
	require.Error(t, err)
	var serr *apperrors.SlippageExceededError
	assert.ErrorAs(t, err, &serr)
	assert.Empty(t, f.conn.PlacedOrders())

	// same breach under warn executes
	res, err := f.svc.PlaceMarketOrder(context.Background(), f.conn, MarketOrderParams{
		Symbol:         "BTCUSDT",
		Side:           core.SideSell,
		Quantity:       dec("1"),
		ExpectedPrice:  dec("100"),
		MaxSlippagePct: dec("0.5"),
		SlippageAction: "warn",
	})
	require.NoError(t, err)
	assert.True(t, res.Filled.Equal(dec("1")))
}

func TestClosePositionMarket_RecordsAuditLeg(t *testing.T) {
	f := newFixture(t)
	f.conn.SetPrice("BTCUSDT", dec("95"))

	group := &core.PositionGroup{
		ID: "g1", UserID: "u1", Exchange: "binance", Symbol: "BTCUSDT",
		Side: core.SideBuy, WeightedAvgEntry: dec("95.1"),
	}
	_, err := f.svc.ClosePositionMarket(context.Background(), f.conn, group, dec("2"))
	require.NoError(t, err)

	placed := f.conn.PlacedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, "SELL", placed[0].Side)

	all, err := f.orders.GetByGroup(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, core.MarketCloseLegIndex, all[0].LegIndex)
	assert.Equal(t, core.OrderStatusFilled, all[0].Status)
}

func TestCancelAllForGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	group := &core.PositionGroup{ID: "g1", Symbol: "BTCUSDT", Side: core.SideBuy}

	open := f.makeOrder(t, core.OrderStatusPending)
	require.NoError(t, f.svc.Submit(ctx, f.conn, open))

	trigger := f.makeOrder(t, core.OrderStatusTriggerPending)

	filled := f.makeOrder(t, core.OrderStatusFilled)
	filled.FilledQuantity = dec("1")
	filled.TPOrderID = "TP-9"
	require.NoError(t, f.orders.Update(ctx, filled))
	f.conn.SetOrderStatus("TP-9", &core.OrderResult{ID: "TP-9", Status: "new"})

	require.NoError(t, f.svc.CancelAllForGroup(ctx, f.conn, group,
		[]*core.DCAOrder{open, trigger, filled}))

	assert.Equal(t, core.OrderStatusCancelled, open.Status)
	assert.Equal(t, core.OrderStatusCancelled, trigger.Status)
	assert.Empty(t, filled.TPOrderID, "tp order id cleared after cancel")
	assert.Contains(t, f.conn.CancelledIDs(), "TP-9")
}

func TestExecuteForceClose_Checks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group := &core.PositionGroup{
		ID: uuid.NewString(), UserID: "u1", Exchange: "binance", Symbol: "ETHUSDT",
		Timeframe: "1h", Side: core.SideBuy, Status: core.GroupStatusActive,
	}
	require.NoError(t, f.positions.Create(ctx, group))

	assert.Error(t, f.svc.ExecuteForceClose(ctx, group, "someone-else"))

	require.NoError(t, f.svc.ExecuteForceClose(ctx, group, "u1"))
	assert.Equal(t, core.GroupStatusClosing, group.Status)

	group.Status = core.GroupStatusClosed
	assert.Error(t, f.svc.ExecuteForceClose(ctx, group, "u1"))
}

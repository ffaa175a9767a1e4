package fillmonitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trade_engine/internal/broadcast"
	"trade_engine/internal/cache"
	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/logging"
	"trade_engine/internal/mock"
	"trade_engine/internal/order"
	"trade_engine/internal/position"
	"trade_engine/internal/precision"
	"trade_engine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	monitor   *Monitor
	mgr       *position.Manager
	conn      *mock.Exchange
	users     *store.UserStore
	positions *store.PositionStore
	orders    *store.OrderStore
	mem       *cache.MemoryCache
	sink      *broadcast.Noop
}

func newFixture(t *testing.T, entryType core.OrderType) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "monitor.db"), logging.NewNop())
	require.NoError(t, err)

	conn := mock.NewExchange("binance")
	conn.SetPrecisionRule("BTCUSDT", core.PrecisionRule{
		TickSize: dec("0.01"), StepSize: dec("0.0001"),
	})
	conn.SetPrice("BTCUSDT", dec("100"))

	factory := mock.NewFactory()
	factory.Register("binance", conn)

	positionsRepo := store.NewPositionStore(db)
	ordersRepo := store.NewOrderStore(db)
	pyramidsRepo := store.NewPyramidStore(db)
	usersRepo := store.NewUserStore(db)

	appCfg := config.DefaultConfig()
	appCfg.Orders.BaseDelayMs = 1
	appCfg.Orders.VerificationDelayMs = 1

	pc := precision.NewCache(time.Hour, logging.NewNop())
	orderSvc := order.NewService(ordersRepo, positionsRepo, pc, appCfg.Orders, logging.NewNop())
	sink := broadcast.NewNoop()
	mgr := position.NewManager(positionsRepo, ordersRepo, pyramidsRepo, usersRepo,
		orderSvc, factory, pc, sink, logging.NewNop())

	levels := make([]core.DCALevel, 3)
	gaps := []string{"0", "-2", "-4"}
	for i := range levels {
		levels[i] = core.DCALevel{
			GapPercent:    dec(gaps[i]),
			WeightPercent: dec("33"),
			TPPercent:     dec("2"),
		}
	}
	require.NoError(t, usersRepo.Save(context.Background(), &core.User{
		ID:     "u1",
		Active: true,
		Credentials: map[string]core.ExchangeCredentials{
			"binance": {APIKey: "k", SecretKey: "s"},
		},
		GridConfig: core.DCAGridConfig{
			EntryOrderType:  entryType,
			TotalCapitalUSD: dec("300"),
			Levels:          levels,
			TPMode:          core.TPModePerLeg,
			MaxPyramids:     3,
		},
	}))

	mem := cache.NewMemoryCache()
	monitor := NewMonitor(usersRepo, positionsRepo, ordersRepo, orderSvc, mgr,
		factory, mem, sink, appCfg.Monitor, appCfg.Concurrency, logging.NewNop())

	return &fixture{
		monitor:   monitor,
		mgr:       mgr,
		conn:      conn,
		users:     usersRepo,
		positions: positionsRepo,
		orders:    ordersRepo,
		mem:       mem,
		sink:      sink,
	}
}

func openGroup(t *testing.T, f *fixture) *core.PositionGroup {
	t.Helper()
	group, err := f.mgr.CreateFromSignal(context.Background(), &core.Signal{
		UserID: "u1", Exchange: "binance", Symbol: "BTCUSDT",
		Timeframe: "1h", Side: core.SideBuy, EntryPrice: dec("100"),
	})
	require.NoError(t, err)
	return group
}

func countMarketOrders(f *fixture) int {
	n := 0
	for _, p := range f.conn.PlacedOrders() {
		if p.Type == "MARKET" {
			n++
		}
	}
	return n
}

func TestRunCycle_TriggerFiresExactlyOnce(t *testing.T) {
	f := newFixture(t, core.OrderTypeMarket)
	ctx := context.Background()
	group := openGroup(t, f)

	// price at the trigger level: the held market leg submits and fills
	require.NoError(t, f.monitor.RunCycle(ctx))
	assert.Equal(t, 1, countMarketOrders(f))

	orders, err := f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)
	var leg0 *core.DCAOrder
	for _, o := range orders {
		if o.LegIndex == 0 && o.IsEntryLeg() {
			leg0 = o
		}
	}
	require.NotNil(t, leg0)
	assert.Equal(t, core.OrderStatusFilled, leg0.Status)

	// a second cycle must not re-submit
	require.NoError(t, f.monitor.RunCycle(ctx))
	assert.Equal(t, 1, countMarketOrders(f))
}

func TestRunCycle_TriggerHeldWhileAboveEntry(t *testing.T) {
	f := newFixture(t, core.OrderTypeMarket)
	ctx := context.Background()
	group := openGroup(t, f)

	f.conn.SetPrice("BTCUSDT", dec("100.5"))
	require.NoError(t, f.monitor.RunCycle(ctx))
	assert.Equal(t, 0, countMarketOrders(f))

	orders, err := f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)
	for _, o := range orders {
		if o.LegIndex == 0 {
			assert.Equal(t, core.OrderStatusTriggerPending, o.Status)
		}
	}
}

func TestRunCycle_FillThenTPPlacement(t *testing.T) {
	f := newFixture(t, core.OrderTypeLimit)
	ctx := context.Background()
	group := openGroup(t, f)

	orders, err := f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)
	leg0 := orders[0]
	f.conn.SetOrderStatus(leg0.ExchangeOrderID, &core.OrderResult{
		ID: leg0.ExchangeOrderID, Status: "closed",
		Filled: leg0.Quantity, Average: dec("100"),
	})

	// cycle 1 detects the fill
	require.NoError(t, f.monitor.RunCycle(ctx))
	got, err := f.orders.Get(ctx, leg0.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, got.Status)

	// cycle 2 places the per-leg TP on the opposite side
	require.NoError(t, f.monitor.RunCycle(ctx))
	got, err = f.orders.Get(ctx, leg0.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.TPOrderID)

	var tp *core.PlaceOrderRequest
	placed := f.conn.PlacedOrders()
	for i := range placed {
		if placed[i].Side == "SELL" && placed[i].Type == "LIMIT" {
			tp = &placed[i]
		}
	}
	require.NotNil(t, tp)
	// 100 * 1.02 floored to tick
	assert.True(t, tp.Price.Equal(dec("102")), "tp price = %s", tp.Price)

	groupAfter, err := f.positions.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusPartiallyFilled, groupAfter.Status)
}

func TestRunCycle_PartialFillGetsTPForFilledPortion(t *testing.T) {
	f := newFixture(t, core.OrderTypeLimit)
	ctx := context.Background()
	group := openGroup(t, f)

	orders, err := f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)
	leg0 := orders[0]
	f.conn.SetOrderStatus(leg0.ExchangeOrderID, &core.OrderResult{
		ID: leg0.ExchangeOrderID, Status: "open",
		Filled: dec("0.4"), Average: dec("100"),
	})

	require.NoError(t, f.monitor.RunCycle(ctx))

	got, err := f.orders.Get(ctx, leg0.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusPartiallyFilled, got.Status)
	require.NotEmpty(t, got.TPOrderID)

	var tp *core.PlaceOrderRequest
	placed := f.conn.PlacedOrders()
	for i := range placed {
		if placed[i].Side == "SELL" && placed[i].Type == "LIMIT" {
			tp = &placed[i]
		}
	}
	require.NotNil(t, tp)
	assert.True(t, tp.Quantity.Equal(dec("0.4")), "tp qty = %s", tp.Quantity)

	// the rest of the leg filling later must not spawn a second tp
	f.conn.SetOrderStatus(leg0.ExchangeOrderID, &core.OrderResult{
		ID: leg0.ExchangeOrderID, Status: "closed",
		Filled: leg0.Quantity, Average: dec("100"),
	})
	require.NoError(t, f.monitor.RunCycle(ctx))
	n := 0
	for _, p := range f.conn.PlacedOrders() {
		if p.Side == "SELL" && p.Type == "LIMIT" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestRunCycle_AllTPsHitClosesGroup(t *testing.T) {
	f := newFixture(t, core.OrderTypeLimit)
	ctx := context.Background()
	group := openGroup(t, f)

	orders, err := f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)

	// fill leg 0, cancel the rest so the group's whole quantity rides one leg
	leg0 := orders[0]
	f.conn.SetOrderStatus(leg0.ExchangeOrderID, &core.OrderResult{
		ID: leg0.ExchangeOrderID, Status: "closed",
		Filled: leg0.Quantity, Average: dec("100"),
	})
	for _, o := range orders[1:] {
		o.Status = core.OrderStatusCancelled
		require.NoError(t, f.orders.Update(ctx, o))
	}

	require.NoError(t, f.monitor.RunCycle(ctx)) // fill
	require.NoError(t, f.monitor.RunCycle(ctx)) // tp placement

	got, err := f.orders.Get(ctx, leg0.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.TPOrderID)

	// the tp fills on the exchange
	f.conn.SetOrderStatus(got.TPOrderID, &core.OrderResult{
		ID: got.TPOrderID, Status: "closed",
		Filled: got.FilledQuantity, Average: dec("102"),
	})
	require.NoError(t, f.monitor.RunCycle(ctx))

	groupAfter, err := f.positions.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusClosed, groupAfter.Status)
	assert.True(t, groupAfter.RealizedPnLUSD.GreaterThan(decimal.Zero))
	assert.Contains(t, f.sink.Events(), "tp_hit")
}

func TestRunCycle_PrunesDCABeyondThreshold(t *testing.T) {
	f := newFixture(t, core.OrderTypeLimit)
	ctx := context.Background()

	user, err := f.users.Get(ctx, "u1")
	require.NoError(t, err)
	user.GridConfig.CancelDCABeyondPercent = dec("3")
	require.NoError(t, f.users.Update(ctx, user))

	group := openGroup(t, f)
	orders, err := f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)

	leg0 := orders[0]
	f.conn.SetOrderStatus(leg0.ExchangeOrderID, &core.OrderResult{
		ID: leg0.ExchangeOrderID, Status: "closed",
		Filled: leg0.Quantity, Average: dec("100"),
	})
	require.NoError(t, f.monitor.RunCycle(ctx))

	// price runs 4% above the avg entry: the unfilled legs get pruned
	f.conn.SetPrice("BTCUSDT", dec("104"))
	require.NoError(t, f.monitor.RunCycle(ctx))

	orders, err = f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)
	for _, o := range orders {
		if o.IsEntryLeg() && o.LegIndex > 0 {
			assert.Equal(t, core.OrderStatusCancelled, o.Status, "leg %d", o.LegIndex)
		}
	}
}

func TestRunCycle_NoPruneWhenPriceApproachesLegs(t *testing.T) {
	f := newFixture(t, core.OrderTypeLimit)
	ctx := context.Background()

	user, err := f.users.Get(ctx, "u1")
	require.NoError(t, err)
	user.GridConfig.CancelDCABeyondPercent = dec("3")
	require.NoError(t, f.users.Update(ctx, user))

	group := openGroup(t, f)
	orders, err := f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)

	leg0 := orders[0]
	f.conn.SetOrderStatus(leg0.ExchangeOrderID, &core.OrderResult{
		ID: leg0.ExchangeOrderID, Status: "closed",
		Filled: leg0.Quantity, Average: dec("100"),
	})
	require.NoError(t, f.monitor.RunCycle(ctx))

	// price drops 4% toward the waiting legs: they are about to fill and
	// must stay on the book
	f.conn.SetPrice("BTCUSDT", dec("96"))
	require.NoError(t, f.monitor.RunCycle(ctx))

	orders, err = f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)
	for _, o := range orders {
		if o.IsEntryLeg() && o.LegIndex > 0 {
			assert.Equal(t, core.OrderStatusOpen, o.Status, "leg %d", o.LegIndex)
		}
	}
}

func TestRunCycle_ReportsHealth(t *testing.T) {
	f := newFixture(t, core.OrderTypeLimit)
	ctx := context.Background()

	require.NoError(t, f.monitor.RunCycle(ctx))
	val, err := f.mem.Get(ctx, healthKey)
	require.NoError(t, err)
	assert.NotEmpty(t, val)
}

func TestReconcileOnBoot_ConvergesCrashTimeFills(t *testing.T) {
	f := newFixture(t, core.OrderTypeLimit)
	ctx := context.Background()
	group := openGroup(t, f)

	orders, err := f.orders.GetByGroup(ctx, group.ID)
	require.NoError(t, err)
	leg0 := orders[0]

	// the exchange filled this order while the engine was down
	f.conn.SetOrderStatus(leg0.ExchangeOrderID, &core.OrderResult{
		ID: leg0.ExchangeOrderID, Status: "closed",
		Filled: leg0.Quantity, Average: dec("99.5"),
	})

	require.NoError(t, f.monitor.ReconcileOnBoot(ctx))

	got, err := f.orders.Get(ctx, leg0.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, got.Status)

	groupAfter, err := f.positions.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, core.GroupStatusPartiallyFilled, groupAfter.Status)
	assert.True(t, groupAfter.TotalFilledQuantity.GreaterThan(decimal.Zero))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, core.OrderTypeLimit)

	require.NoError(t, f.monitor.Start(context.Background()))
	assert.Error(t, f.monitor.Start(context.Background()), "double start rejected")
	f.monitor.Stop()
	// stop is idempotent
	f.monitor.Stop()
}

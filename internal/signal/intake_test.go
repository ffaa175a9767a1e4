package signal

import (
	"context"
	"errors"
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
	"trade_engine/internal/risk"
	"trade_engine/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	intake    *Intake
	conn      *mock.Exchange
	users     *store.UserStore
	positions *store.PositionStore
	signals   *store.SignalStore
	mem       *cache.MemoryCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "signal.db"), logging.NewNop())
	require.NoError(t, err)

	conn := mock.NewExchange("binance")
	conn.SetPrecisionRule("BTCUSDT", core.PrecisionRule{TickSize: dec("0.01"), StepSize: dec("0.0001")})
	conn.SetPrice("BTCUSDT", dec("100"))

	factory := mock.NewFactory()
	factory.Register("binance", conn)

	positionsRepo := store.NewPositionStore(db)
	ordersRepo := store.NewOrderStore(db)
	pyramidsRepo := store.NewPyramidStore(db)
	usersRepo := store.NewUserStore(db)
	signalsRepo := store.NewSignalStore(db)
	actionsRepo := store.NewRiskActionStore(db)

	appCfg := config.DefaultConfig()
	appCfg.Orders.BaseDelayMs = 1
	appCfg.Orders.VerificationDelayMs = 1

	pc := precision.NewCache(time.Hour, logging.NewNop())
	orderSvc := order.NewService(ordersRepo, positionsRepo, pc, appCfg.Orders, logging.NewNop())
	sink := broadcast.NewNoop()
	mgr := position.NewManager(positionsRepo, ordersRepo, pyramidsRepo, usersRepo,
		orderSvc, factory, pc, sink, logging.NewNop())
	engine := risk.NewEngine(usersRepo, positionsRepo, ordersRepo, actionsRepo,
		orderSvc, mgr, factory, pc, sink, appCfg.Risk, logging.NewNop())

	levels := make([]core.DCALevel, 2)
	gaps := []string{"0", "-2"}
	for i := range levels {
		levels[i] = core.DCALevel{
			GapPercent:    dec(gaps[i]),
			WeightPercent: dec("50"),
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
			EntryOrderType:  core.OrderTypeLimit,
			TotalCapitalUSD: dec("200"),
			Levels:          levels,
			TPMode:          core.TPModePerLeg,
			MaxPyramids:     3,
		},
		RiskConfig: core.RiskEngineConfig{Enabled: true},
	}))

	mem := cache.NewMemoryCache()
	intake := NewIntake(usersRepo, signalsRepo, positionsRepo, mgr, engine, mem, logging.NewNop())

	return &fixture{
		intake:    intake,
		conn:      conn,
		users:     usersRepo,
		positions: positionsRepo,
		signals:   signalsRepo,
		mem:       mem,
	}
}

func entrySignal() *core.Signal {
	return &core.Signal{
		UserID: "u1", Exchange: "binance", Symbol: "BTCUSDT",
		Timeframe: "1h", Side: core.SideBuy, EntryPrice: dec("100"),
	}
}

func TestHandle_DuplicateDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.intake.Handle(ctx, entrySignal()))
	require.NoError(t, f.intake.Handle(ctx, entrySignal()))

	groups, err := f.positions.GetActiveByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].PyramidCount)
}

func TestHandle_CacheOutageFailsOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mem.Fail = errors.New("redis down")
	require.NoError(t, f.intake.Handle(ctx, entrySignal()))

	groups, err := f.positions.GetActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestHandle_RepeatEntryAddsPyramid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.intake.Handle(ctx, entrySignal()))
	// outside the dedup window
	require.NoError(t, f.mem.Delete(ctx, dedupKey(entrySignal())))

	sig := entrySignal()
	sig.EntryPrice = dec("98")
	require.NoError(t, f.intake.Handle(ctx, sig))

	groups, err := f.positions.GetActiveByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].PyramidCount)
}

func TestHandle_ExitClosesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// exit without a position is a silent no-op
	exit := entrySignal()
	exit.Exit = true
	require.NoError(t, f.intake.Handle(ctx, exit))

	require.NoError(t, f.mem.Delete(ctx, dedupKey(exit)))
	require.NoError(t, f.intake.Handle(ctx, entrySignal()))
	require.NoError(t, f.mem.Delete(ctx, dedupKey(exit)))

	require.NoError(t, f.intake.Handle(ctx, exit))

	groups, err := f.positions.GetActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestHandle_GateRejectionQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.users.Get(ctx, "u1")
	require.NoError(t, err)
	user.RiskConfig.EngineForceStopped = true
	require.NoError(t, f.users.Update(ctx, user))

	require.NoError(t, f.intake.Handle(ctx, entrySignal()))

	groups, err := f.positions.GetActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, groups)

	queued, err := f.signals.GetQueuedByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, core.SignalStatusQueued, queued[0].Status)
}

func TestPromoteQueued_AfterResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.users.Get(ctx, "u1")
	require.NoError(t, err)
	user.RiskConfig.EngineForceStopped = true
	require.NoError(t, f.users.Update(ctx, user))
	require.NoError(t, f.intake.Handle(ctx, entrySignal()))

	// gate still closed: nothing promotes
	n, err := f.intake.PromoteQueued(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	user.RiskConfig.EngineForceStopped = false
	require.NoError(t, f.users.Update(ctx, user))

	n, err = f.intake.PromoteQueued(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	groups, err := f.positions.GetActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	queued, err := f.signals.GetQueuedByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestPromoteQueued_CancelsWhenTupleTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.users.Get(ctx, "u1")
	require.NoError(t, err)
	user.RiskConfig.EngineForceStopped = true
	require.NoError(t, f.users.Update(ctx, user))
	require.NoError(t, f.intake.Handle(ctx, entrySignal()))

	// the tuple gets taken while the signal waits in the queue
	user.RiskConfig.EngineForceStopped = false
	require.NoError(t, f.users.Update(ctx, user))
	require.NoError(t, f.mem.Delete(ctx, dedupKey(entrySignal())))
	require.NoError(t, f.intake.Handle(ctx, entrySignal()))

	n, err := f.intake.PromoteQueued(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	queued, err := f.signals.GetQueuedByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, queued)
}

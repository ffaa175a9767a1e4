package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/logging"
	"trade_engine/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"), logging.NewNop())
	require.NoError(t, err)
	return db
}

// seedGroupRow inserts a parent group for orders that reference it by id.
func seedGroupRow(t *testing.T, db *gorm.DB, id, userID string) {
	t.Helper()
	g := newGroup(userID, "BTCUSDT")
	g.ID = id
	require.NoError(t, NewPositionStore(db).Create(context.Background(), g))
}

func newGroup(userID, symbol string) *core.PositionGroup {
	return &core.PositionGroup{
		ID:             uuid.NewString(),
		UserID:         userID,
		Exchange:       "binance",
		Symbol:         symbol,
		Timeframe:      "1h",
		Side:           core.SideBuy,
		BaseEntryPrice: decimal.RequireFromString("100"),
		Status:         core.GroupStatusLive,
		MaxPyramids:    3,
		TPMode:         core.TPModePerLeg,
	}
}

func TestPositionStore_DuplicateTupleRejected(t *testing.T) {
	db := openTestDB(t)
	repo := NewPositionStore(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newGroup("u1", "BTCUSDT")))

	err := repo.Create(ctx, newGroup("u1", "BTCUSDT"))
	require.Error(t, err)
	var dup *apperrors.DuplicatePositionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "u1", dup.UserID)

	// different side is a different tuple
	short := newGroup("u1", "BTCUSDT")
	short.Side = core.SideSell
	assert.NoError(t, repo.Create(ctx, short))
}

func TestPositionStore_CloseFreesTupleSlot(t *testing.T) {
	db := openTestDB(t)
	repo := NewPositionStore(db)
	ctx := context.Background()

	g := newGroup("u1", "ETHUSDT")
	require.NoError(t, repo.Create(ctx, g))

	g.Status = core.GroupStatusClosed
	require.NoError(t, repo.Update(ctx, g))

	got, err := repo.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ActiveKey)
	assert.NotNil(t, got.ClosedAt)

	// the slot is free again
	assert.NoError(t, repo.Create(ctx, newGroup("u1", "ETHUSDT")))
}

func TestPositionStore_IncrementPyramidCount(t *testing.T) {
	db := openTestDB(t)
	repo := NewPositionStore(db)
	ctx := context.Background()

	g := newGroup("u1", "BTCUSDT")
	g.PyramidCount = 1
	g.TotalDCALegs = 5
	require.NoError(t, repo.Create(ctx, g))

	count, err := repo.IncrementPyramidCount(ctx, g.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := repo.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.TotalDCALegs)

	_, err = repo.IncrementPyramidCount(ctx, "no-such-group", 5)
	assert.ErrorIs(t, err, apperrors.ErrPositionNotFound)
}

func TestPositionStore_ActiveAndCounts(t *testing.T) {
	db := openTestDB(t)
	repo := NewPositionStore(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newGroup("u1", "BTCUSDT")))
	require.NoError(t, repo.Create(ctx, newGroup("u1", "ETHUSDT")))

	closed := newGroup("u1", "SOLUSDT")
	require.NoError(t, repo.Create(ctx, closed))
	closed.Status = core.GroupStatusClosed
	closed.RealizedPnLUSD = decimal.RequireFromString("-12.5")
	require.NoError(t, repo.Update(ctx, closed))

	active, err := repo.GetActiveByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	n, err := repo.CountActiveByTuple(ctx, "u1", "binance", "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	pnl, err := repo.GetDailyRealizedPnL(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.RequireFromString("-12.5")), "daily pnl = %s", pnl)
}

func TestOrderStore_OpenOrdersGroupedByUser(t *testing.T) {
	db := openTestDB(t)
	repo := NewOrderStore(db)
	ctx := context.Background()
	seedGroupRow(t, db, "g-u1", "u1")
	seedGroupRow(t, db, "g-u2", "u2")

	mk := func(user string, status core.OrderStatus) *core.DCAOrder {
		return &core.DCAOrder{
			ID:       uuid.NewString(),
			GroupID:  "g-" + user,
			UserID:   user,
			Exchange: "binance",
			Symbol:   "BTCUSDT",
			Side:     core.SideBuy,
			Status:   status,
			Price:    decimal.RequireFromString("100"),
			Quantity: decimal.RequireFromString("1"),
		}
	}

	require.NoError(t, repo.CreateBatch(ctx, []*core.DCAOrder{
		mk("u1", core.OrderStatusOpen),
		mk("u1", core.OrderStatusTriggerPending),
		mk("u1", core.OrderStatusFilled),
		mk("u2", core.OrderStatusPartiallyFilled),
		mk("u2", core.OrderStatusCancelled),
	}))

	byUser, err := repo.GetAllOpenForAllUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, byUser["u1"], 2)
	assert.Len(t, byUser["u2"], 1)
}

func TestOrderStore_UpdateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewOrderStore(db)
	ctx := context.Background()
	seedGroupRow(t, db, "g1", "u1")

	o := &core.DCAOrder{
		ID:       uuid.NewString(),
		GroupID:  "g1",
		UserID:   "u1",
		Symbol:   "BTCUSDT",
		Side:     core.SideBuy,
		Status:   core.OrderStatusOpen,
		Price:    decimal.RequireFromString("99.99"),
		Quantity: decimal.RequireFromString("0.5"),
	}
	require.NoError(t, repo.Create(ctx, o))

	now := time.Now().UTC()
	o.Status = core.OrderStatusFilled
	o.FilledQuantity = decimal.RequireFromString("0.4995")
	o.AvgFillPrice = decimal.RequireFromString("99.98")
	o.Fee = decimal.RequireFromString("0.0005")
	o.FeeCurrency = "BTC"
	o.FilledAt = &now
	require.NoError(t, repo.Update(ctx, o))

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.RequireFromString("0.4995")))
	assert.Equal(t, "BTC", got.FeeCurrency)
	require.NotNil(t, got.FilledAt)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestPositionStore_GetWithOrdersPreloads(t *testing.T) {
	db := openTestDB(t)
	positions := NewPositionStore(db)
	orders := NewOrderStore(db)
	pyramids := NewPyramidStore(db)
	ctx := context.Background()

	g := newGroup("u1", "BTCUSDT")
	require.NoError(t, positions.Create(ctx, g))

	require.NoError(t, pyramids.Create(ctx, &core.Pyramid{
		ID:           uuid.NewString(),
		GroupID:      g.ID,
		PyramidIndex: 0,
		EntryPrice:   decimal.RequireFromString("100"),
		Status:       core.PyramidStatusSubmitted,
	}))
	require.NoError(t, orders.Create(ctx, &core.DCAOrder{
		ID:      uuid.NewString(),
		GroupID: g.ID,
		UserID:  "u1",
		Symbol:  "BTCUSDT",
		Side:    core.SideBuy,
		Status:  core.OrderStatusOpen,
	}))

	got, err := positions.GetWithOrders(ctx, g.ID)
	require.NoError(t, err)
	assert.Len(t, got.Pyramids, 1)
	assert.Len(t, got.Orders, 1)
}

func TestRiskActionStore_AppendAndList(t *testing.T) {
	db := openTestDB(t)
	repo := NewRiskActionStore(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &core.RiskAction{
		ID:           uuid.NewString(),
		UserID:       "u1",
		ActionType:   core.RiskActionRiskOffsetClose,
		LoserGroupID: "g1",
		LoserSymbol:  "BTCUSDT",
		LoserPnLUSD:  decimal.RequireFromString("-100"),
		WinnerDetails: []core.WinnerDetail{
			{GroupID: "g2", Symbol: "ETHUSDT", PnLUSD: decimal.RequireFromString("80")},
		},
	}))

	actions, err := repo.GetByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, core.RiskActionRiskOffsetClose, actions[0].ActionType)
	require.Len(t, actions[0].WinnerDetails, 1)
	assert.Equal(t, "ETHUSDT", actions[0].WinnerDetails[0].Symbol)
}

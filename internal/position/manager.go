// Package position manages position group lifecycle: creation from signals,
// pyramid continuation, stats recomputation, and exit handling.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/grid"
	"trade_engine/internal/order"
	"trade_engine/internal/precision"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/telemetry"
	"trade_engine/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Manager owns position group state transitions. UpdatePositionStats is the
// sole path that derives group aggregates from orders; it is serialized per
// group.
type Manager struct {
	positions   core.PositionRepository
	orders      core.OrderRepository
	pyramids    core.PyramidRepository
	users       core.UserRepository
	orderSvc    *order.Service
	factory     core.ConnectorFactory
	precision   *precision.Cache
	broadcaster core.Broadcaster
	logger      core.ILogger
	metrics     *telemetry.MetricsHolder

	groupLocks sync.Map // group id -> *sync.Mutex
}

// NewManager wires the position manager.
func NewManager(
	positions core.PositionRepository,
	orders core.OrderRepository,
	pyramids core.PyramidRepository,
	users core.UserRepository,
	orderSvc *order.Service,
	factory core.ConnectorFactory,
	precisionCache *precision.Cache,
	broadcaster core.Broadcaster,
	logger core.ILogger,
) *Manager {
	return &Manager{
		positions:   positions,
		orders:      orders,
		pyramids:    pyramids,
		users:       users,
		orderSvc:    orderSvc,
		factory:     factory,
		precision:   precisionCache,
		broadcaster: broadcaster,
		logger:      logger.WithField("component", "position_manager"),
		metrics:     telemetry.GetGlobalMetrics(),
	}
}

func (m *Manager) lockGroup(groupID string) func() {
	mu, _ := m.groupLocks.LoadOrStore(groupID, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// CreateFromSignal opens a new position group for an entry signal: grid
// computation, group + pyramid + leg persistence, and submission of all limit
// legs. A market-configured leg 0 is held as trigger_pending until its price
// crosses.
func (m *Manager) CreateFromSignal(ctx context.Context, sig *core.Signal) (*core.PositionGroup, error) {
	user, err := m.users.Get(ctx, sig.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", sig.UserID, err)
	}

	conn, err := m.factory.Acquire(ctx, user, sig.Exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connector for %s: %w", sig.Exchange, err)
	}
	defer conn.Close()

	entryPrice := sig.EntryPrice
	if entryPrice.IsZero() {
		if entryPrice, err = conn.GetCurrentPrice(ctx, sig.Symbol); err != nil {
			return nil, fmt.Errorf("failed to resolve entry price for %s: %w", sig.Symbol, err)
		}
	}

	rule := m.precision.RuleFor(ctx, conn, sig.Symbol)
	cfg := user.GridConfig

	legs, err := grid.Calculate(entryPrice, &cfg, 0, rule)
	if err != nil {
		return nil, fmt.Errorf("grid calculation failed for %s: %w", sig.Symbol, err)
	}

	group := &core.PositionGroup{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		Exchange:           sig.Exchange,
		Symbol:             sig.Symbol,
		Timeframe:          sig.Timeframe,
		Side:               sig.Side,
		BaseEntryPrice:     entryPrice,
		Status:             core.GroupStatusLive,
		TotalDCALegs:       len(legs),
		PyramidCount:       1,
		MaxPyramids:        cfg.MaxPyramids,
		TPMode:             cfg.TPMode,
		TPAggregatePercent: cfg.TPAggregatePercent,
	}
	if err := m.positions.Create(ctx, group); err != nil {
		return nil, err
	}

	pyramid := &core.Pyramid{
		ID:           uuid.NewString(),
		GroupID:      group.ID,
		PyramidIndex: 0,
		EntryPrice:   entryPrice,
		Status:       core.PyramidStatusPending,
		DCAConfig:    cfg,
	}
	if err := m.pyramids.Create(ctx, pyramid); err != nil {
		return nil, err
	}

	dcaOrders := m.buildLegOrders(group, pyramid, legs, cfg.EntryOrderType)
	if err := m.orders.CreateBatch(ctx, dcaOrders); err != nil {
		return nil, err
	}

	if err := m.submitPending(ctx, conn, group, dcaOrders); err != nil {
		group.Status = core.GroupStatusFailed
		if uerr := m.positions.Update(ctx, group); uerr != nil {
			m.logger.Error("Failed to persist failed group", "group_id", group.ID, "error", uerr.Error())
		}
		m.broadcaster.SendFailure(user.ID, "position entry", err)
		return group, err
	}

	pyramid.Status = core.PyramidStatusSubmitted
	if err := m.pyramids.Update(ctx, pyramid); err != nil {
		m.logger.Warn("Failed to advance pyramid status", "pyramid_id", pyramid.ID, "error", err.Error())
	}

	m.broadcaster.SendEntrySignal(group, dcaOrders)
	m.logger.Info("Position group created",
		"group_id", group.ID, "user_id", user.ID, "symbol", sig.Symbol,
		"side", string(sig.Side), "legs", len(legs), "entry", entryPrice.String())
	return group, nil
}

// AddPyramid appends a new entry wave to an existing group. The pyramid
// counter increment is atomic so concurrent signals cannot both observe the
// old count.
func (m *Manager) AddPyramid(ctx context.Context, group *core.PositionGroup, sig *core.Signal) error {
	if group.PyramidCount >= group.MaxPyramids {
		return fmt.Errorf("group %s already at max pyramids (%d)", group.ID, group.MaxPyramids)
	}

	user, err := m.users.Get(ctx, group.UserID)
	if err != nil {
		return err
	}
	conn, err := m.factory.Acquire(ctx, user, group.Exchange)
	if err != nil {
		return err
	}
	defer conn.Close()

	entryPrice := sig.EntryPrice
	if entryPrice.IsZero() {
		if entryPrice, err = conn.GetCurrentPrice(ctx, group.Symbol); err != nil {
			return err
		}
	}

	rule := m.precision.RuleFor(ctx, conn, group.Symbol)
	cfg := user.GridConfig

	// reserve the wave index first; the new index is count-1 (waves are
	// zero-indexed, the initial wave is 0)
	probeLegs, err := grid.Calculate(entryPrice, &cfg, group.PyramidCount, rule)
	if err != nil {
		return fmt.Errorf("grid calculation failed for pyramid: %w", err)
	}

	newCount, err := m.positions.IncrementPyramidCount(ctx, group.ID, len(probeLegs))
	if err != nil {
		return err
	}
	pyramidIndex := newCount - 1

	legs := probeLegs
	if pyramidIndex != group.PyramidCount {
		// another signal won the race; recompute for the index we actually got
		if legs, err = grid.Calculate(entryPrice, &cfg, pyramidIndex, rule); err != nil {
			return fmt.Errorf("grid calculation failed for pyramid %d: %w", pyramidIndex, err)
		}
	}
	group.PyramidCount = newCount
	group.TotalDCALegs += len(legs)

	pyramid := &core.Pyramid{
		ID:           uuid.NewString(),
		GroupID:      group.ID,
		PyramidIndex: pyramidIndex,
		EntryPrice:   entryPrice,
		Status:       core.PyramidStatusPending,
		DCAConfig:    cfg,
	}
	if err := m.pyramids.Create(ctx, pyramid); err != nil {
		return err
	}

	dcaOrders := m.buildLegOrders(group, pyramid, legs, cfg.EntryOrderType)
	if err := m.orders.CreateBatch(ctx, dcaOrders); err != nil {
		return err
	}
	if err := m.submitPending(ctx, conn, group, dcaOrders); err != nil {
		m.broadcaster.SendFailure(user.ID, "pyramid entry", err)
		return err
	}

	pyramid.Status = core.PyramidStatusSubmitted
	if err := m.pyramids.Update(ctx, pyramid); err != nil {
		m.logger.Warn("Failed to advance pyramid status", "pyramid_id", pyramid.ID, "error", err.Error())
	}

	// a fresh window only when a timer is already running
	if user.RiskConfig.ResetTimerOnReplacement && group.RiskTimerStart != nil {
		now := time.Now().UTC()
		expires := now.Add(time.Duration(user.RiskConfig.PostFullWaitMinutes) * time.Minute)
		group.RiskTimerStart = &now
		group.RiskTimerExpires = &expires
	}
	if err := m.positions.Update(ctx, group); err != nil {
		return err
	}

	m.broadcaster.SendPyramidAdded(group, pyramidIndex)
	m.logger.Info("Pyramid added",
		"group_id", group.ID, "pyramid_index", pyramidIndex, "legs", len(legs))
	return nil
}

func (m *Manager) buildLegOrders(group *core.PositionGroup, pyramid *core.Pyramid, legs []grid.Leg, entryType core.OrderType) []*core.DCAOrder {
	out := make([]*core.DCAOrder, 0, len(legs))
	for i, leg := range legs {
		ord := &core.DCAOrder{
			ID:            uuid.NewString(),
			GroupID:       group.ID,
			PyramidID:     pyramid.ID,
			UserID:        group.UserID,
			Exchange:      group.Exchange,
			LegIndex:      leg.LegIndex,
			Symbol:        group.Symbol,
			Side:          group.Side,
			OrderType:     core.OrderTypeLimit,
			Price:         leg.Price,
			Quantity:      leg.Quantity,
			GapPercent:    leg.GapPercent,
			WeightPercent: leg.WeightPercent,
			TPPercent:     leg.TPPercent,
			TPPrice:       leg.TPPrice,
			Status:        core.OrderStatusPending,
		}
		if i == 0 && entryType == core.OrderTypeMarket {
			ord.OrderType = core.OrderTypeMarket
			ord.Status = core.OrderStatusTriggerPending
		}
		out = append(out, ord)
	}
	return out
}

func (m *Manager) submitPending(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, orders []*core.DCAOrder) error {
	for _, ord := range orders {
		if ord.Status != core.OrderStatusPending {
			continue
		}
		if err := m.orderSvc.Submit(ctx, conn, ord); err != nil {
			return fmt.Errorf("leg %d submission failed: %w", ord.LegIndex, err)
		}
	}
	return nil
}

// HandleExitSignal closes the group at market. Idempotent: an already-closed
// group is a no-op. On an insufficient-funds rejection the close is retried
// once with the actually available base balance.
func (m *Manager) HandleExitSignal(ctx context.Context, group *core.PositionGroup) error {
	if group.Status == core.GroupStatusClosed {
		return nil
	}
	unlock := m.lockGroup(group.ID)
	defer unlock()

	user, err := m.users.Get(ctx, group.UserID)
	if err != nil {
		return err
	}
	conn, err := m.factory.Acquire(ctx, user, group.Exchange)
	if err != nil {
		return err
	}
	defer conn.Close()

	prev := group.Status
	group.Status = core.GroupStatusClosing
	if err := m.positions.Update(ctx, group); err != nil {
		return err
	}
	m.broadcaster.SendStatusChange(group, prev, core.GroupStatusClosing)

	orders, err := m.orders.GetByGroup(ctx, group.ID)
	if err != nil {
		return err
	}
	if err := m.orderSvc.CancelAllForGroup(ctx, conn, group, orders); err != nil {
		m.logger.Warn("Some orders failed to cancel during exit",
			"group_id", group.ID, "error", err.Error())
	}

	// net held quantity comes from the fill replay, not the cached counter
	replay := replayFills(orders, group.Side)
	qty := replay.Quantity

	exitPrice, priceErr := conn.GetCurrentPrice(ctx, group.Symbol)
	if qty.GreaterThan(decimal.Zero) {
		result, err := m.orderSvc.ClosePositionMarket(ctx, conn, group, qty)
		if apperrors.IsInsufficientFunds(err) {
			free, berr := conn.FetchFreeBalance(ctx)
			if berr != nil {
				return fmt.Errorf("close rejected for funds and balance fetch failed: %v / %w", err, berr)
			}
			available := free[tradingutils.BaseAsset(group.Symbol)]
			if available.LessThan(qty) {
				qty = available
			}
			if qty.LessThanOrEqual(decimal.Zero) {
				m.logger.Warn("No base balance left to close", "group_id", group.ID)
			} else if result, err = m.orderSvc.ClosePositionMarket(ctx, conn, group, qty); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		if result != nil && !result.Average.IsZero() {
			exitPrice = result.Average
		}
	}

	if priceErr == nil && !exitPrice.IsZero() && qty.GreaterThan(decimal.Zero) {
		pnl := exitPrice.Sub(replay.AvgEntry).Mul(qty)
		if group.Side == core.SideSell {
			pnl = pnl.Neg()
		}
		group.RealizedPnLUSD = replay.RealizedPnL.Add(pnl)
	}

	now := time.Now().UTC()
	group.Status = core.GroupStatusClosed
	group.UnrealizedPnLUSD = decimal.Zero
	group.UnrealizedPnLPct = decimal.Zero
	group.TotalFilledQuantity = decimal.Zero
	group.ClosedAt = &now
	if err := m.positions.Update(ctx, group); err != nil {
		return err
	}

	telemetry.AddFloat(ctx, m.metrics.PnLRealizedTotal, group.RealizedPnLUSD.InexactFloat64())
	m.broadcaster.SendExitSignal(group, group.RealizedPnLUSD)
	m.logger.Info("Position closed on exit signal",
		"group_id", group.ID, "realized_pnl", group.RealizedPnLUSD.StringFixed(4))
	return nil
}

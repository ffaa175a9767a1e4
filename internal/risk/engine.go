// Package risk enforces per-user trading policy: pre-trade gates, loss
// timers, daily loss circuit breaker, and cross-position offset execution.
package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/order"
	"trade_engine/internal/position"
	"trade_engine/internal/precision"
	"trade_engine/pkg/telemetry"
	"trade_engine/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Engine is the per-user risk policy enforcer. The loop keeps monitoring
// even while promotion is paused, so defensive offsets still execute.
type Engine struct {
	users       core.UserRepository
	positions   core.PositionRepository
	orders      core.OrderRepository
	riskActions core.RiskActionRepository
	orderSvc    *order.Service
	posMgr      *position.Manager
	factory     core.ConnectorFactory
	precision   *precision.Cache
	broadcaster core.Broadcaster
	cfg         config.RiskConfig
	logger      core.ILogger
	metrics     *telemetry.MetricsHolder

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewEngine wires the risk engine.
func NewEngine(
	users core.UserRepository,
	positions core.PositionRepository,
	orders core.OrderRepository,
	riskActions core.RiskActionRepository,
	orderSvc *order.Service,
	posMgr *position.Manager,
	factory core.ConnectorFactory,
	precisionCache *precision.Cache,
	broadcaster core.Broadcaster,
	cfg config.RiskConfig,
	logger core.ILogger,
) *Engine {
	return &Engine{
		users:       users,
		positions:   positions,
		orders:      orders,
		riskActions: riskActions,
		orderSvc:    orderSvc,
		posMgr:      posMgr,
		factory:     factory,
		precision:   precisionCache,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger.WithField("component", "risk_engine"),
		metrics:     telemetry.GetGlobalMetrics(),
	}
}

// Start launches the evaluation loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("risk engine already running")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	e.wg.Add(1)
	go e.loop()
	e.logger.Info("Risk engine started",
		"interval_seconds", e.cfg.EvaluateIntervalSeconds)
	return nil
}

// Stop halts the loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
	e.logger.Info("Risk engine stopped")
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Duration(e.cfg.EvaluateIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.EvaluateAll(e.ctx)
		}
	}
}

// EvaluateAll runs one evaluation for every active user. A user's failure
// never affects the others.
func (e *Engine) EvaluateAll(ctx context.Context) {
	users, err := e.users.GetActive(ctx)
	if err != nil {
		e.logger.Error("Failed to list users for evaluation", "error", err.Error())
		return
	}
	for _, user := range users {
		if err := e.EvaluateUser(ctx, user.ID); err != nil {
			e.logger.Error("User evaluation failed", "user_id", user.ID, "error", err.Error())
		}
	}
}

// PreTradeCheck gates queue promotion. The checks are order-independent; the
// global position-count cap is deliberately left to the execution-pool gate.
func (e *Engine) PreTradeCheck(ctx context.Context, user *core.User, sig *core.Signal, allocatedCapital decimal.Decimal) error {
	rc := user.RiskConfig

	if rc.EngineForceStopped {
		return fmt.Errorf("engine force-stopped for user %s", user.ID)
	}
	if rc.EnginePausedByLossLimit {
		return fmt.Errorf("engine paused by daily loss limit for user %s", user.ID)
	}

	maxPerSymbol := rc.MaxPositionsPerSymbol
	if maxPerSymbol <= 0 {
		maxPerSymbol = 2
	}
	count, err := e.positions.CountActiveByTuple(ctx, user.ID, sig.Exchange, sig.Symbol, sig.Timeframe)
	if err != nil {
		return err
	}
	if count >= int64(maxPerSymbol) {
		return fmt.Errorf("max positions (%d) reached for %s %s on %s",
			maxPerSymbol, sig.Symbol, sig.Timeframe, sig.Exchange)
	}

	if rc.MaxTotalExposureUSD.GreaterThan(decimal.Zero) {
		groups, err := e.positions.GetActiveByUser(ctx, user.ID)
		if err != nil {
			return err
		}
		exposure := decimal.Zero
		for _, g := range groups {
			exposure = exposure.Add(g.TotalInvestedUSD)
		}
		if exposure.Add(allocatedCapital).GreaterThan(rc.MaxTotalExposureUSD) {
			return fmt.Errorf("exposure %s + %s exceeds cap %s",
				exposure, allocatedCapital, rc.MaxTotalExposureUSD)
		}
	}

	if rc.MaxRealizedLossUSD.GreaterThan(decimal.Zero) {
		pnl, err := e.positions.GetDailyRealizedPnL(ctx, user.ID)
		if err != nil {
			return err
		}
		if pnl.IsNegative() && pnl.Abs().GreaterThanOrEqual(rc.MaxRealizedLossUSD) {
			return fmt.Errorf("daily realized loss %s at limit %s", pnl, rc.MaxRealizedLossUSD)
		}
	}
	return nil
}

// EvaluateUser runs timers, the daily loss breaker, and offset selection for
// one user.
func (e *Engine) EvaluateUser(ctx context.Context, userID string) error {
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !user.RiskConfig.Enabled {
		return nil
	}

	if err := e.checkDailyLossBreaker(ctx, user); err != nil {
		e.logger.Warn("Daily loss breaker check failed", "user_id", userID, "error", err.Error())
	}

	groups, err := e.positions.GetActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	for _, g := range groups {
		if err := e.maybeStartTimer(ctx, user, g); err != nil {
			e.logger.Warn("Timer evaluation failed", "group_id", g.ID, "error", err.Error())
		}
	}

	loser := e.selectLoser(ctx, user, groups)
	if loser == nil {
		return nil
	}
	return e.executeOffset(ctx, user, loser, groups)
}

// checkDailyLossBreaker pauses queue promotion once the day's realized loss
// breaches the configured limit.
func (e *Engine) checkDailyLossBreaker(ctx context.Context, user *core.User) error {
	limit := user.RiskConfig.MaxRealizedLossUSD
	if !limit.GreaterThan(decimal.Zero) || user.RiskConfig.EnginePausedByLossLimit {
		return nil
	}
	pnl, err := e.positions.GetDailyRealizedPnL(ctx, user.ID)
	if err != nil {
		return err
	}
	if pnl.IsNegative() && pnl.Abs().GreaterThanOrEqual(limit) {
		user.RiskConfig.EnginePausedByLossLimit = true
		if err := e.users.Update(ctx, user); err != nil {
			return err
		}
		e.broadcaster.SendRiskEvent(user.ID, "daily_loss_limit", map[string]string{
			"daily_pnl": pnl.StringFixed(2),
			"limit":     limit.StringFixed(2),
		})
		e.logger.Warn("Engine paused by daily loss limit",
			"user_id", user.ID, "daily_pnl", pnl.StringFixed(2))
	}
	return nil
}

// maybeStartTimer starts the group's risk timer once its start condition is
// satisfied. A running timer is never shortened here.
func (e *Engine) maybeStartTimer(ctx context.Context, user *core.User, g *core.PositionGroup) error {
	if g.RiskTimerStart != nil {
		return nil
	}

	due := false
	switch user.RiskConfig.TimerStartCondition {
	case core.TimerAfterFivePyramids:
		due = g.PyramidCount >= 5
	case core.TimerAfterAllSubmitted:
		orders, err := e.orders.GetByGroup(ctx, g.ID)
		if err != nil {
			return err
		}
		due = allLegs(orders, func(o *core.DCAOrder) bool { return o.SubmittedAt != nil })
	case core.TimerAfterAllFilled:
		orders, err := e.orders.GetByGroup(ctx, g.ID)
		if err != nil {
			return err
		}
		due = allLegs(orders, func(o *core.DCAOrder) bool { return o.Status == core.OrderStatusFilled })
	default:
		return nil
	}
	if !due {
		return nil
	}

	now := time.Now().UTC()
	expires := now.Add(time.Duration(user.RiskConfig.PostFullWaitMinutes) * time.Minute)
	g.RiskTimerStart = &now
	g.RiskTimerExpires = &expires
	e.logger.Info("Risk timer started",
		"group_id", g.ID, "condition", string(user.RiskConfig.TimerStartCondition),
		"expires", expires.Format(time.RFC3339))
	return e.positions.Update(ctx, g)
}

func allLegs(orders []*core.DCAOrder, pred func(*core.DCAOrder) bool) bool {
	seen := false
	for _, o := range orders {
		if !o.IsEntryLeg() || o.Status == core.OrderStatusCancelled || o.Status == core.OrderStatusFailed {
			continue
		}
		seen = true
		if !pred(o) {
			return false
		}
	}
	return seen
}

// selectLoser picks the eligible loser with the largest absolute unrealized
// loss. A position carrying risk_skip_once is passed over exactly once: the
// flag is consumed only when the position would actually have been picked.
func (e *Engine) selectLoser(ctx context.Context, user *core.User, groups []*core.PositionGroup) *core.PositionGroup {
	rc := user.RiskConfig
	now := time.Now().UTC()

	var eligible []*core.PositionGroup
	for _, g := range groups {
		if g.RiskBlocked {
			continue
		}
		if g.RiskTimerExpires == nil || now.Before(*g.RiskTimerExpires) {
			continue
		}
		if g.PyramidCount < rc.RequiredPyramidsForTimer {
			continue
		}
		if g.UnrealizedPnLPct.GreaterThan(rc.LossThresholdPercent) {
			continue
		}
		eligible = append(eligible, g)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].UnrealizedPnLUSD.Abs().GreaterThan(eligible[j].UnrealizedPnLUSD.Abs())
	})

	for _, g := range eligible {
		if g.RiskSkipOnce {
			g.RiskSkipOnce = false
			if err := e.positions.Update(ctx, g); err != nil {
				e.logger.Warn("Failed to clear skip-once flag", "group_id", g.ID, "error", err.Error())
			}
			continue
		}
		return g
	}
	return nil
}

type winnerClose struct {
	group  *core.PositionGroup
	qty    decimal.Decimal
	price  decimal.Decimal
	pnlUSD decimal.Decimal
}

// planWinnerCloses walks the winners in descending PnL order and sizes a
// partial close against each until the loser's loss is covered. A winner is
// never fully closed here.
func (e *Engine) planWinnerCloses(ctx context.Context, conn core.ExchangeConnector, user *core.User, winners []*core.PositionGroup, requiredUSD decimal.Decimal) []winnerClose {
	rc := user.RiskConfig
	remaining := requiredUSD
	var plan []winnerClose

	for _, w := range winners {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}

		price, err := conn.GetCurrentPrice(ctx, w.Symbol)
		if err != nil {
			e.logger.Warn("Price unavailable for winner", "symbol", w.Symbol, "error", err.Error())
			continue
		}

		profitPerUnit := price.Sub(w.WeightedAvgEntry)
		if w.Side == core.SideSell {
			profitPerUnit = profitPerUnit.Neg()
		}
		if profitPerUnit.LessThanOrEqual(decimal.Zero) {
			continue
		}

		// cap below the winner's holdings so the winner is never fully closed
		rule := e.precision.RuleFor(ctx, conn, w.Symbol)
		needQty := remaining.Div(profitPerUnit)
		maxQty := w.TotalFilledQuantity.Sub(rule.StepSize)
		if needQty.GreaterThan(maxQty) {
			needQty = maxQty
		}
		qty := tradingutils.RoundDownToStep(needQty, rule.StepSize)
		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}

		minNotional := rule.MinNotional
		if rc.MinNotionalUSD.GreaterThan(minNotional) {
			minNotional = rc.MinNotionalUSD
		}
		if qty.Mul(price).LessThan(minNotional) {
			continue
		}

		achieved := qty.Mul(profitPerUnit)
		plan = append(plan, winnerClose{group: w, qty: qty, price: price, pnlUSD: achieved})
		remaining = remaining.Sub(achieved)
	}
	return plan
}

// executeOffset closes the loser in full and partially closes winners to
// cover the loss, all concurrently, then records the audit snapshot.
func (e *Engine) executeOffset(ctx context.Context, user *core.User, loser *core.PositionGroup, groups []*core.PositionGroup) error {
	conn, err := e.factory.Acquire(ctx, user, loser.Exchange)
	if err != nil {
		return err
	}
	defer conn.Close()

	// winners must live on the loser's exchange; conn belongs to that
	// exchange and quantities on another venue are not fungible here
	var winners []*core.PositionGroup
	for _, g := range groups {
		if g.ID != loser.ID && g.Exchange == loser.Exchange &&
			g.UnrealizedPnLUSD.GreaterThan(decimal.Zero) {
			winners = append(winners, g)
		}
	}
	sort.SliceStable(winners, func(i, j int) bool {
		return winners[i].UnrealizedPnLUSD.GreaterThan(winners[j].UnrealizedPnLUSD)
	})
	if max := user.RiskConfig.MaxWinnersToCombine; max > 0 && len(winners) > max {
		winners = winners[:max]
	}

	requiredUSD := loser.UnrealizedPnLUSD.Abs()
	plan := e.planWinnerCloses(ctx, conn, user, winners, requiredUSD)

	// decision-time snapshots survive the closes below
	action := &core.RiskAction{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		ActionType:   core.RiskActionRiskOffsetClose,
		LoserGroupID: loser.ID,
		LoserSymbol:  loser.Symbol,
		LoserPnLUSD:  loser.UnrealizedPnLUSD,
	}
	offsetTotal := decimal.Zero
	for _, wc := range plan {
		action.WinnerDetails = append(action.WinnerDetails, core.WinnerDetail{
			GroupID:        wc.group.ID,
			Symbol:         wc.group.Symbol,
			PnLUSD:         wc.pnlUSD,
			QuantityClosed: wc.qty,
		})
		offsetTotal = offsetTotal.Add(wc.pnlUSD)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.posMgr.HandleExitSignal(gctx, loser)
	})
	for _, wc := range plan {
		wc := wc
		g.Go(func() error {
			_, err := e.orderSvc.ClosePositionMarket(gctx, conn, wc.group, wc.qty)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.broadcaster.SendFailure(user.ID, "risk offset", err)
		return fmt.Errorf("offset execution failed: %w", err)
	}

	if err := e.riskActions.Create(ctx, action); err != nil {
		e.logger.Error("Failed to record risk action", "error", err.Error())
	}
	telemetry.AddCounter(ctx, e.metrics.RiskOffsetsTotal)

	net := offsetTotal.Sub(requiredUSD)
	e.broadcaster.SendRiskEvent(user.ID, "offset_executed", map[string]string{
		"loser":         loser.Symbol,
		"loser_pnl":     loser.UnrealizedPnLUSD.StringFixed(2),
		"offset_profit": offsetTotal.StringFixed(2),
		"net":           net.StringFixed(2),
		"winners":       fmt.Sprintf("%d", len(plan)),
	})
	e.logger.Info("Risk offset executed",
		"user_id", user.ID, "loser", loser.Symbol,
		"required_usd", requiredUSD.StringFixed(2),
		"offset_usd", offsetTotal.StringFixed(2), "winners", len(plan))
	return nil
}

// SyncWithExchange recomputes each active position's unrealized PnL from a
// fresh ticker snapshot and corrects records that diverged beyond the
// configured percentage.
func (e *Engine) SyncWithExchange(ctx context.Context, userID string) error {
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	groups, err := e.positions.GetActiveByUser(ctx, userID)
	if err != nil {
		return err
	}

	byExchange := make(map[string][]*core.PositionGroup)
	for _, g := range groups {
		byExchange[g.Exchange] = append(byExchange[g.Exchange], g)
	}

	threshold := decimal.NewFromFloat(e.cfg.SyncDivergencePercent)
	for exchange, bucket := range byExchange {
		conn, err := e.factory.Acquire(ctx, user, exchange)
		if err != nil {
			return err
		}
		tickers, err := conn.GetAllTickers(ctx)
		if err != nil {
			conn.Close()
			return err
		}
		for _, g := range bucket {
			price, ok := tickers[g.Symbol]
			if !ok || g.TotalFilledQuantity.LessThanOrEqual(decimal.Zero) {
				continue
			}
			fresh := price.Sub(g.WeightedAvgEntry).Mul(g.TotalFilledQuantity)
			if g.Side == core.SideSell {
				fresh = fresh.Neg()
			}
			diff := fresh.Sub(g.UnrealizedPnLUSD).Abs()
			base := g.TotalInvestedUSD
			if base.LessThanOrEqual(decimal.Zero) {
				continue
			}
			divergedPct := diff.Div(base).Mul(decimal.NewFromInt(100))
			if divergedPct.GreaterThan(threshold) {
				e.logger.Warn("Unrealized PnL diverged from exchange mark",
					"group_id", g.ID, "stored", g.UnrealizedPnLUSD.StringFixed(4),
					"fresh", fresh.StringFixed(4))
				g.UnrealizedPnLUSD = fresh
				if base.GreaterThan(decimal.Zero) {
					g.UnrealizedPnLPct = fresh.Div(base).Mul(decimal.NewFromInt(100))
				}
				if err := e.positions.Update(ctx, g); err != nil {
					e.logger.Error("Failed to persist sync correction", "group_id", g.ID, "error", err.Error())
				}
			}
		}
		conn.Close()
	}
	return nil
}

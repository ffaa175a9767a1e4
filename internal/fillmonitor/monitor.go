// Package fillmonitor runs the background reconciliation loop between local
// order state and the exchanges.
package fillmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/order"
	"trade_engine/internal/position"
	"trade_engine/pkg/concurrency"
	"trade_engine/pkg/telemetry"
	"trade_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

const healthKey = "trade_engine:monitor:health"

// Monitor periodically reconciles every active user's working orders against
// the exchange: trigger submissions, fill detection, DCA pruning, TP
// placement and TP-hit handling.
type Monitor struct {
	users       core.UserRepository
	positions   core.PositionRepository
	orders      core.OrderRepository
	orderSvc    *order.Service
	posMgr      *position.Manager
	factory     core.ConnectorFactory
	cache       core.Cache
	broadcaster core.Broadcaster
	cfg         config.MonitorConfig
	pool        *concurrency.WorkerPool
	logger      core.ILogger
	metrics     *telemetry.MetricsHolder

	// onFill, when set, is invoked after a cycle that changed a user's fills,
	// so the risk engine can evaluate immediately instead of waiting a tick.
	onFill func(ctx context.Context, userID string)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewMonitor wires the fill monitor.
func NewMonitor(
	users core.UserRepository,
	positions core.PositionRepository,
	orders core.OrderRepository,
	orderSvc *order.Service,
	posMgr *position.Manager,
	factory core.ConnectorFactory,
	cache core.Cache,
	broadcaster core.Broadcaster,
	cfg config.MonitorConfig,
	poolCfg config.ConcurrencyConfig,
	logger core.ILogger,
) *Monitor {
	return &Monitor{
		users:       users,
		positions:   positions,
		orders:      orders,
		orderSvc:    orderSvc,
		posMgr:      posMgr,
		factory:     factory,
		cache:       cache,
		broadcaster: broadcaster,
		cfg:         cfg,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "fill_monitor",
			MaxWorkers:  poolCfg.MonitorPoolSize,
			MaxCapacity: poolCfg.MonitorPoolBuffer,
		}, logger),
		logger:  logger.WithField("component", "fill_monitor"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// SetFillHook registers the on-fill callback. Must be called before Start.
func (m *Monitor) SetFillHook(hook func(ctx context.Context, userID string)) {
	m.onFill = hook
}

// Start launches the monitor loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("fill monitor already running")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(1)
	go m.loop()
	m.logger.Info("Fill monitor started",
		"interval_seconds", m.cfg.PollingIntervalSeconds)
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.pool.Stop()
	m.logger.Info("Fill monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.PollingIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunCycle(m.ctx); err != nil {
				m.logger.Error("Monitor cycle failed", "error", err.Error())
				telemetry.AddCounter(m.ctx, m.metrics.MonitorCycleErrors)
			}
		}
	}
}

// RunCycle executes one reconciliation pass over all active users. Users run
// concurrently on the worker pool; groups within a user are bounded by a
// semaphore; orders within a group are strictly serialized.
func (m *Monitor) RunCycle(ctx context.Context) error {
	telemetry.AddCounter(ctx, m.metrics.MonitorCyclesTotal)
	m.reportHealth(ctx)

	users, err := m.users.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active users: %w", err)
	}

	group := m.pool.Group()
	for _, user := range users {
		user := user
		group.Submit(func() {
			if err := m.processUser(ctx, user); err != nil {
				m.logger.Error("User cycle failed", "user_id", user.ID, "error", err.Error())
			}
		})
	}
	group.Wait()
	return nil
}

func (m *Monitor) reportHealth(ctx context.Context) {
	ttl := 3 * time.Duration(m.cfg.PollingIntervalSeconds) * time.Second
	if err := m.cache.Set(ctx, healthKey, time.Now().UTC().Format(time.RFC3339), ttl); err != nil {
		m.logger.Warn("Failed to report monitor health", "error", err.Error())
	}
}

func (m *Monitor) processUser(ctx context.Context, user *core.User) error {
	groups, err := m.positions.GetActiveByUser(ctx, user.ID)
	if err != nil {
		return err
	}
	m.metrics.SetActivePositions(user.ID, int64(len(groups)))
	if len(groups) == 0 {
		return nil
	}

	byExchange := make(map[string][]*core.PositionGroup)
	for _, g := range groups {
		byExchange[g.Exchange] = append(byExchange[g.Exchange], g)
	}

	anyFills := false
	for exchange, bucket := range byExchange {
		filled, err := m.processExchangeBucket(ctx, user, exchange, bucket)
		if err != nil {
			m.logger.Error("Exchange bucket failed",
				"user_id", user.ID, "exchange", exchange, "error", err.Error())
			continue
		}
		anyFills = anyFills || filled
	}

	if anyFills && m.onFill != nil {
		m.onFill(ctx, user.ID)
	}
	return nil
}

// processExchangeBucket holds one connector for all of the user's groups on
// an exchange and fetches tickers once for the whole cycle.
func (m *Monitor) processExchangeBucket(ctx context.Context, user *core.User, exchange string, groups []*core.PositionGroup) (bool, error) {
	conn, err := m.factory.Acquire(ctx, user, exchange)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	tickers, err := conn.GetAllTickers(ctx)
	if err != nil {
		m.logger.Warn("Ticker fetch failed, falling back to per-symbol lookups",
			"exchange", exchange, "error", err.Error())
		tickers = map[string]decimal.Decimal{}
	}

	sem := semaphore.NewWeighted(int64(m.cfg.MaxConcurrentOrders))
	var wg sync.WaitGroup
	var mu sync.Mutex
	anyFills := false

	for _, g := range groups {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(g *core.PositionGroup) {
			defer wg.Done()
			defer sem.Release(1)
			changed, err := m.processGroup(ctx, conn, user, g, tickers)
			if err != nil {
				m.logger.Error("Group reconciliation failed",
					"group_id", g.ID, "error", err.Error())
				return
			}
			if changed {
				mu.Lock()
				anyFills = true
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	return anyFills, nil
}

func (m *Monitor) processGroup(ctx context.Context, conn core.ExchangeConnector, user *core.User, g *core.PositionGroup, tickers map[string]decimal.Decimal) (bool, error) {
	orders, err := m.orders.GetByGroup(ctx, g.ID)
	if err != nil {
		return false, err
	}

	price, ok := tickers[g.Symbol]
	if !ok {
		if price, err = conn.GetCurrentPrice(ctx, g.Symbol); err != nil {
			return false, fmt.Errorf("no price for %s: %w", g.Symbol, err)
		}
	}

	changed := false
	for _, ord := range orders {
		if !ord.IsEntryLeg() {
			continue
		}
		did, err := m.processOrder(ctx, conn, user, g, ord, price)
		if err != nil {
			m.logger.Warn("Order reconciliation failed",
				"order_id", ord.ID, "error", err.Error())
			continue
		}
		changed = changed || did
	}

	// stats always run so idle aggregate / pyramid-aggregate targets are
	// evaluated even when no order changed this cycle
	if _, err := m.posMgr.UpdatePositionStats(ctx, conn, g.ID); err != nil {
		return changed, err
	}
	return changed, nil
}

func (m *Monitor) processOrder(ctx context.Context, conn core.ExchangeConnector, user *core.User, g *core.PositionGroup, ord *core.DCAOrder, price decimal.Decimal) (bool, error) {
	switch ord.Status {
	case core.OrderStatusTriggerPending:
		if !triggerCrossed(ord, price) {
			return false, nil
		}
		m.logger.Info("Trigger price crossed, submitting market leg",
			"order_id", ord.ID, "trigger", ord.Price.String(), "price", price.String())
		if err := m.orderSvc.Submit(ctx, conn, ord); err != nil {
			return false, err
		}
		return true, nil

	case core.OrderStatusOpen, core.OrderStatusPartiallyFilled:
		changed, err := m.orderSvc.CheckStatus(ctx, conn, ord)
		if err != nil {
			return false, err
		}
		if ord.Status == core.OrderStatusOpen && m.shouldPruneDCA(user, g, price) {
			m.logger.Info("Price ran beyond prune threshold, cancelling DCA leg",
				"order_id", ord.ID, "leg", ord.LegIndex, "price", price.String())
			if _, cerr := m.orderSvc.CancelWithVerification(ctx, conn, ord); cerr != nil {
				m.logger.Warn("DCA prune cancel failed", "order_id", ord.ID, "error", cerr.Error())
			}
		}
		// a long-lived partial fill carries a TP for the filled portion;
		// PlaceTPOrder is idempotent so the full fill later reuses it
		if ord.Status == core.OrderStatusPartiallyFilled && ord.TPOrderID == "" &&
			(g.TPMode == core.TPModePerLeg || g.TPMode == core.TPModeHybrid) {
			if terr := m.orderSvc.PlaceTPOrder(ctx, conn, g, ord, user.GridConfig.AdjustTPToFill); terr != nil {
				m.logger.Warn("Partial-fill TP placement failed", "order_id", ord.ID, "error", terr.Error())
			}
		}
		return changed, nil

	case core.OrderStatusFilled:
		if ord.TPHit {
			return false, nil
		}
		perLegTP := g.TPMode == core.TPModePerLeg || g.TPMode == core.TPModeHybrid
		if ord.TPOrderID == "" {
			if !perLegTP {
				return false, nil
			}
			return false, m.orderSvc.PlaceTPOrder(ctx, conn, g, ord, user.GridConfig.AdjustTPToFill)
		}

		hit, err := m.orderSvc.CheckTPOrder(ctx, conn, g, ord)
		if err != nil {
			return false, err
		}
		if hit {
			m.broadcaster.SendTPHit(g, ord)
			return true, nil
		}
		if m.tpIsStale(ord) {
			m.logger.Warn("Stale TP detected",
				"order_id", ord.ID, "action", m.cfg.StaleTPAction,
				"filled_at", ord.FilledAt)
			return false, m.orderSvc.HandleStaleTP(ctx, conn, g, ord, m.cfg.StaleTPAction)
		}
		return false, nil
	}
	return false, nil
}

// shouldPruneDCA reports whether the mark has run away from the group's
// average entry in the profitable direction far enough that the remaining
// DCA legs can never fill.
func (m *Monitor) shouldPruneDCA(user *core.User, g *core.PositionGroup, price decimal.Decimal) bool {
	threshold := user.GridConfig.CancelDCABeyondPercent
	if threshold.IsZero() || g.WeightedAvgEntry.IsZero() {
		return false
	}
	diverged := tradingutils.PercentChange(price, g.WeightedAvgEntry)
	if g.Side == core.SideSell {
		diverged = diverged.Neg()
	}
	return diverged.GreaterThanOrEqual(threshold)
}

func (m *Monitor) tpIsStale(ord *core.DCAOrder) bool {
	if m.cfg.StaleTPHours <= 0 || ord.FilledAt == nil {
		return false
	}
	return time.Since(*ord.FilledAt) > time.Duration(m.cfg.StaleTPHours)*time.Hour
}

// triggerCrossed reports whether the mark has reached the held market leg's
// planned price from the direction implied by its side.
func triggerCrossed(ord *core.DCAOrder, price decimal.Decimal) bool {
	if ord.Side == core.SideSell {
		return price.GreaterThanOrEqual(ord.Price)
	}
	return price.LessThanOrEqual(ord.Price)
}

// ReconcileOnBoot converges every non-terminal local order with the exchange
// before the loops start: crash-time fills and cancels are absorbed here.
func (m *Monitor) ReconcileOnBoot(ctx context.Context) error {
	byUser, err := m.orders.GetAllOpenForAllUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders for reconcile: %w", err)
	}

	for userID, orders := range byUser {
		user, err := m.users.Get(ctx, userID)
		if err != nil {
			m.logger.Warn("Skipping reconcile for unknown user", "user_id", userID)
			continue
		}

		byExchange := make(map[string][]*core.DCAOrder)
		for _, o := range orders {
			byExchange[o.Exchange] = append(byExchange[o.Exchange], o)
		}

		for exchange, bucket := range byExchange {
			conn, err := m.factory.Acquire(ctx, user, exchange)
			if err != nil {
				m.logger.Warn("Reconcile connector unavailable",
					"user_id", userID, "exchange", exchange, "error", err.Error())
				continue
			}

			touched := make(map[string]bool)
			for _, ord := range bucket {
				if ord.Status == core.OrderStatusTriggerPending {
					continue
				}
				changed, err := m.orderSvc.CheckStatus(ctx, conn, ord)
				if err != nil {
					m.logger.Warn("Boot reconcile check failed",
						"order_id", ord.ID, "error", err.Error())
					continue
				}
				if changed {
					touched[ord.GroupID] = true
				}
			}
			for groupID := range touched {
				if _, err := m.posMgr.UpdatePositionStats(ctx, conn, groupID); err != nil {
					m.logger.Warn("Boot stats update failed",
						"group_id", groupID, "error", err.Error())
				}
			}
			conn.Close()
		}
	}
	m.logger.Info("Boot reconciliation complete", "users", len(byUser))
	return nil
}

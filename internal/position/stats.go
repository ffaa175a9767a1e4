package position

import (
	"context"
	"sort"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// ReplayResult is the cost-basis state derived from chronologically replaying
// a group's filled orders.
type ReplayResult struct {
	InvestedUSD decimal.Decimal
	Quantity    decimal.Decimal
	AvgEntry    decimal.Decimal
	RealizedPnL decimal.Decimal
	FilledCount int
}

// replayFills walks the filled orders in fill order. Entry legs accumulate
// the cost basis; synthetic exit records (leg 999 TP fills and leg -1 market
// closes) realize PnL against the running average and shrink the basis.
func replayFills(orders []*core.DCAOrder, side core.Side) ReplayResult {
	filled := make([]*core.DCAOrder, 0, len(orders))
	for _, o := range orders {
		if o.Status == core.OrderStatusFilled {
			filled = append(filled, o)
		}
	}
	sort.SliceStable(filled, func(i, j int) bool {
		return fillTime(filled[i]).Before(fillTime(filled[j]))
	})

	var r ReplayResult
	for _, o := range filled {
		qty := o.FilledQuantity
		price := o.AvgFillPrice
		if price.IsZero() {
			price = o.Price
		}
		if qty.LessThanOrEqual(decimal.Zero) {
			continue
		}
		r.FilledCount++

		if o.IsEntryLeg() {
			r.InvestedUSD = r.InvestedUSD.Add(price.Mul(qty))
			r.Quantity = r.Quantity.Add(qty)
			r.AvgEntry = r.InvestedUSD.Div(r.Quantity)
			continue
		}

		// exit record
		if qty.GreaterThan(r.Quantity) {
			qty = r.Quantity
		}
		pnl := price.Sub(r.AvgEntry).Mul(qty)
		if side == core.SideSell {
			pnl = pnl.Neg()
		}
		r.RealizedPnL = r.RealizedPnL.Add(pnl)
		r.InvestedUSD = r.InvestedUSD.Sub(r.AvgEntry.Mul(qty))
		r.Quantity = r.Quantity.Sub(qty)
		if r.Quantity.LessThanOrEqual(decimal.Zero) {
			r.Quantity = decimal.Zero
			r.InvestedUSD = decimal.Zero
			r.AvgEntry = decimal.Zero
		}
	}
	return r
}

func fillTime(o *core.DCAOrder) time.Time {
	if o.FilledAt != nil {
		return *o.FilledAt
	}
	return o.CreatedAt
}

// UpdatePositionStats reloads the group and rebuilds every derived number
// from its orders, then drives status transitions and aggregate TP-mode
// exits. It is the only writer of group aggregates and is serialized per
// group.
func (m *Manager) UpdatePositionStats(ctx context.Context, conn core.ExchangeConnector, groupID string) (*core.PositionGroup, error) {
	unlock := m.lockGroup(groupID)
	defer unlock()

	group, err := m.positions.GetWithOrders(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.Status.IsTerminal() {
		return group, nil
	}

	m.advancePyramids(ctx, group)

	replay := replayFills(group.Orders, group.Side)
	group.TotalInvestedUSD = replay.InvestedUSD
	group.TotalFilledQuantity = replay.Quantity
	group.WeightedAvgEntry = replay.AvgEntry
	group.RealizedPnLUSD = replay.RealizedPnL

	filledLegs := 0
	for _, o := range group.Orders {
		if o.IsEntryLeg() && o.Status == core.OrderStatusFilled && !o.TPHit {
			filledLegs++
		}
	}
	group.FilledDCALegs = filledLegs

	current, err := conn.GetCurrentPrice(ctx, group.Symbol)
	if err != nil {
		m.logger.Warn("Price fetch failed during stats update",
			"group_id", group.ID, "symbol", group.Symbol, "error", err.Error())
		current = decimal.Zero
	}

	if !current.IsZero() && replay.Quantity.GreaterThan(decimal.Zero) {
		pnl := current.Sub(replay.AvgEntry).Mul(replay.Quantity)
		if group.Side == core.SideSell {
			pnl = pnl.Neg()
		}
		group.UnrealizedPnLUSD = pnl
		if replay.InvestedUSD.GreaterThan(decimal.Zero) {
			group.UnrealizedPnLPct = pnl.Div(replay.InvestedUSD).Mul(decimal.NewFromInt(100))
		} else {
			group.UnrealizedPnLPct = decimal.Zero
		}
	} else {
		group.UnrealizedPnLUSD = decimal.Zero
		group.UnrealizedPnLPct = decimal.Zero
	}

	m.transitionStatus(ctx, conn, group, replay)

	if !group.Status.IsTerminal() && !current.IsZero() {
		switch group.TPMode {
		case core.TPModeAggregate, core.TPModeHybrid:
			m.checkAggregateTP(ctx, conn, group, replay, current)
		case core.TPModePyramidAggregate:
			m.evaluatePyramidAggregate(ctx, conn, group, current)
		}
	}

	if err := m.positions.Update(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

func (m *Manager) advancePyramids(ctx context.Context, group *core.PositionGroup) {
	byPyramid := make(map[string][]*core.DCAOrder)
	for _, o := range group.Orders {
		if o.IsEntryLeg() {
			byPyramid[o.PyramidID] = append(byPyramid[o.PyramidID], o)
		}
	}
	for _, p := range group.Pyramids {
		orders := byPyramid[p.ID]
		if len(orders) == 0 {
			continue
		}
		allFilled := true
		anyWorking := false
		for _, o := range orders {
			if o.Status == core.OrderStatusOpen || o.Status == core.OrderStatusFilled {
				anyWorking = true
			}
			if o.Status != core.OrderStatusFilled {
				allFilled = false
			}
		}
		next := p.Status
		if p.Status == core.PyramidStatusPending && anyWorking {
			next = core.PyramidStatusSubmitted
		}
		if allFilled {
			next = core.PyramidStatusFilled
		}
		if next != p.Status {
			p.Status = next
			if err := m.pyramids.Update(ctx, p); err != nil {
				m.logger.Warn("Failed to advance pyramid", "pyramid_id", p.ID, "error", err.Error())
			}
		}
	}
}

func (m *Manager) transitionStatus(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, replay ReplayResult) {
	// fully exited after at least one fill
	if replay.FilledCount > 0 && replay.Quantity.LessThanOrEqual(decimal.Zero) {
		m.closeGroupLocked(ctx, conn, group, "all quantity exited")
		return
	}

	entryLegs := 0
	filledOrTerminal := 0
	anyFilled := false
	for _, o := range group.Orders {
		if !o.IsEntryLeg() {
			continue
		}
		entryLegs++
		if o.Status == core.OrderStatusFilled {
			anyFilled = true
			filledOrTerminal++
		} else if o.Status.IsTerminal() {
			filledOrTerminal++
		}
	}
	if entryLegs == 0 {
		return
	}

	from := group.Status
	switch {
	case anyFilled && filledOrTerminal == entryLegs &&
		(from == core.GroupStatusLive || from == core.GroupStatusPartiallyFilled):
		group.Status = core.GroupStatusActive
	case anyFilled && from == core.GroupStatusLive:
		group.Status = core.GroupStatusPartiallyFilled
	}
	if group.Status != from {
		m.broadcaster.SendStatusChange(group, from, group.Status)
	}
}

// closeGroupLocked finalizes a group from inside the stats lock: cancels
// whatever is still working and marks the group closed.
func (m *Manager) closeGroupLocked(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, reason string) {
	if err := m.orderSvc.CancelAllForGroup(ctx, conn, group, group.Orders); err != nil {
		m.logger.Warn("Cancel-all during close had failures",
			"group_id", group.ID, "error", err.Error())
	}
	from := group.Status
	now := time.Now().UTC()
	group.Status = core.GroupStatusClosed
	group.UnrealizedPnLUSD = decimal.Zero
	group.UnrealizedPnLPct = decimal.Zero
	group.ClosedAt = &now
	m.broadcaster.SendStatusChange(group, from, core.GroupStatusClosed)
	m.broadcaster.SendExitSignal(group, group.RealizedPnLUSD)
	m.logger.Info("Position group closed", "group_id", group.ID, "reason", reason,
		"realized_pnl", group.RealizedPnLUSD.StringFixed(4))
}

// checkAggregateTP closes the whole group at market once the mark reaches
// avg_entry shifted by tp_aggregate_percent.
func (m *Manager) checkAggregateTP(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, replay ReplayResult, current decimal.Decimal) {
	if group.TPAggregatePercent.IsZero() || replay.Quantity.LessThanOrEqual(decimal.Zero) {
		return
	}

	pct := group.TPAggregatePercent
	if group.Side == core.SideSell {
		pct = pct.Neg()
	}
	target := tradingutils.ApplyPercent(replay.AvgEntry, pct)
	if !priceMet(current, target, group.Side) {
		return
	}

	m.logger.Info("Aggregate TP reached",
		"group_id", group.ID, "avg", replay.AvgEntry.String(),
		"target", target.String(), "current", current.String())

	if err := m.orderSvc.CancelAllForGroup(ctx, conn, group, group.Orders); err != nil {
		m.logger.Warn("Cancel-all before aggregate close had failures",
			"group_id", group.ID, "error", err.Error())
	}
	result, err := m.orderSvc.ClosePositionMarket(ctx, conn, group, replay.Quantity)
	if err != nil {
		m.logger.Error("Aggregate TP close failed", "group_id", group.ID, "error", err.Error())
		m.broadcaster.SendFailure(group.UserID, "aggregate tp close", err)
		return
	}

	exitPrice := current
	if result != nil && !result.Average.IsZero() {
		exitPrice = result.Average
	}
	pnl := exitPrice.Sub(replay.AvgEntry).Mul(replay.Quantity)
	if group.Side == core.SideSell {
		pnl = pnl.Neg()
	}
	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(pnl)
	group.TotalFilledQuantity = decimal.Zero

	now := time.Now().UTC()
	from := group.Status
	group.Status = core.GroupStatusClosed
	group.UnrealizedPnLUSD = decimal.Zero
	group.UnrealizedPnLPct = decimal.Zero
	group.ClosedAt = &now
	m.broadcaster.SendStatusChange(group, from, core.GroupStatusClosed)
	m.broadcaster.SendExitSignal(group, group.RealizedPnLUSD)
}

// evaluatePyramidAggregate closes each pyramid independently once its own
// weighted entry has moved by its TP percent, then closes the group when
// every pyramid is done.
func (m *Manager) evaluatePyramidAggregate(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, current decimal.Decimal) {
	byPyramid := make(map[string][]*core.DCAOrder)
	for _, o := range group.Orders {
		if o.IsEntryLeg() {
			byPyramid[o.PyramidID] = append(byPyramid[o.PyramidID], o)
		}
	}

	allDone := len(group.Pyramids) > 0
	for _, p := range group.Pyramids {
		if p.Status == core.PyramidStatusFilled {
			continue
		}

		var invested, qty decimal.Decimal
		var open []*core.DCAOrder
		for _, o := range byPyramid[p.ID] {
			if o.Status == core.OrderStatusFilled && !o.TPHit && o.FilledQuantity.GreaterThan(decimal.Zero) {
				price := o.AvgFillPrice
				if price.IsZero() {
					price = o.Price
				}
				invested = invested.Add(price.Mul(o.FilledQuantity))
				qty = qty.Add(o.FilledQuantity)
				open = append(open, o)
			}
		}
		if qty.LessThanOrEqual(decimal.Zero) {
			allDone = false
			continue
		}

		avg := invested.Div(qty)
		pct := group.TPAggregatePercent
		if specific, ok := p.DCAConfig.PyramidTPPercents[p.PyramidIndex]; ok {
			pct = specific
		}
		if pct.IsZero() {
			allDone = false
			continue
		}
		if group.Side == core.SideSell {
			pct = pct.Neg()
		}
		target := tradingutils.ApplyPercent(avg, pct)
		if !priceMet(current, target, group.Side) {
			allDone = false
			continue
		}

		for _, o := range open {
			if o.TPOrderID != "" {
				if _, err := m.orderSvc.CancelTPOrder(ctx, conn, o); err != nil {
					m.logger.Warn("Failed to cancel per-leg tp before pyramid close",
						"order_id", o.ID, "error", err.Error())
				}
			}
		}

		result, err := m.orderSvc.ClosePositionMarket(ctx, conn, group, qty)
		if err != nil {
			m.logger.Error("Pyramid close failed",
				"group_id", group.ID, "pyramid_index", p.PyramidIndex, "error", err.Error())
			allDone = false
			continue
		}

		exitPrice := current
		if result != nil && !result.Average.IsZero() {
			exitPrice = result.Average
		}
		pnl := exitPrice.Sub(avg).Mul(qty)
		if group.Side == core.SideSell {
			pnl = pnl.Neg()
		}
		group.RealizedPnLUSD = group.RealizedPnLUSD.Add(pnl)

		now := time.Now().UTC()
		for _, o := range open {
			o.TPHit = true
			o.TPExecutedAt = &now
			if err := m.orders.Update(ctx, o); err != nil {
				m.logger.Warn("Failed to mark pyramid leg tp_hit", "order_id", o.ID, "error", err.Error())
			}
		}
		p.Status = core.PyramidStatusFilled
		if err := m.pyramids.Update(ctx, p); err != nil {
			m.logger.Warn("Failed to advance pyramid", "pyramid_id", p.ID, "error", err.Error())
		}

		m.logger.Info("Pyramid TP executed",
			"group_id", group.ID, "pyramid_index", p.PyramidIndex,
			"avg", avg.String(), "exit", exitPrice.String(), "pnl", pnl.StringFixed(4))
	}

	if allDone {
		stillHeld := false
		for _, p := range group.Pyramids {
			if p.Status != core.PyramidStatusFilled {
				stillHeld = true
			}
		}
		if !stillHeld {
			m.closeGroupLocked(ctx, conn, group, "all pyramids took profit")
		}
	}
}

// priceMet reports whether the mark has reached the target in the profitable
// direction for the group's side.
func priceMet(current, target decimal.Decimal, side core.Side) bool {
	if side == core.SideSell {
		return current.LessThanOrEqual(target)
	}
	return current.GreaterThanOrEqual(target)
}

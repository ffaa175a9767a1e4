// Package order implements the single-order lifecycle: submission, cancel
// with verification, fill reconciliation, TP placement, and market execution.
package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/precision"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/retry"
	"trade_engine/pkg/telemetry"
	"trade_engine/pkg/tradingutils"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// CancellationStatus is the outcome of a cancel-with-verification attempt.
type CancellationStatus string

const (
	CancelSuccess            CancellationStatus = "success"
	CancelAlreadyCancelled   CancellationStatus = "already_cancelled"
	CancelAlreadyFilled      CancellationStatus = "already_filled"
	CancelNotFound           CancellationStatus = "not_found"
	CancelVerificationFailed CancellationStatus = "verification_failed"
)

// CancellationResult reports a cancel outcome. Verified is false when the
// cancel call succeeded but status verification timed out.
type CancellationResult struct {
	Status   CancellationStatus
	Verified bool
}

// Cancelled reports whether the order is off the book.
func (r *CancellationResult) Cancelled() bool {
	return r.Status == CancelSuccess || r.Status == CancelAlreadyCancelled || r.Status == CancelNotFound
}

// Service is the sole component that mutates a single order or calls the
// exchange for it.
type Service struct {
	orders    core.OrderRepository
	positions core.PositionRepository
	precision *precision.Cache
	limiter   *rate.Limiter
	cfg       config.OrdersConfig
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
}

// NewService wires the order service.
func NewService(
	orders core.OrderRepository,
	positions core.PositionRepository,
	precisionCache *precision.Cache,
	cfg config.OrdersConfig,
	logger core.ILogger,
) *Service {
	return &Service{
		orders:    orders,
		positions: positions,
		precision: precisionCache,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		cfg:       cfg,
		logger:    logger.WithField("component", "order_service"),
		metrics:   telemetry.GetGlobalMetrics(),
	}
}

// retryPolicy retries transient connectivity failures with exponential
// backoff and up to 50% jitter. Permanent errors fail the first attempt.
func (s *Service) retryPolicy() retrypolicy.RetryPolicy[*core.OrderResult] {
	base := time.Duration(s.cfg.BaseDelayMs) * time.Millisecond
	return retrypolicy.NewBuilder[*core.OrderResult]().
		HandleIf(func(_ *core.OrderResult, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(base, base*8).
		WithJitterFactor(0.5).
		WithMaxAttempts(s.cfg.MaxSubmitAttempts).
		Build()
}

// Submit sends an entry leg to the exchange. On success the order moves to
// open (or straight to filled for an immediately-executed market order). On
// permanent failure it is marked failed and the error propagates.
func (s *Service) Submit(ctx context.Context, conn core.ExchangeConnector, ord *core.DCAOrder) error {
	req := core.PlaceOrderRequest{
		Symbol:   ord.Symbol,
		Type:     strings.ToUpper(string(ord.OrderType)),
		Side:     strings.ToUpper(string(ord.Side)),
		Quantity: ord.Quantity,
		Price:    ord.Price,
	}

	result, err := failsafe.With[*core.OrderResult](s.retryPolicy()).
		WithContext(ctx).
		Get(func() (*core.OrderResult, error) {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return conn.PlaceOrder(ctx, req)
		})
	if err != nil {
		if apperrors.IsPrecisionError(err) {
			s.precision.Invalidate(conn.Name())
		}
		ord.Status = core.OrderStatusFailed
		if uerr := s.orders.Update(ctx, ord); uerr != nil {
			s.logger.Error("Failed to persist failed order", "order_id", ord.ID, "error", uerr.Error())
		}
		telemetry.AddCounter(ctx, s.metrics.OrdersFailedTotal)
		return fmt.Errorf("order submission failed for %s leg %d: %w", ord.Symbol, ord.LegIndex, err)
	}

	now := time.Now().UTC()
	ord.ExchangeOrderID = result.ID
	ord.SubmittedAt = &now
	ord.Status = core.OrderStatusOpen
	if mapped := mapExchangeStatus(result, ord.Quantity); mapped == core.OrderStatusFilled {
		// market orders can fill in the submission response
		ord.Status = core.OrderStatusFilled
		ord.FilledAt = &now
		s.applyFill(ctx, conn, ord, result)
	}

	if err := s.orders.Update(ctx, ord); err != nil {
		return fmt.Errorf("failed to persist submitted order %s: %w", ord.ID, err)
	}

	telemetry.AddCounter(ctx, s.metrics.OrdersPlacedTotal)
	s.logger.Info("Order submitted",
		"order_id", ord.ID, "exchange_order_id", result.ID,
		"symbol", ord.Symbol, "leg", ord.LegIndex, "status", string(ord.Status))
	return nil
}

// CheckStatus reconciles one order against the exchange. It returns whether
// the local record changed.
func (s *Service) CheckStatus(ctx context.Context, conn core.ExchangeConnector, ord *core.DCAOrder) (bool, error) {
	if ord.ExchangeOrderID == "" {
		return false, nil
	}

	result, err := conn.GetOrderStatus(ctx, ord.ExchangeOrderID, ord.Symbol)
	if err != nil {
		if apperrors.IsOrderNotFound(err) {
			// pruned from the exchange's book; treat as cancelled
			now := time.Now().UTC()
			ord.Status = core.OrderStatusCancelled
			ord.CancelledAt = &now
			return true, s.orders.Update(ctx, ord)
		}
		return false, err
	}

	newStatus := mapExchangeStatus(result, ord.Quantity)
	fill := s.resolveFill(ctx, conn, ord, result)
	if newStatus == ord.Status && fill.quantity.Equal(ord.FilledQuantity) {
		return false, nil
	}

	prev := ord.Status
	ord.Status = newStatus
	switch newStatus {
	case core.OrderStatusFilled, core.OrderStatusPartiallyFilled:
		fill.apply(ord)
		if newStatus == core.OrderStatusFilled && ord.FilledAt == nil {
			now := time.Now().UTC()
			ord.FilledAt = &now
			telemetry.AddCounter(ctx, s.metrics.OrdersFilledTotal)
		}
	case core.OrderStatusCancelled:
		if ord.CancelledAt == nil {
			now := time.Now().UTC()
			ord.CancelledAt = &now
		}
	}

	if err := s.orders.Update(ctx, ord); err != nil {
		return false, err
	}
	s.logger.Debug("Order status updated",
		"order_id", ord.ID, "from", string(prev), "to", string(newStatus),
		"filled", ord.FilledQuantity.String())
	return true, nil
}

type fillState struct {
	quantity    decimal.Decimal
	avgPrice    decimal.Decimal
	fee         decimal.Decimal
	feeCurrency string
}

func (f fillState) apply(ord *core.DCAOrder) {
	ord.FilledQuantity = f.quantity
	ord.AvgFillPrice = f.avgPrice
	ord.Fee = f.fee
	ord.FeeCurrency = f.feeCurrency
}

// resolveFill computes fill quantity and fees from the exchange result. When
// the fee is charged in the base asset the exchange delivers qty minus fee,
// so the receivable amount is what gets stored as filled_quantity.
func (s *Service) resolveFill(ctx context.Context, conn core.ExchangeConnector, ord *core.DCAOrder, result *core.OrderResult) fillState {
	filled := result.Filled
	avg := result.Average
	if avg.IsZero() {
		avg = ord.Price
	}

	fee, feeCurrency := extractFee(result)
	if fee.IsZero() && !filled.IsZero() {
		if rate, err := conn.GetTradingFeeRate(ctx, ord.Symbol); err == nil {
			fee = filled.Mul(avg).Mul(rate)
			feeCurrency = quoteAsset(ord.Symbol)
		}
	}

	if feeCurrency != "" && feeCurrency == baseAsset(ord.Symbol) && ord.Side == core.SideBuy {
		filled = filled.Sub(fee)
	}

	return fillState{quantity: filled, avgPrice: avg, fee: fee, feeCurrency: feeCurrency}
}

func (s *Service) applyFill(ctx context.Context, conn core.ExchangeConnector, ord *core.DCAOrder, result *core.OrderResult) {
	s.resolveFill(ctx, conn, ord, result).apply(ord)
}

// CancelWithVerification cancels an order and polls the exchange until the
// cancel is confirmed. Progressive delays: verification_delay * (attempt+1).
func (s *Service) CancelWithVerification(ctx context.Context, conn core.ExchangeConnector, ord *core.DCAOrder) (*CancellationResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cancelErr := conn.CancelOrder(ctx, ord.ExchangeOrderID, ord.Symbol)
	notFoundOnCancel := apperrors.IsOrderNotFound(cancelErr)
	if cancelErr != nil && !notFoundOnCancel {
		return nil, fmt.Errorf("cancel failed for order %s: %w", ord.ExchangeOrderID, cancelErr)
	}

	var verdict *CancellationResult
	interval := time.Duration(s.cfg.VerificationDelayMs) * time.Millisecond
	err := retry.Poll(ctx, s.cfg.MaxVerificationAttempts, interval, func(int) (bool, error) {
		result, err := conn.GetOrderStatus(ctx, ord.ExchangeOrderID, ord.Symbol)
		if err != nil {
			if apperrors.IsOrderNotFound(err) {
				if notFoundOnCancel {
					verdict = &CancellationResult{Status: CancelNotFound, Verified: true}
				} else {
					verdict = &CancellationResult{Status: CancelAlreadyCancelled, Verified: true}
				}
				return true, nil
			}
			return false, nil
		}
		switch strings.ToLower(result.Status) {
		case "canceled", "cancelled":
			verdict = &CancellationResult{Status: CancelSuccess, Verified: true}
			return true, nil
		case "expired", "rejected":
			verdict = &CancellationResult{Status: CancelAlreadyCancelled, Verified: true}
			return true, nil
		case "closed", "filled":
			verdict = &CancellationResult{Status: CancelAlreadyFilled, Verified: true}
			return true, nil
		}
		return false, nil
	})
	if err != nil && verdict == nil {
		return nil, err
	}

	if verdict == nil {
		// cancel was accepted but the book never confirmed in time
		if cancelErr == nil {
			verdict = &CancellationResult{Status: CancelSuccess, Verified: false}
		} else {
			verdict = &CancellationResult{Status: CancelVerificationFailed, Verified: false}
		}
	}

	if verdict.Cancelled() {
		now := time.Now().UTC()
		ord.Status = core.OrderStatusCancelled
		ord.CancelledAt = &now
		if err := s.orders.Update(ctx, ord); err != nil {
			return verdict, err
		}
		telemetry.AddCounter(ctx, s.metrics.OrdersCancelled)
	}
	return verdict, nil
}

// PlaceTPOrder places the per-leg take-profit for a filled entry leg. The
// operation is idempotent: a leg that already carries a tp_order_id is left
// alone.
func (s *Service) PlaceTPOrder(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, ord *core.DCAOrder, adjustToFill bool) error {
	if ord.TPOrderID != "" {
		return nil
	}
	if ord.FilledQuantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("cannot place tp for order %s with zero filled quantity", ord.ID)
	}

	rule := s.precision.RuleFor(ctx, conn, ord.Symbol)

	tpPrice := ord.TPPrice
	if adjustToFill && !ord.AvgFillPrice.IsZero() {
		tpPrice = tradingutils.ApplyPercent(ord.AvgFillPrice, ord.TPPercent)
	}
	tpPrice = tradingutils.RoundDownToTick(tpPrice, rule.TickSize)

	qty := tradingutils.RoundDownToStep(ord.FilledQuantity, rule.StepSize)
	if qty.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("tp quantity rounds to zero for order %s", ord.ID)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	result, err := conn.PlaceOrder(ctx, core.PlaceOrderRequest{
		Symbol:   ord.Symbol,
		Type:     "LIMIT",
		Side:     strings.ToUpper(string(ord.Side.Opposite())),
		Quantity: qty,
		Price:    tpPrice,
	})
	if err != nil {
		if apperrors.IsPrecisionError(err) {
			s.precision.Invalidate(conn.Name())
		}
		return fmt.Errorf("tp placement failed for order %s: %w", ord.ID, err)
	}

	ord.TPOrderID = result.ID
	if err := s.orders.Update(ctx, ord); err != nil {
		return err
	}
	s.logger.Info("TP order placed",
		"group_id", group.ID, "order_id", ord.ID, "tp_order_id", result.ID,
		"tp_price", tpPrice.String(), "quantity", qty.String())
	return nil
}

// CheckTPOrder polls the leg's TP order. On a TP fill it marks the leg,
// books the realized PnL on the group, and appends a synthetic leg-999
// audit record.
func (s *Service) CheckTPOrder(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, ord *core.DCAOrder) (bool, error) {
	if ord.TPOrderID == "" || ord.TPHit {
		return false, nil
	}

	result, err := conn.GetOrderStatus(ctx, ord.TPOrderID, ord.Symbol)
	if err != nil {
		if apperrors.IsOrderNotFound(err) {
			s.logger.Warn("TP order missing on exchange, clearing for re-place",
				"order_id", ord.ID, "tp_order_id", ord.TPOrderID)
			ord.TPOrderID = ""
			return false, s.orders.Update(ctx, ord)
		}
		return false, err
	}
	if mapExchangeStatus(result, ord.FilledQuantity) != core.OrderStatusFilled {
		return false, nil
	}

	now := time.Now().UTC()
	ord.TPHit = true
	ord.TPExecutedAt = &now
	if err := s.orders.Update(ctx, ord); err != nil {
		return false, err
	}

	exitPrice := result.Average
	if exitPrice.IsZero() {
		exitPrice = ord.TPPrice
	}
	pnl := exitPrice.Sub(ord.AvgFillPrice).Mul(ord.FilledQuantity)
	if ord.Side == core.SideSell {
		pnl = pnl.Neg()
	}
	group.RealizedPnLUSD = group.RealizedPnLUSD.Add(pnl)

	audit := &core.DCAOrder{
		ID:              uuid.NewString(),
		GroupID:         group.ID,
		PyramidID:       ord.PyramidID,
		UserID:          ord.UserID,
		Exchange:        ord.Exchange,
		LegIndex:        core.TPFillLegIndex,
		Symbol:          ord.Symbol,
		Side:            ord.Side,
		OrderType:       core.OrderTypeLimit,
		Price:           ord.TPPrice,
		Quantity:        ord.FilledQuantity,
		ExchangeOrderID: ord.TPOrderID,
		FilledQuantity:  result.Filled,
		AvgFillPrice:    exitPrice,
		Status:          core.OrderStatusFilled,
		FilledAt:        &now,
	}
	if err := s.orders.Create(ctx, audit); err != nil {
		s.logger.Error("Failed to record tp fill audit", "order_id", ord.ID, "error", err.Error())
	}

	telemetry.AddCounter(ctx, s.metrics.TPHitsTotal)
	s.logger.Info("TP hit",
		"group_id", group.ID, "order_id", ord.ID, "leg", ord.LegIndex,
		"exit_price", exitPrice.String(), "pnl", pnl.StringFixed(4))
	return true, nil
}

// HandleStaleTP deals with a TP that has sat unfilled past the staleness
// threshold. action "replace" cancels and re-places at the current price plus
// the leg's TP percent; "market_close" liquidates the leg's held quantity.
func (s *Service) HandleStaleTP(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, ord *core.DCAOrder, action string) error {
	res, err := s.CancelTPOrder(ctx, conn, ord)
	if err != nil {
		return err
	}
	if res.Status == CancelAlreadyFilled {
		return nil
	}

	switch action {
	case "market_close":
		_, err := s.PlaceMarketOrder(ctx, conn, MarketOrderParams{
			Group:       group,
			Symbol:      ord.Symbol,
			Side:        ord.Side.Opposite(),
			Quantity:    ord.FilledQuantity,
			RecordAudit: true,
		})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		ord.TPHit = true
		ord.TPExecutedAt = &now
		return s.orders.Update(ctx, ord)
	default: // replace
		current, err := conn.GetCurrentPrice(ctx, ord.Symbol)
		if err != nil {
			return err
		}
		rule := s.precision.RuleFor(ctx, conn, ord.Symbol)
		ord.TPPrice = tradingutils.RoundDownToTick(
			tradingutils.ApplyPercent(current, ord.TPPercent), rule.TickSize)
		if err := s.orders.Update(ctx, ord); err != nil {
			return err
		}
		return s.PlaceTPOrder(ctx, conn, group, ord, false)
	}
}

// CancelTPOrder cancels a leg's TP order and clears tp_order_id, unless the
// TP turns out to have filled already.
func (s *Service) CancelTPOrder(ctx context.Context, conn core.ExchangeConnector, ord *core.DCAOrder) (*CancellationResult, error) {
	tp := &core.DCAOrder{
		ID:              ord.ID,
		ExchangeOrderID: ord.TPOrderID,
		Symbol:          ord.Symbol,
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cancelErr := conn.CancelOrder(ctx, tp.ExchangeOrderID, tp.Symbol)
	if cancelErr != nil && !apperrors.IsOrderNotFound(cancelErr) {
		return nil, cancelErr
	}

	result, err := conn.GetOrderStatus(ctx, tp.ExchangeOrderID, tp.Symbol)
	if err == nil && mapExchangeStatus(result, ord.FilledQuantity) == core.OrderStatusFilled {
		return &CancellationResult{Status: CancelAlreadyFilled, Verified: true}, nil
	}

	ord.TPOrderID = ""
	if err := s.orders.Update(ctx, ord); err != nil {
		return nil, err
	}
	return &CancellationResult{Status: CancelSuccess, Verified: true}, nil
}

// MarketOrderParams parameterizes PlaceMarketOrder.
type MarketOrderParams struct {
	Group       *core.PositionGroup
	Symbol      string
	Side        core.Side
	Quantity    decimal.Decimal
	AmountType  core.AmountType
	// ExpectedPrice enables the slippage checks when non-zero.
	ExpectedPrice  decimal.Decimal
	MaxSlippagePct decimal.Decimal
	SlippageAction string // "warn" or "reject"
	RecordAudit    bool
}

// PlaceMarketOrder executes a market order with optional pre- and
// post-execution slippage checks. The pre-check can reject; the post-check
// only logs under "warn" since the trade already executed.
func (s *Service) PlaceMarketOrder(ctx context.Context, conn core.ExchangeConnector, p MarketOrderParams) (*core.OrderResult, error) {
	if p.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("market order quantity must be positive, got %s", p.Quantity)
	}

	if !p.ExpectedPrice.IsZero() && !p.MaxSlippagePct.IsZero() {
		mark, err := conn.GetCurrentPrice(ctx, p.Symbol)
		if err == nil {
			slip := tradingutils.PercentChange(p.ExpectedPrice, mark).Abs()
			if slip.GreaterThan(p.MaxSlippagePct) {
				serr := &apperrors.SlippageExceededError{
					Symbol:        p.Symbol,
					ExpectedPrice: p.ExpectedPrice,
					ActualPrice:   mark,
					SlippagePct:   slip,
					MaxSlippage:   p.MaxSlippagePct,
				}
				if p.SlippageAction == "reject" {
					return nil, serr
				}
				s.logger.Warn("Pre-execution slippage breach", "error", serr.Error())
			}
		}
	}

	amountType := p.AmountType
	if amountType == "" {
		amountType = core.AmountBase
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := failsafe.With[*core.OrderResult](s.retryPolicy()).
		WithContext(ctx).
		Get(func() (*core.OrderResult, error) {
			return conn.PlaceOrder(ctx, core.PlaceOrderRequest{
				Symbol:     p.Symbol,
				Type:       "MARKET",
				Side:       strings.ToUpper(string(p.Side)),
				Quantity:   p.Quantity,
				AmountType: amountType,
			})
		})
	if err != nil {
		if apperrors.IsPrecisionError(err) {
			s.precision.Invalidate(conn.Name())
		}
		return nil, fmt.Errorf("market order failed for %s: %w", p.Symbol, err)
	}

	if !p.ExpectedPrice.IsZero() && !p.MaxSlippagePct.IsZero() && !result.Average.IsZero() {
		slip := tradingutils.PercentChange(p.ExpectedPrice, result.Average).Abs()
		if slip.GreaterThan(p.MaxSlippagePct) {
			serr := &apperrors.SlippageExceededError{
				Symbol:        p.Symbol,
				ExpectedPrice: p.ExpectedPrice,
				ActualPrice:   result.Average,
				SlippagePct:   slip,
				MaxSlippage:   p.MaxSlippagePct,
			}
			if p.SlippageAction == "reject" {
				s.logger.Error("Post-execution slippage breach", "error", serr.Error())
				return result, serr
			}
			s.logger.Warn("Post-execution slippage breach", "error", serr.Error())
		}
	}

	if p.RecordAudit && p.Group != nil {
		now := time.Now().UTC()
		audit := &core.DCAOrder{
			ID:              uuid.NewString(),
			GroupID:         p.Group.ID,
			UserID:          p.Group.UserID,
			Exchange:        p.Group.Exchange,
			LegIndex:        core.MarketCloseLegIndex,
			Symbol:          p.Symbol,
			Side:            p.Side,
			OrderType:       core.OrderTypeMarket,
			Quantity:        p.Quantity,
			ExchangeOrderID: result.ID,
			FilledQuantity:  result.Filled,
			AvgFillPrice:    result.Average,
			Status:          core.OrderStatusFilled,
			FilledAt:        &now,
		}
		if err := s.orders.Create(ctx, audit); err != nil {
			s.logger.Error("Failed to record market close audit",
				"group_id", p.Group.ID, "error", err.Error())
		}
	}

	telemetry.AddCounter(ctx, s.metrics.OrdersPlacedTotal)
	return result, nil
}

// CancelAllForGroup cancels every working entry order and every TP attached
// to a filled leg. trigger_pending legs are only local and are cancelled
// without an exchange call.
func (s *Service) CancelAllForGroup(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, orders []*core.DCAOrder) error {
	var firstErr error
	for _, ord := range orders {
		if !ord.IsEntryLeg() {
			continue
		}
		switch ord.Status {
		case core.OrderStatusTriggerPending:
			now := time.Now().UTC()
			ord.Status = core.OrderStatusCancelled
			ord.CancelledAt = &now
			if err := s.orders.Update(ctx, ord); err != nil && firstErr == nil {
				firstErr = err
			}
		case core.OrderStatusOpen, core.OrderStatusPartiallyFilled:
			if _, err := s.CancelWithVerification(ctx, conn, ord); err != nil {
				s.logger.Warn("Failed to cancel entry order",
					"group_id", group.ID, "order_id", ord.ID, "error", err.Error())
				if firstErr == nil {
					firstErr = err
				}
			}
		case core.OrderStatusFilled:
			if ord.TPOrderID != "" && !ord.TPHit {
				if _, err := s.CancelTPOrder(ctx, conn, ord); err != nil {
					s.logger.Warn("Failed to cancel tp order",
						"group_id", group.ID, "order_id", ord.ID, "error", err.Error())
					if firstErr == nil {
						firstErr = err
					}
				}
			}
		}
	}
	return firstErr
}

// ClosePositionMarket liquidates a quantity of the group's held position at
// market, on the side opposite the group's recorded side.
func (s *Service) ClosePositionMarket(ctx context.Context, conn core.ExchangeConnector, group *core.PositionGroup, qty decimal.Decimal) (*core.OrderResult, error) {
	return s.PlaceMarketOrder(ctx, conn, MarketOrderParams{
		Group:          group,
		Symbol:         group.Symbol,
		Side:           group.Side.Opposite(),
		Quantity:       qty,
		ExpectedPrice:  group.WeightedAvgEntry,
		MaxSlippagePct: decimal.NewFromFloat(s.cfg.MaxSlippagePercent),
		SlippageAction: s.cfg.SlippageAction,
		RecordAudit:    true,
	})
}

// ExecuteForceClose validates ownership and state, then parks the group in
// closing; the monitor or exit handler performs the actual liquidation.
func (s *Service) ExecuteForceClose(ctx context.Context, group *core.PositionGroup, userID string) error {
	if group.UserID != userID {
		return fmt.Errorf("group %s does not belong to user %s", group.ID, userID)
	}
	if group.Status.IsTerminal() {
		return fmt.Errorf("group %s is already %s", group.ID, group.Status)
	}
	if group.Status == core.GroupStatusClosing {
		return nil
	}
	group.Status = core.GroupStatusClosing
	return s.positions.Update(ctx, group)
}

// mapExchangeStatus translates the unified exchange vocabulary to the
// internal state machine.
func mapExchangeStatus(result *core.OrderResult, quantity decimal.Decimal) core.OrderStatus {
	switch strings.ToLower(result.Status) {
	case "closed", "filled":
		return core.OrderStatusFilled
	case "canceled", "cancelled", "expired", "rejected":
		return core.OrderStatusCancelled
	case "new", "open", "partially_filled":
		if result.Filled.GreaterThan(decimal.Zero) && result.Filled.LessThan(quantity) {
			return core.OrderStatusPartiallyFilled
		}
		return core.OrderStatusOpen
	default:
		return core.OrderStatusOpen
	}
}

// extractFee pulls the fee from the unified fields, preferring the raw
// per-currency cumFeeDetail when present since at least one exchange
// misreports the unified fee.
func extractFee(result *core.OrderResult) (decimal.Decimal, string) {
	if result.Info != nil {
		if raw, ok := result.Info["cumFeeDetail"]; ok {
			if detail, ok := raw.(map[string]interface{}); ok {
				best := decimal.Zero
				currency := ""
				for cur, amount := range detail {
					d := toDecimal(amount)
					if d.GreaterThan(best) {
						best = d
						currency = cur
					}
				}
				if currency != "" {
					return best, currency
				}
			}
		}
	}
	return result.Fee, result.FeeCurrency
}

func toDecimal(v interface{}) decimal.Decimal {
	switch t := v.(type) {
	case string:
		if d, err := decimal.NewFromString(t); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	case int:
		return decimal.NewFromInt(int64(t))
	case int64:
		return decimal.NewFromInt(t)
	case decimal.Decimal:
		return t
	}
	return decimal.Zero
}

func baseAsset(symbol string) string  { return tradingutils.BaseAsset(symbol) }
func quoteAsset(symbol string) string { return tradingutils.QuoteAsset(symbol) }

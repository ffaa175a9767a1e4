// Package mock provides test doubles for the exchange boundary.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"

	"github.com/shopspring/decimal"
)

// Exchange implements core.ExchangeConnector for testing. All mutating calls
// are recorded; responses can be scripted per order.
type Exchange struct {
	name string

	mu               sync.Mutex
	prices           map[string]decimal.Decimal
	rules            map[string]core.PrecisionRule
	failPrecision    bool
	precisionFetches int
	feeRate          decimal.Decimal
	freeBalance      map[string]decimal.Decimal
	balances         map[string]core.Balance
	positions        []core.SpotPosition

	nextID      int
	placed      []core.PlaceOrderRequest
	placeErrs   []error
	placeQueue  []*core.OrderResult
	statusQueue map[string][]*core.OrderResult
	statuses    map[string]*core.OrderResult
	cancelErrs  map[string]error
	cancelled   []string
	closed      bool
}

// NewExchange creates a mock connector named after an exchange.
func NewExchange(name string) *Exchange {
	return &Exchange{
		name:        name,
		prices:      make(map[string]decimal.Decimal),
		rules:       make(map[string]core.PrecisionRule),
		feeRate:     decimal.RequireFromString("0.001"),
		freeBalance: make(map[string]decimal.Decimal),
		balances:    make(map[string]core.Balance),
		nextID:      1000,
		statusQueue: make(map[string][]*core.OrderResult),
		statuses:    make(map[string]*core.OrderResult),
		cancelErrs:  make(map[string]error),
	}
}

// --- scripting helpers ---

func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *Exchange) SetPrecisionRule(symbol string, rule core.PrecisionRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[symbol] = rule
}

func (m *Exchange) FailPrecision(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPrecision = fail
}

func (m *Exchange) PrecisionFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.precisionFetches
}

func (m *Exchange) SetFeeRate(rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate = rate
}

func (m *Exchange) SetFreeBalance(currency string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeBalance[currency] = amount
}

func (m *Exchange) SetPositions(positions []core.SpotPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// QueuePlaceError makes the next PlaceOrder calls fail with the given errors
// in order, then succeed.
func (m *Exchange) QueuePlaceError(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErrs = append(m.placeErrs, errs...)
}

// QueuePlaceResult overrides the result of upcoming PlaceOrder calls.
func (m *Exchange) QueuePlaceResult(results ...*core.OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeQueue = append(m.placeQueue, results...)
}

// SetOrderStatus pins the result returned by GetOrderStatus for an order.
func (m *Exchange) SetOrderStatus(orderID string, result *core.OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[orderID] = result
}

// QueueOrderStatus scripts a sequence of GetOrderStatus results for an order;
// the last one sticks.
func (m *Exchange) QueueOrderStatus(orderID string, results ...*core.OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusQueue[orderID] = append(m.statusQueue[orderID], results...)
}

// SetCancelError scripts the error returned by CancelOrder for an order.
func (m *Exchange) SetCancelError(orderID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErrs[orderID] = err
}

func (m *Exchange) PlacedOrders() []core.PlaceOrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.PlaceOrderRequest, len(m.placed))
	copy(out, m.placed)
	return out
}

func (m *Exchange) CancelledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

func (m *Exchange) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// --- core.ExchangeConnector ---

func (m *Exchange) Name() string { return m.name }

func (m *Exchange) PlaceOrder(_ context.Context, req core.PlaceOrderRequest) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	m.placed = append(m.placed, req)

	if len(m.placeQueue) > 0 {
		res := m.placeQueue[0]
		m.placeQueue = m.placeQueue[1:]
		if res.ID == "" {
			m.nextID++
			res.ID = fmt.Sprintf("EX-%d", m.nextID)
		}
		m.statuses[res.ID] = res
		return res, nil
	}

	m.nextID++
	id := fmt.Sprintf("EX-%d", m.nextID)

	res := &core.OrderResult{ID: id, Status: "new"}
	if strings.EqualFold(req.Type, "MARKET") {
		// market orders fill immediately at the current price
		price := m.prices[req.Symbol]
		qty := req.Quantity
		if req.AmountType == core.AmountQuote && !price.IsZero() {
			qty = req.Quantity.Div(price)
		}
		res.Status = "closed"
		res.Filled = qty
		res.Average = price
	}
	m.statuses[id] = res
	return res, nil
}

func (m *Exchange) CancelOrder(_ context.Context, orderID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.cancelErrs[orderID]; ok {
		return err
	}

	m.cancelled = append(m.cancelled, orderID)
	if s, ok := m.statuses[orderID]; ok {
		s.Status = "canceled"
	} else {
		m.statuses[orderID] = &core.OrderResult{ID: orderID, Status: "canceled"}
	}
	return nil
}

func (m *Exchange) GetOrderStatus(_ context.Context, orderID, _ string) (*core.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if queue, ok := m.statusQueue[orderID]; ok && len(queue) > 0 {
		res := queue[0]
		if len(queue) > 1 {
			m.statusQueue[orderID] = queue[1:]
		}
		m.statuses[orderID] = res
		return res, nil
	}

	if s, ok := m.statuses[orderID]; ok {
		return s, nil
	}
	return nil, apperrors.ErrOrderNotFound
}

func (m *Exchange) GetCurrentPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[symbol]
	if !ok {
		return decimal.Zero, &apperrors.APIError{Message: "no ticker for " + symbol}
	}
	return price, nil
}

func (m *Exchange) GetAllTickers(_ context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.prices))
	for k, v := range m.prices {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) GetPrecisionRules(_ context.Context) (map[string]core.PrecisionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.precisionFetches++
	if m.failPrecision {
		return nil, &apperrors.ConnectionError{Err: fmt.Errorf("exchange info unavailable")}
	}
	out := make(map[string]core.PrecisionRule, len(m.rules))
	for k, v := range m.rules {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) GetTradingFeeRate(_ context.Context, _ string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feeRate, nil
}

func (m *Exchange) FetchFreeBalance(_ context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.freeBalance))
	for k, v := range m.freeBalance {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) FetchBalance(_ context.Context) (map[string]core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) GetPositions(_ context.Context) ([]core.SpotPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.SpotPosition, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

func (m *Exchange) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Factory hands out a fixed connector per exchange, for tests.
type Factory struct {
	mu         sync.Mutex
	connectors map[string]*Exchange
}

func NewFactory() *Factory {
	return &Factory{connectors: make(map[string]*Exchange)}
}

// Register pins the connector returned for an exchange name.
func (f *Factory) Register(exchange string, conn *Exchange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectors[exchange] = conn
}

func (f *Factory) Acquire(_ context.Context, _ *core.User, exchange string) (core.ExchangeConnector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.connectors[exchange]
	if !ok {
		return nil, fmt.Errorf("no connector registered for %s", exchange)
	}
	return conn, nil
}

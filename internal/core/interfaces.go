package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AmountType selects how a market order's size is expressed.
type AmountType string

const (
	AmountBase  AmountType = "base"
	AmountQuote AmountType = "quote"
)

// PlaceOrderRequest is the uniform order submission envelope.
type PlaceOrderRequest struct {
	Symbol     string
	Type       string // "LIMIT", "MARKET"
	Side       string // "BUY", "SELL"
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	AmountType AmountType
}

// OrderResult is the uniform envelope returned by order calls. Info carries
// the raw exchange payload for fields the unified mapping cannot express.
type OrderResult struct {
	ID          string
	Status      string
	Filled      decimal.Decimal
	Average     decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Info        map[string]interface{}
}

// ExchangeConnector is a CCXT-style facade over one exchange account. One
// connector per (user, exchange) per monitor cycle; never shared across users.
type ExchangeConnector interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*OrderResult, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error)
	GetPrecisionRules(ctx context.Context) (map[string]PrecisionRule, error)
	GetTradingFeeRate(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	GetPositions(ctx context.Context) ([]SpotPosition, error)
	Close() error
}

// ConnectorFactory resolves a connector for a user's credentials on an
// exchange.
type ConnectorFactory interface {
	Acquire(ctx context.Context, user *User, exchange string) (ExchangeConnector, error)
}

// Broadcaster is a best-effort, fire-and-forget notification sink. It must
// never raise into callers; failures are handled inside the implementation.
type Broadcaster interface {
	SendEntrySignal(group *PositionGroup, legs []*DCAOrder)
	SendExitSignal(group *PositionGroup, realizedPnL decimal.Decimal)
	SendDCAFill(group *PositionGroup, order *DCAOrder)
	SendStatusChange(group *PositionGroup, from, to GroupStatus)
	SendTPHit(group *PositionGroup, order *DCAOrder)
	SendRiskEvent(userID, event string, details map[string]string)
	SendFailure(userID, context string, err error)
	SendPyramidAdded(group *PositionGroup, pyramidIndex int)
	SaveMessageID(group *PositionGroup, messageID int)
}

// Cache is the injected cache boundary (health reporting, dedup locks,
// precision rules). Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if absent and reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// PositionRepository is the persistence boundary for position groups.
type PositionRepository interface {
	Create(ctx context.Context, group *PositionGroup) error
	Update(ctx context.Context, group *PositionGroup) error
	Get(ctx context.Context, id string) (*PositionGroup, error)
	// GetWithOrders reloads the group together with its pyramids and orders.
	GetWithOrders(ctx context.Context, id string) (*PositionGroup, error)
	GetActiveByUser(ctx context.Context, userID string) ([]*PositionGroup, error)
	GetClosedByUser(ctx context.Context, userID string) ([]*PositionGroup, error)
	CountActiveByTuple(ctx context.Context, userID, exchange, symbol, timeframe string) (int64, error)
	// IncrementPyramidCount atomically bumps pyramid_count and total_dca_legs
	// and returns the new pyramid count.
	IncrementPyramidCount(ctx context.Context, groupID string, additionalLegs int) (int, error)
	GetDailyRealizedPnL(ctx context.Context, userID string) (decimal.Decimal, error)
}

// OrderRepository is the persistence boundary for DCA orders.
type OrderRepository interface {
	Create(ctx context.Context, order *DCAOrder) error
	CreateBatch(ctx context.Context, orders []*DCAOrder) error
	Update(ctx context.Context, order *DCAOrder) error
	Get(ctx context.Context, id string) (*DCAOrder, error)
	GetByGroup(ctx context.Context, groupID string) ([]*DCAOrder, error)
	// GetAllOpenForAllUsers returns every non-terminal order grouped by user.
	GetAllOpenForAllUsers(ctx context.Context) (map[string][]*DCAOrder, error)
}

// PyramidRepository is the persistence boundary for pyramids.
type PyramidRepository interface {
	Create(ctx context.Context, pyramid *Pyramid) error
	Update(ctx context.Context, pyramid *Pyramid) error
	GetByGroup(ctx context.Context, groupID string) ([]*Pyramid, error)
	// Delete removes the local record only; exchange orders are untouched.
	Delete(ctx context.Context, id string) error
}

// SignalRepository is the persistence boundary for queued signals.
type SignalRepository interface {
	Enqueue(ctx context.Context, signal *QueuedSignal) error
	Update(ctx context.Context, signal *QueuedSignal) error
	GetQueuedByUser(ctx context.Context, userID string) ([]*QueuedSignal, error)
}

// RiskActionRepository is the append-only audit store for risk interventions.
type RiskActionRepository interface {
	Create(ctx context.Context, action *RiskAction) error
	GetByUser(ctx context.Context, userID string, limit int) ([]*RiskAction, error)
}

// UserRepository is the persistence boundary for users.
type UserRepository interface {
	Get(ctx context.Context, id string) (*User, error)
	GetActive(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, user *User) error
}

// ILogger is the structured logging facade used across components.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Package core defines the domain entities and interfaces for the DCA trading engine
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order or position
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType of a DCA leg
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the DCA order state machine. Transitions are forward-only:
//
//	pending -> open -> partially_filled -> filled
//	trigger_pending -> (submit path)
//	open|partially_filled -> cancelled
//	pending|trigger_pending -> failed
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusTriggerPending  OrderStatus = "trigger_pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusFailed          OrderStatus = "failed"
)

// IsTerminal reports whether the entry leg can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

// GroupStatus is the position group lifecycle.
type GroupStatus string

const (
	GroupStatusLive            GroupStatus = "live"
	GroupStatusPartiallyFilled GroupStatus = "partially_filled"
	GroupStatusActive          GroupStatus = "active"
	GroupStatusClosing         GroupStatus = "closing"
	GroupStatusClosed          GroupStatus = "closed"
	GroupStatusFailed          GroupStatus = "failed"
)

// IsTerminal reports whether the group is done trading.
func (s GroupStatus) IsTerminal() bool {
	return s == GroupStatusClosed || s == GroupStatusFailed
}

// TPMode selects how take-profit exits are driven for a group.
type TPMode string

const (
	TPModePerLeg           TPMode = "per_leg"
	TPModeAggregate        TPMode = "aggregate"
	TPModeHybrid           TPMode = "hybrid"
	TPModePyramidAggregate TPMode = "pyramid_aggregate"
)

// Reserved leg indexes
const (
	// TPFillLegIndex marks a synthetic record for a TP fill.
	TPFillLegIndex = 999
	// MarketCloseLegIndex marks an ad-hoc market close audit record.
	MarketCloseLegIndex = -1
)

// PyramidStatus tracks a single entry wave.
type PyramidStatus string

const (
	PyramidStatusPending   PyramidStatus = "pending"
	PyramidStatusSubmitted PyramidStatus = "submitted"
	PyramidStatusFilled    PyramidStatus = "filled"
)

// SignalStatus tracks a queued inbound signal.
type SignalStatus string

const (
	SignalStatusQueued    SignalStatus = "queued"
	SignalStatusPromoted  SignalStatus = "promoted"
	SignalStatusCancelled SignalStatus = "cancelled"
)

// RiskActionType classifies a risk engine intervention.
type RiskActionType string

const (
	RiskActionOffsetLoss      RiskActionType = "offset_loss"
	RiskActionManualClose     RiskActionType = "manual_close"
	RiskActionEngineClose     RiskActionType = "engine_close"
	RiskActionTPExit          RiskActionType = "tp_exit"
	RiskActionRiskOffsetClose RiskActionType = "risk_offset_close"
)

// TimerStartCondition selects when a group's risk timer begins.
type TimerStartCondition string

const (
	TimerAfterFivePyramids TimerStartCondition = "after_5_pyramids"
	TimerAfterAllSubmitted TimerStartCondition = "after_all_dca_submitted"
	TimerAfterAllFilled    TimerStartCondition = "after_all_dca_filled"
)

// DCALevel describes one leg of a grid: the gap below the base entry, the
// share of the allocated capital, and the leg's take-profit percent.
type DCALevel struct {
	GapPercent    decimal.Decimal `json:"gap_percent" yaml:"gap_percent"`
	WeightPercent decimal.Decimal `json:"weight_percent" yaml:"weight_percent"`
	TPPercent     decimal.Decimal `json:"tp_percent" yaml:"tp_percent"`
}

// DCAGridConfig is the per-user grid policy. A snapshot of it is embedded in
// every pyramid so later config edits never change an in-flight wave.
type DCAGridConfig struct {
	EntryOrderType         OrderType               `json:"entry_order_type" yaml:"entry_order_type"`
	TotalCapitalUSD        decimal.Decimal         `json:"total_capital_usd" yaml:"total_capital_usd"`
	Levels                 []DCALevel              `json:"dca_levels" yaml:"dca_levels"`
	PyramidSpecificLevels  map[int][]DCALevel      `json:"pyramid_specific_levels,omitempty" yaml:"pyramid_specific_levels,omitempty"`
	PyramidTPPercents      map[int]decimal.Decimal `json:"pyramid_tp_percents,omitempty" yaml:"pyramid_tp_percents,omitempty"`
	TPMode                 TPMode                  `json:"tp_mode" yaml:"tp_mode"`
	TPAggregatePercent     decimal.Decimal         `json:"tp_aggregate_percent" yaml:"tp_aggregate_percent"`
	MaxPyramids            int                     `json:"max_pyramids" yaml:"max_pyramids"`
	CancelDCABeyondPercent decimal.Decimal         `json:"cancel_dca_beyond_percent" yaml:"cancel_dca_beyond_percent"`
	AdjustTPToFill         bool                    `json:"adjust_tp_to_fill" yaml:"adjust_tp_to_fill"`
}

// LevelsForPyramid returns the levels for a wave, preferring a
// pyramid-specific override when one is configured.
func (c *DCAGridConfig) LevelsForPyramid(pyramidIndex int) []DCALevel {
	if levels, ok := c.PyramidSpecificLevels[pyramidIndex]; ok && len(levels) > 0 {
		return levels
	}
	return c.Levels
}

// RiskEngineConfig is the per-user risk policy.
type RiskEngineConfig struct {
	Enabled                  bool                `json:"enabled" yaml:"enabled"`
	EngineForceStopped       bool                `json:"engine_force_stopped" yaml:"engine_force_stopped"`
	EnginePausedByLossLimit  bool                `json:"engine_paused_by_loss_limit" yaml:"engine_paused_by_loss_limit"`
	EvaluateIntervalSeconds  int                 `json:"evaluate_interval_seconds" yaml:"evaluate_interval_seconds"`
	EvaluateOnFill           bool                `json:"evaluate_on_fill" yaml:"evaluate_on_fill"`
	LossThresholdPercent     decimal.Decimal     `json:"loss_threshold_percent" yaml:"loss_threshold_percent"`
	MaxWinnersToCombine      int                 `json:"max_winners_to_combine" yaml:"max_winners_to_combine"`
	RequiredPyramidsForTimer int                 `json:"required_pyramids_for_timer" yaml:"required_pyramids_for_timer"`
	TimerStartCondition      TimerStartCondition `json:"timer_start_condition" yaml:"timer_start_condition"`
	PostFullWaitMinutes      int                 `json:"post_full_wait_minutes" yaml:"post_full_wait_minutes"`
	ResetTimerOnReplacement  bool                `json:"reset_timer_on_replacement" yaml:"reset_timer_on_replacement"`
	MaxPositionsPerSymbol    int                 `json:"max_positions_per_symbol" yaml:"max_positions_per_symbol"`
	MaxTotalExposureUSD      decimal.Decimal     `json:"max_total_exposure_usd" yaml:"max_total_exposure_usd"`
	MaxRealizedLossUSD       decimal.Decimal     `json:"max_realized_loss_usd" yaml:"max_realized_loss_usd"`
	MinNotionalUSD           decimal.Decimal     `json:"min_notional_usd" yaml:"min_notional_usd"`
}

// ExchangeCredentials holds per-user API keys for one exchange.
type ExchangeCredentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// User is a trading account owner.
type User struct {
	ID          string                         `gorm:"primaryKey" json:"id"`
	Name        string                         `json:"name"`
	Active      bool                           `gorm:"index" json:"active"`
	Credentials map[string]ExchangeCredentials `gorm:"serializer:json" json:"-"`
	RiskConfig  RiskEngineConfig               `gorm:"serializer:json" json:"risk_config"`
	GridConfig  DCAGridConfig                  `gorm:"serializer:json" json:"grid_config"`
	CreatedAt   time.Time                      `json:"created_at"`
	UpdatedAt   time.Time                      `json:"updated_at"`
}

// Signal is an inbound trade signal from an external strategy source.
type Signal struct {
	UserID     string          `json:"user_id"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Exit       bool            `json:"exit,omitempty"`
	Raw        []byte          `json:"-"`
}

// PositionGroup is one open trading position for a
// (user, exchange, symbol, timeframe, side) tuple.
type PositionGroup struct {
	ID        string `gorm:"primaryKey" json:"id"`
	UserID    string `gorm:"index" json:"user_id"`
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Side      Side   `json:"side"`

	// ActiveKey enforces the one-open-position-per-tuple invariant. It holds
	// "user|exchange|symbol|timeframe|side" while the group is non-terminal
	// and NULL afterwards, so the unique index only guards live groups.
	ActiveKey *string `gorm:"uniqueIndex" json:"-"`

	BaseEntryPrice      decimal.Decimal `json:"base_entry_price"`
	WeightedAvgEntry    decimal.Decimal `json:"weighted_avg_entry"`
	TotalInvestedUSD    decimal.Decimal `json:"total_invested_usd"`
	TotalFilledQuantity decimal.Decimal `json:"total_filled_quantity"`
	UnrealizedPnLUSD    decimal.Decimal `json:"unrealized_pnl_usd"`
	UnrealizedPnLPct    decimal.Decimal `json:"unrealized_pnl_pct"`
	RealizedPnLUSD      decimal.Decimal `json:"realized_pnl_usd"`

	TotalDCALegs  int `json:"total_dca_legs"`
	FilledDCALegs int `json:"filled_dca_legs"`
	PyramidCount  int `json:"pyramid_count"`
	MaxPyramids   int `json:"max_pyramids"`

	TPMode             TPMode          `json:"tp_mode"`
	TPAggregatePercent decimal.Decimal `json:"tp_aggregate_percent"`

	RiskBlocked      bool       `json:"risk_blocked"`
	RiskSkipOnce     bool       `json:"risk_skip_once"`
	RiskTimerStart   *time.Time `json:"risk_timer_start,omitempty"`
	RiskTimerExpires *time.Time `json:"risk_timer_expires,omitempty"`

	Status            GroupStatus `gorm:"index" json:"status"`
	TelegramMessageID int         `json:"telegram_message_id,omitempty"`

	Pyramids []*Pyramid  `gorm:"foreignKey:GroupID" json:"pyramids,omitempty"`
	Orders   []*DCAOrder `gorm:"foreignKey:GroupID" json:"orders,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// TupleKey builds the uniqueness key for the group's identity tuple.
func (g *PositionGroup) TupleKey() string {
	return g.UserID + "|" + g.Exchange + "|" + g.Symbol + "|" + g.Timeframe + "|" + string(g.Side)
}

// Pyramid is a single entry wave within a position group.
type Pyramid struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	GroupID      string          `gorm:"index" json:"group_id"`
	PyramidIndex int             `json:"pyramid_index"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	Status       PyramidStatus   `json:"status"`
	// DCAConfig is the config snapshot this wave's legs were computed from.
	DCAConfig DCAGridConfig `gorm:"serializer:json" json:"dca_config"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// DCAOrder is a single leg of a pyramid, or a synthetic audit record for a TP
// fill (leg_index 999) or an ad-hoc market close (leg_index -1).
type DCAOrder struct {
	ID        string `gorm:"primaryKey" json:"id"`
	GroupID   string `gorm:"index" json:"group_id"`
	PyramidID string `gorm:"index" json:"pyramid_id"`
	UserID    string `gorm:"index" json:"user_id"`
	Exchange  string `json:"exchange"`
	LegIndex  int    `json:"leg_index"`

	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	OrderType OrderType `json:"order_type"`

	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`

	ExchangeOrderID string          `gorm:"index" json:"exchange_order_id"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"fee_currency"`

	GapPercent    decimal.Decimal `json:"gap_percent"`
	WeightPercent decimal.Decimal `json:"weight_percent"`
	TPPercent     decimal.Decimal `json:"tp_percent"`
	TPPrice       decimal.Decimal `json:"tp_price"`

	TPOrderID    string     `json:"tp_order_id"`
	TPHit        bool       `json:"tp_hit"`
	TPExecutedAt *time.Time `json:"tp_executed_at,omitempty"`

	Status      OrderStatus `gorm:"index" json:"status"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`
	FilledAt    *time.Time  `json:"filled_at,omitempty"`
	CancelledAt *time.Time  `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// IsEntryLeg reports whether the order is a real entry leg as opposed to a
// synthetic TP fill or market close record.
func (o *DCAOrder) IsEntryLeg() bool {
	return o.LegIndex != TPFillLegIndex && o.LegIndex != MarketCloseLegIndex
}

// QueuedSignal is a pending inbound signal awaiting an execution slot.
type QueuedSignal struct {
	ID         string          `gorm:"primaryKey" json:"id"`
	UserID     string          `gorm:"index" json:"user_id"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Side       Side            `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Payload    []byte          `json:"-"`
	Status     SignalStatus    `gorm:"index" json:"status"`
	QueuedAt   time.Time       `json:"queued_at"`
	PromotedAt *time.Time      `json:"promoted_at,omitempty"`
}

// WinnerDetail is the decision-time snapshot of one winner used in an offset.
type WinnerDetail struct {
	GroupID        string          `json:"group_id"`
	Symbol         string          `json:"symbol"`
	PnLUSD         decimal.Decimal `json:"pnl_usd"`
	QuantityClosed decimal.Decimal `json:"quantity_closed"`
}

// RiskAction is an immutable audit record of a risk engine intervention. It
// holds decision-time snapshots so the audit survives position closure.
type RiskAction struct {
	ID            string          `gorm:"primaryKey" json:"id"`
	UserID        string          `gorm:"index" json:"user_id"`
	ActionType    RiskActionType  `json:"action_type"`
	LoserGroupID  string          `json:"loser_group_id"`
	LoserSymbol   string          `json:"loser_symbol"`
	LoserPnLUSD   decimal.Decimal `json:"loser_pnl_usd"`
	WinnerDetails []WinnerDetail  `gorm:"serializer:json" json:"winner_details"`
	Notes         string          `json:"notes"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PrecisionRule holds the exchange rounding constraints for one symbol.
type PrecisionRule struct {
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
}

// Balance is a per-currency total/free pair.
type Balance struct {
	Total decimal.Decimal `json:"total"`
	Free  decimal.Decimal `json:"free"`
}

// SpotPosition is a derived long balance reported by a spot exchange.
type SpotPosition struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	Mark     decimal.Decimal `json:"mark"`
}

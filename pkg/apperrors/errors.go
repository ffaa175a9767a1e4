// Package apperrors defines the standardized error vocabulary shared by the
// exchange connectors and the trading core.
package apperrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Standardized exchange errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrOrderNotFound        = errors.New("order not found")
	ErrPositionNotFound     = errors.New("position not found")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrExchangeMaintenance  = errors.New("exchange maintenance")
)

// ConnectionError marks a transient connectivity failure (network, timeout,
// rate limit). Callers retry these; everything else is permanent.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("exchange connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrRateLimitExceeded)
}

// APIError carries the raw exchange message and optional HTTP status code.
type APIError struct {
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("exchange API error (status=%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("exchange API error: %s", e.Message)
}

// precisionKeywords are the exchange message fragments that indicate our
// cached precision rules have drifted from the exchange.
var precisionKeywords = []string{
	"precision", "lot size", "lot_size", "step size", "tick size", "quantity", "notional", "min_qty",
}

// IsPrecisionError reports whether err looks like a precision/lot-size
// mismatch. The precision cache must be invalidated before propagating these.
func IsPrecisionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range precisionKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// IsOrderNotFound reports whether err represents a missing order on the
// exchange, matching both the sentinel and raw exchange phrasing.
func IsOrderNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "order not found") || strings.Contains(msg, "order does not exist") ||
		strings.Contains(msg, "unknown order")
}

// IsInsufficientFunds reports whether err represents a balance shortfall.
func IsInsufficientFunds(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientFunds) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient")
}

// SlippageExceededError is raised by the pre-execution slippage check.
type SlippageExceededError struct {
	Symbol        string
	ExpectedPrice decimal.Decimal
	ActualPrice   decimal.Decimal
	SlippagePct   decimal.Decimal
	MaxSlippage   decimal.Decimal
}

func (e *SlippageExceededError) Error() string {
	return fmt.Sprintf("slippage %s%% exceeds max %s%% for %s (expected %s, actual %s)",
		e.SlippagePct.StringFixed(4), e.MaxSlippage.StringFixed(4), e.Symbol,
		e.ExpectedPrice, e.ActualPrice)
}

// DuplicatePositionError is raised when a signal collides with an existing
// non-terminal position group for the same (user, exchange, symbol,
// timeframe, side) tuple.
type DuplicatePositionError struct {
	UserID    string
	Exchange  string
	Symbol    string
	Timeframe string
	Side      string
}

func (e *DuplicatePositionError) Error() string {
	return fmt.Sprintf("duplicate position for user=%s %s %s %s %s",
		e.UserID, e.Exchange, e.Symbol, e.Timeframe, e.Side)
}

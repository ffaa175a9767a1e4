// Package precision caches exchange precision rules per exchange.
package precision

import (
	"context"
	"sync"
	"time"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

// DefaultTickSize is used when the exchange rules cannot be fetched.
var DefaultTickSize = decimal.New(1, -8)

type entry struct {
	rules     map[string]core.PrecisionRule
	fetchedAt time.Time
}

// Cache is a process-wide precision rules cache, shared across users of the
// same exchange. Invalidate on any precision-keyword error from the exchange.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	logger  core.ILogger
}

// NewCache creates a precision cache with the given entry TTL.
func NewCache(ttl time.Duration, logger core.ILogger) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		logger:  logger.WithField("component", "precision_cache"),
	}
}

// RuleFor returns the precision rule for a symbol, fetching the exchange's
// rule set on a cache miss. On fetch failure a default rule (1e-8 tick and
// step, no notional floor) is returned so order placement can proceed.
func (c *Cache) RuleFor(ctx context.Context, conn core.ExchangeConnector, symbol string) core.PrecisionRule {
	exchange := conn.Name()

	c.mu.RLock()
	e, ok := c.entries[exchange]
	c.mu.RUnlock()

	if !ok || time.Since(e.fetchedAt) > c.ttl {
		rules, err := conn.GetPrecisionRules(ctx)
		if err != nil {
			c.logger.Warn("Failed to fetch precision rules, using defaults",
				"exchange", exchange, "symbol", symbol, "error", err.Error())
			return core.PrecisionRule{TickSize: DefaultTickSize, StepSize: DefaultTickSize}
		}

		c.mu.Lock()
		e = entry{rules: rules, fetchedAt: time.Now()}
		c.entries[exchange] = e
		c.mu.Unlock()
	}

	rule, ok := e.rules[symbol]
	if !ok {
		return core.PrecisionRule{TickSize: DefaultTickSize, StepSize: DefaultTickSize}
	}
	return rule
}

// Invalidate drops the cached rules for an exchange.
func (c *Cache) Invalidate(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, exchange)
}

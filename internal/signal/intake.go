// Package signal routes inbound trade signals: webhook deduplication,
// entry/pyramid/exit dispatch, and the queued-signal promotion gate.
package signal

import (
	"context"
	"fmt"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/position"
	"trade_engine/internal/risk"

	"github.com/google/uuid"
)

// DedupTTL is the webhook dedup lock lifetime. Strategy sources commonly
// double-fire on reconnect within a few seconds.
const DedupTTL = 10 * time.Second

// Intake is the in-core half of signal ingress. HTTP transport and auth live
// outside; this handles dedup, routing, and queue promotion.
type Intake struct {
	users   core.UserRepository
	signals core.SignalRepository
	posRepo core.PositionRepository
	posMgr  *position.Manager
	risk    *risk.Engine
	cache   core.Cache
	logger  core.ILogger
}

// NewIntake wires the signal intake.
func NewIntake(
	users core.UserRepository,
	signals core.SignalRepository,
	posRepo core.PositionRepository,
	posMgr *position.Manager,
	riskEngine *risk.Engine,
	cache core.Cache,
	logger core.ILogger,
) *Intake {
	return &Intake{
		users:   users,
		signals: signals,
		posRepo: posRepo,
		posMgr:  posMgr,
		risk:    riskEngine,
		cache:   cache,
		logger:  logger.WithField("component", "signal_intake"),
	}
}

func dedupKey(sig *core.Signal) string {
	return "trade_engine:dedup:" + sig.UserID + "|" + sig.Symbol + "|" + sig.Timeframe
}

// acquireDedup takes the short-TTL dedup lock. A cache outage fails open so
// signals are never dropped by infrastructure.
func (i *Intake) acquireDedup(ctx context.Context, sig *core.Signal) bool {
	ok, err := i.cache.SetNX(ctx, dedupKey(sig), "1", DedupTTL)
	if err != nil {
		i.logger.Warn("Dedup cache unavailable, allowing signal",
			"user_id", sig.UserID, "symbol", sig.Symbol, "error", err.Error())
		return true
	}
	return ok
}

// Handle processes one inbound signal end to end. Duplicates within the
// dedup window are dropped silently. Entry signals either open a group, add
// a pyramid to the existing one, or queue when the pre-trade gate rejects.
func (i *Intake) Handle(ctx context.Context, sig *core.Signal) error {
	if !i.acquireDedup(ctx, sig) {
		i.logger.Info("Duplicate signal dropped",
			"user_id", sig.UserID, "symbol", sig.Symbol, "timeframe", sig.Timeframe)
		return nil
	}

	existing, err := i.findActiveGroup(ctx, sig)
	if err != nil {
		return err
	}

	if sig.Exit {
		if existing == nil {
			i.logger.Info("Exit signal with no matching position",
				"user_id", sig.UserID, "symbol", sig.Symbol)
			return nil
		}
		return i.posMgr.HandleExitSignal(ctx, existing)
	}

	if existing != nil {
		return i.posMgr.AddPyramid(ctx, existing, sig)
	}

	user, err := i.users.Get(ctx, sig.UserID)
	if err != nil {
		return err
	}
	if err := i.risk.PreTradeCheck(ctx, user, sig, user.GridConfig.TotalCapitalUSD); err != nil {
		i.logger.Info("Signal queued by pre-trade gate",
			"user_id", sig.UserID, "symbol", sig.Symbol, "reason", err.Error())
		return i.enqueue(ctx, sig)
	}

	_, err = i.posMgr.CreateFromSignal(ctx, sig)
	return err
}

func (i *Intake) findActiveGroup(ctx context.Context, sig *core.Signal) (*core.PositionGroup, error) {
	groups, err := i.posRepo.GetActiveByUser(ctx, sig.UserID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.Exchange == sig.Exchange && g.Symbol == sig.Symbol &&
			g.Timeframe == sig.Timeframe && g.Side == sig.Side {
			return g, nil
		}
	}
	return nil, nil
}

func (i *Intake) enqueue(ctx context.Context, sig *core.Signal) error {
	return i.signals.Enqueue(ctx, &core.QueuedSignal{
		ID:         uuid.NewString(),
		UserID:     sig.UserID,
		Exchange:   sig.Exchange,
		Symbol:     sig.Symbol,
		Timeframe:  sig.Timeframe,
		Side:       sig.Side,
		EntryPrice: sig.EntryPrice,
		Payload:    sig.Raw,
		Status:     core.SignalStatusQueued,
	})
}

// PromoteQueued walks a user's queue in FIFO order and promotes every signal
// that now clears the pre-trade gate. The external execution pool decides
// when to call this; the gate itself lives here.
func (i *Intake) PromoteQueued(ctx context.Context, userID string) (int, error) {
	user, err := i.users.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	queued, err := i.signals.GetQueuedByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, q := range queued {
		sig := &core.Signal{
			UserID:     q.UserID,
			Exchange:   q.Exchange,
			Symbol:     q.Symbol,
			Timeframe:  q.Timeframe,
			Side:       q.Side,
			EntryPrice: q.EntryPrice,
			Raw:        q.Payload,
		}

		// the tuple may have been taken while this sat in the queue
		if existing, err := i.findActiveGroup(ctx, sig); err != nil {
			return promoted, err
		} else if existing != nil {
			q.Status = core.SignalStatusCancelled
			if err := i.signals.Update(ctx, q); err != nil {
				return promoted, err
			}
			continue
		}

		if err := i.risk.PreTradeCheck(ctx, user, sig, user.GridConfig.TotalCapitalUSD); err != nil {
			continue
		}
		if _, err := i.posMgr.CreateFromSignal(ctx, sig); err != nil {
			return promoted, fmt.Errorf("promotion of %s failed: %w", q.ID, err)
		}
		now := time.Now().UTC()
		q.Status = core.SignalStatusPromoted
		q.PromotedAt = &now
		if err := i.signals.Update(ctx, q); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

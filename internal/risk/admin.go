package risk

import (
	"context"
	"fmt"

	"trade_engine/internal/core"

	"github.com/google/uuid"
)

// PauseUser force-stops queue promotion for a user. Monitoring and offset
// evaluation keep running.
func (e *Engine) PauseUser(ctx context.Context, userID string) error {
	return e.setForceStop(ctx, userID, true)
}

// ResumeUser lifts both the manual force stop and a daily-loss pause.
func (e *Engine) ResumeUser(ctx context.Context, userID string) error {
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	user.RiskConfig.EngineForceStopped = false
	user.RiskConfig.EnginePausedByLossLimit = false
	if err := e.users.Update(ctx, user); err != nil {
		return err
	}
	e.logger.Info("Engine resumed", "user_id", userID)
	return nil
}

func (e *Engine) setForceStop(ctx context.Context, userID string, stopped bool) error {
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	user.RiskConfig.EngineForceStopped = stopped
	if err := e.users.Update(ctx, user); err != nil {
		return err
	}
	e.logger.Info("Engine force-stop flag updated", "user_id", userID, "stopped", stopped)
	return nil
}

// ForceClose parks a user's group in closing after an ownership check. The
// fill monitor's next cycle performs the liquidation.
func (e *Engine) ForceClose(ctx context.Context, userID, groupID string) error {
	group, err := e.positions.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if err := e.orderSvc.ExecuteForceClose(ctx, group, userID); err != nil {
		return err
	}
	action := &core.RiskAction{
		ID:           uuid.NewString(),
		UserID:       userID,
		ActionType:   core.RiskActionManualClose,
		LoserGroupID: group.ID,
		LoserSymbol:  group.Symbol,
		LoserPnLUSD:  group.UnrealizedPnLUSD,
		Notes:        "manual force close",
	}
	if err := e.riskActions.Create(ctx, action); err != nil {
		e.logger.Error("Failed to record force close action", "error", err.Error())
	}
	return e.posMgr.HandleExitSignal(ctx, group)
}

// SetBlocked marks or unmarks a group as permanently exempt from offset
// selection.
func (e *Engine) SetBlocked(ctx context.Context, userID, groupID string, blocked bool) error {
	group, err := e.positions.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if group.UserID != userID {
		return fmt.Errorf("group %s does not belong to user %s", groupID, userID)
	}
	group.RiskBlocked = blocked
	return e.positions.Update(ctx, group)
}

// SetSkipOnce exempts a group from the next offset selection only; the flag
// clears itself when consumed.
func (e *Engine) SetSkipOnce(ctx context.Context, userID, groupID string) error {
	group, err := e.positions.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if group.UserID != userID {
		return fmt.Errorf("group %s does not belong to user %s", groupID, userID)
	}
	group.RiskSkipOnce = true
	return e.positions.Update(ctx, group)
}

// Package broadcast delivers best-effort trade notifications. Failures are
// logged and swallowed; trading never blocks on delivery.
package broadcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trade_engine/internal/core"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
)

// TelegramBroadcaster implements core.Broadcaster over a telegram bot chat.
// Each send runs in its own goroutine so callers never wait on the API.
type TelegramBroadcaster struct {
	bot       *tgbotapi.BotAPI
	chatID    int64
	positions core.PositionRepository
	logger    core.ILogger
}

// NewTelegramBroadcaster authenticates the bot token.
func NewTelegramBroadcaster(token string, chatID int64, positions core.PositionRepository, logger core.ILogger) (*TelegramBroadcaster, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("Telegram broadcaster ready", "bot", bot.Self.UserName, "chat_id", chatID)
	return &TelegramBroadcaster{
		bot:       bot,
		chatID:    chatID,
		positions: positions,
		logger:    logger.WithField("component", "telegram"),
	}, nil
}

func (t *TelegramBroadcaster) send(text string, replyTo int) int {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		t.logger.Warn("Telegram send failed", "error", err.Error())
		return 0
	}
	return sent.MessageID
}

func (t *TelegramBroadcaster) SendEntrySignal(group *core.PositionGroup, legs []*core.DCAOrder) {
	go func() {
		var b strings.Builder
		fmt.Fprintf(&b, "🟢 <b>%s %s</b> %s %s\n", strings.ToUpper(string(group.Side)),
			group.Symbol, group.Exchange, group.Timeframe)
		fmt.Fprintf(&b, "Entry %s | capital legs %d\n", group.BaseEntryPrice, len(legs))
		for _, leg := range legs {
			fmt.Fprintf(&b, "  L%d %s x %s (tp %s)\n", leg.LegIndex, leg.Price, leg.Quantity, leg.TPPrice)
		}
		if id := t.send(b.String(), 0); id != 0 {
			t.SaveMessageID(group, id)
		}
	}()
}

func (t *TelegramBroadcaster) SendExitSignal(group *core.PositionGroup, realizedPnL decimal.Decimal) {
	go func() {
		emoji := "✅"
		if realizedPnL.IsNegative() {
			emoji = "🔻"
		}
		t.send(fmt.Sprintf("%s <b>CLOSED %s</b> %s\nRealized PnL: %s USD",
			emoji, group.Symbol, group.Timeframe, realizedPnL.StringFixed(2)),
			group.TelegramMessageID)
	}()
}

func (t *TelegramBroadcaster) SendDCAFill(group *core.PositionGroup, order *core.DCAOrder) {
	go func() {
		t.send(fmt.Sprintf("📥 <b>%s</b> leg %d filled: %s @ %s (%d/%d legs)",
			group.Symbol, order.LegIndex, order.FilledQuantity, order.AvgFillPrice,
			group.FilledDCALegs, group.TotalDCALegs),
			group.TelegramMessageID)
	}()
}

func (t *TelegramBroadcaster) SendStatusChange(group *core.PositionGroup, from, to core.GroupStatus) {
	go func() {
		t.send(fmt.Sprintf("ℹ️ <b>%s</b> %s → %s", group.Symbol, from, to),
			group.TelegramMessageID)
	}()
}

func (t *TelegramBroadcaster) SendTPHit(group *core.PositionGroup, order *core.DCAOrder) {
	go func() {
		t.send(fmt.Sprintf("🎯 <b>%s</b> TP hit on leg %d @ %s",
			group.Symbol, order.LegIndex, order.TPPrice),
			group.TelegramMessageID)
	}()
}

func (t *TelegramBroadcaster) SendRiskEvent(userID, event string, details map[string]string) {
	go func() {
		var b strings.Builder
		fmt.Fprintf(&b, "⚠️ <b>Risk: %s</b> (user %s)\n", event, userID)
		for k, v := range details {
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
		}
		t.send(b.String(), 0)
	}()
}

func (t *TelegramBroadcaster) SendFailure(userID, context string, err error) {
	go func() {
		t.send(fmt.Sprintf("❌ <b>%s failed</b> (user %s)\n%v", context, userID, err), 0)
	}()
}

func (t *TelegramBroadcaster) SendPyramidAdded(group *core.PositionGroup, pyramidIndex int) {
	go func() {
		t.send(fmt.Sprintf("➕ <b>%s</b> pyramid %d/%d added",
			group.Symbol, pyramidIndex+1, group.MaxPyramids),
			group.TelegramMessageID)
	}()
}

// SaveMessageID records the entry message so later notifications thread as
// replies to it.
func (t *TelegramBroadcaster) SaveMessageID(group *core.PositionGroup, messageID int) {
	group.TelegramMessageID = messageID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.positions.Update(ctx, group); err != nil {
		t.logger.Warn("Failed to persist telegram message id",
			"group_id", group.ID, "error", err.Error())
	}
}

package broadcast

import (
	"sync"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Noop is the broadcaster used when telegram is disabled. It records events
// so tests can assert on them.
type Noop struct {
	mu     sync.Mutex
	events []string
}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) record(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

// Events returns the recorded event names in order.
func (n *Noop) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	copy(out, n.events)
	return out
}

func (n *Noop) SendEntrySignal(*core.PositionGroup, []*core.DCAOrder) { n.record("entry") }
func (n *Noop) SendExitSignal(*core.PositionGroup, decimal.Decimal)   { n.record("exit") }
func (n *Noop) SendDCAFill(*core.PositionGroup, *core.DCAOrder)       { n.record("dca_fill") }
func (n *Noop) SendStatusChange(_ *core.PositionGroup, _, _ core.GroupStatus) {
	n.record("status_change")
}
func (n *Noop) SendTPHit(*core.PositionGroup, *core.DCAOrder)     { n.record("tp_hit") }
func (n *Noop) SendRiskEvent(_, event string, _ map[string]string) { n.record("risk:" + event) }
func (n *Noop) SendFailure(_, context string, _ error)             { n.record("failure:" + context) }
func (n *Noop) SendPyramidAdded(*core.PositionGroup, int)          { n.record("pyramid_added") }
func (n *Noop) SaveMessageID(group *core.PositionGroup, messageID int) {
	group.TelegramMessageID = messageID
}

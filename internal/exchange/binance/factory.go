package binance

import (
	"context"
	"fmt"

	"trade_engine/internal/core"
)

// Factory builds per-user connectors from stored credentials. Connectors are
// cheap; one is created per (user, exchange) per monitor cycle and closed
// after use.
type Factory struct {
	logger core.ILogger
}

func NewFactory(logger core.ILogger) *Factory {
	return &Factory{logger: logger}
}

func (f *Factory) Acquire(_ context.Context, user *core.User, exchange string) (core.ExchangeConnector, error) {
	if exchange != "binance" {
		return nil, fmt.Errorf("unsupported exchange %q", exchange)
	}
	creds, ok := user.Credentials[exchange]
	if !ok || creds.APIKey == "" {
		return nil, fmt.Errorf("no %s credentials for user %s", exchange, user.ID)
	}
	return NewConnector(creds.APIKey, creds.SecretKey, f.logger), nil
}

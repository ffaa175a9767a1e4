// Package binance implements the ExchangeConnector over the Binance spot
// REST API.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
	"trade_engine/pkg/tradingutils"

	sdk "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// Connector is a spot-only Binance connector for one user's credentials.
type Connector struct {
	client *sdk.Client
	logger core.ILogger
}

// NewConnector creates a connector bound to one API key pair.
func NewConnector(apiKey, secretKey string, logger core.ILogger) *Connector {
	return &Connector{
		client: sdk.NewClient(apiKey, secretKey),
		logger: logger.WithField("component", "binance_connector"),
	}
}

func (c *Connector) Name() string { return "binance" }

// Close is a no-op; the underlying client is a plain HTTP client.
func (c *Connector) Close() error { return nil }

// mapError translates SDK and transport failures into the standardized error
// vocabulary. Anything that is not a Binance API error is treated as a
// transient connection problem.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return &apperrors.ConnectionError{Err: err}
	}
	switch apiErr.Code {
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
	case -2011, -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
	case -1003:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
	case -2015, -2014:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message)
	case -1021:
		// timestamp drift resolves on retry
		return &apperrors.ConnectionError{Err: apiErr}
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
	}
	return &apperrors.APIError{Message: apiErr.Message, StatusCode: int(apiErr.Code)}
}

func mapStatus(status sdk.OrderStatusType) string {
	switch status {
	case sdk.OrderStatusTypeNew:
		return "new"
	case sdk.OrderStatusTypePartiallyFilled:
		return "partially_filled"
	case sdk.OrderStatusTypeFilled:
		return "closed"
	case sdk.OrderStatusTypeCanceled:
		return "canceled"
	case sdk.OrderStatusTypeRejected:
		return "rejected"
	case sdk.OrderStatusTypeExpired:
		return "expired"
	default:
		return strings.ToLower(string(status))
	}
}

func toDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PlaceOrder submits a limit or market order. Market orders sized in quote
// currency use Binance's quoteOrderQty so the exchange does the conversion.
func (c *Connector) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*core.OrderResult, error) {
	svc := c.client.NewCreateOrderService().Symbol(req.Symbol)

	switch strings.ToUpper(req.Side) {
	case "BUY":
		svc = svc.Side(sdk.SideTypeBuy)
	case "SELL":
		svc = svc.Side(sdk.SideTypeSell)
	default:
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}

	switch strings.ToUpper(req.Type) {
	case "LIMIT":
		svc = svc.Type(sdk.OrderTypeLimit).
			TimeInForce(sdk.TimeInForceTypeGTC).
			Price(req.Price.String()).
			Quantity(req.Quantity.String())
	case "MARKET":
		svc = svc.Type(sdk.OrderTypeMarket)
		if req.AmountType == core.AmountQuote {
			svc = svc.QuoteOrderQty(req.Quantity.String())
		} else {
			svc = svc.Quantity(req.Quantity.String())
		}
	default:
		return nil, fmt.Errorf("invalid order type %q", req.Type)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	filled := toDec(resp.ExecutedQuantity)
	quote := toDec(resp.CummulativeQuoteQuantity)
	avg := decimal.Zero
	if filled.GreaterThan(decimal.Zero) {
		avg = quote.Div(filled)
	}

	result := &core.OrderResult{
		ID:      fmt.Sprintf("%d", resp.OrderID),
		Status:  mapStatus(resp.Status),
		Filled:  filled,
		Average: avg,
	}

	// the per-fill commissions are the only reliable fee source on spot
	if len(resp.Fills) > 0 {
		fees := make(map[string]interface{}, 1)
		totals := make(map[string]decimal.Decimal, 1)
		for _, fill := range resp.Fills {
			asset := fill.CommissionAsset
			totals[asset] = totals[asset].Add(toDec(fill.Commission))
		}
		best := decimal.Zero
		for asset, amount := range totals {
			fees[asset] = amount.String()
			if amount.GreaterThan(best) {
				best = amount
				result.Fee = amount
				result.FeeCurrency = asset
			}
		}
		result.Info = map[string]interface{}{"cumFeeDetail": fees}
	}
	return result, nil
}

func (c *Connector) CancelOrder(ctx context.Context, orderID, symbol string) error {
	id, err := parseOrderID(orderID)
	if err != nil {
		return err
	}
	_, err = c.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	return mapError(err)
}

func (c *Connector) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.OrderResult, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	ord, err := c.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	filled := toDec(ord.ExecutedQuantity)
	quote := toDec(ord.CummulativeQuoteQuantity)
	avg := decimal.Zero
	if filled.GreaterThan(decimal.Zero) {
		avg = quote.Div(filled)
	}
	return &core.OrderResult{
		ID:      fmt.Sprintf("%d", ord.OrderID),
		Status:  mapStatus(ord.Status),
		Filled:  filled,
		Average: avg,
	}, nil
}

func (c *Connector) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := c.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return toDec(prices[0].Price), nil
}

func (c *Connector) GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	prices, err := c.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	tickers := make(map[string]decimal.Decimal, len(prices))
	for _, p := range prices {
		tickers[p.Symbol] = toDec(p.Price)
	}
	return tickers, nil
}

// GetPrecisionRules loads the lot-size, tick-size, and notional filters for
// every trading symbol from exchangeInfo.
func (c *Connector) GetPrecisionRules(ctx context.Context) (map[string]core.PrecisionRule, error) {
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	rules := make(map[string]core.PrecisionRule, len(info.Symbols))
	for _, s := range info.Symbols {
		var rule core.PrecisionRule
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					rule.TickSize = toDec(v)
				}
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					rule.StepSize = toDec(v)
				}
			case "NOTIONAL", "MIN_NOTIONAL":
				if v, ok := f["minNotional"].(string); ok {
					rule.MinNotional = toDec(v)
				}
			}
		}
		rules[s.Symbol] = rule
	}
	return rules, nil
}

func (c *Connector) GetTradingFeeRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	fees, err := c.client.NewTradeFeeService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	if len(fees) == 0 {
		return decimal.Zero, fmt.Errorf("no fee schedule for %s", symbol)
	}
	return toDec(fees[0].TakerCommission), nil
}

func (c *Connector) FetchFreeBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	free := make(map[string]decimal.Decimal, len(account.Balances))
	for _, b := range account.Balances {
		if d := toDec(b.Free); d.GreaterThan(decimal.Zero) {
			free[b.Asset] = d
		}
	}
	return free, nil
}

func (c *Connector) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	account, err := c.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	balances := make(map[string]core.Balance, len(account.Balances))
	for _, b := range account.Balances {
		freeAmt := toDec(b.Free)
		total := freeAmt.Add(toDec(b.Locked))
		if total.GreaterThan(decimal.Zero) {
			balances[b.Asset] = core.Balance{Total: total, Free: freeAmt}
		}
	}
	return balances, nil
}

// GetPositions derives spot "positions" from non-quote asset balances, marked
// with the current USDT ticker when one trades.
func (c *Connector) GetPositions(ctx context.Context) ([]core.SpotPosition, error) {
	balances, err := c.FetchBalance(ctx)
	if err != nil {
		return nil, err
	}
	tickers, err := c.GetAllTickers(ctx)
	if err != nil {
		return nil, err
	}

	var positions []core.SpotPosition
	for asset, b := range balances {
		if tradingutils.IsQuoteAsset(asset) {
			continue
		}
		symbol := asset + "USDT"
		mark, ok := tickers[symbol]
		if !ok {
			continue
		}
		positions = append(positions, core.SpotPosition{
			Symbol:   symbol,
			Quantity: b.Total,
			Mark:     mark,
		})
	}
	return positions, nil
}

func parseOrderID(orderID string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(orderID, "%d", &id); err != nil {
		return 0, fmt.Errorf("malformed exchange order id %q: %w", orderID, err)
	}
	return id, nil
}

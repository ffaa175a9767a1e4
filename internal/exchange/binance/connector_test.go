package binance

import (
	"context"
	"errors"
	"testing"

	"trade_engine/internal/core"
	"trade_engine/internal/logging"
	"trade_engine/pkg/apperrors"

	sdk "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))

	err := mapError(&common.APIError{Code: -2010, Message: "Account has insufficient balance"})
	assert.True(t, apperrors.IsInsufficientFunds(err))

	err = mapError(&common.APIError{Code: -2011, Message: "Unknown order sent."})
	assert.True(t, apperrors.IsOrderNotFound(err))

	err = mapError(&common.APIError{Code: -1003, Message: "Too many requests"})
	assert.True(t, apperrors.IsTransient(err))

	err = mapError(&common.APIError{Code: -1021, Message: "Timestamp outside recvWindow"})
	assert.True(t, apperrors.IsTransient(err))

	// transport failures are retryable
	err = mapError(errors.New("dial tcp: connection refused"))
	assert.True(t, apperrors.IsTransient(err))

	err = mapError(&common.APIError{Code: -1013, Message: "Filter failure: LOT_SIZE"})
	assert.False(t, apperrors.IsTransient(err))
	assert.True(t, apperrors.IsPrecisionError(err))
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, "new", mapStatus(sdk.OrderStatusTypeNew))
	assert.Equal(t, "partially_filled", mapStatus(sdk.OrderStatusTypePartiallyFilled))
	assert.Equal(t, "closed", mapStatus(sdk.OrderStatusTypeFilled))
	assert.Equal(t, "canceled", mapStatus(sdk.OrderStatusTypeCanceled))
	assert.Equal(t, "rejected", mapStatus(sdk.OrderStatusTypeRejected))
	assert.Equal(t, "expired", mapStatus(sdk.OrderStatusTypeExpired))
}

func TestParseOrderID(t *testing.T) {
	id, err := parseOrderID("123456789")
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), id)

	_, err = parseOrderID("not-a-number")
	assert.Error(t, err)
}

func TestFactory_Acquire(t *testing.T) {
	f := NewFactory(logging.NewNop())
	user := &core.User{
		ID: "u1",
		Credentials: map[string]core.ExchangeCredentials{
			"binance": {APIKey: "k", SecretKey: "s"},
		},
	}

	conn, err := f.Acquire(context.Background(), user, "binance")
	require.NoError(t, err)
	assert.Equal(t, "binance", conn.Name())
	assert.NoError(t, conn.Close())

	_, err = f.Acquire(context.Background(), user, "kraken")
	assert.Error(t, err)

	_, err = f.Acquire(context.Background(), &core.User{ID: "u2"}, "binance")
	assert.Error(t, err)
}

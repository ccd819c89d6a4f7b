package accounts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryGatewayReserveDebit(t *testing.T) {
	g := NewInMemoryGateway(map[string]int64{"acct-1": 1000})

	resID, err := g.Reserve(context.Background(), "acct-1", 400, "USD")
	require.NoError(t, err)
	assert.NotEmpty(t, resID)

	remaining, err := g.Debit(context.Background(), resID, 250)
	require.NoError(t, err)
	assert.Equal(t, int64(750), remaining) // 1000 - 400 + (400-250) refund
}

func TestInMemoryGatewayReserveInsufficientFunds(t *testing.T) {
	g := NewInMemoryGateway(map[string]int64{"acct-1": 100})

	_, err := g.Reserve(context.Background(), "acct-1", 500, "USD")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestInMemoryGatewayDebitOverReservation(t *testing.T) {
	g := NewInMemoryGateway(map[string]int64{"acct-1": 1000})

	resID, err := g.Reserve(context.Background(), "acct-1", 400, "USD")
	require.NoError(t, err)

	_, err = g.Debit(context.Background(), resID, 900)
	assert.ErrorIs(t, err, ErrOverDebit)

	// A second debit against the same (now-retired) reservation fails.
	_, err = g.Debit(context.Background(), resID, 100)
	assert.Error(t, err)
}

func TestInMemoryGatewayRefund(t *testing.T) {
	g := NewInMemoryGateway(map[string]int64{"acct-1": 1000})

	resID, err := g.Reserve(context.Background(), "acct-1", 400, "USD")
	require.NoError(t, err)

	err = g.Refund(context.Background(), resID)
	require.NoError(t, err)

	// Refunding a second time fails — the reservation is already retired.
	err = g.Refund(context.Background(), resID)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInsufficientFunds))
}

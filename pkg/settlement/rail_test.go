package settlement

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedRailIdempotentPerContract(t *testing.T) {
	ctx := context.Background()
	r := NewSimulatedRail(nil)

	tx1, err := r.Transfer(ctx, "c1", 100, "USDC", "worker")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tx1, "0x"))
	assert.Len(t, tx1, 66)

	tx2, err := r.Transfer(ctx, "c1", 100, "USDC", "worker")
	require.NoError(t, err)
	assert.Equal(t, tx1, tx2)

	tx3, err := r.Transfer(ctx, "c1", 100, "USDC", "buyer")
	require.NoError(t, err)
	assert.NotEqual(t, tx1, tx3)

	assert.Equal(t, 3, r.Calls())
	assert.Len(t, r.Transfers(), 2)
}

func TestSimulatedRailErrors(t *testing.T) {
	ctx := context.Background()
	r := NewSimulatedRail(nil)

	_, err := r.Transfer(ctx, "c1", 0, "USDC", "w")
	assert.Error(t, err)
	_, err = r.Transfer(ctx, "c1", 5, "USDC", "")
	assert.Error(t, err)

	boom := errors.New("rpc down")
	r.FailNext(boom)
	_, err = r.Transfer(ctx, "c1", 5, "USDC", "w")
	assert.ErrorIs(t, err, boom)
	_, err = r.Transfer(ctx, "c1", 5, "USDC", "w")
	assert.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Transfer(cancelled, "c2", 5, "USDC", "w")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulatedRailFind(t *testing.T) {
	ctx := context.Background()
	r := NewSimulatedRail(nil)

	_, ok, err := r.Find(ctx, "c1", "worker")
	require.NoError(t, err)
	assert.False(t, ok)

	tx, err := r.Transfer(ctx, "c1", 100, "USDC", "worker")
	require.NoError(t, err)

	found, ok, err := r.Find(ctx, "c1", "worker")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tx, found)

	_, ok, err = r.Find(ctx, "c1", "buyer")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Calls(), "Find does not count as a transfer")
}

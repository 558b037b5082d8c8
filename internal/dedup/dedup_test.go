package dedup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailext/ingestion/internal/hostkv"
)

func TestWatermarkDefaultsToZero(t *testing.T) {
	t.Parallel()
	store := New(hostkv.NewMemStorage())

	wm, err := store.Watermark(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), wm)
}

func TestAdvanceWatermarkNeverRegresses(t *testing.T) {
	t.Parallel()
	store := New(hostkv.NewMemStorage())
	ctx := context.Background()

	require.NoError(t, store.AdvanceWatermark(ctx, "acct-1", 10))
	require.NoError(t, store.AdvanceWatermark(ctx, "acct-1", 5))

	wm, err := store.Watermark(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), wm, "a lower uid must never regress the watermark")
}

func TestTryClaimOnlyFirstCallerWins(t *testing.T) {
	t.Parallel()
	store := New(hostkv.NewMemStorage())
	ctx := context.Background()

	first, err := store.TryClaim(ctx, "acct-1", "msg-1", 42)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.TryClaim(ctx, "acct-1", "msg-1", 42)
	require.NoError(t, err)
	assert.False(t, second, "a duplicate claim on the same message must not succeed")

	processed, err := store.IsProcessed(ctx, "acct-1", "msg-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestTryClaimIsPerAccount(t *testing.T) {
	t.Parallel()
	store := New(hostkv.NewMemStorage())
	ctx := context.Background()

	claimedA, err := store.TryClaim(ctx, "acct-a", "msg-1", 1)
	require.NoError(t, err)
	assert.True(t, claimedA)

	claimedB, err := store.TryClaim(ctx, "acct-b", "msg-1", 1)
	require.NoError(t, err)
	assert.True(t, claimedB, "the same message-id under a different account must claim independently")
}

package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/tier-gateway/internal/config"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_AppendAndTotals(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.Append(ctx, Record{RequestID: "r1", User: "u1", Tier: config.TierFast, InputTokens: 100, OutputTokens: 20, ChunkIndex: -1, Success: true, CreatedAt: now}))
	require.NoError(t, l.Append(ctx, Record{RequestID: "r2", User: "u1", Tier: config.TierFast, InputTokens: 10, OutputTokens: 5, ChunkIndex: -1, Success: true, CreatedAt: now}))
	require.NoError(t, l.Append(ctx, Record{RequestID: "r3", User: "u1", Tier: config.TierDeep, InputTokens: 1000, ChunkIndex: -1, CreatedAt: now}))
	require.NoError(t, l.Append(ctx, Record{RequestID: "r4", User: "u2", Tier: config.TierFast, InputTokens: 7, ChunkIndex: -1, CreatedAt: now}))
	// Outside the window.
	require.NoError(t, l.Append(ctx, Record{RequestID: "r0", User: "u1", Tier: config.TierFast, InputTokens: 999, ChunkIndex: -1, CreatedAt: now.Add(-48 * time.Hour)}))

	totals, err := l.Totals(ctx, "u1", config.TierFast, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Totals{Requests: 2, Tokens: 135}, totals)

	empty, err := l.Totals(ctx, "nobody", config.TierFast, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Totals{}, empty)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestLedger_RecentRoundTripsFlags(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Record{
		RequestID: "chunk-1", User: "u1", Tier: config.TierDeep, Decomposed: true,
		ParentRequestID: "parent", ChunkIndex: 1, Streaming: false, Success: true,
	}))

	recs, err := l.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Decomposed)
	assert.Equal(t, "parent", recs[0].ParentRequestID)
	assert.Equal(t, 1, recs[0].ChunkIndex)
	assert.Equal(t, config.TierDeep, recs[0].Tier)
	assert.False(t, recs[0].CreatedAt.IsZero())
}

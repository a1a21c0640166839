package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/agentcore/internal/types"
)

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	ledgers := NewLedgers(NewFileStore(t.TempDir()))

	l, err := ledgers.Get(ctx)
	require.NoError(t, err)
	require.True(t, l.Empty())

	_, err = ledgers.Update(ctx, func(l *Ledger) {
		l.Goal = "ship the parser"
		l.Now = "writing tests"
		l.Next = []string{"benchmarks"}
		l.AddWorkingFile("parser.go")
		l.AddWorkingFile("parser.go")
	})
	require.NoError(t, err)
	require.NoError(t, ledgers.AddDone(ctx, "lexer"))

	l, err = ledgers.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "ship the parser", l.Goal)
	require.Equal(t, []string{"lexer"}, l.Done)
	require.Equal(t, []string{"parser.go"}, l.WorkingFiles)
	require.False(t, l.UpdatedAt.IsZero())
	require.Contains(t, l.Markdown(), "Goal: ship the parser")

	require.NoError(t, ledgers.Clear(ctx, true))
	l, err = ledgers.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "ship the parser", l.Goal)
	require.Empty(t, l.Done)
	require.Empty(t, l.Now)

	require.NoError(t, ledgers.Clear(ctx, false))
	l, err = ledgers.Load(ctx)
	require.NoError(t, err)
	require.True(t, l.Empty())
}

func TestLedgerGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	ledgers := NewLedgers(NewFileStore(t.TempDir()))
	require.NoError(t, ledgers.AddDone(ctx, "a"))

	l, err := ledgers.Get(ctx)
	require.NoError(t, err)
	l.Done[0] = "mutated"

	again, err := ledgers.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", again.Done[0])
}

func TestLedgerDoneIsBounded(t *testing.T) {
	ctx := context.Background()
	ledgers := NewLedgers(NewFileStore(t.TempDir()))
	for i := 0; i < maxDone+5; i++ {
		require.NoError(t, ledgers.AddDone(ctx, "item"))
	}
	l, err := ledgers.Load(ctx)
	require.NoError(t, err)
	require.Len(t, l.Done, maxDone)
}

func TestFileHandoffs(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	base := time.Now().Add(-time.Hour).UTC()

	var ids []types.HandoffID
	for i := 0; i < 3; i++ {
		id, err := store.Create(ctx, &Handoff{
			SessionID: "s1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Summary:   "summary",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	h, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, types.SessionID("s1"), h.SessionID)

	_, err = store.Get(ctx, "handoff_missing")
	require.ErrorIs(t, err, ErrHandoffNotFound)

	recent, err := store.GetRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, ids[2], recent[0].ID)
	require.Equal(t, ids[1], recent[1].ID)

	_, err = store.Create(ctx, &Handoff{})
	require.Error(t, err)
}

func TestFileHandoffPrune(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	now := time.Now().UTC()
	for _, age := range []time.Duration{72 * time.Hour, 48 * time.Hour, time.Hour} {
		_, err := store.Create(ctx, &Handoff{SessionID: "s", CreatedAt: now.Add(-age)})
		require.NoError(t, err)
	}

	removed, err := store.Prune(ctx, now.Add(-24*time.Hour), 1)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	left, err := store.GetRecent(ctx, -1)
	require.NoError(t, err)
	require.Len(t, left, 1)

	removed, err = store.Prune(ctx, now, 1)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestRetentionRunOnce(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())
	old := time.Now().Add(-10 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, &Handoff{SessionID: "s", CreatedAt: old.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	r := NewRetention(store, 7*24*time.Hour, 2)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Error(t, r.Start("not a schedule"))
	require.NoError(t, r.Start("@every 1h"))
	r.Stop()
}

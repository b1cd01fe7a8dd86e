// ABOUTME: Tests for the SQLite invocation history store
// ABOUTME: Covers schema creation, recording, filtered listing, limits and pruning

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "history.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestSQLiteStore_CloseTwice(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}

func TestRecordInvocation_FillsDefaults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &InvocationRecord{
		CorrelationID: "corr-1",
		ToolName:      "sum",
		AgentID:       "a1",
		Status:        StatusCompleted,
		DurationMs:    250,
	}
	require.NoError(t, store.RecordInvocation(ctx, rec))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.FinishedAt.IsZero())
	assert.Equal(t, time.UTC, rec.FinishedAt.Location())
	assert.Equal(t, 250*time.Millisecond, rec.FinishedAt.Sub(rec.StartedAt))

	got, err := store.ListInvocations(ctx, InvocationFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
	assert.Equal(t, "sum", got[0].ToolName)
	assert.Equal(t, "a1", got[0].AgentID)
	assert.Equal(t, StatusCompleted, got[0].Status)
	assert.Equal(t, int64(250), got[0].DurationMs)
	assert.True(t, rec.FinishedAt.Equal(got[0].FinishedAt))
}

func TestRecordInvocation_Rejects(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  InvocationRecord
	}{
		{"missing tool", InvocationRecord{CorrelationID: "c", Status: StatusCompleted}},
		{"missing correlation id", InvocationRecord{ToolName: "t", Status: StatusCompleted}},
		{"unknown status", InvocationRecord{ToolName: "t", CorrelationID: "c", Status: "pending"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			err := store.RecordInvocation(ctx, &rec)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestListInvocations_NewestFirstAndFiltered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	records := []InvocationRecord{
		{CorrelationID: "1", ToolName: "sum", AgentID: "a1", Status: StatusCompleted, FinishedAt: base},
		{CorrelationID: "2", ToolName: "echo", AgentID: "a2", Status: StatusFailed, Reason: "timeout", FinishedAt: base.Add(time.Second)},
		{CorrelationID: "3", ToolName: "sum", AgentID: "a1", Status: StatusFailed, Reason: "tool_error", FinishedAt: base.Add(1500 * time.Millisecond)},
		{CorrelationID: "4", ToolName: "sum", AgentID: "a1", Status: StatusCompleted, FinishedAt: base.Add(2 * time.Second)},
	}
	for i := range records {
		require.NoError(t, store.RecordInvocation(ctx, &records[i]))
	}

	all, err := store.ListInvocations(ctx, InvocationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{"4", "3", "2", "1"}, correlationIDs(all))

	byTool, err := store.ListInvocations(ctx, InvocationFilter{ToolName: "sum"})
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "3", "1"}, correlationIDs(byTool))

	byAgent, err := store.ListInvocations(ctx, InvocationFilter{AgentID: "a2"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "timeout", byAgent[0].Reason)

	failedSum, err := store.ListInvocations(ctx, InvocationFilter{ToolName: "sum", Status: StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, correlationIDs(failedSum))

	limited, err := store.ListInvocations(ctx, InvocationFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "3"}, correlationIDs(limited))
}

func TestListInvocations_Empty(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.ListInvocations(context.Background(), InvocationFilter{ToolName: "nothing"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPruneInvocations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := &InvocationRecord{
			CorrelationID: fmt.Sprintf("c%d", i),
			ToolName:      "sum",
			Status:        StatusCompleted,
			FinishedAt:    base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, store.RecordInvocation(ctx, rec))
	}

	removed, err := store.PruneInvocations(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	n, err := store.CountInvocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, normalizeLimit(0))
	assert.Equal(t, defaultListLimit, normalizeLimit(-5))
	assert.Equal(t, 10, normalizeLimit(10))
	assert.Equal(t, maxListLimit, normalizeLimit(maxListLimit+1))
}

func correlationIDs(records []*InvocationRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.CorrelationID
	}
	return out
}

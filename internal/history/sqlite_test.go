package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sub", "history.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	next := started.Add(260000 * time.Second)
	run := &Run{
		Flow:         "specified",
		StartedAt:    started,
		FinishedAt:   started.Add(42 * time.Second),
		Status:       StatusSucceeded,
		FilesCopied:  12,
		BytesCopied:  4096,
		Members:      2,
		ArchiveBytes: 2048,
		Uploaded:     2,
		NextRun:      &next,
		Details: &Details{
			Uploads: []UploadRecord{{Path: "a_part1.zip", Succeeded: true, Endpoint: "store9.gofile.io", RemoteRef: "https://gofile.io/d/x", Attempts: 1}},
			Failures: []FailureRecord{{Path: "Desktop/locked.docx", Kind: "transient_access", Error: "permission denied"}},
		},
	}

	require.NoError(t, store.RecordRun(ctx, run))
	require.NotEqual(t, uuid.Nil, run.ID)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)

	if got.Flow != "specified" {
		t.Errorf("Flow = %q, want %q", got.Flow, "specified")
	}
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Equal(t, 12, got.FilesCopied)
	assert.Equal(t, int64(4096), got.BytesCopied)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, 42*time.Second, got.Duration())
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))
	require.NotNil(t, got.Details)
	assert.Equal(t, run.Details.Uploads, got.Details.Uploads)
	assert.Equal(t, run.Details.Failures, got.Details.Failures)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLiteStore_ListAndSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	statuses := []Status{StatusFailed, StatusSucceeded, StatusSkipped, StatusSucceeded, StatusFailed}
	for i, st := range statuses {
		start := base.Add(time.Duration(i) * time.Minute)
		run := &Run{
			Flow:       []string{"specified", "disk"}[i%2],
			StartedAt:  start,
			FinishedAt: start.Add(time.Second),
			Status:     st,
		}
		if st == StatusFailed {
			run.Error = "network unavailable"
		}
		require.NoError(t, store.RecordRun(ctx, run))
	}

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 5)
	assert.Equal(t, StatusFailed, runs[0].Status, "newest first")
	assert.Equal(t, "network unavailable", runs[0].Error)

	limited, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	summary, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	require.NotNil(t, summary.LastSuccessAt)
	assert.Equal(t, "disk", summary.LastSuccessFlow)
}

func TestSQLiteStore_SummaryEmpty(t *testing.T) {
	summary, err := newTestStore(t).Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.Nil(t, summary.LastSuccessAt)
}

func TestSQLiteStore_Prune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, store.RecordRun(ctx, &Run{Flow: "disk", StartedAt: old, FinishedAt: old, Status: StatusSucceeded}))
	require.NoError(t, store.RecordRun(ctx, &Run{Flow: "disk", StartedAt: time.Now(), FinishedAt: time.Now(), Status: StatusSucceeded}))

	n, err := store.Prune(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	run := &Run{Flow: "specified", StartedAt: time.Now(), FinishedAt: time.Now(), Status: StatusFailed}
	require.NoError(t, store.RecordRun(context.Background(), run))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-worker/internal/clock"
	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockQueue(t *testing.T) (*QueueStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewQueueStore(mock, "", clock.NewManual(testNow), crawler.DefaultSchedule())
	require.NoError(t, err)
	return store, mock
}

func TestNewQueueStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewQueueStore(mock, "crawl_queue; DROP TABLE x", clock.NewManual(testNow), crawler.Schedule{})
	require.Error(t, err)
	_, err = NewQueueStore(nil, "", clock.NewManual(testNow), crawler.Schedule{})
	require.Error(t, err)
}

func TestEnqueueIfAbsentInsertsNormalizedURL(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	mock.ExpectQuery(`INSERT INTO crawl_queue .* ON CONFLICT \(url\) DO UPDATE\s+SET priority = GREATEST`).
		WithArgs("https://example.org/a", crawler.ViaLink, crawler.PriorityLink, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))

	inserted, err := store.EnqueueIfAbsent(context.Background(), "HTTPS://Example.org:443/a#top", crawler.ViaLink, crawler.PriorityLink)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueIfAbsentExistingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	mock.ExpectQuery("INSERT INTO crawl_queue").
		WithArgs("https://example.org/", crawler.ViaSeed, crawler.PrioritySeed, testNow).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO crawl_queue").
		WithArgs("https://example.org/", crawler.ViaSeed, crawler.PrioritySeed, testNow).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	for i := 0; i < 2; i++ {
		inserted, err := store.EnqueueIfAbsent(context.Background(), "https://example.org/", crawler.ViaSeed, crawler.PrioritySeed)
		require.NoError(t, err)
		require.False(t, inserted)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueIfAbsentInvalidURLNeverQueries(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	_, err := store.EnqueueIfAbsent(context.Background(), "javascript:alert(1)", crawler.ViaLink, 1)
	require.ErrorIs(t, err, crawler.ErrInvalidURL)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueIfAbsentWrapsErrors(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery("INSERT INTO crawl_queue").
		WithArgs("https://example.org/", crawler.ViaLink, 1, testNow).
		WillReturnError(boom)

	_, err := store.EnqueueIfAbsent(context.Background(), "https://example.org/", crawler.ViaLink, 1)
	require.ErrorIs(t, err, boom)
}

func TestDequeueDueClaimsWithSkipLocked(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	inflight := testNow.Add(5 * time.Minute)
	rows := pgxmock.NewRows([]string{
		"id", "url", "discovered_via", "priority", "next_fetch_at", "attempts", "last_status", "last_error", "dead",
	}).
		AddRow(int64(7), "https://example.org/b", crawler.ViaLink, 10, inflight, 2, 500, "http status 500", false).
		AddRow(int64(3), "https://example.org/", crawler.ViaSeed, 100, inflight, 1, 0, "", false)

	mock.ExpectQuery(`(?s)WITH due AS .*ORDER BY priority DESC, next_fetch_at ASC, id ASC.*FOR UPDATE SKIP LOCKED.*SET attempts = q.attempts \+ 1`).
		WithArgs(testNow, 5, inflight).
		WillReturnRows(rows)

	items, err := store.DequeueDue(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.Equal(t, int64(3), items[0].ID)
	require.Equal(t, crawler.PrioritySeed, items[0].Priority)
	require.Nil(t, items[0].LastStatus)

	require.Equal(t, int64(7), items[1].ID)
	require.Equal(t, 2, items[1].Attempts)
	require.Equal(t, 500, *items[1].LastStatus)
	require.Equal(t, "http status 500", items[1].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueDueZeroBatch(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	items, err := store.DequeueDue(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSuccessSchedulesRefresh(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	mock.ExpectExec(`UPDATE crawl_queue\s+SET next_fetch_at = \$2, attempts = 0`).
		WithArgs(int64(3), testNow.Add(12*time.Hour), 200, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkSuccess(context.Background(), 3, 200))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailureUsesBackoff(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	status := 503
	mock.ExpectExec(`UPDATE crawl_queue\s+SET next_fetch_at = \$2, last_status = \$3, last_error = \$4`).
		WithArgs(int64(9), testNow.Add(2*time.Hour), &status, "http status 503", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkFailure(context.Background(), 9, &status, "http status 503", 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDeadMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	mock.ExpectExec(`UPDATE crawl_queue\s+SET dead = true`).
		WithArgs(int64(404), (*int)(nil), "invalid url", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.MarkDead(context.Background(), 404, nil, "invalid url")
	require.ErrorIs(t, err, ErrQueueItemNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsCountsByState(t *testing.T) {
	t.Parallel()

	store, mock := newMockQueue(t)
	mock.ExpectQuery(`SELECT count\(\*\)`).
		WithArgs(testNow).
		WillReturnRows(pgxmock.NewRows([]string{"total", "due", "dead"}).AddRow(int64(12), int64(4), int64(1)))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{Total: 12, Due: 4, Dead: 1}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

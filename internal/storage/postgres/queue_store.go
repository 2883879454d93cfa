package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

// ErrQueueItemNotFound is returned when a mark targets a missing row.
var ErrQueueItemNotFound = errors.New("queue item not found")

// QueueStore is the durable crawl queue. Timestamps come from the injected
// clock so every replica schedules against the same notion of now as its
// callers.
type QueueStore struct {
	pool     Pool
	table    string
	clock    crawler.Clock
	schedule crawler.Schedule
}

// NewQueueStore builds a QueueStore over pool.
func NewQueueStore(pool Pool, table string, clock crawler.Clock, schedule crawler.Schedule) (*QueueStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	name, err := tableName(table, DefaultQueueTable)
	if err != nil {
		return nil, err
	}
	return &QueueStore{pool: pool, table: name, clock: clock, schedule: schedule.WithDefaults()}, nil
}

// EnqueueIfAbsent inserts url as due now. An existing row only has its
// priority raised. It reports whether a new row was created.
func (s *QueueStore) EnqueueIfAbsent(ctx context.Context, rawURL, via string, priority int) (bool, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (url, discovered_via, priority, next_fetch_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (url) DO UPDATE
SET priority = GREATEST(%[1]s.priority, EXCLUDED.priority), updated_at = EXCLUDED.next_fetch_at
WHERE %[1]s.priority < EXCLUDED.priority
RETURNING (xmax = 0) AS inserted`, s.table)

	var inserted bool
	err = s.pool.QueryRow(ctx, query, normalized, via, priority, s.clock.Now().UTC()).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("enqueue %s: %w", normalized, err)
	}
	return inserted, nil
}

// DequeueDue atomically claims up to batch due rows. Claimed rows get their
// attempt counter bumped and are hidden for the inflight window, so a crashed
// worker's items reappear on their own.
func (s *QueueStore) DequeueDue(ctx context.Context, batch int) ([]crawler.QueueItem, error) {
	if batch <= 0 {
		return nil, nil
	}
	now := s.clock.Now().UTC()
	query := fmt.Sprintf(`
WITH due AS (
	SELECT id FROM %[1]s
	WHERE NOT dead AND next_fetch_at <= $1
	ORDER BY priority DESC, next_fetch_at ASC, id ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE %[1]s AS q
SET attempts = q.attempts + 1, next_fetch_at = $3, updated_at = $1
FROM due
WHERE q.id = due.id
RETURNING q.id, q.url, q.discovered_via, q.priority, q.next_fetch_at, q.attempts,
	COALESCE(q.last_status, 0), COALESCE(q.last_error, ''), q.dead`, s.table)

	rows, err := s.pool.Query(ctx, query, now, batch, now.Add(s.schedule.InflightWindow))
	if err != nil {
		return nil, fmt.Errorf("claim due items: %w", err)
	}
	defer rows.Close()

	var items []crawler.QueueItem
	for rows.Next() {
		var (
			item       crawler.QueueItem
			lastStatus int
		)
		if err := rows.Scan(
			&item.ID,
			&item.URL,
			&item.DiscoveredVia,
			&item.Priority,
			&item.NextFetchAt,
			&item.Attempts,
			&lastStatus,
			&item.LastError,
			&item.Dead,
		); err != nil {
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		if lastStatus != 0 {
			item.LastStatus = &lastStatus
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed items: %w", err)
	}
	// RETURNING does not preserve the CTE order.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// MarkSuccess schedules the next refresh and clears failure state.
func (s *QueueStore) MarkSuccess(ctx context.Context, id int64, status int) error {
	now := s.clock.Now().UTC()
	query := fmt.Sprintf(`
UPDATE %s
SET next_fetch_at = $2, attempts = 0, last_status = $3, last_error = NULL, updated_at = $4
WHERE id = $1`, s.table)
	return s.mark(ctx, "mark success", query, id, now.Add(s.schedule.SuccessInterval), status, now)
}

// MarkFailure backs the row off by the schedule for attempts.
func (s *QueueStore) MarkFailure(ctx context.Context, id int64, status *int, reason string, attempts int) error {
	now := s.clock.Now().UTC()
	query := fmt.Sprintf(`
UPDATE %s
SET next_fetch_at = $2, last_status = $3, last_error = $4, updated_at = $5
WHERE id = $1`, s.table)
	return s.mark(ctx, "mark failure", query, id, s.schedule.Backoff.Next(now, attempts), status, reason, now)
}

// MarkDead removes the row from scheduling permanently.
func (s *QueueStore) MarkDead(ctx context.Context, id int64, status *int, reason string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET dead = true, last_status = $2, last_error = $3, updated_at = $4
WHERE id = $1`, s.table)
	return s.mark(ctx, "mark dead", query, id, status, reason, s.clock.Now().UTC())
}

// Stats counts rows by state.
func (s *QueueStore) Stats(ctx context.Context) (crawler.QueueStats, error) {
	query := fmt.Sprintf(`
SELECT count(*),
	count(*) FILTER (WHERE NOT dead AND next_fetch_at <= $1),
	count(*) FILTER (WHERE dead)
FROM %s`, s.table)
	var stats crawler.QueueStats
	if err := s.pool.QueryRow(ctx, query, s.clock.Now().UTC()).Scan(&stats.Total, &stats.Due, &stats.Dead); err != nil {
		return crawler.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func (s *QueueStore) mark(ctx context.Context, op, query string, id int64, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", op, id, ErrQueueItemNotFound)
	}
	return nil
}

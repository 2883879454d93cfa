// Package memory provides in-memory queue, document and blob stores for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/ingest-worker/internal/crawler"
)

// Queue is an in-memory crawl queue. Claims happen under one mutex, which
// gives the same mutual exclusion as row locks with SKIP LOCKED.
type Queue struct {
	mu       sync.Mutex
	clock    crawler.Clock
	schedule crawler.Schedule
	nextID   int64
	items    map[int64]*crawler.QueueItem
	byURL    map[string]int64
}

// NewQueue constructs a Queue.
func NewQueue(clock crawler.Clock, schedule crawler.Schedule) *Queue {
	return &Queue{
		clock:    clock,
		schedule: schedule.WithDefaults(),
		items:    make(map[int64]*crawler.QueueItem),
		byURL:    make(map[string]int64),
	}
}

// EnqueueIfAbsent inserts url as due now, or raises the priority of an existing row.
func (q *Queue) EnqueueIfAbsent(_ context.Context, rawURL, via string, priority int) (bool, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.byURL[normalized]; ok {
		if item := q.items[id]; item.Priority < priority {
			item.Priority = priority
		}
		return false, nil
	}
	q.nextID++
	q.items[q.nextID] = &crawler.QueueItem{
		ID:            q.nextID,
		URL:           normalized,
		DiscoveredVia: via,
		Priority:      priority,
		NextFetchAt:   q.clock.Now().UTC(),
	}
	q.byURL[normalized] = q.nextID
	return true, nil
}

// DequeueDue claims up to batch due items ordered by priority desc, next_fetch_at, id.
func (q *Queue) DequeueDue(_ context.Context, batch int) ([]crawler.QueueItem, error) {
	if batch <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now().UTC()

	due := make([]*crawler.QueueItem, 0, batch)
	for _, item := range q.items {
		if !item.Dead && !item.NextFetchAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.NextFetchAt.Equal(b.NextFetchAt) {
			return a.NextFetchAt.Before(b.NextFetchAt)
		}
		return a.ID < b.ID
	})
	if len(due) > batch {
		due = due[:batch]
	}

	claimed := make([]crawler.QueueItem, 0, len(due))
	for _, item := range due {
		item.Attempts++
		item.NextFetchAt = now.Add(q.schedule.InflightWindow)
		claimed = append(claimed, cloneItem(item))
	}
	return claimed, nil
}

// MarkSuccess schedules the next refresh and clears the failure state.
func (q *Queue) MarkSuccess(_ context.Context, id int64, status int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return errNotFound
	}
	item.NextFetchAt = q.clock.Now().UTC().Add(q.schedule.SuccessInterval)
	item.Attempts = 0
	item.LastStatus = intPtr(status)
	item.LastError = ""
	return nil
}

// MarkFailure backs the item off according to its attempt count.
func (q *Queue) MarkFailure(_ context.Context, id int64, status *int, reason string, attempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return errNotFound
	}
	item.NextFetchAt = q.schedule.Backoff.Next(q.clock.Now().UTC(), attempts)
	item.LastStatus = copyInt(status)
	item.LastError = reason
	return nil
}

// MarkDead stops the item from ever being claimed again.
func (q *Queue) MarkDead(_ context.Context, id int64, status *int, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return errNotFound
	}
	item.Dead = true
	item.LastStatus = copyInt(status)
	item.LastError = reason
	return nil
}

// Stats counts rows by state.
func (q *Queue) Stats(_ context.Context) (crawler.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now().UTC()
	var stats crawler.QueueStats
	for _, item := range q.items {
		stats.Total++
		switch {
		case item.Dead:
			stats.Dead++
		case !item.NextFetchAt.After(now):
			stats.Due++
		}
	}
	return stats, nil
}

// Get returns a copy of the row for url.
func (q *Queue) Get(rawURL string) (crawler.QueueItem, bool) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.QueueItem{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byURL[normalized]
	if !ok {
		return crawler.QueueItem{}, false
	}
	return cloneItem(q.items[id]), true
}

// Len returns the number of rows.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

var errNotFound = errors.New("queue item not found")

func cloneItem(item *crawler.QueueItem) crawler.QueueItem {
	out := *item
	out.LastStatus = copyInt(item.LastStatus)
	return out
}

func intPtr(v int) *int {
	return &v
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	return intPtr(*v)
}

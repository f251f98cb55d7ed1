package casesource

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultLookback is how far back the first poll reaches.
const DefaultLookback = 7 * 24 * time.Hour

// Lister lists cases created since a point in time. Implementations should
// return the oldest cases first; Poll sorts the listing regardless.
type Lister interface {
	ListCases(ctx context.Context, since time.Time, limit int) ([]Case, error)
}

// EnqueueFunc hands one case to the pipeline and returns its workflow id.
type EnqueueFunc func(ctx context.Context, caseID string, data map[string]any) (string, error)

// Poller feeds newly created upstream cases into the pipeline. The cursor
// only advances past cases that were enqueued, so a failed enqueue is picked
// up again on the next poll.
type Poller struct {
	lister  Lister
	enqueue EnqueueFunc
	logger  log.Logger
	limit   int

	mu    sync.Mutex
	since time.Time
	seen  map[string]time.Time
}

// NewPoller creates a poller starting lookback before now.
func NewPoller(lister Lister, enqueue EnqueueFunc, limit int, lookback time.Duration, logger log.Logger) *Poller {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	return &Poller{
		lister:  lister,
		enqueue: enqueue,
		logger:  logger,
		limit:   clampLimit(limit),
		since:   time.Now().Add(-lookback),
		seen:    make(map[string]time.Time),
	}
}

// Since returns the current cursor.
func (p *Poller) Since() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.since
}

// Poll lists new cases and enqueues each one not yet enqueued by this
// poller. It returns how many were enqueued.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cases, err := p.lister.ListCases(ctx, p.since, p.limit)
	if err != nil {
		return 0, fmt.Errorf("list cases: %w", err)
	}
	// the cursor only moves forward, so an older case behind a failed
	// enqueue must never be visited after a newer one
	cases = slices.Clone(cases)
	slices.SortStableFunc(cases, func(a, b Case) int {
		return CreatedAt(a).Compare(CreatedAt(b))
	})

	enqueued := 0
	cursor := p.since
	for _, c := range cases {
		id := CaseID(c)
		if id == "" {
			p.logger.Warn(ctx, "skipping case without id")
			continue
		}
		if _, dup := p.seen[id]; dup {
			continue
		}
		if ts := CreatedAt(c); !ts.IsZero() && ts.Before(p.since) {
			continue
		}

		wfID, err := p.enqueue(ctx, id, c)
		if err != nil {
			p.logger.Error(ctx, err, "failed to enqueue case", "case_id", id)
			// stop advancing so the case is listed again
			break
		}
		ts := CreatedAt(c)
		p.seen[id] = ts
		enqueued++
		if ts.After(cursor) {
			cursor = ts
		}
		p.logger.Info(ctx, "case enqueued", "case_id", id, "workflow_id", wfID)
	}
	p.since = cursor
	// ids older than the cursor can no longer be listed
	for id, ts := range p.seen {
		if ts.Before(cursor) {
			delete(p.seen, id)
		}
	}
	return enqueued, nil
}

// CaseID returns the case identifier, accepting both "_id" and "case_id".
func CaseID(c Case) string {
	for _, k := range []string{"_id", "case_id", "id"} {
		if s, ok := c[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// CreatedAt reads created_at as epoch milliseconds or an RFC3339 string.
func CreatedAt(c Case) time.Time {
	switch v := c["created_at"].(type) {
	case float64:
		return time.UnixMilli(int64(v))
	case int64:
		return time.UnixMilli(v)
	case int:
		return time.UnixMilli(int64(v))
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

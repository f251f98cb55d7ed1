package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"
)

// Kind names a per-case collection.
type Kind string

const (
	KindAlerts      Kind = "alerts"
	KindObservables Kind = "observables"
	KindActivities  Kind = "activities"
)

// Defaults for Collector.
const (
	DefaultPageSize  = 5
	DefaultPageDelay = time.Second
	DefaultMaxPages  = 200
)

// Item is one element of a collection as returned by the case source.
type Item = map[string]any

// FetchFunc returns up to limit items starting at skip.
type FetchFunc func(ctx context.Context, skip, limit int) ([]Item, error)

// WriteFunc handles one item.
type WriteFunc func(ctx context.Context, item Item) error

// Summary reports the outcome of one collection.
type Summary struct {
	Kind      Kind     `json:"kind"`
	Pages     int      `json:"pages"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Collector pages through a case collection and writes each page's items
// concurrently through a shared Limiter.
type Collector struct {
	limiter *Limiter
	logger  log.Logger

	PageSize  int
	PageDelay time.Duration
	MaxPages  int
}

// NewCollector creates a collector with default paging.
func NewCollector(limiter *Limiter, logger log.Logger) *Collector {
	if limiter == nil {
		limiter = NewLimiter(DefaultConcurrency)
	}
	return &Collector{
		limiter:   limiter,
		logger:    logger,
		PageSize:  DefaultPageSize,
		PageDelay: DefaultPageDelay,
		MaxPages:  DefaultMaxPages,
	}
}

// Limiter returns the shared limiter.
func (c *Collector) Limiter() *Limiter { return c.limiter }

// Collect fetches pages until an empty page or MaxPages. Every item of a page
// is written before the next page is fetched. A failed write is logged and
// counted without stopping its siblings; a failed fetch aborts the collection
// and is returned unwrapped so callers can classify it.
func (c *Collector) Collect(ctx context.Context, caseID string, kind Kind, fetch FetchFunc, write WriteFunc) (Summary, error) {
	L := c.logger.With("case_id", caseID, "kind", string(kind))
	sum := Summary{Kind: kind}
	size := max(c.PageSize, 1)

	for page := 0; c.MaxPages <= 0 || page < c.MaxPages; page++ {
		if page > 0 && c.PageDelay > 0 {
			t := time.NewTimer(c.PageDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return sum, ctx.Err()
			case <-t.C:
			}
		}

		items, err := fetch(ctx, page*size, size)
		if err != nil {
			L.Error(ctx, err, "collection page fetch failed", "page", page)
			return sum, err
		}
		if len(items) == 0 {
			break
		}
		sum.Pages++

		errs := c.writePage(ctx, items, write)
		for i, werr := range errs {
			if werr == nil {
				sum.Succeeded++
				continue
			}
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("item %d: %v", page*size+i, werr))
			L.Error(ctx, werr, "collection item failed", "page", page, "index", page*size+i)
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
	}

	L.Info(ctx, "collection complete", "pages", sum.Pages, "succeeded", sum.Succeeded, "failed", sum.Failed)
	return sum, nil
}

// writePage runs write for every item and returns per-item errors. The group
// goroutines never return an error themselves so one failure does not cancel
// the rest of the page.
func (c *Collector) writePage(ctx context.Context, items []Item, write WriteFunc) []error {
	errs := make([]error, len(items))
	var g errgroup.Group
	for i, item := range items {
		g.Go(func() error {
			if err := c.limiter.Acquire(ctx); err != nil {
				errs[i] = err
				return nil
			}
			defer c.limiter.Release()
			errs[i] = safeWrite(ctx, item, write)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func safeWrite(ctx context.Context, item Item, write WriteFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return write(ctx, item)
}

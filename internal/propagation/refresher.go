package propagation

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"makerhub/backend/internal/domain"
)

const (
	defaultFetchTimeout = 5 * time.Second
	maxParallelFetches  = 8
	generationBuckets   = 256
)

// Fetcher re-reads the authoritative state of the resource an event points at.
type Fetcher func(ctx context.Context, event domain.ChangeEvent) (any, error)

type Refreshed struct {
	Event domain.ChangeEvent
	Value any
	Err   error
}

// Refresher turns invalidation batches into fresh reads. Concurrent refreshes of
// the same resource, from any number of subscribers, share one fetch, as long as
// no invalidation for that resource arrived after the fetch began.
type Refresher struct {
	group   singleflight.Group
	gens    [generationBuckets]atomic.Uint64
	fetch   Fetcher
	timeout time.Duration
	logger  *zap.Logger
}

func NewRefresher(fetch Fetcher, timeout time.Duration, logger *zap.Logger) *Refresher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{fetch: fetch, timeout: timeout, logger: logger.Named("refresher")}
}

// Invalidate marks in-flight fetches of the event's resource as stale: later
// refreshes start their own fetch instead of joining one that may predate the change.
// Resources share generation buckets, so an unrelated key can lose a join too.
func (r *Refresher) Invalidate(event domain.ChangeEvent) {
	r.gens[generationBucket(event.Key())].Add(1)
}

func (r *Refresher) flightKey(resource string) string {
	gen := r.gens[generationBucket(resource)].Load()
	return resource + "#" + strconv.FormatUint(gen, 10)
}

func generationBucket(resource string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(resource))
	return h.Sum32() % generationBuckets
}

// Refresh fetches every resource in the batch. Results keep batch order; a failed
// fetch is reported in its slot and does not stop the others.
func (r *Refresher) Refresh(ctx context.Context, batch []domain.ChangeEvent) []Refreshed {
	results := make([]Refreshed, len(batch))

	var g errgroup.Group
	g.SetLimit(maxParallelFetches)
	for i, event := range batch {
		results[i].Event = event
		g.Go(func() error {
			value, err, shared := r.group.Do(r.flightKey(event.Key()), func() (any, error) {
				// Detached so one subscriber hanging up does not fail the fetch it shares.
				fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
				defer cancel()
				return r.fetch(fetchCtx, event)
			})
			if err != nil {
				r.logger.Debug("refresh failed", zap.String("resource", event.Key()), zap.Error(err))
			}
			results[i].Value = value
			results[i].Err = err
			if shared {
				r.logger.Debug("refresh shared", zap.String("resource", event.Key()))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Package limits caches per-provider usage limits and coordinates
// refreshes so that at most one refresh round is in flight.
package limits

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh-all"

// Update is a merged cache published to subscribers.
type Update struct {
	Limits     map[string]*models.UsageLimits
	LastUpdate time.Time
}

// Coordinator owns the limits cache.
type Coordinator struct {
	sources []Source
	byName  map[string]Source
	store   SnapshotStore
	logger  *slog.Logger

	mu         sync.RWMutex
	cache      map[string]*models.UsageLimits
	lastUpdate time.Time

	group singleflight.Group

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int

	now func() time.Time
}

// NewCoordinator returns a coordinator over sources. store may be nil;
// when set, the cache is warmed from its last snapshot.
func NewCoordinator(sources []Source, store SnapshotStore, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		sources: sources,
		byName:  make(map[string]Source, len(sources)),
		store:   store,
		logger:  logger,
		cache:   make(map[string]*models.UsageLimits),
		subs:    make(map[int]chan Update),
		now:     time.Now,
	}

	for _, s := range sources {
		c.byName[s.Name()] = s
	}

	if store != nil {
		c.warm()
	}

	return c
}

func (c *Coordinator) warm() {
	snap, at, err := c.store.LoadSnapshot()
	if err != nil {
		c.logger.Warn("loading limits snapshot", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, l := range snap {
		if _, known := c.byName[name]; known && l != nil {
			c.cache[name] = l
		}
	}

	c.lastUpdate = at

	c.logger.Debug("limits cache warmed", slog.Int("providers", len(c.cache)))
}

// Providers returns the source names in registration order.
func (c *Coordinator) Providers() []string {
	names := make([]string, len(c.sources))
	for i, s := range c.sources {
		names[i] = s.Name()
	}

	return names
}

// RefreshAll fetches every source and merges the results. Concurrent
// callers share one round. The round runs detached from ctx, so a caller
// giving up does not abort it for the others; that caller receives the
// previous update time.
func (c *Coordinator) RefreshAll(ctx context.Context) time.Time {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx)), nil
	})

	select {
	case res := <-ch:
		return res.Val.(time.Time)
	case <-ctx.Done():
		return c.LastUpdate()
	}
}

func (c *Coordinator) refresh(ctx context.Context) time.Time {
	results := make([]*models.UsageLimits, len(c.sources))

	var g errgroup.Group
	for i, src := range c.sources {
		g.Go(func() error {
			l, err := c.fetch(ctx, src)
			if err != nil {
				c.logger.Error("limits fetch failed",
					slog.String("provider", src.Name()),
					slog.String("error", err.Error()),
				)

				return nil
			}

			results[i] = l

			return nil
		})
	}

	_ = g.Wait()

	c.mu.Lock()
	for _, l := range results {
		if l != nil {
			c.cache[l.Provider] = l
		}
	}

	c.lastUpdate = c.now()
	at := c.lastUpdate
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveSnapshot(snap, at); err != nil {
			c.logger.Warn("saving limits snapshot", slog.String("error", err.Error()))
		}
	}

	c.publish(Update{Limits: snap, LastUpdate: at})

	c.logger.Debug("limits refreshed", slog.Int("providers", len(snap)))

	return at
}

// fetch queries one source. A panicking source is reported as an error.
func (c *Coordinator) fetch(ctx context.Context, src Source) (l *models.UsageLimits, err error) {
	defer func() {
		if r := recover(); r != nil {
			l, err = nil, fmt.Errorf("source panicked: %v", r)
		}
	}()

	if !src.IsAuthenticated() {
		return &models.UsageLimits{Provider: src.Name()}, nil
	}

	l, err = src.GetLimits(ctx)
	if err != nil {
		return nil, err
	}

	if l == nil {
		return nil, fmt.Errorf("source returned no limits")
	}

	l.Provider = src.Name()

	return l, nil
}

// GetCached returns a copy of the cached limits for provider, or nil.
func (c *Coordinator) GetCached(provider string) *models.UsageLimits {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.cache[provider].Clone()
}

// Snapshot returns a copy of the whole cache.
func (c *Coordinator) Snapshot() map[string]*models.UsageLimits {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() map[string]*models.UsageLimits {
	out := make(map[string]*models.UsageLimits, len(c.cache))
	for k, v := range c.cache {
		out[k] = v.Clone()
	}

	return out
}

// GetOrFetch returns cached limits for provider, fetching and caching them
// on a miss. A failed fetch yields a snapshot carrying the error message.
// Concurrent misses share one detached fetch; a caller whose ctx ends
// first gets ctx.Err() while the fetch completes for the others.
func (c *Coordinator) GetOrFetch(ctx context.Context, provider string) (*models.UsageLimits, error) {
	if l := c.GetCached(provider); l != nil {
		return l, nil
	}

	src, ok := c.byName[provider]
	if !ok {
		return nil, apperr.ErrProviderNotFound
	}

	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan("provider:"+provider, func() (any, error) {
		l, err := c.fetch(fetchCtx, src)
		if err != nil {
			c.logger.Error("limits fetch failed",
				slog.String("provider", provider),
				slog.String("error", err.Error()),
			)

			return models.NewErrorLimits(provider, src.IsAuthenticated(), "Failed to fetch limits"), nil
		}

		c.Set(provider, l)

		return l, nil
	})

	select {
	case res := <-ch:
		return res.Val.(*models.UsageLimits).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Set replaces the cached limits for provider.
func (c *Coordinator) Set(provider string, l *models.UsageLimits) {
	c.mu.Lock()
	c.cache[provider] = l.Clone()
	c.mu.Unlock()
}

// Invalidate drops the cached limits for provider, or all of them when
// provider is empty.
func (c *Coordinator) Invalidate(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if provider == "" {
		c.cache = make(map[string]*models.UsageLimits)
		return
	}

	delete(c.cache, provider)
}

// LastUpdate returns when the last refresh round merged.
func (c *Coordinator) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastUpdate
}

// Subscribe returns a channel receiving every merged round. Slow
// subscribers only see the latest update. Call the returned func to
// unsubscribe.
func (c *Coordinator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Coordinator) publish(u Update) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}

		select {
		case ch <- u:
		default:
		}
	}
}

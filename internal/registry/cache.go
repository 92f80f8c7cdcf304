// Package registry maintains the model descriptor cache and resolves
// loosely specified client model strings to one concrete backend model.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lm-bridge/internal/host"
)

// DefaultTTL is how long a snapshot stays fresh when the configuration
// does not say otherwise.
const DefaultTTL = 5 * time.Minute

// ModelSource is the slice of the host capability the cache consumes.
type ModelSource interface {
	ListModels(ctx context.Context) ([]host.ModelDescriptor, error)
}

// Cache is the process-wide model descriptor cache. Refreshes are
// single-flight: at most one backend call is in flight, and callers that
// arrive during a refresh read the previous snapshot instead of waiting.
// A failed refresh keeps the last good snapshot.
type Cache struct {
	source ModelSource
	ttl    time.Duration

	mu        sync.Mutex
	models    []host.ModelDescriptor
	fetchedAt time.Time
	populated bool
	inflight  chan struct{}
}

// NewCache builds an empty cache over the given source. ttl <= 0 falls
// back to DefaultTTL.
func NewCache(source ModelSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{source: source, ttl: ttl}
}

// Models returns the current snapshot, refreshing first when the cache is
// empty or stale. Callers arriving while another refresh runs get the
// stale snapshot if one exists, and otherwise wait for the in-flight
// result.
func (c *Cache) Models(ctx context.Context) ([]host.ModelDescriptor, error) {
	c.mu.Lock()

	if c.populated && time.Since(c.fetchedAt) < c.ttl {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}

	if c.inflight != nil {
		if c.populated {
			snap := c.snapshotLocked()
			c.mu.Unlock()
			return snap, nil
		}
		done := c.inflight
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}

	return c.refreshLocked(ctx)
}

// Refresh forces a refresh, joining an in-flight one if present. The
// returned error is advisory: the previous snapshot stays intact.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight != nil {
		done := c.inflight
		c.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.fetchedAt = time.Time{}
	_, err := c.refreshLocked(ctx)
	return err
}

// refreshLocked runs one refresh. The caller holds mu; it is released
// around the backend call and before returning.
func (c *Cache) refreshLocked(ctx context.Context) ([]host.ModelDescriptor, error) {
	done := make(chan struct{})
	c.inflight = done
	c.mu.Unlock()

	models, err := c.source.ListModels(ctx)

	c.mu.Lock()
	c.inflight = nil
	close(done)

	if err != nil {
		slog.Warn("model list refresh failed, keeping previous snapshot", "err", err)
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}

	c.models = models
	c.fetchedAt = time.Now()
	c.populated = true
	snap := c.snapshotLocked()
	c.mu.Unlock()
	return snap, nil
}

// Cached returns the current snapshot without triggering a refresh.
func (c *Cache) Cached() []host.ModelDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Invalidate marks the snapshot stale. The models stay readable until the
// next refresh completes.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

func (c *Cache) snapshotLocked() []host.ModelDescriptor {
	if len(c.models) == 0 {
		return nil
	}
	snap := make([]host.ModelDescriptor, len(c.models))
	copy(snap, c.models)
	return snap
}

package cascade

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tenantry.org/internal/obs"
)

// Store loads the raw configuration levels of a module for one tenant.
// orgID and workspaceID may be empty for system or org level reads.
type Store interface {
	Load(ctx context.Context, module, orgID, workspaceID string) (Levels, error)
}

// Key identifies one cached resolution.
type Key struct {
	Module      string
	OrgID       string
	WorkspaceID string
}

func (k Key) String() string {
	return k.Module + "|" + k.OrgID + "|" + k.WorkspaceID
}

// Matches reports whether k falls under the invalidation pattern p. Empty
// fields in p match anything.
func (k Key) Matches(p Key) bool {
	return (p.Module == "" || p.Module == k.Module) &&
		(p.OrgID == "" || p.OrgID == k.OrgID) &&
		(p.WorkspaceID == "" || p.WorkspaceID == k.WorkspaceID)
}

type entry struct {
	resolved Resolved
	loadedAt time.Time
}

// Cache serves resolved configs per (tenant, module). Readers never take a
// lock; at most one load per key is in flight. A load that overlaps an
// invalidation is returned to its callers but not stored, and once
// Invalidate returns no entry read before it remains.
type Cache struct {
	store   Store
	entries sync.Map // Key -> *entry
	group   singleflight.Group
	logger  *zap.Logger
	now     func() time.Time

	// writeMu serialises stores against invalidation sweeps.
	writeMu sync.Mutex
	epoch   atomic.Uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger used for load failures.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCache wraps store with a resolved-config cache.
func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Effective returns the resolved config of module for the given tenant.
func (c *Cache) Effective(ctx context.Context, module, orgID, workspaceID string) (Resolved, error) {
	if c == nil || c.store == nil {
		return Resolved{}, errors.New("cascade: config store unavailable")
	}
	key := Key{
		Module:      strings.TrimSpace(module),
		OrgID:       strings.TrimSpace(orgID),
		WorkspaceID: strings.TrimSpace(workspaceID),
	}
	if v, ok := c.entries.Load(key); ok {
		obs.ObserveCache("hit")
		return v.(*entry).resolved, nil
	}
	obs.ObserveCache("miss")

	ch := c.group.DoChan(key.String(), func() (any, error) {
		if v, ok := c.entries.Load(key); ok {
			return v.(*entry).resolved, nil
		}
		return c.load(ctx, key)
	})
	select {
	case <-ctx.Done():
		return Resolved{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// The shared load may have been cancelled by another caller.
			if isContextErr(res.Err) && ctx.Err() == nil {
				return c.load(ctx, key)
			}
			return Resolved{}, res.Err
		}
		return res.Val.(Resolved), nil
	}
}

func (c *Cache) load(ctx context.Context, key Key) (Resolved, error) {
	startEpoch := c.epoch.Load()
	start := time.Now()
	lv, err := c.store.Load(ctx, key.Module, key.OrgID, key.WorkspaceID)
	obs.ObserveLookup("config", time.Since(start), err)
	if err != nil {
		c.logger.Warn("config load failed",
			zap.String("module", key.Module),
			zap.String("org_id", key.OrgID),
			zap.String("workspace_id", key.WorkspaceID),
			zap.Error(err))
		return Resolved{}, err
	}
	resolved := ResolveLevels(key.Module, lv)
	e := &entry{resolved: resolved, loadedAt: c.now()}

	c.writeMu.Lock()
	stored := c.epoch.Load() == startEpoch
	if stored {
		c.entries.Store(key, e)
	}
	c.writeMu.Unlock()
	if !stored {
		obs.ObserveCache("discard")
	}
	return resolved, nil
}

// Invalidate drops every cached resolution matching pattern and returns how
// many were dropped. A zero Key flushes the cache.
func (c *Cache) Invalidate(pattern Key) int {
	if c == nil {
		return 0
	}
	c.writeMu.Lock()
	c.epoch.Add(1)
	dropped := 0
	c.entries.Range(func(k, _ any) bool {
		if k.(Key).Matches(pattern) {
			c.entries.Delete(k)
			dropped++
		}
		return true
	})
	c.writeMu.Unlock()
	obs.ObserveCache("invalidate")
	c.logger.Debug("config cache invalidated",
		zap.String("module", pattern.Module),
		zap.String("org_id", pattern.OrgID),
		zap.String("workspace_id", pattern.WorkspaceID),
		zap.Int("dropped", dropped))
	return dropped
}

// Len reports the number of cached resolutions.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

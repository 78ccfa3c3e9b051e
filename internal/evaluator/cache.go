package evaluator

import (
	"context"
	"sync"
	"time"

	"alarmeval/internal/types"
)

type cacheEntry struct {
	alarms    []*types.Alarm
	expiresAt time.Time
}

// projectCache holds the event alarms of each project for a fixed TTL.
// A zero TTL disables caching: every lookup loads from storage.
type projectCache struct {
	ttl  time.Duration
	load func(ctx context.Context, projectID string) ([]*types.Alarm, error)

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newProjectCache(ttl time.Duration, load func(ctx context.Context, projectID string) ([]*types.Alarm, error)) *projectCache {
	return &projectCache{
		ttl:     ttl,
		load:    load,
		entries: make(map[string]cacheEntry),
	}
}

// getOrRefresh returns the cached alarms of projectID, loading them when
// absent or expired at now. The returned alarms are the cached instances;
// mutating them updates the cache.
func (c *projectCache) getOrRefresh(ctx context.Context, projectID string, now time.Time) ([]*types.Alarm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 {
		if e, ok := c.entries[projectID]; ok {
			if now.Before(e.expiresAt) {
				return e.alarms, nil
			}
			delete(c.entries, projectID)
		}
	}

	alarms, err := c.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.entries[projectID] = cacheEntry{alarms: alarms, expiresAt: now.Add(c.ttl)}
	}
	return alarms, nil
}

// setState records a fired state on the cached copy of an alarm so later
// events within the TTL see it without a storage round trip.
func (c *projectCache) setState(projectID, alarmID string, state types.AlarmState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[projectID]
	if !ok {
		return
	}
	for _, a := range e.alarms {
		if a.AlarmID == alarmID {
			a.State = state
			return
		}
	}
}

// invalidate drops the cached alarms of projectID.
func (c *projectCache) invalidate(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, projectID)
}

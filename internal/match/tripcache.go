package match

import (
	"sync"
	"time"

	"github.com/example/toll-recovery/internal/models"
)

// TripCache holds normalized trips for the collector lookback window so each
// toll-batch ingestion can match against every trip currently in scope.
// Trips are immutable; Upsert only replaces a record when a re-scrape yields
// the same trip id again.
type TripCache struct {
	mu    sync.RWMutex
	trips map[string]models.TripRecord
}

func NewTripCache() *TripCache {
	return &TripCache{trips: make(map[string]models.TripRecord)}
}

func (c *TripCache) Upsert(batch []models.TripRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tr := range batch {
		c.trips[tr.TripID] = tr
	}
}

// Snapshot returns the cached trips in unspecified order; the engine sorts
// internally.
func (c *TripCache) Snapshot() []models.TripRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.TripRecord, 0, len(c.trips))
	for _, tr := range c.trips {
		out = append(out, tr)
	}
	return out
}

// PruneEndedBefore drops trips whose interval ended before cutoff, typically
// lookback plus a grace period. Returns the number removed.
func (c *TripCache) PruneEndedBefore(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, tr := range c.trips {
		if tr.EndTime.Before(cutoff) {
			delete(c.trips, id)
			n++
		}
	}
	return n
}

func (c *TripCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.trips)
}

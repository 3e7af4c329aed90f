package match

import (
	"testing"

	"github.com/example/toll-recovery/internal/models"
)

func TestTripCacheUpsertAndSnapshot(t *testing.T) {
	c := NewTripCache()
	c.Upsert([]models.TripRecord{trip("T1", "V1", "09:00", "10:00")})
	c.Upsert([]models.TripRecord{trip("T1", "V1", "09:00", "10:30"), trip("T2", "V1", "11:00", "12:00")})
	if c.Len() != 2 {
		t.Fatalf("expected 2 trips after re-upsert, got %d", c.Len())
	}
	for _, tr := range c.Snapshot() {
		if tr.TripID == "T1" && !tr.EndTime.Equal(at("10:30")) {
			t.Fatalf("re-scraped trip not replaced: %+v", tr)
		}
	}
}

func TestTripCachePruneEndedBefore(t *testing.T) {
	c := NewTripCache()
	c.Upsert([]models.TripRecord{
		trip("T1", "V1", "09:00", "10:00"),
		trip("T2", "V1", "11:00", "12:00"),
	})
	if n := c.PruneEndedBefore(at("10:30")); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].TripID != "T2" {
		t.Fatalf("expected only T2 to remain, got %+v", snap)
	}
}

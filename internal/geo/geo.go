package geo

import (
	"math"
	"sync"

	"github.com/example/toll-recovery/internal/models"
)

// PlazaLocator resolves a toll plaza/gantry identifier to coordinates. The
// matcher only needs lookups; collectors and ops tooling feed the index.
type PlazaLocator interface {
	Locate(plazaID string) (models.Coord, bool)
	Upsert(plazaID string, c models.Coord)
}

type Index struct {
	mu     sync.RWMutex
	plazas map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{plazas: make(map[string]models.Coord)}
}

func (g *Index) Upsert(plazaID string, c models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.plazas[plazaID] = c
}

func (g *Index) Locate(plazaID string) (models.Coord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.plazas[plazaID]
	return c, ok
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over Coord values.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

package match

import (
	"sort"
	"time"

	"github.com/example/toll-recovery/internal/geo"
	"github.com/example/toll-recovery/internal/models"
	"github.com/example/toll-recovery/internal/observability"
)

// Config holds the matcher's tunable thresholds. Defaults mirror what the
// historical data tolerated; all three are deployment-configurable.
type Config struct {
	GraceWindow        time.Duration // boundary tolerance around a trip interval
	LowCutoff          time.Duration // beyond this, a trip is no longer even a low candidate
	ProximityThreshold float64       // meters; max gantry-to-trip distance for proximity disambiguation
}

func DefaultConfig() Config {
	return Config{
		GraceWindow:        15 * time.Minute,
		LowCutoff:          24 * time.Hour,
		ProximityThreshold: 500,
	}
}

// Engine correlates toll charges to the trips they most plausibly occurred
// during. Match is pure and deterministic for a given input pair; the plaza
// locator only fills in gantry coordinates when a toll record carries none.
type Engine struct {
	cfg    Config
	plazas geo.PlazaLocator // optional
}

func New(cfg Config, plazas geo.PlazaLocator) *Engine {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultConfig().GraceWindow
	}
	if cfg.LowCutoff <= 0 {
		cfg.LowCutoff = DefaultConfig().LowCutoff
	}
	if cfg.ProximityThreshold <= 0 {
		cfg.ProximityThreshold = DefaultConfig().ProximityThreshold
	}
	return &Engine{cfg: cfg, plazas: plazas}
}

func (e *Engine) Match(tolls []models.TollRecord, trips []models.TripRecord) []models.MatchCandidate {
	byVehicle := make(map[string][]models.TripRecord)
	for _, tr := range trips {
		byVehicle[tr.VehicleID] = append(byVehicle[tr.VehicleID], tr)
	}
	// deterministic scan order regardless of input ordering
	for v := range byVehicle {
		sort.Slice(byVehicle[v], func(i, j int) bool { return byVehicle[v][i].TripID < byVehicle[v][j].TripID })
	}

	out := make([]models.MatchCandidate, 0, len(tolls))
	for _, toll := range tolls {
		c := e.matchOne(toll, byVehicle[toll.VehicleID])
		observability.MatchesTotal.WithLabelValues(string(c.Confidence)).Inc()
		out = append(out, c)
	}
	return out
}

func (e *Engine) matchOne(toll models.TollRecord, trips []models.TripRecord) models.MatchCandidate {
	t := toll.ChargeTime

	var contained []models.TripRecord
	for _, tr := range trips {
		if !t.Before(tr.StartTime) && !t.After(tr.EndTime) {
			contained = append(contained, tr)
		}
	}

	switch {
	case len(contained) == 1:
		return models.MatchCandidate{
			TollID:     toll.TollID,
			TripID:     contained[0].TripID,
			Confidence: models.ConfidenceHigh,
			Reasons:    models.MatchReasons{Contained: true, CandidateTrips: 1},
		}
	case len(contained) > 1:
		return e.disambiguate(toll, contained)
	}

	// nothing contains the charge; look at boundaries within the grace window
	if tr, delta, ok := nearestWithin(trips, t, e.cfg.GraceWindow); ok {
		return models.MatchCandidate{
			TollID:     toll.TollID,
			TripID:     tr.TripID,
			Confidence: models.ConfidenceMedium,
			Reasons:    models.MatchReasons{TimeDelta: delta, CandidateTrips: len(trips)},
		}
	}

	// still worth a human look if the vehicle had any trip nearby in time
	if tr, delta, ok := nearestWithin(trips, t, e.cfg.LowCutoff); ok {
		return models.MatchCandidate{
			TollID:     toll.TollID,
			TripID:     tr.TripID,
			Confidence: models.ConfidenceLow,
			Reasons:    models.MatchReasons{TimeDelta: delta, CandidateTrips: len(trips)},
		}
	}

	return models.MatchCandidate{TollID: toll.TollID, Confidence: models.ConfidenceNone}
}

// disambiguate picks among overlapping trips that all contain the charge
// time. Location proximity wins when the data supports it; otherwise fall
// back to interval-midpoint distance with a tripId tie-break.
func (e *Engine) disambiguate(toll models.TollRecord, contained []models.TripRecord) models.MatchCandidate {
	if loc, ok := e.tollCoord(toll); ok {
		type scored struct {
			trip models.TripRecord
			dist float64
		}
		var withCoords []scored
		for _, tr := range contained {
			if d, ok := tripDistance(tr, loc); ok {
				withCoords = append(withCoords, scored{tr, d})
			}
		}
		if len(withCoords) > 0 {
			sort.Slice(withCoords, func(i, j int) bool {
				if withCoords[i].dist != withCoords[j].dist {
					return withCoords[i].dist < withCoords[j].dist
				}
				return withCoords[i].trip.TripID < withCoords[j].trip.TripID
			})
			best := withCoords[0]
			uniqueNearest := len(withCoords) == 1 || withCoords[1].dist > best.dist
			if uniqueNearest && best.dist <= e.cfg.ProximityThreshold {
				return models.MatchCandidate{
					TollID:     toll.TollID,
					TripID:     best.trip.TripID,
					Confidence: models.ConfidenceHigh,
					Reasons: models.MatchReasons{
						Contained:       true,
						CandidateTrips:  len(contained),
						DistanceMeters:  best.dist,
						DisambiguatedBy: "proximity",
					},
				}
			}
		}
	}

	t := toll.ChargeTime
	best := contained[0]
	bestDelta := midpointDelta(best, t)
	for _, tr := range contained[1:] {
		d := midpointDelta(tr, t)
		if d < bestDelta || (d == bestDelta && tr.TripID < best.TripID) {
			best, bestDelta = tr, d
		}
	}
	return models.MatchCandidate{
		TollID:     toll.TollID,
		TripID:     best.TripID,
		Confidence: models.ConfidenceMedium,
		Reasons: models.MatchReasons{
			Contained:       true,
			CandidateTrips:  len(contained),
			TimeDelta:       bestDelta,
			DisambiguatedBy: "midpoint",
		},
	}
}

func (e *Engine) tollCoord(toll models.TollRecord) (models.Coord, bool) {
	if toll.Location != nil {
		return *toll.Location, true
	}
	if e.plazas != nil && toll.PlazaID != "" {
		return e.plazas.Locate(toll.PlazaID)
	}
	return models.Coord{}, false
}

// tripDistance is the smaller of the gantry's distance to the trip's pickup
// and return points, over whichever the record carries.
func tripDistance(tr models.TripRecord, loc models.Coord) (float64, bool) {
	found := false
	best := 0.0
	if tr.PickupLocation != nil {
		best = geo.Distance(*tr.PickupLocation, loc)
		found = true
	}
	if tr.ReturnLocation != nil {
		d := geo.Distance(*tr.ReturnLocation, loc)
		if !found || d < best {
			best = d
		}
		found = true
	}
	return best, found
}

// nearestWithin finds the trip whose interval lies closest to t, if that
// gap is within limit. Ties break on tripId for determinism.
func nearestWithin(trips []models.TripRecord, t time.Time, limit time.Duration) (models.TripRecord, time.Duration, bool) {
	var best models.TripRecord
	var bestDelta time.Duration
	found := false
	for _, tr := range trips {
		delta := intervalDelta(tr, t)
		if delta > limit {
			continue
		}
		if !found || delta < bestDelta || (delta == bestDelta && tr.TripID < best.TripID) {
			best, bestDelta, found = tr, delta, true
		}
	}
	return best, bestDelta, found
}

// intervalDelta is the distance from t to the trip interval; zero when
// contained.
func intervalDelta(tr models.TripRecord, t time.Time) time.Duration {
	if t.Before(tr.StartTime) {
		return tr.StartTime.Sub(t)
	}
	if t.After(tr.EndTime) {
		return t.Sub(tr.EndTime)
	}
	return 0
}

func midpointDelta(tr models.TripRecord, t time.Time) time.Duration {
	mid := tr.StartTime.Add(tr.EndTime.Sub(tr.StartTime) / 2)
	d := t.Sub(mid)
	if d < 0 {
		d = -d
	}
	return d
}

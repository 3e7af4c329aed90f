package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/example/toll-recovery/internal/models"
	"github.com/example/toll-recovery/internal/observability"
)

// RawTrip is one element of a trip-collector batch. SourceVersion tags the
// collector schema so portal drift never reaches the matcher.
type RawTrip struct {
	SourceVersion string   `json:"source_version"`
	TripID        string   `json:"trip_id"`
	VehicleID     string   `json:"vehicle_id"`
	HostID        string   `json:"host_id"`
	StartTime     string   `json:"start_time"`
	EndTime       string   `json:"end_time"`
	PickupLat     *float64 `json:"pickup_lat,omitempty"`
	PickupLon     *float64 `json:"pickup_lon,omitempty"`
	ReturnLat     *float64 `json:"return_lat,omitempty"`
	ReturnLon     *float64 `json:"return_lon,omitempty"`
	PickupArea    string   `json:"pickup_area,omitempty"`
	ReturnArea    string   `json:"return_area,omitempty"`
}

// RawToll is one element of a toll-collector batch. Amount is a decimal
// string as scraped ("4.50"); some sources omit a charge id entirely.
type RawToll struct {
	SourceVersion string   `json:"source_version"`
	TollID        string   `json:"toll_id,omitempty"`
	VehicleID     string   `json:"vehicle_id"`
	ChargeTime    string   `json:"charge_time"`
	Amount        string   `json:"amount"`
	PlazaID       string   `json:"plaza_id,omitempty"`
	Lat           *float64 `json:"lat,omitempty"`
	Lon           *float64 `json:"lon,omitempty"`
	RawPayload    string   `json:"raw_payload,omitempty"`
}

// Normalizer validates raw collector records and produces canonical ones.
// Malformed records are dropped with a logged reason; a batch never fails as
// a whole.
type Normalizer struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Normalizer{log: log}
}

func (n *Normalizer) Trips(raw []RawTrip) []models.TripRecord {
	out := make([]models.TripRecord, 0, len(raw))
	for i, r := range raw {
		rec, err := normalizeTrip(r)
		if err != nil {
			observability.RecordsRejected.WithLabelValues("trip").Inc()
			n.log.Warn("dropping trip record", "index", i, "trip_id", r.TripID, "source_version", r.SourceVersion, "error", err)
			continue
		}
		observability.RecordsNormalized.WithLabelValues("trip").Inc()
		out = append(out, rec)
	}
	return out
}

func (n *Normalizer) Tolls(raw []RawToll) []models.TollRecord {
	out := make([]models.TollRecord, 0, len(raw))
	for i, r := range raw {
		rec, err := normalizeToll(r)
		if err != nil {
			observability.RecordsRejected.WithLabelValues("toll").Inc()
			n.log.Warn("dropping toll record", "index", i, "toll_id", r.TollID, "source_version", r.SourceVersion, "error", err)
			continue
		}
		observability.RecordsNormalized.WithLabelValues("toll").Inc()
		out = append(out, rec)
	}
	return out
}

func normalizeTrip(r RawTrip) (models.TripRecord, error) {
	if r.TripID == "" {
		return models.TripRecord{}, fmt.Errorf("missing trip_id")
	}
	if r.VehicleID == "" {
		return models.TripRecord{}, fmt.Errorf("missing vehicle_id")
	}
	start, err := parseTime(r.StartTime)
	if err != nil {
		return models.TripRecord{}, fmt.Errorf("invalid start_time: %w", err)
	}
	end, err := parseTime(r.EndTime)
	if err != nil {
		return models.TripRecord{}, fmt.Errorf("invalid end_time: %w", err)
	}
	if end.Before(start) {
		return models.TripRecord{}, fmt.Errorf("end_time before start_time")
	}
	rec := models.TripRecord{
		TripID:     r.TripID,
		VehicleID:  r.VehicleID,
		HostID:     r.HostID,
		StartTime:  start,
		EndTime:    end,
		PickupArea: r.PickupArea,
		ReturnArea: r.ReturnArea,
	}
	if c, ok := coordFrom(r.PickupLat, r.PickupLon); ok {
		rec.PickupLocation = c
	}
	if c, ok := coordFrom(r.ReturnLat, r.ReturnLon); ok {
		rec.ReturnLocation = c
	}
	return rec, nil
}

func normalizeToll(r RawToll) (models.TollRecord, error) {
	if r.VehicleID == "" {
		return models.TollRecord{}, fmt.Errorf("missing vehicle_id")
	}
	charged, err := parseTime(r.ChargeTime)
	if err != nil {
		return models.TollRecord{}, fmt.Errorf("invalid charge_time: %w", err)
	}
	cents, err := parseAmountCents(r.Amount)
	if err != nil {
		return models.TollRecord{}, fmt.Errorf("invalid amount: %w", err)
	}
	tollID := r.TollID
	if tollID == "" {
		// some portals expose no charge id; derive one from content so
		// re-scrapes stay idempotent
		tollID = contentID(r.VehicleID, charged, cents, r.PlazaID)
	}
	rec := models.TollRecord{
		TollID:      tollID,
		VehicleID:   r.VehicleID,
		ChargeTime:  charged,
		AmountCents: cents,
		PlazaID:     r.PlazaID,
		RawPayload:  r.RawPayload,
	}
	if c, ok := coordFrom(r.Lat, r.Lon); ok {
		rec.Location = c
	}
	return rec, nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// parseAmountCents parses a decimal dollar string into integer cents without
// going through floats.
func parseAmountCents(v string) (int64, error) {
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "$"))
	if v == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(v, ".")
	dollars, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	if dollars < 0 {
		return 0, fmt.Errorf("negative amount %q", v)
	}
	var cents int64
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		cents, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, err
		}
	}
	return dollars*100 + cents, nil
}

func contentID(vehicleID string, charged time.Time, cents int64, plazaID string) string {
	seed := fmt.Sprintf("%s|%d|%d|%s", vehicleID, charged.Unix(), cents, plazaID)
	sum := sha256.Sum256([]byte(seed))
	return "h-" + hex.EncodeToString(sum[:12])
}

func coordFrom(lat, lon *float64) (*models.Coord, bool) {
	if lat == nil || lon == nil {
		return nil, false
	}
	if *lat < -90 || *lat > 90 || *lon < -180 || *lon > 180 {
		return nil, false
	}
	return &models.Coord{Lat: *lat, Lon: *lon}, true
}

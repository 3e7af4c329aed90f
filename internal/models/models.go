package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TripRecord is a normalized rental trip. Immutable once produced by the
// normalizer; times are UTC.
type TripRecord struct {
	TripID         string    `json:"trip_id"`
	VehicleID      string    `json:"vehicle_id"`
	HostID         string    `json:"host_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	PickupLocation *Coord    `json:"pickup_location,omitempty"`
	ReturnLocation *Coord    `json:"return_location,omitempty"`
	PickupArea     string    `json:"pickup_area,omitempty"`
	ReturnArea     string    `json:"return_area,omitempty"`
}

// TollRecord is a normalized toll charge. AmountCents is fixed-point minor
// units; RawPayload is kept verbatim for audit/proof.
type TollRecord struct {
	TollID      string    `json:"toll_id"`
	VehicleID   string    `json:"vehicle_id"`
	ChargeTime  time.Time `json:"charge_time"`
	AmountCents int64     `json:"amount_cents"`
	PlazaID     string    `json:"plaza_id,omitempty"`
	Location    *Coord    `json:"location,omitempty"`
	RawPayload  string    `json:"raw_payload,omitempty"`
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// MatchCandidate is the matcher's verdict for one toll record. TripID is
// empty when no plausible trip exists. Recomputed on every matching run,
// never persisted on its own.
type MatchCandidate struct {
	TollID     string       `json:"toll_id"`
	TripID     string       `json:"trip_id,omitempty"`
	Confidence Confidence   `json:"confidence"`
	Reasons    MatchReasons `json:"reasons"`
}

// MatchReasons explains how a candidate was chosen.
type MatchReasons struct {
	TimeDelta       time.Duration `json:"time_delta_ns"`
	DistanceMeters  float64       `json:"distance_meters,omitempty"`
	Contained       bool          `json:"contained"`
	CandidateTrips  int           `json:"candidate_trips"`
	DisambiguatedBy string        `json:"disambiguated_by,omitempty"` // "proximity" or "midpoint"
}

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusInFlight  JobStatus = "in_flight"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ErrorKind string

const (
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindRateLimited ErrorKind = "rate_limited"
	ErrKindUpstream    ErrorKind = "upstream"
	ErrKindAmbiguous   ErrorKind = "ambiguous"
	ErrKindRejected    ErrorKind = "rejected"
	ErrKindDuplicate   ErrorKind = "duplicate"
)

// SubmitError is a typed claim-filing failure. Kind decides retryability.
type SubmitError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *SubmitError) Error() string { return string(e.Kind) + ": " + e.Message }

// Permanent reports whether the kind must never be retried.
func (e *SubmitError) Permanent() bool {
	return e.Kind == ErrKindRejected || e.Kind == ErrKindDuplicate
}

// SubmissionJob drives one toll charge to a filed claim. Mutated only by the
// scheduler through the job store's CAS. Never deleted.
type SubmissionJob struct {
	JobID          string       `json:"job_id"`
	TripID         string       `json:"trip_id"`
	TollID         string       `json:"toll_id"`
	AmountCents    int64        `json:"amount_cents"`
	Status         JobStatus    `json:"status"`
	Attempts       int          `json:"attempts"`
	LastAttemptAt  *time.Time   `json:"last_attempt_at,omitempty"`
	NextEligibleAt *time.Time   `json:"next_eligible_at,omitempty"`
	ConfirmationID string       `json:"confirmation_id,omitempty"`
	LastError      *SubmitError `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Disposition is emitted once per terminal transition.
type Disposition struct {
	JobID          string       `json:"job_id"`
	TollID         string       `json:"toll_id"`
	TripID         string       `json:"trip_id"`
	AmountCents    int64        `json:"amount_cents"`
	Status         JobStatus    `json:"status"`
	ConfirmationID string       `json:"confirmation_id,omitempty"`
	LastError      *SubmitError `json:"last_error,omitempty"`
	At             time.Time    `json:"at"`
}

// JobIDFor derives the deterministic idempotency key for a toll record.
func JobIDFor(tollID string) string {
	sum := sha256.Sum256([]byte(tollID))
	return hex.EncodeToString(sum[:16])
}

package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/toll-recovery/internal/models"
)

// Entry is a match outcome that needs human review: low or none confidence
// candidates never become jobs, but they must not vanish either.
type Entry struct {
	Candidate models.MatchCandidate `json:"candidate"`
	Toll      models.TollRecord     `json:"toll"`
	At        time.Time             `json:"at"`
}

// Log records review entries for the manual-review surface.
type Log interface {
	Record(ctx context.Context, e Entry) error
}

// SlogAudit writes entries to the structured log. Fallback sink for
// deployments without kafka.
type SlogAudit struct {
	Log *slog.Logger
}

func (s *SlogAudit) Record(_ context.Context, e Entry) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("match_review",
		"toll_id", e.Toll.TollID,
		"vehicle_id", e.Toll.VehicleID,
		"trip_id", e.Candidate.TripID,
		"confidence", e.Candidate.Confidence,
		"time_delta", e.Candidate.Reasons.TimeDelta,
		"candidate_trips", e.Candidate.Reasons.CandidateTrips,
	)
	return nil
}

// KafkaAudit publishes review entries to a topic consumed by the
// manual-review surface.
type KafkaAudit struct {
	writer *kafka.Writer
}

func NewKafkaAudit(brokers []string, topic string) *KafkaAudit {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaAudit{writer: w}
}

func (k *KafkaAudit) Record(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Toll.TollID), Value: b})
}

func (k *KafkaAudit) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

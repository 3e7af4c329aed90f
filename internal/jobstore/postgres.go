package jobstore

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/toll-recovery/internal/models"
)

// PostgresStore implements Store over a submission_jobs table. Claims are
// serialized with a conditional UPDATE keyed on (status, updated_at), never
// a table lock.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Ping reports database connectivity for readiness checks.
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const jobColumns = `job_id, trip_id, toll_id, amount_cents, status, attempts,
	last_attempt_at, next_eligible_at, confirmation_id, error_kind, error_message,
	created_at, updated_at`

func (p *PostgresStore) CreateIfAbsent(ctx context.Context, j *models.SubmissionJob) (bool, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO submission_jobs(`+jobColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (job_id) DO NOTHING`,
		j.JobID, j.TripID, j.TollID, j.AmountCents, j.Status, j.Attempts,
		j.LastAttemptAt, j.NextEligibleAt, nullIfEmpty(j.ConfirmationID), errKind(j.LastError), errMessage(j.LastError),
		j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) Get(ctx context.Context, jobID string) (*models.SubmissionJob, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM submission_jobs WHERE job_id=$1`, jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

func (p *PostgresStore) List(ctx context.Context, status models.JobStatus, limit int) ([]*models.SubmissionJob, error) {
	q := `SELECT ` + jobColumns + ` FROM submission_jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, job_id ASC`
	if limit > 0 {
		q += ` LIMIT ` + itoa(limit)
	}
	return p.queryJobs(ctx, q, args...)
}

func (p *PostgresStore) PollEligible(ctx context.Context, now time.Time, limit int) ([]*models.SubmissionJob, error) {
	q := `SELECT ` + jobColumns + ` FROM submission_jobs
		WHERE status=$1 AND (next_eligible_at IS NULL OR next_eligible_at <= $2)
		ORDER BY next_eligible_at ASC NULLS FIRST, created_at ASC
		LIMIT ` + itoa(limit)
	return p.queryJobs(ctx, q, models.StatusPending, now)
}

func (p *PostgresStore) PollStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.SubmissionJob, error) {
	q := `SELECT ` + jobColumns + ` FROM submission_jobs
		WHERE status=$1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT ` + itoa(limit)
	return p.queryJobs(ctx, q, models.StatusInFlight, cutoff)
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, j *models.SubmissionJob, expectStatus models.JobStatus, expectUpdatedAt time.Time) error {
	if expectStatus.Terminal() {
		return ErrConflict
	}
	res, err := p.db.ExecContext(ctx, `UPDATE submission_jobs SET
			status=$1, attempts=$2, last_attempt_at=$3, next_eligible_at=$4,
			confirmation_id=$5, error_kind=$6, error_message=$7, updated_at=$8
		WHERE job_id=$9 AND status=$10 AND updated_at=$11`,
		j.Status, j.Attempts, j.LastAttemptAt, j.NextEligibleAt,
		nullIfEmpty(j.ConfirmationID), errKind(j.LastError), errMessage(j.LastError), j.UpdatedAt,
		j.JobID, expectStatus, expectUpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// distinguish a missing row from a lost race
		var one int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM submission_jobs WHERE job_id=$1`, j.JobID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) queryJobs(ctx context.Context, q string, args ...any) ([]*models.SubmissionJob, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.SubmissionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.SubmissionJob, error) {
	var j models.SubmissionJob
	var confirmation, kind, message sql.NullString
	err := r.Scan(&j.JobID, &j.TripID, &j.TollID, &j.AmountCents, &j.Status, &j.Attempts,
		&j.LastAttemptAt, &j.NextEligibleAt, &confirmation, &kind, &message,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.ConfirmationID = confirmation.String
	if kind.Valid {
		j.LastError = &models.SubmitError{Kind: models.ErrorKind(kind.String), Message: message.String}
	}
	return &j, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func errKind(e *models.SubmitError) sql.NullString {
	if e == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(e.Kind), Valid: true}
}

func errMessage(e *models.SubmitError) sql.NullString {
	if e == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: e.Message, Valid: true}
}

func itoa(n int) string {
	if n <= 0 {
		n = 50
	}
	return strconv.Itoa(n)
}

// Package store persists users, experiments and scans in PostgreSQL.
//
// The xnat_* columns are nullable and write-once: once a value is recorded it
// is never overwritten, enforced by the update statements themselves rather
// than by the caller. Counter columns (users.num_experiments,
// experiments.num_scans) are only ever changed inside the transaction that
// creates the row they count, so concurrent creators can never observe or
// allocate the same number.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Scan statuses. A scan row is created pending, and moves to complete only
// after the archive upload is confirmed and the xnat fields are recorded.
const (
	ScanStatusPending  = "pending"
	ScanStatusComplete = "complete"
	ScanStatusFailed   = "failed"
)

// User is a scanned participant. XNATSubjectID and XNATURI are empty until the
// first successful upload assigns them.
type User struct {
	ID             int64
	Email          string
	NumExperiments int
	XNATSubjectID  string
	XNATURI        string
	CreatedAt      time.Time
}

// Experiment is one scanning session belonging to a user.
type Experiment struct {
	ID               int64
	UserID           int64
	Date             time.Time
	Scanner          string
	NumScans         int
	XNATExperimentID string
	XNATURI          string
	CreatedAt        time.Time
}

// Scan is one uploaded image within an experiment.
type Scan struct {
	ID           int64
	ExperimentID int64
	ScanNumber   int
	Status       string
	Failure      string
	XNATScanID   string
	XNATURI      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent, so running
// it on every startup is safe.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser inserts a new user.
func (s *Store) CreateUser(ctx context.Context, email string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email) VALUES ($1)
		 RETURNING id, email, num_experiments, created_at`,
		email,
	).Scan(&u.ID, &u.Email, &u.NumExperiments, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var (
		u         User
		subjectID pgtype.Text
		uri       pgtype.Text
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, num_experiments, xnat_subject_id, xnat_uri, created_at
		 FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.NumExperiments, &subjectID, &uri, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.XNATSubjectID = subjectID.String
	u.XNATURI = uri.String
	return u, nil
}

// CreateExperiment inserts an experiment and increments the owning user's
// experiment count in the same transaction.
func (s *Store) CreateExperiment(ctx context.Context, userID int64, date time.Time, scanner string) (Experiment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Experiment{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var e Experiment
	err = tx.QueryRow(ctx,
		`INSERT INTO experiments (user_id, date, scanner) VALUES ($1, $2, $3)
		 RETURNING id, user_id, date, COALESCE(scanner, ''), num_scans, created_at`,
		userID, date, scanner,
	).Scan(&e.ID, &e.UserID, &e.Date, &e.Scanner, &e.NumScans, &e.CreatedAt)
	if err != nil {
		return Experiment{}, fmt.Errorf("create experiment: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE users SET num_experiments = num_experiments + 1 WHERE id = $1`, userID)
	if err != nil {
		return Experiment{}, fmt.Errorf("increment experiment count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Experiment{}, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return Experiment{}, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

// GetExperiment fetches an experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id int64) (Experiment, error) {
	var (
		e      Experiment
		xnatID pgtype.Text
		uri    pgtype.Text
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, date, COALESCE(scanner, ''), num_scans,
		        xnat_experiment_id, xnat_uri, created_at
		 FROM experiments WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.UserID, &e.Date, &e.Scanner, &e.NumScans, &xnatID, &uri, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Experiment{}, fmt.Errorf("experiment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	e.XNATExperimentID = xnatID.String
	e.XNATURI = uri.String
	return e, nil
}

// ReserveScan allocates the next scan number for an experiment and creates the
// provisional scan row, all in one transaction with the experiment row locked.
//
// The returned Experiment is the snapshot the identifier allocator must see:
// its NumScans is the value before this reservation, so NumScans+1 equals the
// reserved scan number. Two concurrent reservations serialize on the row lock
// and can never hand out the same number.
func (s *Store) ReserveScan(ctx context.Context, experimentID int64) (Scan, Experiment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Scan{}, Experiment{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		e      Experiment
		xnatID pgtype.Text
		uri    pgtype.Text
	)
	err = tx.QueryRow(ctx,
		`SELECT id, user_id, date, COALESCE(scanner, ''), num_scans,
		        xnat_experiment_id, xnat_uri, created_at
		 FROM experiments WHERE id = $1 FOR UPDATE`,
		experimentID,
	).Scan(&e.ID, &e.UserID, &e.Date, &e.Scanner, &e.NumScans, &xnatID, &uri, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Scan{}, Experiment{}, fmt.Errorf("experiment %d: %w", experimentID, ErrNotFound)
	}
	if err != nil {
		return Scan{}, Experiment{}, fmt.Errorf("lock experiment: %w", err)
	}
	e.XNATExperimentID = xnatID.String
	e.XNATURI = uri.String

	var sc Scan
	err = tx.QueryRow(ctx,
		`INSERT INTO scans (experiment_id, scan_number, status) VALUES ($1, $2, $3)
		 RETURNING id, experiment_id, scan_number, status, created_at, updated_at`,
		experimentID, e.NumScans+1, ScanStatusPending,
	).Scan(&sc.ID, &sc.ExperimentID, &sc.ScanNumber, &sc.Status, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return Scan{}, Experiment{}, fmt.Errorf("create scan: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE experiments SET num_scans = num_scans + 1 WHERE id = $1`, experimentID); err != nil {
		return Scan{}, Experiment{}, fmt.Errorf("increment scan count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Scan{}, Experiment{}, fmt.Errorf("commit: %w", err)
	}
	return sc, e, nil
}

// GetScan fetches a scan by id.
func (s *Store) GetScan(ctx context.Context, id int64) (Scan, error) {
	var (
		sc      Scan
		failure pgtype.Text
		xnatID  pgtype.Text
		uri     pgtype.Text
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, experiment_id, scan_number, status, failure, xnat_scan_id, xnat_uri,
		        created_at, updated_at
		 FROM scans WHERE id = $1`,
		id,
	).Scan(&sc.ID, &sc.ExperimentID, &sc.ScanNumber, &sc.Status, &failure, &xnatID, &uri,
		&sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Scan{}, fmt.Errorf("scan %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Scan{}, fmt.Errorf("get scan: %w", err)
	}
	sc.Failure = failure.String
	sc.XNATScanID = xnatID.String
	sc.XNATURI = uri.String
	return sc, nil
}

// ListScans returns all scans for an experiment, oldest first.
func (s *Store) ListScans(ctx context.Context, experimentID int64) ([]Scan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, experiment_id, scan_number, status, failure, xnat_scan_id, xnat_uri,
		        created_at, updated_at
		 FROM scans WHERE experiment_id = $1 ORDER BY scan_number`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// ListIncompleteScans returns pending scans older than the cutoff. This is the
// reconciliation path for uploads that were abandoned mid-flight.
func (s *Store) ListIncompleteScans(ctx context.Context, olderThan time.Duration) ([]Scan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, experiment_id, scan_number, status, failure, xnat_scan_id, xnat_uri,
		        created_at, updated_at
		 FROM scans WHERE status = $1 AND created_at < now() - $2::interval
		 ORDER BY created_at`,
		ScanStatusPending, fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return nil, fmt.Errorf("list incomplete scans: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func scanRows(rows pgx.Rows) ([]Scan, error) {
	var scans []Scan
	for rows.Next() {
		var (
			sc      Scan
			failure pgtype.Text
			xnatID  pgtype.Text
			uri     pgtype.Text
		)
		if err := rows.Scan(&sc.ID, &sc.ExperimentID, &sc.ScanNumber, &sc.Status, &failure,
			&xnatID, &uri, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		sc.Failure = failure.String
		sc.XNATScanID = xnatID.String
		sc.XNATURI = uri.String
		scans = append(scans, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return scans, nil
}

// SetUserXNAT records the subject identifier and URI assigned by the archive.
// Write-once: fields that already hold a value are left untouched.
func (s *Store) SetUserXNAT(ctx context.Context, userID int64, subjectID, uri string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET
		   xnat_subject_id = CASE WHEN xnat_subject_id IS NULL OR xnat_subject_id = ''
		                          THEN $2 ELSE xnat_subject_id END,
		   xnat_uri = CASE WHEN xnat_uri IS NULL OR xnat_uri = ''
		                   THEN $3 ELSE xnat_uri END
		 WHERE id = $1`,
		userID, subjectID, uri,
	)
	if err != nil {
		return fmt.Errorf("set user xnat fields: %w", err)
	}
	return nil
}

// SetExperimentXNAT records the experiment identifier and URI assigned by the
// archive. Write-once, as for SetUserXNAT.
func (s *Store) SetExperimentXNAT(ctx context.Context, experimentID int64, xnatID, uri string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE experiments SET
		   xnat_experiment_id = CASE WHEN xnat_experiment_id IS NULL OR xnat_experiment_id = ''
		                             THEN $2 ELSE xnat_experiment_id END,
		   xnat_uri = CASE WHEN xnat_uri IS NULL OR xnat_uri = ''
		                   THEN $3 ELSE xnat_uri END
		 WHERE id = $1`,
		experimentID, xnatID, uri,
	)
	if err != nil {
		return fmt.Errorf("set experiment xnat fields: %w", err)
	}
	return nil
}

// CompleteScan records the scan's archive identifier and URI and marks the row
// complete. The xnat fields are write-once; the status transition is not
// guarded because only the upload that created the pending row reaches here.
func (s *Store) CompleteScan(ctx context.Context, scanID int64, xnatID, uri string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scans SET
		   xnat_scan_id = CASE WHEN xnat_scan_id IS NULL OR xnat_scan_id = ''
		                       THEN $2 ELSE xnat_scan_id END,
		   xnat_uri = CASE WHEN xnat_uri IS NULL OR xnat_uri = ''
		                   THEN $3 ELSE xnat_uri END,
		   status = $4,
		   updated_at = now()
		 WHERE id = $1`,
		scanID, xnatID, uri, ScanStatusComplete,
	)
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scan %d: %w", scanID, ErrNotFound)
	}
	return nil
}

// MarkScanFailed records why an upload did not complete.
func (s *Store) MarkScanFailed(ctx context.Context, scanID int64, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scans SET status = $2, failure = $3, updated_at = now() WHERE id = $1`,
		scanID, ScanStatusFailed, reason,
	)
	if err != nil {
		return fmt.Errorf("mark scan failed: %w", err)
	}
	return nil
}

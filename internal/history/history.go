// Package history records per-epoch training statistics and evaluation
// results in a SQLite database so runs can be compared afterwards.
package history

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS epochs (
	run_id      TEXT    NOT NULL,
	epoch       INTEGER NOT NULL,
	avg_loss    REAL    NOT NULL,
	lr          REAL    NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at  TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS evaluations (
	run_id         TEXT    NOT NULL,
	epoch          INTEGER NOT NULL,
	pixel_accuracy REAL    NOT NULL,
	dice           REAL    NOT NULL,
	batches        INTEGER NOT NULL,
	created_at     TEXT    NOT NULL
);`

// Store appends rows for one run.
type Store struct {
	db    *sql.DB
	runID string
}

// EpochRecord is one completed training epoch.
type EpochRecord struct {
	Epoch    int
	AvgLoss  float64
	LR       float64
	Duration time.Duration
}

// EvalRecord is one evaluation pass.
type EvalRecord struct {
	Epoch         int
	PixelAccuracy float64
	Dice          float64
	Batches       int
}

// Open creates or opens the database at path and tags every row with runID.
func Open(ctx context.Context, path, runID string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open history")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create history schema")
	}
	return &Store{db: db, runID: runID}, nil
}

// RunID returns the tag written with every row.
func (s *Store) RunID() string { return s.runID }

// RecordEpoch appends a training epoch row.
func (s *Store) RecordEpoch(ctx context.Context, r EpochRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO epochs (run_id, epoch, avg_loss, lr, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.runID, r.Epoch, r.AvgLoss, r.LR, r.Duration.Milliseconds(), now())
	return errors.Wrap(err, "record epoch")
}

// RecordEval appends an evaluation row.
func (s *Store) RecordEval(ctx context.Context, r EvalRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (run_id, epoch, pixel_accuracy, dice, batches, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.runID, r.Epoch, r.PixelAccuracy, r.Dice, r.Batches, now())
	return errors.Wrap(err, "record evaluation")
}

// Epochs returns the epoch rows of this run in epoch order.
func (s *Store) Epochs(ctx context.Context) ([]EpochRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, avg_loss, lr, duration_ms FROM epochs WHERE run_id = ? ORDER BY epoch, rowid`, s.runID)
	if err != nil {
		return nil, errors.Wrap(err, "query epochs")
	}
	defer rows.Close()
	var out []EpochRecord
	for rows.Next() {
		var r EpochRecord
		var ms int64
		if err := rows.Scan(&r.Epoch, &r.AvgLoss, &r.LR, &ms); err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate epochs")
}

// Evals returns the evaluation rows of this run in insertion order.
func (s *Store) Evals(ctx context.Context) ([]EvalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, pixel_accuracy, dice, batches FROM evaluations WHERE run_id = ? ORDER BY rowid`, s.runID)
	if err != nil {
		return nil, errors.Wrap(err, "query evaluations")
	}
	defer rows.Close()
	var out []EvalRecord
	for rows.Next() {
		var r EvalRecord
		if err := rows.Scan(&r.Epoch, &r.PixelAccuracy, &r.Dice, &r.Batches); err != nil {
			return nil, errors.Wrap(err, "scan evaluation")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate evaluations")
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

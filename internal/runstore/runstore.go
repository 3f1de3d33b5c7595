// Package runstore persists run reports to sqlite so past batches can be
// listed, inspected, and selectively re-run. The full report is kept as a
// JSON document for faithful retrieval; the columns exist for the queries
// re-run tooling actually makes.
package runstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/report"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the run history database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the run store at path and applies any
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run store %s: %w", path, err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring run store: %w", err)
	}

	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewRunID mints an identifier for one batch.
func NewRunID() string {
	return uuid.NewString()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// Not closing m: that would close the underlying DB connection.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating run store: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[runstore] "+strings.TrimRight(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// RunInfo is one row of the run listing.
type RunInfo struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	TotalBlocks  int       `json:"total_blocks"`
	UsableBlocks int       `json:"usable_blocks"`
	Failed       bool      `json:"failed"`
}

// BlockStatus is one block's terminal record, as re-run tooling sees it.
type BlockStatus struct {
	BlockID       string `json:"block_id"`
	Target        string `json:"target"`
	State         string `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// SaveReport records a finished batch. The run ID must be unique.
func (s *Store) SaveReport(ctx context.Context, r *report.RunReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report for run %s: %w", r.RunID, err)
	}

	return retryOnBusy(func() error {
		tx, err := s.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting run store transaction: %w", err)
		}
		defer tx.Rollback()

		failed := 0
		if r.Failed() {
			failed = 1
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, started_at, finished_at, total_blocks, usable_blocks, failed, report_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.RunID,
			r.StartedAt.UTC().Format(time.RFC3339Nano),
			r.FinishedAt.UTC().Format(time.RFC3339Nano),
			r.Summary.Total,
			r.Summary.Usable,
			failed,
			string(payload),
		); err != nil {
			return fmt.Errorf("inserting run %s: %w", r.RunID, err)
		}

		for _, b := range r.Blocks {
			usable := 0
			if b.Usable {
				usable = 1
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_blocks (run_id, block_id, target, role, mode, band, exposures,
					state, usable, calibrator, assignment_reason, failure_reason, product_path)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.RunID, b.BlockID, b.Target, string(b.Role), string(b.Mode), string(b.Band),
				b.Exposures, string(b.State), usable, b.Calibrator, string(b.AssignmentReason),
				b.FailureReason, b.Product.Path,
			); err != nil {
				return fmt.Errorf("inserting block %s for run %s: %w", b.BlockID, r.RunID, err)
			}

			for seq, res := range b.Stages {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO run_stage_results (run_id, block_id, seq, stage, status, kind,
						message, output_path, started_at, duration_ns)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					r.RunID, b.BlockID, seq, string(res.Stage), string(res.Status), string(res.Kind),
					res.Message, res.Output.Path,
					res.StartedAt.UTC().Format(time.RFC3339Nano), int64(res.Duration),
				); err != nil {
					return fmt.Errorf("inserting stage result %s/%s for run %s: %w", b.BlockID, res.Stage, r.RunID, err)
				}
			}
		}

		for _, sk := range r.SkippedFiles {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_skipped_files (run_id, file, reason) VALUES (?, ?, ?)`,
				r.RunID, sk.File, sk.Reason,
			); err != nil {
				return fmt.Errorf("inserting skipped file for run %s: %w", r.RunID, err)
			}
		}

		return tx.Commit()
	})
}

// GetRun retrieves a stored report by run ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*report.RunReport, error) {
	var payload string
	err := s.QueryRowContext(ctx, `SELECT report_json FROM runs WHERE id = ?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}

	var r report.RunReport
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("decoding stored report for run %s: %w", runID, err)
	}
	return &r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.QueryContext(ctx, `
		SELECT id, started_at, finished_at, total_blocks, usable_blocks, failed
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var infos []RunInfo
	for rows.Next() {
		var info RunInfo
		var started, finished string
		var failed int
		if err := rows.Scan(&info.ID, &started, &finished, &info.TotalBlocks, &info.UsableBlocks, &failed); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		if info.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parsing started_at for run %s: %w", info.ID, err)
		}
		if info.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at for run %s: %w", info.ID, err)
		}
		info.Failed = failed != 0
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// BlocksForRerun lists the blocks of a run that did not reach a usable
// terminal state, the candidates for a selective re-run.
func (s *Store) BlocksForRerun(ctx context.Context, runID string) ([]BlockStatus, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT block_id, target, state, failure_reason
		FROM run_blocks
		WHERE run_id = ? AND usable = 0
		ORDER BY block_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing rerun blocks for run %s: %w", runID, err)
	}
	defer rows.Close()

	var blocks []BlockStatus
	for rows.Next() {
		var b BlockStatus
		if err := rows.Scan(&b.BlockID, &b.Target, &b.State, &b.FailureReason); err != nil {
			return nil, fmt.Errorf("scanning rerun block row: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// retryOnBusy retries fn while sqlite reports lock contention. The
// busy_timeout pragma soaks up most of it; this covers bursts that outlast
// the timeout.
func retryOnBusy(fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

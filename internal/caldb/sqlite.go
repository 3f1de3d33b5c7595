package caldb

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/helikon-data/fringeline/internal/monitoring"
	"github.com/helikon-data/fringeline/internal/obs"
)

//go:embed schema.sql
var schemaSQL string

// DB is the sqlite-backed calibrator mirror.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the calibrator mirror at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening calibrator db %s: %w", path, err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing calibrator schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// Diameter implements Catalog.
func (d *DB) Diameter(ctx context.Context, target string) (obs.Diameter, bool, error) {
	var diam, diamErr float64
	err := d.db.QueryRowContext(ctx,
		`SELECT diam_mas, diam_err_mas FROM calibrators WHERE name = ?`,
		NormalizeName(target)).Scan(&diam, &diamErr)
	if errors.Is(err, sql.ErrNoRows) {
		return obs.Diameter{}, false, nil
	}
	if err != nil {
		return obs.Diameter{}, false, fmt.Errorf("looking up diameter of %q: %w", target, err)
	}
	return obs.Diameter{ValueMas: diam, ErrMas: diamErr, Source: obs.DiameterCatalog}, true, nil
}

// Flux implements Catalog.
func (d *DB) Flux(ctx context.Context, target string) (float64, bool, error) {
	var flux sql.NullFloat64
	err := d.db.QueryRowContext(ctx,
		`SELECT flux_jy FROM calibrators WHERE name = ?`,
		NormalizeName(target)).Scan(&flux)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up flux of %q: %w", target, err)
	}
	if !flux.Valid || flux.Float64 <= 0 {
		return 0, false, nil
	}
	return flux.Float64, true, nil
}

// Upsert inserts or replaces one calibrator record.
func (d *DB) Upsert(ctx context.Context, e Entry) error {
	if e.Name == "" || e.DiamMas <= 0 {
		return fmt.Errorf("calibrator entry needs a name and a positive diameter, got %+v", e)
	}
	var flux interface{}
	if e.FluxJy > 0 {
		flux = e.FluxJy
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO calibrators (name, display_name, diam_mas, diam_err_mas, flux_jy, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			display_name = excluded.display_name,
			diam_mas     = excluded.diam_mas,
			diam_err_mas = excluded.diam_err_mas,
			flux_jy      = excluded.flux_jy,
			updated_at   = excluded.updated_at
	`, NormalizeName(e.Name), e.Name, e.DiamMas, e.DiamErrMas, flux,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting calibrator %q: %w", e.Name, err)
	}
	return nil
}

// Count reports how many calibrators the mirror holds.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calibrators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting calibrators: %w", err)
	}
	return n, nil
}

// ImportCSV loads calibrator records from r into the mirror and returns how
// many were imported. Expected columns: name, diam_mas, diam_err_mas and an
// optional flux_jy. A header row starting with "name" is skipped.
func (d *DB) ImportCSV(ctx context.Context, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	imported := 0
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("reading calibrator csv line %d: %w", line, err)
		}
		if len(record) == 0 || strings.EqualFold(strings.TrimSpace(record[0]), "name") {
			continue
		}
		if len(record) < 2 {
			return imported, fmt.Errorf("calibrator csv line %d: want name,diam_mas[,diam_err_mas[,flux_jy]], got %d fields", line, len(record))
		}

		e := Entry{Name: strings.TrimSpace(record[0])}
		if e.DiamMas, err = parseField(record, 1); err != nil {
			return imported, fmt.Errorf("calibrator csv line %d: diameter: %w", line, err)
		}
		if len(record) > 2 {
			if e.DiamErrMas, err = parseField(record, 2); err != nil {
				return imported, fmt.Errorf("calibrator csv line %d: diameter error: %w", line, err)
			}
		}
		if len(record) > 3 {
			if e.FluxJy, err = parseField(record, 3); err != nil {
				return imported, fmt.Errorf("calibrator csv line %d: flux: %w", line, err)
			}
		}

		if err := d.Upsert(ctx, e); err != nil {
			return imported, err
		}
		imported++
	}
	monitoring.Logf("[caldb] imported %d calibrators", imported)
	return imported, nil
}

func parseField(record []string, i int) (float64, error) {
	s := strings.TrimSpace(record[i])
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

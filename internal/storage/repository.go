// v0
// internal/storage/repository.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"nrgchamp/locator/internal/fingerprint"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Repository reads training rows for the locator and writes calibration
// captures and archived scans.
type Repository struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
}

// Open connects using one of the supported drivers and pings the database.
// SQLite is limited to a single connection so writes never interleave.
func Open(ctx context.Context, driver, dsn string, log *slog.Logger) (*Repository, error) {
	if log == nil {
		return nil, errors.New("logger must not be nil")
	}
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case DriverPostgres:
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("postgres dsn must not be empty")
		}
	case DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = "locator.sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s database: %w", driver, err)
	}
	log.Info("database_connected", slog.String("driver", driver))
	return &Repository{db: db, driver: driver, log: log}, nil
}

// Ping checks connectivity. /health/ready reports 503 while it fails.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Migrate creates the tables and indexes if they are missing. It is safe to
// run on every start.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema(r.driver) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	r.log.Info("database_migrated", slog.String("driver", r.driver))
	return nil
}

func schema(driver string) []string {
	if driver == DriverPostgres {
		return []string{
			`CREATE TABLE IF NOT EXISTS training_data (
				id BIGSERIAL PRIMARY KEY,
				capture_key TEXT NOT NULL,
				location_label TEXT NOT NULL,
				mac_address TEXT NOT NULL,
				rssi INTEGER NOT NULL,
				ssid TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_training_capture ON training_data (capture_key)`,
			`CREATE TABLE IF NOT EXISTS wifi_scans (
				id BIGSERIAL PRIMARY KEY,
				device_id TEXT NOT NULL DEFAULT '',
				mac_address TEXT NOT NULL,
				rssi INTEGER NOT NULL,
				ssid TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS training_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			capture_key TEXT NOT NULL,
			location_label TEXT NOT NULL,
			mac_address TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			ssid TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_training_capture ON training_data (capture_key)`,
		`CREATE TABLE IF NOT EXISTS wifi_scans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL DEFAULT '',
			mac_address TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			ssid TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
}

// LoadRows returns every training row ordered by insertion id so capture
// keys are grouped in first-seen order.
func (r *Repository) LoadRows(ctx context.Context) ([]fingerprint.Row, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT capture_key, location_label, mac_address, rssi, ssid FROM training_data ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query training rows: %w", err)
	}
	defer rows.Close()

	out := make([]fingerprint.Row, 0)
	for rows.Next() {
		var row fingerprint.Row
		if err := rows.Scan(&row.CaptureKey, &row.Label, &row.Station, &row.RSSI, &row.SSID); err != nil {
			return nil, fmt.Errorf("scan training row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training rows: %w", err)
	}
	return out, nil
}

// InsertCapture stores all readings of one calibration capture in a single
// transaction: either every row is visible to the next load or none is.
func (r *Repository) InsertCapture(ctx context.Context, captureKey, label string, snap fingerprint.Snapshot) error {
	captureKey = strings.TrimSpace(captureKey)
	label = strings.TrimSpace(label)
	if captureKey == "" || label == "" {
		return errors.New("capture key and label must not be empty")
	}
	if len(snap) == 0 {
		return errors.New("capture has no readings")
	}
	if r.driver == DriverPostgres {
		return r.copyCapturePostgres(ctx, captureKey, label, snap)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin capture: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO training_data (capture_key, location_label, mac_address, rssi, ssid) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare capture insert: %w", err)
	}
	defer stmt.Close()
	for _, reading := range snap {
		if _, err := stmt.ExecContext(ctx, captureKey, label, fingerprint.NormalizeStation(reading.Station), reading.RSSI, reading.SSID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert capture row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit capture: %w", err)
	}
	return nil
}

// copyCapturePostgres streams the capture through COPY inside one pgx
// transaction on a dedicated pool connection.
func (r *Repository) copyCapturePostgres(ctx context.Context, captureKey, label string, snap fingerprint.Snapshot) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	rows := make([][]any, 0, len(snap))
	for _, reading := range snap {
		rows = append(rows, []any{captureKey, label, fingerprint.NormalizeStation(reading.Station), reading.RSSI, reading.SSID})
	}

	return conn.Raw(func(driverConn any) error {
		direct, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected postgres driver %T", driverConn)
		}
		tx, err := direct.Conn().Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin capture: %w", err)
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"training_data"},
			[]string{"capture_key", "location_label", "mac_address", "rssi", "ssid"},
			pgx.CopyFromRows(rows),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("copy capture rows: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit capture: %w", err)
		}
		return nil
	})
}

// ArchiveScan appends the raw readings of a live scan to wifi_scans.
func (r *Repository) ArchiveScan(ctx context.Context, deviceID string, snap fingerprint.Snapshot) error {
	if len(snap) == 0 {
		return nil
	}
	query := `INSERT INTO wifi_scans (device_id, mac_address, rssi, ssid) VALUES (?, ?, ?, ?)`
	if r.driver == DriverPostgres {
		query = `INSERT INTO wifi_scans (device_id, mac_address, rssi, ssid) VALUES ($1, $2, $3, $4)`
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	for _, reading := range snap {
		if _, err := tx.ExecContext(ctx, query, deviceID, reading.Station, reading.RSSI, reading.SSID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("archive scan row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	return nil
}

// CountCaptures returns the number of distinct captures stored for label.
func (r *Repository) CountCaptures(ctx context.Context, label string) (int, error) {
	query := `SELECT COUNT(DISTINCT capture_key) FROM training_data WHERE location_label = ?`
	if r.driver == DriverPostgres {
		query = `SELECT COUNT(DISTINCT capture_key) FROM training_data WHERE location_label = $1`
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, label).Scan(&n); err != nil {
		return 0, fmt.Errorf("count captures: %w", err)
	}
	return n, nil
}

// Package storage persists loop snapshots and control targets in SQLite.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"rcvehicle/internal/hal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("storage: empty database path")
	}
	sdb, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	// One writer: the sink and the target poller take turns.
	sdb.SetMaxOpenConns(1)
	if err := sdb.Ping(); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db := &DB{DB: sdb, path: path}
	if err := db.MigrateUp(); err != nil {
		sdb.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Path() string { return db.path }

// MigrateUp applies every pending embedded migration.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return err
	}
	// Not closing m: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version; 0 means none.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	m, err := db.newMigrate(migrationsFS)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate(fsys fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// Run describes one process lifetime of the control loop.
type Run struct {
	ID         string
	StartedAt  time.Time
	EndedAt    time.Time
	Capability string
	Policy     string
	EndReason  string
}

// StartRun records a new run and returns its generated ID.
func (db *DB) StartRun(ctx context.Context, capability, policy string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, capability, policy) VALUES (?, ?, ?, ?)`,
		id, at.UnixNano(), capability, policy)
	if err != nil {
		return "", fmt.Errorf("storage: start run: %w", err)
	}
	return id, nil
}

func (db *DB) EndRun(ctx context.Context, id, reason string, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, end_reason = ? WHERE run_id = ?`,
		at.UnixNano(), reason, id)
	if err != nil {
		return fmt.Errorf("storage: end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: end run %s: no such run", id)
	}
	return nil
}

func (db *DB) GetRun(ctx context.Context, id string) (Run, error) {
	var (
		r        Run
		started  int64
		ended    sql.NullInt64
		endedWhy sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT run_id, started_at, ended_at, capability, policy, end_reason FROM runs WHERE run_id = ?`, id).
		Scan(&r.ID, &started, &ended, &r.Capability, &r.Policy, &endedWhy)
	if err != nil {
		return Run{}, fmt.Errorf("storage: run %s: %w", id, err)
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		r.EndedAt = time.Unix(0, ended.Int64).UTC()
	}
	r.EndReason = endedWhy.String
	return r, nil
}

// PutTarget stores a new control target. This is the write side used by
// external command sources; TargetPoller is the read side.
func (db *DB) PutTarget(ctx context.Context, t hal.ControlTarget) (int64, error) {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	var lat, lon sql.NullFloat64
	if t.Waypoint != nil {
		lat = sql.NullFloat64{Float64: t.Waypoint.LatDeg, Valid: true}
		lon = sql.NullFloat64{Float64: t.Waypoint.LonDeg, Valid: true}
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO control_targets (steering, throttle, heading_deg, speed_mps, waypoint_lat, waypoint_lon, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.Steering, t.Throttle, t.HeadingDeg, t.SpeedMps, lat, lon, t.UpdatedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("storage: put target: %w", err)
	}
	return res.LastInsertId()
}

// LatestTarget returns the most recent control target and its row id.
// ok is false when the table is empty.
func (db *DB) LatestTarget(ctx context.Context) (t hal.ControlTarget, id int64, ok bool, err error) {
	var (
		lat, lon sql.NullFloat64
		created  int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT id, steering, throttle, heading_deg, speed_mps, waypoint_lat, waypoint_lon, created_at
		 FROM control_targets ORDER BY id DESC LIMIT 1`).
		Scan(&id, &t.Steering, &t.Throttle, &t.HeadingDeg, &t.SpeedMps, &lat, &lon, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return hal.ControlTarget{}, 0, false, nil
	}
	if err != nil {
		return hal.ControlTarget{}, 0, false, fmt.Errorf("storage: latest target: %w", err)
	}
	if lat.Valid && lon.Valid {
		t.Waypoint = &hal.LatLon{LatDeg: lat.Float64, LonDeg: lon.Float64}
	}
	t.UpdatedAt = time.Unix(0, created).UTC()
	return t, id, true, nil
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"rcvehicle/internal/loop"
)

// Sink is a loop.Sink that writes snapshots on its own goroutine. Publish
// never blocks: when the queue is full the snapshot is dropped. Write errors
// are logged and never reach the loop.
type Sink struct {
	db    *DB
	runID string
	queue chan loop.Snapshot

	onDrop  func()
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

var _ loop.Sink = (*Sink)(nil)

func NewSink(db *DB, runID string, queueLen int) *Sink {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &Sink{db: db, runID: runID, queue: make(chan loop.Snapshot, queueLen)}
}

// OnDrop registers a callback for every dropped snapshot. Set it before the
// sink is handed to the loop.
func (s *Sink) OnDrop(fn func()) { s.onDrop = fn }

func (s *Sink) RunID() string { return s.runID }

func (s *Sink) Publish(snap loop.Snapshot) {
	select {
	case s.queue <- snap:
	default:
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop()
		}
	}
}

// Stats returns written, failed and dropped snapshot counts.
func (s *Sink) Stats() (written, failed, dropped uint64) {
	return s.written.Load(), s.failed.Load(), s.dropped.Load()
}

// Run drains the queue until ctx is done, then flushes whatever is still
// queued. Cancel ctx only after the loop has stopped publishing.
func (s *Sink) Run(ctx context.Context) error {
	var lastErrLog time.Time
	write := func(snap loop.Snapshot) {
		if err := s.write(snap); err != nil {
			s.failed.Add(1)
			if time.Since(lastErrLog) > 5*time.Second {
				lastErrLog = time.Now()
				log.Printf("storage write failed run=%s tick=%d err=%v", s.runID, snap.Tick, err)
			}
			return
		}
		s.written.Add(1)
	}
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case snap := <-s.queue:
					write(snap)
				default:
					return nil
				}
			}
		case snap := <-s.queue:
			write(snap)
		}
	}
}

func (s *Sink) write(snap loop.Snapshot) error {
	st := snap.State
	var sources []byte
	if len(st.Sources) > 0 {
		b, err := json.Marshal(st.Sources)
		if err != nil {
			return fmt.Errorf("encode sources: %w", err)
		}
		sources = b
	}
	var battery sql.NullFloat64
	if st.BatteryValid {
		battery = sql.NullFloat64{Float64: st.BatteryV, Valid: true}
	}
	// A separate context keeps the final safe-stop snapshot writable after
	// shutdown has begun.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `INSERT INTO states (
		run_id, tick, at, phase, position_valid, position_source, lat_deg, lon_deg, alt_m,
		speed_mps, heading_deg, roll_deg, pitch_deg, yaw_rate_dps, battery_v, fix_quality,
		satellites, steering, throttle, policy, deadline_miss, sources
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, int64(snap.Tick), st.Timestamp.UnixNano(), string(snap.Phase), st.PositionValid,
		string(st.PositionSource), st.Position.LatDeg, st.Position.LonDeg, st.Position.AltM,
		st.SpeedMps, st.HeadingDeg, st.RollDeg, st.PitchDeg, st.YawRateDps, battery, st.FixQuality,
		st.Satellites, snap.Command.Steering, snap.Command.Throttle, snap.Command.Policy,
		st.DeadlineMiss, nullBytes(sources))
	return err
}

func nullBytes(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// StateRow is one persisted snapshot.
type StateRow struct {
	Tick           uint64
	At             time.Time
	Phase          string
	PositionValid  bool
	PositionSource string
	LatDeg         float64
	LonDeg         float64
	SpeedMps       float64
	HeadingDeg     float64
	BatteryV       float64
	HasBattery     bool
	Steering       float64
	Throttle       float64
	Policy         string
	DeadlineMiss   bool
	Sources        string
}

// States returns the last limit rows of a run in tick order.
func (db *DB) States(ctx context.Context, runID string, limit int) ([]StateRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT tick, at, phase, position_valid, position_source, lat_deg, lon_deg,
		speed_mps, heading_deg, battery_v, steering, throttle, policy, deadline_miss, sources
		FROM (SELECT * FROM states WHERE run_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: states: %w", err)
	}
	defer rows.Close()

	var out []StateRow
	for rows.Next() {
		var (
			r       StateRow
			tick    int64
			at      int64
			battery sql.NullFloat64
			policy  sql.NullString
			sources sql.NullString
		)
		if err := rows.Scan(&tick, &at, &r.Phase, &r.PositionValid, &r.PositionSource, &r.LatDeg, &r.LonDeg,
			&r.SpeedMps, &r.HeadingDeg, &battery, &r.Steering, &r.Throttle, &policy, &r.DeadlineMiss, &sources); err != nil {
			return nil, fmt.Errorf("storage: scan state: %w", err)
		}
		r.Tick = uint64(tick)
		r.At = time.Unix(0, at).UTC()
		r.BatteryV, r.HasBattery = battery.Float64, battery.Valid
		r.Policy = policy.String
		r.Sources = sources.String
		out = append(out, r)
	}
	return out, rows.Err()
}

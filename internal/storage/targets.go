package storage

import (
	"context"
	"log"
	"time"

	"rcvehicle/internal/hal"
)

// TargetPoller copies new rows of control_targets into a TargetStore.
type TargetPoller struct {
	db       *DB
	store    *hal.TargetStore
	interval time.Duration

	lastID int64
}

func NewTargetPoller(db *DB, store *hal.TargetStore, interval time.Duration) *TargetPoller {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &TargetPoller{db: db, store: store, interval: interval}
}

// Poll loads the latest row and publishes it if it is newer than the last
// one seen. It reports whether the store changed.
func (p *TargetPoller) Poll(ctx context.Context) (bool, error) {
	t, id, ok, err := p.db.LatestTarget(ctx)
	if err != nil || !ok || id <= p.lastID {
		return false, err
	}
	p.lastID = id
	p.store.Set(t)
	return true, nil
}

func (p *TargetPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	failing := false
	for {
		if _, err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !failing {
				log.Printf("target poll failed db=%s err=%v", p.db.Path(), err)
				failing = true
			}
		} else if failing {
			log.Printf("target poll recovered db=%s", p.db.Path())
			failing = false
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SetTarget stores t for the poller to pick up; it lets the database stand
// in for the web API's target sink.
func (db *DB) SetTarget(ctx context.Context, t hal.ControlTarget) error {
	_, err := db.PutTarget(ctx, t)
	return err
}

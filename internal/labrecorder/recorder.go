// Package labrecorder persists lifecycle, flash and recovery history of the
// bench devices to a local SQLite database. Recording is best effort: the
// harness logs and continues when the database is unavailable.
package labrecorder

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	routeragent "github.com/lime-hil/routeragent"
)

const schema = `
CREATE TABLE IF NOT EXISTS lifecycle_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device TEXT NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lifecycle_events_device ON lifecycle_events(device, created_at);
CREATE TABLE IF NOT EXISTS flash_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device TEXT NOT NULL,
	image TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	start_at TIMESTAMP NOT NULL,
	end_at TIMESTAMP NOT NULL
);
`

// Recorder implements routeragent.EventRecorder and routeragent.FlashRecorder
// on top of SQLite.
type Recorder struct {
	db    *sql.DB
	clock func() time.Time
}

// Event is one persisted lifecycle event.
type Event struct {
	Device string
	Event  string
	Detail string
	At     time.Time
}

// Open creates (or reuses) the database at path and ensures the schema.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open recorder db %s", path)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=60000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %s", pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create recorder schema")
	}
	return &Recorder{db: db, clock: time.Now}, nil
}

// RecordEvent stores one lifecycle/recovery event.
func (r *Recorder) RecordEvent(ctx context.Context, device, event, detail string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO lifecycle_events (device, event, detail, created_at) VALUES (?, ?, ?, ?)",
		device, event, detail, r.clock().UTC())
	return errors.Wrap(err, "insert lifecycle event")
}

// RecordFlash stores one flash attempt.
func (r *Recorder) RecordFlash(ctx context.Context, rec routeragent.FlashRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO flash_results (device, image, sha256, size_bytes, outcome, error, start_at, end_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Device, rec.Image, rec.SHA256, rec.SizeBytes, rec.Outcome, rec.Error,
		rec.StartAt.UTC(), rec.EndAt.UTC())
	return errors.Wrap(err, "insert flash result")
}

// Events returns the recorded events for one device, oldest first.
func (r *Recorder) Events(ctx context.Context, device string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT device, event, detail, created_at FROM lifecycle_events WHERE device = ? ORDER BY id",
		device)
	if err != nil {
		return nil, errors.Wrap(err, "query lifecycle events")
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Device, &ev.Event, &ev.Detail, &ev.At); err != nil {
			return nil, errors.Wrap(err, "scan lifecycle event")
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}

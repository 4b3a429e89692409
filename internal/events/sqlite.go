// internal/events/sqlite.go
package events

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sua-org/gate-vision/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS count_events (
	event_id     TEXT PRIMARY KEY,
	camera_id    TEXT NOT NULL,
	track_id     INTEGER NOT NULL,
	class        TEXT NOT NULL,
	direction    TEXT NOT NULL,
	ts_unix_ms   INTEGER NOT NULL,
	x1           INTEGER NOT NULL,
	y1           INTEGER NOT NULL,
	x2           INTEGER NOT NULL,
	y2           INTEGER NOT NULL,
	snapshot_url TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_count_events_camera_ts
	ON count_events (camera_id, ts_unix_ms);
`

// SQLiteStore persists count events in an append-only table. Inserts
// ignore duplicate event ids, so replaying a log is harmless.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ev core.CountEvent) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO count_events
			(event_id, camera_id, track_id, class, direction, ts_unix_ms, x1, y1, x2, y2, snapshot_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.CameraID, ev.TrackID, ev.Class, string(ev.Direction),
		ev.Timestamp.UnixMilli(),
		ev.Box.X1, ev.Box.Y1, ev.Box.X2, ev.Box.Y2,
		ev.SnapshotURL,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}
	return nil
}

func (s *SQLiteStore) Load() ([]core.CountEvent, error) {
	rows, err := s.db.Query(
		`SELECT event_id, camera_id, track_id, class, direction, ts_unix_ms, x1, y1, x2, y2, snapshot_url
		 FROM count_events ORDER BY ts_unix_ms, event_id`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []core.CountEvent
	for rows.Next() {
		var ev core.CountEvent
		var direction string
		var tsMillis int64
		if err := rows.Scan(
			&ev.EventID, &ev.CameraID, &ev.TrackID, &ev.Class, &direction, &tsMillis,
			&ev.Box.X1, &ev.Box.Y1, &ev.Box.X2, &ev.Box.Y2, &ev.SnapshotURL,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Direction = core.Direction(direction)
		ev.Timestamp = time.UnixMilli(tsMillis).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

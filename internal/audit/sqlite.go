package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS connections (
    id              TEXT PRIMARY KEY,
    room_id         TEXT NOT NULL,
    player_id       TEXT NOT NULL,
    ip              TEXT NOT NULL DEFAULT '',
    user_agent      TEXT NOT NULL DEFAULT '',
    connected_at    TIMESTAMP NOT NULL,
    disconnected_at TIMESTAMP,
    last_seen_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_room_player ON connections (room_id, player_id);
CREATE INDEX IF NOT EXISTS idx_connections_room ON connections (room_id);
CREATE TABLE IF NOT EXISTS action_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id    TEXT NOT NULL,
    player_id  TEXT NOT NULL,
    action     TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_log_room ON action_log (room_id);
`

type SQLiteService struct {
	db *sql.DB
}

func NewSQLiteService(path string) (*SQLiteService, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty sqlite path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteService{db: db}, nil
}

func (s *SQLiteService) Enabled() bool { return true }

func (s *SQLiteService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteService) RecordConnect(connectionID, roomID, playerID, ip, userAgent string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO connections (id, room_id, player_id, ip, user_agent, connected_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, connectionID, roomID, playerID, ip, userAgent, now, now)
		if err != nil {
			log.Printf("[Audit] record connect failed: conn=%s err=%v", connectionID, err)
		}
	}()
}

func (s *SQLiteService) RecordDisconnect(connectionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
UPDATE connections SET disconnected_at = ?, last_seen_at = ? WHERE id = ?
`, now, now, connectionID)
		if err != nil {
			log.Printf("[Audit] record disconnect failed: conn=%s err=%v", connectionID, err)
		}
	}()
}

func (s *SQLiteService) TouchSeen(connectionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
UPDATE connections SET last_seen_at = ? WHERE id = ?
`, time.Now().UTC(), connectionID)
		if err != nil {
			log.Printf("[Audit] touch seen failed: conn=%s err=%v", connectionID, err)
		}
	}()
}

func (s *SQLiteService) RecordAction(roomID, playerID, action string, detail map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO action_log (room_id, player_id, action, detail, created_at)
VALUES (?, ?, ?, ?, ?)
`, roomID, playerID, action, encodeDetail(detail), time.Now().UTC())
		if err != nil {
			log.Printf("[Audit] record action failed: room=%s action=%s err=%v", roomID, action, err)
		}
	}()
}

func (s *SQLiteService) ListRoomConnections(ctx context.Context, roomID string) ([]ConnectionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.room_id, c.player_id, c.ip, c.user_agent, c.connected_at, c.disconnected_at, c.last_seen_at
FROM connections c
WHERE c.room_id = ?
  AND c.connected_at = (
      SELECT MAX(connected_at) FROM connections
      WHERE room_id = c.room_id AND player_id = c.player_id
  )
ORDER BY c.player_id
`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSummaries(rows)
}

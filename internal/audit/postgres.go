package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS connections (
    id              TEXT PRIMARY KEY,
    room_id         TEXT NOT NULL,
    player_id       TEXT NOT NULL,
    ip              TEXT NOT NULL DEFAULT '',
    user_agent      TEXT NOT NULL DEFAULT '',
    connected_at    TIMESTAMPTZ NOT NULL,
    disconnected_at TIMESTAMPTZ,
    last_seen_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_room_player ON connections (room_id, player_id);
CREATE INDEX IF NOT EXISTS idx_connections_room ON connections (room_id);
CREATE TABLE IF NOT EXISTS action_log (
    id         BIGSERIAL PRIMARY KEY,
    room_id    TEXT NOT NULL,
    player_id  TEXT NOT NULL,
    action     TEXT NOT NULL,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_log_room ON action_log (room_id);
`

type PostgresService struct {
	db *sql.DB
}

func NewPostgresService(dsn string) (*PostgresService, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresService{db: db}, nil
}

func (s *PostgresService) Enabled() bool { return true }

func (s *PostgresService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresService) RecordConnect(connectionID, roomID, playerID, ip, userAgent string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO connections (id, room_id, player_id, ip, user_agent, connected_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (id) DO NOTHING
`, connectionID, roomID, playerID, ip, userAgent, now)
		if err != nil {
			log.Printf("[Audit] record connect failed: conn=%s err=%v", connectionID, err)
		}
	}()
}

func (s *PostgresService) RecordDisconnect(connectionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		now := time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
UPDATE connections SET disconnected_at = $2, last_seen_at = $2 WHERE id = $1
`, connectionID, now)
		if err != nil {
			log.Printf("[Audit] record disconnect failed: conn=%s err=%v", connectionID, err)
		}
	}()
}

func (s *PostgresService) TouchSeen(connectionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
UPDATE connections SET last_seen_at = $2 WHERE id = $1
`, connectionID, time.Now().UTC())
		if err != nil {
			log.Printf("[Audit] touch seen failed: conn=%s err=%v", connectionID, err)
		}
	}()
}

func (s *PostgresService) RecordAction(roomID, playerID, action string, detail map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO action_log (room_id, player_id, action, detail, created_at)
VALUES ($1, $2, $3, $4, $5)
`, roomID, playerID, action, encodeDetail(detail), time.Now().UTC())
		if err != nil {
			log.Printf("[Audit] record action failed: room=%s action=%s err=%v", roomID, action, err)
		}
	}()
}

func (s *PostgresService) ListRoomConnections(ctx context.Context, roomID string) ([]ConnectionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.room_id, c.player_id, c.ip, c.user_agent, c.connected_at, c.disconnected_at, c.last_seen_at
FROM connections c
WHERE c.room_id = $1
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

func scanSummaries(rows *sql.Rows) ([]ConnectionSummary, error) {
	out := make([]ConnectionSummary, 0, 8)
	for rows.Next() {
		var s ConnectionSummary
		var disconnected sql.NullTime
		if err := rows.Scan(&s.ConnectionID, &s.RoomID, &s.PlayerID, &s.IP, &s.UserAgent,
			&s.ConnectedAt, &disconnected, &s.LastSeenAt); err != nil {
			return nil, err
		}
		if disconnected.Valid {
			t := disconnected.Time
			s.DisconnectedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func encodeDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return ""
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return ""
	}
	return string(raw)
}

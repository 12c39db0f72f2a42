// Package audit is the optional write-through sink for connection records
// and structured action logs. Failures are logged and never reach the game
// path.
package audit

import (
	"context"
	"strings"
	"time"
)

// ConnectionSummary is the banker-visible view: the latest connection row
// per player in a room.
type ConnectionSummary struct {
	ConnectionID   string     `json:"connectionId"`
	RoomID         string     `json:"roomId"`
	PlayerID       string     `json:"playerId"`
	IP             string     `json:"ip"`
	UserAgent      string     `json:"userAgent"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	LastSeenAt     time.Time  `json:"lastSeenAt"`
}

// Service is the audit contract consumed by the gateway and the store.
// Record* calls must not block the caller.
type Service interface {
	RecordConnect(connectionID, roomID, playerID, ip, userAgent string)
	RecordDisconnect(connectionID string)
	TouchSeen(connectionID string)
	RecordAction(roomID, playerID, action string, detail map[string]any)
	ListRoomConnections(ctx context.Context, roomID string) ([]ConnectionSummary, error)
	Enabled() bool
	Close() error
}

type noopService struct{}

func (noopService) RecordConnect(_, _, _, _, _ string)            {}
func (noopService) RecordDisconnect(_ string)                     {}
func (noopService) TouchSeen(_ string)                            {}
func (noopService) RecordAction(_, _, _ string, _ map[string]any) {}
func (noopService) Enabled() bool                                 { return false }
func (noopService) Close() error                                  { return nil }
func (noopService) ListRoomConnections(_ context.Context, _ string) ([]ConnectionSummary, error) {
	return []ConnectionSummary{}, nil
}

// NewService selects a backend from the database URL: postgres for
// postgres:// URLs, sqlite for sqlite: URLs or plain file paths, noop when
// the URL is empty.
func NewService(databaseURL string) (Service, string, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return noopService{}, "disabled", nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		svc, err := NewPostgresService(url)
		if err != nil {
			return nil, "", err
		}
		return svc, "postgres", nil
	default:
		svc, err := NewSQLiteService(strings.TrimPrefix(url, "sqlite:"))
		if err != nil {
			return nil, "", err
		}
		return svc, "sqlite", nil
	}
}

// Package track maintains the durable record of who is editing what:
// edit sessions with cursor position, color and liveness status.
package track

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docsyncio/docsync/store"
)

// cursorColors is the fixed palette cursor colors are drawn from.
// Collisions between simultaneous editors are accepted.
var cursorColors = []string{
	"#FF5733",
	"#33FF57",
	"#3357FF",
	"#FF33F5",
	"#F5FF33",
	"#33FFF5",
	"#FF8C33",
	"#8C33FF",
}

// Tracker records edit sessions for presence recovery and audit.
// Sessions are never deleted; stale ones are swept to disconnected.
type Tracker struct {
	sessions store.SessionStore
	log      *zap.SugaredLogger
}

func New(sessions store.SessionStore, log *zap.SugaredLogger) *Tracker {
	return &Tracker{sessions: sessions, log: log}
}

// Start persists a new session for a connection that just joined a
// document. The cursor color is a uniform random pick from the palette.
func (t *Tracker) Start(ctx context.Context, userID, documentID, connectionID string) (*store.EditSession, error) {
	now := time.Now()
	sess := &store.EditSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		DocumentID:   documentID,
		ConnectionID: connectionID,
		CursorColor:  cursorColors[rand.Intn(len(cursorColors))],
		Status:       store.StatusConnected,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := t.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create edit session: %w", err)
	}
	return sess, nil
}

// SetStatus persists the connection status and refreshes last_activity.
func (t *Tracker) SetStatus(ctx context.Context, sessionID string, status store.ConnectionStatus) error {
	return t.sessions.UpdateSessionStatus(ctx, sessionID, status)
}

// Heartbeat marks the session connected in response to a pong.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID string) error {
	return t.sessions.UpdateSessionStatus(ctx, sessionID, store.StatusConnected)
}

// MoveCursor persists a cursor position. Negative positions are
// rejected.
func (t *Tracker) MoveCursor(ctx context.Context, sessionID string, position int) error {
	if position < 0 {
		return fmt.Errorf("cursor position %d is negative", position)
	}
	return t.sessions.UpdateSessionCursor(ctx, sessionID, position)
}

// ActiveUsers returns presence information for everyone currently
// connected to a document.
func (t *Tracker) ActiveUsers(ctx context.Context, documentID string) ([]store.EditSession, error) {
	return t.sessions.ActiveSessions(ctx, documentID)
}

// Sweep marks disconnected every session inactive for longer than
// olderThan. Run on a recurring timer, it catches clients that vanished
// without a close frame.
func (t *Tracker) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	swept, err := t.sessions.SweepStaleSessions(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep stale sessions: %w", err)
	}
	if swept > 0 {
		t.log.Infow("cleaned up stale edit sessions", "count", swept)
	}
	return swept, nil
}

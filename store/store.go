package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by all store implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// ConnectionStatus is the liveness state of an edit session.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusIdle         ConnectionStatus = "idle"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// OperationKind classifies a change record.
type OperationKind string

const (
	OpInsert OperationKind = "insert"
	OpDelete OperationKind = "delete"
	OpUpdate OperationKind = "update"
)

// Document holds document metadata. Content lives in the snapshot and
// the change log; this record anchors ownership and access checks.
type Document struct {
	ID        string    `json:"id" bson:"_id"`
	OwnerID   string    `json:"owner_id" bson:"owner_id"`
	Title     string    `json:"title" bson:"title"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Snapshot is the current binary state of a document plus its version
// counter. State is an opaque CRDT payload; the store never interprets
// it. A document that has never received an update has an empty State.
type Snapshot struct {
	DocumentID string    `json:"document_id" bson:"document_id"`
	State      []byte    `json:"state" bson:"state"`
	Version    int       `json:"version" bson:"version"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// Change is one append-only entry in a document's change log. Inserts
// carry Content, deletes carry Length, opaque CRDT updates carry Update.
// Seq is assigned by the store and increases monotonically per document.
type Change struct {
	ID         string        `json:"id" bson:"_id"`
	DocumentID string        `json:"document_id" bson:"document_id"`
	UserID     string        `json:"user_id" bson:"user_id"`
	Kind       OperationKind `json:"kind" bson:"kind"`
	Position   int           `json:"position" bson:"position"`
	Content    *string       `json:"content,omitempty" bson:"content,omitempty"`
	Length     *int          `json:"length,omitempty" bson:"length,omitempty"`
	Update     []byte        `json:"update,omitempty" bson:"update,omitempty"`
	Seq        int64         `json:"seq" bson:"seq"`
	Timestamp  time.Time     `json:"timestamp" bson:"timestamp"`
}

// Validate checks the change-log invariants before a write.
func (c *Change) Validate() error {
	if c.DocumentID == "" {
		return fmt.Errorf("change is missing a document id")
	}
	if c.Position < 0 {
		return fmt.Errorf("change position %d is negative", c.Position)
	}
	switch c.Kind {
	case OpInsert:
		if c.Content == nil {
			return fmt.Errorf("insert change has no content")
		}
	case OpDelete:
		if c.Length == nil || *c.Length <= 0 {
			return fmt.Errorf("delete change has no positive length")
		}
	case OpUpdate:
	default:
		return fmt.Errorf("unknown operation kind %q", c.Kind)
	}
	return nil
}

// EditSession is a durable record of one user editing one document over
// one connection. Rows are append-only: sessions are marked disconnected,
// never deleted.
type EditSession struct {
	ID             string           `json:"id" bson:"_id"`
	UserID         string           `json:"user_id" bson:"user_id"`
	DocumentID     string           `json:"document_id" bson:"document_id"`
	ConnectionID   string           `json:"connection_id" bson:"connection_id"`
	CursorPosition *int             `json:"cursor_position,omitempty" bson:"cursor_position,omitempty"`
	CursorColor    string           `json:"cursor_color" bson:"cursor_color"`
	Status         ConnectionStatus `json:"status" bson:"status"`
	StartedAt      time.Time        `json:"started_at" bson:"started_at"`
	LastActivity   time.Time        `json:"last_activity" bson:"last_activity"`
}

// User is the slice of the user record the sync layer needs for
// presence announcements.
type User struct {
	ID       string `json:"id" bson:"_id"`
	Username string `json:"username" bson:"username"`
}

// DocumentStore persists documents, their opaque snapshots and their
// change logs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	// GetSnapshot returns the current snapshot. A document with no
	// updates yet yields an empty State with version 1; a missing
	// document yields ErrNotFound.
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	// SaveUpdate validates the change, assigns its sequence number,
	// appends it to the log and, for opaque update changes, overwrites
	// the snapshot payload last-write-wins. The log append and the
	// snapshot write succeed or fail together.
	SaveUpdate(ctx context.Context, ch Change) (int64, error)
	// Changes returns log entries with Seq > fromSeq in sequence order.
	Changes(ctx context.Context, documentID string, fromSeq int64) ([]Change, error)
}

// SessionStore persists edit sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *EditSession) error
	SessionByID(ctx context.Context, id string) (*EditSession, error)
	UpdateSessionStatus(ctx context.Context, id string, status ConnectionStatus) error
	UpdateSessionCursor(ctx context.Context, id string, position int) error
	// SweepStaleSessions marks disconnected every session whose
	// last_activity is older than olderThan and whose status is not
	// already disconnected. Returns the number of sessions affected.
	SweepStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error)
	ActiveSessions(ctx context.Context, documentID string) ([]EditSession, error)
}

// AccessStore answers document access checks.
type AccessStore interface {
	// HasAccess reports whether userID owns documentID or holds a grant.
	HasAccess(ctx context.Context, documentID, userID string) (bool, error)
	Grant(ctx context.Context, documentID, userID string) error
}

// UserStore resolves user identities.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (*User, error)
}

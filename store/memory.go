package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memDoc struct {
	doc     Document
	state   []byte
	version int
	changes []Change
	seq     int64
}

// MemoryStore is an in-memory implementation of every store interface.
// Used for tests and single-instance development setups.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*memDoc
	sessions map[string]*EditSession
	grants   map[string]map[string]bool
	users    map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*memDoc),
		sessions: make(map[string]*EditSession),
		grants:   make(map[string]map[string]bool),
		users:    make(map[string]User),
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("document %q: %w", doc.ID, ErrAlreadyExists)
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	s.docs[doc.ID] = &memDoc{doc: doc, version: 1}
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	doc := rec.doc
	return &doc, nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	state := make([]byte, len(rec.state))
	copy(state, rec.state)
	return &Snapshot{
		DocumentID: id,
		State:      state,
		Version:    rec.version,
		UpdatedAt:  rec.doc.UpdatedAt,
	}, nil
}

func (s *MemoryStore) SaveUpdate(_ context.Context, ch Change) (int64, error) {
	if err := ch.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[ch.DocumentID]
	if !ok {
		return 0, fmt.Errorf("document %q: %w", ch.DocumentID, ErrNotFound)
	}
	rec.seq++
	ch.Seq = rec.seq
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now()
	}
	rec.changes = append(rec.changes, ch)
	if ch.Kind == OpUpdate && ch.Update != nil {
		// Last write wins on the raw payload; merging is the CRDT
		// library's job, not ours.
		rec.state = make([]byte, len(ch.Update))
		copy(rec.state, ch.Update)
	}
	rec.doc.UpdatedAt = time.Now()
	return ch.Seq, nil
}

func (s *MemoryStore) Changes(_ context.Context, documentID string, fromSeq int64) ([]Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", documentID, ErrNotFound)
	}
	var out []Change
	for _, ch := range rec.changes {
		if ch.Seq > fromSeq {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *EditSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %q: %w", sess.ID, ErrAlreadyExists)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) SessionByID(_ context.Context, id string) (*EditSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSessionStatus(_ context.Context, id string, status ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	sess.Status = status
	sess.LastActivity = time.Now()
	return nil
}

func (s *MemoryStore) UpdateSessionCursor(_ context.Context, id string, position int) error {
	if position < 0 {
		return fmt.Errorf("cursor position %d is negative", position)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	pos := position
	sess.CursorPosition = &pos
	sess.LastActivity = time.Now()
	return nil
}

func (s *MemoryStore) SweepStaleSessions(_ context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var swept int64
	for _, sess := range s.sessions {
		if sess.Status != StatusDisconnected && sess.LastActivity.Before(cutoff) {
			sess.Status = StatusDisconnected
			swept++
		}
	}
	return swept, nil
}

func (s *MemoryStore) ActiveSessions(_ context.Context, documentID string) ([]EditSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EditSession
	for _, sess := range s.sessions {
		if sess.DocumentID == documentID && sess.Status == StatusConnected {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *MemoryStore) HasAccess(_ context.Context, documentID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rec, ok := s.docs[documentID]; ok && rec.doc.OwnerID == userID {
		return true, nil
	}
	return s.grants[documentID][userID], nil
}

func (s *MemoryStore) Grant(_ context.Context, documentID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grants[documentID] == nil {
		s.grants[documentID] = make(map[string]bool)
	}
	s.grants[documentID][userID] = true
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return fmt.Errorf("user %q: %w", u.ID, ErrAlreadyExists)
	}
	s.users[u.ID] = u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return &u, nil
}

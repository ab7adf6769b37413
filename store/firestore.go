package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed DocumentStore. Snapshot state
// lives on the document itself; the change log is a subcollection keyed
// by zero-padded sequence number so entries iterate in order.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a FirestoreStore using the given client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) changesCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("changes")
}

func zeroPad(seq int64) string {
	return fmt.Sprintf("%010d", seq)
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, doc Document) error {
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	_, err := s.docRef(doc.ID).Create(ctx, map[string]interface{}{
		"ownerId":   doc.OwnerID,
		"title":     doc.Title,
		"version":   1,
		"seq":       int64(0),
		"createdAt": doc.CreatedAt,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("document %q: %w", doc.ID, ErrAlreadyExists)
	}
	return err
}

func (s *FirestoreStore) getSnap(ctx context.Context, id string) (*firestore.DocumentSnapshot, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *FirestoreStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	snap, err := s.getSnap(ctx, id)
	if err != nil {
		return nil, err
	}
	data := snap.Data()
	ownerID, _ := data["ownerId"].(string)
	title, _ := data["title"].(string)
	createdAt, _ := data["createdAt"].(time.Time)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &Document{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}, nil
}

func (s *FirestoreStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	snap, err := s.getSnap(ctx, id)
	if err != nil {
		return nil, err
	}
	data := snap.Data()
	state, _ := data["state"].([]byte)
	version, _ := data["version"].(int64)
	updatedAt, _ := data["updatedAt"].(time.Time)
	return &Snapshot{
		DocumentID: id,
		State:      state,
		Version:    int(version),
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *FirestoreStore) SaveUpdate(ctx context.Context, ch Change) (int64, error) {
	if err := ch.Validate(); err != nil {
		return 0, err
	}
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now()
	}

	var seq int64
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef := s.docRef(ch.DocumentID)
		snap, err := tx.Get(docRef)
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("document %q: %w", ch.DocumentID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		prev, _ := snap.Data()["seq"].(int64)
		seq = prev + 1

		entry := map[string]interface{}{
			"id":        ch.ID,
			"userId":    ch.UserID,
			"kind":      string(ch.Kind),
			"position":  ch.Position,
			"seq":       seq,
			"timestamp": ch.Timestamp,
		}
		if ch.Content != nil {
			entry["content"] = *ch.Content
		}
		if ch.Length != nil {
			entry["length"] = *ch.Length
		}
		if ch.Update != nil {
			entry["update"] = ch.Update
		}
		if err := tx.Set(s.changesCollection(ch.DocumentID).Doc(zeroPad(seq)), entry); err != nil {
			return err
		}

		updates := []firestore.Update{
			{Path: "seq", Value: seq},
			{Path: "updatedAt", Value: time.Now()},
		}
		if ch.Kind == OpUpdate && ch.Update != nil {
			updates = append(updates, firestore.Update{Path: "state", Value: ch.Update})
		}
		return tx.Update(docRef, updates)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *FirestoreStore) Changes(ctx context.Context, documentID string, fromSeq int64) ([]Change, error) {
	if _, err := s.getSnap(ctx, documentID); err != nil {
		return nil, err
	}

	iter := s.changesCollection(documentID).
		Where("seq", ">", fromSeq).
		OrderBy("seq", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var out []Change
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snapshotToChange(documentID, snap))
	}
	return out, nil
}

func snapshotToChange(documentID string, snap *firestore.DocumentSnapshot) Change {
	data := snap.Data()
	id, _ := data["id"].(string)
	userID, _ := data["userId"].(string)
	kind, _ := data["kind"].(string)
	position, _ := data["position"].(int64)
	seq, _ := data["seq"].(int64)
	timestamp, _ := data["timestamp"].(time.Time)
	ch := Change{
		ID:         id,
		DocumentID: documentID,
		UserID:     userID,
		Kind:       OperationKind(kind),
		Position:   int(position),
		Seq:        seq,
		Timestamp:  timestamp,
	}
	if content, ok := data["content"].(string); ok {
		ch.Content = &content
	}
	if length, ok := data["length"].(int64); ok {
		l := int(length)
		ch.Length = &l
	}
	if update, ok := data["update"].([]byte); ok {
		ch.Update = update
	}
	return ch
}

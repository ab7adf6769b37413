package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	colDocuments = "documents"
	colChanges   = "changes"
	colSessions  = "edit_sessions"
	colGrants    = "document_access"
	colUsers     = "users"
	colCounters  = "counters"
)

// MongoStore is a MongoDB-backed implementation of every store
// interface. Change sequence numbers come from a per-document counter
// incremented with findOneAndUpdate, so they are monotonic across
// server instances.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// mongoDoc is a document row with its embedded snapshot.
type mongoDoc struct {
	ID        string    `bson:"_id"`
	OwnerID   string    `bson:"owner_id"`
	Title     string    `bson:"title"`
	State     []byte    `bson:"state,omitempty"`
	Version   int       `bson:"version"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore connects to MongoDB, pings it and prepares indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(colChanges).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create changes index: %w", err)
	}
	_, err = s.db.Collection(colSessions).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "document_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "last_activity", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create session indexes: %w", err)
	}
	_, err = s.db.Collection(colGrants).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "document_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create grant index: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateDocument(ctx context.Context, doc Document) error {
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	_, err := s.db.Collection(colDocuments).InsertOne(ctx, mongoDoc{
		ID:        doc.ID,
		OwnerID:   doc.OwnerID,
		Title:     doc.Title,
		Version:   1,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: now,
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("document %q: %w", doc.ID, ErrAlreadyExists)
	}
	return err
}

func (s *MongoStore) getDoc(ctx context.Context, id string) (*mongoDoc, error) {
	var rec mongoDoc
	err := s.db.Collection(colDocuments).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("document %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	rec, err := s.getDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Document{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Title:     rec.Title,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (s *MongoStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	rec, err := s.getDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		DocumentID: id,
		State:      rec.State,
		Version:    rec.Version,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

// nextSeq atomically increments and returns the change counter for a
// document.
func (s *MongoStore) nextSeq(ctx context.Context, documentID string) (int64, error) {
	res := s.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": documentID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&counter); err != nil {
		return 0, fmt.Errorf("next seq for %q: %w", documentID, err)
	}
	return counter.Seq, nil
}

func (s *MongoStore) SaveUpdate(ctx context.Context, ch Change) (int64, error) {
	if err := ch.Validate(); err != nil {
		return 0, err
	}
	if _, err := s.getDoc(ctx, ch.DocumentID); err != nil {
		return 0, err
	}

	seq, err := s.nextSeq(ctx, ch.DocumentID)
	if err != nil {
		return 0, err
	}
	ch.Seq = seq
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now()
	}

	if _, err := s.db.Collection(colChanges).InsertOne(ctx, ch); err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}

	if ch.Kind == OpUpdate && ch.Update != nil {
		_, err := s.db.Collection(colDocuments).UpdateOne(ctx,
			bson.M{"_id": ch.DocumentID},
			bson.M{"$set": bson.M{"state": ch.Update, "updated_at": time.Now()}},
		)
		if err != nil {
			// Keep the log and the snapshot in step: undo the append.
			_, _ = s.db.Collection(colChanges).DeleteOne(ctx, bson.M{"_id": ch.ID})
			return 0, fmt.Errorf("write snapshot: %w", err)
		}
	}
	return seq, nil
}

func (s *MongoStore) Changes(ctx context.Context, documentID string, fromSeq int64) ([]Change, error) {
	if _, err := s.getDoc(ctx, documentID); err != nil {
		return nil, err
	}
	cur, err := s.db.Collection(colChanges).Find(ctx,
		bson.M{"document_id": documentID, "seq": bson.M{"$gt": fromSeq}},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []Change
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) CreateSession(ctx context.Context, sess *EditSession) error {
	_, err := s.db.Collection(colSessions).InsertOne(ctx, sess)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("session %q: %w", sess.ID, ErrAlreadyExists)
	}
	return err
}

func (s *MongoStore) SessionByID(ctx context.Context, id string) (*EditSession, error) {
	var sess EditSession
	err := s.db.Collection(colSessions).FindOne(ctx, bson.M{"_id": id}).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *MongoStore) UpdateSessionStatus(ctx context.Context, id string, status ConnectionStatus) error {
	res, err := s.db.Collection(colSessions).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": status, "last_activity": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) UpdateSessionCursor(ctx context.Context, id string, position int) error {
	if position < 0 {
		return fmt.Errorf("cursor position %d is negative", position)
	}
	res, err := s.db.Collection(colSessions).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"cursor_position": position, "last_activity": time.Now()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) SweepStaleSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.Collection(colSessions).UpdateMany(ctx,
		bson.M{
			"last_activity": bson.M{"$lt": cutoff},
			"status":        bson.M{"$ne": StatusDisconnected},
		},
		bson.M{"$set": bson.M{"status": StatusDisconnected}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoStore) ActiveSessions(ctx context.Context, documentID string) ([]EditSession, error) {
	cur, err := s.db.Collection(colSessions).Find(ctx,
		bson.M{"document_id": documentID, "status": StatusConnected},
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []EditSession
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) HasAccess(ctx context.Context, documentID, userID string) (bool, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if doc.OwnerID == userID {
		return true, nil
	}
	err = s.db.Collection(colGrants).FindOne(ctx,
		bson.M{"document_id": documentID, "user_id": userID},
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) Grant(ctx context.Context, documentID, userID string) error {
	_, err := s.db.Collection(colGrants).UpdateOne(ctx,
		bson.M{"document_id": documentID, "user_id": userID},
		bson.M{"$setOnInsert": bson.M{"granted_at": time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.Collection(colUsers).InsertOne(ctx, u)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("user %q: %w", u.ID, ErrAlreadyExists)
	}
	return err
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.Collection(colUsers).FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

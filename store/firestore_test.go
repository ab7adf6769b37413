package store

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFirestoreStore connects to the project named by FIRESTORE_PROJECT,
// or skips the test when none is configured. Point it at the emulator
// via FIRESTORE_EMULATOR_HOST for local runs.
func newFirestoreStore(t *testing.T) *FirestoreStore {
	t.Helper()
	project := os.Getenv("FIRESTORE_PROJECT")
	if project == "" {
		t.Skip("FIRESTORE_PROJECT is not set")
	}

	client, err := firestore.NewClient(context.Background(), project)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewFirestoreStore(client)
}

func TestFirestoreDocumentRoundTrip(t *testing.T) {
	s := newFirestoreStore(t)
	ctx := context.Background()
	docID := uuid.NewString()

	require.NoError(t, s.CreateDocument(ctx, Document{ID: docID, OwnerID: "u1", Title: "firestore"}))

	doc, err := s.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "firestore", doc.Title)

	snap, err := s.GetSnapshot(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, snap.State)

	seq1, err := s.SaveUpdate(ctx, Change{ID: uuid.NewString(), DocumentID: docID, UserID: "u1", Kind: OpUpdate, Update: []byte("v1")})
	require.NoError(t, err)
	seq2, err := s.SaveUpdate(ctx, Change{ID: uuid.NewString(), DocumentID: docID, UserID: "u2", Kind: OpUpdate, Update: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, seq1+1, seq2)

	snap, err = s.GetSnapshot(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), snap.State)

	changes, err := s.Changes(ctx, docID, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, seq1, changes[0].Seq)
	assert.Equal(t, seq2, changes[1].Seq)

	_, err = s.GetSnapshot(ctx, "missing-"+docID)
	assert.ErrorIs(t, err, ErrNotFound)
}

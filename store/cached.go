package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// cacheDirty tracks what needs flushing for a single document.
type cacheDirty struct {
	created    bool  // doc created locally but not yet in backing store
	flushedSeq int64 // highest change seq already flushed
}

// CachedStore wraps a backing DocumentStore with an in-memory cache.
// Reads and writes are served from the cache; unflushed changes are
// replayed to the backing store periodically in the background, which
// also carries the last-write-wins snapshot along.
type CachedStore struct {
	cache         *MemoryStore
	backing       DocumentStore
	log           *zap.SugaredLogger
	mu            sync.Mutex
	dirty         map[string]*cacheDirty
	flushed       map[string]int64 // fully-flushed docs: highest seq in the backing store
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that flushes dirty documents to
// the backing store every flushInterval.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration, log *zap.SugaredLogger) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		log:           log,
		dirty:         make(map[string]*cacheDirty),
		flushed:       make(map[string]int64),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) CreateDocument(ctx context.Context, doc Document) error {
	if err := cs.cache.CreateDocument(ctx, doc); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dirty[doc.ID] = &cacheDirty{created: true}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := cs.cache.GetDocument(ctx, id)
	if err == nil {
		return doc, nil
	}
	if err := cs.loadFromBacking(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetDocument(ctx, id)
}

func (cs *CachedStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	if _, err := cs.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return cs.cache.GetSnapshot(ctx, id)
}

func (cs *CachedStore) SaveUpdate(ctx context.Context, ch Change) (int64, error) {
	if _, err := cs.GetDocument(ctx, ch.DocumentID); err != nil {
		return 0, err
	}
	seq, err := cs.cache.SaveUpdate(ctx, ch)
	if err != nil {
		return 0, err
	}
	cs.mu.Lock()
	if cs.dirty[ch.DocumentID] == nil {
		// The document was flushed clean earlier; resume from the seq
		// the backing store already has.
		cs.dirty[ch.DocumentID] = &cacheDirty{flushedSeq: cs.flushed[ch.DocumentID]}
		delete(cs.flushed, ch.DocumentID)
	}
	cs.mu.Unlock()
	return seq, nil
}

func (cs *CachedStore) Changes(ctx context.Context, documentID string, fromSeq int64) ([]Change, error) {
	if _, err := cs.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return cs.cache.Changes(ctx, documentID, fromSeq)
}

// loadFromBacking seeds the cache with a document, its snapshot and its
// change log. Already-persisted changes are marked flushed so they are
// not replayed.
func (cs *CachedStore) loadFromBacking(ctx context.Context, id string) error {
	doc, err := cs.backing.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	snap, err := cs.backing.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	changes, err := cs.backing.Changes(ctx, id, 0)
	if err != nil {
		return err
	}

	var lastSeq int64
	if n := len(changes); n > 0 {
		lastSeq = changes[n-1].Seq
	}

	cs.cache.mu.Lock()
	if _, exists := cs.cache.docs[id]; !exists {
		cs.cache.docs[id] = &memDoc{
			doc:     *doc,
			state:   snap.State,
			version: snap.Version,
			changes: changes,
			seq:     lastSeq,
		}
	}
	cs.cache.mu.Unlock()

	cs.mu.Lock()
	if cs.dirty[id] == nil {
		// Everything loaded is already persisted; nothing to flush.
		cs.flushed[id] = lastSeq
	}
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.flush()
		case <-cs.stop:
			cs.flush()
			return
		}
	}
}

// flush replays unflushed changes for every dirty document.
func (cs *CachedStore) flush() {
	cs.mu.Lock()
	snapshot := make(map[string]*cacheDirty, len(cs.dirty))
	for id, ds := range cs.dirty {
		cp := *ds
		snapshot[id] = &cp
	}
	cs.mu.Unlock()

	ctx := context.Background()

	for id, ds := range snapshot {
		if ds.created {
			doc, err := cs.cache.GetDocument(ctx, id)
			if err != nil {
				continue
			}
			if err := cs.backing.CreateDocument(ctx, *doc); err != nil {
				cs.log.Errorw("failed to create document in backing store",
					"document_id", id, "error", err)
				continue
			}
			ds.created = false
		}

		pending, err := cs.cache.Changes(ctx, id, ds.flushedSeq)
		if err != nil {
			continue
		}
		for _, ch := range pending {
			if _, err := cs.backing.SaveUpdate(ctx, ch); err != nil {
				cs.log.Errorw("failed to flush change",
					"document_id", id, "seq", ch.Seq, "error", err)
				// Stop flushing this doc; retry next cycle.
				break
			}
			ds.flushedSeq = ch.Seq
		}

		cs.mu.Lock()
		cur := cs.dirty[id]
		if cur != nil {
			cur.flushedSeq = ds.flushedSeq
			cur.created = ds.created
			if !cur.created {
				// Drop fully-clean entries so flush only walks documents
				// with pending work. The high-water seq survives in
				// flushed so a later SaveUpdate resumes from it.
				if rest, err := cs.cache.Changes(ctx, id, cur.flushedSeq); err == nil && len(rest) == 0 {
					delete(cs.dirty, id)
					cs.flushed[id] = cur.flushedSeq
				}
			}
		}
		cs.mu.Unlock()
	}
}

// Close performs a final flush and waits for the flush loop to exit.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}

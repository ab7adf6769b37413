package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/docsyncio/docsync/bus"
)

// envelope wraps a broadcast for the bus so instances can discard their
// own publications.
type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Relay bridges the fan-out bus and the local registry. It subscribes
// to a document's channel while the local room exists and re-broadcasts
// messages published by other instances into that room.
type Relay struct {
	bus      bus.Bus
	registry *Registry
	log      *zap.SugaredLogger
	origin   string

	mu     sync.Mutex
	active map[string]bool
}

func NewRelay(b bus.Bus, registry *Registry, log *zap.SugaredLogger) *Relay {
	return &Relay{
		bus:      b,
		registry: registry,
		log:      log,
		origin:   xid.New().String(),
		active:   make(map[string]bool),
	}
}

// Publish sends a local broadcast to the bus, tagged with this
// instance's origin. Failures are logged and swallowed: without a live
// bus the server still works for its own connections.
func (r *Relay) Publish(ctx context.Context, documentID string, data []byte) {
	env, err := json.Marshal(envelope{Origin: r.origin, Data: data})
	if err != nil {
		r.log.Errorw("failed to encode bus envelope", "document_id", documentID, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, documentID, env); err != nil {
		r.log.Warnw("bus publish failed, message not fanned out across instances",
			"document_id", documentID, "error", err)
	}
}

// RoomCreated subscribes to the document's channel and starts
// forwarding remote messages into the local room. Wired as a registry
// room hook.
func (r *Relay) RoomCreated(documentID string) {
	r.mu.Lock()
	if r.active[documentID] {
		r.mu.Unlock()
		return
	}
	r.active[documentID] = true
	r.mu.Unlock()

	ch, err := r.bus.Subscribe(context.Background(), documentID)
	if err != nil {
		r.log.Warnw("bus subscribe failed, cross-instance delivery disabled for document",
			"document_id", documentID, "error", err)
		r.mu.Lock()
		delete(r.active, documentID)
		r.mu.Unlock()
		return
	}
	go r.forward(documentID, ch)
}

// RoomEmptied drops the subscription; the forward goroutine exits when
// the bus closes its channel.
func (r *Relay) RoomEmptied(documentID string) {
	r.mu.Lock()
	subscribed := r.active[documentID]
	delete(r.active, documentID)
	r.mu.Unlock()

	if !subscribed {
		return
	}
	if err := r.bus.Unsubscribe(context.Background(), documentID); err != nil {
		r.log.Warnw("bus unsubscribe failed", "document_id", documentID, "error", err)
	}
}

func (r *Relay) forward(documentID string, ch <-chan []byte) {
	for data := range ch {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.log.Warnw("dropping malformed bus message", "document_id", documentID, "error", err)
			continue
		}
		if env.Origin == r.origin {
			continue
		}
		r.registry.Broadcast(documentID, env.Data, "")
	}
}

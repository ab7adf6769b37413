package server

import (
	"errors"
	"sync"
)

// Registry errors for single-recipient delivery.
var (
	ErrNotRegistered = errors.New("connection not registered")
	ErrSendFailed    = errors.New("send failed")
)

// room is the set of clients bound to one document. Membership is
// guarded by its own mutex so unrelated documents never contend.
type room struct {
	mu      sync.Mutex
	members map[string]*Client
}

func newRoom() *room {
	return &room{members: make(map[string]*Client)}
}

// roomEvent is a queued room lifecycle notification.
type roomEvent struct {
	created    bool
	documentID string
}

// Registry tracks which connections belong to which document room.
// Pure in-memory state with an explicit owner; it performs no I/O
// itself. The room-created/room-emptied hooks let the bus relay follow
// room lifecycle without the registry knowing about the bus. Events
// are queued under the registry lock and dispatched in queue order, so
// a rapid leave/join pair on one document can never reach the hooks as
// created-then-emptied.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
	conns map[string]*Client
	docs  map[string]string // connection id -> registered document id

	pendingHooks []roomEvent
	hookMu       sync.Mutex

	onRoomCreated func(documentID string)
	onRoomEmptied func(documentID string)
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
		conns: make(map[string]*Client),
		docs:  make(map[string]string),
	}
}

// SetRoomHooks installs the lifecycle callbacks. Must be called before
// any connection joins.
func (r *Registry) SetRoomHooks(onCreated, onEmptied func(documentID string)) {
	r.onRoomCreated = onCreated
	r.onRoomEmptied = onEmptied
}

// dispatchHooks drains the event queue. hookMu serializes dispatch;
// the order was fixed when the events were queued under the registry
// lock, regardless of which goroutine ends up delivering them.
func (r *Registry) dispatchHooks() {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	for {
		r.mu.Lock()
		if len(r.pendingHooks) == 0 {
			r.mu.Unlock()
			return
		}
		ev := r.pendingHooks[0]
		r.pendingHooks = r.pendingHooks[1:]
		r.mu.Unlock()

		if ev.created {
			if r.onRoomCreated != nil {
				r.onRoomCreated(ev.documentID)
			}
		} else if r.onRoomEmptied != nil {
			r.onRoomEmptied(ev.documentID)
		}
	}
}

// Join adds the client to the document's room. Re-joining with the same
// connection id replaces any prior membership.
func (r *Registry) Join(documentID string, c *Client) {
	r.mu.Lock()
	if prev, ok := r.docs[c.ID]; ok && prev != documentID {
		if rm, found := r.rooms[prev]; found {
			rm.mu.Lock()
			delete(rm.members, c.ID)
			if len(rm.members) == 0 {
				delete(r.rooms, prev)
				r.pendingHooks = append(r.pendingHooks, roomEvent{created: false, documentID: prev})
			}
			rm.mu.Unlock()
		}
	}

	rm, ok := r.rooms[documentID]
	if !ok {
		rm = newRoom()
		r.rooms[documentID] = rm
		r.pendingHooks = append(r.pendingHooks, roomEvent{created: true, documentID: documentID})
	}
	r.conns[c.ID] = c
	r.docs[c.ID] = documentID
	rm.mu.Lock()
	rm.members[c.ID] = c
	rm.mu.Unlock()
	r.mu.Unlock()

	r.dispatchHooks()
}

// Leave removes the connection from its room, deleting the room if it
// becomes empty. It returns the prior binding so the caller can
// announce the departure, or ok=false if the connection was never
// registered (or already removed).
func (r *Registry) Leave(connectionID string) (documentID, userID string, ok bool) {
	r.mu.Lock()
	c, exists := r.conns[connectionID]
	if !exists {
		r.mu.Unlock()
		return "", "", false
	}
	documentID = r.docs[connectionID]
	delete(r.conns, connectionID)
	delete(r.docs, connectionID)
	if rm, found := r.rooms[documentID]; found {
		rm.mu.Lock()
		delete(rm.members, connectionID)
		if len(rm.members) == 0 {
			delete(r.rooms, documentID)
			r.pendingHooks = append(r.pendingHooks, roomEvent{created: false, documentID: documentID})
		}
		rm.mu.Unlock()
	}
	r.mu.Unlock()

	r.dispatchHooks()
	return documentID, c.UserID, true
}

// Broadcast delivers the message to every member of the document's room
// except the excluded connection. A member that cannot accept the
// message is treated as already disconnected: it is shut down and
// removed, and delivery to the others continues. Broadcasting to an
// unknown document is a no-op.
func (r *Registry) Broadcast(documentID string, data []byte, excludeConnectionID string) {
	r.mu.RLock()
	rm := r.rooms[documentID]
	r.mu.RUnlock()
	if rm == nil {
		return
	}

	rm.mu.Lock()
	targets := make([]*Client, 0, len(rm.members))
	for id, c := range rm.members {
		if id != excludeConnectionID {
			targets = append(targets, c)
		}
	}
	rm.mu.Unlock()

	var broken []*Client
	for _, c := range targets {
		if !c.trySend(data) {
			broken = append(broken, c)
		}
	}
	for _, c := range broken {
		c.shutdown()
		r.Leave(c.ID)
	}
}

// SendTo delivers to exactly one connection and, unlike Broadcast,
// reports failure to the caller.
func (r *Registry) SendTo(connectionID string, data []byte) error {
	r.mu.RLock()
	c := r.conns[connectionID]
	r.mu.RUnlock()

	if c == nil {
		return ErrNotRegistered
	}
	if !c.trySend(data) {
		return ErrSendFailed
	}
	return nil
}

// CloseAll shuts down every registered connection. Each connection's
// engine observes its transport closing and runs normal teardown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		c.shutdown()
	}
}

// RoomLen returns the number of connections in a document's room.
func (r *Registry) RoomLen(documentID string) int {
	r.mu.RLock()
	rm := r.rooms[documentID]
	r.mu.RUnlock()
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

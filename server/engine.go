package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docsyncio/docsync/auth"
	"github.com/docsyncio/docsync/metrics"
	"github.com/docsyncio/docsync/store"
	"github.com/docsyncio/docsync/track"
)

// connState is one connection's position in its lifecycle.
type connState int

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateAuthorizing
	stateJoined
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthorizing:
		return "authorizing"
	case stateJoined:
		return "joined"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Engine drives one connection's lifecycle: authenticate, authorize,
// join, message loop, leave. It owns no connection state of its own;
// everything shared lives in the registry, the tracker and the stores.
type Engine struct {
	registry *Registry
	relay    *Relay
	verifier *auth.Verifier
	docs     store.DocumentStore
	access   store.AccessStore
	users    store.UserStore
	tracker  *track.Tracker
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
}

// EngineOptions collects the engine's collaborators.
type EngineOptions struct {
	Registry *Registry
	Relay    *Relay
	Verifier *auth.Verifier
	Docs     store.DocumentStore
	Access   store.AccessStore
	Users    store.UserStore
	Tracker  *track.Tracker
	Metrics  *metrics.Metrics
	Logger   *zap.SugaredLogger
}

func NewEngine(opts EngineOptions) *Engine {
	return &Engine{
		registry: opts.Registry,
		relay:    opts.Relay,
		verifier: opts.Verifier,
		docs:     opts.Docs,
		access:   opts.Access,
		users:    opts.Users,
		tracker:  opts.Tracker,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

// Serve runs a connection from handshake to teardown. It returns when
// the connection is closed; resources are released on every exit path.
func (e *Engine) Serve(ctx context.Context, t Transport, documentID, token string) {
	c := newClient(t)
	state := stateConnecting
	log := e.log.With("connection_id", c.ID, "document_id", documentID)

	// One shot per connection attempt; the client must reconnect with
	// a fresh token after any terminal failure.
	state = stateAuthenticating
	userID, err := e.verifier.Verify(token)
	if err != nil {
		log.Infow("authentication failed", "state", state.String(), "error", err)
		_ = t.CloseWithCode(CloseAuthFailed, "authentication failed")
		return
	}
	log = log.With("user_id", userID)

	state = stateAuthorizing
	allowed, err := e.access.HasAccess(ctx, documentID, userID)
	if err != nil {
		log.Errorw("access check failed", "state", state.String(), "error", err)
		_ = t.CloseWithCode(CloseAccessDenied, "access denied")
		return
	}
	if !allowed {
		log.Infow("access denied", "state", state.String())
		_ = t.CloseWithCode(CloseAccessDenied, "access denied")
		return
	}
	user, err := e.users.GetUser(ctx, userID)
	if err != nil {
		log.Infow("user record not found", "state", state.String(), "error", err)
		_ = t.CloseWithCode(CloseUserNotFound, "user not found")
		return
	}

	sess, err := e.tracker.Start(ctx, userID, documentID, c.ID)
	if err != nil {
		log.Errorw("failed to create edit session", "error", err)
		_ = t.CloseWithCode(websocketInternalError, "internal error")
		return
	}

	c.UserID = userID
	c.DocumentID = documentID
	go c.writePump()
	e.registry.Join(documentID, c)
	e.metrics.ActiveConnections.Inc()

	joined := ServerMessage{
		Type:       MsgUserJoined,
		DocumentID: documentID,
		User: &UserInfo{
			UserID:      userID,
			Username:    user.Username,
			CursorColor: sess.CursorColor,
		},
		Timestamp: nowTimestamp(),
	}
	// Everyone else first, then the joiner itself; identical payloads.
	e.broadcast(ctx, documentID, joined, c.ID)
	if err := e.registry.SendTo(c.ID, joined.Encode()); err != nil {
		log.Warnw("failed to deliver join notice to joining connection", "error", err)
	}

	state = stateJoined
	log.Infow("connection joined", "room_size", e.registry.RoomLen(documentID))

	var internalErr error
	defer func() {
		state = stateClosing
		e.teardown(ctx, c, sess.ID, user.Username, internalErr, log)
		state = stateClosed
	}()

	for {
		data, err := t.Read()
		if err != nil {
			if !errors.Is(err, ErrConnClosed) {
				internalErr = err
				log.Errorw("read failed", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.sendError(c, "invalid_message", "invalid message format", http.StatusBadRequest)
			continue
		}
		// Only known kinds become label values; everything else shares
		// one bucket so client input cannot grow metric cardinality.
		switch msg.Type {
		case MsgSyncStep1, MsgSyncUpdate, MsgAwareness, MsgPong:
			e.metrics.MessagesIn.WithLabelValues(msg.Type).Inc()
		default:
			e.metrics.MessagesIn.WithLabelValues("unknown").Inc()
		}

		switch msg.Type {
		case MsgSyncStep1:
			if err := e.handleSyncStep1(ctx, c, documentID, log); err != nil {
				internalErr = err
				return
			}
		case MsgSyncUpdate:
			e.handleSyncUpdate(ctx, c, documentID, userID, msg, log)
		case MsgAwareness:
			e.handleAwareness(ctx, c, documentID, sess.ID, msg, log)
		case MsgPong:
			if err := e.tracker.Heartbeat(ctx, sess.ID); err != nil {
				log.Warnw("failed to record heartbeat", "session_id", sess.ID, "error", err)
			}
		default:
			// Forward-compatible: unrecognized kinds are not protocol
			// violations.
			log.Warnw("unrecognized message type", "type", msg.Type)
		}
	}
}

// websocketInternalError is the standard 1011 close code.
const websocketInternalError = 1011

func newChangeID() string {
	return uuid.NewString()
}

// sendError delivers an error message to one connection without
// closing it.
func (e *Engine) sendError(c *Client, kind, message string, code int) {
	c.trySend(ServerMessage{
		Type:    MsgError,
		Error:   kind,
		Message: message,
		Code:    code,
	}.Encode())
}

// handleSyncStep1 answers an initial-sync request with the current
// snapshot. A missing document is a protocol error that closes the
// connection.
func (e *Engine) handleSyncStep1(ctx context.Context, c *Client, documentID string, log *zap.SugaredLogger) error {
	snap, err := e.docs.GetSnapshot(ctx, documentID)
	if err != nil {
		log.Errorw("failed to load snapshot for initial sync", "error", err)
		return err
	}
	reply := ServerMessage{
		Type:       MsgSyncStep2,
		DocumentID: documentID,
		State:      base64.StdEncoding.EncodeToString(snap.State),
		Version:    snap.Version,
	}
	if err := e.registry.SendTo(c.ID, reply.Encode()); err != nil {
		return err
	}
	return nil
}

// handleSyncUpdate relays an opaque edit to the room, then persists it.
// The broadcast happens first and is not undone on persistence failure:
// peers may run ahead of durable storage, which the opaque-payload
// model accepts.
func (e *Engine) handleSyncUpdate(ctx context.Context, c *Client, documentID, userID string, msg ClientMessage, log *zap.SugaredLogger) {
	payload, err := base64.StdEncoding.DecodeString(msg.Update)
	if err != nil {
		e.sendError(c, "invalid_update", "update payload is not valid base64", http.StatusBadRequest)
		return
	}

	out := ServerMessage{
		Type:       MsgSyncUpdate,
		DocumentID: documentID,
		Update:     msg.Update,
		UserID:     userID,
		Timestamp:  nowTimestamp(),
	}
	e.broadcast(ctx, documentID, out, c.ID)

	ch := store.Change{
		ID:         newChangeID(),
		DocumentID: documentID,
		UserID:     userID,
		Kind:       store.OpUpdate,
		Update:     payload,
	}
	if _, err := e.docs.SaveUpdate(ctx, ch); err != nil {
		log.Errorw("failed to persist update", "error", err)
		e.sendError(c, "persistence_failed", "update was relayed but not persisted", http.StatusInternalServerError)
	}
}

// handleAwareness records the sender's cursor, if present, and relays
// the awareness payload verbatim to the rest of the room.
func (e *Engine) handleAwareness(ctx context.Context, c *Client, documentID, sessionID string, msg ClientMessage, log *zap.SugaredLogger) {
	if raw, ok := msg.Awareness["cursor_position"]; ok {
		if pos, ok := raw.(float64); ok && pos >= 0 {
			if err := e.tracker.MoveCursor(ctx, sessionID, int(pos)); err != nil {
				log.Warnw("failed to record cursor position", "session_id", sessionID, "error", err)
			}
		}
	}

	out := ServerMessage{
		Type:       MsgAwareness,
		DocumentID: documentID,
		Awareness:  msg.Awareness,
	}
	e.broadcast(ctx, documentID, out, c.ID)
}

// broadcast fans a message out to the local room and to other
// instances via the bus.
func (e *Engine) broadcast(ctx context.Context, documentID string, msg ServerMessage, excludeConnectionID string) {
	data := msg.Encode()
	e.registry.Broadcast(documentID, data, excludeConnectionID)
	e.relay.Publish(ctx, documentID, data)
	e.metrics.Broadcasts.Inc()
}

// teardown releases everything a joined connection holds. It runs on
// every exit path; each step proceeds regardless of earlier failures.
func (e *Engine) teardown(ctx context.Context, c *Client, sessionID, username string, internalErr error, log *zap.SugaredLogger) {
	if internalErr != nil {
		// Best effort; the connection is likely already gone.
		c.trySend(ServerMessage{
			Type:    MsgError,
			Error:   "internal_error",
			Message: internalErr.Error(),
			Code:    http.StatusInternalServerError,
		}.Encode())
	}

	documentID, userID, registered := e.registry.Leave(c.ID)
	if registered {
		left := ServerMessage{
			Type:       MsgUserLeft,
			DocumentID: documentID,
			UserID:     userID,
			Username:   username,
			Timestamp:  nowTimestamp(),
		}
		e.broadcast(ctx, documentID, left, c.ID)
	}

	if err := e.tracker.SetStatus(ctx, sessionID, store.StatusDisconnected); err != nil {
		log.Warnw("failed to mark session disconnected", "session_id", sessionID, "error", err)
	}

	e.metrics.ActiveConnections.Dec()
	c.shutdown()
	log.Infow("connection closed")
}

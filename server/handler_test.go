package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsyncio/docsync/auth"
	"github.com/docsyncio/docsync/bus"
	"github.com/docsyncio/docsync/config"
	"github.com/docsyncio/docsync/logging"
	"github.com/docsyncio/docsync/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.Verifier, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	seedWorkspace(t, st)

	conf := config.New()
	conf.JWTSecret = testSecret

	srv, err := New(conf, Dependencies{
		Docs:    st,
		Session: st,
		Access:  st,
		Users:   st,
		Bus:     bus.NewMemoryBus(),
		Logger:  logging.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, auth.NewVerifier(testSecret), st
}

func dialDocument(t *testing.T, ts *httptest.Server, documentID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/documents/" + documentID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	ts, _, _ := newTestServer(t)
	conn := dialDocument(t, ts, "d1", "bogus")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseAuthFailed), "expected close %d, got %v", CloseAuthFailed, err)
}

func TestWebsocketDeniesUnauthorizedUser(t *testing.T) {
	ts, verifier, _ := newTestServer(t)
	token, err := verifier.Issue("u9", time.Minute)
	require.NoError(t, err)
	conn := dialDocument(t, ts, "d1", token)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, readErr := conn.ReadMessage()
	require.Error(t, readErr)
	assert.True(t, websocket.IsCloseError(readErr, CloseAccessDenied), "expected close %d, got %v", CloseAccessDenied, readErr)
}

func TestWebsocketCollaboration(t *testing.T) {
	ts, verifier, st := newTestServer(t)

	aliceToken, err := verifier.Issue("u1", time.Minute)
	require.NoError(t, err)
	bobToken, err := verifier.Issue("u2", time.Minute)
	require.NoError(t, err)

	alice := dialDocument(t, ts, "d1", aliceToken)
	joined := readServerMessage(t, alice)
	require.Equal(t, MsgUserJoined, joined.Type)
	require.NotNil(t, joined.User)
	assert.Equal(t, "u1", joined.User.UserID)

	bob := dialDocument(t, ts, "d1", bobToken)
	bobJoined := readServerMessage(t, bob)
	require.Equal(t, MsgUserJoined, bobJoined.Type)

	aliceSeesBob := readServerMessage(t, alice)
	require.Equal(t, MsgUserJoined, aliceSeesBob.Type)
	require.NotNil(t, aliceSeesBob.User)
	assert.Equal(t, "u2", aliceSeesBob.User.UserID)

	// Initial sync against the empty document.
	require.NoError(t, alice.WriteJSON(ClientMessage{Type: MsgSyncStep1}))
	step2 := readServerMessage(t, alice)
	require.Equal(t, MsgSyncStep2, step2.Type)
	assert.Equal(t, 1, step2.Version)
	assert.Empty(t, step2.State)

	// An update from alice reaches bob, not alice.
	payload := base64.StdEncoding.EncodeToString([]byte("doc-state"))
	require.NoError(t, alice.WriteJSON(ClientMessage{Type: MsgSyncUpdate, Update: payload}))
	update := readServerMessage(t, bob)
	require.Equal(t, MsgSyncUpdate, update.Type)
	assert.Equal(t, payload, update.Update)
	assert.Equal(t, "u1", update.UserID)

	// A late joiner syncs to the persisted state.
	require.Eventually(t, func() bool {
		snap, snapErr := st.GetSnapshot(context.Background(), "d1")
		return snapErr == nil && len(snap.State) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, bob.WriteJSON(ClientMessage{Type: MsgSyncStep1}))
	bobStep2 := readServerMessage(t, bob)
	require.Equal(t, MsgSyncStep2, bobStep2.Type)
	assert.Equal(t, payload, bobStep2.State)

	// Bob leaving is announced to alice.
	require.NoError(t, bob.Close())
	left := readServerMessage(t, alice)
	require.Equal(t, MsgUserLeft, left.Type)
	assert.Equal(t, "u2", left.UserID)
}

func TestShutdownClosesOpenWebsockets(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkspace(t, st)

	conf := config.New()
	conf.JWTSecret = testSecret

	srv, err := New(conf, Dependencies{
		Docs:    st,
		Session: st,
		Access:  st,
		Users:   st,
		Bus:     bus.NewMemoryBus(),
		Logger:  logging.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	token, err := auth.NewVerifier(testSecret).Issue("u1", time.Minute)
	require.NoError(t, err)
	conn := dialDocument(t, ts, "d1", token)
	joined := readServerMessage(t, conn)
	require.Equal(t, MsgUserJoined, joined.Type)
	require.Equal(t, 1, srv.registry.RoomLen("d1"))

	// Hijacked websockets are invisible to http.Server.Shutdown, so
	// Shutdown has to tear them down itself.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, readErr := conn.ReadMessage()
	require.Error(t, readErr)

	require.Eventually(t, func() bool {
		return srv.registry.RoomLen("d1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerShutdown(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkspace(t, st)

	conf := config.New()
	conf.JWTSecret = testSecret
	conf.Addr = "127.0.0.1:0"
	conf.SweepInterval = "10ms"
	conf.StaleSessionThreshold = "1h"

	srv, err := New(conf, Dependencies{
		Docs:    st,
		Session: st,
		Access:  st,
		Users:   st,
		Bus:     bus.NewMemoryBus(),
		Logger:  logging.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	// Let the sweeper tick at least once before shutting down.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHeartbeatServer serves the collaboration endpoint with a read
// deadline taken from the read_wait query parameter, so tests can make
// the heartbeat window short enough to observe a timeout.
func newHeartbeatServer(t *testing.T, env *engineEnv) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/documents/d1", func(w http.ResponseWriter, r *http.Request) {
		readWait := pongWait
		if v := r.URL.Query().Get("read_wait"); v != "" {
			d, err := time.ParseDuration(v)
			require.NoError(t, err)
			readWait = d
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		env.engine.Serve(r.Context(), newWSTransportTimeout(conn, readWait), "d1", r.URL.Query().Get("token"))
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialHeartbeat(t *testing.T, ts *httptest.Server, token, readWait string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/documents/d1?token=" + token
	if readWait != "" {
		url += "&read_wait=" + readWait
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHeartbeatTimeoutTearsDownSilentConnection(t *testing.T) {
	env := newEngineEnv(t)
	ts := newHeartbeatServer(t, env)

	watcherToken, err := env.verifier.Issue("u2", time.Minute)
	require.NoError(t, err)
	silentToken, err := env.verifier.Issue("u1", time.Minute)
	require.NoError(t, err)

	watcher := dialHeartbeat(t, ts, watcherToken, "")
	self := readServerMessage(t, watcher)
	require.Equal(t, MsgUserJoined, self.Type)

	// The second client joins and then goes quiet: no pongs, no
	// protocol messages, no reads.
	silent := dialHeartbeat(t, ts, silentToken, "250ms")

	joined := readServerMessage(t, watcher)
	require.Equal(t, MsgUserJoined, joined.Type)
	require.NotNil(t, joined.User)
	require.Equal(t, "u1", joined.User.UserID)

	left := readServerMessage(t, watcher)
	require.Equal(t, MsgUserLeft, left.Type)
	assert.Equal(t, "u1", left.UserID)
	assert.Equal(t, "alice", left.Username)

	require.Eventually(t, func() bool {
		return env.registry.RoomLen("d1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Drain the join-to-self message buffered at dial time before
	// asserting that the torn-down connection's next read errors.
	drained := readServerMessage(t, silent)
	require.Equal(t, MsgUserJoined, drained.Type)

	require.NoError(t, silent.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, readErr := silent.ReadMessage()
	assert.Error(t, readErr)
}

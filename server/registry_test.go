package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(userID, documentID string) *Client {
	c := newClient(newFakeTransport())
	c.UserID = userID
	c.DocumentID = documentID
	return c
}

func recvQueued(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case data := <-c.send:
		return data
	case <-time.After(time.Second):
		t.Fatal("no message queued for client")
		return nil
	}
}

func expectNothingQueued(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected queued message: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry()
	c1 := newTestClient("u1", "d1")
	c2 := newTestClient("u2", "d1")

	r.Join("d1", c1)
	r.Join("d1", c2)
	assert.Equal(t, 2, r.RoomLen("d1"))

	docID, userID, ok := r.Leave(c1.ID)
	require.True(t, ok)
	assert.Equal(t, "d1", docID)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, 1, r.RoomLen("d1"))

	// A second leave for the same connection reports not registered.
	_, _, ok = r.Leave(c1.ID)
	assert.False(t, ok)
}

func TestRegistryRoomHooks(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var created, emptied []string
	r.SetRoomHooks(
		func(id string) { mu.Lock(); created = append(created, id); mu.Unlock() },
		func(id string) { mu.Lock(); emptied = append(emptied, id); mu.Unlock() },
	)

	c1 := newTestClient("u1", "d1")
	c2 := newTestClient("u2", "d1")
	r.Join("d1", c1)
	r.Join("d1", c2)

	mu.Lock()
	assert.Equal(t, []string{"d1"}, created, "hook fires once per room, not per member")
	mu.Unlock()

	r.Leave(c1.ID)
	mu.Lock()
	assert.Empty(t, emptied)
	mu.Unlock()

	r.Leave(c2.ID)
	mu.Lock()
	assert.Equal(t, []string{"d1"}, emptied)
	mu.Unlock()

	// The emptied room is gone; broadcasting to it is a no-op.
	assert.Equal(t, 0, r.RoomLen("d1"))
	r.Broadcast("d1", []byte("x"), "")
}

func TestRegistryRoomHooksKeepLifecycleOrder(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var events []string
	r.SetRoomHooks(
		func(string) { mu.Lock(); events = append(events, "created"); mu.Unlock() },
		func(string) { mu.Lock(); events = append(events, "emptied"); mu.Unlock() },
	)

	// Two goroutines churn the same room. Every transition through
	// empty must surface as created, emptied, created, ... with no
	// two equal events delivered back to back.
	const cycles = 200
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < cycles; i++ {
				c := newTestClient(fmt.Sprintf("u%d", g), "d1")
				r.Join("d1", c)
				r.Leave(c.ID)
			}
		}(g)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	assert.Equal(t, "created", events[0])
	assert.Equal(t, "emptied", events[len(events)-1])
	for i := 1; i < len(events); i++ {
		require.NotEqualf(t, events[i-1], events[i], "event %d repeats %q", i, events[i])
	}
}

func TestRegistryRejoinMovesMembership(t *testing.T) {
	r := NewRegistry()
	c := newTestClient("u1", "d1")

	r.Join("d1", c)
	require.Equal(t, 1, r.RoomLen("d1"))

	c.DocumentID = "d2"
	r.Join("d2", c)
	assert.Equal(t, 0, r.RoomLen("d1"))
	assert.Equal(t, 1, r.RoomLen("d2"))

	docID, _, ok := r.Leave(c.ID)
	require.True(t, ok)
	assert.Equal(t, "d2", docID)
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	c1 := newTestClient("u1", "d1")
	c2 := newTestClient("u2", "d1")
	c3 := newTestClient("u3", "d1")
	for _, c := range []*Client{c1, c2, c3} {
		r.Join("d1", c)
	}

	r.Broadcast("d1", []byte("payload"), c1.ID)

	assert.Equal(t, []byte("payload"), recvQueued(t, c2))
	assert.Equal(t, []byte("payload"), recvQueued(t, c3))
	expectNothingQueued(t, c1)
}

func TestRegistryBroadcastRemovesBrokenMember(t *testing.T) {
	r := NewRegistry()
	c1 := newTestClient("u1", "d1")
	c2 := newTestClient("u2", "d1")
	r.Join("d1", c1)
	r.Join("d1", c2)

	// A shut-down client cannot accept messages and is pruned.
	c2.shutdown()
	r.Broadcast("d1", []byte("payload"), "")

	assert.Equal(t, []byte("payload"), recvQueued(t, c1))
	assert.Equal(t, 1, r.RoomLen("d1"))
	assert.ErrorIs(t, r.SendTo(c2.ID, []byte("x")), ErrNotRegistered)
}

func TestRegistrySendTo(t *testing.T) {
	r := NewRegistry()
	c := newTestClient("u1", "d1")
	r.Join("d1", c)

	require.NoError(t, r.SendTo(c.ID, []byte("direct")))
	assert.Equal(t, []byte("direct"), recvQueued(t, c))

	assert.ErrorIs(t, r.SendTo("unknown", []byte("x")), ErrNotRegistered)
}

func TestRegistryConcurrentJoins(t *testing.T) {
	r := NewRegistry()

	const n = 50
	var wg sync.WaitGroup
	clients := make([]*Client, n)
	for i := 0; i < n; i++ {
		clients[i] = newTestClient(fmt.Sprintf("u%d", i), "d1")
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			r.Join("d1", c)
		}(clients[i])
	}
	wg.Wait()

	assert.Equal(t, n, r.RoomLen("d1"))

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			r.Leave(c.ID)
		}(clients[i])
	}
	wg.Wait()

	assert.Equal(t, 0, r.RoomLen("d1"))
}

package ws

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.conns == nil {
		t.Error("NewHub() conns map is nil")
	}
}

func TestHub_Online_UnknownUser(t *testing.T) {
	hub := NewHub()
	if hub.Online("nobody") {
		t.Error("Online() for unknown user = true, want false")
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()
	client := &Client{hub: hub, userID: "u1", send: make(chan []byte, 256)}

	hub.register(client)
	if !hub.Online("u1") {
		t.Error("Online() after register = false, want true")
	}

	hub.unregister(client)
	if hub.Online("u1") {
		t.Error("Online() after unregister = true, want false")
	}
}

func TestHub_MultipleConnectionsPerUser(t *testing.T) {
	hub := NewHub()
	c1 := &Client{hub: hub, userID: "u1", send: make(chan []byte, 256)}
	c2 := &Client{hub: hub, userID: "u1", send: make(chan []byte, 256)}

	hub.register(c1)
	hub.register(c2)

	// Dropping one connection keeps the user online
	hub.unregister(c1)
	if !hub.Online("u1") {
		t.Error("Online() with one connection left = false, want true")
	}

	hub.unregister(c2)
	if hub.Online("u1") {
		t.Error("Online() with no connections left = true, want false")
	}
}

func TestHub_PresenceHook_FirstAndLastOnly(t *testing.T) {
	hub := NewHub()
	var calls []bool
	hub.PresenceHook = func(userID string, online bool) {
		if userID != "u1" {
			t.Errorf("hook userID = %s, want u1", userID)
		}
		calls = append(calls, online)
	}

	c1 := &Client{hub: hub, userID: "u1", send: make(chan []byte, 256)}
	c2 := &Client{hub: hub, userID: "u1", send: make(chan []byte, 256)}

	hub.register(c1)
	hub.register(c2) // second connection, no hook
	hub.unregister(c1)
	hub.unregister(c2) // last connection, hook fires

	want := []bool{true, false}
	if len(calls) != len(want) {
		t.Fatalf("hook called %d times, want %d", len(calls), len(want))
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("hook call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestHub_SendToUsers(t *testing.T) {
	hub := NewHub()
	c1 := &Client{hub: hub, userID: "u1", send: make(chan []byte, 256)}
	c2 := &Client{hub: hub, userID: "u2", send: make(chan []byte, 256)}
	c3 := &Client{hub: hub, userID: "u3", send: make(chan []byte, 256)}

	hub.register(c1)
	hub.register(c2)
	hub.register(c3)

	hub.SendToUsers([]string{"u1", "u2"}, map[string]string{"type": "ping"})

	for _, c := range []*Client{c1, c2} {
		select {
		case raw := <-c.send:
			var evt map[string]string
			if err := json.Unmarshal(raw, &evt); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if evt["type"] != "ping" {
				t.Errorf("event type = %s, want ping", evt["type"])
			}
		default:
			t.Errorf("client %s did not receive event", c.userID)
		}
	}

	select {
	case <-c3.send:
		t.Error("client u3 received event addressed to u1 and u2")
	default:
	}
}

func TestHub_SendToUsers_DropsStaleClient(t *testing.T) {
	hub := NewHub()
	// buffer of 1 fills after a single event
	stale := &Client{hub: hub, userID: "u1", send: make(chan []byte, 1)}
	hub.register(stale)

	hub.SendToUsers([]string{"u1"}, map[string]string{"type": "first"})
	hub.SendToUsers([]string{"u1"}, map[string]string{"type": "second"})

	if hub.Online("u1") {
		t.Error("stale client still registered after full send buffer")
	}
}

func TestHub_Concurrent(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	numClients := 10

	clients := make([]*Client, numClients)
	for i := 0; i < numClients; i++ {
		clients[i] = &Client{hub: hub, userID: "shared", send: make(chan []byte, 256)}
	}

	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			hub.register(c)
		}(c)
	}
	wg.Wait()

	if !hub.Online("shared") {
		t.Error("Online() after concurrent register = false, want true")
	}

	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			hub.unregister(c)
		}(c)
	}
	wg.Wait()

	if hub.Online("shared") {
		t.Error("Online() after concurrent unregister = true, want false")
	}
}

package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/collab"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/protocol"
)

type staticDocs struct{}

func (staticDocs) LoadDocument(ctx context.Context, docID string) (string, uint64, error) {
	return "hello", 0, nil
}

func (staticDocs) SaveDocument(ctx context.Context, docID, content string, version uint64) error {
	return nil
}

func newTestServer(t *testing.T, pongWait time.Duration) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := collab.NewHub(staticDocs{}, nil, nil, nil, collab.HubConfig{IdleGrace: time.Hour})
	manager := NewManager(hub, nil, ManagerOptions{PongWait: pongWait})

	r := gin.New()
	// Identity from query params stands in for the auth middleware.
	r.GET("/ws", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Query("uid"), 10, 64)
		if err != nil {
			c.AbortWithStatus(400)
			return
		}
		c.Set("userId", id)
		c.Set("username", c.Query("name"))
	}, manager.Connect)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, uid, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?uid=" + uid + "&name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func joinDoc(t *testing.T, conn *websocket.Conn, docID string) {
	t.Helper()
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeJoin, DocumentID: docID}); err != nil {
		t.Fatalf("send JOIN: %v", err)
	}
}

// A connection that stops answering pings must be treated as departed:
// dropped past pongWait, removed from the roster, and the survivors told
// via ONLINE_USERS, all without an explicit LEAVE.
func TestMissedHeartbeatRemovesParticipant(t *testing.T) {
	srv := newTestServer(t, 500*time.Millisecond)

	alive := dialWS(t, srv, "1", "ada")
	joinDoc(t, alive, "d1")

	dead := dialWS(t, srv, "2", "grace")
	// Swallow pings so no pong ever goes back.
	dead.SetPingHandler(func(string) error { return nil })
	joinDoc(t, dead, "d1")
	go func() {
		for {
			if _, _, err := dead.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// The alive client's read loop answers pings via the default handler.
	// First the roster grows to two, then shrinks back when the dead
	// connection misses its deadline.
	sawBoth := false
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_ = alive.SetReadDeadline(time.Now().Add(5 * time.Second))
		var env protocol.Envelope
		if err := alive.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Type != protocol.TypeOnlineUsers {
			continue
		}
		var roster protocol.RosterPayload
		if err := json.Unmarshal(env.Payload, &roster); err != nil {
			t.Fatalf("bad roster payload: %v", err)
		}
		switch len(roster.Users) {
		case 2:
			sawBoth = true
		case 1:
			if !sawBoth {
				continue // roster from our own join
			}
			if roster.Users[0].UserID != 1 {
				t.Fatalf("remaining participant = %d, want 1", roster.Users[0].UserID)
			}
			return
		}
	}
	t.Fatalf("silent connection was never removed from the roster")
}

// Normal heartbeats keep the participant in the room well past pongWait.
func TestHeartbeatKeepsConnectionAlive(t *testing.T) {
	srv := newTestServer(t, 300*time.Millisecond)

	conn := dialWS(t, srv, "1", "ada")
	joinDoc(t, conn, "d1")

	// Read (and thereby pong) for several pongWait periods. A server-side
	// drop surfaces as an early read error; hitting our own deadline after
	// outliving four periods means the heartbeat kept us in.
	gotSnapshot := false
	start := time.Now()
	_ = conn.SetReadDeadline(start.Add(1200 * time.Millisecond))
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if time.Since(start) < time.Second {
				t.Fatalf("connection dropped after %v despite healthy pongs: %v", time.Since(start), err)
			}
			if !gotSnapshot {
				t.Fatalf("no snapshot received on join")
			}
			return
		}
		if env.Type == protocol.TypeJoin {
			gotSnapshot = true
		}
	}
}

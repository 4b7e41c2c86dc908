package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/cache"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/collab"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Conn is one authenticated websocket attachment. The read loop decodes
// envelopes and routes them to the room; the write loop drains the bounded
// send queue. A connection that can neither pong nor drain its queue is
// dropped and gets LEAVE semantics.
type Conn struct {
	ws  *websocket.Conn
	mgr *Manager

	userID   uint64
	username string

	// room is the joined room, touched only from the read loop.
	room *collab.Room

	mu     sync.Mutex
	closed bool
	send   chan protocol.Envelope
}

func newConn(ws *websocket.Conn, mgr *Manager, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		mgr:      mgr,
		userID:   userID,
		username: username,
		send:     make(chan protocol.Envelope, mgr.sendQueue),
	}
}

func (c *Conn) UserID() uint64      { return c.userID }
func (c *Conn) DisplayName() string { return c.username }

// Enqueue implements collab.Subscriber. It never blocks; false means the
// outbound queue is full or the connection is gone.
func (c *Conn) Enqueue(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Kick severs the connection; the read loop's cleanup handles the LEAVE.
func (c *Conn) Kick(reason string) {
	c.Enqueue(protocol.New(protocol.TypeNotification, "", 0, "",
		protocol.NotificationPayload{Event: "error", Code: reason, Message: "connection dropped"}))
	_ = c.ws.Close()
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) notify(p protocol.NotificationPayload) {
	docID := ""
	if c.room != nil {
		docID = c.room.DocumentID()
	}
	c.Enqueue(protocol.New(protocol.TypeNotification, docID, 0, "", p))
}

func (c *Conn) notifyError(code, msg string) {
	c.notify(protocol.NotificationPayload{Event: "error", Code: code, Message: msg})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if c.room != nil {
			c.room.Leave(ctx, c)
			c.room = nil
		}
		c.closeSend()
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.mgr.pongWait))
	c.ws.SetPongHandler(func(string) error {
		// A live pong is the heartbeat: push the deadline and refresh the
		// presence TTL.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.mgr.pongWait))
		if c.room != nil {
			c.room.RefreshPresence(ctx, c)
		}
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("read error (user=%d): %v", c.userID, err)
			}
			return
		}
		if err := env.Validate(); err != nil {
			// A single malformed message is rejected; the connection
			// stays open.
			c.notifyError("MALFORMED_ENVELOPE", err.Error())
			continue
		}
		c.dispatch(ctx, env)
	}
}

func (c *Conn) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoin:
		c.handleJoin(ctx, env)

	case protocol.TypeLeave:
		if c.room != nil {
			c.room.Leave(ctx, c)
			c.room = nil
		}

	case protocol.TypeEdit:
		room, ok := c.roomFor(env)
		if !ok {
			return
		}
		p, err := env.Edit()
		if err != nil {
			c.notifyError("MALFORMED_ENVELOPE", err.Error())
			return
		}
		// Cap concurrent submits across the process; the room itself
		// serializes per document.
		acquireCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		err = c.mgr.sem.Acquire(acquireCtx)
		cancel()
		if err != nil {
			c.notifyError("SERVER_BUSY", "submission rejected, retry")
			return
		}
		room.HandleEdit(ctx, c, p)
		_ = c.mgr.sem.Release()

	case protocol.TypeCursor:
		room, ok := c.roomFor(env)
		if !ok {
			return
		}
		p, err := env.Cursor()
		if err != nil {
			c.notifyError("MALFORMED_ENVELOPE", err.Error())
			return
		}
		room.HandleCursor(ctx, c, p)

	case protocol.TypeSelection:
		room, ok := c.roomFor(env)
		if !ok {
			return
		}
		p, err := env.Selection()
		if err != nil {
			c.notifyError("MALFORMED_ENVELOPE", err.Error())
			return
		}
		room.HandleSelection(ctx, c, p)

	case protocol.TypeChat:
		room, ok := c.roomFor(env)
		if !ok {
			return
		}
		p, err := env.Chat()
		if err != nil {
			c.notifyError("MALFORMED_ENVELOPE", err.Error())
			return
		}
		room.HandleChat(ctx, c, p)

	case protocol.TypeOnlineUsers:
		room, ok := c.roomFor(env)
		if !ok {
			return
		}
		c.Enqueue(protocol.New(protocol.TypeOnlineUsers, room.DocumentID(), 0, "",
			protocol.RosterPayload{Users: room.RosterSnapshot()}))

	case protocol.TypeNotification:
		// Server-to-client only; drop silently.
	}
}

// roomFor resolves the envelope against the joined room. Every in-room
// message must target the document the connection joined.
func (c *Conn) roomFor(env protocol.Envelope) (*collab.Room, bool) {
	if c.room == nil || c.room.DocumentID() != env.DocumentID {
		c.notifyError("UNAUTHORIZED_OPERATION", "join the document before sending to it")
		return nil, false
	}
	return c.room, true
}

func (c *Conn) handleJoin(ctx context.Context, env protocol.Envelope) {
	if ok, err := c.mgr.limiter.Allow(ctx, cache.ScopeJoin, formatUint(c.userID)); err != nil {
		log.Printf("rate limiter error (user=%d): %v", c.userID, err)
	} else if !ok {
		c.notifyError("RATE_LIMITED", "too many join attempts, slow down")
		return
	}

	var p protocol.JoinPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.notifyError("MALFORMED_ENVELOPE", "bad JOIN payload")
			return
		}
	}

	// Switching documents leaves the old room first.
	if c.room != nil && c.room.DocumentID() != env.DocumentID {
		c.room.Leave(ctx, c)
		c.room = nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		room, err := c.mgr.hub.Room(ctx, env.DocumentID)
		if err != nil {
			switch {
			case errors.Is(err, collab.ErrDocumentNotFound):
				c.notifyError("DOCUMENT_NOT_FOUND", "no such document: "+env.DocumentID)
			default:
				c.notifyError("PERSISTENCE_ERROR", "document load failed, retry later")
			}
			return
		}
		if err := room.Join(ctx, c, p.CursorColor); err == nil {
			c.room = room
			return
		}
		// The sweeper closed the room between lookup and join; one retry
		// rehydrates it.
	}
	c.notifyError("PERSISTENCE_ERROR", "document join failed, retry later")
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.mgr.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

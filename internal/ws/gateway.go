package ws

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/cache"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/collab"
	"github.com/aintliy/Multi-user-online-collaborative-editing-software-sub001/internal/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type ManagerOptions struct {
	SendQueue      int
	PongWait       time.Duration
	MaxConcurrency int
}

// Manager upgrades authenticated requests into subscriber connections and
// hands them to the hub. It enforces envelope well-formedness and the
// connection-level rate limit, nothing else.
type Manager struct {
	hub     *collab.Hub
	limiter cache.RateLimiter
	sem     *collab.Semaphore

	sendQueue  int
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewManager(hub *collab.Hub, limiter cache.RateLimiter, opt ManagerOptions) *Manager {
	if opt.SendQueue <= 0 {
		opt.SendQueue = 64
	}
	if opt.PongWait <= 0 {
		opt.PongWait = 60 * time.Second
	}
	if opt.MaxConcurrency <= 0 {
		opt.MaxConcurrency = 100
	}
	if limiter == nil {
		limiter = cache.NopLimiter{}
	}
	return &Manager{
		hub:        hub,
		limiter:    limiter,
		sem:        collab.NewSemaphore(opt.MaxConcurrency),
		sendQueue:  opt.SendQueue,
		pongWait:   opt.PongWait,
		pingPeriod: opt.PongWait * 9 / 10,
	}
}

// Connect is the gin handler behind the auth middleware.
func (m *Manager) Connect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	if ok, err := m.limiter.Allow(c.Request.Context(), cache.ScopeConnect, c.ClientIP()); err != nil {
		log.Printf("rate limiter error (ip=%s): %v", c.ClientIP(), err)
	} else if !ok {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "RATE_LIMITED",
			"message": "too many connection attempts",
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	conn := newConn(ws, m, userID, username)
	go conn.writeLoop()
	conn.notify(protocol.NotificationPayload{Event: "welcome", Message: "connected as " + username})
	conn.readLoop(c.Request.Context())
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

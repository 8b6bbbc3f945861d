// Package gateway is the HTTP facade over the staking pool: account
// endpoints, transaction submission and status queries, pool statistics and
// a websocket stream of resolution events. All state flows through the
// ledger store and the reconciliation scheduler.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/terminal-bench/stakepool/internal/auth"
	"github.com/terminal-bench/stakepool/internal/ledger"
	"github.com/terminal-bench/stakepool/internal/notify"
	"github.com/terminal-bench/stakepool/internal/pool"
	"github.com/terminal-bench/stakepool/internal/reconcile"
	"github.com/terminal-bench/stakepool/pkg/messaging"
)

// Config holds gateway tuning knobs.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Gateway wires the HTTP surface together.
type Gateway struct {
	router    *gin.Engine
	store     ledger.Store
	scheduler *reconcile.Scheduler
	auth      *auth.Service
	pool      *pool.Service
	msg       *messaging.Client
	logger    zerolog.Logger

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient

	limiter *rateLimiter
}

type wsClient struct {
	id     uuid.UUID
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

func New(cfg Config, store ledger.Store, scheduler *reconcile.Scheduler, authSvc *auth.Service, poolSvc *pool.Service, msg *messaging.Client, logger zerolog.Logger) *Gateway {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 120
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:    gin.New(),
		store:     store,
		scheduler: scheduler,
		auth:      authSvc,
		pool:      poolSvc,
		msg:       msg,
		logger:    logger.With().Str("component", "gateway").Logger(),
		wsClients: make(map[uuid.UUID]*wsClient),
		limiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.health)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/auth/register", g.register)
		v1.POST("/auth/login", g.login)

		v1.GET("/pool", g.poolStats)

		v1.POST("/transactions", g.authMiddleware(), g.createTransaction)
		v1.GET("/transactions", g.authMiddleware(), g.listTransactions)
		v1.GET("/transactions/:external_id", g.authMiddleware(), g.getTransaction)
		v1.GET("/transactions/:external_id/countdown", g.authMiddleware(), g.getCountdown)
		v1.POST("/transactions/:external_id/check", g.authMiddleware(), g.checkTransaction)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Start subscribes to resolution events and serves HTTP until the server
// errors out.
func (g *Gateway) Start(addr string) error {
	for _, subject := range []string{notify.SubjectConfirmed, notify.SubjectFailed} {
		if err := g.msg.Subscribe(subject, g.handleResolutionEvent); err != nil {
			return err
		}
	}
	return g.router.Run(addr)
}

// Handler exposes the router, mainly for httptest.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// rateLimiter is a per-IP sliding window counter.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, time.Now())
	return true
}

// WebSocket stream

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:     uuid.New(),
		userID: c.MustGet("user_id").(string),
		conn:   conn,
		send:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

// handleResolutionEvent relays a NATS resolution event to the websocket
// clients of the transaction's owner.
func (g *Gateway) handleResolutionEvent(msg *nats.Msg) {
	var event notify.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		g.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed resolution event")
		return
	}

	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		if client.userID != event.OwnerRef {
			continue
		}
		select {
		case client.send <- msg.Data:
		case <-client.done:
		default:
			// Slow consumer; drop rather than block the NATS callback.
		}
	}
}

// Package gateway implements the WebSocket Gateway (spec §4.8): a single
// upgrade endpoint that authenticates clients, fans out the Event Bus and
// PTY output onto typed frames, and accepts PTY client messages. Grounded
// on the teacher's old_internal/webui websocket_test.go (gin engine wired
// through httptest, connect/heartbeat message round-trip) for the overall
// shape, and on gin-gonic/gin + gorilla/websocket as used throughout the
// teacher's delivery layer and other_examples' assistant http.go for the
// upgrader/engine wiring itself, since the teacher's own implementation
// file was retrieved stripped to its test.
package gateway

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"alex/internal/adapter"
	"alex/internal/apperr"
	"alex/internal/approval"
	"alex/internal/events"
	"alex/internal/logging"
	"alex/internal/pty"
)

const (
	// MaxPayloadBytes bounds a single inbound frame and drives the
	// backpressure thresholds below (spec §4.8, §5 "Bounds and quotas").
	MaxPayloadBytes = 64 * 1024
	// MaxConnections caps concurrent upgraded sockets.
	MaxConnections = 100

	pauseThreshold  = 2 * MaxPayloadBytes
	resumeThreshold = MaxPayloadBytes

	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second

	outboundQueueDepth = 256

	forksdSubprotocol = "forksd"
	tokenProtoPrefix  = "token."
)

// Config controls auth and origin enforcement.
type Config struct {
	AuthToken      string
	AllowedOrigins []string
}

// DefaultAllowedOrigins covers local dev and the `file://` origin Electron
// shells send.
func DefaultAllowedOrigins() []string {
	return []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"file://",
	}
}

// Dependencies are the components the Gateway fans events in and out of.
type Dependencies struct {
	Bus      *events.Bus
	PTY      *pty.Manager
	Approval *approval.Broker
	Adapter  adapter.Adapter
	Logger   logging.Logger
}

// Gateway owns the HTTP/WebSocket surface described by spec §4.8 and the
// HTTP gateway contract in §6.
type Gateway struct {
	cfg     Config
	bus     *events.Bus
	pty     *pty.Manager
	appr    *approval.Broker
	adapter adapter.Adapter
	log     logging.Logger

	mu          sync.Mutex
	connCount   int
	upgrader    websocket.Upgrader
}

// New constructs a Gateway. Call Engine() to obtain the gin.Engine to run.
func New(cfg Config, deps Dependencies) *Gateway {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = DefaultAllowedOrigins()
	}
	g := &Gateway{
		cfg:     cfg,
		bus:     deps.Bus,
		pty:     deps.PTY,
		appr:    deps.Approval,
		adapter: deps.Adapter,
		log:     logging.OrNop(deps.Logger),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  MaxPayloadBytes,
		WriteBufferSize: MaxPayloadBytes,
		CheckOrigin:     g.checkOrigin,
		Subprotocols:    []string{forksdSubprotocol},
	}
	return g
}

// Engine builds the gin.Engine exposing the WebSocket upgrade endpoint and
// the approval-response HTTP endpoint.
func (g *Gateway) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool { return g.originAllowed(origin) },
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "X-Forksd-Token", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	engine.GET("/ws", g.handleUpgrade)
	engine.POST("/approval/:token/respond", g.handleApprovalRespond)
	return engine
}

func (g *Gateway) originAllowed(origin string) bool {
	if origin == "" {
		return true // non-browser clients (no Origin header) are allowed
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
		if allowed == "file://" && strings.HasPrefix(origin, "file://") {
			return true
		}
	}
	return false
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	return g.originAllowed(r.Header.Get("Origin"))
}

// handleUpgrade enforces auth, origin, and the connection cap, then
// upgrades and runs the connection until it closes.
func (g *Gateway) handleUpgrade(c *gin.Context) {
	if g.cfg.AuthToken == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "auth_not_configured"})
		return
	}
	token, proto := extractToken(c.Request)
	if token == "" || !approval.TokensEqual(token, g.cfg.AuthToken) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if !g.admit() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "resource_exhausted"})
		return
	}

	selected := ""
	if proto == forksdSubprotocol || strings.HasPrefix(proto, tokenProtoPrefix) {
		selected = proto
	}
	header := http.Header{}
	if selected != "" {
		header.Set("Sec-WebSocket-Protocol", selected)
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		g.release()
		g.log.Warn("websocket upgrade failed: %v", err)
		return
	}

	sock := newConnection(conn, g)
	defer g.release()
	sock.run()
}

func (g *Gateway) admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connCount >= MaxConnections {
		return false
	}
	g.connCount++
	return true
}

func (g *Gateway) release() {
	g.mu.Lock()
	g.connCount--
	g.mu.Unlock()
}

// extractToken pulls the auth token from Authorization, X-Forksd-Token, or
// a Sec-WebSocket-Protocol "token.<value>" entry, per spec §4.8. Returns
// the raw token and the subprotocol entry it came from (empty if the token
// came from a header rather than the protocol list).
func extractToken(r *http.Request) (token, fromProto string) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), ""
	}
	if t := r.Header.Get("X-Forksd-Token"); t != "" {
		return t, ""
	}
	for _, proto := range websocket.Subprotocols(r) {
		if proto == forksdSubprotocol {
			fromProto = proto
			continue
		}
		if strings.HasPrefix(proto, tokenProtoPrefix) {
			return strings.TrimPrefix(proto, tokenProtoPrefix), proto
		}
	}
	return "", fromProto
}

// approvalRespondBody is the request body for POST /approval/{token}/respond.
type approvalRespondBody struct {
	Decision string `json:"decision" binding:"required"`
}

const approvalTokenLen = 43 // base64url(32 bytes), unpadded

func (g *Gateway) handleApprovalRespond(c *gin.Context) {
	token := c.Param("token")
	if len(token) != approvalTokenLen || !isBase64URL(token) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_approval_token"})
		return
	}

	var body approvalRespondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_decision"})
		return
	}

	var accepted, forSession bool
	switch body.Decision {
	case "accept":
		accepted = true
	case "acceptForSession":
		accepted, forSession = true, true
	case "decline":
		accepted = false
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_decision"})
		return
	}

	ctx := c.Request.Context()
	if err := g.appr.NotifyApprovalResponse(ctx, token, accepted, forSession); err != nil {
		status, code := statusForError(err)
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func isBase64URL(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// statusForError maps the apperr taxonomy (spec §7) to an HTTP status.
func statusForError(err error) (int, string) {
	code, recognized := apperr.Code(err)
	if !recognized {
		return http.StatusInternalServerError, "internal_error"
	}
	switch code {
	case "not_found":
		return http.StatusNotFound, code
	case "not_pending", "conflict":
		return http.StatusConflict, code
	case "unauthorized":
		return http.StatusUnauthorized, code
	case "payload_too_large":
		return http.StatusRequestEntityTooLarge, code
	case "resource_exhausted":
		return http.StatusServiceUnavailable, code
	default:
		if strings.HasPrefix(code, "invalid_") {
			return http.StatusBadRequest, code
		}
		return http.StatusInternalServerError, "internal_error"
	}
}

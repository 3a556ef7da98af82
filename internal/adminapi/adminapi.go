// Package adminapi is a small gin HTTP surface alongside the websocket
// envelope transport (internal/transport) for the handful of operations
// that don't need a correlated PM_* round trip: health checks, resolving
// a presented confirmation from an out-of-band UI, and read-only
// recent-logins/preferences lookups.
package adminapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nearkit/wallet-host/internal/confirmation"
	"github.com/nearkit/wallet-host/internal/prefs"
)

// Deps are the collaborators this surface reads from or resolves through.
type Deps struct {
	Confirm *confirmation.Controller
	Prefs   *prefs.Store
	Log     zerolog.Logger

	// AllowOrigins is the set of relying-page origins permitted to call
	// this surface.
	AllowOrigins []string

	// WSHandler serves the websocket envelope transport at GET /ws; wired
	// by cmd/wallethostd, kept as an http.Handler here so this package
	// doesn't import internal/transport and vice versa.
	WSHandler http.Handler
}

// loginLimiter rate-limits login-adjacent admin calls with one
// *rate.Limiter per account id.
type loginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLoginLimiter() *loginLimiter {
	return &loginLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *loginLimiter) allow(accountID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[accountID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(2*time.Second), 5)
		l.limiters[accountID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// SetupRouter builds the gin engine: CORS middleware, then a flat route
// group under /api.
func SetupRouter(deps Deps) *gin.Engine {
	router := gin.Default()

	cfg := cors.DefaultConfig()
	if len(deps.AllowOrigins) > 0 {
		cfg.AllowOrigins = deps.AllowOrigins
	} else {
		cfg.AllowOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	cfg.AllowCredentials = true
	router.Use(cors.New(cfg))

	h := &handler{deps: deps, logins: newLoginLimiter()}

	if deps.WSHandler != nil {
		router.GET("/ws", gin.WrapH(deps.WSHandler))
	}

	api := router.Group("/api")
	{
		api.GET("/health", h.health)
		api.POST("/confirmation/:requestId/decision", h.confirmationDecision)
		api.GET("/accounts/recent", h.recentLogins)
		api.GET("/accounts/:accountId/preferences", h.getPreferences)
		api.POST("/accounts/:accountId/login-attempt", h.recordLoginAttempt)
	}

	return router
}

type handler struct {
	deps   Deps
	logins *loginLimiter
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// confirmationDecisionRequest is the out-of-band UI's resolve call for a
// requireClick presentation.
type confirmationDecisionRequest struct {
	Decision string `json:"decision"` // "confirm" | "cancel"
}

func (h *handler) confirmationDecision(c *gin.Context) {
	if h.deps.Confirm == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "NOT_CONFIGURED"})
		return
	}
	var req confirmationDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	requestID := c.Param("requestId")
	switch req.Decision {
	case "confirm":
		h.deps.Confirm.Confirm(requestID)
	case "cancel":
		h.deps.Confirm.Close(requestID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": "decision must be confirm or cancel"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requestId": requestID, "decision": req.Decision})
}

func (h *handler) recentLogins(c *gin.Context) {
	if h.deps.Prefs == nil {
		c.JSON(http.StatusOK, gin.H{"accounts": []string{}})
		return
	}
	accounts, err := h.deps.Prefs.RecentLogins(5)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "HOST_ERROR", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (h *handler) getPreferences(c *gin.Context) {
	if h.deps.Prefs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "NOT_CONFIGURED"})
		return
	}
	cfg, err := h.deps.Prefs.Get(c.Param("accountId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "HOST_ERROR", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg.Effective())
}

// recordLoginAttempt is consulted by the parent-side login flow before it
// even opens a WebAuthn ceremony, so a hammered account id fails fast with
// 429 instead of spinning up an assertion the wallet host will reject
// anyway.
func (h *handler) recordLoginAttempt(c *gin.Context) {
	accountID := c.Param("accountId")
	if !h.logins.allow(accountID) {
		c.Header("Retry-After", "2")
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "RATE_LIMITED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowed": true})
}

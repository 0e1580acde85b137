package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/civicpulse/backend/internal/analytics"
	"github.com/civicpulse/backend/internal/auth"
	"github.com/civicpulse/backend/internal/catalog"
	"github.com/civicpulse/backend/internal/votes"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey = "civicpulse_session"

	defaultHeartbeatInterval = 25 * time.Second
	defaultAdminRole         = "admin"
)

var (
	errMissingCatalogService = errors.New("catalog service dependency required")
	errMissingVoteEngine     = errors.New("vote engine dependency required")
	errMissingAnalytics      = errors.New("analytics reader dependency required")
	errMissingSessions       = errors.New("session validator dependency required")
)

// Dependencies wires the services behind the HTTP surface.
type Dependencies struct {
	Catalog           *catalog.Service
	Votes             *votes.Engine
	Analytics         *analytics.Reader
	Sessions          *auth.SessionValidator
	AdminRole         string
	Realtime          *TallyDispatcher
	MetricsHandler    http.Handler
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router for the public and admin APIs.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Catalog == nil {
		return nil, errMissingCatalogService
	}
	if deps.Votes == nil {
		return nil, errMissingVoteEngine
	}
	if deps.Analytics == nil {
		return nil, errMissingAnalytics
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	adminRole := deps.AdminRole
	if adminRole == "" {
		adminRole = defaultAdminRole
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewTallyDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		catalog:   deps.Catalog,
		votes:     deps.Votes,
		analytics: deps.Analytics,
		sessions:  deps.Sessions,
		adminRole: adminRole,
		realtime:  realtime,
		limiter:   newLimiterPool(deps.RateLimit, deps.Clock),
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	router.GET("/messages", handler.handlePublicMessages)
	router.GET("/ab-pairs", handler.handlePublicPairs)
	router.POST("/votes", handler.loadSession, handler.limitVotes, handler.handleSubmitVotes)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.GET("/messages", handler.handleListMessages)
	admin.POST("/messages", handler.handleCreateMessage)
	admin.POST("/messages/status", handler.handleBulkStatus)
	admin.GET("/messages/:id", handler.handleGetMessage)
	admin.PATCH("/messages/:id", handler.handleUpdateMessage)
	admin.DELETE("/messages/:id", handler.handleDeleteMessage)
	admin.POST("/messages/:id/reorder", handler.handleReorder(catalog.NamespaceMessages))
	admin.GET("/ab-pairs", handler.handleListPairs)
	admin.POST("/ab-pairs", handler.handleCreatePair)
	admin.GET("/ab-pairs/:id", handler.handleGetPair)
	admin.PATCH("/ab-pairs/:id", handler.handleUpdatePair)
	admin.DELETE("/ab-pairs/:id", handler.handleDeletePair)
	admin.POST("/ab-pairs/:id/reorder", handler.handleReorder(catalog.NamespacePairs))
	admin.GET("/analytics/votes", handler.handleVoteAnalytics)
	admin.GET("/results/stream", handler.handleResultsStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:     []string{"Content-Type", "Idempotency-Key", "X-Anon-Session-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	catalog   *catalog.Service
	votes     *votes.Engine
	analytics *analytics.Reader
	sessions  *auth.SessionValidator
	adminRole string
	realtime  *TallyDispatcher
	limiter   *limiterPool
	heartbeat time.Duration
	logger    *zap.Logger
}

// loadSession attaches the session claims when a valid cookie is present.
// Voting does not require a session, so failures only drop the identity.
func (h *httpHandler) loadSession(c *gin.Context) {
	if _, err := c.Request.Cookie(h.sessions.CookieName()); err != nil {
		c.Next()
		return
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logSessionFailure(err)
		c.Next()
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logSessionFailure(err)
		abortWith(c, http.StatusUnauthorized, errorKindUnauthorized, "admin.authorize.invalid_session", "a valid session is required")
		return
	}
	if !claims.HasRole(h.adminRole) {
		h.logger.Warn("admin access denied", zap.String("reason", "missing_role"))
		abortWith(c, http.StatusForbidden, errorKindForbidden, "admin.authorize.missing_role", "the session lacks the admin role")
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) logSessionFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
		h.logger.Info("session validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("session validation failed", zap.Error(err))
}

func sessionFrom(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

package handler

import (
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"request-guardian/internal/domain"
	"request-guardian/internal/guardian"
	"request-guardian/internal/logger"
	"request-guardian/internal/middleware"
)

// Version is reported by /health. It is overridden at build time.
var Version = "dev"

// Handlers holds the HTTP handlers of the service
type Handlers struct {
	factory        *guardian.Factory
	store          domain.Store
	logger         domain.Logger
	throwIfBlocked bool
	startTime      time.Time
}

// NewHandlers creates the handlers. The store is only used for health checks;
// guarding goes through factory.
func NewHandlers(factory *guardian.Factory, store domain.Store, logger domain.Logger, throwIfBlocked bool) *Handlers {
	return &Handlers{
		factory:        factory,
		store:          store,
		logger:         logger,
		throwIfBlocked: throwIfBlocked,
		startTime:      time.Now(),
	}
}

// SetupRoutes registers every route on router
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	guarded := middleware.NewGuardianMiddleware(h.factory, h.logger, h.throwIfBlocked)

	router.GET("/health", h.HealthHandler)
	router.GET("/metrics", h.MetricsHandler())

	protected := router.Group("/")
	protected.Use(guarded)
	{
		protected.GET("/", h.ExampleHandler)
	}

	admin := router.Group("/admin")
	{
		admin.GET("/status", h.AdminStatusHandler)
		admin.POST("/clear", h.AdminClearHandler)
	}
}

// HealthHandler reports whether the storage backend is reachable
func (h *Handlers) HealthHandler(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"service":   "Request Guardian",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   Version,
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
		"runtime": gin.H{
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}

	if h.store != nil {
		if err := h.store.Health(c.Request.Context()); err != nil {
			h.logger.WithContext(c.Request.Context()).Error("Storage health check failed", err, nil)
			response["status"] = "unhealthy"
			response["storage"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
		response["storage"] = "ok"
	}

	c.JSON(http.StatusOK, response)
}

// MetricsHandler exposes the Prometheus registry
func (h *Handlers) MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// ExampleHandler is the guarded demo endpoint. The simulate query parameter
// makes it fail ("error") or report an upstream rate limit ("ratelimit",
// with retry_after in seconds, default 60).
func (h *Handlers) ExampleHandler(c *gin.Context) {
	ctx := c.Request.Context()

	switch strings.ToLower(c.Query("simulate")) {
	case "error":
		_ = c.Error(errors.New("simulated upstream failure"))
		return
	case "ratelimit":
		seconds, err := strconv.Atoi(c.DefaultQuery("retry_after", "60"))
		if err != nil || seconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "retry_after must be a positive number of seconds",
			})
			return
		}
		exceeded, err := guardian.NewRateLimitExceededError(seconds, "simulated upstream rate limit")
		if err != nil {
			_ = c.Error(err)
			return
		}
		_ = c.Error(exceeded)
		return
	}

	h.logger.WithContext(ctx).Debug("Example endpoint accessed", map[string]interface{}{
		"path": c.Request.URL.Path,
	})

	c.JSON(http.StatusOK, gin.H{
		"message":    "Hello from Request Guardian!",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"client_ip":  middleware.GetClientIP(c),
		"request_id": logger.GetRequestID(ctx),
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
	})
}

// AdminStatusHandler returns the counters of one client
func (h *Handlers) AdminStatusHandler(c *gin.Context) {
	ctx := c.Request.Context()

	g, ok := h.guardianFor(c)
	if !ok {
		return
	}

	usage, err := g.Usage(ctx)
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to read guardian usage", err, map[string]interface{}{
			"identifier": g.Identifier(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to retrieve guardian status",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usage":     usage,
		"blocked":   isBlocked(usage),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AdminClearHandler forgets every counter of one client
func (h *Handlers) AdminClearHandler(c *gin.Context) {
	ctx := c.Request.Context()

	g, ok := h.guardianFor(c)
	if !ok {
		return
	}

	cleared, err := g.ClearCache(ctx)
	if err != nil {
		h.logger.WithContext(ctx).Error("Failed to clear guardian cache", err, map[string]interface{}{
			"identifier": g.Identifier(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to clear guardian cache",
		})
		return
	}

	h.logger.WithContext(ctx).Info("Guardian cache cleared", map[string]interface{}{
		"identifier": g.Identifier(),
		"cleared":    cleared,
	})

	c.JSON(http.StatusOK, gin.H{
		"status":     "success",
		"identifier": g.Identifier(),
		"cleared":    cleared,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// guardianFor builds the guardian named by the identifier, ip or token
// query parameter. It writes a 400 and returns false when none is usable.
func (h *Handlers) guardianFor(c *gin.Context) (*guardian.Guardian, bool) {
	var identifier string
	switch {
	case strings.TrimSpace(c.Query("identifier")) != "":
		identifier = strings.TrimSpace(c.Query("identifier"))
	case strings.TrimSpace(c.Query("token")) != "":
		identifier = middleware.IdentifierForToken(strings.TrimSpace(c.Query("token")))
	case strings.TrimSpace(c.Query("ip")) != "":
		identifier = middleware.IdentifierForIP(strings.TrimSpace(c.Query("ip")))
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "one of identifier, token or ip is required",
		})
		return nil, false
	}

	g, err := h.factory.Create(identifier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
		return nil, false
	}

	h.logger.WithContext(c.Request.Context()).Debug("Admin endpoint accessed", map[string]interface{}{
		"identifier": logger.MaskSecret(g.Identifier()),
		"path":       c.Request.URL.Path,
	})
	return g, true
}

func isBlocked(u guardian.Usage) bool {
	if u.RetryAfter != nil {
		return true
	}
	for _, r := range u.RateLimits {
		if r.Count >= int64(r.Limit) {
			return true
		}
	}
	return false
}

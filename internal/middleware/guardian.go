package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"request-guardian/internal/domain"
	"request-guardian/internal/guardian"
	"request-guardian/internal/logger"
)

var identifierReplacer = strings.NewReplacer(".", "-", ":", "-")

// GuardianMiddleware runs the rest of the handler chain as guarded work,
// one Guardian per client identifier.
//
// Handlers report failures with c.Error and leave the response unwritten;
// the middleware then answers 502 when the error is returned or 503 when the
// error handling rules suppress it. A *guardian.RateLimitExceededError is
// answered with 429 either way and refuses the client until it expires.
type GuardianMiddleware struct {
	factory        *guardian.Factory
	logger         domain.Logger
	throwIfBlocked bool
}

// NewGuardianMiddleware creates the gin handler
func NewGuardianMiddleware(factory *guardian.Factory, logger domain.Logger, throwIfBlocked bool) gin.HandlerFunc {
	m := &GuardianMiddleware{
		factory:        factory,
		logger:         logger,
		throwIfBlocked: throwIfBlocked,
	}
	return m.Handle
}

func (m *GuardianMiddleware) Handle(c *gin.Context) {
	requestID := getRequestID(c)
	clientIP := extractClientIP(c)
	identifier := ResolveIdentifier(c)

	ctx := logger.ContextWithRequestInfo(c.Request.Context(), requestID, clientIP, identifier, c.GetHeader("User-Agent"))
	c.Request = c.Request.WithContext(ctx)
	log := m.logger.WithContext(ctx)

	g, err := m.factory.Create(identifier)
	if err != nil {
		log.Warn("Unable to build guardian for request", map[string]interface{}{
			"error": err.Error(),
		})
		status := http.StatusInternalServerError
		if errors.Is(err, guardian.ErrEmptyIdentifier) {
			status = http.StatusBadRequest
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "invalid_identifier", "message": err.Error()})
		return
	}

	res, err := g.Send(ctx, func(ctx context.Context) (any, error) {
		c.Next()
		if len(c.Errors) > 0 {
			return nil, c.Errors.Last().Err
		}
		if status := c.Writer.Status(); c.Writer.Written() && status >= http.StatusInternalServerError {
			return nil, fmt.Errorf("handler responded with status %d", status)
		}
		return c.Writer.Status(), nil
	}, guardian.WithThrowIfBlocked(m.throwIfBlocked), guardian.WithRetryAfter(true))

	m.respond(c, log, res, err)
}

func (m *GuardianMiddleware) respond(c *gin.Context, log domain.Logger, res guardian.Result, err error) {
	var (
		blocked  *guardian.RulePreventsExecutionError
		exceeded *guardian.RateLimitExceededError
	)

	switch {
	case errors.As(err, &blocked):
		m.rejectRule(c, blocked.Rule, err.Error())
	case res.Outcome == guardian.OutcomeBlocked && res.Rule != nil:
		m.rejectRule(c, res.Rule, (&guardian.RulePreventsExecutionError{Rule: res.Rule}).Error())
	case errors.As(err, &exceeded):
		m.rejectRetryAfter(c, exceeded.RetryAfter)
	case res.Outcome == guardian.OutcomeBlocked:
		m.rejectRetryAfter(c, res.RetryAfter)
	case res.Outcome == guardian.OutcomeSuppressed && errors.As(res.Err, &exceeded):
		m.rejectRetryAfter(c, exceeded.RetryAfter)
	case errors.Is(err, guardian.ErrCache):
		log.Error("Guardian cache failure", err, nil)
		if !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal server error",
				"message": "Unable to process rate limit check",
			})
		}
	case err != nil:
		if !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error":   "upstream_error",
				"message": err.Error(),
			})
		}
	case res.Outcome == guardian.OutcomeSuppressed:
		if !c.Writer.Written() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "upstream_unavailable"})
		}
	}
}

func (m *GuardianMiddleware) rejectRule(c *gin.Context, rule *guardian.RateLimitRule, message string) {
	c.Header("Retry-After", strconv.Itoa(rule.TotalSeconds()))
	c.Header("X-RateLimit-Limit", strconv.Itoa(rule.Limit()))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":   "rate_limit_exceeded",
		"message": message,
		"details": gin.H{
			"rule":     rule.String(),
			"limit":    rule.Limit(),
			"interval": string(rule.Interval()),
			"duration": rule.Duration(),
		},
	})
}

func (m *GuardianMiddleware) rejectRetryAfter(c *gin.Context, at time.Time) {
	seconds := int(math.Ceil(time.Until(at).Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate_limit_exceeded",
		"message":     "upstream rate limit in effect",
		"retry_after": at.UTC().Format(time.RFC3339),
	})
}

// ResolveIdentifier picks the API key when present, otherwise the client IP.
func ResolveIdentifier(c *gin.Context) string {
	if token := extractAPIToken(c); token != "" {
		return IdentifierForToken(token)
	}
	return IdentifierForIP(extractClientIP(c))
}

// IdentifierForIP maps an IP to the identifier used by the middleware.
// Separators become dashes so distinct addresses stay distinct after sanitisation.
func IdentifierForIP(ip string) string {
	return "ip-" + identifierReplacer.Replace(ip)
}

// IdentifierForToken maps an API key to the identifier used by the middleware.
func IdentifierForToken(token string) string {
	return "key-" + token
}

// extractClientIP prefers X-Forwarded-For, then X-Real-IP, then RemoteAddr
func extractClientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}
	return c.Request.RemoteAddr
}

// extractAPIToken reads API_KEY, then X-Api-Token, then Api-Token
func extractAPIToken(c *gin.Context) string {
	for _, header := range []string{"API_KEY", "X-Api-Token", "Api-Token"} {
		if token := strings.TrimSpace(c.GetHeader(header)); token != "" {
			return token
		}
	}
	return ""
}

func getRequestID(c *gin.Context) string {
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		c.Header("X-Request-ID", requestID)
		return requestID
	}
	requestID := uuid.New().String()
	c.Header("X-Request-ID", requestID)
	return requestID
}

// GetClientIP is extractClientIP for other packages
func GetClientIP(c *gin.Context) string {
	return extractClientIP(c)
}

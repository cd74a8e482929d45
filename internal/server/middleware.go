package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	identitydomain "github.com/smallbiznis/creditguard/internal/identity/domain"
	obscontext "github.com/smallbiznis/creditguard/internal/observability/context"
	"github.com/smallbiznis/creditguard/internal/observability/logger"
	"github.com/smallbiznis/creditguard/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	headerRetryAfter         = "Retry-After"
	headerRateLimitReason    = "X-RateLimit-Reason"
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"

	actorTypeSubscriber = "subscriber"
)

type identityKey struct{}

func withIdentity(ctx context.Context, id identitydomain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) (identitydomain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identitydomain.Identity)
	return id, ok && id.SubscriberID != ""
}

// IdentityRequired authenticates the bearer credential and attaches the
// subscriber to the request context. scope, when set, must be granted to the
// key.
func (s *Server) IdentityRequired(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" {
			AbortWithError(c, identitydomain.ErrMissingCredentials)
			return
		}

		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ident, err := s.verifier.Verify(c.Request.Context(), parts[1])
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if scope != "" && !ident.HasScope(scope) {
			AbortWithError(c, ErrForbidden)
			return
		}

		ctx := withIdentity(c.Request.Context(), ident)
		ctx = obscontext.WithSubscriberID(ctx, ident.SubscriberID)
		ctx = obscontext.WithActor(ctx, actorTypeSubscriber, ident.SubscriberID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RateLimit gates the route by endpoint class. Identified requests are keyed
// by subscriber and client address; anonymous ones by address only.
func (s *Server) RateLimit(class ratelimit.EndpointClass) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		req := ratelimit.Request{
			Class:      class,
			ClientAddr: c.ClientIP(),
		}
		if ident, ok := identityFromContext(ctx); ok {
			req.SubscriberID = ident.SubscriberID
		}

		decision, err := s.limiter.Allow(ctx, req)
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit check failed",
				zap.String("endpoint_class", string(class)),
				zap.Error(err),
			)
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		if decision.Limit > 0 {
			c.Header(headerRateLimitLimit, strconv.Itoa(decision.Limit))
			c.Header(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
		}
		if !decision.ResetAt.IsZero() {
			c.Header(headerRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}
		if decision.Allowed {
			c.Next()
			return
		}

		c.Header(headerRetryAfter, strconv.Itoa(retryAfterSeconds(decision)))
		c.Header(headerRateLimitReason, string(decision.Reason))
		c.Set("deny_reason", string(decision.Reason))
		body := rateLimitedResponse{
			Error: errorPayload{
				Type:    "rate_limited",
				Message: "too many requests",
			},
			Reason: string(decision.Reason),
		}
		if !decision.ResetAt.IsZero() {
			body.ResetAt = decision.ResetAt.UTC().Format(time.RFC3339)
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, body)
	}
}

type rateLimitedResponse struct {
	Error   errorPayload `json:"error"`
	Reason  string       `json:"reason"`
	ResetAt string       `json:"reset_at,omitempty"`
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d ratelimit.Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func subscriberFrom(c *gin.Context) (identitydomain.Identity, error) {
	ident, ok := identityFromContext(c.Request.Context())
	if !ok {
		return identitydomain.Identity{}, ErrUnauthorized
	}
	return ident, nil
}

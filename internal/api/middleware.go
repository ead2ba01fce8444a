package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/gabrielenos/lancip/internal/auth"
	"github.com/gabrielenos/lancip/internal/observability"
	"github.com/gabrielenos/lancip/internal/ws"
)

const (
	ctxClaims = "lancip.claims"
	ctxToken  = "lancip.token"
)

var (
	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "http",
		Name:      "request_seconds",
		Help:      "Latency of API requests by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	tracer = otel.Tracer("github.com/gabrielenos/lancip/api")
)

func init() {
	prometheus.MustRegister(httpLatency)
}

// instrument traces, times and logs every request.
func instrument(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		parent := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(parent, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.route", route)))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		httpLatency.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		reqLogger := observability.LoggerWithTrace(ctx, logger)
		event := reqLogger.Debug()
		if status >= http.StatusInternalServerError {
			event = reqLogger.Error()
		}
		event.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("http request")
	}
}

// cors applies the origin allow-list. Preflights from unknown origins are
// rejected; simple requests from them are served without CORS headers so the
// browser blocks the response.
func cors(policy ws.OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		preflight := c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != ""
		if origin == "" {
			c.Next()
			return
		}
		c.Writer.Header().Add("Vary", "Origin")
		if !policy.Allows(origin) {
			if preflight {
				abortWithDetail(c, http.StatusBadRequest, "disallowed CORS origin")
				return
			}
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		if preflight {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			if reqHeaders := c.GetHeader("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireSession rejects requests without a live bearer token.
func requireSession(sessions Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ws.RequestToken(c.Request)
		if token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			abortWithDetail(c, http.StatusUnauthorized, "not authenticated")
			return
		}
		claims, err := sessions.Authenticate(c.Request.Context(), token)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
			abortWithDetail(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		c.Set(ctxClaims, claims)
		c.Set(ctxToken, token)
		c.Next()
	}
}

func sessionClaims(c *gin.Context) auth.Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(auth.Claims)
	return claims
}

func sessionToken(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(ctxToken))
}

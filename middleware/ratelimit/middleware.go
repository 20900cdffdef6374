package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/domain"
)

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderRequestID = "X-Request-ID"
)

// Checker is satisfied by *application.Gateway.
type Checker interface {
	Check(ctx context.Context, req domain.Request) domain.Decision
}

// OutcomeObserver is satisfied by *application.ErrorRateMonitor.
type OutcomeObserver interface {
	Observe(ctx context.Context, route string, status int)
}

type Options struct {
	Gateway Checker
	// Outcomes, when set, receives the upstream status of admitted requests
	// that matched an endpoint policy.
	Outcomes OutcomeObserver
	// ClientIP resolves the client address; nil trusts no proxy.
	ClientIP *ClientIPResolver
	// TenantHeader and TenantQuery are read when no tenant is in the context.
	// Defaults are "X-Tenant-ID" and "tenant_id".
	TenantHeader string
	TenantQuery  string
	// TierOf maps a tenant id to its tier when the context does not carry one.
	TierOf func(tenantID string) string
	Logger *zap.Logger
}

type errorBody struct {
	Detail      string `json:"detail"`
	Code        string `json:"code"`
	BannedUntil string `json:"banned_until,omitempty"`
}

// Middleware runs every request through the admission gateway.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.TenantHeader == "" {
		opts.TenantHeader = "X-Tenant-ID"
	}
	if opts.TenantQuery == "" {
		opts.TenantQuery = "tenant_id"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		if opts.Gateway == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := opts.request(r)
			w.Header().Set(HeaderRequestID, req.RequestID)

			dec := opts.Gateway.Check(r.Context(), req)
			if dec.Bypassed {
				next.ServeHTTP(w, r)
				return
			}

			setRateHeaders(w.Header(), dec)
			if dec.Allowed {
				if opts.Outcomes == nil || dec.Route == "" {
					next.ServeHTTP(w, r)
					return
				}
				sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(sw, r)
				opts.Outcomes.Observe(context.WithoutCancel(r.Context()), dec.Route, sw.status)
				return
			}

			w.Header().Set("Retry-After", retryAfterSeconds(dec.RetryAfter))
			switch dec.Reason {
			case domain.ReasonBanned:
				writeJSON(w, http.StatusForbidden, errorBody{
					Detail:      "IP address banned due to repeated rate limit violations",
					Code:        string(domain.ReasonBanned),
					BannedUntil: dec.BannedUntil.UTC().Format(time.RFC3339),
				}, opts.Logger)
			case domain.ReasonStoreUnavailable:
				writeJSON(w, http.StatusServiceUnavailable, errorBody{
					Detail: "Rate limiting temporarily unavailable",
					Code:   string(domain.ReasonStoreUnavailable),
				}, opts.Logger)
			default:
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Detail: "Rate limit exceeded",
					Code:   string(domain.ReasonRateLimited),
				}, opts.Logger)
			}
		})
	}
}

func (o Options) request(r *http.Request) domain.Request {
	req := domain.Request{
		Path:      r.URL.Path,
		Method:    r.Method,
		ClientIP:  o.ClientIP.ClientIP(r),
		RequestID: strings.TrimSpace(r.Header.Get(HeaderRequestID)),
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if id, tier, ok := TenantFrom(r.Context()); ok {
		req.TenantID, req.TenantTier = id, tier
	} else if id := strings.TrimSpace(r.Header.Get(o.TenantHeader)); id != "" {
		req.TenantID = id
	} else {
		req.TenantID = strings.TrimSpace(r.URL.Query().Get(o.TenantQuery))
	}
	if req.TenantID != "" && req.TenantTier == "" && o.TierOf != nil {
		req.TenantTier = o.TierOf(req.TenantID)
	}
	return req
}

func setRateHeaders(h http.Header, dec domain.Decision) {
	h.Set(HeaderLimit, formatInt(dec.Limit))
	h.Set(HeaderRemaining, formatInt(dec.Remaining))
	if !dec.ResetAt.IsZero() {
		h.Set(HeaderReset, formatUnix(dec.ResetAt))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Debug("write error body", zap.Error(err))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status, w.wroteHeader = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

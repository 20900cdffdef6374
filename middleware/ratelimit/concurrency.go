package ratelimit

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"
)

type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration
	// Pool substitui o pool criado a partir de Max (ex: para expor em métricas).
	Pool   domain.SlotPool
	Logger *zap.Logger
}

// ConcurrencyMiddleware limita o número de requests em andamento.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 && opts.Pool == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	pool := opts.Pool
	if pool == nil {
		pool = infra.NewChanPool(opts.Max)
	}

	svc := application.ConcurrencyService{
		Pool:           pool,
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := svc.Acquire(r.Context())
			if !ok {
				opts.Logger.Info("concurrency limit reached",
					zap.String("path", r.URL.Path),
					zap.Int("in_flight", svc.InFlight()),
				)
				writeJSON(w, opts.RejectStatus, errorBody{
					Detail: "Too many concurrent requests",
					Code:   "CONCURRENCY_LIMIT",
				}, opts.Logger)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

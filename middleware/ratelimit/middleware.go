package ratelimit

import (
	"context"
	"net/http"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// Decider é o que o middleware precisa do application.Controller.
type Decider interface {
	Decide(ctx context.Context, req domain.Request) domain.Decision
}

type Options struct {
	Decider            Decider
	Stats              domain.StatsStore
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	RejectStatus       int
	// ExposeKey adiciona X-RateLimit-Key (útil para depurar a extração de chave).
	ExposeKey bool
	Logger    *zap.Logger
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		if opts.Decider == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			if opts.ExposeKey {
				w.Header().Set("X-RateLimit-Key", key)
			}

			dec := opts.Decider.Decide(r.Context(), domain.Request{
				Method:   r.Method,
				Path:     r.URL.Path,
				ClientID: domain.Key(key),
			})
			recordStats(r, opts, key, dec)

			if !dec.Allowed() {
				h := w.Header()
				h.Set("Retry-After", formatSeconds(dec.RetryAfter))
				h.Set("X-RateLimit-Reset", formatEpoch(dec.ResetAt))
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			if dec.Delay > 0 {
				w.Header().Set("X-SlowDown-Delay", formatMillis(dec.Delay))
				if !sleepCtx(r.Context(), dec.Delay) {
					opts.Logger.Debug("client gave up during slow-down",
						zap.String("key", key), zap.Duration("delay", dec.Delay))
					return
				}
			}

			hw := &headerWriter{ResponseWriter: w, dec: dec}
			next.ServeHTTP(hw, r)
			if !hw.wroteHeader {
				hw.WriteHeader(http.StatusOK)
			}
		})
	}
}

func recordStats(r *http.Request, opts Options, key string, dec domain.Decision) {
	if opts.Stats == nil {
		return
	}
	err := opts.Stats.Record(r.Context(), domain.StatsEvent{
		Key:      domain.Key(key),
		Class:    dec.Class,
		Outcome:  dec.Outcome,
		FailOpen: dec.FailOpen,
		Method:   r.Method,
		Path:     r.URL.Path,
		At:       time.Now(),
	})
	if err != nil {
		opts.Logger.Debug("failed to record rate limit stats", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// headerWriter injeta os headers X-RateLimit-* no momento em que o handler
// escreve o status, sobrescrevendo o que o upstream tenha mandado.
type headerWriter struct {
	http.ResponseWriter
	dec         domain.Decision
	wroteHeader bool
}

func (w *headerWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		h := w.ResponseWriter.Header()
		h.Set("X-RateLimit-Limit", formatInt(w.dec.Policy.Limit))
		h.Set("X-RateLimit-Remaining", formatInt(w.dec.Remaining))
		h.Set("X-RateLimit-Reset", formatEpoch(w.dec.ResetAt))
		h.Set("X-RateLimit-Window", formatSeconds(w.dec.Policy.Window))
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *headerWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *headerWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap permite que http.ResponseController alcance o writer original.
func (w *headerWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

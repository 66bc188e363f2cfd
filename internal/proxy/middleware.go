package proxy

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/metrics"
)

// requestInfo is filled in by the handlers and read back by withMetrics.
type requestInfo struct {
	kind     string
	decision string
}

type requestInfoKey struct{}

// infoFrom returns the request's info, or a throwaway one outside withMetrics.
func infoFrom(ctx context.Context) *requestInfo {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info
	}
	return &requestInfo{}
}

func withMetrics(m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{kind: metrics.KindHTTP, decision: metrics.DecisionAllowed}
		if r.Method == http.MethodConnect {
			info.kind = metrics.KindConnect
		}
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
		m.RecordRequest(info.kind, info.decision, time.Since(start))
	})
}

// withRecover keeps a panicking handler from taking the listener down.
func withRecover(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("panic in proxy handler",
					zap.Any("panic", v),
					zap.String("method", r.Method),
					zap.String("host", r.Host),
					zap.Stack("stack"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// idleTimer fires fn when Touch has not been called for d.
type idleTimer struct {
	t *time.Timer
	d time.Duration
}

func newIdleTimer(d time.Duration, fn func()) *idleTimer {
	if d <= 0 {
		return nil
	}
	return &idleTimer{t: time.AfterFunc(d, fn), d: d}
}

func (it *idleTimer) Touch() {
	if it != nil {
		it.t.Reset(it.d)
	}
}

func (it *idleTimer) Stop() {
	if it != nil {
		it.t.Stop()
	}
}

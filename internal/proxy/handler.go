package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
	"github.com/eliteGoblin/focusd/web_mon/internal/metrics"
)

// Hop-by-hop headers. These are removed when sent to the backend.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (s *Server) serveProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleHTTP(w, r)
}

// handleHTTP serves absolute-form (and origin-form with Host) requests.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	info := infoFrom(r.Context())

	host, port := requestTarget(r)
	if host == "" {
		info.decision = metrics.DecisionError
		s.logger.Debug("request without target host",
			zap.String("uri", r.RequestURI),
			zap.Error(ErrMalformedRequest))
		s.pages.Write(w, ErrorData(http.StatusBadRequest, "", "The request did not name a destination host."))
		return
	}
	if s.isSelf(host, port) {
		info.decision = metrics.DecisionError
		s.logger.Warn("refusing request addressed to the proxy itself", zap.String("host", r.Host))
		s.pages.Write(w, ErrorData(http.StatusLoopDetected, host, "The request was addressed to the proxy itself."))
		return
	}

	res := matcher.Match(host, s.rules.Load())
	if res.Blocked {
		info.decision = metrics.DecisionBlocked
		s.recordBlock(res, false)
		s.pages.Write(w, BlockData(res.Host, absoluteURL(r, "http"), category(res)))
		return
	}

	s.counters.RecordAllowed()
	s.forwardHTTP(w, r, res.Host)
}

// forwardHTTP relays r upstream and streams the response back, flushing as
// bytes arrive. The upstream request is cancelled after IdleTimeout of silence.
func (s *Server) forwardHTTP(w http.ResponseWriter, r *http.Request, host string) {
	info := infoFrom(r.Context())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	idle := newIdleTimer(s.config.IdleTimeout, cancel)
	defer idle.Stop()

	out := r.Clone(ctx)
	out.RequestURI = ""
	if out.URL.Scheme == "" {
		out.URL.Scheme = "http"
	}
	if out.URL.Host == "" {
		out.URL.Host = r.Host
	}
	out.Close = false
	removeHopHeaders(out.Header)

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		s.upstreamFailed(w, info, host, upstreamError(out.URL.Host, err))
		return
	}
	defer resp.Body.Close()
	idle.Touch()

	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := copyBody(w, resp.Body, idle); err != nil && ctx.Err() == nil {
		s.logger.Debug("response copy interrupted", zap.String("host", host), zap.Error(err))
	}
}

// upstreamFailed records an unreachable origin and answers with a 502 page.
func (s *Server) upstreamFailed(w http.ResponseWriter, info *requestInfo, host string, err error) {
	info.decision = metrics.DecisionError
	s.metrics.RecordUpstreamError()
	s.logger.Info("upstream unreachable", zap.String("host", host), zap.Error(err))
	s.pages.Write(w, ErrorData(http.StatusBadGateway, host, "The site could not be reached."))
}

// copyBody streams body to w, flushing after every chunk.
func copyBody(w http.ResponseWriter, body io.Reader, idle *idleTimer) error {
	rc := http.NewResponseController(w)
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			idle.Touch()
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (s *Server) recordBlock(res matcher.Result, isTLS bool) {
	var ruleID string
	if res.Rule != nil {
		ruleID = res.Rule.ID
	}
	cat := category(res)

	s.counters.RecordBlock(res.Host)
	s.metrics.RecordBlocked(cat)
	if s.audit != nil {
		s.audit.Record(domain.AuditEvent{
			Kind:      domain.AuditBlock,
			Domain:    res.Host,
			RuleID:    ruleID,
			Timestamp: time.Now(),
		})
	}
	s.logger.Debug("blocked",
		zap.String("host", res.Host),
		zap.String("rule", ruleID),
		zap.Bool("tls", isTLS))
}

func category(res matcher.Result) string {
	if res.Rule == nil {
		return ""
	}
	return res.Rule.Category
}

// requestTarget returns the host and port a proxied request is aimed at.
func requestTarget(r *http.Request) (string, int) {
	hostport := r.URL.Host
	if hostport == "" {
		hostport = r.Host
	}
	return splitHostPort(hostport, 80)
}

func splitHostPort(hostport string, defaultPort int) (string, int) {
	if hostport == "" {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]"), defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0
	}
	return host, port
}

func absoluteURL(r *http.Request, scheme string) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func removeHopHeaders(h http.Header) {
	// Headers named in Connection are hop-by-hop too.
	for _, f := range h.Values("Connection") {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

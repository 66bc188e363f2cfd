package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/web_mon/internal/domain"
	"github.com/eliteGoblin/focusd/web_mon/internal/matcher"
	"github.com/eliteGoblin/focusd/web_mon/internal/metrics"
)

var connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")

// maxDiscardBody bounds how much of a blocked request's body is drained
// before the block page is written.
const maxDiscardBody = 1 << 20

// handleConnect tunnels allowed hosts untouched and terminates TLS for
// blocked ones so the block page can be shown.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	info := infoFrom(r.Context())

	authority := r.Host
	if authority == "" {
		authority = r.URL.Host
	}
	host, port := splitHostPort(authority, 443)
	if host == "" {
		info.decision = metrics.DecisionError
		s.logger.Debug("CONNECT without target", zap.String("authority", authority), zap.Error(ErrMalformedRequest))
		s.pages.Write(w, ErrorData(http.StatusBadRequest, "", "The CONNECT request did not name a destination."))
		return
	}
	if s.isSelf(host, port) {
		info.decision = metrics.DecisionError
		s.logger.Warn("refusing CONNECT addressed to the proxy itself", zap.String("authority", authority))
		s.pages.Write(w, ErrorData(http.StatusLoopDetected, host, "The request was addressed to the proxy itself."))
		return
	}

	res := matcher.Match(host, s.rules.Load())
	if !res.Blocked {
		s.counters.RecordAllowed()
		s.tunnel(w, r, host, port)
		return
	}
	s.intercept(w, r, res, port)
}

// tunnel dials the origin and splices bytes in both directions.
func (s *Server) tunnel(w http.ResponseWriter, r *http.Request, host string, port int) {
	ctx := r.Context()
	info := infoFrom(ctx)
	target := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	upstream, err := s.dial(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		s.upstreamFailed(w, info, host, upstreamError(target, err))
		return
	}

	client, err := s.hijack(w)
	if err != nil {
		info.decision = metrics.DecisionError
		_ = upstream.Close()
		s.logger.Error("hijack failed", zap.String("target", target), zap.Error(err))
		return
	}

	if !s.track(client, s.connInfo(r, host, port, false)) {
		closeConns(client, upstream)
		return
	}
	defer s.untrack(client)

	if _, err := client.Write(connectEstablished); err != nil {
		closeConns(client, upstream)
		return
	}

	stats, err := Forward(ctx, client, upstream, s.config.IdleTimeout)
	s.logger.Debug("tunnel closed",
		zap.String("target", target),
		zap.Int64("up", stats.Up),
		zap.Int64("down", stats.Down),
		zap.Error(err))
}

// intercept answers a blocked CONNECT by terminating TLS with a leaf for the
// host and serving the block page to every request on the connection.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request, res matcher.Result, port int) {
	ctx := r.Context()
	info := infoFrom(ctx)

	// The leaf must exist before the client is told the tunnel is up.
	cert, err := s.certs.GetLeafCertificate(ctx, res.Host)
	if err != nil {
		s.metrics.RecordCertificateFailure()
		s.logger.Error("leaf certificate unavailable for blocked host",
			zap.String("host", res.Host),
			zap.String("policy", string(s.config.CertFailurePolicy)),
			zap.Error(err))
		if s.config.CertFailurePolicy == FailTunnel {
			s.tunnel(w, r, res.Host, port)
			return
		}
		info.decision = metrics.DecisionError
		s.pages.Write(w, ErrorData(http.StatusBadGateway, res.Host, "A secure connection to this blocked site could not be set up."))
		return
	}

	info.decision = metrics.DecisionBlocked
	s.recordBlock(res, true)

	client, err := s.hijack(w)
	if err != nil {
		s.logger.Error("hijack failed", zap.String("host", res.Host), zap.Error(err))
		return
	}
	defer client.Close()

	if !s.track(client, s.connInfo(r, res.Host, port, true)) {
		return
	}
	defer s.untrack(client)

	if _, err := client.Write(connectEstablished); err != nil {
		return
	}

	tlsConn := tls.Server(client, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	})
	hsCtx, cancel := context.WithTimeout(ctx, s.config.TLSHandshakeTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		// Usually a client that does not trust the root yet.
		s.metrics.RecordTLSHandshakeError()
		s.logger.Debug("client TLS handshake failed", zap.String("host", res.Host), zap.Error(err))
		return
	}

	s.serveBlocked(ctx, tlsConn, res)
}

// serveBlocked answers every request read from conn with the block page
// until the client closes, idles out or asks for Connection: close.
func (s *Server) serveBlocked(ctx context.Context, conn *tls.Conn, res matcher.Result) {
	br := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		if s.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(req.Body, maxDiscardBody))
		_ = req.Body.Close()

		closeConn := req.Close || ctx.Err() != nil
		url := "https://" + res.Host + req.URL.RequestURI()
		if s.config.IdleTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.IdleTimeout))
		}
		if _, err := conn.Write(s.pages.Response(BlockData(res.Host, url, category(res)), closeConn)); err != nil {
			return
		}
		if closeConn {
			return
		}
	}
}

// hijack takes over the client connection. Bytes net/http already buffered
// stay readable through the returned conn.
func (s *Server) hijack(w http.ResponseWriter) (net.Conn, error) {
	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return nil, err
	}
	// The server's read/write deadlines no longer apply.
	_ = conn.SetDeadline(time.Time{})
	return newBufferedConn(conn, brw.Reader), nil
}

func (s *Server) connInfo(r *http.Request, host string, port int, isTLS bool) domain.InterceptedConnection {
	return domain.InterceptedConnection{
		ClientAddr:    r.RemoteAddr,
		RequestedHost: host,
		Port:          strconv.Itoa(port),
		IsTLS:         isTLS,
		StartedAt:     time.Now(),
	}
}

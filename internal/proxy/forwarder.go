package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrIdleTimeout means neither side of a tunnel moved data within the idle window.
var ErrIdleTimeout = errors.New("tunnel idle timeout")

// bufferPool holds 32KB copy buffers for the tunnel hot path.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// ForwardStats is the byte count moved in each direction.
type ForwardStats struct {
	Up   int64 // client -> upstream
	Down int64 // upstream -> client
}

// Forward pumps bytes between client and upstream until both directions
// finish, either side fails, the tunnel idles for longer than idle, or ctx is
// cancelled. Both connections are closed exactly once before it returns.
func Forward(ctx context.Context, client, upstream net.Conn, idle time.Duration) (ForwardStats, error) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() { closeConns(client, upstream) })
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer func() {
		stop()
		closeBoth()
	}()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	type result struct {
		n   int64
		err error
	}
	upCh := make(chan result, 1)
	downCh := make(chan result, 1)

	go func() {
		n, err := pump(upstream, client, idle, &lastActivity)
		upCh <- result{n, err}
	}()
	go func() {
		n, err := pump(client, upstream, idle, &lastActivity)
		downCh <- result{n, err}
	}()

	var stats ForwardStats
	var firstErr error
	for i := 0; i < 2; i++ {
		select {
		case r := <-upCh:
			stats.Up = r.n
			if r.err != nil {
				firstErr = firstOf(firstErr, r.err)
				closeBoth()
			} else {
				closeWrite(upstream)
			}
		case r := <-downCh:
			stats.Down = r.n
			if r.err != nil {
				firstErr = firstOf(firstErr, r.err)
				closeBoth()
			} else {
				closeWrite(client)
			}
		}
	}

	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	return stats, firstErr
}

// pump copies src to dst. A read deadline expiring is only an idle timeout
// when the other direction has not moved data either.
func pump(dst, src net.Conn, idle time.Duration, lastActivity *atomic.Int64) (int64, error) {
	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	var n int64
	for {
		if idle > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idle))
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			lastActivity.Store(time.Now().UnixNano())
			if idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(idle))
			}
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, benign(werr)
			}
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			return n, nil
		}
		var ne net.Error
		if errors.As(rerr, &ne) && ne.Timeout() && idle > 0 {
			if time.Since(time.Unix(0, lastActivity.Load())) < idle {
				continue
			}
			return n, ErrIdleTimeout
		}
		return n, benign(rerr)
	}
}

// benign drops the errors that only mean the peer went away.
func benign(err error) error {
	switch {
	case err == nil,
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return nil
	}
	return err
}

func firstOf(current, next error) error {
	if current != nil {
		return current
	}
	return next
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// closeConns closes every non-nil closer, ignoring errors.
func closeConns(closers ...io.Closer) {
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}

// bufferedConn replays bytes net/http had already buffered before the
// connection was hijacked.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func newBufferedConn(c net.Conn, r *bufio.Reader) net.Conn {
	if r == nil || r.Buffered() == 0 {
		return c
	}
	return &bufferedConn{Conn: c, r: r}
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *bufferedConn) CloseWrite() error {
	if cw, ok := b.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

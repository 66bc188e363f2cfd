package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() {
		_ = dialed.Close()
		_ = server.Close()
	})
	return dialed, server
}

func TestForward_CopiesBothWaysWithHalfClose(t *testing.T) {
	browser, clientSide := tcpPair(t)
	upstreamSide, origin := tcpPair(t)

	type outcome struct {
		stats ForwardStats
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		stats, err := Forward(context.Background(), clientSide, upstreamSide, time.Second)
		done <- outcome{stats, err}
	}()

	// Origin echoes upper-cased input after the request side half-closes.
	go func() {
		data, _ := io.ReadAll(origin)
		_, _ = origin.Write([]byte(strings.ToUpper(string(data))))
		_ = origin.(*net.TCPConn).CloseWrite()
	}()

	_, err := browser.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, browser.(*net.TCPConn).CloseWrite())

	reply, err := io.ReadAll(browser)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(reply))

	select {
	case out := <-done:
		assert.NoError(t, out.err)
		assert.Equal(t, int64(5), out.stats.Up)
		assert.Equal(t, int64(5), out.stats.Down)
	case <-time.After(3 * time.Second):
		t.Fatal("Forward did not return")
	}
}

func TestForward_IdleTimeout(t *testing.T) {
	_, clientSide := tcpPair(t)
	upstreamSide, _ := tcpPair(t)

	start := time.Now()
	_, err := Forward(context.Background(), clientSide, upstreamSide, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForward_ActivityOnOneSideKeepsTunnelOpen(t *testing.T) {
	browser, clientSide := tcpPair(t)
	upstreamSide, origin := tcpPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := Forward(context.Background(), clientSide, upstreamSide, 150*time.Millisecond)
		done <- err
	}()

	// Only the origin talks; the silent client direction must not time out.
	go func() {
		for i := 0; i < 6; i++ {
			if _, err := origin.Write([]byte("x")); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		_ = origin.Close()
	}()

	got, _ := io.ReadAll(bufio.NewReader(browser))
	assert.Equal(t, "xxxxxx", string(got))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Forward did not return")
	}
}

func TestForward_ContextCancelClosesConnections(t *testing.T) {
	browser, clientSide := tcpPair(t)
	upstreamSide, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Forward(ctx, clientSide, upstreamSide, 0)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Forward ignored cancellation")
	}

	_ = browser.SetReadDeadline(time.Now().Add(time.Second))
	_, err := browser.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestBufferedConn_ReplaysBufferedBytes(t *testing.T) {
	a, b := tcpPair(t)
	_, err := a.Write([]byte("buffered-and-more"))
	require.NoError(t, err)

	br := bufio.NewReader(b)
	_, err = br.Peek(8)
	require.NoError(t, err)

	c := newBufferedConn(b, br)
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	got := make([]byte, len("buffered-and-more"))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "buffered-and-more", string(got))

	plain := newBufferedConn(b, bufio.NewReader(b))
	assert.Same(t, b, plain, "nothing buffered returns the raw conn")
}

package taonet

import (
	"context"
	"io"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordHandler struct {
	connected chan *Session
	errs      chan error
	timeouts  chan struct{}
}

func newRecordHandler() *recordHandler {
	return &recordHandler{
		connected: make(chan *Session, 4),
		errs:      make(chan error, 4),
		timeouts:  make(chan struct{}, 4),
	}
}

func (h *recordHandler) OnConnect(s *Session) { h.connected <- s }
func (h *recordHandler) OnError(err error)    { h.errs <- err }
func (h *recordHandler) OnTimeout()           { h.timeouts <- struct{}{} }

func (h *recordHandler) fired() int {
	return len(h.connected) + len(h.errs) + len(h.timeouts)
}

// stallingResolver never answers until its context ends.
func stallingResolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, _, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

func failingResolver() *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: "udp", Err: ErrConnClosed}
		},
	}
}

func newTestConnector(t *testing.T, srv *Server) (*Connector, *recordHandler) {
	t.Helper()
	c := NewConnector(srv)
	h := newRecordHandler()
	c.SetEventHandler(h)
	return c, h
}

func listenTest(t *testing.T, srv *Server, opts ...AcceptorOption) (*Acceptor, int) {
	t.Helper()
	a := NewAcceptor(srv, "127.0.0.1:0", opts...)
	require.NoError(t, a.Listen())
	go a.Serve()
	t.Cleanup(func() { a.Close() })
	return a, a.Addr().(*net.TCPAddr).Port
}

func TestConnectorTimeoutFiresOnce(t *testing.T) {
	mock := clock.NewMock()
	srv := newTestServer(t, ClockOption(mock))
	c, h := newTestConnector(t, srv)
	c.SetResolver(stallingResolver())

	require.True(t, c.Connect(NewSession(srv), "stalls.example.test", 80, time.Second))
	assert.True(t, c.Busy())

	mock.Add(2 * time.Second)
	select {
	case <-h.timeouts:
	case <-time.After(waitTimeout):
		t.Fatal("OnTimeout not called")
	}
	assert.Equal(t, ConnectorTimedOut, c.State())
	assert.False(t, c.Busy())

	// the canceled lookup fails afterwards, that outcome is discarded
	assert.Never(t, func() bool { return h.fired() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestConnectorDeadlineSpansResolveAndDial(t *testing.T) {
	mock := clock.NewMock()
	srv := newTestServer(t, ClockOption(mock))
	c, h := newTestConnector(t, srv)

	resolved := make(chan struct{})
	c.lookup = func(ctx context.Context, _ *net.Resolver, _ string) ([]net.IPAddr, error) {
		select {
		case <-resolved:
			return []net.IPAddr{{IP: net.IPv4(127, 0, 0, 1)}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	dialing := make(chan struct{})
	c.dial = func(ctx context.Context, _ *net.Dialer, _ string) (net.Conn, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	require.True(t, c.Connect(NewSession(srv), "slow.example.test", 80, time.Second))
	mock.Add(600 * time.Millisecond)
	assert.Never(t, func() bool { return h.fired() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, ConnectorResolving, c.State())

	close(resolved)
	select {
	case <-dialing:
	case <-time.After(waitTimeout):
		t.Fatal("dial not started")
	}
	assert.Equal(t, ConnectorConnecting, c.State())

	// 1.2s in total, past the deadline although each phase took 600ms
	mock.Add(600 * time.Millisecond)
	select {
	case <-h.timeouts:
	case <-time.After(waitTimeout):
		t.Fatal("OnTimeout not called")
	}
	assert.Equal(t, ConnectorTimedOut, c.State())
	assert.False(t, c.Busy())
	assert.Never(t, func() bool { return h.fired() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestConnectorDiscardsLateConnection(t *testing.T) {
	mock := clock.NewMock()
	srv := newTestServer(t, ClockOption(mock))
	c, h := newTestConnector(t, srv)

	local, remote := net.Pipe()
	defer remote.Close()
	c.lookup = func(context.Context, *net.Resolver, string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.IPv4(127, 0, 0, 1)}}, nil
	}
	dialing := make(chan struct{})
	release := make(chan struct{})
	c.dial = func(context.Context, *net.Dialer, string) (net.Conn, error) {
		close(dialing)
		<-release
		return local, nil
	}

	sess := NewSession(srv)
	require.True(t, c.Connect(sess, "127.0.0.1", 80, time.Second))
	select {
	case <-dialing:
	case <-time.After(waitTimeout):
		t.Fatal("dial not started")
	}

	mock.Add(time.Second)
	select {
	case <-h.timeouts:
	case <-time.After(waitTimeout):
		t.Fatal("OnTimeout not called")
	}
	close(release)

	remote.SetReadDeadline(time.Now().Add(waitTimeout))
	_, err := remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Never(t, func() bool { return h.fired() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, ConnectorTimedOut, c.State())
	assert.Equal(t, StateConnecting, sess.State())
	assert.Nil(t, sess.RemoteAddr())
	assert.Zero(t, srv.Registry().Len())
}

func TestConnectorTinyTimeout(t *testing.T) {
	srv := newTestServer(t)
	c, h := newTestConnector(t, srv)
	c.SetResolver(stallingResolver())

	for i := 0; i < 20; i++ {
		require.Eventually(t, func() bool { return !c.Busy() }, waitTimeout, time.Millisecond)
		require.True(t, c.Connect(NewSession(srv), "stalls.example.test", 80, time.Nanosecond))
		select {
		case <-h.timeouts:
		case <-time.After(waitTimeout):
			t.Fatal("OnTimeout not called")
		}
	}
	assert.Never(t, func() bool { return h.fired() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestConnectorBusy(t *testing.T) {
	srv := newTestServer(t)
	c, h := newTestConnector(t, srv)
	c.SetResolver(stallingResolver())

	require.True(t, c.Connect(NewSession(srv), "stalls.example.test", 80, 0))
	assert.False(t, c.Connect(NewSession(srv), "stalls.example.test", 80, 0))
	assert.Equal(t, ConnectorResolving, c.State())

	c.Cancel()
	select {
	case <-h.timeouts:
	case <-time.After(waitTimeout):
		t.Fatal("OnTimeout not called")
	}
	assert.Equal(t, ConnectorCanceled, c.State())

	c.Cancel()
	assert.Never(t, func() bool { return h.fired() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestConnectorResolveError(t *testing.T) {
	srv := newTestServer(t)
	c, h := newTestConnector(t, srv)
	c.SetResolver(failingResolver())

	require.True(t, c.Connect(NewSession(srv), "nowhere.example.test", 80, waitTimeout))
	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrResolve)
	case <-time.After(waitTimeout):
		t.Fatal("OnError not called")
	}
	assert.Equal(t, ConnectorFailed, c.State())
	assert.Zero(t, h.fired())
}

func TestConnectorConnectError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	srv := newTestServer(t)
	c, h := newTestConnector(t, srv)
	require.True(t, c.Connect(NewSession(srv), "127.0.0.1", port, waitTimeout))
	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrConnect)
	case <-time.After(waitTimeout):
		t.Fatal("OnError not called")
	}
	assert.Equal(t, ConnectorFailed, c.State())
	assert.False(t, c.Busy())
}

func TestConnectorConnect(t *testing.T) {
	received := make(chan []byte, 1)
	remote := newTestServer(t, OnMessageOption(func(msg []byte, _ *Session) { received <- msg }))
	_, port := listenTest(t, remote)

	srv := newTestServer(t)
	c, h := newTestConnector(t, srv)
	sess := NewSession(srv)
	require.True(t, c.Connect(sess, "127.0.0.1", port, waitTimeout, LocalAddr("127.0.0.1", 0)))

	select {
	case got := <-h.connected:
		assert.Same(t, sess, got)
	case <-time.After(waitTimeout):
		t.Fatal("OnConnect not called")
	}
	assert.Equal(t, ConnectorConnected, c.State())
	assert.Equal(t, StateConnected, sess.State())
	assert.GreaterOrEqual(t, sess.ID(), int64(0))
	assert.True(t, sess.LocalAddr().(*net.TCPAddr).IP.IsLoopback())
	got, ok := srv.Registry().Get(sess.ID())
	require.True(t, ok)
	assert.Same(t, sess, got)

	require.NoError(t, sess.Write([]byte("hello")))
	select {
	case msg := <-received:
		assert.Equal(t, []byte("hello"), msg)
	case <-time.After(waitTimeout):
		t.Fatal("message not received")
	}

	// completed attempts ignore Cancel
	c.Cancel()
	assert.Never(t, func() bool { return h.fired() > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, ConnectorConnected, c.State())

	// a session with a transport cannot be connected again
	assert.False(t, c.Connect(sess, "127.0.0.1", port, waitTimeout))
}

func TestConnectorRegistryFull(t *testing.T) {
	remote := newTestServer(t)
	_, port := listenTest(t, remote)

	srv := newTestServer(t, CapacityOption(1))
	occupant := NewSession(srv)
	_, err := srv.Registry().Allocate(occupant)
	require.NoError(t, err)

	c, h := newTestConnector(t, srv)
	sess := NewSession(srv)
	require.True(t, c.Connect(sess, "127.0.0.1", port, waitTimeout))
	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrFull)
	case <-time.After(waitTimeout):
		t.Fatal("OnError not called")
	}
	assert.Equal(t, ConnectorFailed, c.State())
	waitDone(t, sess)
	runtime.KeepAlive(occupant)
}

func TestConnectorStateString(t *testing.T) {
	assert.Equal(t, "timed out", ConnectorTimedOut.String())
	assert.Equal(t, "canceled", ConnectorCanceled.String())
	assert.Equal(t, "unknown", ConnectorState(99).String())
}

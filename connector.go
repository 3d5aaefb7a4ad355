package taonet

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// ConnectorState is the state of a Connector's current attempt.
type ConnectorState int32

// Connector states.
const (
	ConnectorIdle ConnectorState = iota
	ConnectorResolving
	ConnectorConnecting
	ConnectorConnected
	ConnectorFailed
	ConnectorTimedOut
	ConnectorCanceled
)

func (st ConnectorState) String() string {
	switch st {
	case ConnectorIdle:
		return "idle"
	case ConnectorResolving:
		return "resolving"
	case ConnectorConnecting:
		return "connecting"
	case ConnectorConnected:
		return "connected"
	case ConnectorFailed:
		return "failed"
	case ConnectorTimedOut:
		return "timed out"
	case ConnectorCanceled:
		return "canceled"
	}
	return "unknown"
}

// EventHandler receives the outcome of a connect attempt. Exactly one of its
// methods is called per attempt, on a go-routine owned by the Connector.
type EventHandler interface {
	OnConnect(*Session)
	OnError(error)
	OnTimeout()
}

type nopHandler struct{}

func (nopHandler) OnConnect(*Session) {}
func (nopHandler) OnError(error)      {}
func (nopHandler) OnTimeout()         {}

type dialOptions struct {
	localIP   string
	localPort int
}

// DialOption sets options of one connect attempt.
type DialOption func(*dialOptions)

// LocalAddr returns a DialOption that binds the local end of the connection.
func LocalAddr(ip string, port int) DialOption {
	return func(o *dialOptions) {
		o.localIP = ip
		o.localPort = port
	}
}

// attempt is the state of one Connect call. done flips exactly once, whoever
// flips it (completion, deadline or Cancel) owns the terminal callback.
type attempt struct {
	done   *AtomicBoolean
	cancel context.CancelFunc
	timer  atomic.Pointer[clock.Timer]
}

func (at *attempt) claim() bool {
	if !at.done.CompareAndSet(false, true) {
		return false
	}
	if t := at.timer.Load(); t != nil {
		t.Stop()
	}
	return true
}

// Connector establishes outbound TCP connections, one attempt at a time.
// Resolution and dialing share a single deadline.
type Connector struct {
	belong *Server
	clock  clock.Clock
	state  *AtomicInt32
	busy   *AtomicBoolean

	mu       sync.Mutex // guards following
	handler  EventHandler
	resolver *net.Resolver
	current  *attempt

	lookup func(ctx context.Context, r *net.Resolver, host string) ([]net.IPAddr, error)
	dial   func(ctx context.Context, d *net.Dialer, address string) (net.Conn, error)
}

// NewConnector returns an idle connector. Connected sessions join s.
func NewConnector(s *Server) *Connector {
	return &Connector{
		belong:   s,
		clock:    s.opts.clock,
		state:    NewAtomicInt32(int32(ConnectorIdle)),
		busy:     NewAtomicBoolean(false),
		handler:  nopHandler{},
		resolver: net.DefaultResolver,
		lookup: func(ctx context.Context, r *net.Resolver, host string) ([]net.IPAddr, error) {
			return r.LookupIPAddr(ctx, host)
		},
		dial: func(ctx context.Context, d *net.Dialer, address string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", address)
		},
	}
}

// SetEventHandler sets the sole receiver of attempt outcomes.
func (c *Connector) SetEventHandler(h EventHandler) {
	if h == nil {
		h = nopHandler{}
	}
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetResolver replaces the resolver used for host names.
func (c *Connector) SetResolver(r *net.Resolver) {
	c.mu.Lock()
	c.resolver = r
	c.mu.Unlock()
}

// State returns the connector state.
func (c *Connector) State() ConnectorState {
	return ConnectorState(c.state.Get())
}

// Busy reports whether an attempt is in flight.
func (c *Connector) Busy() bool {
	return c.busy.Get()
}

// Connect starts connecting sess to host:port and returns at once. It returns
// false without touching any state while another attempt is in flight, or if
// sess already has a transport. A timeout <= 0 means no deadline.
func (c *Connector) Connect(sess *Session, host string, port int, timeout time.Duration, opts ...DialOption) bool {
	if sess == nil || sess.State() != StateConnecting || sess.RemoteAddr() != nil {
		glog.Errorf("connector: session not connectable")
		return false
	}
	if !c.busy.CompareAndSet(false, true) {
		glog.Warningf("connector: %v, %s:%d not attempted", ErrBusy, host, port)
		return false
	}

	var dopts dialOptions
	for _, o := range opts {
		o(&dopts)
	}

	ctx, cancel := context.WithCancel(c.belong.ctx)
	at := &attempt{
		done:   NewAtomicBoolean(false),
		cancel: cancel,
	}

	c.mu.Lock()
	c.current = at
	resolver := c.resolver
	c.state.Set(int32(ConnectorResolving))
	if timeout > 0 {
		at.timer.Store(c.clock.AfterFunc(timeout, func() {
			c.expire(at, ConnectorTimedOut)
		}))
	}
	c.mu.Unlock()

	go c.run(ctx, at, resolver, sess, host, port, dopts)
	return true
}

// Cancel aborts the attempt in flight, firing OnTimeout. After completion it
// does nothing.
func (c *Connector) Cancel() {
	c.mu.Lock()
	at := c.current
	c.mu.Unlock()
	if at != nil {
		c.expire(at, ConnectorCanceled)
	}
}

func (c *Connector) run(ctx context.Context, at *attempt, resolver *net.Resolver, sess *Session, host string, port int, dopts dialOptions) {
	addrs, err := c.lookup(ctx, resolver, host)
	if err == nil && len(addrs) == 0 {
		err = errors.Errorf("no address for %s", host)
	}
	if err != nil {
		c.fail(at, errors.Wrapf(ErrResolve, "%s: %v", host, err))
		return
	}
	c.advance(at, ConnectorResolving, ConnectorConnecting)

	dialer := net.Dialer{}
	if dopts.localIP != "" || dopts.localPort != 0 {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(dopts.localIP), Port: dopts.localPort}
	}
	var conn net.Conn
	for _, a := range addrs {
		conn, err = c.dial(ctx, &dialer, net.JoinHostPort(a.IP.String(), strconv.Itoa(port)))
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		c.fail(at, errors.Wrapf(ErrConnect, "%s:%d: %v", host, port, err))
		return
	}

	if !at.claim() {
		glog.V(1).Infof("connector: late connection to %s discarded", conn.RemoteAddr())
		conn.Close()
		return
	}
	if err = sess.attach(conn); err != nil {
		conn.Close()
		c.settle(at, ConnectorFailed).OnError(err)
		return
	}
	if err = c.belong.adopt(sess); err != nil {
		sess.Close()
		c.settle(at, ConnectorFailed).OnError(errors.Wrapf(err, "connector: %s", conn.RemoteAddr()))
		return
	}
	glog.Infof("connector: session %d connected to %s", sess.ID(), conn.RemoteAddr())
	c.settle(at, ConnectorConnected).OnConnect(sess)
}

func (c *Connector) fail(at *attempt, err error) {
	if !at.claim() {
		return
	}
	glog.Errorf("connector: %v", err)
	c.settle(at, ConnectorFailed).OnError(err)
}

func (c *Connector) expire(at *attempt, st ConnectorState) {
	if !at.claim() {
		return
	}
	if st == ConnectorTimedOut {
		addTotalTimeouts()
		glog.Warningf("connector: %v", ErrTimeout)
	} else {
		glog.Infof("connector: %v", ErrCanceled)
	}
	c.settle(at, st).OnTimeout()
}

// advance moves the state forward while at is still the live attempt.
func (c *Connector) advance(at *attempt, from, to ConnectorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == at && !at.done.Get() {
		c.state.CompareAndSet(int32(from), int32(to))
	}
}

// settle records the terminal state of at, frees the connector for the next
// attempt and returns the handler to notify.
func (c *Connector) settle(at *attempt, st ConnectorState) EventHandler {
	at.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == at {
		c.state.Set(int32(st))
		c.current = nil
		c.busy.Set(false)
	}
	return c.handler
}

package taonet

import (
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

type acceptorOptions struct {
	backlog  int
	limiter  *rate.Limiter
	maxConns int
}

// AcceptorOption sets acceptor options.
type AcceptorOption func(*acceptorOptions)

// Backlog returns an AcceptorOption that sets the listen backlog, by default
// the platform maximum.
func Backlog(n int) AcceptorOption {
	return func(o *acceptorOptions) {
		o.backlog = n
	}
}

// AcceptRate returns an AcceptorOption that limits how fast connections are
// accepted.
func AcceptRate(limit rate.Limit, burst int) AcceptorOption {
	return func(o *acceptorOptions) {
		o.limiter = rate.NewLimiter(limit, burst)
	}
}

// MaxConns returns an AcceptorOption that bounds the number of simultaneously
// open accepted connections, further ones wait in the backlog.
func MaxConns(n int) AcceptorOption {
	return func(o *acceptorOptions) {
		o.maxConns = n
	}
}

// Acceptor listens on a local TCP endpoint and turns every accepted
// connection into a registered, started Session.
type Acceptor struct {
	belong    *Server
	addr      string
	opts      acceptorOptions
	accepting *AtomicBoolean

	mu  sync.Mutex // guards following
	lis net.Listener
}

// NewAcceptor returns an acceptor for addr which is not listening yet.
func NewAcceptor(s *Server, addr string, opt ...AcceptorOption) *Acceptor {
	var opts acceptorOptions
	for _, o := range opt {
		o(&opts)
	}
	if opts.backlog <= 0 {
		opts.backlog = maxBacklog()
	}
	return &Acceptor{
		belong:    s,
		addr:      addr,
		opts:      opts,
		accepting: NewAtomicBoolean(false),
	}
}

// Listen binds and listens. Failing here is fatal for the acceptor.
func (a *Acceptor) Listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lis != nil {
		return errors.Wrap(ErrParameter, "already listening")
	}
	l, err := listenTCP(a.addr, a.opts.backlog)
	if err != nil {
		return errors.Wrapf(err, "listen %s", a.addr)
	}
	if a.opts.maxConns > 0 {
		l = netutil.LimitListener(l, a.opts.maxConns)
	}
	if !a.belong.track(a) {
		l.Close()
		return ErrServerClosed
	}
	a.lis = l
	glog.Infof("acceptor listen on %s, backlog %d", l.Addr(), a.opts.backlog)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lis == nil {
		return nil
	}
	return a.lis.Addr()
}

// Accepting reports whether the accept loop runs.
func (a *Acceptor) Accepting() bool {
	return a.accepting.Get()
}

// Close stops listening, sessions already accepted stay alive.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	l := a.lis
	a.mu.Unlock()
	if l == nil {
		return nil
	}
	a.belong.untrack(a)
	return l.Close()
}

// Serve accepts connections until the acceptor or its server is closed.
// Resource exhaustion and temporary errors are logged and retried after a
// backoff, they never end the loop. Serve returns nil once closed.
func (a *Acceptor) Serve() error {
	a.mu.Lock()
	l := a.lis
	a.mu.Unlock()
	if l == nil {
		return errors.Wrap(ErrParameter, "acceptor not listening")
	}
	if !a.accepting.CompareAndSet(false, true) {
		return errors.Wrap(ErrBusy, "acceptor already serving")
	}
	defer a.accepting.Set(false)

	ctx := a.belong.ctx
	var tempDelay time.Duration
	for {
		if a.opts.limiter != nil {
			if err := a.opts.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		rawConn, err := l.Accept()
		if err != nil {
			if isClosedError(err) || ctx.Err() != nil {
				glog.Infof("acceptor %s stopped", l.Addr())
				return nil
			}
			if !isRetryable(err) {
				return errors.Wrap(err, "accept")
			}
			addTotalAcceptErrors()
			if tempDelay == 0 {
				tempDelay = minAcceptDelay
			} else {
				tempDelay *= 2
			}
			if tempDelay > maxAcceptDelay {
				tempDelay = maxAcceptDelay
			}
			glog.Errorf("accept error %v, retrying in %v", errors.Wrap(ErrResourceExhausted, err.Error()), tempDelay)
			select {
			case <-a.belong.opts.clock.After(tempDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		tempDelay = 0
		addTotalAccepted()

		sess := newSession(a.belong, rawConn, true)
		if err := a.belong.adopt(sess); err != nil {
			glog.Warningf("refuse %s: %v", rawConn.RemoteAddr(), err)
			sess.Close()
			continue
		}
		glog.V(1).Infof("accepted client %s, id %d, total %d", rawConn.RemoteAddr(), sess.ID(), a.belong.registry.Len())
	}
}

// isRetryable reports whether an accept error is transient: descriptor or
// memory exhaustion, or a temporary network error.
func isRetryable(err error) bool {
	if isResourceExhausted(err) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout() || isTemporary(ne)
	}
	return false
}

func isTemporary(err error) bool {
	t, ok := err.(interface{ Temporary() bool })
	return ok && t.Temporary()
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

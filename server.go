package taonet

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type options struct {
	codec       func() Codec
	onConnect   onConnectFunc
	onMessage   onMessageFunc
	onClose     onCloseFunc
	onError     onErrorFunc
	capacity    int
	workers     int
	bufferSize  int
	sendQueue   int
	idleTimeout time.Duration
	clock       clock.Clock
}

// ServerOption sets server options.
type ServerOption func(*options)

// CustomCodecOption returns a ServerOption that will apply a custom Codec,
// the factory is called once per session.
func CustomCodecOption(factory func() Codec) ServerOption {
	return func(o *options) {
		o.codec = factory
	}
}

// CapacityOption returns a ServerOption that sets the maximum number of live
// sessions, the size of the id table.
func CapacityOption(n int) ServerOption {
	return func(o *options) {
		o.capacity = n
	}
}

// WorkersOption returns a ServerOption that sets the number of message
// handling go-routines.
func WorkersOption(n int) ServerOption {
	return func(o *options) {
		o.workers = n
	}
}

// BufferSizeOption returns a ServerOption that sets the read buffer size and
// the send queue length of every session.
func BufferSizeOption(readSize, sendQueue int) ServerOption {
	return func(o *options) {
		o.bufferSize = readSize
		o.sendQueue = sendQueue
	}
}

// IdleTimeoutOption returns a ServerOption that closes sessions receiving
// nothing for d. Zero disables it.
func IdleTimeoutOption(d time.Duration) ServerOption {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// ClockOption returns a ServerOption that sets the clock for idle checks and
// connect deadlines.
func ClockOption(c clock.Clock) ServerOption {
	return func(o *options) {
		o.clock = c
	}
}

// OnConnectOption returns a ServerOption that will set callback to call when
// a session starts, returning false closes it.
func OnConnectOption(cb func(*Session) bool) ServerOption {
	return func(o *options) {
		o.onConnect = cb
	}
}

// OnMessageOption returns a ServerOption that will set callback to call when
// a message arrives. It runs on the worker pool, in order per session.
func OnMessageOption(cb func([]byte, *Session)) ServerOption {
	return func(o *options) {
		o.onMessage = cb
	}
}

// OnCloseOption returns a ServerOption that will set callback to call when a
// session is closed.
func OnCloseOption(cb func(*Session)) ServerOption {
	return func(o *options) {
		o.onClose = cb
	}
}

// OnErrorOption returns a ServerOption that will set callback to call when a
// session hits a protocol error, right before it is closed.
func OnErrorOption(cb func(*Session, error)) ServerOption {
	return func(o *options) {
		o.onError = cb
	}
}

// Server hosts sessions accepted by its Acceptors and DatagramServers or
// established by its Connectors. It owns the registry and the worker pool.
type Server struct {
	opts    options
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	closed  *AtomicBoolean
	workers *WorkerPool

	registry *Registry

	// guards following
	mu        sync.Mutex
	endpoints map[io.Closer]bool
}

// NewServer returns a new server which has not started to serve requests yet.
func NewServer(opt ...ServerOption) *Server {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if opts.codec == nil {
		opts.codec = func() Codec { return NewFrameCodec() }
	}
	if opts.capacity <= 0 {
		opts.capacity = DefaultCapacity
	}
	if opts.bufferSize <= 0 {
		opts.bufferSize = BufferSize1024 * 4
	}
	if opts.sendQueue <= 0 {
		opts.sendQueue = BufferSize1024
	}
	if opts.clock == nil {
		opts.clock = clock.New()
	}

	s := &Server{
		opts:      opts,
		wg:        &sync.WaitGroup{},
		closed:    NewAtomicBoolean(false),
		workers:   newWorkerPool(opts.workers),
		registry:  NewRegistry(opts.capacity),
		endpoints: make(map[io.Closer]bool),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if opts.idleTimeout > 0 {
		s.wg.Add(1)
		go s.idleLoop()
	}
	return s
}

// Registry returns the registry of live sessions.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Broadcast writes msg to every live session.
func (s *Server) Broadcast(msg []byte) int {
	return s.registry.Broadcast(msg)
}

// Unicast writes msg to the session registered under id.
func (s *Server) Unicast(id int64, msg []byte) error {
	sess, ok := s.registry.Get(id)
	if !ok {
		return ErrNotFound
	}
	return sess.Write(msg)
}

// ListenAndServe listens on the TCP address addr and serves until closed.
func (s *Server) ListenAndServe(addr string, opts ...AcceptorOption) error {
	a := NewAcceptor(s, addr, opts...)
	if err := a.Listen(); err != nil {
		return err
	}
	return a.Serve()
}

// adopt assigns s an id and starts it.
func (s *Server) adopt(sess *Session) error {
	if s.closed.Get() {
		return ErrServerClosed
	}
	if _, err := s.registry.Allocate(sess); err != nil {
		return err
	}
	sess.Start()
	return nil
}

// adoptID starts sess under id, or under the next free id when id is taken.
func (s *Server) adoptID(sess *Session, id int64) error {
	if s.closed.Get() {
		return ErrServerClosed
	}
	err := s.registry.Register(sess, id)
	if errors.Is(err, ErrDuplicate) {
		_, err = s.registry.Allocate(sess)
	}
	if err != nil {
		return err
	}
	sess.Start()
	return nil
}

func (s *Server) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Get() {
		return false
	}
	s.endpoints[c] = true
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.endpoints, c)
	s.mu.Unlock()
}

// Close gracefully closes the server: endpoints stop, every session is
// closed, then Close waits for all go-routines to finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSet(false, true) {
		return nil
	}

	s.mu.Lock()
	endpoints := make([]io.Closer, 0, len(s.endpoints))
	for c := range s.endpoints {
		endpoints = append(endpoints, c)
	}
	s.endpoints = make(map[io.Closer]bool)
	s.mu.Unlock()

	var err error
	for _, c := range endpoints {
		err = multierr.Append(err, c.Close())
	}

	for _, h := range s.registry.Sessions() {
		if sess := h.Get(); sess != nil {
			sess.Close()
		}
	}
	s.cancel()
	s.wg.Wait()
	s.workers.Close()
	glog.Infoln("server closed")
	return err
}

// idleLoop periodically checks the heart beat of every session and closes the
// ones silent for longer than the idle timeout.
func (s *Server) idleLoop() {
	defer s.wg.Done()

	interval := s.opts.idleTimeout / 2
	if interval <= 0 {
		interval = s.opts.idleTimeout
	}
	ticker := s.opts.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			deadline := now.Add(-s.opts.idleTimeout).UnixNano()
			for _, h := range s.registry.Sessions() {
				sess := h.Get()
				if sess == nil {
					s.registry.prune(h)
					continue
				}
				if sess.HeartBeat() < deadline {
					glog.Warningf("session %d idle for %v, close it", sess.ID(), s.opts.idleTimeout)
					sess.Close()
				}
			}
		}
	}
}

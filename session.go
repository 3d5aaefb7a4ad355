package taonet

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

// Session states.
const (
	StateConnecting SessionState = iota
	StateConnected
	StateClosing
	StateClosed
)

func (st SessionState) String() string {
	switch st {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const drainTimeout = time.Second

// Session represents one connected peer, stream or datagram. It exclusively
// owns its transport and its Codec. Registries only observe it through a
// Handle.
type Session struct {
	netid   *AtomicInt64
	belong  *Server
	codec   Codec
	reader  bool
	state   *AtomicInt32
	heart   *AtomicInt64
	started *AtomicBoolean

	once   sync.Once
	wg     sync.WaitGroup
	sendCh chan []byte
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // guards following
	rawConn net.Conn
	values  map[interface{}]interface{}
}

// NewSession returns a session in the connecting state without transport,
// ready to be handed to a Connector.
func NewSession(s *Server) *Session {
	return newSession(s, nil, true)
}

func newSession(s *Server, c net.Conn, reader bool) *Session {
	var (
		parent  = context.Background()
		codec   Codec
		sendCap = BufferSize1024
	)
	if s != nil {
		parent = s.ctx
		codec = s.opts.codec()
		sendCap = s.opts.sendQueue
	} else {
		codec = NewFrameCodec()
	}
	sess := &Session{
		netid:   NewAtomicInt64(-1),
		belong:  s,
		codec:   codec,
		reader:  reader,
		state:   NewAtomicInt32(int32(StateConnecting)),
		heart:   NewAtomicInt64(0),
		started: NewAtomicBoolean(false),
		sendCh:  make(chan []byte, sendCap),
		done:    make(chan struct{}),
		rawConn: c,
	}
	sess.heart.Set(sess.now().UnixNano())
	sess.ctx, sess.cancel = context.WithCancel(parent)
	return sess
}

func (s *Session) now() time.Time {
	if s.belong != nil {
		return s.belong.opts.clock.Now()
	}
	return time.Now()
}

// ID returns the id the session is registered under, -1 before registration.
func (s *Session) ID() int64 {
	return s.netid.Get()
}

func (s *Session) setID(id int64) {
	s.netid.Set(id)
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Get())
}

// Codec returns the session's codec.
func (s *Session) Codec() Codec {
	return s.codec
}

// Done returns a channel closed once the session is fully closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HeartBeat returns the unix nano timestamp of the last received bytes.
func (s *Session) HeartBeat() int64 {
	return s.heart.Get()
}

// RemoteAddr returns the peer address, nil before connected.
func (s *Session) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rawConn == nil {
		return nil
	}
	return s.rawConn.RemoteAddr()
}

// LocalAddr returns the local address, nil before connected.
func (s *Session) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rawConn == nil {
		return nil
	}
	return s.rawConn.LocalAddr()
}

// SetContextValue sets extra data to the session.
func (s *Session) SetContextValue(k, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[interface{}]interface{})
	}
	s.values[k] = v
}

// ContextValue gets extra data from the session.
func (s *Session) ContextValue(k interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[k]
}

// attach binds the transport produced by a connector.
func (s *Session) attach(c net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateConnecting {
		return ErrConnClosed
	}
	if s.rawConn != nil {
		return errors.Wrap(ErrParameter, "session already has a transport")
	}
	s.rawConn = c
	return nil
}

// Start starts the session, creating go-routines for reading and writing.
// The server's OnConnect callback runs first and may refuse the session.
func (s *Session) Start() {
	s.mu.Lock()
	c := s.rawConn
	s.mu.Unlock()
	if c == nil {
		glog.Errorf("session %d has no transport, not started", s.ID())
		return
	}
	// count first, finish may run as soon as the state moves
	if s.belong != nil {
		s.belong.wg.Add(1)
	}
	s.mu.Lock()
	ok := s.state.CompareAndSet(int32(StateConnecting), int32(StateConnected))
	if ok {
		s.started.Set(true)
	}
	s.mu.Unlock()
	if !ok {
		if s.belong != nil {
			s.belong.wg.Done()
		}
		return
	}
	addTotalSessions(1)
	glog.Infof("session %d start, <%v -> %v>", s.ID(), s.LocalAddr(), s.RemoteAddr())

	if s.belong != nil {
		if onConnect := s.belong.opts.onConnect; onConnect != nil && !onConnect(s) {
			glog.Warningf("session %d refused by OnConnect", s.ID())
			s.Close()
			return
		}
	}

	loopers := []func(){s.writeLoop}
	if s.reader {
		loopers = append(loopers, s.readLoop)
	}
	for _, l := range loopers {
		looper := l
		s.wg.Add(1)
		go looper()
	}
}

// Close closes the session without blocking. The loops are stopped, then the
// transport is closed, the session leaves the registry and OnClose runs.
// Closing more than once is a no-op.
func (s *Session) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.state.Set(int32(StateClosing))
		c := s.rawConn
		s.mu.Unlock()

		s.cancel()
		if c != nil {
			// wake the reader, bound a stuck writer
			c.SetReadDeadline(time.Now())
			c.SetWriteDeadline(time.Now().Add(drainTimeout))
		}
		go s.finish()
	})
}

func (s *Session) finish() {
	s.wg.Wait()

	s.mu.Lock()
	c := s.rawConn
	s.mu.Unlock()
	if c != nil {
		if err := c.Close(); err != nil {
			glog.V(1).Infof("session %d close transport: %v", s.ID(), err)
		}
	}
	if s.reader {
		// the reader has exited, nothing else touches the codec
		s.codec.Clear()
	}

	if s.belong != nil {
		s.belong.registry.unregisterSession(s.ID(), s)
	}
	if s.started.Get() {
		glog.Infof("session %d closed, <%v -> %v>", s.ID(), s.LocalAddr(), s.RemoteAddr())
		if s.belong != nil && s.belong.opts.onClose != nil {
			s.belong.opts.onClose(s)
		}
		addTotalSessions(-1)
	}
	s.state.Set(int32(StateClosed))
	close(s.done)
	if s.started.Get() && s.belong != nil {
		s.belong.wg.Done()
	}
}

// Write packs msg with the session's codec and queues it for sending. It
// never blocks: ErrWouldBlock is returned when the send queue is full.
func (s *Session) Write(msg []byte) error {
	if s.State() >= StateClosing {
		return ErrConnClosed
	}
	pkt, err := s.codec.Pack(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.ctx.Done():
		return ErrConnClosed
	case s.sendCh <- pkt:
		return nil
	default:
		return ErrWouldBlock
	}
}

// feed runs the bytes received from the transport through the codec and
// dispatches the completed messages.
func (s *Session) feed(data []byte) error {
	s.heart.Set(s.now().UnixNano())
	_, err := s.codec.Filter(data)
	for msg, ok := s.codec.Pop(); ok; msg, ok = s.codec.Pop() {
		addTotalFramesIn(1)
		s.dispatch(msg)
	}
	if err != nil {
		addTotalProtocolErrors(1)
		if s.belong != nil && s.belong.opts.onError != nil {
			s.belong.opts.onError(s, err)
		}
		return err
	}
	return nil
}

func (s *Session) dispatch(msg []byte) {
	if s.belong == nil || s.belong.opts.onMessage == nil {
		glog.Warningf("no onMessage() found for session %d, message dropped", s.ID())
		return
	}
	onMessage := s.belong.opts.onMessage
	if err := s.belong.workers.Put(s.ID(), func() {
		onMessage(msg, s)
	}); err != nil {
		glog.Errorf("session %d dispatch error %v, message dropped", s.ID(), err)
	}
}

// readLoop blocking reads from the connection, feeding bytes into the codec and
// dispatching the completed messages to the worker pool.
func (s *Session) readLoop() {
	defer func() {
		if p := recover(); p != nil {
			glog.Errorf("panics: %v", p)
			printStack()
		}
		s.wg.Done()
		s.Close()
	}()

	size := BufferSize1024
	if s.belong != nil {
		size = s.belong.opts.bufferSize
	}
	if s.isDatagram() && size < datagramMaxSize {
		size = datagramMaxSize
	}
	buf := make([]byte, size)
	for {
		n, err := s.rawConn.Read(buf)
		if n > 0 {
			if ferr := s.feed(buf[:n]); ferr != nil {
				glog.Errorf("session %d %v, closing", s.ID(), ferr)
				return
			}
		}
		if err != nil {
			if s.isDatagram() && s.ctx.Err() == nil && errors.Is(err, syscall.ECONNREFUSED) {
				// an earlier datagram was refused, keep listening
				glog.V(1).Infof("session %d %v", s.ID(), err)
				continue
			}
			if s.ctx.Err() == nil && !errors.Is(err, io.EOF) {
				glog.Errorf("session %d read error %v", s.ID(), err)
			}
			return
		}
	}
}

// writeLoop receives packets from the send queue and blocking writes them into
// the connection, pending packets are flushed before exit.
func (s *Session) writeLoop() {
	defer func() {
		if p := recover(); p != nil {
			glog.Errorf("panics: %v", p)
			printStack()
		}
		s.wg.Done()
		s.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case pkt := <-s.sendCh:
			if err := s.writePacket(pkt); err != nil {
				return
			}
		}
	}
}

func (s *Session) drain() {
	s.rawConn.SetWriteDeadline(time.Now().Add(drainTimeout))
	for {
		select {
		case pkt := <-s.sendCh:
			if err := s.writePacket(pkt); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writePacket(pkt []byte) error {
	if _, err := s.rawConn.Write(pkt); err != nil {
		if s.isDatagram() {
			// fire and forget
			glog.Warningf("session %d datagram dropped: %v", s.ID(), err)
			return nil
		}
		glog.Errorf("session %d write error %v", s.ID(), err)
		return err
	}
	addTotalFramesOut(1)
	return nil
}

func (s *Session) isDatagram() bool {
	switch s.rawConn.(type) {
	case *net.UDPConn, *peerConn:
		return true
	}
	return false
}

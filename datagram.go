package taonet

import (
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// peerConn is the transport of a datagram pseudo-session: writes go to one
// peer through the server's shared socket, which the session does not own.
type peerConn struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func (p *peerConn) Read([]byte) (int, error) {
	return 0, errors.Wrap(ErrParameter, "datagram peer is read by its server")
}

func (p *peerConn) Write(b []byte) (int, error) {
	return p.conn.WriteToUDP(b, p.peer)
}

func (p *peerConn) Close() error                       { return nil }
func (p *peerConn) LocalAddr() net.Addr                { return p.conn.LocalAddr() }
func (p *peerConn) RemoteAddr() net.Addr               { return p.peer }
func (p *peerConn) SetDeadline(t time.Time) error      { return nil }
func (p *peerConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *peerConn) SetWriteDeadline(t time.Time) error { return nil }

// peerID derives a session id from the sender's address and port.
func peerID(addr *net.UDPAddr) int64 {
	h := murmur3.New32()
	h.Write(addr.IP.To16())
	h.Write([]byte{byte(addr.Port >> 8), byte(addr.Port)})
	return int64(h.Sum32())
}

// DatagramServer receives datagrams on one UDP socket and attributes each to a
// pseudo-session per sender, so datagram peers reach OnMessage like stream
// peers do. Delivery is unreliable and stays so.
type DatagramServer struct {
	belong *Server
	addr   string
	peers  *lru.Cache[string, *Session]

	mu   sync.Mutex // guards following
	conn *net.UDPConn
}

// NewDatagramServer returns a datagram server for addr which is not listening
// yet.
func NewDatagramServer(s *Server, addr string) *DatagramServer {
	peers, err := lru.NewWithEvict[string, *Session](s.registry.Cap(), func(_ string, sess *Session) {
		sess.Close()
	})
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	return &DatagramServer{
		belong: s,
		addr:   addr,
		peers:  peers,
	}
}

// Listen binds the UDP socket. Failing here is fatal.
func (d *DatagramServer) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return errors.Wrap(ErrParameter, "already listening")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", d.addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", d.addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", d.addr)
	}
	if !d.belong.track(d) {
		conn.Close()
		return ErrServerClosed
	}
	d.conn = conn
	glog.Infof("datagram server listen on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address, nil before Listen.
func (d *DatagramServer) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Peers returns the number of cached peers.
func (d *DatagramServer) Peers() int {
	return d.peers.Len()
}

// Close closes the socket and every peer session.
func (d *DatagramServer) Close() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil
	}
	d.belong.untrack(d)
	err := conn.Close()
	d.peers.Purge()
	return err
}

// Serve reads datagrams until the server is closed, it returns nil then.
func (d *DatagramServer) Serve() error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return errors.Wrap(ErrParameter, "datagram server not listening")
	}

	buf := make([]byte, datagramMaxSize)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedError(err) || d.belong.ctx.Err() != nil {
				glog.Infof("datagram server %s stopped", conn.LocalAddr())
				return nil
			}
			if isRetryable(err) {
				glog.Errorf("datagram read error %v", err)
				continue
			}
			return errors.Wrap(err, "datagram read")
		}

		sess, err := d.peer(conn, raddr)
		if err != nil {
			glog.Warningf("datagram from %s dropped: %v", raddr, err)
			continue
		}
		if err := sess.feed(buf[:n]); err != nil {
			glog.Errorf("session %d %v, closing", sess.ID(), err)
			d.peers.Remove(raddr.String())
		}
	}
}

// peer returns the live session of raddr, creating it if needed. With the
// registry full the least recently active peer makes room.
func (d *DatagramServer) peer(conn *net.UDPConn, raddr *net.UDPAddr) (*Session, error) {
	key := raddr.String()
	if sess, ok := d.peers.Get(key); ok {
		if sess.State() < StateClosing {
			return sess, nil
		}
		d.peers.Remove(key)
	}

	sess := newSession(d.belong, &peerConn{conn: conn, peer: raddr}, false)
	id := peerID(raddr)
	err := d.belong.adoptID(sess, id)
	if errors.Is(err, ErrFull) {
		if k, _, ok := d.peers.RemoveOldest(); ok {
			glog.Warningf("registry full, peer %s evicted", k)
			err = d.belong.adoptID(sess, id)
		}
	}
	if err != nil {
		return nil, err
	}
	d.peers.Add(key, sess)
	return sess, nil
}

// DialDatagram returns a started session over a UDP socket connected to addr.
// Writes are fire-and-forget, replies are framed like stream input.
func DialDatagram(s *Server, addr string) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(ErrResolve, "%s: %v", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(ErrConnect, "%s: %v", addr, err)
	}
	sess, err := startDatagram(s, conn)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// startDatagram adopts a session over conn. On failure the session is
// returned closing.
func startDatagram(s *Server, conn *net.UDPConn) (*Session, error) {
	sess := newSession(s, conn, true)
	if err := s.adopt(sess); err != nil {
		sess.Close()
		return sess, err
	}
	return sess, nil
}

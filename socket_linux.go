//go:build linux

package taonet

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const somaxconnPath = "/proc/sys/net/core/somaxconn"

// maxBacklog returns the platform maximum listen backlog.
func maxBacklog() int {
	b, err := os.ReadFile(somaxconnPath)
	if err != nil {
		return unix.SOMAXCONN
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n <= 0 {
		return unix.SOMAXCONN
	}
	return n
}

type socket int

func newSocket(family int) (socket, error) {
	sfd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return socket(-1), err
	}
	return socket(sfd), nil
}

func (sock socket) setSockOpt(opts ...int) error {
	for _, opt := range opts {
		if err := unix.SetsockoptInt(int(sock), unix.SOL_SOCKET, opt, 1); err != nil {
			return err
		}
	}
	return nil
}

func (sock socket) bind(sa unix.Sockaddr) error {
	return unix.Bind(int(sock), sa)
}

func (sock socket) listen(backlog int) error {
	return unix.Listen(int(sock), backlog)
}

func (sock socket) close() error {
	return unix.Close(int(sock))
}

// listenTCP binds addr and listens with the given backlog, which net.Listen
// does not let callers choose.
func listenTCP(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	family, sa := sockaddr(tcpAddr)
	sock, err := newSocket(family)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err = sock.setSockOpt(unix.SO_REUSEADDR); err != nil {
		sock.close()
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err = sock.bind(sa); err != nil {
		sock.close()
		return nil, os.NewSyscallError("bind", err)
	}
	if err = sock.listen(backlog); err != nil {
		sock.close()
		return nil, os.NewSyscallError("listen", err)
	}

	f := os.NewFile(uintptr(sock), "tcp:"+addr)
	defer f.Close()
	l, err := net.FileListener(f)
	if err != nil {
		return nil, errors.Wrap(err, "file listener")
	}
	return l, nil
}

func sockaddr(a *net.TCPAddr) (int, unix.Sockaddr) {
	if a.IP == nil || a.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		if ip4 := a.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	if a.Zone != "" {
		if ifi, err := net.InterfaceByName(a.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa
}

// isResourceExhausted reports descriptor, buffer or memory exhaustion.
func isResourceExhausted(err error) bool {
	for _, errno := range []unix.Errno{unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

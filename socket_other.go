//go:build !linux

package taonet

import (
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// maxBacklog is only informative here, net.Listen picks the backlog itself.
func maxBacklog() int {
	return syscall.SOMAXCONN
}

func listenTCP(addr string, _ int) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func isResourceExhausted(err error) bool {
	for _, errno := range []syscall.Errno{syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

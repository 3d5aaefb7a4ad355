package taonet

import (
	"encoding/binary"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
)

// Error codes returned by failures dealing with slots, sessions, connectors
// and codecs.
var (
	ErrFull              = errors.New("slot table full")
	ErrDuplicate         = errors.New("duplicate id")
	ErrNotFound          = errors.New("id not found")
	ErrBusy              = errors.New("connect attempt in flight")
	ErrTimeout           = errors.New("connect timed out")
	ErrCanceled          = errors.New("connect canceled")
	ErrResolve           = errors.New("resolve error")
	ErrConnect           = errors.New("connect error")
	ErrProtocol          = errors.New("protocol error")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrParameter         = errors.New("parameter error")
	ErrWouldBlock        = errors.New("would block")
	ErrConnClosed        = errors.New("connection closed")
	ErrServerClosed      = errors.New("server has been closed")
)

// definitions about some constants.
const (
	DefaultCapacity   = 1 << 16
	DefaultMaxPayload = 1 << 23 // 8M
	DefaultHeaderSize = 4
	BufferSize1024    = 1024
	defaultWorkersNum = 16
	minAcceptDelay    = 5 * time.Millisecond
	maxAcceptDelay    = time.Second
	datagramMaxSize   = 64 * 1024
)

type onConnectFunc func(*Session) bool
type onMessageFunc func([]byte, *Session)
type onCloseFunc func(*Session)
type onErrorFunc func(*Session, error)

type workerFunc func()

// hashID spreads an id over 32 bits so that sequential ids don't pile up on
// neighbouring workers.
func hashID(id int64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return murmur3.Sum32(b[:])
}

// nextPowerOfTwo returns the smallest power of two >= v, v > 0.
func nextPowerOfTwo(v int) int {
	n := 1
	for n < v {
		n <<= 1
	}
	return n
}

func printStack() {
	var buf [4096]byte
	n := runtime.Stack(buf[:], false)
	os.Stderr.Write(buf[:n])
}

package taonet

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

const workerQueueSize = 1024

// WorkerPool is a pool of go-routines running message handlers. Each
// session's messages are permanently hashed onto one worker, so they run in
// order from the session's perspective.
type WorkerPool struct {
	workers   []*worker
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newWorkerPool(vol int) *WorkerPool {
	if vol <= 0 {
		vol = defaultWorkersNum
	}
	vol = nextPowerOfTwo(vol)

	pool := &WorkerPool{
		workers:   make([]*worker, vol),
		closeChan: make(chan struct{}),
	}
	for i := range pool.workers {
		pool.workers[i] = newWorker(i, workerQueueSize, pool.closeChan)
		pool.wg.Add(1)
		go func(w *worker) {
			defer pool.wg.Done()
			w.start()
		}(pool.workers[i])
	}
	return pool
}

// Put queues cb on the worker owning key, without blocking.
func (wp *WorkerPool) Put(key int64, cb func()) error {
	code := hashID(key)
	return wp.workers[code&uint32(len(wp.workers)-1)].put(workerFunc(cb))
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int {
	return len(wp.workers)
}

// Close stops all workers, callbacks still queued are dropped.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.closeChan)
	})
	wp.wg.Wait()
}

type worker struct {
	index        int
	callbackChan chan workerFunc
	closeChan    chan struct{}
}

func newWorker(i int, c int, closeChan chan struct{}) *worker {
	return &worker{
		index:        i,
		callbackChan: make(chan workerFunc, c),
		closeChan:    closeChan,
	}
}

func (w *worker) start() {
	for {
		select {
		case <-w.closeChan:
			return
		case cb := <-w.callbackChan:
			before := time.Now()
			w.run(cb)
			addTotalTime(time.Since(before).Seconds())
		}
	}
}

func (w *worker) run(cb workerFunc) {
	defer func() {
		if p := recover(); p != nil {
			glog.Errorf("worker %d panics: %v", w.index, p)
			printStack()
		}
	}()
	cb()
	addTotalHandle()
}

func (w *worker) put(cb workerFunc) error {
	select {
	case <-w.closeChan:
		return ErrServerClosed
	default:
	}
	select {
	case w.callbackChan <- cb:
		return nil
	default:
		return ErrWouldBlock
	}
}

package taonet

import (
	"sync"
	"weak"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// Handle is a non-owning reference to a registered Session. It expires once
// the session starts closing or has been garbage collected.
type Handle struct {
	id  int64
	ptr weak.Pointer[Session]
}

// ID returns the id the session was registered under.
func (h Handle) ID() int64 {
	return h.id
}

// Get returns the session, nil if the handle expired.
func (h Handle) Get() *Session {
	s := h.ptr.Value()
	if s == nil || s.State() >= StateClosing {
		return nil
	}
	return s
}

// Expired reports whether the session is gone.
func (h Handle) Expired() bool {
	return h.Get() == nil
}

func (h Handle) valid() bool {
	return h.ptr != weak.Pointer[Session]{}
}

// Registry is a go-routine safe collection of live sessions keyed by id. The
// ids live in a SlotTable, the handle of an id sits at the id's slot index.
// One mutex guards both and is never held while a session is used.
type Registry struct {
	mu      sync.Mutex
	table   *SlotTable
	handles []Handle
	nextID  int64
}

// NewRegistry returns a registry holding at most capacity sessions.
func NewRegistry(capacity int) *Registry {
	t := NewSlotTable(capacity)
	return &Registry{
		table:   t,
		handles: make([]Handle, t.Size()),
	}
}

// Register stores s under id. An id still held by a live session fails with
// ErrDuplicate, an expired one is taken over.
func (r *Registry) Register(s *Session, id int64) error {
	if s == nil {
		return ErrParameter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(s, id)
}

func (r *Registry) register(s *Session, id int64) error {
	idx, err := r.table.Insert(id)
	if errors.Is(err, ErrFull) && r.sweep() > 0 {
		idx, err = r.table.Insert(id)
	}
	if errors.Is(err, ErrDuplicate) {
		idx, err = r.table.Lookup(id)
		if err != nil {
			return err
		}
		if !r.handles[idx].Expired() {
			return errors.Wrapf(ErrDuplicate, "session %d", id)
		}
		glog.V(1).Infof("session %d expired, replaced", id)
	} else if err != nil {
		return err
	}
	r.handles[idx] = Handle{id: id, ptr: weak.Make(s)}
	s.setID(id)
	return nil
}

// Allocate registers s under the next free id and returns it.
func (r *Registry) Allocate(s *Session) (int64, error) {
	if s == nil {
		return -1, ErrParameter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.table.Full() && r.sweep() == 0 {
		return -1, ErrFull
	}
	for i := 0; i <= r.table.Size(); i++ {
		id := r.nextID
		r.nextID++
		if r.nextID < 0 {
			r.nextID = 0
		}
		err := r.register(s, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return -1, err
		}
	}
	return -1, ErrFull
}

// Unregister removes id, absent ids are ignored.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(id, nil)
}

// unregisterSession removes id only if it still refers to s.
func (r *Registry) unregisterSession(id int64, s *Session) bool {
	if id < 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(id, func(h Handle) bool {
		return h.ptr == weak.Make(s)
	})
}

// prune removes h if the registry still holds it and it expired.
func (r *Registry) prune(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(h.id, func(cur Handle) bool {
		return cur.ptr == h.ptr && cur.Expired()
	})
}

func (r *Registry) remove(id int64, match func(Handle) bool) bool {
	idx, err := r.table.Lookup(id)
	if err != nil {
		return false
	}
	if match != nil && !match(r.handles[idx]) {
		return false
	}
	r.table.Remove(id)
	r.handles[idx] = Handle{}
	return true
}

// sweep drops every expired handle, the caller holds r.mu.
func (r *Registry) sweep() int {
	n := 0
	for _, h := range r.handles {
		if h.valid() && h.Expired() && r.remove(h.id, nil) {
			n++
		}
	}
	return n
}

// Get returns the live session registered under id.
func (r *Registry) Get(id int64) (*Session, bool) {
	r.mu.Lock()
	idx, err := r.table.Lookup(id)
	var h Handle
	if err == nil {
		h = r.handles[idx]
	}
	r.mu.Unlock()

	if err != nil {
		return nil, false
	}
	s := h.Get()
	if s == nil {
		r.prune(h)
		return nil, false
	}
	return s, true
}

// Sessions returns a point-in-time snapshot of the registered handles. The
// handles may expire any time after the call returns.
func (r *Registry) Sessions() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]Handle, 0, r.table.Len())
	for _, h := range r.handles {
		if h.valid() {
			hs = append(hs, h)
		}
	}
	return hs
}

// Broadcast writes msg to every live session and returns how many accepted
// it. Expired handles met on the way are pruned.
func (r *Registry) Broadcast(msg []byte) int {
	n := 0
	for _, h := range r.Sessions() {
		s := h.Get()
		if s == nil {
			r.prune(h)
			continue
		}
		if err := s.Write(msg); err != nil {
			glog.Warningf("broadcast to session %d: %v", h.id, err)
			continue
		}
		n++
	}
	return n
}

// Len returns the number of registered ids, expired ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Len()
}

// Cap returns the maximum number of sessions.
func (r *Registry) Cap() int {
	return r.table.Cap()
}

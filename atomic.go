package taonet

import (
	"sync/atomic"
)

// AtomicInt64 provides atomic int64 type.
type AtomicInt64 int64

// NewAtomicInt64 returns an atomic int64 type.
func NewAtomicInt64(initialValue int64) *AtomicInt64 {
	a := AtomicInt64(initialValue)
	return &a
}

// Get returns the value of int64 atomically.
func (a *AtomicInt64) Get() int64 {
	return atomic.LoadInt64((*int64)(a))
}

// Set sets the value of int64 atomically.
func (a *AtomicInt64) Set(newValue int64) {
	atomic.StoreInt64((*int64)(a), newValue)
}

// AtomicInt32 provides atomic int32 type, used to hold small state machines.
type AtomicInt32 int32

// NewAtomicInt32 returns an atomic int32 type.
func NewAtomicInt32(initialValue int32) *AtomicInt32 {
	a := AtomicInt32(initialValue)
	return &a
}

// Get returns the value of int32 atomically.
func (a *AtomicInt32) Get() int32 {
	return atomic.LoadInt32((*int32)(a))
}

// Set sets the value of int32 atomically.
func (a *AtomicInt32) Set(newValue int32) {
	atomic.StoreInt32((*int32)(a), newValue)
}

// CompareAndSet compares int32 with expected value, if equals as expected
// then sets the updated value, this operation performs atomically.
func (a *AtomicInt32) CompareAndSet(expect, update int32) bool {
	return atomic.CompareAndSwapInt32((*int32)(a), expect, update)
}

// AtomicBoolean provides atomic boolean type.
type AtomicBoolean int32

// NewAtomicBoolean returns an atomic boolean type.
func NewAtomicBoolean(initialValue bool) *AtomicBoolean {
	var a AtomicBoolean
	if initialValue {
		a = AtomicBoolean(1)
	}
	return &a
}

// Get returns the value of boolean atomically.
func (a *AtomicBoolean) Get() bool {
	return atomic.LoadInt32((*int32)(a)) != 0
}

// Set sets the value of boolean atomically.
func (a *AtomicBoolean) Set(newValue bool) {
	atomic.StoreInt32((*int32)(a), boolToInt32(newValue))
}

// CompareAndSet compares boolean with expected value, if equals as expected
// then sets the updated value, this operation performs atomically.
func (a *AtomicBoolean) CompareAndSet(oldValue, newValue bool) bool {
	return atomic.CompareAndSwapInt32((*int32)(a), boolToInt32(oldValue), boolToInt32(newValue))
}

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

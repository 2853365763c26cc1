// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package concurrency provides process-local mutual exclusion primitives used
// to serialize operations that are sensitive to duplication within a single
// instance, such as signing key rotation.
//
// These locks do not provide cross-process exclusion. Callers that need
// fleet-wide safety combine a process-local lock with an atomic
// check-then-insert against the shared backing store; both layers are
// required, neither is sufficient alone.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Lock is a binary semaphore with a bounded acquire.
type Lock struct {
	ch chan struct{}
}

// NewLock creates an unlocked Lock.
func NewLock() *Lock {
	return &Lock{ch: make(chan struct{}, 1)}
}

// Acquire attempts to take the lock, waiting up to timeout.
// It returns false when the timeout elapses or ctx is cancelled; a timeout is
// expected contention-avoidance behavior, not an error.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Release releases the lock. Releasing an unheld lock panics, since that
// always indicates a missing Acquire on the caller's side.
func (l *Lock) Release() {
	select {
	case <-l.ch:
	default:
		panic("concurrency: release of unheld lock")
	}
}

// keyedEntry tracks a per-key semaphore together with the number of callers
// currently holding or waiting on it, so idle entries can be removed and the
// map stays bounded by the number of in-flight keys.
type keyedEntry struct {
	lock *Lock
	refs int
}

// KeyedLock provides mutual exclusion scoped per arbitrary string key,
// allowing unrelated keys to proceed without contention while serializing
// same-key callers. Semaphores are created lazily and removed once no caller
// holds or waits on them.
type KeyedLock struct {
	mu    sync.Mutex
	entry map[string]*keyedEntry
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{entry: make(map[string]*keyedEntry)}
}

// Acquire attempts to take the lock for key, waiting up to timeout.
// Same contract as Lock.Acquire.
func (k *KeyedLock) Acquire(ctx context.Context, key string, timeout time.Duration) bool {
	k.mu.Lock()
	e, ok := k.entry[key]
	if !ok {
		e = &keyedEntry{lock: NewLock()}
		k.entry[key] = e
	}
	e.refs++
	k.mu.Unlock()

	if e.lock.Acquire(ctx, timeout) {
		return true
	}

	k.release(key, e, false)
	return false
}

// Release releases the lock for key.
func (k *KeyedLock) Release(key string) {
	k.mu.Lock()
	e, ok := k.entry[key]
	k.mu.Unlock()
	if !ok {
		panic("concurrency: release of unheld keyed lock: " + key)
	}
	k.release(key, e, true)
}

// release drops one reference to the entry and deletes it once idle.
// held indicates whether the caller owns the semaphore and must unlock it.
func (k *KeyedLock) release(key string, e *keyedEntry, held bool) {
	if held {
		e.lock.Release()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(k.entry, key)
	}
}

// Len reports the number of live per-key semaphores. Exposed for tests.
func (k *KeyedLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entry)
}

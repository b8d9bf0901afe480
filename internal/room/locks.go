package room

import (
	"errors"
	"sync"
)

// ErrLocked indicates another in-flight destructive operation holds the
// path.
var ErrLocked = errors.New("path locked")

// LockTable provides short-lived advisory mutual exclusion keyed by
// room and path. Destructive rename/delete flows acquire the path
// before touching the store, closing the window between checking the
// destination and committing once store I/O can suspend the caller.
// Locks are non-reentrant and must be released by the acquirer.
type LockTable struct {
	mu   sync.Mutex
	held map[lockKey]string // -> holder connection id
}

type lockKey struct {
	roomID string
	path   string
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[lockKey]string)}
}

// Acquire attempts to take the lock without blocking. It returns false
// when the lock is already held, including by the same holder.
func (l *LockTable) Acquire(roomID, path, holder string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := lockKey{roomID: roomID, path: path}
	if _, taken := l.held[key]; taken {
		return false
	}
	l.held[key] = holder
	return true
}

// Release frees the lock. Releasing an unheld lock is a no-op.
func (l *LockTable) Release(roomID, path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockKey{roomID: roomID, path: path})
}

// Holder returns the current holder, if any.
func (l *LockTable) Holder(roomID, path string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, ok := l.held[lockKey{roomID: roomID, path: path}]
	return holder, ok
}

package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockTable_MutualExclusion(t *testing.T) {
	locks := NewLockTable()

	assert.True(t, locks.Acquire("room-1", "node-a", "conn-1"))
	assert.False(t, locks.Acquire("room-1", "node-a", "conn-2"), "second acquirer must not block, just fail")
	assert.False(t, locks.Acquire("room-1", "node-a", "conn-1"), "locks are not reentrant")

	holder, ok := locks.Holder("room-1", "node-a")
	assert.True(t, ok)
	assert.Equal(t, "conn-1", holder)

	// Distinct paths and distinct rooms do not contend.
	assert.True(t, locks.Acquire("room-1", "node-b", "conn-2"))
	assert.True(t, locks.Acquire("room-2", "node-a", "conn-2"))

	locks.Release("room-1", "node-a")
	_, ok = locks.Holder("room-1", "node-a")
	assert.False(t, ok)
	assert.True(t, locks.Acquire("room-1", "node-a", "conn-2"))
}

func TestLockTable_ReleaseUnheldIsNoOp(t *testing.T) {
	locks := NewLockTable()
	locks.Release("room-1", "never-held")
	assert.True(t, locks.Acquire("room-1", "never-held", "conn-1"))
}

package pbnlock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockdedupe/corevdo/common"
)

func TestAttemptPBNLockFreshVsShared(t *testing.T) {
	z := NewZone()
	lock1, fresh1 := z.AttemptPBNLock(common.BlockNumber(42), ReadMode)
	assert.True(t, fresh1)
	lock2, fresh2 := z.AttemptPBNLock(common.BlockNumber(42), WriteMode)
	assert.False(t, fresh2)
	assert.Same(t, lock1, lock2)
	assert.True(t, IsPBNReadLock(lock1))
}

func TestClaimIncrementExhausts(t *testing.T) {
	lock := &Lock{}
	SetIncrementLimit(lock, 2)
	assert.True(t, ClaimPBNLockIncrement(lock))
	assert.True(t, ClaimPBNLockIncrement(lock))
	assert.False(t, ClaimPBNLockIncrement(lock))
}

func TestDowngradeAndRelease(t *testing.T) {
	z := NewZone()
	lock, _ := z.AttemptPBNLock(common.BlockNumber(7), WriteMode)
	DowngradePBNWriteLock(lock)
	assert.True(t, IsPBNReadLock(lock))
	z.AddHolder(lock)
	z.AddHolder(lock)
	assert.Equal(t, 2, lock.HolderCount)
	z.ReleasePBNLock(common.BlockNumber(7))
	assert.Equal(t, 1, lock.HolderCount)
	z.ReleasePBNLock(common.BlockNumber(7))

	// Lock is gone from the table now; a fresh attempt creates a new one.
	lock2, fresh := z.AttemptPBNLock(common.BlockNumber(7), ReadMode)
	assert.True(t, fresh)
	assert.NotSame(t, lock, lock2)
}

func TestReleaseWithoutLockPanics(t *testing.T) {
	z := NewZone()
	assert.Panics(t, func() {
		z.ReleasePBNLock(common.BlockNumber(1))
	})
}

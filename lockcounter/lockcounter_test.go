package lockcounter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blockdedupe/corevdo/common"
)

func TestAcquireReleaseCoalesce(t *testing.T) {
	var notifications int
	lc := New(4, 2, 2, func(blockIndex uint32, zoneType common.ZoneType) {
		notifications++
	})

	lc.Initialize(0, 3)
	lc.Acquire(0, common.ZoneTypeLogical, 0)
	lc.Acquire(0, common.ZoneTypeLogical, 1)
	assert.True(t, lc.IsLocked(0, common.ZoneTypeLogical))

	// Two zones release; the aggregate only reaches zero on the second
	// release, so exactly one callback fires.
	lc.Release(0, common.ZoneTypeLogical, 0)
	assert.True(t, lc.IsLocked(0, common.ZoneTypeLogical), "still one zone holding")
	lc.Release(0, common.ZoneTypeLogical, 1)
	assert.False(t, lc.IsLocked(0, common.ZoneTypeLogical))
	assert.Equal(t, 1, notifications)

	// A further 1->0 transition before acknowledgement coalesces into
	// the outstanding callback (at-most-one-outstanding).
	lc.Acquire(0, common.ZoneTypeLogical, 0)
	lc.Release(0, common.ZoneTypeLogical, 0)
	assert.Equal(t, 1, notifications)

	// Acquiring and releasing again after acknowledgement fires again.
	lc.AcknowledgeUnlock(0)
	lc.Acquire(0, common.ZoneTypeLogical, 0)
	lc.Release(0, common.ZoneTypeLogical, 0)
	assert.Equal(t, 2, notifications)
}

func TestZoneTypesIndependent(t *testing.T) {
	lc := New(2, 1, 1, nil)
	lc.Acquire(0, common.ZoneTypeLogical, 0)
	assert.True(t, lc.IsLocked(0, common.ZoneTypeLogical))
	assert.False(t, lc.IsLocked(0, common.ZoneTypePhysical))
}

func TestReleaseWithoutAcquirePanics(t *testing.T) {
	lc := New(1, 1, 1, nil)
	assert.Panics(t, func() {
		lc.Release(0, common.ZoneTypeLogical, 0)
	})
}

func TestPerEntryLock(t *testing.T) {
	lc := New(1, 1, 1, nil)
	lc.Initialize(0, 312)
	assert.Equal(t, int32(312), lc.PerEntryLockCount(0))
	lc.ReleaseJournalZoneReference(0)
	assert.Equal(t, int32(311), lc.PerEntryLockCount(0))
}

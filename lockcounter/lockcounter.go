// Package lockcounter implements the per-journal-block, per-zone
// reference counting table from spec.md section 4.1: LockCounter
// tracks, for every journal block slot, how many logical and physical
// zones still have unflushed effects depending on that block, and
// tells the journal thread when a slot becomes fully unlocked.
//
// There is no filesystem analog for this in the teacher (goose-nfsd
// journals whole blocks, not per-write reference-count deltas), so
// the reference-counting logic itself is new domain code. The
// sync/atomic counter style is grounded on the atomic usage already
// present in the retrieved pack (_examples/DavidButterfield-dbd,
// _examples/qtplatypus-bar); the "post a callback to the single owning
// thread" idea is grounded on the teacher's condition-variable
// broadcast from wal/logger.go and wal/installer.go, generalized from
// a condvar wakeup to an explicit callback since the release can come
// from any zone, not just the journal thread's own peers.
package lockcounter

import (
	"fmt"
	"sync/atomic"

	"github.com/blockdedupe/corevdo/common"
	"github.com/blockdedupe/corevdo/util"
)

// ReapCallback is invoked (at most once per block per 1->0 transition,
// coalesced if releases race ahead of acknowledgement) when a block's
// aggregate reference count for some zone type reaches zero. The
// callback must run on, or hand off to, the journal thread (spec.md
// section 4.1); LockCounter itself does not know about executors.
type ReapCallback func(blockIndex uint32, zoneType common.ZoneType)

type zoneCounts struct {
	logical  []int32 // per logical zone id
	physical []int32 // per physical zone id
}

// LockCounter is the per-journal-block reference-count table from
// spec.md section 3/4.1.
type LockCounter struct {
	size          uint32
	perZone       []zoneCounts // len == size
	perEntryLock  []int32      // len == size, atomic
	aggLogical    []int32      // len == size, atomic: 0 iff no logical zone references the block
	aggPhysical   []int32      // len == size, atomic: 0 iff no physical zone references the block
	pendingNotify []int32      // len == size, atomic CAS guard: at most one outstanding callback
	callback      ReapCallback
}

// New builds a LockCounter for a journal of size blocks, with
// logicalZones logical zones and physicalZones physical zones.
// callback is invoked from Release when an aggregate transitions to
// zero.
func New(size uint32, logicalZones, physicalZones int, callback ReapCallback) *LockCounter {
	lc := &LockCounter{
		size:          size,
		perZone:       make([]zoneCounts, size),
		perEntryLock:  make([]int32, size),
		aggLogical:    make([]int32, size),
		aggPhysical:   make([]int32, size),
		pendingNotify: make([]int32, size),
		callback:      callback,
	}
	for i := range lc.perZone {
		lc.perZone[i] = zoneCounts{
			logical:  make([]int32, logicalZones),
			physical: make([]int32, physicalZones),
		}
	}
	return lc
}

func (lc *LockCounter) zoneSlice(blockIndex uint32, zoneType common.ZoneType) []int32 {
	switch zoneType {
	case common.ZoneTypeLogical:
		return lc.perZone[blockIndex].logical
	case common.ZoneTypePhysical:
		return lc.perZone[blockIndex].physical
	default:
		panic(fmt.Sprintf("lockcounter: unexpected zone type %v", zoneType))
	}
}

func (lc *LockCounter) aggregate(zoneType common.ZoneType) []int32 {
	switch zoneType {
	case common.ZoneTypeLogical:
		return lc.aggLogical
	case common.ZoneTypePhysical:
		return lc.aggPhysical
	default:
		panic(fmt.Sprintf("lockcounter: unexpected zone type %v", zoneType))
	}
}

// entriesPerBlockPlusOne is passed by the caller (recoveryjournal) as
// the initial per-entry lock count: one reference per entry plus one
// held by the block itself while dirty (spec.md section 4.1).
//
// Initialize sets the per-entry counter for a freshly reused block.
// Journal-thread only.
func (lc *LockCounter) Initialize(blockIndex uint32, entriesPerBlockPlusOne int32) {
	atomic.StoreInt32(&lc.perEntryLock[blockIndex], entriesPerBlockPlusOne)
	atomic.StoreInt32(&lc.pendingNotify[blockIndex], 0)
	util.DPrintf(5, "lockcounter: initialize block %d count %d\n", blockIndex, entriesPerBlockPlusOne)
}

// Acquire increments the reference count for (blockIndex, zoneType,
// zoneID). Callable from any zone.
func (lc *LockCounter) Acquire(blockIndex uint32, zoneType common.ZoneType, zoneID int) {
	counts := lc.zoneSlice(blockIndex, zoneType)
	newVal := atomic.AddInt32(&counts[zoneID], 1)
	if newVal == 1 {
		atomic.AddInt32(&lc.aggregate(zoneType)[blockIndex], 1)
	}
	util.DPrintf(10, "lockcounter: acquire block %d zone %v/%d -> %d\n", blockIndex, zoneType, zoneID, newVal)
}

// Release decrements the reference count for (blockIndex, zoneType,
// zoneID). If the count reaches zero, and the zone-type aggregate for
// this block also reaches zero, the reap callback fires (coalesced:
// only one outstanding callback per block at a time).
//
// Panics if the count would go negative: that is a programming error,
// not a runtime condition (spec.md section 4.1).
func (lc *LockCounter) Release(blockIndex uint32, zoneType common.ZoneType, zoneID int) {
	counts := lc.zoneSlice(blockIndex, zoneType)
	newVal := atomic.AddInt32(&counts[zoneID], -1)
	if newVal < 0 {
		panic(fmt.Sprintf("lockcounter: negative reference count on block %d zone %v/%d", blockIndex, zoneType, zoneID))
	}
	util.DPrintf(10, "lockcounter: release block %d zone %v/%d -> %d\n", blockIndex, zoneType, zoneID, newVal)
	if newVal != 0 {
		return
	}
	agg := lc.aggregate(zoneType)
	newAgg := atomic.AddInt32(&agg[blockIndex], -1)
	if newAgg < 0 {
		panic(fmt.Sprintf("lockcounter: negative aggregate on block %d zone type %v", blockIndex, zoneType))
	}
	if newAgg != 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&lc.pendingNotify[blockIndex], 0, 1) {
		// A callback for this block is already outstanding; this
		// release coalesces into it.
		return
	}
	if lc.callback != nil {
		lc.callback(blockIndex, zoneType)
	}
}

// AcknowledgeUnlock clears the at-most-one-outstanding guard for
// blockIndex so a future 1->0 transition can post another callback.
// Called by the journal thread's reap protocol step 1 (spec.md
// section 4.3) before it inspects any heads, so that releases racing
// ahead of the acknowledgement are not lost.
func (lc *LockCounter) AcknowledgeUnlock(blockIndex uint32) {
	atomic.StoreInt32(&lc.pendingNotify[blockIndex], 0)
}

// IsLocked reports whether any zone of zoneType still references
// blockIndex. Journal-thread read of the aggregate.
func (lc *LockCounter) IsLocked(blockIndex uint32, zoneType common.ZoneType) bool {
	return atomic.LoadInt32(&lc.aggregate(zoneType)[blockIndex]) > 0
}

// ReleaseJournalZoneReference releases one per-entry lock the journal
// thread holds directly (the fast path used when the journal itself,
// not another zone, is dropping the reference).
func (lc *LockCounter) ReleaseJournalZoneReference(blockIndex uint32) {
	lc.releasePerEntry(blockIndex)
}

// ReleaseJournalZoneReferenceFromOtherZone is the fast path used when
// a release originates off the journal thread but is known not to
// require posting a callback (the caller has already arranged to
// revisit the journal directly).
func (lc *LockCounter) ReleaseJournalZoneReferenceFromOtherZone(blockIndex uint32) {
	lc.releasePerEntry(blockIndex)
}

func (lc *LockCounter) releasePerEntry(blockIndex uint32) {
	newVal := atomic.AddInt32(&lc.perEntryLock[blockIndex], -1)
	if newVal < 0 {
		panic(fmt.Sprintf("lockcounter: negative per-entry lock on block %d", blockIndex))
	}
	util.DPrintf(10, "lockcounter: release per-entry lock block %d -> %d\n", blockIndex, newVal)
}

// PerEntryLockCount reports the current per-entry lock count for
// blockIndex (used by tests and by recoveryjournal to decide whether a
// block may be reused).
func (lc *LockCounter) PerEntryLockCount(blockIndex uint32) int32 {
	return atomic.LoadInt32(&lc.perEntryLock[blockIndex])
}

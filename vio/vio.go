// Package vio defines the external-collaborator surface this core
// depends on but does not implement: the in-flight write request
// (DataVIO) and the thread/zone layout it runs under. Grounded on how
// the teacher expresses its own external boundaries as small
// interfaces (diskio.Disk here; the teacher's own disk.Disk).
package vio

import (
	"github.com/blockdedupe/corevdo/common"
	"github.com/blockdedupe/corevdo/pbnlock"
)

// DataVIO is an in-flight write request. The recovery journal and
// hash lock only ever need its content hash, allocation state, and a
// small set of completion callbacks; everything else (compression,
// index queries, physical I/O) belongs to layers outside this core.
type DataVIO interface {
	// ContentHash returns the write's content-addressable hash, used
	// to key the hash lock table.
	ContentHash() [32]byte

	// LogicalBlockNumber is the logical address this write targets.
	LogicalBlockNumber() common.BlockNumber

	// HasAllocation reports whether the physical layer has already
	// assigned this DataVIO its own physical block (as opposed to
	// deduping onto someone else's).
	HasAllocation() bool

	// Allocation returns the DataVIO's own physical block number.
	// Valid once HasAllocation is true, or once the DataVIO's write
	// step has completed even if HasAllocation was false beforehand
	// (a fresh allocation is assigned as part of that step).
	Allocation() common.BlockNumber

	// IsDuplicate reports whether the dedup index (or a prior
	// verification step) considers this DataVIO's content a
	// duplicate of some existing physical block.
	IsDuplicate() bool

	// SetDuplicate records pbn/state as the verified or advised
	// deduplication target.
	SetDuplicate(pbn common.BlockNumber, state common.MappingState)

	// DuplicateAdvice returns the dedup index's advised PBN/mapping
	// state for this DataVIO's content. Only meaningful once
	// IsDuplicate reports true.
	DuplicateAdvice() (pbn common.BlockNumber, state common.MappingState)

	// AllocationLock returns the physical-block lock this DataVIO
	// holds on its own allocation, acquired when the physical layer
	// assigned it a block. Only valid once the DataVIO has written its
	// allocation (regardless of what HasAllocation reported before the
	// write).
	AllocationLock() *pbnlock.Lock

	// DecrementJournalPoint returns the recovery-journal point of the
	// DataIncrement entry this DataVIO's DataDecrement pairs with: the
	// slot whose per-entry lock the decrement releases. Only
	// meaningful for a DataDecrement being journaled.
	DecrementJournalPoint() common.JournalPoint

	// CompareData byte-compares this DataVIO's data against other's,
	// used both for verification and for hash-collision detection.
	CompareData(other DataVIO) bool

	// Fail completes the DataVIO with err.
	Fail(err error)

	// Continue re-enters the state machine that's driving this
	// DataVIO after an asynchronous step completes.
	Continue()
}

// ThreadConfig names the zone layout a journal or hash-lock table is
// built against (spec.md section 6).
type ThreadConfig struct {
	LogicalZoneCount  int
	PhysicalZoneCount int
	JournalThreadID   int
}

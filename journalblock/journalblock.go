// Package journalblock implements the recovery journal's in-memory
// staging buffer for one on-disk journal block (spec.md section 4.2):
// it accumulates packed entries, tracks which of them are durable,
// and exposes the FIFO of DataVIOs waiting on that durability.
//
// Grounded on the teacher's write-back shape in
// mit-pdos-go-journal/wal/logger.go (logAppend: snapshot what's
// pending, drop the lock, do the blocking write, reacquire, advance a
// watermark) and mit-pdos-go-journal/buf/buf.go's dirty-bit tracking
// (IsDirty/SetDirty), generalized from "the whole block is the
// payload" to "a growable list of packed entries within one block".
package journalblock

import (
	"github.com/blockdedupe/corevdo/codec"
	"github.com/blockdedupe/corevdo/common"
	"github.com/blockdedupe/corevdo/util"
	"github.com/blockdedupe/corevdo/waitqueue"
)

// Block is one in-memory staging buffer for one on-disk journal
// block. It is allocated once at journal startup and cycled through
// free -> active -> free for the life of the journal (spec.md section
// 3, JournalBlock entity lifecycle).
type Block struct {
	// BlockNumber is the on-disk offset this block will write to. It
	// is recomputed on every Reset: the recovery journal has more
	// on-disk block slots (journal_size) than resident in-memory
	// Block objects (tail_buffer_size), so one Block cycles across
	// many physical offsets over its lifetime (offset =
	// sequence_number mod journal_size).
	BlockNumber uint64

	sequenceNumber common.SequenceNumber
	nonce          uint64
	recoveryCount  uint8

	entries               []codec.Entry
	entryWaiters          []*waitqueue.Waiter // parallel to entries, in append order
	uncommittedEntryCount int
	entriesInCommit       int
	committedCount        int
	committing            bool
}

// New allocates an empty, unassigned Block. It must be recycled via
// Reset before first use.
func New() *Block {
	return &Block{}
}

// Reset recycles the block for a fresh sequence number at physical
// offset blockNumber. All entries not yet claimed are gone; callers
// must have already released any per-entry locks before recycling
// (spec.md section 3: "on recycle, all per-entry locks not claimed
// are released").
func (b *Block) Reset(blockNumber uint64, sequenceNumber common.SequenceNumber, nonce uint64, recoveryCount uint8) {
	if b.committing {
		panic("journalblock: reset of a block that is still committing")
	}
	b.BlockNumber = blockNumber
	b.sequenceNumber = sequenceNumber
	b.nonce = nonce
	b.recoveryCount = recoveryCount
	b.entries = b.entries[:0]
	b.entryWaiters = b.entryWaiters[:0]
	b.uncommittedEntryCount = 0
	b.entriesInCommit = 0
	b.committedCount = 0
}

// SequenceNumber reports the sequence number this block's next commit
// will be written under.
func (b *Block) SequenceNumber() common.SequenceNumber {
	return b.sequenceNumber
}

// EntryCount reports how many entries have been appended so far
// (committed or not).
func (b *Block) EntryCount() int {
	return len(b.entries)
}

// IsFull reports whether the block has no room for another entry.
func (b *Block) IsFull() bool {
	return len(b.entries) >= codec.EntriesPerBlock
}

// IsEmpty reports whether the block has no entries at all.
func (b *Block) IsEmpty() bool {
	return len(b.entries) == 0
}

// IsDirty reports whether the block has entries the on-disk copy does
// not yet reflect.
func (b *Block) IsDirty() bool {
	return b.uncommittedEntryCount > 0
}

// IsCommitting reports whether a write for this block is currently
// outstanding.
func (b *Block) IsCommitting() bool {
	return b.committing
}

// CanCommit reports whether the block is dirty, not already
// committing, and (per spec.md section 4.2) has something new to
// write.
func (b *Block) CanCommit() bool {
	return b.IsDirty() && !b.committing
}

// EnqueueEntry appends entry to the in-memory buffer and parks waiter
// on the block's internal waiter list until the entry is durable.
// Returns the JournalPoint identifying this entry. Panics if the
// block is full.
func (b *Block) EnqueueEntry(entry codec.Entry, waiter *waitqueue.Waiter) common.JournalPoint {
	if b.IsFull() {
		panic("journalblock: enqueue on a full block")
	}
	index := len(b.entries)
	b.entries = append(b.entries, entry)
	b.entryWaiters = append(b.entryWaiters, waiter)
	b.uncommittedEntryCount++
	util.DPrintf(10, "journalblock: block %d enqueue entry %d (seq %d)\n", b.BlockNumber, index, b.sequenceNumber)
	return common.JournalPoint{SequenceNumber: b.sequenceNumber, EntryCount: common.EntryIndex(index + 1)}
}

// BeginCommit snapshots entries_in_commit = uncommitted_entry_count
// (spec.md section 4.2; the "entries already in flight" subtraction
// the spec describes never triggers here, since at most one commit
// per block is outstanding at a time), marks the block committing,
// and returns everything the caller needs to submit the I/O off the
// journal thread: the physical block number to write, the header to
// stamp, and a stable copy of the entries appended so far. The block
// remains free to accept more EnqueueEntry calls while the commit is
// outstanding (spec.md section 4.3: a partial commit may be in
// flight while the active block keeps growing), which is why the
// entries returned here are a copy rather than a live slice.
//
// Must be called on the journal thread; the caller runs the actual
// encode+write off that thread (in its own goroutine, mirroring how
// mit-pdos-go-journal/wal/logger.go drops memLock around its blocking
// disk write) and reports the result back through FinishCommit.
func (b *Block) BeginCommit() (blockNumber uint64, header codec.BlockHeader, entries []codec.Entry) {
	if b.committing {
		panic("journalblock: commit while already committing")
	}
	b.entriesInCommit = b.uncommittedEntryCount
	b.committing = true
	header = codec.BlockHeader{
		Nonce:          b.nonce,
		RecoveryCount:  b.recoveryCount,
		SequenceNumber: b.sequenceNumber,
		EntryCount:     uint16(len(b.entries)),
	}
	entries = make([]codec.Entry, len(b.entries))
	copy(entries, b.entries)
	util.DPrintf(5, "journalblock: block %d begin commit of %d entries (seq %d)\n", b.BlockNumber, b.entriesInCommit, b.sequenceNumber)
	return b.BlockNumber, header, entries
}

// FinishCommit applies the outcome of an outstanding BeginCommit,
// regardless of whether the I/O succeeded: it returns the waiters
// that were part of this commit, in order, so the caller can notify
// each with nil (success) or the I/O error. Panics if no commit is
// outstanding.
func (b *Block) FinishCommit() []*waitqueue.Waiter {
	if !b.committing {
		panic("journalblock: finish commit with none outstanding")
	}
	n := b.entriesInCommit
	committed := make([]*waitqueue.Waiter, n)
	copy(committed, b.entryWaiters[:n])
	remaining := make([]*waitqueue.Waiter, len(b.entryWaiters)-n)
	copy(remaining, b.entryWaiters[n:])
	b.entryWaiters = remaining
	b.uncommittedEntryCount -= n
	b.entriesInCommit = 0
	b.committing = false
	b.committedCount += n
	return committed
}

// CommitPoint reports the cumulative (sequence, entry) point of the
// most recently committed entry in this block, i.e. the point a
// caller must have reached before it may treat this block's commits
// as durable. Distinct from the per-entry point EnqueueEntry returns:
// this one only ever advances on FinishCommit and never regresses
// across a block's successive partial commits.
func (b *Block) CommitPoint() common.JournalPoint {
	return common.JournalPoint{SequenceNumber: b.sequenceNumber, EntryCount: common.EntryIndex(b.committedCount)}
}

// FailAll removes every currently queued entry waiter and returns
// them, in order, for the caller to notify with err; the block itself
// notifies no one. Used when the journal enters read-only mode
// (spec.md section 7).
func (b *Block) FailAll(err error) []*waitqueue.Waiter {
	waiters := b.entryWaiters
	b.entryWaiters = nil
	b.uncommittedEntryCount = 0
	return waiters
}

// RecoveryCount reports the generation byte stamped into this block's
// header.
func (b *Block) RecoveryCount() uint8 {
	return b.recoveryCount
}

package recoveryjournal

import (
	"sync"

	"github.com/blockdedupe/corevdo/codec"
	"github.com/blockdedupe/corevdo/common"
	"github.com/blockdedupe/corevdo/diskio"
	"github.com/blockdedupe/corevdo/journalblock"
	"github.com/blockdedupe/corevdo/lockcounter"
	"github.com/blockdedupe/corevdo/util"
	"github.com/blockdedupe/corevdo/vio"
	"github.com/blockdedupe/corevdo/waitqueue"
)

// entryRequest is the payload a waiter on incrementWaiters or
// decrementWaiters carries while parked awaiting admission (spec.md
// section 9: "each waiter carries an embedded link, plus a callback +
// context").
type entryRequest struct {
	vio          vio.DataVIO
	op           common.OperationKind
	lbn          common.BlockNumber
	pbn          common.BlockNumber
	mappingState common.MappingState
}

// Stats is a snapshot of the journal's cumulative counters (spec.md
// section 4 supplemented feature: original_source's recoveryJournal.c
// tracks statistics like entriesWritten/disk_full). LogicalBlocksUsed
// and BlockMapDataBlocks are the two fields Save persists; the other
// counters are not persisted.
type Stats struct {
	LogicalBlocksUsed  uint64
	BlockMapDataBlocks uint64
	DiskFullCount      uint64
	EntriesCommitted   uint64
	BlocksReaped       uint64
}

// Journal is the recovery journal (spec.md section 3/4.3): a circular
// write-ahead log admitting reference-count-delta entries, ordering
// them into fixed-size on-disk blocks, and reaping space once
// downstream zones release it.
//
// All mutation is meant to happen on a single logical "journal
// thread"; mu stands in for that executor the way the teacher's
// Walog serializes logAppend/logInstall across goroutines with
// memLock even though the WAL is conceptually single-threaded.
type Journal struct {
	mu sync.Mutex

	cfg           Config
	disk          diskio.Disk
	lockCounter   *lockcounter.LockCounter
	blockMap      BlockMap
	slabDepot     SlabDepot
	physicalLayer PhysicalLayer
	notifier      ReadOnlyNotifier

	entriesPerBlock int
	journalSize     uint32
	usableBlocks    uint32

	tail                  common.SequenceNumber
	appendPoint           common.JournalPoint
	lastWriteAcknowledged common.SequenceNumber
	commitPoint           common.JournalPoint

	blockMapHead        common.SequenceNumber
	slabJournalHead     common.SequenceNumber
	blockMapReapHead    common.SequenceNumber
	slabJournalReapHead common.SequenceNumber

	availableSpace        int64
	pendingDecrementCount int64

	incrementWaiters waitqueue.Queue
	decrementWaiters waitqueue.Queue

	freeTailBlocks    waitqueue.Ring // of *journalblock.Block
	activeTailBlocks  waitqueue.Ring // of *journalblock.Block, ascending sequence order
	activeBlock       *journalblock.Block
	pendingWriteCount int

	reaping       bool
	addingEntries bool
	readOnly      bool

	admin *AdminState
	stats Stats
}

// New constructs a Journal in StateNew (not yet Open) over disk,
// backed by cfg. lockCounter must be sized to cfg.JournalSize slots.
func New(cfg Config, disk diskio.Disk, lockCounter *lockcounter.LockCounter, blockMap BlockMap, slabDepot SlabDepot, physicalLayer PhysicalLayer, notifier ReadOnlyNotifier) *Journal {
	if cfg.TailBufferSize < 8 {
		panic("recoveryjournal: tail_buffer_size must be at least 8")
	}
	j := &Journal{
		cfg:             cfg,
		disk:            disk,
		lockCounter:     lockCounter,
		blockMap:        blockMap,
		slabDepot:       slabDepot,
		physicalLayer:   physicalLayer,
		notifier:        notifier,
		entriesPerBlock: codec.EntriesPerBlock,
		journalSize:     cfg.JournalSize,
		usableBlocks:    UsableBlocks(cfg.JournalSize),
		admin:           NewAdminState(),
	}
	j.availableSpace = int64(j.entriesPerBlock) * int64(j.usableBlocks)
	// A fresh journal's first block is sequence 1, not 0: tail and
	// every head/append_point/last_write_acknowledged start there
	// (recoveryJournal.c's initialize_journal_state), so a resumed
	// journal never mistakes an untouched slot for one already reaped.
	j.tail = 1
	j.appendPoint = common.JournalPoint{SequenceNumber: j.tail}
	j.lastWriteAcknowledged = j.tail
	j.blockMapHead = j.tail
	j.slabJournalHead = j.tail
	j.blockMapReapHead = j.tail
	j.slabJournalReapHead = j.tail
	for i := uint32(0); i < cfg.TailBufferSize; i++ {
		j.freeTailBlocks.PushBack(waitqueue.NewNode(journalblock.New()))
	}
	if notifier != nil {
		notifier.RegisterListener(j.onReadOnly)
	}
	return j
}

// Open transitions the journal from freshly constructed to normal
// operation. Only legal once.
func (j *Journal) Open() error {
	return j.admin.Open()
}

// Stats returns a snapshot of the journal's cumulative counters.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// CommitPoint reports the cumulative (sequence, entry) point up to
// which every entry has been made durable. Every released DataVIO's
// journal point is guaranteed to be at or before this point.
func (j *Journal) CommitPoint() common.JournalPoint {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commitPoint
}

// IsReadOnly reports whether the journal has entered its absorbing
// read-only state.
func (j *Journal) IsReadOnly() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readOnly
}

// onReadOnly is registered with the notifier at construction; it
// re-runs checkForDrainComplete the way spec.md section 7 says every
// read-only listener must before acknowledging.
func (j *Journal) onReadOnly(err error, ack func()) {
	j.mu.Lock()
	j.readOnly = true
	j.admin.EnterReadOnly()
	j.checkForDrainCompleteLocked()
	j.mu.Unlock()
	ack()
}

func (j *Journal) enterReadOnlyLocked(err error) {
	if j.readOnly {
		return
	}
	j.readOnly = true
	if j.notifier != nil {
		// EnterReadOnlyMode re-enters onReadOnly synchronously in the
		// simple in-package Notifier, which would deadlock retaking
		// mu; drop the lock for the notifier call and reacquire.
		j.mu.Unlock()
		j.notifier.EnterReadOnlyMode(err)
		j.mu.Lock()
	} else {
		j.admin.EnterReadOnly()
	}
}

// AddEntry admits a single reference-count-delta entry (spec.md
// section 4.3, add_entry). It returns synchronously; success or
// failure of the entry itself is delivered later via dv.Continue() or
// dv.Fail(err) once the entry commits (or the journal goes
// read-only).
func (j *Journal) AddEntry(dv vio.DataVIO, op common.OperationKind, lbn, pbn common.BlockNumber, mappingState common.MappingState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.readOnly {
		return common.ErrReadOnly
	}
	if !j.admin.IsNormal() {
		return common.ErrInvalidAdminState
	}

	j.appendPoint.EntryCount++

	req := &entryRequest{vio: dv, op: op, lbn: lbn, pbn: pbn, mappingState: mappingState}
	w := &waitqueue.Waiter{Context: req}
	if op.IsIncrement() {
		j.incrementWaiters.Enqueue(w)
	} else {
		j.decrementWaiters.Enqueue(w)
	}
	j.assignEntriesLocked()
	return nil
}

// assignEntriesLocked is spec.md section 4.3's assign_entries,
// guarded against re-entrancy by addingEntries (spec.md section 9:
// "the journal's entry-assignment pass can trigger writes that
// complete synchronously in some test layers").
func (j *Journal) assignEntriesLocked() {
	if j.addingEntries {
		return
	}
	j.addingEntries = true
	defer func() { j.addingEntries = false }()

	for {
		w := j.decrementWaiters.Front()
		if w == nil {
			break
		}
		if j.availableSpace <= 0 {
			j.enterReadOnlyLocked(common.ErrJournalFull)
			j.drainAllWaitersLocked(common.ErrJournalFull)
			return
		}
		j.decrementWaiters.Dequeue()
		j.assignEntryLocked(w.Context.(*entryRequest))
	}

	for {
		w := j.incrementWaiters.Front()
		if w == nil {
			break
		}
		if j.availableSpace-j.pendingDecrementCount <= 1 {
			j.stats.DiskFullCount++
			break
		}
		j.incrementWaiters.Dequeue()
		j.assignEntryLocked(w.Context.(*entryRequest))
	}

	j.writeBlocksLocked()
	j.checkSlabJournalCommitThresholdLocked()
}

func (j *Journal) assignEntryLocked(req *entryRequest) {
	if j.activeBlock == nil || j.activeBlock.IsFull() {
		if !j.advanceTailLocked() {
			req.vio.Fail(common.ErrDiskFull)
			j.stats.DiskFullCount++
			return
		}
	}

	switch req.op {
	case common.DataIncrement:
		if req.mappingState != common.MappingStateUnmapped {
			j.stats.LogicalBlocksUsed++
		}
		j.pendingDecrementCount++
	case common.DataDecrement:
		if req.mappingState != common.MappingStateUnmapped {
			if j.stats.LogicalBlocksUsed > 0 {
				j.stats.LogicalBlocksUsed--
			}
		}
		if j.pendingDecrementCount <= 0 {
			j.enterReadOnlyLocked(common.ErrJournalFull)
			req.vio.Fail(common.ErrJournalFull)
			return
		}
		j.pendingDecrementCount--
		// The paired increment's per-entry lock protects the slot in
		// the block that recorded the increment, not the block this
		// decrement itself lands in; release that one.
		incrementBlock := uint32(uint64(req.vio.DecrementJournalPoint().SequenceNumber) % uint64(j.journalSize))
		j.lockCounter.ReleaseJournalZoneReference(incrementBlock)
	case common.BlockMapIncrement:
		j.stats.BlockMapDataBlocks++
	default:
		j.enterReadOnlyLocked(common.ErrNotImplemented)
		req.vio.Fail(common.ErrNotImplemented)
		return
	}

	j.availableSpace--
	dv := req.vio
	entry := codec.Entry{Operation: req.op, MappingState: req.mappingState, LBN: req.lbn, PBN: req.pbn}
	waiter := &waitqueue.Waiter{Notify: func(err error) {
		if err != nil {
			dv.Fail(err)
			return
		}
		dv.Continue()
	}}
	j.activeBlock.EnqueueEntry(entry, waiter)
}

// advanceTailLocked pops a free block, initializes it as the new
// active block, and advances tail. Reports false if there is no free
// resident block to reuse (spec.md section 4.3: "If the new block
// cannot fit (tail - head > size), admission fails for this cycle").
// It also reports false, after entering read-only mode with
// ErrJournalOverflow, when the advanced tail reaches
// common.MaxSequenceNumber.
func (j *Journal) advanceTailLocked() bool {
	node := j.freeTailBlocks.PopFront()
	if node == nil {
		return false
	}
	block := node.Value().(*journalblock.Block)
	offset := uint64(j.tail) % uint64(j.journalSize)
	block.Reset(offset, j.tail, j.cfg.Nonce, j.cfg.RecoveryCount)
	j.lockCounter.Initialize(uint32(offset), int32(j.entriesPerBlock)+1)
	j.activeTailBlocks.PushBack(waitqueue.NewNode(block))
	j.activeBlock = block
	j.tail++
	if j.tail >= common.MaxSequenceNumber {
		j.enterReadOnlyLocked(common.ErrJournalOverflow)
		return false
	}
	if j.blockMap != nil {
		j.blockMap.AdvanceBlockMapEra(j.tail)
	}
	util.DPrintf(1, "recoveryjournal: advance tail to seq %d (block %d)\n", j.tail, offset)
	return true
}

func (j *Journal) checkSlabJournalCommitThresholdLocked() {
	if j.slabDepot == nil {
		return
	}
	if uint64(j.tail)-uint64(j.slabJournalHead) > uint64(j.journalSize)*2/3 {
		j.slabDepot.CommitOldestSlabJournalTailBlocks(j.slabJournalHead)
	}
}

func (j *Journal) drainAllWaitersLocked(err error) {
	for {
		w := j.decrementWaiters.Dequeue()
		if w == nil {
			break
		}
		w.Context.(*entryRequest).vio.Fail(err)
	}
	for {
		w := j.incrementWaiters.Dequeue()
		if w == nil {
			break
		}
		w.Context.(*entryRequest).vio.Fail(err)
	}
}

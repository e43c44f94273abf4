package recoveryjournal

import (
	"fmt"

	"github.com/blockdedupe/corevdo/codec"
	"github.com/blockdedupe/corevdo/common"
	"github.com/blockdedupe/corevdo/diskio"
	"github.com/blockdedupe/corevdo/lockcounter"
)

// Save produces the persisted state-7.0 record (spec.md section 6):
// JournalStart is the sequence number a resumed journal should begin
// recovering from. A cleanly Saved journal used tail, since everything
// before it is already reaped or accounted for by the time a save
// completes. A journal saved read-only (an unclean stop) instead uses
// min(block_map_head, slab_journal_head), the oldest sequence number
// either downstream zone might still need recovered.
func (j *Journal) Save() (codec.State, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var journalStart common.SequenceNumber
	switch {
	case j.admin.IsSaved():
		journalStart = j.tail
	case j.admin.IsReadOnly():
		journalStart = j.blockMapHead
		if j.slabJournalHead < journalStart {
			journalStart = j.slabJournalHead
		}
	default:
		return codec.State{}, fmt.Errorf("%w: save from %v", common.ErrInvalidAdminState, j.admin.Current())
	}
	return codec.State{
		JournalStart:       uint64(journalStart),
		LogicalBlocksUsed:  j.stats.LogicalBlocksUsed,
		BlockMapDataBlocks: j.stats.BlockMapDataBlocks,
	}, nil
}

// Load reconstructs a Journal from a previously Saved state record
// (spec.md section 9, Open Question (i)): the journal starts in
// StateLoaded rather than NormalOperation, matching every other path
// through New, and the caller must call Resume before admitting
// entries.
func Load(state codec.State, cfg Config, disk diskio.Disk, lockCounter *lockcounter.LockCounter, blockMap BlockMap, slabDepot SlabDepot, physicalLayer PhysicalLayer, notifier ReadOnlyNotifier) *Journal {
	j := New(cfg, disk, lockCounter, blockMap, slabDepot, physicalLayer, notifier)
	start := common.SequenceNumber(state.JournalStart)
	j.tail = start
	j.appendPoint = common.JournalPoint{SequenceNumber: start}
	j.commitPoint = common.JournalPoint{SequenceNumber: start}
	j.lastWriteAcknowledged = start
	j.blockMapHead = start
	j.slabJournalHead = start
	j.blockMapReapHead = start
	j.slabJournalReapHead = start
	j.stats.LogicalBlocksUsed = state.LogicalBlocksUsed
	j.stats.BlockMapDataBlocks = state.BlockMapDataBlocks
	j.admin.MarkLoaded()
	return j
}

package recoveryjournal

import "github.com/blockdedupe/corevdo/vio"

// Config is the journal's construction-time configuration, passed
// directly to New the way the teacher configures MkLog(disk) and
// MkAlloc(start, len): plain struct, no config-file or flag library
// (spec.md section 6, parameters).
type Config struct {
	// JournalSize is the total partition size in blocks.
	JournalSize uint32
	// TailBufferSize is the number of in-memory JournalBlocks kept
	// resident; must be at least 8 (spec.md section 6).
	TailBufferSize uint32
	// Nonce is stamped into every block header this journal writes.
	Nonce uint64
	// RecoveryCount is the generation byte stamped into every block
	// header this journal writes.
	RecoveryCount uint8
	// Threads describes the zone layout this journal's LockCounter is
	// sized against.
	Threads vio.ThreadConfig
}

// ReservedBlocks reports how many of size blocks are held back from
// admission (spec.md section 8, boundary behaviors:
// get_recovery_journal_length(size) = size - min(size/4, 8)).
func ReservedBlocks(size uint32) uint32 {
	quarter := size / 4
	if quarter < 8 {
		return quarter
	}
	return 8
}

// UsableBlocks reports the admittable capacity of a journal of size
// blocks.
func UsableBlocks(size uint32) uint32 {
	return size - ReservedBlocks(size)
}

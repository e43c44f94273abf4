package codec

import (
	"fmt"

	"github.com/tchajed/marshal"
)

// Component id and version for the persisted recovery-journal state
// record (spec.md section 6). Compatibility with 7.0 is mandatory.
const (
	RecoveryJournalComponentID = 7
	StateVersionMajor          = 7
	StateVersionMinor          = 0
	StateRecordSize            = 24 // 3 x u64
	StateHeaderSize            = 8  // minor(1)+major(1)+id(1)+reserved(1)+size(4), little-endian
)

// State is the persisted recovery-journal state-7.0 record from
// spec.md section 6.
type State struct {
	JournalStart       uint64
	LogicalBlocksUsed  uint64
	BlockMapDataBlocks uint64
}

// EncodeState packs header + state-7.0 record, little-endian, using
// github.com/tchajed/marshal exactly as the on-disk journal block
// header is packed (codec/journalblock.go), grounded on
// wal/0circular.go's PutInt/GetInt usage.
func EncodeState(s State) []byte {
	enc := marshal.NewEnc(StateHeaderSize + StateRecordSize)
	enc.PutInt32(packHeaderWord())
	enc.PutInt32(StateRecordSize)
	enc.PutInt(s.JournalStart)
	enc.PutInt(s.LogicalBlocksUsed)
	enc.PutInt(s.BlockMapDataBlocks)
	return enc.Finish()
}

// DecodeState unpacks a record written by EncodeState, rejecting any
// header whose id/version/size doesn't match RecoveryJournal 7.0
// (spec.md section 8, property 6).
func DecodeState(data []byte) (State, error) {
	if len(data) < StateHeaderSize+StateRecordSize {
		return State{}, fmt.Errorf("codec: recovery journal state record too short: %d bytes", len(data))
	}
	dec := marshal.NewDec(data)
	headerWord := dec.GetInt32()
	size := dec.GetInt32()

	id, major, minor := unpackHeaderWord(headerWord)
	if id != RecoveryJournalComponentID || major != StateVersionMajor || minor != StateVersionMinor {
		return State{}, fmt.Errorf("codec: recovery journal state header mismatch: id=%d version=%d.%d", id, major, minor)
	}
	if size != StateRecordSize {
		return State{}, fmt.Errorf("codec: recovery journal state size mismatch: got %d want %d", size, StateRecordSize)
	}

	return State{
		JournalStart:       dec.GetInt(),
		LogicalBlocksUsed:  dec.GetInt(),
		BlockMapDataBlocks: dec.GetInt(),
	}, nil
}

func packHeaderWord() uint32 {
	return uint32(RecoveryJournalComponentID)<<16 | uint32(StateVersionMajor)<<8 | uint32(StateVersionMinor)
}

func unpackHeaderWord(w uint32) (id, major, minor uint8) {
	return uint8(w >> 16), uint8(w >> 8), uint8(w)
}

// Package codec packs and unpacks the bit-exact on-disk records named
// in spec.md section 6: the recovery journal's block header/entry
// layout and its persisted state-7.0 record. All fields are
// little-endian, encoded with github.com/tchajed/marshal the same way
// the teacher packs its own on-disk log header
// (mit-pdos-go-journal/wal/0circular.go) and sub-block fields
// (mit-pdos-go-journal/buf/buf.go's BnumGet/BnumPut).
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/tchajed/marshal"

	"github.com/blockdedupe/corevdo/common"
)

// EntriesPerBlock is RECOVERY_JOURNAL_ENTRIES_PER_BLOCK, frozen per
// spec.md section 9 Open Question (iii) at the value implied by
// spec.md section 8's worked examples.
const EntriesPerBlock = 311

// EntrySize is the packed width of one on-disk entry: operation kind
// (1 byte), mapping state (1 byte), logical block number (6 bytes
// LE, 48 bits), physical block number (5 bytes LE, 40 bits).
const EntrySize = 13

// HeaderSize is the packed width of the header fields plus the block
// checksum: nonce (8), recovery count (1), check byte (1), sequence
// number (8), entry count (2), reserved padding (24), checksum (4).
// Only the first 44 bytes sit at the start of the block; the checksum
// is not stored there but after the packed entries.
const HeaderSize = 48

// BlockPayloadSize is how many bytes of the physical block the header
// and its entries may occupy; the value is chosen so exactly
// EntriesPerBlock entries fit after the header, matching the "one
// block of data equals one device block" contract from spec.md
// section 4.2.
const BlockPayloadSize = HeaderSize + EntriesPerBlock*EntrySize

// journalBlockCheckByte is a fixed magic value distinguishing a
// written journal block header from a zeroed/uninitialized block.
const journalBlockCheckByte = 0x5a

// Entry is one packed recovery-journal entry.
type Entry struct {
	Operation    common.OperationKind
	MappingState common.MappingState
	LBN          common.BlockNumber
	PBN          common.BlockNumber
}

// BlockHeader is the packed header of one on-disk journal block.
type BlockHeader struct {
	Nonce          uint64
	RecoveryCount  uint8
	SequenceNumber common.SequenceNumber
	EntryCount     uint16
}

// EncodeBlock packs header and entries into a BlockSize-independent
// byte slice of exactly BlockPayloadSize bytes; the caller pads (or
// the disk block itself provides) the remainder up to the physical
// block size.
func EncodeBlock(hdr BlockHeader, entries []Entry) ([]byte, error) {
	if len(entries) > EntriesPerBlock {
		return nil, fmt.Errorf("codec: %d entries exceeds EntriesPerBlock (%d)", len(entries), EntriesPerBlock)
	}
	if hdr.SequenceNumber >= common.MaxSequenceNumber {
		return nil, fmt.Errorf("codec: %w", common.ErrJournalOverflow)
	}

	// Nonce and sequence number are the two 8-byte fields; pack them
	// with marshal the same way the teacher packs its log header
	// (wal/0circular.go's PutInt/GetInt), and hand-pack the narrower
	// fields around them since marshal.Enc has no 1- or 2-byte puts.
	enc := marshal.NewEnc(16)
	enc.PutInt(hdr.Nonce)
	enc.PutInt(uint64(hdr.SequenceNumber))
	ints := enc.Finish()

	header := make([]byte, 0, HeaderSize-4)
	header = append(header, ints[0:8]...)              // nonce
	header = append(header, hdr.RecoveryCount)          // recovery count
	header = append(header, journalBlockCheckByte)      // check byte
	header = append(header, ints[8:16]...)              // sequence number
	header = binary.LittleEndian.AppendUint16(header, hdr.EntryCount)
	header = append(header, make([]byte, HeaderSize-4-len(header))...) // reserved padding

	body := make([]byte, EntriesPerBlock*EntrySize)
	for i, e := range entries {
		if uint64(e.LBN) >= 1<<48 || uint64(e.PBN) >= 1<<40 {
			return nil, fmt.Errorf("codec: entry %d block number out of range (lbn %d, pbn %d)", i, e.LBN, e.PBN)
		}
		packEntry(body[i*EntrySize:(i+1)*EntrySize], e)
	}

	checksum := crc32.ChecksumIEEE(append(append([]byte{}, header...), body...))
	full := append(header, body...)
	crcBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBytes, checksum)
	full = append(full, crcBytes...)
	return full, nil
}

// headerFieldsSize is HeaderSize minus the trailing 4-byte checksum:
// the span actually covered by the header fields.
const headerFieldsSize = HeaderSize - 4

// DecodeBlock unpacks a journal block previously written by
// EncodeBlock, validating the check byte and checksum.
func DecodeBlock(data []byte) (BlockHeader, []Entry, error) {
	if len(data) < BlockPayloadSize {
		return BlockHeader{}, nil, fmt.Errorf("codec: block too short: %d bytes", len(data))
	}
	header := data[:headerFieldsSize]
	body := data[headerFieldsSize : headerFieldsSize+EntriesPerBlock*EntrySize]
	crcBytes := data[headerFieldsSize+EntriesPerBlock*EntrySize : BlockPayloadSize]

	want := binary.LittleEndian.Uint32(crcBytes)
	got := crc32.ChecksumIEEE(append(append([]byte{}, header...), body...))
	if want != got {
		return BlockHeader{}, nil, fmt.Errorf("codec: journal block checksum mismatch")
	}

	nonceBytes := append(append([]byte{}, header[0:8]...), header[10:18]...)
	dec := marshal.NewDec(nonceBytes)
	nonce := dec.GetInt()
	recoveryCount := header[8]
	checkByte := header[9]
	if checkByte != journalBlockCheckByte {
		return BlockHeader{}, nil, fmt.Errorf("codec: journal block check byte mismatch (got %#x)", checkByte)
	}
	seq := common.SequenceNumber(dec.GetInt())
	entryCount := binary.LittleEndian.Uint16(header[18:20])
	if int(entryCount) > EntriesPerBlock {
		return BlockHeader{}, nil, fmt.Errorf("codec: entry count %d exceeds EntriesPerBlock", entryCount)
	}

	entries := make([]Entry, entryCount)
	for i := range entries {
		entries[i] = unpackEntry(body[i*EntrySize : (i+1)*EntrySize])
	}

	hdr := BlockHeader{
		Nonce:          nonce,
		RecoveryCount:  recoveryCount,
		SequenceNumber: seq,
		EntryCount:     entryCount,
	}
	return hdr, entries, nil
}

func packEntry(dst []byte, e Entry) {
	dst[0] = byte(e.Operation)
	dst[1] = byte(e.MappingState)
	putUint48LE(dst[2:8], uint64(e.LBN))
	putUint40LE(dst[8:13], uint64(e.PBN))
}

func unpackEntry(src []byte) Entry {
	return Entry{
		Operation:    common.OperationKind(src[0]),
		MappingState: common.MappingState(src[1]),
		LBN:          common.BlockNumber(getUint48LE(src[2:8])),
		PBN:          common.BlockNumber(getUint40LE(src[8:13])),
	}
}

func putUint48LE(dst []byte, v uint64) {
	for i := 0; i < 6; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func getUint48LE(src []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}

func putUint40LE(dst []byte, v uint64) {
	for i := 0; i < 5; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func getUint40LE(src []byte) uint64 {
	var v uint64
	for i := 0; i < 5; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}

// ValidateNonce reports whether a decoded header belongs to the
// journal generation identified by expected. This is a supplemented
// feature (SPEC_FULL.md section 4.2): recovery replay is out of scope
// for this repo, but the nonce it would check is already part of the
// bit-exact header, so a future replayer (or a test) can reuse this
// helper instead of re-deriving the header layout.
func ValidateNonce(hdr BlockHeader, expected uint64) bool {
	return hdr.Nonce == expected
}

// Package util provides leveled debug logging and small numeric
// helpers shared by every component of the journal and hash-lock
// core.
package util

import "log"

// Debug is the maximum level that will be printed. Raise it locally
// while debugging a specific subsystem.
const Debug uint64 = 1

// DPrintf prints format/a if level is at or below Debug.
func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Printf(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	}
	return m
}

// SumOverflows reports whether a+b wraps around uint64.
func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}

// CloneByteSlice returns a fresh copy of b so callers can hand out
// disk-block-backed slices without aliasing internal state.
func CloneByteSlice(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

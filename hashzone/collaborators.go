package hashzone

import (
	"github.com/blockdedupe/corevdo/hashlock"
	"github.com/blockdedupe/corevdo/vio"
)

// Driver is the subset of a hash lock's asynchronous work that is
// external to this core (spec.md section 1's Non-goals: the dedup
// index, the compressor/packer, and physical I/O all live outside
// this repo). A concrete Driver calls back into the owning Zone's
// FinishQuerying/FinishVerifying/FinishUpdating once its step
// completes.
type Driver interface {
	// StartQuerying looks up agent's content hash in the dedup index
	// and calls zone.FinishQuerying(lock) once it knows whether a
	// duplicate candidate exists.
	StartQuerying(agent vio.DataVIO, lock *hashlock.HashLock)
	// StartWriting compresses and physically writes agent's data
	// (or packs it), then calls zone.Continue(agent).
	StartWriting(agent vio.DataVIO, lock *hashlock.HashLock)
	// StartVerifying reads the advice block and byte-compares it
	// against agent's data, then calls
	// zone.FinishVerifying(lock, matched).
	StartVerifying(agent vio.DataVIO, lock *hashlock.HashLock)
	// StartUpdating records the verified duplicate in the dedup
	// index, then calls zone.FinishUpdating(lock).
	StartUpdating(agent vio.DataVIO, lock *hashlock.HashLock)
	// LaunchDedupeWriters starts every current holder (lock.Holders())'s
	// block-map update against lock.Duplicate().PBN in parallel; each
	// calls zone.Continue(holder) as it finishes.
	LaunchDedupeWriters(lock *hashlock.HashLock)
	// SendToCompressAndWrite routes dv onto the plain write path,
	// bypassing deduplication entirely.
	SendToCompressAndWrite(dv vio.DataVIO)
	// CancelCompression asks the packer to release agent immediately
	// instead of holding it for a compressed batch, reporting whether
	// it was able to.
	CancelCompression(agent vio.DataVIO) bool
}

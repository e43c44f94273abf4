// Package pbnlock implements the PBN lock shim spec.md section 4.6
// describes as an external collaborator contract: shared/exclusive
// per-physical-block locks with an integer increment budget. Grounded
// on the teacher's lockmap.LockMap
// (_examples/mit-pdos-go-journal/lockmap/lock.go): a sharded map keyed
// by block number, one mutex per shard. The hash lock needs a
// read/write mode and a per-lock increment budget that goose-nfsd's
// lockmap has no use for (it has no deduplication), so those fields
// are new; the sharding and per-shard-mutex shape is carried over
// directly.
package pbnlock

import (
	"sync"
	"sync/atomic"

	"github.com/blockdedupe/corevdo/common"
)

// Mode is the acquisition mode of a PBN lock.
type Mode int

const (
	// ReadMode is the shared mode used while deduping against a
	// block: many DataVIOs may hold it at once via HolderCount.
	ReadMode Mode = iota
	// WriteMode is the exclusive mode used while writing, compressing,
	// or block-map-updating a physical block.
	WriteMode
)

// Lock is one physical-block lock. IncrementLimit is decremented
// atomically by ClaimPBNLockIncrement since claims can race in from
// any physical zone; Mode and HolderCount are only ever touched on
// the owning zone's shard mutex.
type Lock struct {
	PBN            common.BlockNumber
	Mode           Mode
	IncrementLimit int32 // atomic
	HolderCount    int
}

const numShards = 43 // grounded on lockmap.LockMap's NSHARD constant

type shard struct {
	mu    sync.Mutex
	locks map[common.BlockNumber]*Lock
}

// Zone is one physical zone's PBN lock table.
type Zone struct {
	shards [numShards]*shard
}

// NewZone builds an empty PBN lock table.
func NewZone() *Zone {
	z := &Zone{}
	for i := range z.shards {
		z.shards[i] = &shard{locks: make(map[common.BlockNumber]*Lock)}
	}
	return z
}

func (z *Zone) shardFor(pbn common.BlockNumber) *shard {
	return z.shards[uint64(pbn)%uint64(len(z.shards))]
}

// AttemptPBNLock returns the existing lock for pbn if one is already
// held (of whatever mode it was created with), or creates a fresh
// lock in mode with a zero increment limit and zero holders. The
// second return value reports whether the lock was freshly created.
func (z *Zone) AttemptPBNLock(pbn common.BlockNumber, mode Mode) (*Lock, bool) {
	s := z.shardFor(pbn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[pbn]; ok {
		return lock, false
	}
	lock := &Lock{PBN: pbn, Mode: mode}
	s.locks[pbn] = lock
	return lock, true
}

// IsPBNReadLock reports whether lock was acquired (or downgraded to)
// ReadMode.
func IsPBNReadLock(lock *Lock) bool {
	return lock.Mode == ReadMode
}

// DowngradePBNWriteLock converts a write lock into a read lock so
// other DataVIOs may share it for deduplication. Owning-zone only.
func DowngradePBNWriteLock(lock *Lock) {
	lock.Mode = ReadMode
}

// ClaimPBNLockIncrement atomically consumes one of lock's remaining
// increment references, returning false once the budget is
// exhausted. Safe to call from any physical zone.
func ClaimPBNLockIncrement(lock *Lock) bool {
	for {
		cur := atomic.LoadInt32(&lock.IncrementLimit)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&lock.IncrementLimit, cur, cur-1) {
			return true
		}
	}
}

// SetIncrementLimit sets the initial claimable budget for a
// freshly-provisioned lock. Owning-zone only, called once from
// lock_duplicate_pbn before any claim can race in.
func SetIncrementLimit(lock *Lock, limit int32) {
	atomic.StoreInt32(&lock.IncrementLimit, limit)
}

// AddHolder increments HolderCount when a hash lock takes ownership
// of an existing PBN lock (setDuplicateLock in spec.md section 4.5).
// Owning-zone only.
func (z *Zone) AddHolder(lock *Lock) {
	s := z.shardFor(lock.PBN)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.HolderCount++
}

// ReleasePBNLock drops one holder of the lock on pbn; once no holders
// remain the lock is removed from the table entirely.
func (z *Zone) ReleasePBNLock(pbn common.BlockNumber) {
	s := z.shardFor(pbn)
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[pbn]
	if !ok {
		panic("pbnlock: release of a pbn with no lock held")
	}
	lock.HolderCount--
	if lock.HolderCount <= 0 {
		delete(s.locks, pbn)
	}
}

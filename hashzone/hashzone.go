// Package hashzone implements the sharded-by-hash lock table spec.md
// section 4.4 calls a hash zone: the map from content hash to
// in-progress HashLock, a free-list pool of retired locks, dedup
// counters, and the acquire/enter/continue/abort entry points every
// DataVIO drives its hash lock through.
//
// Grounded on the teacher's shardmap.BlockMap
// (_examples/mit-pdos-go-journal/shardmap/shardmap.go): a fixed shard
// count, one mutex per shard, keyed lookups. This table keys on a
// [32]byte content hash rather than a block address and additionally
// needs a free-list pool (HashLock structs are large enough, and
// dedup workloads churn through hashes fast enough, that recycling
// beats allocating fresh on every acquire), so the shard's state
// carries both a map and a pool slice instead of shardmap's bare map.
// A HashLock's methods assume a single caller at a time (the same
// no-internal-locking convention as waitqueue); the shard mutex that
// guards its table entry is what actually provides that, exactly as
// shardmap's per-shard mutex serializes access to its own entries.
package hashzone

import (
	"sync"

	"github.com/blockdedupe/corevdo/hashlock"
	"github.com/blockdedupe/corevdo/pbnlock"
	"github.com/blockdedupe/corevdo/vio"
)

// Hash is the content-hash key a Zone's table is keyed by.
type Hash = hashlock.Hash

// numShards mirrors shardmap.BlockMap's sharding shape at a size that
// suits an in-memory hash-lock table rather than shardmap's
// disk-block-count-sized NSHARD.
const numShards = 251

type shard struct {
	mu    sync.Mutex
	table map[Hash]*hashlock.HashLock
	pool  []*hashlock.HashLock
}

// Stats is a point-in-time snapshot of a Zone's dedup counters
// (spec.md section 4.4, supplemented per SPEC_FULL.md's hash-lock
// statistics).
type Stats struct {
	DedupeAdviceValid     uint64
	DedupeAdviceStale     uint64
	ConcurrentDataMatches uint64
	HashCollisions        uint64
	CurrDedupeQueries     int64
	MaxReferencesExceeded uint64
}

// Zone is one hash zone's lock table plus its collaborators.
type Zone struct {
	shards [numShards]*shard

	pbnZone   *pbnlock.Zone
	slabDepot hashlock.SlabDepot
	driver    Driver

	statsMu sync.Mutex
	stats   Stats
}

// New builds an empty hash zone.
func New(pbnZone *pbnlock.Zone, slabDepot hashlock.SlabDepot, driver Driver) *Zone {
	z := &Zone{pbnZone: pbnZone, slabDepot: slabDepot, driver: driver}
	for i := range z.shards {
		z.shards[i] = &shard{table: make(map[Hash]*hashlock.HashLock)}
	}
	return z
}

func (z *Zone) shardFor(hash Hash) *shard {
	var idx uint64
	for _, b := range hash[:8] {
		idx = idx<<8 | uint64(b)
	}
	return z.shards[idx%numShards]
}

// Stats returns a snapshot of the zone's dedup counters.
func (z *Zone) Stats() Stats {
	z.statsMu.Lock()
	defer z.statsMu.Unlock()
	return z.stats
}

// Enter is the entry point a DataVIO drives once it has computed its
// content hash: look up (or allocate) the hash's lock, check for a
// hash collision against whoever is already using it, and either join
// the lock or route straight to a plain write (spec.md section 4.5's
// Hash collision handling).
func (z *Zone) Enter(dv vio.DataVIO) {
	hash := Hash(dv.ContentHash())
	s := z.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.table[hash]
	if ok && lock.HasCollisionWith(dv) {
		z.statsMu.Lock()
		z.stats.HashCollisions++
		z.statsMu.Unlock()
		z.driver.SendToCompressAndWrite(dv)
		return
	}
	if !ok {
		lock = z.takeFromPoolLocked(s, hash)
		s.table[hash] = lock
	}
	lock.Enter(dv)
}

// Continue re-enters a DataVIO's hash lock after one of its
// asynchronous steps completes (spec.md section 4.5's
// continue_hash_lock, Writing/Deduping/Bypassing paths).
func (z *Zone) Continue(dv vio.DataVIO) {
	hash := Hash(dv.ContentHash())
	s := z.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockedLocked(hash).Continue(dv)
}

// Abort routes dv (and, if it is the lock's agent or its sole remaining
// holder, its whole lock) around deduplication after an unrecoverable error (spec.md
// section 4.5's abort_hash_lock).
func (z *Zone) Abort(dv vio.DataVIO, err error) {
	hash := Hash(dv.ContentHash())
	s := z.shardFor(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockedLocked(hash).Abort(dv, err)
}

// Bypass sends dv straight to the plain write path without ever
// touching the hash lock table (the fast bypass entry point;
// SPEC_FULL.md's supplemented hash-lock feature 4 — used when the
// caller already knows deduplication cannot apply, e.g. zero-fill
// writes or writes shorter than a full block).
func (z *Zone) Bypass(dv vio.DataVIO) {
	z.driver.SendToCompressAndWrite(dv)
}

func (s *shard) lockedLocked(hash Hash) *hashlock.HashLock {
	lock, ok := s.table[hash]
	if !ok {
		panic("hashzone: continue/abort/finish for a hash with no active lock")
	}
	return lock
}

// FinishQuerying is called by Driver once StartQuerying completes.
func (z *Zone) FinishQuerying(lock *hashlock.HashLock) {
	s := z.shardFor(lock.Hash())
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.FinishQuerying()
}

// FinishVerifying is called by Driver once StartVerifying completes.
func (z *Zone) FinishVerifying(lock *hashlock.HashLock, dataMatches bool) {
	s := z.shardFor(lock.Hash())
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.FinishVerifying(dataMatches)
}

// FinishUpdating is called by Driver once StartUpdating completes.
func (z *Zone) FinishUpdating(lock *hashlock.HashLock) {
	s := z.shardFor(lock.Hash())
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.FinishUpdating()
}

func (z *Zone) takeFromPoolLocked(s *shard, hash Hash) *hashlock.HashLock {
	if n := len(s.pool); n > 0 {
		lock := s.pool[n-1]
		s.pool = s.pool[:n-1]
		lock.Reset(hash)
		return lock
	}
	lock := hashlock.New(z)
	lock.Reset(hash)
	return lock
}

// AcquireHashLockFromZone implements hashlock.Zone: hash's existing
// lock (unless oldLock forces a fresh one for a fork) or a pooled
// lock, filed into the table under hash. Always called from within a
// method that already holds hash's shard mutex (Enter, or a fork
// triggered by that same shard's lock).
func (z *Zone) AcquireHashLockFromZone(hash Hash, oldLock *hashlock.HashLock) *hashlock.HashLock {
	s := z.shardFor(hash)
	if oldLock == nil {
		if existing, ok := s.table[hash]; ok {
			return existing
		}
	}
	lock := z.takeFromPoolLocked(s, hash)
	s.table[hash] = lock
	return lock
}

// ReturnHashLockToZone implements hashlock.Zone: retires lock from the
// table (if it is still the table's entry for its hash — a forked
// predecessor lock is not) and returns it to the shard's pool. Always
// called with lock's shard mutex already held.
func (z *Zone) ReturnHashLockToZone(lock *hashlock.HashLock) {
	hash := lock.Hash()
	s := z.shardFor(hash)
	if s.table[hash] == lock {
		delete(s.table, hash)
	}
	s.pool = append(s.pool, lock)
}

func (z *Zone) RecordValidAdvice() {
	z.statsMu.Lock()
	z.stats.DedupeAdviceValid++
	z.statsMu.Unlock()
}

func (z *Zone) RecordStaleAdvice() {
	z.statsMu.Lock()
	z.stats.DedupeAdviceStale++
	z.statsMu.Unlock()
}

func (z *Zone) RecordCollision() {
	z.statsMu.Lock()
	z.stats.HashCollisions++
	z.statsMu.Unlock()
}

func (z *Zone) RecordDataMatch() {
	z.statsMu.Lock()
	z.stats.ConcurrentDataMatches++
	z.statsMu.Unlock()
}

// RecordMaxReferences counts how often a lock's holder count has hit
// MaxReferenceCount (spec.md section 4.4's max-references counter).
func (z *Zone) RecordMaxReferences() {
	z.statsMu.Lock()
	z.stats.MaxReferencesExceeded++
	z.statsMu.Unlock()
}

func (z *Zone) IncrementDedupeQueries() {
	z.statsMu.Lock()
	z.stats.CurrDedupeQueries++
	z.statsMu.Unlock()
}

func (z *Zone) DecrementDedupeQueries() {
	z.statsMu.Lock()
	z.stats.CurrDedupeQueries--
	z.statsMu.Unlock()
}

// StartAgentStep implements hashlock.Zone. Locking is implemented
// directly by this core (spec.md section 4.5's lock_duplicate_pbn);
// every other state's work is external and delegated to Driver.
//
// Always called with lock's shard mutex already held, so every branch
// runs on a freshly spawned goroutine rather than calling out
// synchronously: a Driver (or, for Locking, LockDuplicatePBN's own
// completion) is entitled to call its matching Finish* method
// immediately, which needs to re-acquire that same shard mutex. This
// is the same lock-drop-around-external-work shape as
// recoveryjournal.launchCommitLocked.
func (z *Zone) StartAgentStep(state hashlock.State, agent vio.DataVIO, lock *hashlock.HashLock) {
	switch state {
	case hashlock.StateQuerying:
		go z.driver.StartQuerying(agent, lock)
	case hashlock.StateWriting:
		go z.driver.StartWriting(agent, lock)
	case hashlock.StateLocking:
		go z.runLocking(lock)
	case hashlock.StateVerifying:
		go z.driver.StartVerifying(agent, lock)
	case hashlock.StateUpdating:
		go z.driver.StartUpdating(agent, lock)
	default:
		panic("hashzone: StartAgentStep in an unstartable state")
	}
}

func (z *Zone) runLocking(lock *hashlock.HashLock) {
	hashlock.LockDuplicatePBN(z.pbnZone, z.slabDepot, lock)
	s := z.shardFor(lock.Hash())
	s.mu.Lock()
	defer s.mu.Unlock()
	lock.FinishLocking()
}

// LaunchDedupeWriters implements hashlock.Zone, spawned for the same
// reason as StartAgentStep: each writer it starts may call back into
// Continue for that DataVIO before this call would otherwise return.
func (z *Zone) LaunchDedupeWriters(lock *hashlock.HashLock) { go z.driver.LaunchDedupeWriters(lock) }

func (z *Zone) SendToCompressAndWrite(dv vio.DataVIO) { z.driver.SendToCompressAndWrite(dv) }

// SendForDuplicateLockRelease implements hashlock.Zone: the PBN lock
// release is mechanical bookkeeping this core owns outright, so
// unlike the Driver-delegated steps it runs here directly rather than
// through Driver, then resumes lock's state machine in place. Always
// called with lock's shard mutex already held.
func (z *Zone) SendForDuplicateLockRelease(agent vio.DataVIO, lock *hashlock.HashLock, plock *pbnlock.Lock) {
	z.pbnZone.ReleasePBNLock(plock.PBN)
	lock.FinishUnlocking()
}

func (z *Zone) CancelCompression(agent vio.DataVIO) bool { return z.driver.CancelCompression(agent) }

// ReleaseDuplicatePBNLock implements hashlock.Zone: releases plock
// with no hash lock state transition to follow, used only by Abort
// once the lock has already committed to Bypassing.
func (z *Zone) ReleaseDuplicatePBNLock(plock *pbnlock.Lock) {
	z.pbnZone.ReleasePBNLock(plock.PBN)
}

// AdoptAllocationLock implements hashlock.Zone: plock already exists
// (it was the agent's own allocation lock, just downgraded to read
// mode) so it only needs a holder registered, not a fresh acquire.
func (z *Zone) AdoptAllocationLock(plock *pbnlock.Lock) {
	z.pbnZone.AddHolder(plock)
}

// Package hashlock implements the ten-state hash lock state machine
// from spec.md section 4.5: the per-content-hash coordinator that
// lets concurrently written duplicate blocks share a single physical
// allocation instead of each claiming their own.
//
// There is no filesystem analog for this in the teacher (goose-nfsd
// has no deduplication), so the state machine itself is new domain
// code. Its shape — an explicit State tag on a plain struct rather
// than inferring state from which pointer field is non-nil — follows
// the teacher's general preference for small explicit structs over
// interface-heavy polymorphism (WalogState, sliding).
package hashlock

import (
	"fmt"

	"github.com/blockdedupe/corevdo/common"
	"github.com/blockdedupe/corevdo/pbnlock"
	"github.com/blockdedupe/corevdo/vio"
	"github.com/blockdedupe/corevdo/waitqueue"
)

// Hash is a content-addressable hash key, matching vio.DataVIO's
// ContentHash.
type Hash = [32]byte

// State is one state of the hash lock state machine (spec.md section
// 4.5).
type State int

const (
	StateInitializing State = iota
	StateQuerying
	StateWriting
	StateLocking
	StateVerifying
	StateDeduping
	StateUpdating
	StateUnlocking
	StateBypassing
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateQuerying:
		return "querying"
	case StateWriting:
		return "writing"
	case StateLocking:
		return "locking"
	case StateVerifying:
		return "verifying"
	case StateDeduping:
		return "deduping"
	case StateUpdating:
		return "updating"
	case StateUnlocking:
		return "unlocking"
	case StateBypassing:
		return "bypassing"
	case StateDestroying:
		return "destroying"
	default:
		return "unknown-hash-lock-state"
	}
}

// MaxReferenceCount bounds how many DataVIOs may share one duplicate
// lock before the zone's max-references counter is bumped (spec.md
// section 4.4's counters, mirroring the original's fixed reference
// count ceiling on a physical block).
const MaxReferenceCount = 254

// Duplicate names the physical block a hash lock has settled on
// deduplicating against.
type Duplicate struct {
	PBN          common.BlockNumber
	MappingState common.MappingState
}

// SlabDepot is the subset of the external slab-depot collaborator
// lock_duplicate_pbn calls (spec.md section 4.5's Locking algorithm);
// the rest of its contract belongs to recoveryjournal.
type SlabDepot interface {
	// GetIncrementLimit reports how many more references pbn can take
	// before it must be retired, or zero if it cannot be deduplicated
	// against at all right now.
	GetIncrementLimit(pbn common.BlockNumber) int32
	// AcquireProvisionalReference reserves pbn against premature reuse
	// while lock's holder count climbs from zero.
	AcquireProvisionalReference(pbn common.BlockNumber, lock *pbnlock.Lock) error
}

// Zone is the hash zone's callback surface into hash lock (spec.md
// section 4.4): pool/table management, statistics, and the
// asynchronous steps that are external to this core (index queries,
// compression, byte comparison, index updates — spec.md section 1's
// Non-goals).
type Zone interface {
	// AcquireHashLockFromZone allocates or looks up the lock that
	// should supersede oldLock for hash (used by fork on rollover).
	AcquireHashLockFromZone(hash Hash, oldLock *HashLock) *HashLock
	// ReturnHashLockToZone removes lock from the table and its pool
	// slot becomes reusable.
	ReturnHashLockToZone(lock *HashLock)

	RecordValidAdvice()
	RecordStaleAdvice()
	RecordCollision()
	RecordDataMatch()
	RecordMaxReferences()
	IncrementDedupeQueries()
	DecrementDedupeQueries()

	// StartAgentStep launches the asynchronous work state performs for
	// agent (querying the index, writing/compressing, verifying, or
	// updating the index). The caller of that work must eventually
	// call the matching Finish* method.
	StartAgentStep(state State, agent vio.DataVIO, lock *HashLock)
	// LaunchDedupeWriters starts every current holder's block-map
	// update against lock's duplicate PBN in parallel (Deduping).
	LaunchDedupeWriters(lock *HashLock)
	// SendToCompressAndWrite routes dv onto the plain write path
	// (Bypassing, and the fast bypass entry point).
	SendToCompressAndWrite(dv vio.DataVIO)
	// SendForDuplicateLockRelease hops agent to the duplicate PBN's
	// physical zone to release plock, and calls FinishUnlocking on
	// lock once the release completes (Unlocking).
	SendForDuplicateLockRelease(agent vio.DataVIO, lock *HashLock, plock *pbnlock.Lock)
	// CancelCompression asks the packer to release agent immediately
	// rather than holding it for a compressed batch, reporting whether
	// it was able to.
	CancelCompression(agent vio.DataVIO) bool
	// ReleaseDuplicatePBNLock releases plock outright, with no further
	// hash lock state transition to follow (Abort's cleanup, as
	// opposed to Unlocking's normal FinishUnlocking continuation).
	ReleaseDuplicatePBNLock(plock *pbnlock.Lock)
	// AdoptAllocationLock registers plock as already having a holder
	// (transfer_allocation_lock: the agent's exclusive allocation lock
	// has just been downgraded into the lock the fresh holders in
	// Deduping will share).
	AdoptAllocationLock(plock *pbnlock.Lock)
}

// HashLock is one hash lock (spec.md section 3, HashLock entity).
type HashLock struct {
	hash  Hash
	state State
	zone  Zone

	agent          vio.DataVIO
	waiters        waitqueue.Queue
	duplicate      Duplicate
	duplicateLock  *pbnlock.Lock
	verified       bool
	verifyCounted  bool
	updateAdvice   bool
	duplicateRing  waitqueue.Ring // of vio.DataVIO
	referenceCount int

	// pendingWriteAfterUnlock records whether releasing duplicateLock
	// must be followed by writing fresh data (the duplicate never
	// panned out) or by simply retiring the lock (a write already
	// happened, or the last holder never needed to write its own
	// data).
	pendingWriteAfterUnlock bool
}

// New allocates a HashLock bound to zone, in StateInitializing.
func New(zone Zone) *HashLock {
	return &HashLock{zone: zone, state: StateInitializing}
}

// Reset recycles lock for hash, ready to be pulled from the pool
// (spec.md section 4.4, return_hash_lock_to_zone).
func (lock *HashLock) Reset(hash Hash) {
	if lock.state != StateInitializing && lock.state != StateDestroying {
		panic(fmt.Sprintf("hashlock: reset from live state %v", lock.state))
	}
	lock.hash = hash
	lock.state = StateInitializing
	lock.agent = nil
	lock.waiters = waitqueue.Queue{}
	lock.duplicate = Duplicate{}
	lock.duplicateLock = nil
	lock.verified = false
	lock.verifyCounted = false
	lock.updateAdvice = false
	lock.duplicateRing = waitqueue.Ring{}
	lock.referenceCount = 0
	lock.pendingWriteAfterUnlock = false
}

// Hash reports the content hash this lock is keyed by.
func (lock *HashLock) Hash() Hash { return lock.hash }

// State reports the current state.
func (lock *HashLock) State() State { return lock.state }

// Duplicate reports the current duplicate candidate/verified target.
func (lock *HashLock) Duplicate() Duplicate { return lock.duplicate }

// SetDuplicate records the advice or verified duplicate location.
func (lock *HashLock) SetDuplicate(d Duplicate) { lock.duplicate = d }

// HasCollisionWith reports whether dv's data differs from the data
// already recorded against this lock, per spec.md section 4.5's Hash
// collision handling. Callers must check this before ever calling
// Enter with dv.
func (lock *HashLock) HasCollisionWith(dv vio.DataVIO) bool {
	front := lock.duplicateRing.Front()
	if front == nil {
		return false
	}
	existing := front.Value().(vio.DataVIO)
	return !dv.CompareData(existing)
}

func (lock *HashLock) becomeAgent(dv vio.DataVIO) {
	lock.agent = dv
	lock.referenceCount++
	lock.duplicateRing.PushBack(waitqueue.NewNode(dv))
}

func (lock *HashLock) addHolder(dv vio.DataVIO) {
	lock.referenceCount++
	lock.duplicateRing.PushBack(waitqueue.NewNode(dv))
	if lock.referenceCount >= MaxReferenceCount {
		lock.zone.RecordMaxReferences()
	}
}

// Holders returns every DataVIO currently sharing this lock's
// duplicate allocation, for a Driver's LaunchDedupeWriters to launch a
// block-map writer against.
func (lock *HashLock) Holders() []vio.DataVIO {
	var out []vio.DataVIO
	lock.duplicateRing.Each(func(n *waitqueue.RingNode) {
		out = append(out, n.Value().(vio.DataVIO))
	})
	return out
}

func (lock *HashLock) removeHolder(dv vio.DataVIO) {
	var found *waitqueue.RingNode
	lock.duplicateRing.Each(func(n *waitqueue.RingNode) {
		if found == nil && n.Value() == dv {
			found = n
		}
	})
	if found != nil {
		lock.duplicateRing.Remove(found)
	}
	lock.referenceCount--
}

// Enter is enter_hash_lock (spec.md section 4.5): dv has just joined
// this lock and is not itself a hash collision. Callers must have
// already checked HasCollisionWith.
func (lock *HashLock) Enter(dv vio.DataVIO) {
	switch lock.state {
	case StateInitializing:
		lock.becomeAgent(dv)
		lock.startQuerying()
	case StateQuerying, StateWriting, StateUpdating, StateLocking, StateVerifying, StateUnlocking:
		if lock.state == StateWriting {
			lock.zone.CancelCompression(lock.agent)
		}
		lock.waiters.Enqueue(&waitqueue.Waiter{Context: dv})
	case StateBypassing:
		lock.zone.SendToCompressAndWrite(dv)
	case StateDeduping:
		lock.launchDedupe(dv)
	case StateDestroying:
		panic("hashlock: enter while destroying")
	default:
		panic(fmt.Sprintf("hashlock: enter in unknown state %v", lock.state))
	}
}

// Continue is continue_hash_lock (spec.md section 4.5): an agent's
// (or, for Deduping, a holder's) asynchronous step has completed.
func (lock *HashLock) Continue(dv vio.DataVIO) {
	switch lock.state {
	case StateWriting:
		lock.FinishWriting()
	case StateDeduping:
		lock.FinishDeduping(dv)
	case StateBypassing:
		// dv exits directly; the lock itself has nothing further to do.
	default:
		panic(fmt.Sprintf("hashlock: continue_hash_lock in illegal state %v", lock.state))
	}
}

func (lock *HashLock) startQuerying() {
	lock.state = StateQuerying
	lock.zone.IncrementDedupeQueries()
	lock.zone.StartAgentStep(StateQuerying, lock.agent, lock)
}

// FinishQuerying is called once the dedup index query for the current
// agent completes (spec.md section 4.5, Querying → Locking/Writing).
func (lock *HashLock) FinishQuerying() {
	lock.zone.DecrementDedupeQueries()
	if lock.agent.IsDuplicate() {
		pbn, state := lock.agent.DuplicateAdvice()
		lock.duplicate = Duplicate{PBN: pbn, MappingState: state}
		lock.zone.RecordValidAdvice()
		lock.state = StateLocking
		lock.zone.StartAgentStep(StateLocking, lock.agent, lock)
		return
	}
	lock.updateAdvice = !lock.agent.HasAllocation()
	lock.state = StateWriting
	lock.zone.StartAgentStep(StateWriting, lock.agent, lock)
}

// LockDuplicatePBN is lock_duplicate_pbn (spec.md section 4.5),
// executed on the duplicate block's physical-zone thread. It leaves
// lock.duplicateLock nil if the advice could not be used at all.
func LockDuplicatePBN(pbnZone *pbnlock.Zone, depot SlabDepot, lock *HashLock) {
	pbn := lock.duplicate.PBN
	limit := depot.GetIncrementLimit(pbn)
	if limit == 0 {
		lock.duplicateLock = nil
		return
	}
	plock, fresh := pbnZone.AttemptPBNLock(pbn, pbnlock.ReadMode)
	if !pbnlock.IsPBNReadLock(plock) {
		lock.duplicateLock = nil
		return
	}
	if fresh {
		if err := depot.AcquireProvisionalReference(pbn, plock); err != nil {
			pbnZone.ReleasePBNLock(pbn)
			lock.duplicateLock = nil
			return
		}
		pbnlock.SetIncrementLimit(plock, limit)
	}
	pbnZone.AddHolder(plock)
	lock.duplicateLock = plock
}

// FinishLocking is called once LockDuplicatePBN's result is back on
// the hash zone thread (spec.md section 4.5, Locking → Verifying /
// Deduping / Unlocking / Writing).
func (lock *HashLock) FinishLocking() {
	if lock.duplicateLock == nil {
		lock.zone.RecordStaleAdvice()
		lock.updateAdvice = true
		lock.state = StateWriting
		lock.zone.StartAgentStep(StateWriting, lock.agent, lock)
		return
	}
	if lock.verified {
		if pbnlock.ClaimPBNLockIncrement(lock.duplicateLock) {
			lock.enterDeduping()
			return
		}
		lock.pendingWriteAfterUnlock = true
		lock.state = StateUnlocking
		lock.zone.SendForDuplicateLockRelease(lock.agent, lock, lock.duplicateLock)
		return
	}
	lock.state = StateVerifying
	lock.zone.StartAgentStep(StateVerifying, lock.agent, lock)
}

// FinishVerifying is called once the agent has read and byte-compared
// the advice block (spec.md section 4.5, Verifying → Deduping /
// Unlocking).
func (lock *HashLock) FinishVerifying(dataMatches bool) {
	lock.verifyCounted = true
	if dataMatches {
		lock.verified = true
		if pbnlock.ClaimPBNLockIncrement(lock.duplicateLock) {
			lock.zone.RecordDataMatch()
			lock.enterDeduping()
			return
		}
	}
	lock.updateAdvice = true
	lock.pendingWriteAfterUnlock = true
	lock.state = StateUnlocking
	lock.zone.SendForDuplicateLockRelease(lock.agent, lock, lock.duplicateLock)
}

// enterDeduping transitions into Deduping, folding in any DataVIOs
// that queued up on waiters while the agent was still in Locking or
// Verifying — the same waiters-to-holders promotion FinishWriting and
// FinishUpdating do when they find waiters at their own Deduping
// transition.
func (lock *HashLock) enterDeduping() {
	lock.state = StateDeduping
	lock.agent = nil
	for {
		w := lock.waiters.Dequeue()
		if w == nil {
			break
		}
		lock.addHolder(w.Context.(vio.DataVIO))
	}
	lock.zone.LaunchDedupeWriters(lock)
}

// launchDedupe is the Deduping-branch of Enter (spec.md section 4.5):
// a new DataVIO wants to join an already-Deduping lock.
func (lock *HashLock) launchDedupe(dv vio.DataVIO) {
	if pbnlock.ClaimPBNLockIncrement(lock.duplicateLock) {
		lock.addHolder(dv)
		lock.zone.StartAgentStep(StateDeduping, dv, lock)
		return
	}
	lock.fork(dv)
}

// fork allocates a fresh lock for the same hash when a new holder
// cannot claim an increment on the rolled-over PBN (spec.md section
// 4.5, "Deduping (rollover, mid-path)").
func (lock *HashLock) fork(newEntrant vio.DataVIO) {
	newLock := lock.zone.AcquireHashLockFromZone(lock.hash, lock)
	lock.updateAdvice = false
	newLock.updateAdvice = true
	for {
		w := lock.waiters.Dequeue()
		if w == nil {
			break
		}
		newLock.waiters.Enqueue(&waitqueue.Waiter{Context: w.Context})
	}
	newLock.becomeAgent(newEntrant)
	newLock.state = StateWriting
	lock.zone.StartAgentStep(StateWriting, newEntrant, newLock)
}

// FinishWriting is called once the agent's write/compress step
// completes (spec.md section 4.5, Writing → Deduping / Updating /
// Unlocking / Destroying).
func (lock *HashLock) FinishWriting() {
	agent := lock.agent
	lock.duplicate = Duplicate{PBN: agent.Allocation(), MappingState: common.MappingStateMapped}
	lock.verified = true
	if !lock.waiters.IsEmpty() {
		lock.transferAllocationLock(agent)
		lock.state = StateDeduping
		lock.agent = nil
		for {
			w := lock.waiters.Dequeue()
			if w == nil {
				break
			}
			lock.addHolder(w.Context.(vio.DataVIO))
		}
		lock.zone.LaunchDedupeWriters(lock)
		return
	}
	if lock.updateAdvice {
		lock.state = StateUpdating
		lock.zone.StartAgentStep(StateUpdating, agent, lock)
		return
	}
	if lock.duplicateLock != nil {
		lock.pendingWriteAfterUnlock = false
		lock.state = StateUnlocking
		lock.zone.SendForDuplicateLockRelease(agent, lock, lock.duplicateLock)
		return
	}
	lock.state = StateDestroying
	lock.zone.ReturnHashLockToZone(lock)
}

// transferAllocationLock downgrades agent's exclusive allocation lock
// into the shared duplicate lock waiters are about to hold, instead
// of making each of them acquire a fresh advice-based lock (spec.md
// section 4.5, Writing → Deduping with waiters present).
func (lock *HashLock) transferAllocationLock(agent vio.DataVIO) {
	plock := agent.AllocationLock()
	pbnlock.DowngradePBNWriteLock(plock)
	lock.duplicateLock = plock
	lock.zone.AdoptAllocationLock(plock)
}

// FinishDeduping is called when one holder's block-map update
// completes (spec.md section 4.5, Deduping → Updating / Unlocking,
// and the rollover fork case is handled in launchDedupe/fork).
func (lock *HashLock) FinishDeduping(dv vio.DataVIO) {
	lock.removeHolder(dv)
	if lock.referenceCount > 0 {
		return
	}
	lock.agent = dv
	if lock.updateAdvice {
		lock.state = StateUpdating
		lock.zone.StartAgentStep(StateUpdating, dv, lock)
		return
	}
	lock.pendingWriteAfterUnlock = false
	lock.state = StateUnlocking
	lock.zone.SendForDuplicateLockRelease(dv, lock, lock.duplicateLock)
}

// FinishUpdating is called once the agent's dedup-index update
// completes (spec.md section 4.5, Updating → Deduping / Unlocking /
// Destroying, same waiters/duplicate_lock logic as Writing).
func (lock *HashLock) FinishUpdating() {
	agent := lock.agent
	if !lock.waiters.IsEmpty() {
		if lock.duplicateLock == nil {
			lock.transferAllocationLock(agent)
		}
		lock.state = StateDeduping
		lock.agent = nil
		for {
			w := lock.waiters.Dequeue()
			if w == nil {
				break
			}
			lock.addHolder(w.Context.(vio.DataVIO))
		}
		lock.zone.LaunchDedupeWriters(lock)
		return
	}
	if lock.duplicateLock != nil {
		lock.pendingWriteAfterUnlock = false
		lock.state = StateUnlocking
		lock.zone.SendForDuplicateLockRelease(agent, lock, lock.duplicateLock)
		return
	}
	lock.state = StateDestroying
	lock.zone.ReturnHashLockToZone(lock)
}

// FinishUnlocking is called once the duplicate PBN lock has been
// released (spec.md section 4.5, Unlocking → Writing / Locking /
// Destroying).
func (lock *HashLock) FinishUnlocking() {
	lock.duplicateLock = nil
	if !lock.waiters.IsEmpty() {
		w := lock.waiters.Dequeue()
		dv := w.Context.(vio.DataVIO)
		lock.agent = dv
		lock.verified = false
		lock.pendingWriteAfterUnlock = false
		lock.state = StateLocking
		lock.zone.StartAgentStep(StateLocking, dv, lock)
		return
	}
	if lock.pendingWriteAfterUnlock {
		lock.state = StateWriting
		lock.zone.StartAgentStep(StateWriting, lock.agent, lock)
		return
	}
	lock.state = StateDestroying
	lock.zone.ReturnHashLockToZone(lock)
}

// Abort is abort_hash_lock (spec.md section 4.5, "Any state →
// Bypassing on error"). If dv is not the agent and other DataVIOs
// still share the lock, dv exits alone and the lock's state is left
// untouched for the rest.
func (lock *HashLock) Abort(dv vio.DataVIO, err error) {
	if dv != lock.agent && lock.referenceCount > 1 {
		lock.removeHolder(dv)
		dv.Fail(err)
		return
	}
	lock.state = StateBypassing
	lock.updateAdvice = false
	for {
		w := lock.waiters.Dequeue()
		if w == nil {
			break
		}
		lock.zone.SendToCompressAndWrite(w.Context.(vio.DataVIO))
	}
	if lock.duplicateLock != nil {
		lock.zone.ReleaseDuplicatePBNLock(lock.duplicateLock)
		lock.duplicateLock = nil
	}
	dv.Fail(err)
}

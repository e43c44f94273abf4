package hashlock

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockdedupe/corevdo/common"
	"github.com/blockdedupe/corevdo/pbnlock"
	"github.com/blockdedupe/corevdo/vio"
)

type fakeDataVIO struct {
	mu            sync.Mutex
	hash          Hash
	hasAllocation bool
	allocation    common.BlockNumber
	allocLock     *pbnlock.Lock
	isDuplicate   bool
	advicePBN     common.BlockNumber
	adviceState   common.MappingState
	compareEqual  bool
	duplicatePBN  common.BlockNumber
	duplicateSt   common.MappingState
	failed        error
	continued     int
}

func newFakeDataVIO(hash byte) *fakeDataVIO {
	dv := &fakeDataVIO{compareEqual: true}
	dv.hash[0] = hash
	return dv
}

func (f *fakeDataVIO) ContentHash() [32]byte                { return f.hash }
func (f *fakeDataVIO) LogicalBlockNumber() common.BlockNumber { return 0 }
func (f *fakeDataVIO) HasAllocation() bool                  { return f.hasAllocation }
func (f *fakeDataVIO) Allocation() common.BlockNumber       { return f.allocation }
func (f *fakeDataVIO) IsDuplicate() bool                    { return f.isDuplicate }
func (f *fakeDataVIO) SetDuplicate(pbn common.BlockNumber, st common.MappingState) {
	f.duplicatePBN, f.duplicateSt = pbn, st
}
func (f *fakeDataVIO) DuplicateAdvice() (common.BlockNumber, common.MappingState) {
	return f.advicePBN, f.adviceState
}
func (f *fakeDataVIO) AllocationLock() *pbnlock.Lock {
	if f.allocLock == nil {
		f.allocLock = &pbnlock.Lock{PBN: f.allocation, Mode: pbnlock.WriteMode}
	}
	return f.allocLock
}
func (f *fakeDataVIO) DecrementJournalPoint() common.JournalPoint { return common.JournalPoint{} }
func (f *fakeDataVIO) CompareData(vio.DataVIO) bool                { return f.compareEqual }
func (f *fakeDataVIO) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = err
}
func (f *fakeDataVIO) Continue() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued++
}

func (f *fakeDataVIO) result() (err error, continued int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed, f.continued
}

type agentStepCall struct {
	state State
	agent vio.DataVIO
	lock  *HashLock
}

// fakeZone is a synchronous, single-goroutine stand-in for
// hashzone.Zone: every callback records its arguments and returns
// immediately, letting a test drive each step's completion by hand.
type fakeZone struct {
	steps           []agentStepCall
	dedupeLaunches  []*HashLock
	compressWrites  []vio.DataVIO
	unlockReleases  []*pbnlock.Lock
	bareReleases    []*pbnlock.Lock
	adoptedLocks    []*pbnlock.Lock
	cancelResult    bool
	forkedLock      *HashLock
	returned        []*HashLock
	validAdvice     int
	staleAdvice     int
	collisions      int
	dataMatches     int
	maxReferences   int
	dedupeQueries   int
}

func (z *fakeZone) AcquireHashLockFromZone(hash Hash, oldLock *HashLock) *HashLock {
	if z.forkedLock != nil {
		z.forkedLock.hash = hash
		return z.forkedLock
	}
	l := New(z)
	l.Reset(hash)
	return l
}

func (z *fakeZone) ReturnHashLockToZone(lock *HashLock) { z.returned = append(z.returned, lock) }

func (z *fakeZone) RecordValidAdvice()   { z.validAdvice++ }
func (z *fakeZone) RecordStaleAdvice()   { z.staleAdvice++ }
func (z *fakeZone) RecordCollision()     { z.collisions++ }
func (z *fakeZone) RecordDataMatch()     { z.dataMatches++ }
func (z *fakeZone) RecordMaxReferences() { z.maxReferences++ }
func (z *fakeZone) IncrementDedupeQueries() { z.dedupeQueries++ }
func (z *fakeZone) DecrementDedupeQueries() { z.dedupeQueries-- }

func (z *fakeZone) StartAgentStep(state State, agent vio.DataVIO, lock *HashLock) {
	z.steps = append(z.steps, agentStepCall{state, agent, lock})
}
func (z *fakeZone) LaunchDedupeWriters(lock *HashLock) { z.dedupeLaunches = append(z.dedupeLaunches, lock) }
func (z *fakeZone) SendToCompressAndWrite(dv vio.DataVIO) {
	z.compressWrites = append(z.compressWrites, dv)
}
func (z *fakeZone) SendForDuplicateLockRelease(agent vio.DataVIO, lock *HashLock, plock *pbnlock.Lock) {
	z.unlockReleases = append(z.unlockReleases, plock)
	lock.FinishUnlocking()
}
func (z *fakeZone) CancelCompression(vio.DataVIO) bool { return z.cancelResult }
func (z *fakeZone) ReleaseDuplicatePBNLock(plock *pbnlock.Lock) {
	z.bareReleases = append(z.bareReleases, plock)
}
func (z *fakeZone) AdoptAllocationLock(plock *pbnlock.Lock) {
	z.adoptedLocks = append(z.adoptedLocks, plock)
}

func (z *fakeZone) lastStep() agentStepCall {
	return z.steps[len(z.steps)-1]
}

func newLock(t *testing.T, zone *fakeZone, hash byte) *HashLock {
	t.Helper()
	l := New(zone)
	var h Hash
	h[0] = hash
	l.Reset(h)
	return l
}

func TestSoloWriteNoAdviceOwnAllocationDestroys(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 1)
	dv := newFakeDataVIO(1)
	dv.hasAllocation = true

	lock.Enter(dv)
	require.Equal(t, StateQuerying, lock.State())
	require.Equal(t, StateQuerying, zone.lastStep().state)
	assert.Equal(t, 1, zone.dedupeQueries)

	lock.FinishQuerying()
	assert.Equal(t, 0, zone.dedupeQueries)
	require.Equal(t, StateWriting, lock.State())
	require.Equal(t, StateWriting, zone.lastStep().state)
	assert.False(t, lock.updateAdvice)

	lock.Continue(dv)
	assert.Equal(t, StateDestroying, lock.State())
	require.Len(t, zone.returned, 1)
	assert.Same(t, lock, zone.returned[0])
}

func TestSoloWriteNoAdviceNoAllocationUpdatesIndex(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 2)
	dv := newFakeDataVIO(2)
	dv.hasAllocation = false

	lock.Enter(dv)
	lock.FinishQuerying()
	require.Equal(t, StateWriting, lock.State())
	assert.True(t, lock.updateAdvice)

	lock.Continue(dv)
	require.Equal(t, StateUpdating, lock.State())
	require.Equal(t, StateUpdating, zone.lastStep().state)

	lock.FinishUpdating()
	assert.Equal(t, StateDestroying, lock.State())
}

func TestDuplicateAdviceVerifyDedupeUnlockDestroy(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 3)
	dv := newFakeDataVIO(3)
	dv.isDuplicate = true

	lock.Enter(dv)
	lock.FinishQuerying()
	assert.Equal(t, 1, zone.validAdvice)
	require.Equal(t, StateLocking, lock.State())
	require.Equal(t, StateLocking, zone.lastStep().state)

	plock := &pbnlock.Lock{PBN: 9000, Mode: pbnlock.ReadMode}
	pbnlock.SetIncrementLimit(plock, 5)
	lock.duplicateLock = plock
	lock.FinishLocking()
	require.Equal(t, StateVerifying, lock.State())
	require.Equal(t, StateVerifying, zone.lastStep().state)

	lock.FinishVerifying(true)
	assert.Equal(t, 1, zone.dataMatches)
	require.Equal(t, StateDeduping, lock.State())
	require.Len(t, zone.dedupeLaunches, 1)
	assert.Nil(t, lock.agent)

	lock.FinishDeduping(dv)
	// fakeZone's SendForDuplicateLockRelease drives FinishUnlocking
	// synchronously, so the lock has already progressed from Unlocking
	// to Destroying by the time FinishDeduping returns.
	require.Len(t, zone.unlockReleases, 1)
	assert.Same(t, plock, zone.unlockReleases[0])
	assert.Equal(t, StateDestroying, lock.State())
	require.Len(t, zone.returned, 1)
}

func TestFinishLockingStaleAdviceGoesToWriting(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 4)
	dv := newFakeDataVIO(4)
	dv.isDuplicate = true

	lock.Enter(dv)
	lock.FinishQuerying()
	lock.duplicateLock = nil // advice block write-locked or exhausted
	lock.FinishLocking()

	assert.Equal(t, 1, zone.staleAdvice)
	assert.True(t, lock.updateAdvice)
	require.Equal(t, StateWriting, lock.State())
}

func TestFinishVerifyingMismatchGoesToUnlockingThenWriting(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 5)
	dv := newFakeDataVIO(5)
	dv.isDuplicate = true

	lock.Enter(dv)
	lock.FinishQuerying()
	plock := &pbnlock.Lock{PBN: 42, Mode: pbnlock.ReadMode}
	pbnlock.SetIncrementLimit(plock, 5)
	lock.duplicateLock = plock
	lock.FinishLocking()
	require.Equal(t, StateVerifying, lock.State())

	lock.FinishVerifying(false)

	// FinishVerifying → Unlocking → (no waiters, pendingWriteAfterUnlock) → Writing.
	require.Equal(t, StateWriting, lock.State())
	assert.True(t, lock.updateAdvice)
	require.Len(t, zone.unlockReleases, 1)
	require.Equal(t, StateWriting, zone.lastStep().state)
}

func TestWaiterArrivesDuringWritingCancelsCompressionAndQueues(t *testing.T) {
	zone := &fakeZone{cancelResult: true}
	lock := newLock(t, zone, 6)
	agent := newFakeDataVIO(6)
	agent.hasAllocation = true
	lock.Enter(agent)
	lock.FinishQuerying()
	require.Equal(t, StateWriting, lock.State())

	sharer := newFakeDataVIO(6)
	lock.Enter(sharer)
	assert.False(t, lock.waiters.IsEmpty())

	lock.FinishWriting()
	require.Equal(t, StateDeduping, lock.State())
	require.Len(t, zone.dedupeLaunches, 1)
	assert.Equal(t, 2, lock.referenceCount)
}

func TestFinishVerifyingMatchDrainsWaitersIntoHolders(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 7)
	dv := newFakeDataVIO(7)
	dv.isDuplicate = true
	lock.Enter(dv)
	lock.FinishQuerying()

	plock := &pbnlock.Lock{PBN: 77, Mode: pbnlock.ReadMode}
	pbnlock.SetIncrementLimit(plock, 5)
	lock.duplicateLock = plock
	lock.FinishLocking()
	require.Equal(t, StateVerifying, lock.State())

	waiter := newFakeDataVIO(7)
	lock.Enter(waiter)
	require.False(t, lock.waiters.IsEmpty())

	lock.FinishVerifying(true)
	require.Equal(t, StateDeduping, lock.State())
	assert.True(t, lock.waiters.IsEmpty())
	assert.ElementsMatch(t, []vio.DataVIO{dv, waiter}, lock.Holders())

	lock.FinishDeduping(dv)
	require.Equal(t, StateDeduping, lock.State())
	lock.FinishDeduping(waiter)
	// fakeZone's SendForDuplicateLockRelease drives FinishUnlocking
	// synchronously, so by the time FinishDeduping returns the lock has
	// already progressed straight through Unlocking to Destroying.
	require.Equal(t, StateDestroying, lock.State())
	require.Len(t, zone.unlockReleases, 1)
}

func TestUnlockingWithWaiterRetriesLocking(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 17)
	agent := newFakeDataVIO(17)
	lock.Enter(agent)
	lock.state = StateUnlocking

	waiter := newFakeDataVIO(17)
	lock.Enter(waiter)
	require.False(t, lock.waiters.IsEmpty())

	lock.FinishUnlocking()

	require.Equal(t, StateLocking, lock.State())
	assert.Same(t, waiter, lock.agent)
	assert.False(t, lock.verified)
	require.Equal(t, StateLocking, zone.lastStep().state)
	assert.Same(t, waiter, zone.lastStep().agent)
}

func TestHasCollisionWith(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 8)
	agent := newFakeDataVIO(8)
	lock.Enter(agent)

	mismatched := newFakeDataVIO(8)
	mismatched.compareEqual = false
	assert.True(t, lock.HasCollisionWith(mismatched))

	matched := newFakeDataVIO(8)
	matched.compareEqual = true
	assert.False(t, lock.HasCollisionWith(matched))
}

func TestForkOnRolloverAllocatesFreshLock(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 9)

	plock := &pbnlock.Lock{PBN: 55, Mode: pbnlock.ReadMode}
	pbnlock.SetIncrementLimit(plock, 0) // exhausted
	lock.duplicateLock = plock
	lock.state = StateDeduping
	lock.updateAdvice = true
	lock.referenceCount = 1

	forked := New(zone)
	zone.forkedLock = forked

	newEntrant := newFakeDataVIO(9)
	lock.Enter(newEntrant)

	assert.False(t, lock.updateAdvice)
	assert.True(t, forked.updateAdvice)
	assert.Equal(t, StateWriting, forked.State())
	assert.Same(t, newEntrant, forked.agent)
	require.NotEmpty(t, zone.steps)
	last := zone.lastStep()
	assert.Equal(t, StateWriting, last.state)
	assert.Same(t, forked, last.lock)
}

func TestBypassingEntrantsGoStraightToWrite(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 10)
	lock.state = StateBypassing

	dv := newFakeDataVIO(10)
	lock.Enter(dv)
	require.Len(t, zone.compressWrites, 1)
	assert.Same(t, dv, zone.compressWrites[0])
}

func TestAbortNonAgentHolderExitsAlone(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 11)
	lock.state = StateDeduping
	holder1 := newFakeDataVIO(11)
	holder2 := newFakeDataVIO(11)
	lock.agent = nil
	lock.addHolder(holder1)
	lock.addHolder(holder2)

	err := errors.New("boom")
	lock.Abort(holder2, err)

	assert.Equal(t, StateDeduping, lock.State())
	failed, _ := holder2.result()
	assert.Equal(t, err, failed)
	assert.Equal(t, 1, lock.referenceCount)
}

func TestAbortReleasesDuplicateLockWithoutRedrivingUnlocking(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 12)
	dv := newFakeDataVIO(12)
	dv.isDuplicate = true
	lock.Enter(dv)
	lock.FinishQuerying()

	plock := &pbnlock.Lock{PBN: 99, Mode: pbnlock.ReadMode}
	pbnlock.SetIncrementLimit(plock, 5)
	lock.duplicateLock = plock
	lock.FinishLocking()
	require.Equal(t, StateVerifying, lock.State())

	err := errors.New("verify failed")
	lock.Abort(dv, err)

	assert.Equal(t, StateBypassing, lock.State())
	assert.Nil(t, lock.duplicateLock)
	require.Len(t, zone.bareReleases, 1)
	assert.Same(t, plock, zone.bareReleases[0])
	assert.Empty(t, zone.unlockReleases)
	failed, _ := dv.result()
	assert.Equal(t, err, failed)
}

func TestAbortDrainsWaitersToPlainWrite(t *testing.T) {
	zone := &fakeZone{cancelResult: true}
	lock := newLock(t, zone, 13)
	agent := newFakeDataVIO(13)
	lock.Enter(agent)
	lock.FinishQuerying()
	require.Equal(t, StateWriting, lock.State())

	waiter := newFakeDataVIO(13)
	lock.Enter(waiter)

	lock.Abort(agent, errors.New("write failed"))
	assert.Equal(t, StateBypassing, lock.State())
	require.Len(t, zone.compressWrites, 1)
	assert.Same(t, waiter, zone.compressWrites[0])
}

func TestEnterWhileDestroyingPanics(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 14)
	lock.state = StateDestroying
	assert.Panics(t, func() { lock.Enter(newFakeDataVIO(14)) })
}

func TestContinueInIllegalStatePanics(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 15)
	lock.state = StateQuerying
	assert.Panics(t, func() { lock.Continue(newFakeDataVIO(15)) })
}

func TestResetFromLiveStatePanics(t *testing.T) {
	zone := &fakeZone{}
	lock := newLock(t, zone, 16)
	lock.state = StateWriting
	assert.Panics(t, func() { lock.Reset(Hash{}) })
}

func TestStateStringCoversAllStates(t *testing.T) {
	for s := StateInitializing; s <= StateDestroying; s++ {
		assert.NotEqual(t, "unknown-hash-lock-state", s.String())
	}
	assert.Equal(t, "unknown-hash-lock-state", State(99).String())
}

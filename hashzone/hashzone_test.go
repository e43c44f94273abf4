package hashzone

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockdedupe/corevdo/common"
	"github.com/blockdedupe/corevdo/hashlock"
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
	failed        error
	continued     int
	done          chan struct{}
}

func newFakeDataVIO(hash byte) *fakeDataVIO {
	dv := &fakeDataVIO{compareEqual: true, done: make(chan struct{}, 8)}
	dv.hash[0] = hash
	return dv
}

func (f *fakeDataVIO) ContentHash() [32]byte                 { return f.hash }
func (f *fakeDataVIO) LogicalBlockNumber() common.BlockNumber { return 0 }
func (f *fakeDataVIO) HasAllocation() bool                   { return f.hasAllocation }
func (f *fakeDataVIO) Allocation() common.BlockNumber        { return f.allocation }
func (f *fakeDataVIO) IsDuplicate() bool                     { return f.isDuplicate }
func (f *fakeDataVIO) SetDuplicate(common.BlockNumber, common.MappingState) {}
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
func (f *fakeDataVIO) CompareData(vio.DataVIO) bool               { return f.compareEqual }

func (f *fakeDataVIO) Fail(err error) {
	f.mu.Lock()
	f.failed = err
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeDataVIO) Continue() {
	f.mu.Lock()
	f.continued++
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeDataVIO) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatalf("data vio for hash %v never completed", f.hash[0])
	}
}

func (f *fakeDataVIO) result() (err error, continued int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed, f.continued
}

type fakeSlabDepot struct {
	mu      sync.Mutex
	limit   int32
	lastPBN common.BlockNumber
}

func (d *fakeSlabDepot) GetIncrementLimit(pbn common.BlockNumber) int32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPBN = pbn
	return d.limit
}

func (d *fakeSlabDepot) AcquireProvisionalReference(common.BlockNumber, *pbnlock.Lock) error {
	return nil
}

// fakeDriver runs every step inline, from within the goroutine
// hashzone.Zone spawns for it, and calls straight back into the
// owning Zone — exercising the same reentrancy this core is built to
// tolerate (see hashzone.Zone.StartAgentStep's doc comment).
type fakeDriver struct {
	zone *Zone

	mu             sync.Mutex
	verifyResult   bool
	compressWrites []vio.DataVIO
	cancelResult   bool
	dedupeStarted  []*hashlock.HashLock
	verifyLocks    []*hashlock.HashLock

	// queryGate, when non-nil, is drained before StartQuerying
	// completes its step — used to hold a lock open in Querying so a
	// test can drive a second, concurrent Enter against it.
	queryGate chan struct{}

	// writeGate, when non-nil, is drained before StartWriting
	// completes its step — used to hold a lock open in Writing so a
	// test can drive a late-arriving duplicate against it.
	writeGate chan struct{}
}

func (d *fakeDriver) StartQuerying(agent vio.DataVIO, lock *hashlock.HashLock) {
	if d.queryGate != nil {
		<-d.queryGate
	}
	d.zone.FinishQuerying(lock)
}

func (d *fakeDriver) StartWriting(agent vio.DataVIO, lock *hashlock.HashLock) {
	if d.writeGate != nil {
		<-d.writeGate
	}
	d.zone.Continue(agent)
	agent.(*fakeDataVIO).Continue()
}

func (d *fakeDriver) StartVerifying(agent vio.DataVIO, lock *hashlock.HashLock) {
	d.mu.Lock()
	result := d.verifyResult
	d.verifyLocks = append(d.verifyLocks, lock)
	d.mu.Unlock()
	d.zone.FinishVerifying(lock, result)
}

func (d *fakeDriver) StartUpdating(agent vio.DataVIO, lock *hashlock.HashLock) {
	d.zone.FinishUpdating(lock)
	agent.(*fakeDataVIO).Continue()
}

func (d *fakeDriver) LaunchDedupeWriters(lock *hashlock.HashLock) {
	d.mu.Lock()
	d.dedupeStarted = append(d.dedupeStarted, lock)
	d.mu.Unlock()
	for _, holder := range lock.Holders() {
		d.zone.Continue(holder)
		holder.(*fakeDataVIO).Continue()
	}
}

func (d *fakeDriver) SendToCompressAndWrite(dv vio.DataVIO) {
	d.mu.Lock()
	d.compressWrites = append(d.compressWrites, dv)
	d.mu.Unlock()
	dv.(*fakeDataVIO).Continue()
}

func (d *fakeDriver) CancelCompression(vio.DataVIO) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelResult
}

func newTestZone(depot *fakeSlabDepot) (*Zone, *fakeDriver, *pbnlock.Zone) {
	driver := &fakeDriver{}
	pbnZone := pbnlock.NewZone()
	zone := New(pbnZone, depot, driver)
	driver.zone = zone
	return zone, driver, pbnZone
}

func TestSoloWriteNoDuplicateAdvice(t *testing.T) {
	zone, _, _ := newTestZone(&fakeSlabDepot{})
	dv := newFakeDataVIO(1)
	dv.hasAllocation = true

	zone.Enter(dv)
	dv.waitDone(t)

	_, continued := dv.result()
	assert.Equal(t, 1, continued)
	assert.EqualValues(t, 0, zone.Stats().CurrDedupeQueries)
}

func TestSoloWriteNoAllocationUpdatesIndexThenDestroys(t *testing.T) {
	zone, _, _ := newTestZone(&fakeSlabDepot{})
	dv := newFakeDataVIO(6)
	dv.hasAllocation = false

	zone.Enter(dv)
	dv.waitDone(t) // StartWriting's signal
	dv.waitDone(t) // StartUpdating's signal, once Writing → Updating fires

	_, continued := dv.result()
	assert.Equal(t, 2, continued)
}

func TestHashCollisionRoutesToPlainWrite(t *testing.T) {
	zone, driver, _ := newTestZone(&fakeSlabDepot{})
	driver.queryGate = make(chan struct{})

	first := newFakeDataVIO(2)
	first.hasAllocation = true
	zone.Enter(first) // parked in Querying until the gate opens

	colliding := newFakeDataVIO(2)
	colliding.compareEqual = false
	zone.Enter(colliding)
	colliding.waitDone(t)

	close(driver.queryGate)
	first.waitDone(t)

	driver.mu.Lock()
	writes := driver.compressWrites
	driver.mu.Unlock()
	require.Len(t, writes, 1)
	assert.Same(t, colliding, writes[0])
	assert.EqualValues(t, 1, zone.Stats().HashCollisions)
}

func TestDuplicateAdviceDedupesAgainstExistingBlock(t *testing.T) {
	depot := &fakeSlabDepot{limit: 10}
	zone, _, _ := newTestZone(depot)

	dv := newFakeDataVIO(3)
	dv.isDuplicate = true
	dv.advicePBN = 777
	dv.adviceState = common.MappingStateMapped

	driver := zone.driver.(*fakeDriver)
	driver.mu.Lock()
	driver.verifyResult = true
	driver.mu.Unlock()

	zone.Enter(dv)
	dv.waitDone(t)

	_, continued := dv.result()
	assert.Equal(t, 1, continued)
	stats := zone.Stats()
	assert.EqualValues(t, 1, stats.DedupeAdviceValid)
	assert.EqualValues(t, 1, stats.ConcurrentDataMatches)

	depot.mu.Lock()
	assert.EqualValues(t, 777, depot.lastPBN)
	depot.mu.Unlock()

	driver.mu.Lock()
	require.Len(t, driver.verifyLocks, 1)
	assert.EqualValues(t, 777, driver.verifyLocks[0].Duplicate().PBN)
	driver.mu.Unlock()
}

// TestFreshAllocationTransfersLockToLateDuplicate exercises Writing →
// Deduping with a waiter present: the agent's own allocation lock must
// be downgraded and shared rather than left at PBN zero.
func TestFreshAllocationTransfersLockToLateDuplicate(t *testing.T) {
	depot := &fakeSlabDepot{}
	zone, driver, pbnZone := newTestZone(depot)
	driver.writeGate = make(chan struct{})

	first := newFakeDataVIO(8)
	first.hasAllocation = true
	first.allocation = 500
	plock, _ := pbnZone.AttemptPBNLock(500, pbnlock.WriteMode)
	first.allocLock = plock

	zone.Enter(first) // parked in StartWriting until the gate opens

	second := newFakeDataVIO(8)
	zone.Enter(second) // arrives while first is still writing, becomes a waiter

	close(driver.writeGate)

	first.waitDone(t)
	first.waitDone(t)
	second.waitDone(t)

	_, firstContinued := first.result()
	_, secondContinued := second.result()
	assert.Equal(t, 2, firstContinued)
	assert.Equal(t, 1, secondContinued)

	assert.Equal(t, pbnlock.ReadMode, plock.Mode)
	assert.Equal(t, 0, plock.HolderCount)
}

func TestBypassSendsStraightToPlainWrite(t *testing.T) {
	zone, driver, _ := newTestZone(&fakeSlabDepot{})
	dv := newFakeDataVIO(4)
	zone.Bypass(dv)
	dv.waitDone(t)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	require.Len(t, driver.compressWrites, 1)
	assert.Same(t, dv, driver.compressWrites[0])
}

func TestPoolRecyclesRetiredLocks(t *testing.T) {
	zone, _, _ := newTestZone(&fakeSlabDepot{})
	dv1 := newFakeDataVIO(5)
	dv1.hasAllocation = true
	zone.Enter(dv1)
	dv1.waitDone(t)

	s := zone.shardFor(Hash{5})
	s.mu.Lock()
	poolLen := len(s.pool)
	_, stillInTable := s.table[Hash{5}]
	s.mu.Unlock()

	assert.Equal(t, 1, poolLen)
	assert.False(t, stillInTable)

	dv2 := newFakeDataVIO(5)
	dv2.hasAllocation = true
	zone.Enter(dv2)
	dv2.waitDone(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, len(s.pool))
}

package diskio

import (
	"fmt"
	"sync"

	"github.com/blockdedupe/corevdo/util"
)

// memDisk is an in-memory Disk used by tests and by the journal's own
// unit tests in place of a real partition.
type memDisk struct {
	mu     sync.Mutex
	blocks []Block
}

var _ Disk = (*memDisk)(nil)

// NewMemDisk allocates a zeroed in-memory disk of numBlocks blocks.
func NewMemDisk(numBlocks uint64) Disk {
	blocks := make([]Block, numBlocks)
	for i := range blocks {
		blocks[i] = make(Block, BlockSize)
	}
	util.DPrintf(5, "NewMemDisk: %d blocks\n", numBlocks)
	return &memDisk{blocks: blocks}
}

func (d *memDisk) checkBounds(a uint64) error {
	if a >= uint64(len(d.blocks)) {
		return fmt.Errorf("diskio: out-of-bounds access at block %d (size %d)", a, len(d.blocks))
	}
	return nil
}

func (d *memDisk) ReadAt(a uint64) (Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(a); err != nil {
		return nil, err
	}
	return util.CloneByteSlice(d.blocks[a]), nil
}

func (d *memDisk) WriteAt(a uint64, v Block) error {
	if len(v) != BlockSize {
		return fmt.Errorf("diskio: write to block %d is not block-sized (%d bytes)", a, len(v))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkBounds(a); err != nil {
		return err
	}
	d.blocks[a] = util.CloneByteSlice(v)
	return nil
}

func (d *memDisk) Flush() error {
	return nil
}

func (d *memDisk) Size() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.blocks)), nil
}

func (d *memDisk) Close() error {
	return nil
}

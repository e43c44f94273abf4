package diskio

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/blockdedupe/corevdo/util"
)

// fileDisk is a Disk backed by a single file, used for the journal's
// real dedicated partition.
type fileDisk struct {
	fd        int
	numBlocks uint64
}

var _ Disk = (*fileDisk)(nil)

// NewFileDisk opens (creating if necessary) path as a numBlocks-block
// device, using direct pread/pwrite rather than a buffered file
// handle so writes land where the caller asks.
func NewFileDisk(path string, numBlocks uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("diskio: open %s: %w", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("diskio: fstat %s: %w", path, err)
	}
	wantSize := int64(numBlocks * BlockSize)
	if stat.Size != wantSize {
		if err := unix.Ftruncate(fd, wantSize); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("diskio: ftruncate %s: %w", path, err)
		}
	}
	util.DPrintf(1, "NewFileDisk: %s, %d blocks\n", path, numBlocks)
	return &fileDisk{fd: fd, numBlocks: numBlocks}, nil
}

func (d *fileDisk) checkBounds(a uint64) error {
	if a >= d.numBlocks {
		return fmt.Errorf("diskio: out-of-bounds access at block %d (size %d)", a, d.numBlocks)
	}
	return nil
}

func (d *fileDisk) ReadAt(a uint64) (Block, error) {
	if err := d.checkBounds(a); err != nil {
		return nil, err
	}
	buf := make([]byte, BlockSize)
	n, err := unix.Pread(d.fd, buf, int64(a*BlockSize))
	if err != nil {
		return nil, fmt.Errorf("diskio: pread block %d: %w", a, err)
	}
	if n != BlockSize {
		return nil, fmt.Errorf("diskio: short read at block %d: got %d bytes", a, n)
	}
	return buf, nil
}

func (d *fileDisk) WriteAt(a uint64, v Block) error {
	if len(v) != BlockSize {
		return fmt.Errorf("diskio: write to block %d is not block-sized (%d bytes)", a, len(v))
	}
	if err := d.checkBounds(a); err != nil {
		return err
	}
	n, err := unix.Pwrite(d.fd, v, int64(a*BlockSize))
	if err != nil {
		return fmt.Errorf("diskio: pwrite block %d: %w", a, err)
	}
	if n != BlockSize {
		return fmt.Errorf("diskio: short write at block %d: wrote %d bytes", a, n)
	}
	return nil
}

func (d *fileDisk) Flush() error {
	if err := unix.Fdatasync(d.fd); err != nil {
		return fmt.Errorf("diskio: fdatasync: %w", err)
	}
	return nil
}

func (d *fileDisk) Size() (uint64, error) {
	return d.numBlocks, nil
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}

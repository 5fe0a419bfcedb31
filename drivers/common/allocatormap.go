// Bitmap allocator

package common

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/gofatfs/fatfs/errors"
)

// Allocator tracks which units (blocks, clusters, ...) of a fixed-size space
// are in use via a bitmap, and finds free runs in first-fit order.
type Allocator struct {
	AllocationBitmap   bitmap.Bitmap
	lastAllocatedIndex uint
	TotalUnits         uint
}

func NewAllocator(totalUnits uint) Allocator {
	return Allocator{
		AllocationBitmap: bitmap.New(int(totalUnits)),
		TotalUnits:       totalUnits,
	}
}

// AllocateBlock allocates the first available block it finds and returns its
// index. If no blocks are available, it returns an error.
func (alloc *Allocator) AllocateBlock() (BlockID, error) {
	for i := uint(0); i < alloc.TotalUnits; i++ {
		if !alloc.AllocationBitmap.Get(int(i)) {
			alloc.AllocationBitmap.Set(int(i), true)
			return BlockID(i), nil
		}
	}

	return 0, errors.ErrNoSpaceOnDevice
}

// FreeBlock frees an allocated block. Trying to free a block that is already
// free returns ErrAlreadyFree.
func (alloc *Allocator) FreeBlock(block BlockID) error {
	if block >= BlockID(alloc.TotalUnits) {
		msg := fmt.Sprintf(
			"invalid block id: %d not in range [0, %d)",
			block,
			alloc.TotalUnits)
		return errors.ErrInvalidArgument.WithMessage(msg)
	}
	if !alloc.AllocationBitmap.Get(int(block)) {
		msg := fmt.Sprintf("block %d is already free", block)
		return errors.ErrAlreadyFree.WithMessage(msg)
	}

	alloc.AllocationBitmap.Set(int(block), false)
	return nil
}

func (alloc *Allocator) findRun(count uint, value bool) (BlockID, error) {
	runSize := uint(0)
	runStart := BlockID(0)

	for i := uint(0); i < alloc.TotalUnits; i++ {
		bit := alloc.AllocationBitmap.Get(int(i))
		if bit == !value {
			// We hit the opposite value we were looking for, so this is the end
			// of the run. Reset the size to 0 and try again.
			runSize = 0
			continue
		}

		runSize++
		if runSize == 1 {
			// If runSize is 1 then that means it was 0 when we entered the loop,
			// so this is the first unallocated block in our latest attempt at
			// finding a run. This is the beginning of our run.
			runStart = BlockID(i)
		}
		if runSize == count {
			// We found the last block we need in the contiguous run.
			return runStart, nil
		}
	}

	// We ran off the end of the bitmap before we reached the necessary count
	// of blocks.
	return BlockID(0), errors.ErrNoSpaceOnDevice
}

// AllocateContiguousBlocks allocates a set of contiguous blocks in a first-fit
// manner.
func (alloc *Allocator) AllocateContiguousBlocks(count uint) (BlockID, error) {
	runStart, err := alloc.findRun(count, false)
	if err != nil {
		return BlockID(0), err
	}

	for i := uint(0); i < count; i++ {
		alloc.AllocationBitmap.Set(int(i+uint(runStart)), true)
	}
	return runStart, nil
}

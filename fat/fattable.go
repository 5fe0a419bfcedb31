package fat

import (
	"fmt"

	common "github.com/gofatfs/fatfs/drivers/common"
	"github.com/gofatfs/fatfs/errors"
	multierror "github.com/hashicorp/go-multierror"
)

// Special cluster values, per variant. FAT12 stores 0xFF0 as an additional
// end-of-chain sentinel that must never be allocated.
const (
	clusterFree = 0

	fat12MinData = 0x002
	fat12MaxData = 0xFEF
	fat12Bad     = 0xFF7
	fat12EOCMin  = 0xFF8
	fat12EOCMax  = 0xFFF
	fat12SpecialEOC = 0xFF0

	fat16MinData = 0x0002
	fat16MaxData = 0xFFEF
	fat16Bad     = 0xFFF7
	fat16EOCMin  = 0xFFF8
	fat16EOCMax  = 0xFFFF

	fat32MinData = 0x00000002
	fat32MaxData = 0x0FFFFFEF
	fat32Bad     = 0x0FFFFFF7
	fat32EOCMin  = 0x0FFFFFF8
	fat32EOCMax  = 0x0FFFFFFF
)

// FatTable is the in-memory image of one FAT copy: a flat array of cluster
// entries, with an allocator accelerated by a free-cluster bitmap.
type FatTable struct {
	variant Variant
	entries []uint32

	// alloc accelerates allocation scans with a free-cluster bitmap index
	// (drivers/common.Allocator, shared with the teacher's block-device
	// driver layer); the FAT entries remain the authoritative chain-link
	// storage, with the bitmap rebuilt from them on parse and kept in
	// sync on every Set.
	alloc            common.Allocator
	firstFreeCluster uint32

	// generation increments on every Set, so a live ChainIterator can
	// detect that the table was mutated out from under it.
	generation uint64
}

// NewFatTable creates an all-free FatTable with numEntries entries
// (including the two reserved entries 0 and 1).
func NewFatTable(variant Variant, numEntries uint32) *FatTable {
	t := &FatTable{
		variant:          variant,
		entries:          make([]uint32, numEntries),
		alloc:            common.NewAllocator(uint(numEntries)),
		firstFreeCluster: minDataCluster(variant),
	}
	for i := uint32(0); i < numEntries && i < 2; i++ {
		t.entries[i] = 0x0FFFFFF8
	}
	return t
}

func minDataCluster(v Variant) uint32 {
	switch v {
	case FAT12:
		return fat12MinData
	case FAT16:
		return fat16MinData
	default:
		return fat32MinData
	}
}

func maxDataCluster(v Variant) uint32 {
	switch v {
	case FAT12:
		return fat12MaxData
	case FAT16:
		return fat16MaxData
	default:
		return fat32MaxData
	}
}

func badCluster(v Variant) uint32 {
	switch v {
	case FAT12:
		return fat12Bad
	case FAT16:
		return fat16Bad
	default:
		return fat32Bad
	}
}

func eocRange(v Variant) (min, max uint32) {
	switch v {
	case FAT12:
		return fat12EOCMin, fat12EOCMax
	case FAT16:
		return fat16EOCMin, fat16EOCMax
	default:
		return fat32EOCMin, fat32EOCMax
	}
}

// ParseFatTable decodes a FAT copy's on-disk byte image. FAT12 entries are
// packed two-per-three-bytes little-endian; a trailing partial entry (one
// nibble) is dropped. FAT32 entries are masked to 28 bits on load; the
// upper 4 reserved bits are discarded and rewritten as zero on Serialize.
func ParseFatTable(data []byte, variant Variant) (*FatTable, error) {
	var numEntries uint32

	switch variant {
	case FAT12:
		numEntries = uint32(len(data)) * 2 / 3
	case FAT16:
		numEntries = uint32(len(data)) / 2
	case FAT32:
		numEntries = uint32(len(data)) / 4
	default:
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("unknown FAT variant %v", variant))
	}

	t := &FatTable{
		variant: variant,
		entries: make([]uint32, numEntries),
	}

	switch variant {
	case FAT12:
		pairs := numEntries / 2
		for k := uint32(0); k < pairs; k++ {
			b0 := uint32(data[3*k])
			b1 := uint32(data[3*k+1])
			b2 := uint32(data[3*k+2])

			t.entries[2*k] = b0 | ((b1 & 0x0F) << 8)
			t.entries[2*k+1] = (b1 >> 4) | (b2 << 4)
		}
		if numEntries%2 == 1 {
			last := pairs * 2
			b0 := uint32(data[3*pairs])
			b1 := uint32(data[3*pairs+1])
			t.entries[last] = b0 | ((b1 & 0x0F) << 8)
		}
	case FAT16:
		for i := uint32(0); i < numEntries; i++ {
			t.entries[i] = uint32(data[2*i]) | uint32(data[2*i+1])<<8
		}
	case FAT32:
		for i := uint32(0); i < numEntries; i++ {
			raw := uint32(data[4*i]) | uint32(data[4*i+1])<<8 |
				uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24
			t.entries[i] = raw & 0x0FFFFFFF
		}
	}

	t.alloc = common.NewAllocator(uint(numEntries))
	t.firstFreeCluster = minDataCluster(variant)
	minData, maxData := minDataCluster(variant), maxDataCluster(variant)
	for i := uint32(0); i < numEntries; i++ {
		if i < minData || i > maxData {
			continue
		}
		if !t.isEligibleForAllocation(t.entries[i]) {
			// Allocator's bitmap convention is the inverse of "free": a set
			// bit means in use. The zero value (unset) already means free,
			// so only the used clusters need marking here.
			t.alloc.AllocationBitmap.Set(int(i), true)
		}
	}

	return t, nil
}

func (t *FatTable) isEligibleForAllocation(value uint32) bool {
	if value != clusterFree {
		return false
	}
	return true
}

// Serialize produces the on-disk byte image of the table for the given
// variant.
func (t *FatTable) Serialize() []byte {
	switch t.variant {
	case FAT12:
		numBytes := (len(t.entries)*3 + 1) / 2
		out := make([]byte, numBytes)
		pairs := len(t.entries) / 2
		for k := 0; k < pairs; k++ {
			e0 := t.entries[2*k] & 0xFFF
			e1 := t.entries[2*k+1] & 0xFFF
			out[3*k] = byte(e0 & 0xFF)
			out[3*k+1] = byte((e0>>8)&0x0F) | byte((e1&0x0F)<<4)
			out[3*k+2] = byte(e1 >> 4)
		}
		if len(t.entries)%2 == 1 {
			last := pairs * 2
			e := t.entries[last] & 0xFFF
			out[3*pairs] = byte(e & 0xFF)
			out[3*pairs+1] = byte((e >> 8) & 0x0F)
		}
		return out
	case FAT16:
		out := make([]byte, len(t.entries)*2)
		for i, e := range t.entries {
			out[2*i] = byte(e)
			out[2*i+1] = byte(e >> 8)
		}
		return out
	default: // FAT32
		out := make([]byte, len(t.entries)*4)
		for i, e := range t.entries {
			v := e & 0x0FFFFFFF
			out[4*i] = byte(v)
			out[4*i+1] = byte(v >> 8)
			out[4*i+2] = byte(v >> 16)
			out[4*i+3] = byte(v >> 24)
		}
		return out
	}
}

// EntriesLen returns the number of entries in the table.
func (t *FatTable) EntriesLen() int {
	return len(t.entries)
}

// Get returns the raw value of entry cluster.
func (t *FatTable) Get(cluster uint32) uint32 {
	return t.entries[cluster]
}

// Set overwrites the raw value of entry cluster, maintaining the
// allocator's bitmap index used to accelerate allocation.
func (t *FatTable) Set(cluster uint32, value uint32) {
	t.entries[cluster] = value
	if minDataCluster(t.variant) <= cluster && cluster <= maxDataCluster(t.variant) {
		t.alloc.AllocationBitmap.Set(int(cluster), !t.isEligibleForAllocation(value))
	}
	t.generation++
}

// IsEndOfChain reports whether value marks the end of a cluster chain for
// this table's variant.
func (t *FatTable) IsEndOfChain(value uint32) bool {
	min, max := eocRange(t.variant)
	if value >= min && value <= max {
		return true
	}
	if t.variant == FAT12 && value == fat12SpecialEOC {
		return true
	}
	return false
}

// IsBadCluster reports whether value is the BAD-cluster sentinel for this
// table's variant.
func (t *FatTable) IsBadCluster(value uint32) bool {
	return value == badCluster(t.variant)
}

// IsDataCluster reports whether value addresses an allocatable data
// cluster (as opposed to a sentinel).
func (t *FatTable) IsDataCluster(value uint32) bool {
	return value >= minDataCluster(t.variant) && value <= maxDataCluster(t.variant)
}

// FollowChain walks the cluster chain starting at firstCluster, returning
// every cluster number visited in order (including firstCluster).
func (t *FatTable) FollowChain(firstCluster uint32) ([]uint32, error) {
	if !t.IsDataCluster(firstCluster) {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cluster 0x%x cannot start a cluster chain", firstCluster))
	}

	chain := []uint32{firstCluster}
	current := firstCluster

	for {
		next := t.Get(current)

		if t.IsEndOfChain(next) {
			return chain, nil
		}
		if t.IsBadCluster(next) {
			return chain, errors.ErrBadCluster.WithMessage(
				fmt.Sprintf("cluster %d in chain from %d is marked bad", current, firstCluster))
		}
		if next == clusterFree {
			return chain, errors.ErrCorrupted.WithMessage(
				fmt.Sprintf("cluster %d in chain from %d points at a free cluster", current, firstCluster))
		}
		if !t.IsDataCluster(next) {
			return chain, errors.ErrCorrupted.WithMessage(
				fmt.Sprintf("cluster %d in chain from %d has invalid successor 0x%x", current, firstCluster, next))
		}

		chain = append(chain, next)
		current = next
	}
}

// ChainIterator returns a closure that yields one cluster number per call,
// starting at firstCluster, in chain order. It is a single-use, forward-
// only generator: calling the returned function again after it has
// returned ok == false re-raises the same terminal (err, false) pair
// rather than restarting. If the table is mutated (via Set, Allocate, or
// FreeChain) after the iterator is created, the next call fails with
// ErrIteratorInvalidated instead of silently walking stale or moved
// entries; create a fresh iterator to resume traversal.
func (t *FatTable) ChainIterator(firstCluster uint32) (func() (cluster uint32, ok bool, err error), error) {
	if !t.IsDataCluster(firstCluster) {
		return nil, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("cluster 0x%x cannot start a cluster chain", firstCluster))
	}

	generation := t.generation
	next := firstCluster
	started := false
	done := false
	var terminalErr error
	fail := func(err error) (uint32, bool, error) {
		done = true
		terminalErr = err
		return 0, false, err
	}

	return func() (uint32, bool, error) {
		if done {
			return 0, false, terminalErr
		}
		if t.generation != generation {
			return fail(errors.ErrIteratorInvalidated)
		}

		if !started {
			started = true
			current := next
			value := t.Get(current)
			if t.IsEndOfChain(value) {
				done = true
			} else {
				next = value
			}
			return current, true, nil
		}

		current := next
		if t.IsBadCluster(current) {
			return fail(errors.ErrBadCluster)
		}
		if current == clusterFree {
			return fail(errors.ErrCorrupted.WithMessage(
				"cluster chain points at a free cluster"))
		}
		if !t.IsDataCluster(current) {
			return fail(errors.ErrCorrupted.WithMessage(
				fmt.Sprintf("cluster chain has invalid successor 0x%x", current)))
		}

		value := t.Get(current)
		if t.IsEndOfChain(value) {
			done = true
		} else {
			next = value
		}
		return current, true, nil
	}, nil
}

// Allocate finds n free clusters starting from the first-free hint, links
// them into a chain terminated with an end-of-chain marker, and returns
// the chain in allocation order. It fails with ErrNoSpaceOnDevice if fewer
// than n clusters are free.
func (t *FatTable) Allocate(n int) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}

	minData, maxData := minDataCluster(t.variant), maxDataCluster(t.variant)
	bad := badCluster(t.variant)

	found := make([]uint32, 0, n)
	for i := t.firstFreeCluster; i <= maxData && i < uint32(len(t.entries)) && len(found) < n; i++ {
		if i < minData {
			continue
		}
		if i == bad {
			continue
		}
		if t.variant == FAT12 && i == fat12SpecialEOC {
			continue
		}
		if !t.alloc.AllocationBitmap.Get(int(i)) {
			found = append(found, i)
		}
	}

	if len(found) < n {
		return nil, errors.ErrNoSpaceOnDevice
	}

	_, eocMax := eocRange(t.variant)
	for i := 0; i < len(found)-1; i++ {
		t.Set(found[i], found[i+1])
	}
	t.Set(found[len(found)-1], eocMax)

	t.firstFreeCluster = found[len(found)-1] + 1
	return found, nil
}

// FreeChain follows the chain beginning at firstCluster and marks every
// visited cluster free.
func (t *FatTable) FreeChain(firstCluster uint32) error {
	chain, err := t.FollowChain(firstCluster)
	if err != nil && len(chain) == 0 {
		return err
	}

	for _, c := range chain {
		t.Set(c, clusterFree)
		if c < t.firstFreeCluster {
			t.firstFreeCluster = c
		}
	}
	return nil
}

// IsClean reports whether both the FAT-side dirty bit (entry 1, where
// applicable) and the caller-supplied BPB reserved flag indicate a clean
// shutdown.
func (t *FatTable) IsClean(bpbDirty bool) bool {
	if bpbDirty {
		return false
	}
	if t.variant == FAT12 {
		return true
	}
	if len(t.entries) < 2 {
		return true
	}

	entry1 := t.entries[1]
	if t.variant == FAT16 {
		return entry1&0x8000 != 0
	}
	return entry1&0x08000000 != 0
}

// MarkDirty clears the FAT-side clean-shutdown bit in entry 1 (no-op on
// FAT12, which has no such bit).
func (t *FatTable) MarkDirty() {
	if t.variant == FAT12 || len(t.entries) < 2 {
		return
	}
	if t.variant == FAT16 {
		t.entries[1] &^= 0x8000
	} else {
		t.entries[1] &^= 0x08000000
	}
}

// MarkClean sets the FAT-side clean-shutdown bit in entry 1 (no-op on
// FAT12).
func (t *FatTable) MarkClean() {
	if t.variant == FAT12 || len(t.entries) < 2 {
		return
	}
	if t.variant == FAT16 {
		t.entries[1] |= 0x8000
	} else {
		t.entries[1] |= 0x08000000
	}
}

// FlushCopies writes the serialized table to each of numCopies FAT regions
// on device, each copyStride bytes apart starting at firstCopyOffset.
// Errors from individual copies are aggregated via multierror so a caller
// learns about every failed copy, not just the first.
func (t *FatTable) FlushCopies(writeAt func(offset int64, data []byte) error, firstCopyOffset int64, copyStride int64, numCopies int) error {
	data := t.Serialize()

	var result *multierror.Error
	for i := 0; i < numCopies; i++ {
		offset := firstCopyOffset + int64(i)*copyStride
		if err := writeAt(offset, data); err != nil {
			result = multierror.Append(result, fmt.Errorf("FAT copy %d: %w", i, err))
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

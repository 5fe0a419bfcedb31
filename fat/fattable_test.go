package fat

import (
	"testing"

	"github.com/gofatfs/fatfs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFAT12PackingScenario(t *testing.T) {
	// Scenario C: FAT = [0xFF8, 0xFFF, 0x003, 0xFFF] serialises to
	// F8 FF FF 03 F0 FF and parses back to the same four entries.
	table := &FatTable{variant: FAT12, entries: []uint32{0xFF8, 0xFFF, 0x003, 0xFFF}}

	data := table.Serialize()
	assert.Equal(t, []byte{0xF8, 0xFF, 0xFF, 0x03, 0xF0, 0xFF}, data)

	parsed, err := ParseFatTable(data, FAT12)
	require.NoError(t, err)
	require.Equal(t, 4, parsed.EntriesLen())
	assert.EqualValues(t, 0xFF8, parsed.Get(0))
	assert.EqualValues(t, 0xFFF, parsed.Get(1))
	assert.EqualValues(t, 0x003, parsed.Get(2))
	assert.EqualValues(t, 0xFFF, parsed.Get(3))
}

func TestFollowChainScenarioD(t *testing.T) {
	table := NewFatTable(FAT16, 8)
	table.Set(2, 3)
	table.Set(3, 4)
	table.Set(4, 0xFFFF)

	chain, err := table.FollowChain(2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3, 4}, chain)
}

func TestChainIteratorMatchesFollowChain(t *testing.T) {
	table := NewFatTable(FAT16, 8)
	table.Set(2, 3)
	table.Set(3, 4)
	table.Set(4, 0xFFFF)

	next, err := table.ChainIterator(2)
	require.NoError(t, err)

	var got []uint32
	for {
		cluster, ok, err := next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, cluster)
	}

	assert.Equal(t, []uint32{2, 3, 4}, got)
}

func TestChainIteratorDetectsConcurrentMutation(t *testing.T) {
	table := NewFatTable(FAT16, 8)
	table.Set(2, 3)
	table.Set(3, 4)
	table.Set(4, 0xFFFF)

	next, err := table.ChainIterator(2)
	require.NoError(t, err)

	cluster, ok, err := next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 2, cluster)

	// Mutate the table mid-iteration.
	table.Set(5, 0xFFFF)

	_, ok, err = next()
	assert.False(t, ok)
	assert.Equal(t, errors.ErrIteratorInvalidated, err)
}

func TestChainIteratorIsSingleUseAndForwardOnly(t *testing.T) {
	table := NewFatTable(FAT16, 8)
	table.Set(2, 0xFFFF)

	next, err := table.ChainIterator(2)
	require.NoError(t, err)

	_, ok, err := next()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = next()
	require.NoError(t, err)
	assert.False(t, ok, "iterator must not restart after exhaustion")
}

func TestAllocateDisjointClusters(t *testing.T) {
	table := NewFatTable(FAT16, 20)

	first, err := table.Allocate(3)
	require.NoError(t, err)
	second, err := table.Allocate(3)
	require.NoError(t, err)

	seen := map[uint32]bool{}
	for _, c := range append(append([]uint32{}, first...), second...) {
		assert.Falsef(t, seen[c], "cluster %d allocated twice across calls", c)
		seen[c] = true
	}
}

func TestFreeChainReturnsClustersToPool(t *testing.T) {
	table := NewFatTable(FAT16, 10)

	chain, err := table.Allocate(4)
	require.NoError(t, err)

	require.NoError(t, table.FreeChain(chain[0]))

	for _, c := range chain {
		assert.EqualValues(t, 0, table.Get(c), "freed cluster %d should read back as 0", c)
	}

	// The freed clusters should be available for a fresh allocation.
	reallocated, err := table.Allocate(4)
	require.NoError(t, err)
	assert.ElementsMatch(t, chain, reallocated)
}

func TestFatTableDirtyBitTransitions(t *testing.T) {
	table := NewFatTable(FAT16, 4)
	assert.True(t, table.IsClean(false))

	table.MarkDirty()
	assert.False(t, table.IsClean(false))

	table.MarkClean()
	assert.True(t, table.IsClean(false))

	// An out-of-band BPB dirty flag always wins, even if the FAT-side bit
	// says clean.
	assert.False(t, table.IsClean(true))
}

func TestFlushCopiesWritesEveryCopy(t *testing.T) {
	table := NewFatTable(FAT16, 4)
	table.Set(2, 0xFFFF)

	written := map[int64][]byte{}
	writeAt := func(offset int64, data []byte) error {
		buf := make([]byte, len(data))
		copy(buf, data)
		written[offset] = buf
		return nil
	}

	require.NoError(t, table.FlushCopies(writeAt, 512, 8, 2))
	require.Len(t, written, 2)
	assert.Equal(t, written[512], written[520])
}

func TestBadClusterMidChainFails(t *testing.T) {
	table := NewFatTable(FAT16, 8)
	table.Set(2, 0xFFF7) // FAT16 BAD sentinel

	_, err := table.FollowChain(2)
	assert.ErrorIs(t, err, errors.ErrBadCluster)
}

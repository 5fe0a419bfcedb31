package fat

import (
	"testing"

	"github.com/gofatfs/fatfs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLFNRoundTrip(t *testing.T) {
	sn, err := ShortNameFromString("ALONGF~1.TXT")
	require.NoError(t, err)
	checksum := sn.Checksum()

	longName := "A long file name.TXT"
	fragments := makeLFNEntries(longName, checksum)
	require.Len(t, fragments, 2)

	// Physical order is highest-ordinal (last logical fragment) first.
	assert.True(t, fragments[0].isLast())
	assert.Equal(t, 2, fragments[0].sequenceNumber())
	assert.Equal(t, 1, fragments[1].sequenceNumber())

	decoded, bound, err := resolveLFNChain(fragments, checksum)
	require.NoError(t, err)
	require.True(t, bound)
	assert.Equal(t, longName, decoded)
}

func TestLFNBrokenChecksumFails(t *testing.T) {
	fragments := makeLFNEntries("whatever.txt", 0x42)
	_, _, err := resolveLFNChain(fragments, 0x99)
	assert.Equal(t, errors.ErrBrokenLFN, err)
}

func TestLFNIncompleteChainIsNotBound(t *testing.T) {
	fragments := makeLFNEntries("A long file name.TXT", 0x11)
	// Drop the terminal (highest-ordinal) fragment.
	incomplete := fragments[1:]

	_, bound, err := resolveLFNChain(incomplete, 0x11)
	require.NoError(t, err)
	assert.False(t, bound)
}

func TestLFNDecodeIsIdempotent(t *testing.T) {
	checksum := uint8(0x5A)
	fragments := makeLFNEntries("idempotent.txt", checksum)

	first, _, err := resolveLFNChain(fragments, checksum)
	require.NoError(t, err)
	second, _, err := resolveLFNChain(fragments, checksum)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestLFNNameTooLongRejected(t *testing.T) {
	long := make([]byte, 260)
	for i := range long {
		long[i] = 'a'
	}
	err := validateLongName(string(long))
	assert.Error(t, err)
}


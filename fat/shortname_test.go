package fat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortNameRoundTrip(t *testing.T) {
	cases := []string{"README.TXT", "NOEXT", "A.B", "X.Y"}

	for _, name := range cases {
		sn, err := ShortNameFromString(name)
		require.NoError(t, err)
		assert.Equal(t, name, sn.Unpadded())

		repr := sn.ByteRepr()
		back, err := ShortNameFromBytes(repr[:])
		require.NoError(t, err)
		assert.Equal(t, name, back.Unpadded())
	}
}

func TestShortNameRejectsNonConformant(t *testing.T) {
	_, err := ShortNameFromString("too long name.txt")
	assert.Error(t, err)

	_, err = ShortNameFromString("lower.txt")
	assert.Error(t, err)
}

func TestShortNameKanjiLeadByteTranslation(t *testing.T) {
	// A name literally starting with 0xE5 must be stored on disk as 0x05,
	// since 0xE5 is the deleted-entry marker.
	raw := [11]byte{0x05, 'B', 'C', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T'}
	sn, err := ShortNameFromBytes(raw[:])
	require.NoError(t, err)

	assert.EqualValues(t, 0xE5, []byte(sn.Unpadded())[0])

	repr := sn.ByteRepr()
	assert.EqualValues(t, 0x05, repr[0])
}

func TestShortNameFromBytesRejectsFreeSlots(t *testing.T) {
	deleted := [11]byte{0xE5, 'B', 'C', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	_, err := ShortNameFromBytes(deleted[:])
	assert.Error(t, err)

	last := [11]byte{0x00}
	_, err = ShortNameFromBytes(last[:])
	assert.Error(t, err)
}

func TestShortNameChecksumStable(t *testing.T) {
	sn, err := ShortNameFromString("ALONGF~1.TXT")
	require.NoError(t, err)

	c1 := sn.Checksum()
	c2 := sn.Checksum()
	assert.Equal(t, c1, c2)
}

func TestMakeShortNameCollisionAvoidance(t *testing.T) {
	existing := map[string]bool{}

	first, err := MakeShortName("A long file name.TXT", existing)
	require.NoError(t, err)
	assert.Equal(t, "ALONGF~1.TXT", first)

	existing[first] = true

	second, err := MakeShortName("A long file name, different.TXT", existing)
	require.NoError(t, err)
	assert.Equal(t, "ALONGF~2.TXT", second)
	assert.NotEqual(t, first, second)
}

func TestMakeShortNameStripsSpacesBeforeNumbering(t *testing.T) {
	existing := map[string]bool{"ALONGF~1.TXT": true}

	name, err := MakeShortName("A long   file.TXT", existing)
	require.NoError(t, err)
	assert.Equal(t, "ALONGF~2.TXT", name)
}

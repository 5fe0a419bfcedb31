package fat

import (
	"testing"

	"github.com/gofatfs/fatfs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortEntry(t *testing.T, name string, attr uint8) *DirectoryEntry {
	t.Helper()
	sn, err := ShortNameFromString(name)
	require.NoError(t, err)
	return &DirectoryEntry{ShortName: sn, Attributes: attr}
}

func TestDirectoryEntryByteReprRoundTrip(t *testing.T) {
	e := shortEntry(t, "HELLO.TXT", AttrArchive)
	e.fileSize = 12
	e.SetCluster(5)

	data := e.ByteRepr()
	require.Len(t, data, DirentSize)

	parsed, err := ParseDirectory(data)
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	assert.Equal(t, "HELLO.TXT", parsed[0].GetShortName())
	assert.EqualValues(t, 12, parsed[0].Size())
	assert.EqualValues(t, 5, parsed[0].GetCluster())
	assert.True(t, parsed[0].IsArchive())
}

func TestParseDirectoryStopsAtLastSlot(t *testing.T) {
	e := shortEntry(t, "ONE.TXT", AttrArchive)
	data := append(e.ByteRepr(), make([]byte, DirentSize)...) // trailing 0x00 slot
	data = append(data, e.ByteRepr()...)                      // should never be reached

	parsed, err := ParseDirectory(data)
	require.NoError(t, err)
	assert.Len(t, parsed, 1)
}

func TestParseDirectorySkipsFreeSlots(t *testing.T) {
	live := shortEntry(t, "LIVE.TXT", AttrArchive)

	freed := make([]byte, DirentSize)
	freed[0] = deletedMarker

	data := append(freed, live.ByteRepr()...)

	parsed, err := ParseDirectory(data)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "LIVE.TXT", parsed[0].GetShortName())
}

func TestParseDirectoryBindsLongNameChain(t *testing.T) {
	existing := map[string]bool{}
	shortAlias, err := MakeShortName("A long file name.TXT", existing)
	require.NoError(t, err)

	sn, err := ShortNameFromString(shortAlias)
	require.NoError(t, err)

	e := &DirectoryEntry{ShortName: sn, Attributes: AttrArchive, longName: "A long file name.TXT"}
	data := e.ByteRepr()

	parsed, err := ParseDirectory(data)
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	longName, err := parsed[0].GetLongName()
	require.NoError(t, err)
	assert.Equal(t, "A long file name.TXT", longName)
	assert.Equal(t, shortAlias, parsed[0].GetShortName())
}

func TestParseDirectoryIncompleteLFNChainFallsBackToShortName(t *testing.T) {
	sn, err := ShortNameFromString("ALONGF~1.TXT")
	require.NoError(t, err)

	fragments := makeLFNEntries("A long file name.TXT", sn.Checksum())
	// Drop the terminal fragment so the chain cannot bind.
	var data []byte
	for _, frag := range fragments[1:] {
		data = append(data, frag.byteRepr()...)
	}

	e := &DirectoryEntry{ShortName: sn, Attributes: AttrArchive}
	data = append(data, e.ByteRepr()...)

	parsed, err := ParseDirectory(data)
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	_, err = parsed[0].GetLongName()
	assert.Error(t, err)
	assert.Equal(t, "ALONGF~1.TXT", parsed[0].GetShortName())
}

func TestKanjiLeadByteSurvivesDirectoryScan(t *testing.T) {
	raw := [11]byte{}
	for i := range raw {
		raw[i] = ' '
	}
	copy(raw[:], "AAAAAAAA")
	raw[0] = kanjiLeadByteOnDisk

	sn, err := ShortNameFromBytes(raw[:])
	require.NoError(t, err)
	assert.EqualValues(t, kanjiLeadByteInMemory, sn.Unpadded()[0])

	e := &DirectoryEntry{ShortName: sn, Attributes: AttrArchive}
	data := e.ByteRepr()
	assert.EqualValues(t, kanjiLeadByteOnDisk, data[0])

	parsed, err := ParseDirectory(data)
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.EqualValues(t, kanjiLeadByteInMemory, parsed[0].GetShortName()[0])
}

func TestDirectoryEntryParentChildLifecycle(t *testing.T) {
	dir := shortEntry(t, "SUBDIR", AttrDirectory)
	child := shortEntry(t, "FILE.TXT", AttrArchive)

	require.NoError(t, dir.AddChild(child))
	assert.Equal(t, dir, child.Parent())
	assert.Len(t, dir.Children(), 1)
	assert.False(t, dir.IsEmpty())

	err := dir.AddChild(child)
	assert.ErrorIs(t, err, errors.ErrAlreadyParented)

	require.NoError(t, dir.RemoveChild(child))
	assert.Nil(t, child.Parent())
	assert.True(t, dir.IsEmpty())
}

func TestDirectoryEntryGetEntryResolvesByLongAndShortName(t *testing.T) {
	root := shortEntry(t, "ROOT", AttrDirectory)
	child := shortEntry(t, "ALONGF~1.TXT", AttrArchive)
	child.longName = "A long file name.TXT"
	require.NoError(t, root.AddChild(child))

	byLong, err := root.GetEntry("A long file name.TXT")
	require.NoError(t, err)
	assert.Equal(t, child, byLong)

	byShort, err := root.GetEntry("ALONGF~1.TXT")
	require.NoError(t, err)
	assert.Equal(t, child, byShort)

	_, err = root.GetEntry("NOPE.TXT")
	assert.Error(t, err)
}

func TestDirectoryEntryGetFullPath(t *testing.T) {
	root := shortEntry(t, "ROOT", AttrDirectory)
	sub := shortEntry(t, "SUB", AttrDirectory)
	file := shortEntry(t, "FILE.TXT", AttrArchive)

	require.NoError(t, root.AddChild(sub))
	require.NoError(t, sub.AddChild(file))

	assert.Equal(t, "/SUB/FILE.TXT", file.GetFullPath())
	assert.Equal(t, "/", root.GetFullPath())
}

func TestDirectoryEntryWalkVisitsDirsAndFiles(t *testing.T) {
	root := shortEntry(t, "ROOT", AttrDirectory)
	sub := shortEntry(t, "SUB", AttrDirectory)
	file := shortEntry(t, "FILE.TXT", AttrArchive)

	require.NoError(t, root.AddChild(sub))
	require.NoError(t, root.AddChild(file))

	visited := map[string]bool{}
	err := root.Walk(func(path string, dirs, files []*DirectoryEntry) error {
		visited[path] = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, visited["/"])
	assert.True(t, visited["/SUB"])
}

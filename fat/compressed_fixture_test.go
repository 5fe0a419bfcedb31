package fat

import (
	"bytes"
	"io"
	"testing"

	fatfstesting "github.com/gofatfs/fatfs/testing"
	"github.com/gofatfs/fatfs/utilities/compression"
	"github.com/stretchr/testify/require"
)

// TestMountFromCompressedFixture builds a small FAT12 image, compresses it
// the way a checked-in fixture would be (utilities/compression.CompressImage,
// RLE8 + gzip), then round-trips it back through
// fatfstesting.LoadDiskImage before mounting. This is the path a real
// fixture file takes; no FAT test previously exercised the compression
// utilities at all.
func TestMountFromCompressedFixture(t *testing.T) {
	const sectorSize = 512
	const totalSectors = 2880 // 1.44 MB, converges to FAT12

	raw := fatfstesting.NewBlankImage(sectorSize, totalSectors)
	require.NoError(t, Format(raw, FormatOptions{
		SizeBytes: sectorSize * totalSectors,
		Label:     "RLEFIX",
	}))

	rawBytes, err := io.ReadAll(newRewoundReader(t, raw))
	require.NoError(t, err)

	var compressed bytes.Buffer
	_, err = compression.CompressImage(bytes.NewReader(rawBytes), &compressed)
	require.NoError(t, err)
	require.Less(t, compressed.Len(), len(rawBytes), "RLE8+gzip should shrink a mostly-zeroed image")

	device := fatfstesting.LoadDiskImage(t, compressed.Bytes(), sectorSize, totalSectors)

	vol, err := MountReadWrite(device, MountOptions{})
	require.NoError(t, err)
	require.Equal(t, FAT12, vol.BootSector().Variant)
	require.Equal(t, "RLEFIX", vol.BootSector().VolumeLabel)

	entry, err := vol.CreateFile(vol.Root(), "FIXTURE.TXT")
	require.NoError(t, err)
	require.Equal(t, "FIXTURE.TXT", entry.GetShortName())
}

func newRewoundReader(t *testing.T, rws io.ReadWriteSeeker) io.Reader {
	t.Helper()
	_, err := rws.Seek(0, io.SeekStart)
	require.NoError(t, err)
	return rws
}

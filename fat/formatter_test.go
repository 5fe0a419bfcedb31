package fat

import (
	"testing"

	"github.com/gofatfs/fatfs/disks"
	fatfstesting "github.com/gofatfs/fatfs/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatThenMountRoundTripsGeometryPreset(t *testing.T) {
	geom, err := disks.GetPreset("1.44M")
	require.NoError(t, err)

	device := fatfstesting.NewBlankImage(uint(geom.BytesPerSector), uint(geom.TotalSectors()))

	err = Format(device, FormatOptions{Geometry: &geom, Label: "MYDISK"})
	require.NoError(t, err)

	vol, err := MountReadWrite(device, MountOptions{})
	require.NoError(t, err)

	bs := vol.BootSector()
	assert.Equal(t, geom.BytesPerSector, bs.BytesPerSector)
	assert.Equal(t, geom.SectorsPerCluster, bs.SectorsPerClus)
	assert.Equal(t, geom.NumFATs, bs.NumFATs)
	assert.Equal(t, geom.Media, bs.Media)

	root := vol.Root()
	require.NotEmpty(t, root.Children())
	assert.Equal(t, "MYDISK", root.Children()[0].GetShortName())
	assert.True(t, root.Children()[0].IsVolumeID())
}

func TestFormatThenMountRoundTripsFAT32Geometry(t *testing.T) {
	geom, err := disks.GetPreset("fat32-32M")
	require.NoError(t, err)

	device := fatfstesting.NewBlankImage(uint(geom.BytesPerSector), uint(geom.TotalSectors()))

	err = Format(device, FormatOptions{Geometry: &geom, Label: "BIGDISK"})
	require.NoError(t, err)

	vol, err := MountReadWrite(device, MountOptions{})
	require.NoError(t, err)

	bs := vol.BootSector()
	require.Equal(t, FAT32, bs.Variant)
	assert.NotZero(t, bs.RootCluster)

	root := vol.Root()
	require.NotEmpty(t, root.Children())
	assert.Equal(t, "BIGDISK", root.Children()[0].GetShortName())
}

func TestFormatRawSizeProducesMountableFAT16Volume(t *testing.T) {
	const sectorSize = 512
	const totalSectors = 40 * 1024 * 1024 / sectorSize

	device := fatfstesting.NewBlankImage(sectorSize, totalSectors)

	err := Format(device, FormatOptions{SizeBytes: totalSectors * sectorSize, Label: "RAWFMT"})
	require.NoError(t, err)

	vol, err := MountReadWrite(device, MountOptions{})
	require.NoError(t, err)

	bs := vol.BootSector()
	assert.Equal(t, FAT16, bs.Variant)
	assert.Equal(t, "RAWFMT", firstChildShortName(t, vol))
}

func firstChildShortName(t *testing.T, vol *Volume) string {
	t.Helper()
	require.NotEmpty(t, vol.Root().Children())
	return vol.Root().Children()[0].GetShortName()
}

func TestFormatRejectsTooSmallVolume(t *testing.T) {
	device := fatfstesting.NewBlankImage(512, 1)
	err := Format(device, FormatOptions{SizeBytes: 512})
	assert.Error(t, err)
}

func TestFormatRejectsZeroSize(t *testing.T) {
	device := fatfstesting.NewBlankImage(512, 10)
	err := Format(device, FormatOptions{})
	assert.Error(t, err)
}

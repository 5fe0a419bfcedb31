package fat

import (
	"io"
	"strings"

	"github.com/gofatfs/fatfs/disks"
	"github.com/gofatfs/fatfs/errors"
	"github.com/noxer/bytewriter"
)

// FormatOptions configures Format. Either Geometry names a well-known
// preset from package disks, or SizeBytes/SectorsPerCluster describe the
// volume directly; Geometry takes priority when both are set.
type FormatOptions struct {
	Geometry *disks.Geometry

	SizeBytes         int64
	BytesPerSector    uint16
	SectorsPerCluster uint8

	// VariantHint seeds the FAT12/16/32 detection loop below. It is only
	// a starting point: the final variant is whatever Microsoft's
	// cluster-count formula (determineVariant) settles on once FATSz and
	// the cluster count have converged, same as a real mkfs would.
	VariantHint Variant

	Label  string
	Offset int64
}

const defaultFormatBytesPerSector = 512

// Format writes a fresh, empty FAT filesystem to device: a BPB, NumFATs
// identical FAT copies seeded with the two reserved entries (media type
// in entry 0, EOC in entry 1, and on FAT32 a pre-allocated root cluster
// chain terminated in entry 2), and an empty root directory region
// carrying the volume label. Implements spec §4.6 step by step.
func Format(device io.ReadWriteSeeker, opts FormatOptions) error {
	bytesPerSector := opts.BytesPerSector
	if bytesPerSector == 0 {
		bytesPerSector = defaultFormatBytesPerSector
	}

	var sizeBytes int64
	sectorsPerCluster := opts.SectorsPerCluster
	media := uint8(0xF8)
	rootEntryCount := uint16(512)
	reservedSectors := uint16(1)
	numFATs := uint8(2)
	variant := opts.VariantHint

	if opts.Geometry != nil {
		g := opts.Geometry
		bytesPerSector = g.BytesPerSector
		sizeBytes = g.TotalSizeBytes
		sectorsPerCluster = g.SectorsPerCluster
		media = g.Media
		rootEntryCount = g.RootEntryCount
		reservedSectors = g.ReservedSectors
		numFATs = g.NumFATs
	} else {
		sizeBytes = opts.SizeBytes
	}

	if sizeBytes <= 0 {
		return errors.ErrInvalidArgument.WithMessage(
			"FormatOptions needs a positive SizeBytes, or a Geometry preset")
	}
	if bytesPerSector == 0 {
		bytesPerSector = defaultFormatBytesPerSector
	}

	totalSectors := uint32(sizeBytes / int64(bytesPerSector))
	if totalSectors == 0 {
		return errors.ErrInvalidArgument.WithMessage("volume is too small to hold a single sector")
	}

	if sectorsPerCluster == 0 {
		sectorsPerCluster = pickSectorsPerCluster(totalSectors)
	}
	if variant == 0 {
		variant = FAT16
	}

	layout, err := solveLayout(totalSectors, bytesPerSector, sectorsPerCluster, numFATs, rootEntryCount, reservedSectors, variant)
	if err != nil {
		return err
	}
	variant = layout.variant

	if opts.Geometry == nil {
		if variant == FAT32 {
			rootEntryCount = 0
			reservedSectors = 32
		} else {
			rootEntryCount = 512
			reservedSectors = 1
		}
		layout, err = solveLayout(totalSectors, bytesPerSector, sectorsPerCluster, numFATs, rootEntryCount, reservedSectors, variant)
		if err != nil {
			return err
		}
		variant = layout.variant
	}

	rootDirSectors := rootDirSectorCount(variant, rootEntryCount, bytesPerSector)

	bs := &BootSector{
		BytesPerSector:  bytesPerSector,
		SectorsPerClus:  sectorsPerCluster,
		ReservedSectors: reservedSectors,
		NumFATs:         numFATs,
		RootEntryCount:  rootEntryCount,
		Media:           media,
		TotalSectors:    totalSectors,
		FATSize:         layout.fatSize,
		VolumeLabel:     opts.Label,
		Variant:         variant,
		RootDirSectors:  rootDirSectors,
		FirstDataSector: uint32(reservedSectors) + uint32(numFATs)*layout.fatSize + rootDirSectors,
		BytesPerCluster: uint32(bytesPerSector) * uint32(sectorsPerCluster),
		TotalClusters:   layout.totalClusters,
	}

	table := NewFatTable(variant, layout.totalClusters+2)
	table.Set(0, uint32(media)|0xFFFFFF00)
	_, eocMax := eocRange(variant)
	table.Set(1, eocMax)

	var rootCluster uint32
	if variant == FAT32 {
		chain, err := table.Allocate(1)
		if err != nil {
			return err
		}
		rootCluster = chain[0]
		bs.RootCluster = rootCluster
		bs.FSInfoSector = 1
		bs.BackupBootSec = 6
	}

	imageSize := int64(totalSectors) * int64(bytesPerSector)
	image := make([]byte, imageSize)
	writer := bytewriter.New(image)

	bootSectorBytes, err := bs.Serialize()
	if err != nil {
		return err
	}
	if _, err := writer.Write(bootSectorBytes); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if int64(len(bootSectorBytes)) < int64(reservedSectors)*int64(bytesPerSector) {
		padding := make([]byte, int64(reservedSectors)*int64(bytesPerSector)-int64(len(bootSectorBytes)))
		if _, err := writer.Write(padding); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
	}

	fatBytes := table.Serialize()
	fatRegionSize := int64(layout.fatSize) * int64(bytesPerSector)
	paddedFAT := make([]byte, fatRegionSize)
	copy(paddedFAT, fatBytes)
	for i := uint8(0); i < numFATs; i++ {
		if _, err := writer.Write(paddedFAT); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
	}

	labelEntry := volumeLabelEntry(opts.Label)

	if variant == FAT32 {
		rootRegion := make([]byte, uint32(sectorsPerCluster)*uint32(bytesPerSector))
		if labelEntry != nil {
			copy(rootRegion, labelEntry.ByteRepr())
		}
		if _, err := writer.Write(rootRegion); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
	} else {
		rootRegion := make([]byte, int64(rootDirSectors)*int64(bytesPerSector))
		if labelEntry != nil {
			copy(rootRegion, labelEntry.ByteRepr())
		}
		if _, err := writer.Write(rootRegion); err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
	}

	if _, err := device.Seek(opts.Offset, io.SeekStart); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if _, err := device.Write(image); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	return nil
}

// volumeLabelEntry builds the VOLUME_ID directory entry written as the
// first record of a freshly formatted root directory. A blank label
// still gets an entry ("NO NAME    ", matching what mkfs.fat and DOS
// itself write), since a root directory with no volume label record at
// all is also valid but this keeps the behavior deterministic.
func volumeLabelEntry(label string) *DirectoryEntry {
	upper := strings.ToUpper(label)
	if upper == "" {
		upper = "NO NAME"
	}
	if len(upper) > 11 {
		upper = upper[:11]
	}

	var raw [11]byte
	for i := range raw {
		raw[i] = ' '
	}
	copy(raw[:], upper)

	sn, err := ShortNameFromBytes(raw[:])
	if err != nil {
		return nil
	}

	return &DirectoryEntry{
		ShortName:  sn,
		Attributes: AttrVolumeID,
	}
}

// rootDirSectorCount gives the number of sectors the fixed-location
// FAT12/16 root directory region occupies; always 0 on FAT32, where the
// root directory is an ordinary cluster chain instead.
func rootDirSectorCount(variant Variant, rootEntryCount uint16, bytesPerSector uint16) uint32 {
	if variant == FAT32 {
		return 0
	}
	return (uint32(rootEntryCount)*uint32(DirentSize) + uint32(bytesPerSector) - 1) / uint32(bytesPerSector)
}

// pickSectorsPerCluster picks the smallest power-of-two cluster size (in
// sectors) that keeps the volume's approximate cluster count under the
// FAT16 ceiling, per spec's "4085, 65525" thresholds; larger volumes fall
// through to FAT32 once solveLayout's own cluster count settles there.
func pickSectorsPerCluster(totalSectors uint32) uint8 {
	for _, spc := range []uint8{1, 2, 4, 8, 16, 32, 64, 128} {
		approxClusters := totalSectors / uint32(spc)
		if approxClusters < maxFAT16Clusters {
			return spc
		}
	}
	return 128
}

type fatLayout struct {
	fatSize       uint32
	totalClusters uint32
	variant       Variant
}

// solveLayout computes FATSz and the resulting cluster count by fixed-
// point iteration: FATSz depends on the cluster count (more clusters need
// a bigger FAT) and the cluster count depends on FATSz (a bigger FAT
// leaves fewer data sectors). A handful of iterations is always enough to
// converge since FATSz changes by at most a few sectors per pass.
func solveLayout(totalSectors uint32, bytesPerSector uint16, sectorsPerCluster uint8, numFATs uint8, rootEntryCount uint16, reservedSectors uint16, variant Variant) (fatLayout, error) {
	fatSize := uint32(1)
	for i := 0; i < 16; i++ {
		// rootDirSectors and the entry-byte ratio both depend on variant, so
		// they must be recomputed every pass as variant converges -- using
		// the previous pass's values here would keep e.g. FAT16's 2-bytes-
		// per-entry ratio after the loop has already moved on to FAT32.
		rootDirSectors := uint64(rootDirSectorCount(variant, rootEntryCount, bytesPerSector))
		entryBytesNumerator, entryBytesDenominator := fatEntrySizeRatio(variant)

		dataSectors := int64(totalSectors) - int64(reservedSectors) - int64(numFATs)*int64(fatSize) - int64(rootDirSectors)
		if dataSectors < 0 {
			return fatLayout{}, errors.ErrInvalidArgument.WithMessage(
				"volume is too small to hold its own reserved sectors and FAT copies")
		}

		totalClusters := uint32(dataSectors) / uint32(sectorsPerCluster)
		neededEntries := uint64(totalClusters) + 2

		newFATSize := uint32((neededEntries*uint64(entryBytesNumerator) +
			uint64(entryBytesDenominator)*uint64(bytesPerSector) - 1) /
			(uint64(entryBytesDenominator) * uint64(bytesPerSector)))
		if newFATSize == 0 {
			newFATSize = 1
		}

		newVariant := determineVariant(totalClusters)

		if newFATSize == fatSize && newVariant == variant {
			return fatLayout{fatSize: fatSize, totalClusters: totalClusters, variant: variant}, nil
		}

		fatSize = newFATSize
		variant = newVariant
	}

	rootDirSectors := uint64(rootDirSectorCount(variant, rootEntryCount, bytesPerSector))
	dataSectors := int64(totalSectors) - int64(reservedSectors) - int64(numFATs)*int64(fatSize) - int64(rootDirSectors)
	if dataSectors < 0 {
		return fatLayout{}, errors.ErrInvalidArgument.WithMessage(
			"volume geometry did not converge to a valid layout")
	}
	totalClusters := uint32(dataSectors) / uint32(sectorsPerCluster)
	return fatLayout{fatSize: fatSize, totalClusters: totalClusters, variant: determineVariant(totalClusters)}, nil
}

// fatEntrySizeRatio gives a FAT entry's size in bytes as numerator/
// denominator (FAT12 packs two 12-bit entries into three bytes).
func fatEntrySizeRatio(variant Variant) (numerator, denominator uint32) {
	switch variant {
	case FAT12:
		return 3, 2
	case FAT32:
		return 4, 1
	default:
		return 2, 1
	}
}

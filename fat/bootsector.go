package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gofatfs/fatfs/errors"
	multierror "github.com/hashicorp/go-multierror"
)

// Variant identifies which FAT flavor a volume uses.
type Variant int

const (
	FAT12 Variant = 12
	FAT16 Variant = 16
	FAT32 Variant = 32
)

func (v Variant) String() string {
	switch v {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return fmt.Sprintf("FAT(unknown:%d)", int(v))
	}
}

// Microsoft's cluster-count thresholds for FAT type detection, taken
// directly from the FAT specification.
const (
	maxFAT12Clusters = 4085
	maxFAT16Clusters = 65525
)

// rawCommonBPB is the on-disk layout of the 36-byte BPB common header
// shared by all FAT variants.
type rawCommonBPB struct {
	JmpBoot         [3]byte
	OEMName         [8]byte
	BytesPerSector  uint16
	SectorsPerClus  uint8
	ReservedSectors uint16
	NumFATs         uint8
	RootEntryCount  uint16
	TotalSectors16  uint16
	Media           uint8
	FATSize16       uint16
	SectorsPerTrack uint16
	NumHeads        uint16
	HiddenSectors   uint32
	TotalSectors32  uint32
}

// rawFAT1216Extension is the 26-byte FAT12/16 extended BPB at offset 36.
type rawFAT1216Extension struct {
	DriveNumber     uint8
	Reserved1       uint8
	BootSignature   uint8
	VolumeID        uint32
	VolumeLabel     [11]byte
	FileSystemType  [8]byte
}

// rawFAT32Extension is the 54-byte FAT32 extended BPB at offset 36.
type rawFAT32Extension struct {
	FATSize32       uint32
	ExtFlags        uint16
	FSVersion       uint16
	RootCluster     uint32
	FSInfoSector    uint16
	BackupBootSec   uint16
	Reserved        [12]byte
	DriveNumber     uint8
	Reserved1       uint8
	BootSignature   uint8
	VolumeID        uint32
	VolumeLabel     [11]byte
	FileSystemType  [8]byte
}

// BootSector is the parsed, validated boot sector with every field needed
// to address sectors and clusters.
type BootSector struct {
	BytesPerSector  uint16
	SectorsPerClus  uint8
	ReservedSectors uint16
	NumFATs         uint8
	RootEntryCount  uint16
	Media           uint8
	SectorsPerTrack uint16
	NumHeads        uint16
	HiddenSectors   uint32
	TotalSectors    uint32
	FATSize         uint32
	VolumeLabel     string
	VolumeID        uint32

	// JmpBoot and OEMName are opaque to fatfs but preserved verbatim across
	// a parse/serialize round trip, since they may carry a real x86 boot
	// stub or an OEM tag written by the tool that created the volume.
	JmpBoot [3]byte
	OEMName string

	// DriveNumber and BootSignature are the BS_DrvNum/BS_BootSig bytes from
	// the extended BPB, preserved verbatim rather than regenerated.
	DriveNumber   uint8
	BootSignature uint8

	// FAT32-only.
	RootCluster   uint32
	FSInfoSector  uint16
	BackupBootSec uint16
	ExtFlags      uint16
	FSVersion     uint16

	// Dirty flag in the BPB extended header (BS_Reserved1, bit 0).
	bpbReserved1 uint8

	Variant Variant

	// Derived quantities.
	RootDirSectors  uint32
	FirstDataSector uint32
	BytesPerCluster uint32
	TotalClusters   uint32
	DirentsPerSector int
}

func (bs *BootSector) rootDirSector() uint32 {
	return bs.ReservedSectors32() + uint32(bs.NumFATs)*bs.FATSize
}

func (bs *BootSector) ReservedSectors32() uint32 {
	return uint32(bs.ReservedSectors)
}

// ClusterAddress computes the byte offset of a cluster from the start of
// the volume.
func (bs *BootSector) ClusterAddress(cluster uint32) int64 {
	sector := int64(bs.FirstDataSector) + int64(cluster-2)*int64(bs.SectorsPerClus)
	return sector * int64(bs.BytesPerSector)
}

// RootDirByteOffset gives the byte offset of the fixed-location root
// directory region on FAT12/16. It is meaningless on FAT32.
func (bs *BootSector) RootDirByteOffset() int64 {
	return int64(bs.rootDirSector()) * int64(bs.BytesPerSector)
}

// RootDirByteSize gives the size, in bytes, of the fixed-location root
// directory region on FAT12/16.
func (bs *BootSector) RootDirByteSize() int64 {
	return int64(bs.RootEntryCount) * int64(DirentSize)
}

// ParseBootSector reads and validates the 512-byte boot sector from data.
// Validation failures that indicate genuine corruption are returned as an
// error as soon as they are found; invariant violations considered mere
// warnings (e.g. an oversized cluster) are collected with multierror and
// returned as the second result, and do not by themselves prevent a
// successful parse.
func ParseBootSector(data []byte) (*BootSector, []error, error) {
	if len(data) < 512 {
		return nil, nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("boot sector must be at least 512 bytes, got %d", len(data)))
	}

	if data[510] != 0x55 || data[511] != 0xAA {
		return nil, nil, errors.ErrFileSystemCorrupted.WithMessage(
			"missing 0x55 0xAA boot signature at offset 510")
	}

	var common rawCommonBPB
	reader := bytes.NewReader(data[:36])
	if err := binary.Read(reader, binary.LittleEndian, &common); err != nil {
		return nil, nil, errors.ErrIOFailed.WrapError(err)
	}

	var warnings *multierror.Error

	if !(common.JmpBoot[0] == 0xEB && common.JmpBoot[2] == 0x90) && common.JmpBoot[0] != 0xE9 {
		warnings = multierror.Append(warnings, fmt.Errorf(
			"BS_jmpBoot %x does not look like 0xEB ?? 0x90 or 0xE9 ?? ??", common.JmpBoot))
	}

	switch common.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("BytsPerSec must be 512/1024/2048/4096, got %d", common.BytesPerSector))
	}

	switch common.SectorsPerClus {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return nil, nil, errors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("SecPerClus must be a power of 2 in [1,128], got %d", common.SectorsPerClus))
	}

	if uint32(common.BytesPerSector)*uint32(common.SectorsPerClus) > 32768 {
		warnings = multierror.Append(warnings, fmt.Errorf(
			"BytsPerSec * SecPerClus = %d exceeds the recommended 32768 maximum",
			uint32(common.BytesPerSector)*uint32(common.SectorsPerClus)))
	}

	if common.ReservedSectors < 1 {
		return nil, nil, errors.ErrFileSystemCorrupted.WithMessage("RsvdSecCnt must be >= 1")
	}

	if common.NumFATs < 1 {
		return nil, nil, errors.ErrFileSystemCorrupted.WithMessage("NumFATs must be >= 1")
	}

	if common.Media != 0xF0 && common.Media < 0xF8 {
		warnings = multierror.Append(warnings, fmt.Errorf(
			"Media byte 0x%02x is not in {0xF0, 0xF8..0xFF}", common.Media))
	}

	if common.RootEntryCount != 0 &&
		(uint32(common.RootEntryCount)*uint32(DirentSize))%uint32(common.BytesPerSector) != 0 {
		warnings = multierror.Append(warnings, fmt.Errorf(
			"RootEntCnt*32 (%d) does not divide BytsPerSec (%d) evenly",
			uint32(common.RootEntryCount)*uint32(DirentSize), common.BytesPerSector))
	}

	if (common.TotalSectors16 == 0) == (common.TotalSectors32 == 0) {
		return nil, nil, errors.ErrFileSystemCorrupted.WithMessage(
			"exactly one of TotSec16/TotSec32 must be non-zero")
	}

	var totalSectors uint32
	if common.TotalSectors16 != 0 {
		totalSectors = uint32(common.TotalSectors16)
	} else {
		totalSectors = common.TotalSectors32
	}

	var fatSize uint32
	var rootCluster uint32
	var fsInfoSector, backupBootSec uint16
	var extFlags, fsVersion uint16
	var volumeLabel [11]byte
	var volumeID uint32
	var bpbReserved1 uint8
	var driveNumber, bootSignature uint8

	rootDirSectors := ((uint32(common.RootEntryCount) * uint32(DirentSize)) +
		(uint32(common.BytesPerSector) - 1)) / uint32(common.BytesPerSector)

	if common.FATSize16 != 0 {
		fatSize = uint32(common.FATSize16)
	} else {
		var ext32 rawFAT32Extension
		r := bytes.NewReader(data[36:90])
		if err := binary.Read(r, binary.LittleEndian, &ext32); err != nil {
			return nil, nil, errors.ErrIOFailed.WrapError(err)
		}
		fatSize = ext32.FATSize32
		rootCluster = ext32.RootCluster
		fsInfoSector = ext32.FSInfoSector
		backupBootSec = ext32.BackupBootSec
		extFlags = ext32.ExtFlags
		fsVersion = ext32.FSVersion
		volumeLabel = ext32.VolumeLabel
		volumeID = ext32.VolumeID
		bpbReserved1 = ext32.Reserved1
		driveNumber = ext32.DriveNumber
		bootSignature = ext32.BootSignature
	}

	dataSectors := int64(totalSectors) - int64(common.ReservedSectors) -
		int64(common.NumFATs)*int64(fatSize) - int64(rootDirSectors)
	if dataSectors < 0 {
		return nil, nil, errors.ErrFileSystemCorrupted.WithMessage(
			"computed data sector count is negative")
	}

	totalClusters := uint32(dataSectors) / uint32(common.SectorsPerClus)

	variant := determineVariant(totalClusters)
	if variant == FAT32 {
		if rootDirSectors != 0 {
			return nil, nil, errors.ErrFileSystemCorrupted.WithMessage(
				fmt.Sprintf("RootDirSectors is nonzero (%d) on a FAT32 volume", rootDirSectors))
		}
	} else if common.FATSize16 != 0 {
		var ext1216 rawFAT1216Extension
		r := bytes.NewReader(data[36:62])
		if err := binary.Read(r, binary.LittleEndian, &ext1216); err != nil {
			return nil, nil, errors.ErrIOFailed.WrapError(err)
		}
		volumeLabel = ext1216.VolumeLabel
		volumeID = ext1216.VolumeID
		bpbReserved1 = ext1216.Reserved1
		driveNumber = ext1216.DriveNumber
		bootSignature = ext1216.BootSignature
	}

	// Cross-check: if the header clearly indicates FAT32 (FATSz16 == 0 and
	// FATSz32 != 0) but the cluster-count formula disagreed, the header
	// wins and we note a warning rather than silently trusting the formula.
	if common.FATSize16 == 0 && fatSize != 0 && variant != FAT32 {
		warnings = multierror.Append(warnings, fmt.Errorf(
			"cluster count (%d) suggests %s but header has FATSz32 set; using FAT32",
			totalClusters, variant))
		variant = FAT32
	}

	firstDataSector := uint32(common.ReservedSectors) + uint32(common.NumFATs)*fatSize + rootDirSectors
	bytesPerCluster := uint32(common.BytesPerSector) * uint32(common.SectorsPerClus)

	bs := &BootSector{
		BytesPerSector:   common.BytesPerSector,
		SectorsPerClus:   common.SectorsPerClus,
		ReservedSectors:  common.ReservedSectors,
		NumFATs:          common.NumFATs,
		RootEntryCount:   common.RootEntryCount,
		Media:            common.Media,
		SectorsPerTrack:  common.SectorsPerTrack,
		NumHeads:         common.NumHeads,
		HiddenSectors:    common.HiddenSectors,
		TotalSectors:     totalSectors,
		FATSize:          fatSize,
		VolumeLabel:      trimSpacePadded(volumeLabel[:]),
		VolumeID:         volumeID,
		JmpBoot:          common.JmpBoot,
		OEMName:          trimSpacePadded(common.OEMName[:]),
		DriveNumber:      driveNumber,
		BootSignature:    bootSignature,
		RootCluster:      rootCluster,
		FSInfoSector:     fsInfoSector,
		BackupBootSec:    backupBootSec,
		ExtFlags:         extFlags,
		FSVersion:        fsVersion,
		bpbReserved1:     bpbReserved1,
		Variant:          variant,
		RootDirSectors:   rootDirSectors,
		FirstDataSector:  firstDataSector,
		BytesPerCluster:  bytesPerCluster,
		TotalClusters:    totalClusters,
		DirentsPerSector: int(common.BytesPerSector) / DirentSize,
	}

	var warnErrs []error
	if warnings != nil {
		warnErrs = warnings.Errors
	}
	return bs, warnErrs, nil
}

func trimSpacePadded(b []byte) string {
	return string(bytes.TrimRight(b, " "))
}

// determineVariant implements Microsoft's cluster-count based FAT type
// detection formula.
func determineVariant(totalClusters uint32) Variant {
	if totalClusters < maxFAT12Clusters {
		return FAT12
	}
	if totalClusters < maxFAT16Clusters {
		return FAT16
	}
	return FAT32
}

// IsDirty reports whether the BPB's NT-style "surprise removal" reserved
// flag is set, independent of the FAT-side dirty bits (see FatTable).
func (bs *BootSector) IsDirty() bool {
	return bs.bpbReserved1&0x01 != 0
}

// SetDirty sets or clears the BPB reserved dirty flag.
func (bs *BootSector) SetDirty(dirty bool) {
	if dirty {
		bs.bpbReserved1 |= 0x01
	} else {
		bs.bpbReserved1 &^= 0x01
	}
}

// Serialize writes the 512-byte boot sector back out from bs's fields. It
// round-trips any BootSector obtained from ParseBootSector: the invariant
// is serialise(parse(b)) == b for every valid b, modulo warning-only
// deviations that ParseBootSector already normalized.
func (bs *BootSector) Serialize() ([]byte, error) {
	buf := make([]byte, 512)

	jmpBoot := bs.JmpBoot
	if jmpBoot == ([3]byte{}) {
		jmpBoot = [3]byte{0xEB, 0x00, 0x90}
	}

	common := rawCommonBPB{
		JmpBoot:         jmpBoot,
		BytesPerSector:  bs.BytesPerSector,
		SectorsPerClus:  bs.SectorsPerClus,
		ReservedSectors: bs.ReservedSectors,
		NumFATs:         bs.NumFATs,
		RootEntryCount:  bs.RootEntryCount,
		Media:           bs.Media,
		SectorsPerTrack: bs.SectorsPerTrack,
		NumHeads:        bs.NumHeads,
		HiddenSectors:   bs.HiddenSectors,
	}

	oemName := bs.OEMName
	if oemName == "" {
		oemName = "FATFS"
	}
	copy(common.OEMName[:], padRight(oemName, 8))

	if bs.TotalSectors <= 0xFFFF {
		common.TotalSectors16 = uint16(bs.TotalSectors)
	} else {
		common.TotalSectors32 = bs.TotalSectors
	}

	if bs.Variant != FAT32 {
		common.FATSize16 = uint16(bs.FATSize)
	}

	w := bytes.NewBuffer(buf[:0])
	if err := binary.Write(w, binary.LittleEndian, &common); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}

	var labelBytes [11]byte
	var fsType [8]byte
	copy(labelBytes[:], padRight(bs.VolumeLabel, 11))

	driveNumber := bs.DriveNumber
	if driveNumber == 0 {
		driveNumber = 0x80
	}
	bootSignature := bs.BootSignature
	if bootSignature == 0 {
		bootSignature = 0x29
	}

	if bs.Variant == FAT32 {
		copy(fsType[:], padRight("FAT32", 8))
		ext := rawFAT32Extension{
			FATSize32:      bs.FATSize,
			ExtFlags:       bs.ExtFlags,
			FSVersion:      bs.FSVersion,
			RootCluster:    bs.RootCluster,
			FSInfoSector:   bs.FSInfoSector,
			BackupBootSec:  bs.BackupBootSec,
			DriveNumber:    driveNumber,
			Reserved1:      bs.bpbReserved1,
			BootSignature:  bootSignature,
			VolumeID:       bs.VolumeID,
			VolumeLabel:    labelBytes,
			FileSystemType: fsType,
		}
		ew := bytes.NewBuffer(nil)
		if err := binary.Write(ew, binary.LittleEndian, &ext); err != nil {
			return nil, errors.ErrIOFailed.WrapError(err)
		}
		copy(buf[36:90], ew.Bytes())
	} else {
		label := "FAT12   "
		if bs.Variant == FAT16 {
			label = "FAT16   "
		}
		copy(fsType[:], padRight(label, 8))
		ext := rawFAT1216Extension{
			DriveNumber:    driveNumber,
			Reserved1:      bs.bpbReserved1,
			BootSignature:  bootSignature,
			VolumeID:       bs.VolumeID,
			VolumeLabel:    labelBytes,
			FileSystemType: fsType,
		}
		ew := bytes.NewBuffer(nil)
		if err := binary.Write(ew, binary.LittleEndian, &ext); err != nil {
			return nil, errors.ErrIOFailed.WrapError(err)
		}
		copy(buf[36:62], ew.Bytes())
	}

	buf[510] = 0x55
	buf[511] = 0xAA
	return buf, nil
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

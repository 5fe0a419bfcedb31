package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/gofatfs/fatfs/errors"
)

// DirentSize is the size, in bytes, of a single on-disk directory entry
// record (short entry or LFN fragment).
const DirentSize = 32

// Attribute flag bits for a directory entry's attribute byte.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20

	// attrLongName is the attribute byte value (RO|HIDDEN|SYSTEM|VOLUME_ID)
	// that marks a record as an LFN fragment rather than a short entry.
	attrLongName     = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
	attrLongNameMask = 0x3F
)

// DirectoryEntry is the in-memory representation of a FAT directory entry:
// its short name, attributes, timestamps, cluster pointer, size, and
// (transiently) any attached long-name chain. Parent/child relationships
// are modeled with direct pointers rather than an arena of integer
// handles: children never reference other children and a parent never
// appears in its own child list, so the graph is acyclic by construction
// and plain pointers break the cycle just as well as a handle indirection
// would, without adding a lookup table nothing else in this package needs.
type DirectoryEntry struct {
	ShortName ShortName

	Attributes uint8
	ntReserved uint8

	createdDate, createdTime uint16
	createdTenths            uint8
	lastAccessedDate         uint16
	lastModifiedDate, lastModifiedTime uint16

	firstClusterHigh, firstClusterLow uint16
	fileSize                          uint32

	longName string

	parent   *DirectoryEntry
	children []*DirectoryEntry

	// materialized and dirty track the lazy-load state of a directory's
	// children: whether they have been read from disk yet, and whether
	// there are in-memory mutations not yet flushed.
	materialized bool
	dirty        bool
}

func (e *DirectoryEntry) IsReadOnly() bool  { return e.Attributes&AttrReadOnly != 0 }
func (e *DirectoryEntry) IsHidden() bool    { return e.Attributes&AttrHidden != 0 }
func (e *DirectoryEntry) IsSystem() bool    { return e.Attributes&AttrSystem != 0 }
func (e *DirectoryEntry) IsVolumeID() bool  { return e.Attributes&AttrVolumeID != 0 }
func (e *DirectoryEntry) IsDirectory() bool { return e.Attributes&AttrDirectory != 0 }
func (e *DirectoryEntry) IsArchive() bool   { return e.Attributes&AttrArchive != 0 }

// IsSpecial reports whether this entry is the "." or ".." pseudo-entry.
func (e *DirectoryEntry) IsSpecial() bool {
	return e.ShortName.IsSpecial()
}

// GetCluster composes the 32-bit cluster number from the high and low
// words. On FAT12/16 the high word is always 0.
func (e *DirectoryEntry) GetCluster() uint32 {
	return uint32(e.firstClusterHigh)<<16 | uint32(e.firstClusterLow)
}

// SetCluster decomposes a 32-bit cluster number into the high/low words.
func (e *DirectoryEntry) SetCluster(cluster uint32) {
	e.firstClusterHigh = uint16(cluster >> 16)
	e.firstClusterLow = uint16(cluster)
}

// GetShortName returns the unpadded, human-readable 8.3 name.
func (e *DirectoryEntry) GetShortName() string {
	return e.ShortName.Unpadded()
}

// GetLongName returns the attached long name, or ErrNoLongName if the
// entry has none.
func (e *DirectoryEntry) GetLongName() (string, error) {
	if e.longName == "" {
		return "", errors.ErrNoLongName
	}
	return e.longName, nil
}

// DisplayName returns the long name if present, else the short name.
func (e *DirectoryEntry) DisplayName() string {
	if e.longName != "" {
		return e.longName
	}
	return e.GetShortName()
}

// Size returns the file size in bytes. Directories report a synthetic size
// equal to 32 bytes per currently materialized child, since FAT directory
// "size" has no on-disk representation of its own.
func (e *DirectoryEntry) Size() int64 {
	if e.IsDirectory() {
		return int64(len(e.children)) * DirentSize
	}
	return int64(e.fileSize)
}

// CTime, MTime, and ATime decode the entry's creation/modification/access
// timestamps using the given date/time codec (which controls UTC vs.
// local-time interpretation).
func (e *DirectoryEntry) CTime(codec DosDateTime) time.Time {
	return codec.ToTime(e.createdDate, e.createdTime, e.createdTenths)
}

func (e *DirectoryEntry) MTime(codec DosDateTime) time.Time {
	return codec.ToTime(e.lastModifiedDate, e.lastModifiedTime, 0)
}

func (e *DirectoryEntry) ATime(codec DosDateTime) time.Time {
	return codec.ToTime(e.lastAccessedDate, 0, 0)
}

func (e *DirectoryEntry) SetMTime(codec DosDateTime, t time.Time) {
	e.lastModifiedDate, e.lastModifiedTime, _ = codec.FromTime(t)
}

func (e *DirectoryEntry) SetATime(codec DosDateTime, t time.Time) {
	e.lastAccessedDate, _, _ = codec.FromTime(t)
}

func (e *DirectoryEntry) SetCTime(codec DosDateTime, t time.Time) {
	e.createdDate, e.createdTime, e.createdTenths = codec.FromTime(t)
}

// Parent returns the entry's parent directory, or nil for the root.
func (e *DirectoryEntry) Parent() *DirectoryEntry {
	return e.parent
}

// Children returns the directory's currently materialized children, in
// on-disk order. It does not trigger a lazy load; callers that need to
// guarantee materialization go through Volume.
func (e *DirectoryEntry) Children() []*DirectoryEntry {
	return e.children
}

// AddChild attaches child to e's child list and sets its parent
// back-reference. It fails with ErrAlreadyParented if child already has a
// parent.
func (e *DirectoryEntry) AddChild(child *DirectoryEntry) error {
	if child.parent != nil {
		return errors.ErrAlreadyParented
	}
	child.parent = e
	e.children = append(e.children, child)
	e.dirty = true
	return nil
}

// RemoveChild detaches child from e's child list.
func (e *DirectoryEntry) RemoveChild(child *DirectoryEntry) error {
	for i, c := range e.children {
		if c == child {
			e.children = append(e.children[:i], e.children[i+1:]...)
			child.parent = nil
			e.dirty = true
			return nil
		}
	}
	return errors.ErrNotFound
}

// IsEmpty reports whether a directory has no children beyond "." and ".."
// and volume-label entries.
func (e *DirectoryEntry) IsEmpty() bool {
	for _, c := range e.children {
		if !c.IsSpecial() && !c.IsVolumeID() {
			return false
		}
	}
	return true
}

// GetFullPath reconstructs the entry's absolute path by climbing parent
// back-references to the root.
func (e *DirectoryEntry) GetFullPath() string {
	if e.parent == nil {
		return "/"
	}

	var parts []string
	for cur := e; cur.parent != nil; cur = cur.parent {
		parts = append([]string{cur.DisplayName()}, parts...)
	}
	return "/" + strings.Join(parts, "/")
}

// GetEntry resolves a "/"-separated relative path starting from e, one
// segment at a time, matching a child's long name first and falling back
// to its short name.
func (e *DirectoryEntry) GetEntry(path string) (*DirectoryEntry, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return e, nil
	}

	current := e
	for _, segment := range strings.Split(path, "/") {
		if !current.IsDirectory() {
			return nil, errors.ErrNotADirectory
		}

		next, err := current.findChildByName(segment)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func (e *DirectoryEntry) findChildByName(name string) (*DirectoryEntry, error) {
	for _, c := range e.children {
		if c.longName != "" && c.longName == name {
			return c, nil
		}
	}
	upper := strings.ToUpper(name)
	for _, c := range e.children {
		if c.GetShortName() == upper {
			return c, nil
		}
	}
	return nil, errors.ErrNotFound
}

// WalkFunc is called once per directory visited by Walk, with the
// directory's path and its non-special, non-volume-id children split into
// subdirectories and files.
type WalkFunc func(path string, dirs, files []*DirectoryEntry) error

// Walk visits e and every descendant directory depth-first, invoking fn
// once per directory.
func (e *DirectoryEntry) Walk(fn WalkFunc) error {
	if !e.IsDirectory() {
		return errors.ErrNotADirectory
	}

	var dirs, files []*DirectoryEntry
	for _, c := range e.children {
		if c.IsSpecial() || c.IsVolumeID() {
			continue
		}
		if c.IsDirectory() {
			dirs = append(dirs, c)
		} else {
			files = append(files, c)
		}
	}

	if err := fn(e.GetFullPath(), dirs, files); err != nil {
		return err
	}

	for _, d := range dirs {
		if err := d.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// direntScanResult tags the outcome of scanning one 32-byte on-disk
// record during directory parsing, replacing exception-based control flow
// (a free slot or the end of the directory are not error conditions) with
// an explicit sum type the scan loop dispatches on.
type direntScanResult struct {
	kind        direntScanKind
	entry       *DirectoryEntry
	lfnFragment rawLFNEntry
}

type direntScanKind int

const (
	scanEntry direntScanKind = iota
	scanFreeSlot
	scanLastSlot
	scanLFNFragment
)

// scanDirentRecord classifies one 32-byte record without attached-chain
// resolution; LFN chain assembly happens one level up in ParseDirectory.
func scanDirentRecord(record []byte) (direntScanResult, error) {
	if len(record) != DirentSize {
		return direntScanResult{}, errors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("directory record must be %d bytes, got %d", DirentSize, len(record)))
	}

	firstByte := record[0]
	attr := record[11]

	if firstByte == lastEntryMarker {
		return direntScanResult{kind: scanLastSlot}, nil
	}
	if firstByte == deletedMarker {
		return direntScanResult{kind: scanFreeSlot}, nil
	}

	if attr&attrLongNameMask == attrLongName {
		frag, err := parseRawLFNEntry(record)
		if err != nil {
			return direntScanResult{}, err
		}
		return direntScanResult{kind: scanLFNFragment, lfnFragment: frag}, nil
	}

	entry, err := parseShortDirent(record)
	if err != nil {
		return direntScanResult{}, err
	}
	return direntScanResult{kind: scanEntry, entry: entry}, nil
}

func parseShortDirent(record []byte) (*DirectoryEntry, error) {
	shortName, err := ShortNameFromBytes(record[0:11])
	if err != nil {
		return nil, err
	}

	e := &DirectoryEntry{
		ShortName:         shortName,
		Attributes:        record[11],
		ntReserved:        record[12],
		createdTenths:     record[13],
		createdTime:       binary.LittleEndian.Uint16(record[14:16]),
		createdDate:       binary.LittleEndian.Uint16(record[16:18]),
		lastAccessedDate:  binary.LittleEndian.Uint16(record[18:20]),
		firstClusterHigh:  binary.LittleEndian.Uint16(record[20:22]),
		lastModifiedTime:  binary.LittleEndian.Uint16(record[22:24]),
		lastModifiedDate:  binary.LittleEndian.Uint16(record[24:26]),
		firstClusterLow:   binary.LittleEndian.Uint16(record[26:28]),
		fileSize:          binary.LittleEndian.Uint32(record[28:32]),
	}
	return e, nil
}

// ByteRepr serializes the entry into its on-disk form: any attached LFN
// chain first (highest ordinal first, last-fragment bit set), followed by
// the 32-byte short entry.
func (e *DirectoryEntry) ByteRepr() []byte {
	var out []byte

	if e.longName != "" {
		fragments := makeLFNEntries(e.longName, e.ShortName.Checksum())
		for _, frag := range fragments {
			out = append(out, frag.byteRepr()...)
		}
	}

	record := make([]byte, DirentSize)
	nameBytes := e.ShortName.ByteRepr()
	copy(record[0:11], nameBytes[:])
	record[11] = e.Attributes
	record[12] = e.ntReserved
	record[13] = e.createdTenths
	binary.LittleEndian.PutUint16(record[14:16], e.createdTime)
	binary.LittleEndian.PutUint16(record[16:18], e.createdDate)
	binary.LittleEndian.PutUint16(record[18:20], e.lastAccessedDate)
	binary.LittleEndian.PutUint16(record[20:22], e.firstClusterHigh)
	binary.LittleEndian.PutUint16(record[22:24], e.lastModifiedTime)
	binary.LittleEndian.PutUint16(record[24:26], e.lastModifiedDate)
	binary.LittleEndian.PutUint16(record[26:28], e.firstClusterLow)
	binary.LittleEndian.PutUint32(record[28:32], e.fileSize)

	return append(out, record...)
}

// ParseDirectory parses a full directory region (one or more clusters'
// worth of concatenated 32-byte records, or the fixed-size FAT12/16 root
// directory region) into an ordered slice of DirectoryEntry values. LFN
// fragments are accumulated and bound to the short entry that follows
// them; an incomplete chain (no fragment carrying the last-entry bit) is
// discarded and the short entry is parsed as if it had no long name. A
// checksum mismatch, a duplicate ordinal, or an LFN fragment with a nonzero
// first-cluster field fails outright.
func ParseDirectory(data []byte) ([]*DirectoryEntry, error) {
	var out []*DirectoryEntry
	var pending []rawLFNEntry

	for offset := 0; offset+DirentSize <= len(data); offset += DirentSize {
		result, err := scanDirentRecord(data[offset : offset+DirentSize])
		if err != nil {
			return nil, err
		}

		switch result.kind {
		case scanLastSlot:
			return out, nil
		case scanFreeSlot:
			pending = nil
			continue
		case scanLFNFragment:
			pending = append(pending, result.lfnFragment)
			continue
		case scanEntry:
			if len(pending) > 0 {
				longName, bound, err := resolveLFNChain(pending, result.entry.ShortName.Checksum())
				if err != nil {
					return nil, err
				}
				if bound {
					result.entry.longName = longName
				}
				pending = nil
			}
			out = append(out, result.entry)
		}
	}

	return out, nil
}

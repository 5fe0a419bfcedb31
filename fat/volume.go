package fat

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gofatfs/fatfs/errors"

	common "github.com/gofatfs/fatfs/drivers/common"
)

// MountOptions configures how a Volume is opened. The zero value is a
// sensible default except for ReadOnly, which callers should set
// explicitly for clarity even though false is the spec default.
type MountOptions struct {
	// Offset is the byte offset into the backing device where the FAT
	// volume's boot sector begins.
	Offset int64

	// Encoding names the OEM codepage short names are stored in. Only
	// informational at present; short names are treated as raw bytes.
	Encoding string

	ReadOnly bool

	// LazyLoad defers reading a directory's children until it is first
	// enumerated, rather than eagerly walking the whole tree at mount
	// time.
	LazyLoad bool

	// UTC, when true, interprets and produces timestamps in UTC rather
	// than local time.
	UTC bool

	// PreserveCase, when true, causes names that differ only in case from
	// their 8.3 canonical form to carry an LFN record anyway.
	PreserveCase bool

	// WarnFunc receives non-fatal parse warnings (e.g. disagreeing FAT
	// copies, a BPB field that is merely unusual). A nil WarnFunc
	// discards warnings.
	WarnFunc func(string)
}

func (o *MountOptions) warn(format string, args ...interface{}) {
	if o.WarnFunc != nil {
		o.WarnFunc(fmt.Sprintf(format, args...))
	}
}

// Volume owns a backing device end to end: the parsed boot sector, the FAT,
// the root directory, and the single mutex guarding all of it. There is no
// uninitialised Volume value — construction only succeeds via Mount, which
// performs a full parse of an existing filesystem.
//
// Read-only enforcement is a guarded-struct field (readOnly bool) checked
// at the top of every mutating method, rather than a ReadOnlyVolume /
// ReadWriteVolume type split: both variants would otherwise have to share
// the same mutex, FatTable, and root directory state behind an interface,
// which buys no additional safety here since checkWritable already makes
// misuse an immediate, specific error instead of a silent no-op.
type Volume struct {
	mu sync.Mutex

	device io.ReadWriteSeeker

	bootSector *BootSector
	fatTable   *FatTable

	blockStream   common.BlockStream
	clusterStream common.ClusterStream

	root *DirectoryEntry

	opts      MountOptions
	dateCodec DosDateTime

	dirty bool
}

// checkWritable returns ErrReadOnlyFileSystem if the volume was mounted
// read-only. Every mutating Volume method calls this first.
func (v *Volume) checkWritable() error {
	if v.opts.ReadOnly {
		return errors.ErrReadOnlyFileSystem
	}
	return nil
}

// MountReadWrite mounts device for both reading and writing.
func MountReadWrite(device io.ReadWriteSeeker, opts MountOptions) (*Volume, error) {
	opts.ReadOnly = false
	return Mount(device, opts)
}

// MountReadOnly mounts device with every mutating Volume method disabled
// (checkWritable returns ErrReadOnlyFileSystem). This is the capability
// split Design Notes call for, realized as two thin constructors over one
// guarded struct rather than two distinct types; see DESIGN.md.
func MountReadOnly(device io.ReadWriteSeeker, opts MountOptions) (*Volume, error) {
	opts.ReadOnly = true
	return Mount(device, opts)
}

// Mount parses a boot sector, FAT, and root directory from device and
// returns a ready-to-use Volume.
func Mount(device io.ReadWriteSeeker, opts MountOptions) (*Volume, error) {
	bootSectorBytes := make([]byte, 512)
	if _, err := device.Seek(opts.Offset, io.SeekStart); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}
	if _, err := io.ReadFull(device, bootSectorBytes); err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}

	bs, warnings, err := ParseBootSector(bootSectorBytes)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		opts.warn("%s", w)
	}

	blockStream := common.NewBlockStream(
		device, uint(bs.TotalSectors), uint(bs.BytesPerSector), opts.Offset)

	fatByteSize := int64(bs.FATSize) * int64(bs.BytesPerSector)
	fatCopies := make([][]byte, bs.NumFATs)
	for i := uint8(0); i < bs.NumFATs; i++ {
		offset := opts.Offset + int64(bs.ReservedSectors)*int64(bs.BytesPerSector) + int64(i)*fatByteSize
		buf := make([]byte, fatByteSize)
		if _, err := device.Seek(offset, io.SeekStart); err != nil {
			return nil, errors.ErrIOFailed.WrapError(err)
		}
		if _, err := io.ReadFull(device, buf); err != nil {
			return nil, errors.ErrIOFailed.WrapError(err)
		}
		fatCopies[i] = buf
	}

	for i := 1; i < len(fatCopies); i++ {
		if !bytes.Equal(fatCopies[0], fatCopies[i]) {
			opts.warn("FAT copy %d differs from copy 0; using copy 0", i)
		}
	}

	fatTable, err := ParseFatTable(fatCopies[0], bs.Variant)
	if err != nil {
		return nil, err
	}

	clusterStream, err := common.NewClusterStream(
		&blockStream,
		uint(bs.SectorsPerClus),
		common.BlockID(bs.FirstDataSector),
		2,
		common.ClusterID(bs.TotalClusters+1),
	)
	if err != nil {
		return nil, errors.ErrIOFailed.WrapError(err)
	}

	v := &Volume{
		device:        device,
		bootSector:    bs,
		fatTable:      fatTable,
		blockStream:   blockStream,
		clusterStream: clusterStream,
		opts:          opts,
		dateCodec:     DosDateTime{UTC: opts.UTC},
		dirty:         bs.IsDirty() || !fatTable.IsClean(bs.IsDirty()),
	}

	root, err := v.loadRootDirectory()
	if err != nil {
		return nil, err
	}
	v.root = root

	if !opts.LazyLoad {
		if err := v.materializeSubtree(v.root); err != nil {
			return nil, err
		}
	}

	return v, nil
}

func (v *Volume) materializeSubtree(dir *DirectoryEntry) error {
	if err := v.materialize(dir); err != nil {
		return err
	}
	for _, c := range dir.children {
		if c.IsDirectory() && !c.IsSpecial() {
			if err := v.materializeSubtree(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *Volume) loadRootDirectory() (*DirectoryEntry, error) {
	root := &DirectoryEntry{
		Attributes: AttrDirectory,
	}

	if v.bootSector.Variant == FAT32 {
		root.SetCluster(v.bootSector.RootCluster)
	}
	v.root = root

	if !v.opts.LazyLoad {
		if err := v.materialize(root); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// materialize loads dir's children from disk if they have not been loaded
// yet. A directory that already has unflushed in-memory mutations is never
// clobbered by a later lazy load.
func (v *Volume) materialize(dir *DirectoryEntry) error {
	if dir.materialized {
		return nil
	}

	data, err := v.readDirectoryRegion(dir)
	if err != nil {
		return err
	}

	entries, err := ParseDirectory(data)
	if err != nil {
		return err
	}

	dir.children = nil
	for _, e := range entries {
		e.parent = dir
		dir.children = append(dir.children, e)
	}
	dir.materialized = true
	dir.dirty = false
	return nil
}

// readDirectoryRegion returns the raw directory-entry bytes backing dir:
// the fixed root-directory span on FAT12/16 when dir is the root, or the
// concatenated contents of dir's cluster chain otherwise.
func (v *Volume) readDirectoryRegion(dir *DirectoryEntry) ([]byte, error) {
	if dir == v.root && v.bootSector.Variant != FAT32 {
		size := v.bootSector.RootDirByteSize()
		buf := make([]byte, size)
		if _, err := v.device.Seek(v.opts.Offset+v.bootSector.RootDirByteOffset(), io.SeekStart); err != nil {
			return nil, errors.ErrIOFailed.WrapError(err)
		}
		if _, err := io.ReadFull(v.device, buf); err != nil {
			return nil, errors.ErrIOFailed.WrapError(err)
		}
		return buf, nil
	}

	return v.readClusterChainBytes(dir.GetCluster())
}

// readClusterChainBytes concatenates the contents of every cluster in the
// chain beginning at firstCluster, in order. A firstCluster of 0 (no chain
// allocated yet) yields an empty result and a nil error.
func (v *Volume) readClusterChainBytes(firstCluster uint32) ([]byte, error) {
	if firstCluster == 0 {
		return nil, nil
	}

	v.mu.Lock()
	next, err := v.fatTable.ChainIterator(firstCluster)
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for {
		c, ok, err := next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		data, err := v.ReadCluster(c)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// ReadCluster returns the raw bytes of cluster c.
func (v *Volume) ReadCluster(c uint32) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clusterStream.Read(common.ClusterID(c), 1)
}

// WriteCluster overwrites cluster c. len(data) must equal the volume's
// cluster size.
func (v *Volume) WriteCluster(c uint32, data []byte) error {
	if err := v.checkWritable(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.clusterStream.Write(common.ClusterID(c), data); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	v.markDirtyLocked()
	return nil
}

// BytesPerCluster returns the volume's cluster size in bytes.
func (v *Volume) BytesPerCluster() uint32 {
	return v.bootSector.BytesPerCluster
}

// BootSector exposes the parsed, read-only boot sector.
func (v *Volume) BootSector() *BootSector {
	return v.bootSector
}

// DateCodec returns the date/time codec (UTC vs. local) this volume uses.
func (v *Volume) DateCodec() DosDateTime {
	return v.dateCodec
}

// Root returns the volume's root directory entry.
func (v *Volume) Root() *DirectoryEntry {
	return v.root
}

// AllocateBytes allocates enough clusters to hold n bytes and returns the
// chain, optionally zeroing each cluster's data region.
func (v *Volume) AllocateBytes(n int64, erase bool) ([]uint32, error) {
	if err := v.checkWritable(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	bytesPerCluster := int64(v.bootSector.BytesPerCluster)
	numClusters := int((n + bytesPerCluster - 1) / bytesPerCluster)
	if numClusters == 0 {
		numClusters = 1
	}

	chain, err := v.fatTable.Allocate(numClusters)
	if err != nil {
		return nil, err
	}
	v.markDirtyLocked()

	if erase {
		zero := make([]byte, bytesPerCluster)
		for _, c := range chain {
			if err := v.clusterStream.Write(common.ClusterID(c), zero); err != nil {
				return nil, errors.ErrIOFailed.WrapError(err)
			}
		}
	}

	return chain, nil
}

// FreeClusterChain releases every cluster in the chain beginning at first.
// It does not zero the underlying data.
func (v *Volume) FreeClusterChain(first uint32) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if first == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.fatTable.FreeChain(first); err != nil {
		return err
	}
	v.markDirtyLocked()
	return nil
}

// WriteDataToCluster writes data into the cluster chain beginning at
// firstCluster, extending it via AllocateBytes when the payload is larger
// than the existing chain (unless extend is false, in which case that
// case fails with ErrNoSpaceOnDevice). If erase is set, the last written
// cluster is zero-padded past the end of data; this matters for directory
// regions, where a stale non-terminator record must not be misread as
// live.
func (v *Volume) WriteDataToCluster(data []byte, firstCluster uint32, extend bool, erase bool) (newFirstCluster uint32, err error) {
	if err := v.checkWritable(); err != nil {
		return 0, err
	}

	bytesPerCluster := int(v.bootSector.BytesPerCluster)
	neededClusters := (len(data) + bytesPerCluster - 1) / bytesPerCluster
	if neededClusters == 0 {
		neededClusters = 1
	}

	var chain []uint32
	if firstCluster == 0 {
		chain, err = v.AllocateBytes(int64(len(data)), false)
		if err != nil {
			return 0, err
		}
		firstCluster = chain[0]
	} else {
		v.mu.Lock()
		chain, err = v.fatTable.FollowChain(firstCluster)
		v.mu.Unlock()
		if err != nil {
			return 0, err
		}

		if len(chain) < neededClusters {
			if !extend {
				return 0, errors.ErrNoSpaceOnDevice
			}
			more, err := v.AllocateBytes(int64((neededClusters-len(chain))*bytesPerCluster), false)
			if err != nil {
				return 0, err
			}

			v.mu.Lock()
			v.fatTable.Set(chain[len(chain)-1], more[0])
			v.mu.Unlock()

			chain = append(chain, more...)
		}
	}

	for i := 0; i < neededClusters; i++ {
		start := i * bytesPerCluster
		end := start + bytesPerCluster
		buf := make([]byte, bytesPerCluster)

		if start < len(data) {
			n := copy(buf, data[start:])
			_ = n
			if end > len(data) && !erase {
				// Leave the unwritten tail as zero; only `erase` callers
				// care about stale bytes beyond the logical content.
			}
		}

		if err := v.WriteCluster(chain[i], buf); err != nil {
			return 0, err
		}
	}

	return firstCluster, nil
}

// UpdateDirectoryEntry serialises dir's children (in on-disk order) and
// writes them to dir's backing storage: the fixed root-directory span on
// FAT12/16 when dir is the root, or dir's cluster chain otherwise.
func (v *Volume) UpdateDirectoryEntry(dir *DirectoryEntry) error {
	if err := v.checkWritable(); err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, c := range dir.children {
		buf.Write(c.ByteRepr())
	}

	if dir == v.root && v.bootSector.Variant != FAT32 {
		maxSize := v.bootSector.RootDirByteSize()
		if int64(buf.Len()) > maxSize {
			return errors.ErrNoSpaceOnDevice.WithMessage("root directory is full")
		}

		padded := make([]byte, maxSize)
		copy(padded, buf.Bytes())

		v.mu.Lock()
		_, err := v.device.Seek(v.opts.Offset+v.bootSector.RootDirByteOffset(), io.SeekStart)
		if err == nil {
			_, err = v.device.Write(padded)
		}
		if err == nil {
			v.markDirtyLocked()
		}
		v.mu.Unlock()
		if err != nil {
			return errors.ErrIOFailed.WrapError(err)
		}
		dir.dirty = false
		return nil
	}

	newFirst, err := v.WriteDataToCluster(buf.Bytes(), dir.GetCluster(), true, true)
	if err != nil {
		return err
	}
	if dir.GetCluster() == 0 {
		dir.SetCluster(newFirst)
	}
	dir.dirty = false
	return nil
}

// CreateFile adds a new, empty regular-file entry named name to parent,
// assigning an 8.3 short name unique among parent's current children. An
// LFN chain is attached when name does not conform to 8.3; a name that
// differs from a conformant 8.3 name only in letter case is stored upper-
// cased with no LFN chain unless MountOptions.PreserveCase is set. The new entry
// is persisted to parent's on-disk directory region before CreateFile
// returns.
func (v *Volume) CreateFile(parent *DirectoryEntry, name string) (*DirectoryEntry, error) {
	if err := v.checkWritable(); err != nil {
		return nil, err
	}
	if err := v.materialize(parent); err != nil {
		return nil, err
	}
	if !parent.IsDirectory() {
		return nil, errors.ErrNotADirectory
	}
	if _, err := parent.findChildByName(name); err == nil {
		return nil, errors.ErrExists
	}

	entry := &DirectoryEntry{
		Attributes:   AttrArchive,
		materialized: true,
	}

	if IsShortNameConformant(name) {
		sn, err := ShortNameFromString(name)
		if err != nil {
			return nil, err
		}
		entry.ShortName = sn
	} else if !v.opts.PreserveCase && IsShortNameConformant(strings.ToUpper(name)) {
		sn, err := ShortNameFromString(strings.ToUpper(name))
		if err != nil {
			return nil, err
		}
		entry.ShortName = sn
	} else {
		existing := make(map[string]bool)
		for _, c := range parent.children {
			existing[c.GetShortName()] = true
		}

		shortName, err := MakeShortName(name, existing)
		if err != nil {
			return nil, err
		}
		sn, err := ShortNameFromString(shortName)
		if err != nil {
			return nil, err
		}
		entry.ShortName = sn

		if err := validateLongName(name); err != nil {
			return nil, err
		}
		entry.longName = name
	}

	now := time.Now()
	entry.SetCTime(v.dateCodec, now)
	entry.SetMTime(v.dateCodec, now)
	entry.SetATime(v.dateCodec, now)

	if err := parent.AddChild(entry); err != nil {
		return nil, err
	}

	if err := v.UpdateDirectoryEntry(parent); err != nil {
		_ = parent.RemoveChild(entry)
		return nil, err
	}

	return entry, nil
}

// TruncateFile grows or shrinks entry's cluster chain to hold exactly
// newSize bytes, zero-filling any newly exposed region on growth and
// freeing the tail (while keeping at least one cluster) on shrink, per
// spec.
func (v *Volume) TruncateFile(entry *DirectoryEntry, newSize int64) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if entry.IsReadOnly() {
		return errors.ErrReadOnlyFileSystem
	}

	oldSize := int64(entry.fileSize)
	bytesPerCluster := int64(v.bootSector.BytesPerCluster)

	if newSize > oldSize {
		existing, err := v.readClusterChainBytes(entry.GetCluster())
		if err != nil {
			return err
		}
		if int64(len(existing)) > oldSize {
			existing = existing[:oldSize]
		}
		padded := make([]byte, newSize)
		copy(padded, existing)

		newFirst, err := v.WriteDataToCluster(padded, entry.GetCluster(), true, true)
		if err != nil {
			return err
		}
		entry.SetCluster(newFirst)
	} else {
		cluster := entry.GetCluster()
		if cluster != 0 {
			v.mu.Lock()
			chain, err := v.fatTable.FollowChain(cluster)
			if err != nil && len(chain) == 0 {
				v.mu.Unlock()
				return err
			}

			keep := int((newSize + bytesPerCluster - 1) / bytesPerCluster)
			if keep < 1 {
				keep = 1
			}
			if keep < len(chain) {
				_, eocMax := eocRange(v.bootSector.Variant)
				v.fatTable.Set(chain[keep-1], eocMax)
				if err := v.fatTable.FreeChain(chain[keep]); err != nil {
					v.mu.Unlock()
					return err
				}
				v.markDirtyLocked()
			}
			v.mu.Unlock()
		}
	}

	entry.fileSize = uint32(newSize)
	entry.SetMTime(v.dateCodec, time.Now())

	if entry.Parent() != nil {
		if err := v.UpdateDirectoryEntry(entry.Parent()); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDirectory unlinks the empty subdirectory dir from its parent,
// freeing its cluster chain. It fails ErrRemoveRoot for the volume's root
// and ErrDirectoryNotEmpty if dir holds any entries besides the implicit
// "." and ".." (DirectoryEntry.IsEmpty already excludes those), per
// spec's removedir precondition (scenario F).
func (v *Volume) RemoveDirectory(dir *DirectoryEntry) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if dir == v.root {
		return errors.ErrRemoveRoot
	}
	if !dir.IsDirectory() {
		return errors.ErrNotADirectory
	}
	if err := v.materialize(dir); err != nil {
		return err
	}
	if !dir.IsEmpty() {
		return errors.ErrDirectoryNotEmpty
	}

	parent := dir.Parent()
	if parent == nil {
		return errors.ErrAlreadyParented.WithMessage("directory has no parent to unlink from")
	}

	if cluster := dir.GetCluster(); cluster != 0 {
		if err := v.FreeClusterChain(cluster); err != nil {
			return err
		}
	}
	if err := parent.RemoveChild(dir); err != nil {
		return err
	}
	return v.UpdateDirectoryEntry(parent)
}

// GetEntry resolves path relative to the volume's root, materializing
// directories along the way as needed.
func (v *Volume) GetEntry(path string) (*DirectoryEntry, error) {
	return v.getEntryFrom(v.root, path)
}

func (v *Volume) getEntryFrom(start *DirectoryEntry, path string) (*DirectoryEntry, error) {
	if err := v.materialize(start); err != nil {
		return nil, err
	}

	segments := splitPath(path)
	current := start
	for _, seg := range segments {
		if !current.IsDirectory() {
			return nil, errors.ErrNotADirectory
		}
		if err := v.materialize(current); err != nil {
			return nil, err
		}

		next, err := current.findChildByName(seg)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// flushFATLocked writes the FAT table to every NumFATs copy. Caller must
// hold v.mu.
func (v *Volume) flushFATLocked() error {
	firstOffset := v.opts.Offset + int64(v.bootSector.ReservedSectors)*int64(v.bootSector.BytesPerSector)
	stride := int64(v.bootSector.FATSize) * int64(v.bootSector.BytesPerSector)

	return v.fatTable.FlushCopies(func(offset int64, data []byte) error {
		if _, err := v.device.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		_, err := v.device.Write(data)
		return err
	}, firstOffset, stride, int(v.bootSector.NumFATs))
}

// FlushFAT writes the FAT table out to every copy on disk.
func (v *Volume) FlushFAT() error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flushFATLocked()
}

// markDirtyLocked marks the volume dirty in memory. Caller must hold v.mu.
func (v *Volume) markDirtyLocked() {
	v.dirty = true
	v.fatTable.MarkDirty()
	v.bootSector.SetDirty(true)
}

// IsDirty reports whether the volume has unflushed mutations or was not
// cleanly closed.
func (v *Volume) IsDirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirty
}

// Close flushes the FAT and marks the filesystem clean. It is idempotent:
// closing an already-closed (or read-only) volume is not an error.
func (v *Volume) Close() error {
	if v.opts.ReadOnly {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.dirty {
		return nil
	}

	if err := v.flushFATLocked(); err != nil {
		return err
	}

	v.fatTable.MarkClean()
	v.bootSector.SetDirty(false)
	if err := v.flushFATLocked(); err != nil {
		return err
	}

	bootBytes, err := v.bootSector.Serialize()
	if err != nil {
		return err
	}
	if _, err := v.device.Seek(v.opts.Offset, io.SeekStart); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}
	if _, err := v.device.Write(bootBytes); err != nil {
		return errors.ErrIOFailed.WrapError(err)
	}

	v.dirty = false
	return nil
}

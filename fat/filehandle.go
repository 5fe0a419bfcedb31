package fat

import (
	"io"
	"time"

	"github.com/gofatfs/fatfs/errors"
)

// OpenFlags controls the access mode a FileHandle is opened with.
type OpenFlags uint8

const (
	FlagRead OpenFlags = 1 << iota
	FlagWrite
	FlagAppend
	FlagCreate
	FlagExclusive
	FlagTruncate
)

// maxFileSize is the largest file size a 32-bit FAT FileSize field can
// record.
const maxFileSize = 0xFFFFFFFF

// FileHandle is stateful, per-open streaming I/O over one file's cluster
// chain. Its cached position state (bpos/cpos/cindex/coffpos) mirrors
// spec: bpos is the logical byte offset, cpos the cluster currently
// positioned on, cindex that cluster's index within the chain, and
// coffpos the in-cluster offset (bpos mod bytes-per-cluster).
type FileHandle struct {
	volume *Volume
	entry  *DirectoryEntry

	bpos    int64
	cpos    uint32
	cindex  int
	coffpos int

	reading, writing, appending, exclusive bool
	closed                                 bool
}

// OpenFile resolves name within parent (the volume's root if parent is
// nil) and returns a FileHandle over it. With FlagCreate or FlagExclusive
// set, a missing entry is created; FlagExclusive additionally fails
// ErrExists if the entry is already present. Opening a directory fails
// ErrIsADirectory; opening a volume-label entry fails ErrNotFound, per
// spec.
func OpenFile(v *Volume, parent *DirectoryEntry, name string, flags OpenFlags) (*FileHandle, error) {
	if parent == nil {
		parent = v.Root()
	}
	if err := v.materialize(parent); err != nil {
		return nil, err
	}

	entry, err := parent.findChildByName(name)
	switch {
	case err == errors.ErrNotFound:
		if flags&(FlagCreate|FlagExclusive) == 0 {
			return nil, errors.ErrNotFound
		}
		entry, err = v.CreateFile(parent, name)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if flags&FlagExclusive != 0 {
			return nil, errors.ErrExists
		}
	}

	if entry.IsDirectory() {
		return nil, errors.ErrIsADirectory
	}
	if entry.IsVolumeID() {
		return nil, errors.ErrNotFound
	}

	fh := &FileHandle{
		volume:    v,
		entry:     entry,
		reading:   flags&FlagRead != 0,
		writing:   flags&(FlagWrite|FlagCreate|FlagExclusive) != 0,
		appending: flags&FlagAppend != 0,
		exclusive: flags&FlagExclusive != 0,
	}
	fh.anchor(0)

	if flags&FlagTruncate != 0 {
		if err := fh.Truncate(0); err != nil {
			return nil, err
		}
	}
	if fh.appending {
		if _, err := fh.Seek(0, io.SeekEnd); err != nil {
			return nil, err
		}
	}

	return fh, nil
}

// Size returns the file's current logical size in bytes.
func (fh *FileHandle) Size() int64 {
	return fh.entry.Size()
}

// anchor repositions cpos/cindex/coffpos for byte offset newBpos by
// walking the chain from the first cluster. Used on open and whenever a
// seek moves backwards relative to the handle's current chain index.
func (fh *FileHandle) anchor(newBpos int64) {
	bytesPerCluster := int64(fh.volume.BytesPerCluster())
	cluster := fh.entry.GetCluster()

	targetIndex := int(newBpos / bytesPerCluster)

	fh.volume.mu.Lock()
	defer fh.volume.mu.Unlock()

	if cluster == 0 {
		fh.cpos = 0
		fh.cindex = 0
		fh.bpos = newBpos
		fh.coffpos = int(newBpos % bytesPerCluster)
		return
	}

	for i := 0; i < targetIndex; i++ {
		next := fh.volume.fatTable.Get(cluster)
		if fh.volume.fatTable.IsEndOfChain(next) {
			break
		}
		cluster = next
	}

	fh.cpos = cluster
	fh.cindex = targetIndex
	fh.bpos = newBpos
	fh.coffpos = int(newBpos % bytesPerCluster)
}

// advanceForward moves cindex/cpos forward by one cluster, following the
// chain. Caller holds no lock; this acquires the volume lock itself.
func (fh *FileHandle) advanceForward() (ok bool) {
	fh.volume.mu.Lock()
	defer fh.volume.mu.Unlock()

	next := fh.volume.fatTable.Get(fh.cpos)
	if fh.volume.fatTable.IsEndOfChain(next) {
		return false
	}
	fh.cpos = next
	fh.cindex++
	return true
}

// Read reads up to n bytes starting at the handle's current position,
// advancing it by the number of bytes produced. n < 0 means "read to
// end of file".
func (fh *FileHandle) Read(n int) ([]byte, error) {
	if !fh.reading {
		return nil, errors.ErrFileDescriptorBadState.WithMessage("file handle not opened for reading")
	}

	remaining := int64(n)
	available := fh.Size() - fh.bpos
	if n < 0 || remaining > available {
		remaining = available
	}
	if remaining <= 0 {
		return []byte{}, nil
	}

	bytesPerCluster := int64(fh.volume.BytesPerCluster())
	result := make([]byte, 0, remaining)

	for int64(len(result)) < remaining {
		if fh.cpos == 0 {
			break
		}

		data, err := fh.volume.ReadCluster(fh.cpos)
		if err != nil {
			return nil, err
		}

		start := fh.coffpos
		want := remaining - int64(len(result))
		end := int64(start) + want
		if end > int64(len(data)) {
			end = int64(len(data))
		}

		chunk := data[start:end]
		result = append(result, chunk...)
		fh.bpos += int64(len(chunk))
		fh.coffpos += len(chunk)

		if int64(len(result)) >= remaining {
			// Satisfied without needing the next cluster: leave coffpos/
			// cpos as-is, even if coffpos now equals the cluster size
			// (the end-of-cluster-aligned-EOF case spec calls out).
			break
		}

		if int64(fh.coffpos) >= bytesPerCluster {
			fh.coffpos = 0
			if !fh.advanceForward() {
				fh.cpos = 0
			}
		}
	}

	return result, nil
}

// Write writes data at the handle's current position, overwriting
// existing content in place and extending the file (allocating clusters
// as needed) when the write reaches past the current end. It updates the
// parent directory's on-disk record before returning.
func (fh *FileHandle) Write(data []byte) (int, error) {
	if !fh.writing || fh.entry.IsReadOnly() {
		return 0, errors.ErrReadOnlyFileSystem
	}

	newEnd := fh.bpos + int64(len(data))
	if newEnd > maxFileSize {
		return 0, errors.ErrFileTooBig
	}

	existing, err := fh.volume.readClusterChainBytes(fh.entry.GetCluster())
	if err != nil {
		return 0, err
	}

	content := make([]byte, 0, newEnd)
	if fh.bpos <= int64(len(existing)) {
		content = append(content, existing[:fh.bpos]...)
	} else {
		content = append(content, existing...)
		content = append(content, make([]byte, fh.bpos-int64(len(existing)))...)
	}
	content = append(content, data...)
	if newEnd < int64(len(existing)) {
		content = append(content, existing[newEnd:]...)
	}

	newFirst, err := fh.volume.WriteDataToCluster(content, fh.entry.GetCluster(), true, true)
	if err != nil {
		return 0, err
	}

	fh.entry.SetCluster(newFirst)
	if uint32(len(content)) > fh.entry.fileSize {
		fh.entry.fileSize = uint32(len(content))
	}
	fh.entry.SetMTime(fh.volume.DateCodec(), time.Now())

	if fh.entry.Parent() != nil {
		if err := fh.volume.UpdateDirectoryEntry(fh.entry.Parent()); err != nil {
			return 0, err
		}
	}

	fh.anchor(newEnd)
	return len(data), nil
}

// Seek repositions the handle per whence (io.SeekStart/Current/End),
// clamping the result to [0, size]. Backward moves re-anchor from the
// first cluster; forward moves advance from the current chain position.
func (fh *FileHandle) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = fh.bpos + offset
	case io.SeekEnd:
		target = fh.Size() + offset
	default:
		return 0, errors.ErrInvalidArgument
	}

	if target < 0 {
		target = 0
	}
	if target > fh.Size() {
		target = fh.Size()
	}

	bytesPerCluster := int64(fh.volume.BytesPerCluster())
	targetIndex := int(target / bytesPerCluster)

	if targetIndex < fh.cindex || fh.entry.GetCluster() == 0 {
		fh.anchor(target)
	} else {
		for fh.cindex < targetIndex {
			if !fh.advanceForward() {
				break
			}
		}
		fh.bpos = target
		fh.coffpos = int(target % bytesPerCluster)
	}

	return fh.bpos, nil
}

// Truncate resizes the file to size bytes, delegating to
// Volume.TruncateFile, then re-anchors the handle's position (clamping it
// if it now lies past the new end).
func (fh *FileHandle) Truncate(size int64) error {
	if !fh.writing || fh.entry.IsReadOnly() {
		return errors.ErrReadOnlyFileSystem
	}
	if err := fh.volume.TruncateFile(fh.entry, size); err != nil {
		return err
	}

	newPos := fh.bpos
	if newPos > size {
		newPos = size
	}
	fh.anchor(newPos)
	return nil
}

// Close marks the handle unusable for further I/O, flushing the FAT to
// disk first if the handle was opened for writing, per spec's close()
// requirement to flush FATs in write modes. It is idempotent; flushing
// does not rewrite the boot sector or clear the volume's dirty bit, so
// callers must still call Volume.Close to unmount cleanly.
func (fh *FileHandle) Close() error {
	if fh.closed {
		return nil
	}
	fh.closed = true
	if fh.writing {
		return fh.volume.FlushFAT()
	}
	return nil
}

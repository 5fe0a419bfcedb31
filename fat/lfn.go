package fat

import (
	"encoding/binary"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/gofatfs/fatfs/errors"
)

// lastLongEntryBit marks, within an LFN fragment's ordinal byte, that the
// fragment is the first one physically stored on disk (and carries the
// highest logical ordinal, since the chain is written in descending
// order).
const lastLongEntryBit = 0x40

// lfnFragmentCodeUnits is the number of UCS-2 code units packed into one
// 32-byte LFN fragment (5 + 6 + 2, split across three name fields).
const lfnFragmentCodeUnits = 13

// maxLongNameCodeUnits is the VFAT limit on encoded long name length.
const maxLongNameCodeUnits = 255

// rawLFNEntry is one parsed 32-byte VFAT long-name fragment.
type rawLFNEntry struct {
	ordinal  uint8
	name1    [5]uint16
	attr     uint8
	entryType uint8
	checksum uint8
	name2    [6]uint16
	name3    [2]uint16
}

// isLast reports whether this fragment is the last logical fragment in its
// chain (the 0x40 bit set in the ordinal byte), which is physically first.
func (f rawLFNEntry) isLast() bool {
	return f.ordinal&lastLongEntryBit != 0
}

// sequenceNumber extracts the 1-based logical ordinal, stripping the
// last-entry bit.
func (f rawLFNEntry) sequenceNumber() int {
	return int(f.ordinal &^ lastLongEntryBit)
}

func (f rawLFNEntry) codeUnits() []uint16 {
	units := make([]uint16, 0, lfnFragmentCodeUnits)
	units = append(units, f.name1[:]...)
	units = append(units, f.name2[:]...)
	units = append(units, f.name3[:]...)
	return units
}

// parseRawLFNEntry decodes one 32-byte on-disk LFN fragment. The first
// cluster word (bytes 26-27) must be zero, as mandated by the spec; a
// nonzero value indicates corruption.
func parseRawLFNEntry(record []byte) (rawLFNEntry, error) {
	var f rawLFNEntry
	f.ordinal = record[0]
	for i := 0; i < 5; i++ {
		f.name1[i] = binary.LittleEndian.Uint16(record[1+2*i : 3+2*i])
	}
	f.attr = record[11]
	f.entryType = record[12]
	f.checksum = record[13]
	for i := 0; i < 6; i++ {
		f.name2[i] = binary.LittleEndian.Uint16(record[14+2*i : 16+2*i])
	}
	fstClusLO := binary.LittleEndian.Uint16(record[26:28])
	if fstClusLO != 0 {
		return rawLFNEntry{}, errors.ErrCorrupted.WithMessage(
			"LFN fragment has a nonzero first-cluster field")
	}
	for i := 0; i < 2; i++ {
		f.name3[i] = binary.LittleEndian.Uint16(record[28+2*i : 30+2*i])
	}
	return f, nil
}

func (f rawLFNEntry) byteRepr() []byte {
	record := make([]byte, DirentSize)
	record[0] = f.ordinal
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(record[1+2*i:3+2*i], f.name1[i])
	}
	record[11] = attrLongName
	record[12] = f.entryType
	record[13] = f.checksum
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(record[14+2*i:16+2*i], f.name2[i])
	}
	// bytes 26-27 (first cluster) are left zero, as required.
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(record[28+2*i:30+2*i], f.name3[i])
	}
	return record
}

// resolveLFNChain assembles pending on-disk fragments (in the physical,
// descending-ordinal order they were scanned in) into a decoded long name
// and verifies it is properly terminated and checksum-bound to
// shortChecksum. bound is false (and err nil) when the chain is
// incomplete and should simply be discarded, per the design notes:
// an incomplete chain is not corruption, only a missing long name.
func resolveLFNChain(fragments []rawLFNEntry, shortChecksum uint8) (longName string, bound bool, err error) {
	hasLast := false
	seen := map[int]bool{}
	for _, f := range fragments {
		if f.isLast() {
			hasLast = true
		}
		if seen[f.sequenceNumber()] {
			return "", false, errors.ErrCorrupted.WithMessage(
				fmt.Sprintf("duplicate LFN ordinal %d in chain", f.sequenceNumber()))
		}
		seen[f.sequenceNumber()] = true
	}
	if !hasLast {
		return "", false, nil
	}

	for _, f := range fragments {
		if f.checksum != shortChecksum {
			return "", false, errors.ErrBrokenLFN
		}
	}

	ordered := append([]rawLFNEntry(nil), fragments...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].sequenceNumber() < ordered[j].sequenceNumber()
	})

	var units []uint16
	for _, f := range ordered {
		units = append(units, f.codeUnits()...)
	}

	for len(units) > 0 && units[len(units)-1] == 0xFFFF {
		units = units[:len(units)-1]
	}
	if len(units) > 0 && units[len(units)-1] == 0 {
		units = units[:len(units)-1]
	}

	return string(utf16.Decode(units)), true, nil
}

// makeLFNEntries encodes a long name into its chain of on-disk LFN
// fragments (in physical, descending-ordinal order: highest ordinal
// first). The name is encoded UCS-2 LE, null-terminated unless its length
// is already a multiple of 13 code units, and padded to a fragment
// boundary with 0xFFFF.
func makeLFNEntries(longName string, shortChecksum uint8) []rawLFNEntry {
	units := utf16.Encode([]rune(longName))

	if len(units)%lfnFragmentCodeUnits != 0 {
		units = append(units, 0)
	}
	for len(units)%lfnFragmentCodeUnits != 0 {
		units = append(units, 0xFFFF)
	}

	numFragments := len(units) / lfnFragmentCodeUnits
	fragments := make([]rawLFNEntry, numFragments)

	for i := 0; i < numFragments; i++ {
		ordinal := uint8(i + 1)
		if i == numFragments-1 {
			ordinal |= lastLongEntryBit
		}

		chunk := units[i*lfnFragmentCodeUnits : (i+1)*lfnFragmentCodeUnits]
		var f rawLFNEntry
		f.ordinal = ordinal
		f.checksum = shortChecksum
		copy(f.name1[:], chunk[0:5])
		copy(f.name2[:], chunk[5:11])
		copy(f.name3[:], chunk[11:13])
		fragments[i] = f
	}

	// Reverse into physical (highest-ordinal-first) disk order.
	for i, j := 0, len(fragments)-1; i < j; i, j = i+1, j-1 {
		fragments[i], fragments[j] = fragments[j], fragments[i]
	}
	return fragments
}

// validateLongName checks VFAT's 255-code-unit limit before encoding.
func validateLongName(longName string) error {
	if len(utf16.Encode([]rune(longName))) > maxLongNameCodeUnits {
		return errors.ErrNameTooLong
	}
	return nil
}

package fat

import (
	"fmt"
	"strings"

	"github.com/gofatfs/fatfs/errors"
)

// validShortNameChars is the set of characters the 8.3 naming convention
// allows in a short name, beyond letters and digits.
const validShortNameChars = "!#$%&'()-@^_`{}~"

// ShortName is the 11-byte padded on-disk representation of an 8.3 file
// name: an 8-byte base, space-padded, followed by a 3-byte extension,
// space-padded.
type ShortName struct {
	raw [11]byte
}

// deletedMarker is the on-disk first byte of a short name denoting a free
// (deleted) directory entry.
const deletedMarker = 0xE5

// lastEntryMarker is the on-disk first byte denoting the end of a
// directory's entries.
const lastEntryMarker = 0x00

// kanjiLeadByteOnDisk and kanjiLeadByteInMemory implement the translation
// required because 0xE5 collides with the deleted-entry marker: a genuine
// name starting with 0xE5 is stored on disk as 0x05.
const (
	kanjiLeadByteOnDisk   = 0x05
	kanjiLeadByteInMemory = 0xE5
)

// ShortNameFromBytes parses the 11-byte on-disk form of a short name.
// It returns ErrNotFound if the entry is free or the end marker (first byte
// 0xE5 or 0x00). A first byte of 0x05 is translated to 0xE5 in memory.
func ShortNameFromBytes(b []byte) (ShortName, error) {
	if len(b) != 11 {
		return ShortName{}, errors.ErrInvalidName.WithMessage(
			fmt.Sprintf("short name must be exactly 11 bytes, got %d", len(b)))
	}

	if b[0] == lastEntryMarker || b[0] == deletedMarker {
		return ShortName{}, errors.ErrNotFound
	}

	var name ShortName
	copy(name.raw[:], b)
	if name.raw[0] == kanjiLeadByteOnDisk {
		name.raw[0] = kanjiLeadByteInMemory
	}
	return name, nil
}

// IsShortNameConformant reports whether s meets the 8.3 naming rules: all
// uppercase, base ≤ 8 characters, extension ≤ 3 characters, combined ≤ 11,
// and every character drawn from the allowed set.
func IsShortNameConformant(s string) bool {
	if s == "" || s != strings.ToUpper(s) {
		return false
	}

	base, ext := splitBaseExt(s)
	if len(base)+len(ext) > 11 || len(base) > 8 || len(ext) > 3 {
		return false
	}

	return isValidShortNameSegment(base) && isValidShortNameSegment(ext)
}

func isValidShortNameSegment(segment string) bool {
	for _, r := range segment {
		if !isValidShortNameChar(r) {
			return false
		}
	}
	return true
}

func isValidShortNameChar(r rune) bool {
	if r >= 'A' && r <= 'Z' {
		return true
	}
	if r >= '0' && r <= '9' {
		return true
	}
	return strings.ContainsRune(validShortNameChars, r)
}

// splitBaseExt splits a name at its last "." into base and extension, with
// neither the separator. A name with no "." has an empty extension.
func splitBaseExt(s string) (base, ext string) {
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

// ShortNameFromString constructs a ShortName from a conformant 8.3 name,
// e.g. "README.TXT". It fails with ErrInvalidName if s is not conformant.
func ShortNameFromString(s string) (ShortName, error) {
	if !IsShortNameConformant(s) {
		return ShortName{}, errors.ErrInvalidName.WithMessage(
			fmt.Sprintf("%q is not a conformant 8.3 name", s))
	}

	base, ext := splitBaseExt(s)

	var name ShortName
	for i := range name.raw {
		name.raw[i] = ' '
	}
	copy(name.raw[0:8], base)
	copy(name.raw[8:11], ext)

	if name.raw[0] == kanjiLeadByteOnDisk {
		name.raw[0] = kanjiLeadByteInMemory
	}
	return name, nil
}

// Unpadded returns the human-readable form of the name: the base,
// right-stripped of spaces, a "." if an extension is present, and the
// extension right-stripped of spaces.
func (n ShortName) Unpadded() string {
	base := strings.TrimRight(string(n.raw[0:8]), " ")
	ext := strings.TrimRight(string(n.raw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// IsSpecial reports whether this is the "." or ".." pseudo-entry.
func (n ShortName) IsSpecial() bool {
	u := n.Unpadded()
	return u == "." || u == ".."
}

// ByteRepr returns the 11-byte on-disk representation, translating an
// in-memory 0xE5 lead byte back to the on-disk 0x05 kanji escape.
func (n ShortName) ByteRepr() [11]byte {
	out := n.raw
	if out[0] == kanjiLeadByteInMemory {
		out[0] = kanjiLeadByteOnDisk
	}
	return out
}

// Checksum computes the 8-bit checksum used to bind LFN records to this
// short name: sum = ((sum&1) ? 0x80 : 0) + (sum>>1) + b, over each of the
// 11 raw (on-disk, pre-kanji-translation) bytes.
func (n ShortName) Checksum() uint8 {
	repr := n.ByteRepr()
	var sum uint8
	for _, b := range repr {
		var carry uint8
		if sum&1 != 0 {
			carry = 0x80
		}
		sum = carry + (sum >> 1) + b
	}
	return sum
}

// mapShortNameChar upper-cases a rune for short-name generation, dropping
// spaces and mapping any character outside the allowed set to '_'.
func mapShortNameChar(r rune) (rune, bool) {
	r = toUpperASCII(r)
	if r == ' ' {
		return 0, false
	}
	if !isValidShortNameChar(r) {
		return '_', true
	}
	return r, true
}

func toUpperASCII(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}

func mapShortNameSegment(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		mapped, ok := mapShortNameChar(r)
		if ok {
			b.WriteRune(mapped)
		}
	}
	return b.String()
}

// MakeShortName generates an 8.3 "basis name with numeric tail" short name
// for a long name that cannot stand as a conformant 8.3 name on its own.
// It maps each character (uppercase, spaces dropped, invalid characters
// replaced with "_"), then ALWAYS appends a "~N" tail (N from 1, never
// bare), truncating the base as needed to make room, until a name not
// present in existingShortNames is found. The numeric tail is unconditional
// because MakeShortName is only called once the caller has already
// determined the long name needs an LFN record; per VFAT, any name that
// needs one also gets a numbered short-name alias, even with no collision.
//
// This deliberately strips spaces before tilde-numbering, unlike an older,
// buggy generator that left them in (see the design notes on that bug).
func MakeShortName(longName string, existingShortNames map[string]bool) (string, error) {
	base, ext := splitBaseExt(longName)

	mappedBase := mapShortNameSegment(base, 8)
	mappedExt := mapShortNameSegment(ext, 3)

	sep := "."
	if mappedExt == "" {
		sep = ""
	}

	for i := 1; i < 1_000_000; i++ {
		suffix := fmt.Sprintf("~%d", i)
		maxLen := 8 - len(suffix)
		if maxLen < 0 {
			maxLen = 0
		}
		candidateBase := mappedBase
		if len(candidateBase) > maxLen {
			candidateBase = candidateBase[:maxLen]
		}
		candidateBase += suffix

		candidate := candidateBase + sep + mappedExt
		if !existingShortNames[candidate] {
			return candidate, nil
		}
	}

	return "", errors.ErrExists.WithMessage(
		"cannot generate 8.3 name: all tilde-numbered alternatives are taken")
}

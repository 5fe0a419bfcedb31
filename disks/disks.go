// Package disks provides a table of well-known FAT disk geometries --
// standard floppy formats and a couple of common FAT32 hard-disk sizes --
// that the Formatter and the mkfatfs CLI can select by name instead of
// requiring the caller to work out BPB geometry numbers by hand.
package disks

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"
)

// Geometry describes the BPB-relevant parameters of a well-known FAT disk
// format.
type Geometry struct {
	Slug              string `csv:"slug"`
	Name              string `csv:"name"`
	TotalSizeBytes    int64  `csv:"total_size_bytes"`
	BytesPerSector    uint16 `csv:"bytes_per_sector"`
	SectorsPerCluster uint8  `csv:"sectors_per_cluster"`
	Media             uint8  `csv:"media"`
	RootEntryCount    uint16 `csv:"root_entry_count"`
	ReservedSectors   uint16 `csv:"reserved_sectors"`
	NumFATs           uint8  `csv:"num_fats"`
}

// TotalSectors gives the total sector count implied by TotalSizeBytes and
// BytesPerSector.
func (g *Geometry) TotalSectors() uint32 {
	return uint32(g.TotalSizeBytes) / uint32(g.BytesPerSector)
}

//go:embed disk-geometries.csv
var rawGeometryCSV string

var geometries map[string]Geometry

// GetPreset returns the named geometry preset, e.g. "1.44M" or "720K".
func GetPreset(slug string) (Geometry, error) {
	g, ok := geometries[slug]
	if !ok {
		return Geometry{}, fmt.Errorf("no predefined disk geometry exists with slug %q", slug)
	}
	return g, nil
}

// Presets returns the slugs of every known preset, for CLI help text and the
// like.
func Presets() []string {
	slugs := make([]string, 0, len(geometries))
	for slug := range geometries {
		slugs = append(slugs, slug)
	}
	return slugs
}

func init() {
	geometries = make(map[string]Geometry)

	reader := strings.NewReader(rawGeometryCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row Geometry) error {
		if _, exists := geometries[row.Slug]; exists {
			return fmt.Errorf("duplicate definition for disk geometry %q", row.Slug)
		}
		geometries[row.Slug] = row
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("disks: malformed embedded disk-geometries.csv: %s", err))
	}
}

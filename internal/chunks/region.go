package chunks

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// MaxChunksPerOp caps the chunk area a single command may touch.
const MaxChunksPerOp = 100

// region subdirectories of a world that store chunk data keyed by region
// coordinates.
var regionDirs = []string{"region", "poi", "entities"}

// Range is an inclusive chunk-coordinate rectangle.
type Range struct {
	MinCX, MinCZ int
	MaxCX, MaxCZ int
}

// RangeFromBlocks converts a block-coordinate rectangle to chunk
// coordinates, normalizing corner order.
func RangeFromBlocks(x1, z1, x2, z2 int) Range {
	cx1, cz1 := x1>>4, z1>>4
	cx2, cz2 := x2>>4, z2>>4
	if cx1 > cx2 {
		cx1, cx2 = cx2, cx1
	}
	if cz1 > cz2 {
		cz1, cz2 = cz2, cz1
	}
	return Range{MinCX: cx1, MinCZ: cz1, MaxCX: cx2, MaxCZ: cz2}
}

// ChunkCount returns the number of chunks covered by the range.
func (r Range) ChunkCount() int {
	return (r.MaxCX - r.MinCX + 1) * (r.MaxCZ - r.MinCZ + 1)
}

// RegionFiles lists the region file names (relative to a region
// directory) covering the range, sorted and de-duplicated.
func (r Range) RegionFiles() []string {
	seen := map[string]struct{}{}
	for cx := r.MinCX; cx <= r.MaxCX; cx++ {
		for cz := r.MinCZ; cz <= r.MaxCZ; cz++ {
			seen[fmt.Sprintf("r.%d.%d.mca", cx>>5, cz>>5)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// backupRegions copies the range's region files from worldDir into
// destDir, preserving the region/poi/entities layout. Missing files are
// skipped; never-generated regions have none.
func backupRegions(worldDir, destDir string, r Range) (int, error) {
	copied := 0
	for _, sub := range regionDirs {
		for _, name := range r.RegionFiles() {
			src := filepath.Join(worldDir, sub, name)
			if _, err := os.Stat(src); os.IsNotExist(err) {
				continue
			}
			dst := filepath.Join(destDir, sub, name)
			if err := copyFile(src, dst); err != nil {
				return copied, fmt.Errorf("backup %s/%s: %w", sub, name, err)
			}
			copied++
		}
	}
	return copied, nil
}

// deleteRegions removes the range's region files from worldDir.
func deleteRegions(worldDir string, r Range) (int, error) {
	removed := 0
	for _, sub := range regionDirs {
		for _, name := range r.RegionFiles() {
			path := filepath.Join(worldDir, sub, name)
			err := os.Remove(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("delete %s/%s: %w", sub, name, err)
			}
			removed++
		}
	}
	return removed, nil
}

// restoreRegions copies every region file found under backupDir back
// into worldDir.
func restoreRegions(backupDir, worldDir string) (int, error) {
	restored := 0
	for _, sub := range regionDirs {
		entries, err := os.ReadDir(filepath.Join(backupDir, sub))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("read backup dir %s: %w", sub, err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".mca" {
				continue
			}
			src := filepath.Join(backupDir, sub, e.Name())
			dst := filepath.Join(worldDir, sub, e.Name())
			if err := copyFile(src, dst); err != nil {
				return restored, fmt.Errorf("restore %s/%s: %w", sub, e.Name(), err)
			}
			restored++
		}
	}
	return restored, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

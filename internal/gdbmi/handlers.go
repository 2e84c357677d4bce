package gdbmi

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Region is one merged memory region reported by `info_corefile`: either a
// named section from the program ELF, or a core LOAD segment that no single
// section fully covers.
type Region struct {
	Start, End uint64
	Name       string // section name, or "" for an unnamed core segment
}

// MergeSections reproduces the Python driver's merged_segs report: the
// program ELF's section ranges overlaid on the core file's LOAD segment
// ranges, so `info_corefile` can show which segments correspond to known
// sections (.text, .data, ...) versus unnamed memory the core captured.
// This is a read-only report built from two already-written files; it does
// not feed back into how the core writer lays out segments.
func MergeSections(progELF, coreELF *elf.File) ([]Region, error) {
	var regions []Region
	for _, sec := range progELF.Sections {
		if sec.Addr == 0 || sec.Size == 0 {
			continue
		}
		regions = append(regions, Region{Start: sec.Addr, End: sec.Addr + sec.Size, Name: sec.Name})
	}

	for _, prog := range coreELF.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		start, end := prog.Vaddr, prog.Vaddr+prog.Filesz
		if !coveredByAny(regions, start, end) {
			regions = append(regions, Region{Start: start, End: end})
		}
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	return regions, nil
}

func coveredByAny(regions []Region, start, end uint64) bool {
	for _, r := range regions {
		if start >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

// FormatRegions renders regions the way `info_corefile`'s "MEMORY REGIONS"
// listing does: one line per region, in the order given (MergeSections
// returns named and unnamed regions together, sorted by start address).
func FormatRegions(regions []Region) []string {
	lines := make([]string, 0, len(regions))
	for _, r := range regions {
		name := r.Name
		if name == "" {
			name = "(unnamed)"
		}
		lines = append(lines, fmt.Sprintf("%#010x-%#010x %s", r.Start, r.End, name))
	}
	return lines
}

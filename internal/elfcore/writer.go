package elfcore

import (
	"fmt"
	"io"

	"github.com/espcore/espcore/internal/binfmt"
)

const (
	elfHeaderSize = 52 // Elf32_Ehdr
	phdrSize      = 32 // Elf32_Phdr
)

// Image accumulates the program segments of an in-progress ELF32 core file
// and serializes them once fully built. Segments are kept in the order
// they were added; Write lays the program header table out in that same
// order immediately after the ELF header, then concatenates segment
// payloads with no padding between them.
type Image struct {
	segments []segment
}

// NewImage returns an empty core image. e_type/e_machine are fixed by this
// package's ETCore/EMXtensa constants; there is no other target.
func NewImage() *Image {
	return &Image{}
}

// AddSegment appends a LOAD (or other non-note) segment. addr == 0 bypasses
// the overlap check entirely, the same way AddNote's fixed addr 0 does; any
// other segment, including a zero-length one at a nonzero address, is still
// checked.
//
// The overlap test is the canonical form: two ranges [a, aEnd) and
// [b, bEnd) intersect iff a < bEnd && b < aEnd. This rejects true overlaps
// while allowing two segments to be exactly back to back.
func (img *Image) AddSegment(addr uint32, data []byte, typ, flags uint32) error {
	if addr != 0 {
		newEnd := addr + uint32(len(data))
		for _, existing := range img.segments {
			if existing.typ == PTNote {
				continue
			}
			if addr < existing.end() && existing.addr < newEnd {
				return fmt.Errorf("%w: [%#x, %#x) intersects existing [%#x, %#x)",
					ErrOverlappingSegment, addr, newEnd, existing.addr, existing.end())
			}
		}
	}
	img.segments = append(img.segments, segment{addr: addr, data: data, typ: typ, flags: flags})
	return nil
}

// AddNote appends a PT_NOTE segment at vaddr 0 with p_flags = 0, matching
// the original implementation's add_program_segment(0, notes, PT_NOTE, 0).
// There can be more than one; each becomes its own program header, matching
// ELF's model of notes as their own LOAD-adjacent segment type. The
// orchestrator in this repository only ever adds one, but nothing here
// assumes that.
func (img *Image) AddNote(data []byte) error {
	img.segments = append(img.segments, segment{addr: 0, data: data, typ: PTNote, flags: 0})
	return nil
}

// NumSegments returns the number of segments added so far.
func (img *Image) NumSegments() int {
	return len(img.segments)
}

// Write serializes the image: ELF header, then the program header table in
// segment-addition order, then the segment payloads concatenated in the
// same order. p_paddr always mirrors p_vaddr and p_memsz always mirrors
// p_filesz, per this format's convention of exact in-file representation
// (no BSS-style gap between file and memory size).
func (img *Image) Write(w io.Writer) error {
	bw := binfmt.NewWriter(elfHeaderSize + len(img.segments)*phdrSize)
	writeELFHeader(bw, len(img.segments))
	offset := uint32(elfHeaderSize + len(img.segments)*phdrSize)
	for _, s := range img.segments {
		writeProgramHeader(bw, s, offset)
		offset += uint32(len(s.data))
	}
	if _, err := w.Write(bw.Bytes()); err != nil {
		return fmt.Errorf("elfcore: write header and program headers: %w", err)
	}
	for _, s := range img.segments {
		if _, err := w.Write(s.data); err != nil {
			return fmt.Errorf("elfcore: write segment at %#x: %w", s.addr, err)
		}
	}
	return nil
}

func writeELFHeader(bw *binfmt.Writer, phnum int) {
	bw.Raw([]byte{0x7f, 'E', 'L', 'F', ELFClass32, ELFData2LSB, 1, 0})
	bw.Raw(make([]byte, 8)) // e_ident padding
	bw.U16(ETCore)
	bw.U16(EMXtensa)
	bw.U32(EVCurrent)
	bw.U32(0)             // e_entry
	bw.U32(elfHeaderSize) // e_phoff
	bw.U32(0)             // e_shoff
	bw.U32(0)             // e_flags
	bw.U16(elfHeaderSize) // e_ehsize
	bw.U16(phdrSize)      // e_phentsize
	bw.U16(uint16(phnum)) // e_phnum
	bw.U16(0)             // e_shentsize
	bw.U16(0)             // e_shnum
	bw.U16(0)             // e_shstrndx
}

func writeProgramHeader(bw *binfmt.Writer, s segment, offset uint32) {
	filesz := uint32(len(s.data))
	bw.U32(s.typ)
	bw.U32(offset)
	bw.U32(s.addr)
	bw.U32(s.addr) // p_paddr
	bw.U32(filesz)
	bw.U32(filesz) // p_memsz
	bw.U32(s.flags)
	bw.U32(0) // p_align
}

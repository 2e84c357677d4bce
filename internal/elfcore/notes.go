package elfcore

import (
	"github.com/espcore/espcore/internal/binfmt"
	"github.com/espcore/espcore/internal/xtensa"
)

// NTPRStatus is the note type carrying a task's prstatus + registers.
const NTPRStatus uint32 = 1

const sigSegv uint16 = 11

// SignalSegv is the pr_cursig value used to mark the one task, if any, that
// the caller has identified as having crashed.
const SignalSegv = sigSegv

const noteName = "CORE\x00"

// buildNote encodes a single ELF note: name_len/desc_len/type header
// (lengths unpadded, per the on-disk convention notes actually use), the
// name padded to a 4-byte boundary, then the descriptor padded the same way.
func buildNote(name string, typ uint32, desc []byte) []byte {
	bw := binfmt.NewWriter(12 + len(name) + len(desc) + 8)
	bw.U32(uint32(len(name)))
	bw.U32(uint32(len(desc)))
	bw.U32(typ)
	bw.Raw([]byte(name))
	bw.PadTo4()
	bw.Raw(desc)
	bw.PadTo4()
	return bw.Bytes()
}

// encodePRStatus builds the 72-byte Xtensa prstatus structure. Every field
// but pr_cursig and pr_pid is zero: this format carries no process-level
// bookkeeping, only enough of the structure for a debugger to recognize it
// as a PRSTATUS note and read taskIndex back out of pr_pid.
func encodePRStatus(taskIndex int, cursig uint16) []byte {
	bw := binfmt.NewWriter(72)
	bw.U32(0) // si_signo
	bw.U32(0) // si_code
	bw.U32(0) // si_errno
	bw.U16(cursig)
	bw.U16(0)                  // pr_pad0
	bw.U32(0)                  // pr_sigpend
	bw.U32(0)                  // pr_sighold
	bw.U32(uint32(taskIndex))  // pr_pid
	bw.U32(0)                  // pr_ppid
	bw.U32(0)                  // pr_pgrp
	bw.U32(0)                  // pr_sid
	bw.U64(0)                  // pr_utime
	bw.U64(0)                  // pr_stime
	bw.U64(0)                  // pr_cutime
	bw.U64(0)                  // pr_cstime
	return bw.Bytes()
}

// BuildPRStatusNote builds the PT_NOTE descriptor for one task: a 72-byte
// prstatus header followed by the 129-word register vector, wrapped in the
// standard ELF note framing with name "CORE". cursig is normally 0; pass
// SignalSegv to mark the task identified as having crashed.
func BuildPRStatusNote(taskIndex int, cursig uint16, regs xtensa.Registers) []byte {
	pr := encodePRStatus(taskIndex, cursig)
	desc := binfmt.NewWriter(len(pr) + len(regs)*4)
	desc.Raw(pr)
	for _, r := range regs {
		desc.U32(r)
	}
	return buildNote(noteName, NTPRStatus, desc.Bytes())
}

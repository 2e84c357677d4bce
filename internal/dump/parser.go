// Package dump parses the Xtensa on-flash core-dump format and drives the
// elfcore writer, xtensa register reconstructor, and prstatus note builder
// to produce a standard ELF32 core file. This is the orchestrator: the one
// component that knows the end-to-end shape of a flash dump.
package dump

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/espcore/espcore/internal/binfmt"
	"github.com/espcore/espcore/internal/elfcore"
	"github.com/espcore/espcore/internal/xtensa"
)

const (
	flashMagicStart uint32 = 0xDEADBEEF
	flashMagicEnd   uint32 = 0xACDCFEED

	headerSize     = 16
	taskHeaderSize = 12
)

// Sentinel errors for the taxonomy this package surfaces as fatal.
var (
	ErrBadStartMagic = errors.New("dump: bad start magic")
	ErrBadEndMagic   = errors.New("dump: bad end magic")
)

// FlashReader is the one capability this package needs from its caller: the
// ability to read length bytes of raw flash starting at offset. Reads are
// always issued in strictly increasing offset order and never overlap.
type FlashReader interface {
	ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error)
}

// Options controls optional, non-default behavior of Extract.
type Options struct {
	// FailedTaskIndex, if >= 0, marks that task's prstatus note with
	// pr_cursig = elfcore.SignalSegv instead of 0. -1 means no task is
	// distinguished this way.
	FailedTaskIndex int
}

// DefaultOptions is the zero-value-safe Options a caller should start from.
func DefaultOptions() Options {
	return Options{FailedTaskIndex: -1}
}

type header struct {
	magicStart uint32
	totalLen   uint32
	taskCount  uint32
	tcbSize    uint32
}

type taskHeader struct {
	tcbAddr   uint32
	stackTop  uint32
	stackEnd  uint32
}

// Extract reads a flash dump starting at base and returns the equivalent
// ELF32 core image. The only fatal errors are ErrBadStartMagic,
// ErrBadEndMagic, errors wrapping binfmt.ErrMalformedInput,
// elfcore.ErrOverlappingSegment, and whatever FlashReader.ReadFlash itself
// returns (flash read failures). A task's upward-growing or too-short stack
// is not fatal: Extract logs a warning and emits a zero register vector for
// that task's note, per this format's feature-gap-not-error contract.
func Extract(ctx context.Context, r FlashReader, base uint32, opts Options) (*elfcore.Image, error) {
	off := base

	raw, err := r.ReadFlash(ctx, off, headerSize)
	if err != nil {
		return nil, fmt.Errorf("dump: read header: %w", err)
	}
	hdr, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	if hdr.magicStart != flashMagicStart {
		return nil, fmt.Errorf("%w: got %#x", ErrBadStartMagic, hdr.magicStart)
	}
	off += headerSize

	tcbAligned := binfmt.Align4(hdr.tcbSize)

	img := elfcore.NewImage()
	notes := binfmt.NewWriter(0)

	for i := uint32(0); i < hdr.taskCount; i++ {
		raw, err := r.ReadFlash(ctx, off, taskHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("dump: read task %d header: %w", i, err)
		}
		th, err := decodeTaskHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("dump: task %d: %w", i, err)
		}
		off += taskHeaderSize

		growsDown := th.stackEnd > th.stackTop
		var stackBase, stackLen uint32
		if growsDown {
			stackBase, stackLen = th.stackTop, th.stackEnd-th.stackTop
		} else {
			stackBase, stackLen = th.stackEnd, th.stackTop-th.stackEnd
		}
		stackAligned := binfmt.Align4(stackLen)

		tcbData, err := r.ReadFlash(ctx, off, tcbAligned)
		if err != nil {
			return nil, fmt.Errorf("dump: read task %d TCB: %w", i, err)
		}
		if uint32(len(tcbData)) != tcbAligned {
			return nil, fmt.Errorf("dump: task %d: %w: short TCB read", i, binfmt.ErrMalformedInput)
		}
		if tcbAligned != hdr.tcbSize {
			tcbData = tcbData[:hdr.tcbSize]
		}
		off += tcbAligned

		stackData, err := r.ReadFlash(ctx, off, stackAligned)
		if err != nil {
			return nil, fmt.Errorf("dump: read task %d stack: %w", i, err)
		}
		if uint32(len(stackData)) != stackAligned {
			return nil, fmt.Errorf("dump: task %d: %w: short stack read", i, binfmt.ErrMalformedInput)
		}
		if stackAligned != stackLen {
			stackData = stackData[:stackLen]
		}
		off += stackAligned

		if err := img.AddSegment(th.tcbAddr, tcbData, elfcore.PTLoad, elfcore.PFRead|elfcore.PFWrite); err != nil {
			return nil, fmt.Errorf("dump: task %d TCB: %w", i, err)
		}
		if err := img.AddSegment(stackBase, stackData, elfcore.PTLoad, elfcore.PFRead|elfcore.PFWrite); err != nil {
			return nil, fmt.Errorf("dump: task %d stack: %w", i, err)
		}

		regs, rerr := xtensa.Reconstruct(stackData, growsDown)
		if rerr != nil {
			log.Printf("dump: task %d: %v; emitting zero register vector", i, rerr)
		}

		cursig := uint16(0)
		if opts.FailedTaskIndex == int(i) {
			cursig = elfcore.SignalSegv
		}
		notes.Raw(elfcore.BuildPRStatusNote(int(i), cursig, regs))
	}

	raw, err = r.ReadFlash(ctx, off, 4)
	if err != nil {
		return nil, fmt.Errorf("dump: read end marker: %w", err)
	}
	end := binfmt.NewReader(raw).U32()
	if end != flashMagicEnd {
		return nil, fmt.Errorf("%w: got %#x", ErrBadEndMagic, end)
	}
	off += 4

	if consumed := off - base; consumed != hdr.totalLen {
		return nil, fmt.Errorf("%w: header declares total_length %d, parse consumed %d",
			binfmt.ErrMalformedInput, hdr.totalLen, consumed)
	}

	if err := img.AddNote(notes.Bytes()); err != nil {
		return nil, fmt.Errorf("dump: add note segment: %w", err)
	}

	return img, nil
}

func decodeHeader(raw []byte) (header, error) {
	r := binfmt.NewReader(raw)
	h := header{
		magicStart: r.U32(),
		totalLen:   r.U32(),
		taskCount:  r.U32(),
		tcbSize:    r.U32(),
	}
	if err := r.Err(); err != nil {
		return header{}, fmt.Errorf("dump: header: %w", err)
	}
	return h, nil
}

func decodeTaskHeader(raw []byte) (taskHeader, error) {
	r := binfmt.NewReader(raw)
	th := taskHeader{
		tcbAddr:  r.U32(),
		stackTop: r.U32(),
		stackEnd: r.U32(),
	}
	if err := r.Err(); err != nil {
		return taskHeader{}, err
	}
	return th, nil
}

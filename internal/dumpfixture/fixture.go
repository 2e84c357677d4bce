// Package dumpfixture builds synthetic flash-dump byte streams for tests
// and benchmarks, standing in for a real device's flash contents.
package dumpfixture

import (
	"context"
	"fmt"

	"github.com/espcore/espcore/internal/binfmt"
)

const (
	magicStart = 0xDEADBEEF
	magicEnd   = 0xACDCFEED

	headerSize    = 16
	endMarkerSize = 4
)

// Task describes one task record to embed in a built dump.
type Task struct {
	TCBAddr  uint32
	StackTop uint32
	StackEnd uint32
	TCB      []byte // unaligned length; padding is added by Build
	Stack    []byte // unaligned length; padding is added by Build
}

// Spec describes a whole synthetic dump.
type Spec struct {
	TCBSize         uint32 // declared tcb_size in the header
	Tasks           []Task
	BadStartMagic   bool
	OmitEndMagic    bool  // writes a wrong value instead of the end magic
	TotalLengthBias int32 // added to the correct total_length; nonzero makes it wrong
}

// Build serializes spec into the on-flash byte layout: 16-byte header,
// then per task a 12-byte record header, the (aligned) TCB, and the
// (aligned) stack, then the 4-byte end marker. total_length is computed to
// match the actual byte count the reader will consume, since Extract
// rejects a declared total_length that disagrees with the parse.
func Build(spec Spec) []byte {
	body := binfmt.NewWriter(0)
	for _, task := range spec.Tasks {
		body.U32(task.TCBAddr)
		body.U32(task.StackTop)
		body.U32(task.StackEnd)
		body.Raw(task.TCB)
		body.PadTo4()
		body.Raw(task.Stack)
		body.PadTo4()
	}
	bodyBytes := body.Bytes()
	totalLen := uint32(int32(headerSize+len(bodyBytes)+endMarkerSize) + spec.TotalLengthBias)

	w := binfmt.NewWriter(0)

	start := uint32(magicStart)
	if spec.BadStartMagic {
		start = 0x12345678
	}
	w.U32(start)
	w.U32(totalLen)
	w.U32(uint32(len(spec.Tasks)))
	w.U32(spec.TCBSize)
	w.Raw(bodyBytes)

	end := uint32(magicEnd)
	if spec.OmitEndMagic {
		end = 0
	}
	w.U32(end)

	return w.Bytes()
}

// Reader is an in-memory dump.FlashReader backed by a byte slice, as if it
// were the bytes of flash starting at Base.
type Reader struct {
	Base uint32
	Data []byte
}

// ReadFlash implements dump.FlashReader.
func (r *Reader) ReadFlash(_ context.Context, offset, length uint32) ([]byte, error) {
	start := offset - r.Base
	end := start + length
	if offset < r.Base || int(end) > len(r.Data) {
		return nil, fmt.Errorf("dumpfixture: read [%#x, %#x) out of range", offset, offset+length)
	}
	out := make([]byte, length)
	copy(out, r.Data[start:end])
	return out, nil
}

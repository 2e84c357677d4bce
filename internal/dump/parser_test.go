package dump

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"io"
	"testing"

	"github.com/espcore/espcore/internal/binfmt"
	"github.com/espcore/espcore/internal/dumpfixture"
	"github.com/espcore/espcore/internal/elfcore"
)

func exceptionFrameStack(t *testing.T, extra int) []byte {
	t.Helper()
	w := binfmt.NewWriter(0)
	w.U32(1) // rc != 0: exception frame
	w.U32(0x400D1234)
	w.U32(0x00060020)
	for i := 0; i < 16; i++ {
		w.U32(uint32(0x3FFFF000 + i))
	}
	w.U32(1)          // SAR
	w.U32(0)          // EXCCAUSE
	w.U32(0)          // EXCVADDR
	w.U32(0x400D0000) // LBEG
	w.U32(0x400D0010) // LEND
	w.U32(3)          // LCOUNT
	for i := 0; i < extra; i++ {
		w.U32(0)
	}
	return w.Bytes()
}

// S1: a single task with an exception frame, downward-growing stack.
func TestExtractS1SingleExceptionFrameTask(t *testing.T) {
	tcb := bytes.Repeat([]byte{0x11}, 10)
	stack := exceptionFrameStack(t, 3) // 28 words = 112 bytes, already 4-aligned

	fix := dumpfixture.Build(dumpfixture.Spec{
		TCBSize: uint32(len(tcb)),
		Tasks: []dumpfixture.Task{
			{
				TCBAddr:  0x3FFAE000,
				StackTop: 0x3FFB0000,
				StackEnd: 0x3FFB0000 + uint32(len(stack)),
				TCB:      tcb,
				Stack:    stack,
			},
		},
	})
	reader := &dumpfixture.Reader{Base: 0x110000, Data: fix}

	img, err := Extract(context.Background(), reader, 0x110000, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	var buf bytes.Buffer
	if err := img.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	if len(f.Progs) != 3 { // TCB, stack, notes
		t.Fatalf("len(Progs) = %d, want 3", len(f.Progs))
	}
	if f.Progs[0].Vaddr != 0x3FFAE000 || f.Progs[0].Filesz != uint64(len(tcb)) {
		t.Errorf("TCB segment = %+v", f.Progs[0])
	}
	if f.Progs[1].Vaddr != 0x3FFB0000 || f.Progs[1].Filesz != uint64(len(stack)) {
		t.Errorf("stack segment = %+v", f.Progs[1])
	}
	if f.Progs[2].Type != elf.PT_NOTE {
		t.Errorf("Progs[2].Type = %v, want PT_NOTE", f.Progs[2].Type)
	}
}

// S2: a single task with a solicited frame.
func TestExtractS2SolicitedFrameTask(t *testing.T) {
	w := binfmt.NewWriter(0)
	w.U32(0) // rc == 0: solicited frame
	w.U32(0x400E5678)
	w.U32(0x00000030)
	w.U32(0) // next (unused)
	w.U32(0x80000010)
	w.U32(2)
	w.U32(3)
	w.U32(4)
	for i := 0; i < 17; i++ {
		w.U32(0)
	}
	stack := w.Bytes() // 25 words = 100 bytes, one full frame

	tcb := bytes.Repeat([]byte{0x22}, 8)
	fix := dumpfixture.Build(dumpfixture.Spec{
		TCBSize: uint32(len(tcb)),
		Tasks: []dumpfixture.Task{
			{
				TCBAddr:  0x3FFA0000,
				StackTop: 0x3FFB1000,
				StackEnd: 0x3FFB1000 + uint32(len(stack)),
				TCB:      tcb,
				Stack:    stack,
			},
		},
	})
	reader := &dumpfixture.Reader{Base: 0, Data: fix}

	img, err := Extract(context.Background(), reader, 0, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if img.NumSegments() != 3 {
		t.Fatalf("NumSegments() = %d, want 3", img.NumSegments())
	}
}

// S3: upward-growing stack. Expected: warning only, zero registers,
// segments still written.
func TestExtractS3UpwardStackIsNonFatal(t *testing.T) {
	tcb := []byte{0, 0, 0, 0}
	stack := bytes.Repeat([]byte{0xFF}, 16)
	fix := dumpfixture.Build(dumpfixture.Spec{
		TCBSize: uint32(len(tcb)),
		Tasks: []dumpfixture.Task{
			{
				TCBAddr:  0x3FFA2000,
				StackTop: 0x3FFB2010, // top > end => grows up
				StackEnd: 0x3FFB2000,
				TCB:      tcb,
				Stack:    stack,
			},
		},
	})
	reader := &dumpfixture.Reader{Base: 0, Data: fix}

	img, err := Extract(context.Background(), reader, 0, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract: %v, want success with a logged warning", err)
	}
	if img.NumSegments() != 3 {
		t.Fatalf("NumSegments() = %d, want 3 (segments still written)", img.NumSegments())
	}
}

// S4: bad start magic is fatal.
func TestExtractS4BadStartMagic(t *testing.T) {
	fix := dumpfixture.Build(dumpfixture.Spec{BadStartMagic: true, TCBSize: 0})
	reader := &dumpfixture.Reader{Base: 0, Data: fix}

	_, err := Extract(context.Background(), reader, 0, DefaultOptions())
	if !errors.Is(err, ErrBadStartMagic) {
		t.Fatalf("err = %v, want ErrBadStartMagic", err)
	}
}

// S5: overlapping segments across two tasks are rejected.
func TestExtractS5OverlappingSegmentsRejected(t *testing.T) {
	tcb := []byte{0, 0, 0, 0}
	stack1 := bytes.Repeat([]byte{0x01}, 16)
	stack2 := bytes.Repeat([]byte{0x02}, 16)
	fix := dumpfixture.Build(dumpfixture.Spec{
		TCBSize: uint32(len(tcb)),
		Tasks: []dumpfixture.Task{
			{TCBAddr: 0x3FFA0000, StackTop: 0x3FFB0000, StackEnd: 0x3FFB0010, TCB: tcb, Stack: stack1},
			// This task's TCB deliberately lands inside the first task's
			// stack range, to exercise the overlap rejection.
			{TCBAddr: 0x3FFB0004, StackTop: 0x3FFC0000, StackEnd: 0x3FFC0010, TCB: tcb, Stack: stack2},
		},
	})
	reader := &dumpfixture.Reader{Base: 0, Data: fix}

	_, err := Extract(context.Background(), reader, 0, DefaultOptions())
	if err == nil {
		t.Fatal("Extract succeeded, want overlap rejection")
	}
}

// S6: zero tasks still produces a valid core with one empty PT_NOTE segment.
func TestExtractS6ZeroTasks(t *testing.T) {
	fix := dumpfixture.Build(dumpfixture.Spec{TCBSize: 0})
	reader := &dumpfixture.Reader{Base: 0, Data: fix}

	img, err := Extract(context.Background(), reader, 0, DefaultOptions())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if img.NumSegments() != 1 {
		t.Fatalf("NumSegments() = %d, want 1", img.NumSegments())
	}
}

func TestExtractBadEndMagicIsFatal(t *testing.T) {
	fix := dumpfixture.Build(dumpfixture.Spec{TCBSize: 0, OmitEndMagic: true})
	reader := &dumpfixture.Reader{Base: 0, Data: fix}

	_, err := Extract(context.Background(), reader, 0, DefaultOptions())
	if !errors.Is(err, ErrBadEndMagic) {
		t.Fatalf("err = %v, want ErrBadEndMagic", err)
	}
}

// total_length must match the bytes the parse actually consumes.
func TestExtractBadTotalLengthIsMalformed(t *testing.T) {
	fix := dumpfixture.Build(dumpfixture.Spec{TCBSize: 0, TotalLengthBias: 4})
	reader := &dumpfixture.Reader{Base: 0, Data: fix}

	_, err := Extract(context.Background(), reader, 0, DefaultOptions())
	if !errors.Is(err, binfmt.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
}

func TestExtractFailedTaskIndexSetsSignal(t *testing.T) {
	tcb := []byte{0, 0, 0, 0}
	stack := exceptionFrameStack(t, 3)
	fix := dumpfixture.Build(dumpfixture.Spec{
		TCBSize: uint32(len(tcb)),
		Tasks: []dumpfixture.Task{
			{TCBAddr: 0x3FFA0000, StackTop: 0x3FFB0000, StackEnd: 0x3FFB0000 + uint32(len(stack)), TCB: tcb, Stack: stack},
		},
	})
	reader := &dumpfixture.Reader{Base: 0, Data: fix}

	opts := DefaultOptions()
	opts.FailedTaskIndex = 0
	img, err := Extract(context.Background(), reader, 0, opts)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if img.NumSegments() != 3 {
		t.Fatalf("NumSegments() = %d, want 3", img.NumSegments())
	}

	var buf bytes.Buffer
	if err := img.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	note, err := io.ReadAll(f.Progs[2].Open())
	if err != nil {
		t.Fatalf("read note segment: %v", err)
	}
	// 12-byte note header, "CORE\0" padded to 8, then si_signo/si_code/si_errno.
	r := binfmt.NewReader(note)
	r.Skip(32)
	if got := r.U16(); got != elfcore.SignalSegv {
		t.Errorf("pr_cursig = %d, want %d", got, elfcore.SignalSegv)
	}
}

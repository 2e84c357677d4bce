package flashio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// SubprocessReader reads flash by shelling out to an external flashing
// tool once per blockSize-aligned block and caching the result, mirroring
// ESPCoreDumpLoader._load_coredump's block-at-a-time reads through esptool
// in the original Python implementation.
type SubprocessReader struct {
	ToolPath string // path to the flashing tool binary
	Port     string
	Baud     int
	Chip     string

	cache *blockCache
}

// NewSubprocessReader returns a reader that will invoke toolPath for each
// block it needs.
func NewSubprocessReader(toolPath, port, chip string, baud int) *SubprocessReader {
	return &SubprocessReader{
		ToolPath: toolPath,
		Port:     port,
		Baud:     baud,
		Chip:     chip,
		cache:    newBlockCache(),
	}
}

// ReadFlash implements dump.FlashReader (structurally; internal/dump
// depends on no concrete type here, only the method signature).
func (r *SubprocessReader) ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error) {
	out := make([]byte, 0, length)
	first := offset / blockSize
	last := (offset + length - 1) / blockSize
	for idx := first; idx <= last; idx++ {
		block, err := r.block(ctx, idx)
		if err != nil {
			return nil, &ErrFlashReadFailure{Offset: offset, Length: length, Err: err}
		}
		blockStart := idx * blockSize
		lo := uint32(0)
		if offset > blockStart {
			lo = offset - blockStart
		}
		hi := uint32(len(block))
		if end := offset + length; end < blockStart+uint32(len(block)) {
			hi = end - blockStart
		}
		if lo > uint32(len(block)) || hi > uint32(len(block)) || lo > hi {
			return nil, &ErrFlashReadFailure{Offset: offset, Length: length, Err: fmt.Errorf("short block %d: have %d bytes", idx, len(block))}
		}
		out = append(out, block[lo:hi]...)
	}
	return out, nil
}

func (r *SubprocessReader) block(ctx context.Context, index uint32) ([]byte, error) {
	if cached, ok := r.cache.get(index); ok {
		return cached, nil
	}

	tmp, err := os.CreateTemp("", "espcore-flash-*.bin")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	args := []string{
		"--port", r.Port,
		"--baud", strconv.Itoa(r.Baud),
		"--chip", r.Chip,
		"read_flash",
		strconv.Itoa(int(index * blockSize)),
		strconv.Itoa(blockSize),
		tmpPath,
	}
	cmd := exec.CommandContext(ctx, r.ToolPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s %v: %w: %s", r.ToolPath, args, err, out)
	}

	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("read block %d output: %w", index, err)
	}
	r.cache.put(index, data)
	return data, nil
}

// Close releases no persistent resources: temp files are removed as soon
// as each block is read.
func (r *SubprocessReader) Close() error { return nil }

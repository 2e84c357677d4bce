package flashio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"go.bug.st/serial"
)

// Read-memory request/response framing for SerialReader. This is a
// simplified framing purpose-built for this repository: a 4-byte sync
// pattern, then little-endian offset/length, answered with a 4-byte sync
// echo followed by the requested bytes. It is not wire-compatible with any
// vendor ROM bootloader protocol; SerialReader exists to give the flash
// reader collaborator a second, dependency-exercising concrete
// implementation alongside SubprocessReader.
var syncPattern = [4]byte{0x07, 0x07, 0x12, 0x20}

// SerialReader reads flash directly over a serial connection to the
// device, reporting progress with a byte-count progress bar of unknown
// total that advances by one block for each block fetched from the device.
type SerialReader struct {
	port  serial.Port
	cache *blockCache
	bar   *progressbar.ProgressBar
}

// SerialConfig configures the serial transport.
type SerialConfig struct {
	Port string
	Baud int
}

// NewSerialReader opens cfg.Port at cfg.Baud and returns a reader
// ready to serve ReadFlash calls.
func NewSerialReader(cfg SerialConfig) (*SerialReader, error) {
	mode := &serial.Mode{BaudRate: cfg.Baud}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("flashio: open serial port %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(5 * time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("flashio: set read timeout: %w", err)
	}
	return &SerialReader{
		port:  port,
		cache: newBlockCache(),
		bar:   progressbar.DefaultBytes(-1, "reading flash"),
	}, nil
}

// ReadFlash implements dump.FlashReader, going block by block through the
// same cache SubprocessReader uses.
func (r *SerialReader) ReadFlash(ctx context.Context, offset, length uint32) ([]byte, error) {
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
		out = append(out, block[lo:hi]...)
	}
	return out, nil
}

func (r *SerialReader) block(_ context.Context, index uint32) ([]byte, error) {
	if cached, ok := r.cache.get(index); ok {
		return cached, nil
	}

	req := make([]byte, 12)
	copy(req[0:4], syncPattern[:])
	binary.LittleEndian.PutUint32(req[4:8], index*blockSize)
	binary.LittleEndian.PutUint32(req[8:12], blockSize)
	if _, err := r.port.Write(req); err != nil {
		return nil, fmt.Errorf("write read-memory request: %w", err)
	}

	echo := make([]byte, 4)
	if _, err := io.ReadFull(r.port, echo); err != nil {
		return nil, fmt.Errorf("read sync echo: %w", err)
	}
	if echo[0] != syncPattern[0] || echo[1] != syncPattern[1] || echo[2] != syncPattern[2] || echo[3] != syncPattern[3] {
		return nil, fmt.Errorf("unexpected sync echo %x", echo)
	}

	data := make([]byte, blockSize)
	if _, err := io.ReadFull(r.port, data); err != nil {
		return nil, fmt.Errorf("read block %d: %w", index, err)
	}

	r.bar.Add(blockSize)
	r.cache.put(index, data)
	return data, nil
}

// Close releases the serial port.
func (r *SerialReader) Close() error {
	return r.port.Close()
}

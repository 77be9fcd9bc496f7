// Package sink implements the two-level output design: a
// single serialised writer at the bottom, and one fixed-capacity buffer
// per worker goroutine at the top, so that concurrent workers only ever
// interleave at buffer boundaries, never mid-record.
package sink

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"ebeamsim/internal/particle"
)

// recordSize is the fixed encoding of one detected-electron record: 7
// little-endian float32 values followed by 2 little-endian int32 values,
// no framing.
const recordSize = 7*4 + 2*4

// bufferCapacity is the per-worker buffer size:
// 1024 records of 36 bytes each.
const bufferCapacity = 1024 * recordSize

// Sink is the bottom-level serialised writer shared by every worker's
// Buffer.
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

// New wraps w as the simulation's output destination.
func New(w io.Writer) *Sink {
	return &Sink{w: w}
}

// writeChunk flushes one worker's filled bytes to the underlying writer,
// holding the sink's mutex for the duration so two workers' buffers are
// never interleaved mid-record.
func (s *Sink) writeChunk(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(b)
	return err
}

// Buffer is one worker's per-writer output buffer. Add appends a record
// and flushes to the sink automatically when full; Flush forces a write
// of whatever is currently buffered.
type Buffer struct {
	sink *Sink
	buf  []byte
	n    int
}

// NewBuffer allocates a worker buffer writing through to sink.
func NewBuffer(sink *Sink) *Buffer {
	return &Buffer{sink: sink, buf: make([]byte, bufferCapacity)}
}

// Add encodes one detected electron record and appends it to the buffer,
// flushing to the sink first if there is not enough room left.
func (b *Buffer) Add(d particle.Detection) error {
	if b.n+recordSize > len(b.buf) {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	encodeRecord(b.buf[b.n:b.n+recordSize], d)
	b.n += recordSize
	return nil
}

// Flush forces a write of whatever the buffer currently holds.
func (b *Buffer) Flush() error {
	if b.n == 0 {
		return nil
	}
	if err := b.sink.writeChunk(b.buf[:b.n]); err != nil {
		return fmt.Errorf("flushing output buffer: %w", err)
	}
	b.n = 0
	return nil
}

func encodeRecord(dst []byte, d particle.Detection) {
	p := d.Particle
	binary.LittleEndian.PutUint32(dst[0:4], math.Float32bits(float32(p.Position[0])))
	binary.LittleEndian.PutUint32(dst[4:8], math.Float32bits(float32(p.Position[1])))
	binary.LittleEndian.PutUint32(dst[8:12], math.Float32bits(float32(p.Position[2])))
	binary.LittleEndian.PutUint32(dst[12:16], math.Float32bits(float32(p.Direction[0])))
	binary.LittleEndian.PutUint32(dst[16:20], math.Float32bits(float32(p.Direction[1])))
	binary.LittleEndian.PutUint32(dst[20:24], math.Float32bits(float32(p.Direction[2])))
	binary.LittleEndian.PutUint32(dst[24:28], math.Float32bits(float32(p.Energy)))
	binary.LittleEndian.PutUint32(dst[28:32], uint32(d.Pixel.X))
	binary.LittleEndian.PutUint32(dst[32:36], uint32(d.Pixel.Y))
}

// DecodeRecord is the inverse of encodeRecord, used by tests (and any
// downstream aggregator) to read back a record written by Add/Flush.
func DecodeRecord(src []byte) (pos, dir [3]float32, energy float32, pixelX, pixelY int32) {
	pos[0] = math.Float32frombits(binary.LittleEndian.Uint32(src[0:4]))
	pos[1] = math.Float32frombits(binary.LittleEndian.Uint32(src[4:8]))
	pos[2] = math.Float32frombits(binary.LittleEndian.Uint32(src[8:12]))
	dir[0] = math.Float32frombits(binary.LittleEndian.Uint32(src[12:16]))
	dir[1] = math.Float32frombits(binary.LittleEndian.Uint32(src[16:20]))
	dir[2] = math.Float32frombits(binary.LittleEndian.Uint32(src[20:24]))
	energy = math.Float32frombits(binary.LittleEndian.Uint32(src[24:28]))
	pixelX = int32(binary.LittleEndian.Uint32(src[28:32]))
	pixelY = int32(binary.LittleEndian.Uint32(src[32:36]))
	return
}

// RecordSize exposes the fixed per-record byte count to callers outside
// this package (e.g. test helpers validating output file length).
const RecordSize = recordSize

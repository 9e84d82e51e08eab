package squashfs

import (
	"encoding/binary"
	"fmt"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// MetaWriter packs records into 8 KiB meta blocks, compresses them and
// writes them out behind the usual 2 byte header. Records may span
// block boundaries; Append transparently flushes a full block and
// continues in a fresh one.
//
// A MetaWriter is single-producer: it holds one mutable accumulation
// buffer and a monotonically advancing position and must never be
// shared across concurrent callers. Any error from Flush or WriteToFile
// leaves the writer in an undefined state; the caller must abandon the
// image build rather than retry.
type MetaWriter struct {
	file Backend
	cmp  Compressor

	// blockStart is the offset the current, not yet flushed block will
	// be written at, relative to where the writer started.
	blockStart uint64
	offset     int
	buf        [disk.MetaBlockSize]byte

	// keepInMemory collects flushed blocks instead of writing them out,
	// for tables that are laid out before their final position is known.
	keepInMemory bool
	blocks       [][]byte
}

// NewMetaWriter creates a meta writer that compresses blocks with cmp.
// If keepInMemory is set, flushed blocks are collected and only hit the
// file when WriteToFile is called; otherwise every Flush appends
// directly to file.
func NewMetaWriter(file Backend, cmp Compressor, keepInMemory bool) *MetaWriter {
	return &MetaWriter{file: file, cmp: cmp, keepInMemory: keepInMemory}
}

// Append copies data into the current block, flushing full blocks along
// the way. Records larger than the remaining block capacity simply
// continue in the next block. A block that becomes exactly full is
// flushed immediately, so Position never points past a block's end.
func (m *MetaWriter) Append(data []byte) error {
	for len(data) > 0 {
		diff := disk.MetaBlockSize - m.offset
		if diff > len(data) {
			diff = len(data)
		}
		copy(m.buf[m.offset:], data[:diff])
		m.offset += diff
		data = data[diff:]

		if m.offset == disk.MetaBlockSize {
			if err := m.Flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Position returns the start offset of the not yet flushed block and
// the write cursor inside it. This is the reference callers embed to
// point at a record that is being appended, e.g. a directory entry
// referring to an inode that has not been flushed yet.
func (m *MetaWriter) Position() (uint64, uint32) {
	return m.blockStart, uint32(m.offset)
}

// Flush compresses the accumulated block and writes it out. If
// compression does not shrink the payload it is stored raw with the
// uncompressed flag set. Flushing an empty block is a no-op.
func (m *MetaWriter) Flush() error {
	if m.offset == 0 {
		return nil
	}

	payload := m.buf[:m.offset]
	header := uint16(m.offset) | disk.MetaRawFlag

	packed, err := m.cmp.Compress(payload)
	if err != nil {
		return fmt.Errorf("failed to pack meta block: %w", err)
	}
	if len(packed) < len(payload) {
		payload = packed
		header = uint16(len(packed))
	}

	block := make([]byte, disk.MetaHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(block, header)
	copy(block[disk.MetaHeaderSize:], payload)

	if m.keepInMemory {
		m.blocks = append(m.blocks, block)
	} else if err := m.file.Append(block); err != nil {
		return fmt.Errorf("failed to write meta block: %w", err)
	}

	m.blockStart += uint64(len(block))
	m.offset = 0
	return nil
}

// Reset discards all internal state, including collected blocks and the
// absolute position tracking.
func (m *MetaWriter) Reset() {
	m.blockStart = 0
	m.offset = 0
	m.blocks = nil
}

// WriteToFile appends every previously flushed block to the file in
// original order. It is only meaningful for writers created with
// keepInMemory and does not flush the still open block.
func (m *MetaWriter) WriteToFile() error {
	if !m.keepInMemory {
		return fmt.Errorf("meta writer does not collect blocks in memory")
	}
	for _, block := range m.blocks {
		if err := m.file.Append(block); err != nil {
			return fmt.Errorf("failed to write collected meta block: %w", err)
		}
	}
	m.blocks = nil
	return nil
}

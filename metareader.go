package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// MetaReader reads meta data tables: sequences of up to 8 KiB chunks,
// each stored compressed or raw behind a 2 byte header. Objects written
// to meta data are not aligned to chunk boundaries, so Read transparently
// fetches and unpacks the next physically contiguous block whenever the
// current one runs out.
//
// A MetaReader is bounded to the byte range [start, limit) of the image;
// seeking outside of it fails with ErrOutOfBounds. Instances are cheap
// and independent, but a single instance must not be used from more than
// one goroutine at a time.
type MetaReader struct {
	file  io.ReaderAt
	cmp   Compressor
	start uint64
	limit uint64

	// blockStart is the absolute offset of the cached block, nextBlock
	// the offset of the physically following one (header plus on-disk
	// payload further on). data aliases one of the two scratch buffers.
	blockStart uint64
	nextBlock  uint64
	offset     int
	data       []byte

	raw   []byte
	cur   []byte
	spare []byte
}

// NewMetaReader creates a meta reader over file using cmp to unpack
// compressed blocks. start and limit bound the blocks that may be read.
func NewMetaReader(file io.ReaderAt, cmp Compressor, start, limit uint64) *MetaReader {
	return &MetaReader{
		file:  file,
		cmp:   cmp,
		start: start,
		limit: limit,
		raw:   make([]byte, disk.MetaBlockSize),
		cur:   make([]byte, disk.MetaBlockSize),
		spare: make([]byte, disk.MetaBlockSize),
	}
}

// Seek positions the reader at the given absolute block start and byte
// offset into the block's uncompressed payload. If blockStart addresses
// the currently cached block only the cursor moves, otherwise the block
// is fetched from the image and unpacked. A failed Seek leaves the
// previously cached block intact.
func (m *MetaReader) Seek(blockStart uint64, offset uint32) error {
	if m.data != nil && blockStart == m.blockStart {
		if int(offset) > len(m.data) {
			return fmt.Errorf("offset %d past end of %d byte block: %w",
				offset, len(m.data), ErrOutOfBounds)
		}
		m.offset = int(offset)
		return nil
	}

	if blockStart < m.start || blockStart >= m.limit {
		return fmt.Errorf("block at %d outside of [%d, %d): %w",
			blockStart, m.start, m.limit, ErrOutOfBounds)
	}

	var hdr [disk.MetaHeaderSize]byte
	if _, err := m.file.ReadAt(hdr[:], int64(blockStart)); err != nil {
		return fmt.Errorf("failed to read meta block header at %d: %w", blockStart, err)
	}
	h := binary.LittleEndian.Uint16(hdr[:])
	size := int(h & disk.MetaLengthMask)
	if size == 0 || size > disk.MetaBlockSize {
		return fmt.Errorf("meta block at %d declares %d payload bytes: %w",
			blockStart, size, ErrCorrupt)
	}

	if _, err := m.file.ReadAt(m.raw[:size], int64(blockStart)+disk.MetaHeaderSize); err != nil {
		return fmt.Errorf("failed to read meta block at %d: %w", blockStart, err)
	}

	var data []byte
	if h&disk.MetaRawFlag != 0 {
		data = m.spare[:copy(m.spare, m.raw[:size])]
	} else {
		out, err := m.cmp.Decompress(m.raw[:size], m.spare)
		if err != nil {
			return fmt.Errorf("failed to unpack meta block at %d: %w", blockStart, err)
		}
		data = out
	}
	if int(offset) > len(data) {
		return fmt.Errorf("offset %d past end of %d byte block at %d: %w",
			offset, len(data), blockStart, ErrOutOfBounds)
	}

	m.cur, m.spare = m.spare, m.cur
	m.data = data
	m.blockStart = blockStart
	m.nextBlock = blockStart + disk.MetaHeaderSize + uint64(size)
	m.offset = int(offset)
	return nil
}

// Position returns the block start and in-block offset the next Read
// will read from.
func (m *MetaReader) Position() (uint64, uint32) {
	return m.blockStart, uint32(m.offset)
}

// Read fills p completely, transparently crossing into the next
// physically contiguous meta block as often as needed. On error the
// contents of p are undefined.
func (m *MetaReader) Read(p []byte) (int, error) {
	if m.data == nil {
		return 0, fmt.Errorf("read before first seek: %w", ErrOutOfBounds)
	}

	total := 0
	for len(p) > 0 {
		if m.offset >= len(m.data) {
			if err := m.Seek(m.nextBlock, 0); err != nil {
				return total, err
			}
		}
		n := copy(p, m.data[m.offset:])
		m.offset += n
		total += n
		p = p[n:]
	}
	return total, nil
}

// ReadDirHeader reads and decodes a directory chunk header at the
// current position.
func (m *MetaReader) ReadDirHeader() (*disk.DirHeader, error) {
	var raw [disk.SizeDirHeader]byte
	if _, err := m.Read(raw[:]); err != nil {
		return nil, err
	}

	hdr := &disk.DirHeader{}
	if _, err := binary.Decode(raw[:], binary.LittleEndian, hdr); err != nil {
		return nil, err
	}
	if hdr.Count >= disk.MaxDirEntries {
		return nil, fmt.Errorf("directory chunk with %d entries: %w",
			int(hdr.Count)+1, ErrCorrupt)
	}
	return hdr, nil
}

// ReadDirEntry reads and decodes a directory entry at the current
// position and returns it together with its name.
func (m *MetaReader) ReadDirEntry() (*disk.DirEntry, []byte, error) {
	var raw [disk.SizeDirEntry]byte
	if _, err := m.Read(raw[:]); err != nil {
		return nil, nil, err
	}

	ent := &disk.DirEntry{}
	if _, err := binary.Decode(raw[:], binary.LittleEndian, ent); err != nil {
		return nil, nil, err
	}
	if ent.NameLen >= disk.MaxNameLen {
		return nil, nil, fmt.Errorf("directory entry name of %d bytes: %w",
			int(ent.NameLen)+1, ErrCorrupt)
	}

	name := make([]byte, int(ent.NameLen)+1)
	if _, err := m.Read(name); err != nil {
		return nil, nil, err
	}
	return ent, name, nil
}

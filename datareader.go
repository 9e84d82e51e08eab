package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// BlockSource hands out the decompressed payload of a file's data
// blocks, keyed by block index.
type BlockSource interface {
	FetchBlock(inode *Inode, index int) ([]byte, error)
}

// FragmentSource hands out the decompressed tail end of a file whose
// trailing remainder is packed into a shared fragment block.
type FragmentSource interface {
	FetchFragment(inode *Inode) ([]byte, error)
}

// DataReader resolves and unpacks file data blocks and fragments. It
// implements BlockSource and FragmentSource for the extraction path.
// The returned block slices alias internal scratch buffers and are only
// valid until the next fetch. Not safe for concurrent use.
type DataReader struct {
	file      io.ReaderAt
	cmp       Compressor
	blockSize uint32
	frags     []disk.FragmentEntry

	raw   []byte
	out   []byte
	zeros []byte
}

var (
	_ BlockSource    = (*DataReader)(nil)
	_ FragmentSource = (*DataReader)(nil)
)

// NewDataReader creates a data reader for the image described by super,
// loading the fragment table if the image has one.
func NewDataReader(file io.ReaderAt, cmp Compressor, super *SuperBlock) (*DataReader, error) {
	d := &DataReader{
		file:      file,
		cmp:       cmp,
		blockSize: super.BlockSize,
		raw:       make([]byte, super.BlockSize),
		out:       make([]byte, super.BlockSize),
	}

	if super.FragmentCount > 0 && super.FragmentTableStart != disk.NoTable {
		raw, err := readIndexedTable(file, cmp, super.FragmentTableStart,
			disk.SizeFragmentEntry, int(super.FragmentCount))
		if err != nil {
			return nil, fmt.Errorf("failed to load fragment table: %w", err)
		}
		d.frags = make([]disk.FragmentEntry, super.FragmentCount)
		if _, err := binary.Decode(raw, binary.LittleEndian, d.frags); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// blockOffset returns the on-disk offset of the given data block by
// accumulating the on-disk sizes of all blocks before it.
func blockOffset(inode *Inode, index int) uint64 {
	off := inode.BlocksStart()
	for _, rec := range inode.BlockSizes[:index] {
		off += uint64(rec & disk.DataSizeMask)
	}
	return off
}

// logicalBlockSize returns the uncompressed length of the given data
// block, which for the last block of a fragment-less file may be the
// file's trailing remainder.
func (d *DataReader) logicalBlockSize(inode *Inode, index int) uint32 {
	size := inode.FileSize() - uint64(index)*uint64(d.blockSize)
	if size > uint64(d.blockSize) {
		return d.blockSize
	}
	return uint32(size)
}

// FetchBlock returns the decompressed bytes of data block index of the
// given file inode. Sparse blocks come back as runs of zero bytes of
// the block's logical length.
func (d *DataReader) FetchBlock(inode *Inode, index int) ([]byte, error) {
	if !inode.IsRegular() || index >= len(inode.BlockSizes) {
		return nil, fmt.Errorf("no data block %d on inode %d: %w",
			index, inode.Base.Number, ErrOutOfBounds)
	}

	rec := inode.BlockSizes[index]
	logical := d.logicalBlockSize(inode, index)

	if rec == 0 {
		if d.zeros == nil {
			d.zeros = make([]byte, d.blockSize)
		}
		return d.zeros[:logical], nil
	}
	return d.fetch(blockOffset(inode, index), rec, logical)
}

// FetchFragment returns the decompressed tail of the given file inode
// from its fragment block.
func (d *DataReader) FetchFragment(inode *Inode) ([]byte, error) {
	index, offset, ok := inode.Fragment()
	if !ok {
		return nil, fmt.Errorf("inode %d has no fragment: %w",
			inode.Base.Number, ErrOutOfBounds)
	}
	if uint64(index) >= uint64(len(d.frags)) {
		return nil, fmt.Errorf("fragment index %d of %d: %w",
			index, len(d.frags), ErrCorrupt)
	}

	tail := inode.FileSize() % uint64(d.blockSize)
	fe := d.frags[index]
	block, err := d.fetch(fe.StartOffset, fe.Size, d.blockSize)
	if err != nil {
		return nil, err
	}
	if uint64(offset)+tail > uint64(len(block)) {
		return nil, fmt.Errorf("fragment %d too small for %d bytes at %d: %w",
			index, tail, offset, ErrCorrupt)
	}
	return block[offset : uint64(offset)+tail], nil
}

// fetch reads and, if needed, unpacks a single data or fragment block.
func (d *DataReader) fetch(offset uint64, rec uint32, logical uint32) ([]byte, error) {
	size := rec & disk.DataSizeMask
	if size == 0 || size > d.blockSize {
		return nil, fmt.Errorf("data block of %d on-disk bytes: %w", size, ErrCorrupt)
	}

	if _, err := d.file.ReadAt(d.raw[:size], int64(offset)); err != nil {
		return nil, fmt.Errorf("failed to read data block at %d: %w", offset, err)
	}
	if rec&disk.DataRawFlag != 0 {
		return d.raw[:size], nil
	}

	out, err := d.cmp.Decompress(d.raw[:size], d.out[:logical])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack data block at %d: %w", offset, err)
	}
	return out, nil
}

// readIndexedTable reads a meta data table addressed through a list of
// 64 bit block pointers, as used by the fragment and id tables.
func readIndexedTable(file io.ReaderAt, cmp Compressor, tableStart uint64, entrySize, count int) ([]byte, error) {
	size := entrySize * count
	blocks := (size + disk.MetaBlockSize - 1) / disk.MetaBlockSize

	ptrs := make([]byte, blocks*8)
	if _, err := file.ReadAt(ptrs, int64(tableStart)); err != nil {
		return nil, fmt.Errorf("failed to read table index at %d: %w", tableStart, err)
	}

	// the meta blocks always precede their index
	m := NewMetaReader(file, cmp, 0, tableStart)
	out := make([]byte, size)
	for i := 0; i < blocks; i++ {
		if err := m.Seek(binary.LittleEndian.Uint64(ptrs[i*8:]), 0); err != nil {
			return nil, err
		}
		chunk := out[i*disk.MetaBlockSize:]
		if len(chunk) > disk.MetaBlockSize {
			chunk = chunk[:disk.MetaBlockSize]
		}
		if _, err := m.Read(chunk); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// readIDTable loads the uid/gid lookup table.
func readIDTable(file io.ReaderAt, cmp Compressor, super *SuperBlock) ([]uint32, error) {
	if super.IDCount == 0 || super.IDTableStart == disk.NoTable {
		return nil, nil
	}
	raw, err := readIndexedTable(file, cmp, super.IDTableStart, 4, int(super.IDCount))
	if err != nil {
		return nil, fmt.Errorf("failed to load id table: %w", err)
	}
	ids := make([]uint32, super.IDCount)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return ids, nil
}

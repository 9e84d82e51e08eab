package squashfs

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// buildDataImage lays out a small image holding a single regular file
// of three 4 KiB blocks (compressed, sparse, raw) plus a 500 byte tail
// packed into a fragment, followed by the fragment table and its index.
func buildDataImage(t *testing.T) (Backend, *SuperBlock, *Inode, []byte) {
	t.Helper()
	cmp := testCompressor(t)
	back := NewMemoryBackend()

	require.NoError(t, back.Append(make([]byte, disk.SuperBlockSize)))
	blocksStart := uint32(back.Size())

	block0 := bytes.Repeat([]byte{'a'}, 4096)
	packed, err := cmp.Compress(block0)
	require.NoError(t, err)
	require.Less(t, len(packed), len(block0))
	require.NoError(t, back.Append(packed))
	rec0 := uint32(len(packed))

	block2 := make([]byte, 4096)
	rand.New(rand.NewSource(3)).Read(block2)
	require.NoError(t, back.Append(block2))
	rec2 := uint32(4096 | disk.DataRawFlag)

	tail := make([]byte, 500)
	rand.New(rand.NewSource(4)).Read(tail)
	fragBlock := make([]byte, 4096)
	copy(fragBlock[100:], tail)
	fragOffset := uint64(back.Size())
	require.NoError(t, back.Append(fragBlock))

	// fragment table: one meta block of entries, then the pointer index
	metaStart := uint64(back.Size())
	mw := NewMetaWriter(back, cmp, false)
	appendBinary(t, mw, disk.FragmentEntry{
		StartOffset: fragOffset,
		Size:        4096 | disk.DataRawFlag,
	})
	require.NoError(t, mw.Flush())

	tableStart := uint64(back.Size())
	var ptr [8]byte
	binary.LittleEndian.PutUint64(ptr[:], metaStart)
	require.NoError(t, back.Append(ptr[:]))

	super := testSuperBlock()
	super.FragmentCount = 1
	super.FragmentTableStart = tableStart
	super.BytesUsed = uint64(back.Size())

	size := uint32(3*4096 + 500)
	inode := &Inode{
		Base: inodeBase(disk.InodeFile, 0o644, 42),
		Data: &disk.InodeFileData{
			BlocksStart:    blocksStart,
			FragmentIndex:  0,
			FragmentOffset: 100,
			Size:           size,
		},
		BlockSizes: []uint32{rec0, 0, rec2},
	}

	var want []byte
	want = append(want, block0...)
	want = append(want, make([]byte, 4096)...)
	want = append(want, block2...)
	want = append(want, tail...)
	return back, super, inode, want
}

func TestDataReaderFetch(t *testing.T) {
	back, super, inode, want := buildDataImage(t)

	d, err := NewDataReader(back, testCompressor(t), super)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		blk, err := d.FetchBlock(inode, i)
		require.NoError(t, err)
		require.Equal(t, want[i*4096:(i+1)*4096], blk, "block %d", i)
	}

	frag, err := d.FetchFragment(inode)
	require.NoError(t, err)
	require.Equal(t, want[3*4096:], frag)

	_, err = d.FetchBlock(inode, 3)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDataReaderBadFragment(t *testing.T) {
	back, super, inode, _ := buildDataImage(t)

	d, err := NewDataReader(back, testCompressor(t), super)
	require.NoError(t, err)

	data := *inode.Data.(*disk.InodeFileData)
	data.FragmentIndex = 5
	bad := *inode
	bad.Data = &data
	_, err = d.FetchFragment(&bad)
	require.ErrorIs(t, err, ErrCorrupt)

	data.FragmentIndex = disk.NoFragment
	_, err = d.FetchFragment(&bad)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestExtract(t *testing.T) {
	back, super, inode, want := buildDataImage(t)

	d, err := NewDataReader(back, testCompressor(t), super)
	require.NoError(t, err)

	out := NewMemoryBackend()
	require.NoError(t, Extract(inode, out, super.BlockSize, false, d, d))

	require.Equal(t, int64(len(want)), out.Size())
	got := make([]byte, len(want))
	_, err = out.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

type recordingSink struct {
	Backend
	writes []int64
}

func (r *recordingSink) WriteAt(p []byte, off int64) (int, error) {
	r.writes = append(r.writes, off)
	return r.Backend.WriteAt(p, off)
}

func TestExtractSparse(t *testing.T) {
	back, super, inode, want := buildDataImage(t)

	d, err := NewDataReader(back, testCompressor(t), super)
	require.NoError(t, err)

	out := &recordingSink{Backend: NewMemoryBackend()}
	require.NoError(t, Extract(inode, out, super.BlockSize, true, d, d))

	// the all-zero second block must be skipped, not written
	require.Equal(t, []int64{0, 8192, 12288}, out.writes)
	require.Equal(t, int64(len(want)), out.Size())

	got := make([]byte, len(want))
	_, err = out.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestExtractNotAFile(t *testing.T) {
	inode := &Inode{
		Base: inodeBase(disk.InodeDir, 0o755, 1),
		Data: &disk.InodeDirData{Size: 3},
	}
	err := Extract(inode, NewMemoryBackend(), 4096, false, nil, nil)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReadIDTable(t *testing.T) {
	cmp := testCompressor(t)
	back := NewMemoryBackend()

	// enough ids to spill into a second meta block
	ids := make([]uint32, 3000)
	for i := range ids {
		ids[i] = uint32(1000 + i)
	}

	metaStart := uint64(back.Size())
	mw := NewMetaWriter(back, cmp, false)
	appendBinary(t, mw, ids[:disk.IDsPerBlock])
	require.NoError(t, mw.Flush())
	second, _ := mw.Position()
	appendBinary(t, mw, ids[disk.IDsPerBlock:])
	require.NoError(t, mw.Flush())

	tableStart := uint64(back.Size())
	var ptrs [16]byte
	binary.LittleEndian.PutUint64(ptrs[0:], metaStart)
	binary.LittleEndian.PutUint64(ptrs[8:], metaStart+second)
	require.NoError(t, back.Append(ptrs[:]))

	super := testSuperBlock()
	super.IDCount = uint16(len(ids))
	super.IDTableStart = tableStart

	got, err := readIDTable(back, cmp, super)
	require.NoError(t, err)
	require.Equal(t, ids, got)

	super.IDCount = 0
	got, err = readIDTable(back, cmp, super)
	require.NoError(t, err)
	require.Nil(t, got)
}

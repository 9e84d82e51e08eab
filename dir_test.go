package squashfs

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// writes a directory listing of two chunks (256 plus 44 entries) and
// returns the directory inode plus the expected decoded entries. Names
// are padded so the listing spans several meta blocks.
func writeTestDir(t *testing.T, mw *MetaWriter) (*Inode, []DirEntry) {
	t.Helper()

	startBlock, startOffset := mw.Position()
	var want []DirEntry
	size := 0

	writeChunk := func(count int, inodeBlock uint32, inumBase uint32, diffBase int) {
		appendBinary(t, mw, disk.DirHeader{
			Count:       uint16(count - 1),
			StartBlock:  inodeBlock,
			InodeNumber: inumBase,
		})
		size += disk.SizeDirHeader

		for i := 0; i < count; i++ {
			name := fmt.Sprintf("entry-%04d-%s", len(want), strings.Repeat("x", 24))
			diff := int16(diffBase + i)
			appendBinary(t, mw, disk.DirEntry{
				Offset:    uint16(100 + i),
				InodeDiff: diff,
				Type:      disk.InodeFile,
				NameLen:   uint16(len(name) - 1),
			}, []byte(name))
			size += disk.SizeDirEntry + len(name)

			want = append(want, DirEntry{
				Name:  name,
				Type:  disk.InodeFile,
				Inode: uint32(int64(inumBase) + int64(diff)),
				Ref:   BlockRef{Block: uint64(inodeBlock), Offset: uint32(100 + i)},
			})
		}
	}
	writeChunk(disk.MaxDirEntries, 0, 1000, 0)
	writeChunk(44, 8194, 5000, -20)
	require.NoError(t, mw.Flush())

	inode := &Inode{
		Base: inodeBase(disk.InodeDir, 0o755, 1),
		Data: &disk.InodeDirData{
			StartBlock: uint32(startBlock),
			Nlink:      2,
			Size:       uint16(size + 3),
			Offset:     uint16(startOffset),
		},
	}
	return inode, want
}

func TestReaddir(t *testing.T) {
	super := testSuperBlock()
	super.DirectoryTableStart = 0

	back := NewMemoryBackend()
	inode, want := writeTestDir(t, NewMetaWriter(back, testCompressor(t), false))

	m := NewMetaReader(back, testCompressor(t), 0, uint64(back.Size()))
	state, err := NewReaddirState(super, inode)
	require.NoError(t, err)

	var got []DirEntry
	for {
		ent, err := m.Readdir(state)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, *ent)
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i], got[i], "entry %d", i)
	}

	// a reset state replays the listing from the start
	state.Reset()
	ent, err := m.Readdir(state)
	require.NoError(t, err)
	require.Equal(t, want[0], *ent)
}

func TestReaddirInterleaved(t *testing.T) {
	super := testSuperBlock()
	super.DirectoryTableStart = 0

	back := NewMemoryBackend()
	inode, want := writeTestDir(t, NewMetaWriter(back, testCompressor(t), false))

	m := NewMetaReader(back, testCompressor(t), 0, uint64(back.Size()))

	lead, err := NewReaddirState(super, inode)
	require.NoError(t, err)

	// advance one cursor, copy it, then step both against the same
	// reader in lockstep
	for i := 0; i < 10; i++ {
		_, err := m.Readdir(lead)
		require.NoError(t, err)
	}
	trail := *lead

	for i := 10; i < len(want); i++ {
		ent, err := m.Readdir(lead)
		require.NoError(t, err)
		require.Equal(t, want[i], *ent, "lead entry %d", i)

		ent, err = m.Readdir(&trail)
		require.NoError(t, err)
		require.Equal(t, want[i], *ent, "trail entry %d", i)
	}
	_, err = m.Readdir(lead)
	require.Equal(t, io.EOF, err)
	_, err = m.Readdir(&trail)
	require.Equal(t, io.EOF, err)
}

func TestReaddirEmpty(t *testing.T) {
	super := testSuperBlock()
	super.DirectoryTableStart = 0

	// an empty directory stores only the 3 phantom bytes
	inode := &Inode{
		Base: inodeBase(disk.InodeDir, 0o755, 1),
		Data: &disk.InodeDirData{Size: 3, Nlink: 2},
	}

	m := NewMetaReader(NewMemoryBackendOf(make([]byte, 16)), testCompressor(t), 0, 16)
	state, err := NewReaddirState(super, inode)
	require.NoError(t, err)

	_, err = m.Readdir(state)
	require.Equal(t, io.EOF, err)
}

func TestReaddirTruncatedChunk(t *testing.T) {
	super := testSuperBlock()
	super.DirectoryTableStart = 0

	back := NewMemoryBackend()
	mw := NewMetaWriter(back, testCompressor(t), false)
	appendBinary(t, mw, disk.DirHeader{Count: 0, StartBlock: 0, InodeNumber: 1})
	require.NoError(t, mw.Flush())

	// claim more payload than a chunk header plus one entry
	inode := &Inode{
		Base: inodeBase(disk.InodeDir, 0o755, 1),
		Data: &disk.InodeDirData{Size: disk.SizeDirHeader + 4 + 3, Nlink: 2},
	}

	m := NewMetaReader(back, testCompressor(t), 0, uint64(back.Size()))
	state, err := NewReaddirState(super, inode)
	require.NoError(t, err)

	_, err = m.Readdir(state)
	require.Error(t, err)

	state.Reset()
	state.current.size = 4
	_, err = m.Readdir(state)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReaddirNotADirectory(t *testing.T) {
	super := testSuperBlock()

	inode := &Inode{
		Base: inodeBase(disk.InodeFile, 0o644, 1),
		Data: &disk.InodeFileData{Size: 10, FragmentIndex: disk.NoFragment},
	}
	_, err := NewReaddirState(super, inode)
	require.ErrorIs(t, err, ErrCorrupt)
}

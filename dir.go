package squashfs

import (
	"fmt"
	"io"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// DirEntry is a decoded directory entry with its inode number and inode
// location already resolved against the chunk header it came from.
type DirEntry struct {
	Name  string
	Type  uint16
	Inode uint32

	// Ref locates the entry's inode, relative to the inode table.
	Ref BlockRef
}

type readdirPos struct {
	block  uint64
	offset uint32

	// size is the number of uncompressed directory bytes left to
	// consume, headers included.
	size uint64
}

// ReaddirState is the iteration state for reading one directory. It is
// a plain value: copies are independent cursors, and any number of
// states can share a single MetaReader since Readdir re-seeks on every
// call. Concurrent Readdir calls against the same state instance need
// external synchronization.
type ReaddirState struct {
	init    readdirPos
	current readdirPos

	entries    uint16
	inumBase   uint32
	inodeBlock uint64
}

// NewReaddirState initializes a cursor from a directory inode. The
// returned state points at the directory's first chunk header and
// records its total uncompressed byte span.
func NewReaddirState(super *SuperBlock, inode *Inode) (*ReaddirState, error) {
	var start uint64
	var offset uint32
	var size uint64

	switch d := inode.Data.(type) {
	case *disk.InodeDirData:
		start = uint64(d.StartBlock)
		offset = uint32(d.Offset)
		size = uint64(d.Size)
	case *disk.InodeDirExtData:
		start = uint64(d.StartBlock)
		offset = uint32(d.Offset)
		size = uint64(d.Size)
	default:
		return nil, fmt.Errorf("inode %d (type %d) is not a directory: %w",
			inode.Base.Number, inode.Base.Type, ErrCorrupt)
	}

	// the stored size includes 3 phantom bytes for "." and ".."
	if size > 3 {
		size -= 3
	} else {
		size = 0
	}

	s := &ReaddirState{}
	s.init = readdirPos{
		block:  super.DirectoryTableStart + start,
		offset: offset,
		size:   size,
	}
	s.current = s.init
	return s, nil
}

// Reset rewinds the cursor back to the directory's first entry.
func (s *ReaddirState) Reset() {
	s.current = s.init
	s.entries = 0
}

func (s *ReaddirState) consume(m *MetaReader, n int) {
	s.current.block, s.current.offset = m.Position()
	if uint64(n) >= s.current.size {
		s.current.size = 0
	} else {
		s.current.size -= uint64(n)
	}
}

// Readdir returns the next entry of the directory s iterates, reading
// through m. It transparently decodes and skips chunk headers and
// re-seeks the reader on every call, so several states can share one
// reader interleaved. io.EOF is returned once the directory's recorded
// byte span is consumed.
func (m *MetaReader) Readdir(s *ReaddirState) (*DirEntry, error) {
	if s.entries == 0 {
		if s.current.size == 0 {
			return nil, io.EOF
		}
		if s.current.size < disk.SizeDirHeader {
			return nil, fmt.Errorf("%d trailing directory bytes: %w",
				s.current.size, ErrCorrupt)
		}
		if err := m.Seek(s.current.block, s.current.offset); err != nil {
			return nil, err
		}
		hdr, err := m.ReadDirHeader()
		if err != nil {
			return nil, err
		}
		s.entries = hdr.Count + 1
		s.inumBase = hdr.InodeNumber
		s.inodeBlock = uint64(hdr.StartBlock)
		s.consume(m, disk.SizeDirHeader)
	} else if err := m.Seek(s.current.block, s.current.offset); err != nil {
		return nil, err
	}

	ent, name, err := m.ReadDirEntry()
	if err != nil {
		return nil, err
	}
	s.entries--
	s.consume(m, disk.SizeDirEntry+len(name))

	return &DirEntry{
		Name:  string(name),
		Type:  ent.Type,
		Inode: uint32(int64(s.inumBase) + int64(ent.InodeDiff)),
		Ref:   BlockRef{Block: s.inodeBlock, Offset: uint32(ent.Offset)},
	}, nil
}

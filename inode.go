package squashfs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"math"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// Inode is a decoded inode record. Base holds the header common to all
// variants, Data one of the disk.Inode*Data tail structs selected by
// the type tag. Regular files carry their block size records, symlinks
// their target path. A decoded Inode is an independent value owned by
// the caller.
type Inode struct {
	Base disk.InodeBase
	Data any

	// BlockSizes holds one size record per data block of a regular
	// file. A zero record marks a completely sparse block.
	BlockSizes []uint32

	// TargetPath is the link target of a symlink inode.
	TargetPath []byte
}

// IsDir reports whether the inode is a basic or extended directory.
func (i *Inode) IsDir() bool {
	return i.Base.Type == disk.InodeDir || i.Base.Type == disk.InodeExtDir
}

// IsRegular reports whether the inode is a basic or extended file.
func (i *Inode) IsRegular() bool {
	return i.Base.Type == disk.InodeFile || i.Base.Type == disk.InodeExtFile
}

// FileSize returns the byte-exact size of a regular file, the listing
// size of a directory or the target length of a symlink.
func (i *Inode) FileSize() uint64 {
	switch d := i.Data.(type) {
	case *disk.InodeFileData:
		return uint64(d.Size)
	case *disk.InodeFileExtData:
		return d.Size
	case *disk.InodeDirData:
		return uint64(d.Size)
	case *disk.InodeDirExtData:
		return uint64(d.Size)
	case *disk.InodeSymlinkData:
		return uint64(d.TargetSize)
	case *disk.InodeSymlinkExtData:
		return uint64(d.TargetSize)
	default:
		return 0
	}
}

// Fragment returns the fragment index and in-fragment offset of a
// regular file. ok is false if the inode is not a file or its tail is
// not packed into a fragment.
func (i *Inode) Fragment() (index, offset uint32, ok bool) {
	switch d := i.Data.(type) {
	case *disk.InodeFileData:
		return d.FragmentIndex, d.FragmentOffset, d.FragmentIndex != disk.NoFragment
	case *disk.InodeFileExtData:
		return d.FragmentIndex, d.FragmentOffset, d.FragmentIndex != disk.NoFragment
	default:
		return 0, 0, false
	}
}

// BlocksStart returns the absolute offset of a regular file's first
// data block.
func (i *Inode) BlocksStart() uint64 {
	switch d := i.Data.(type) {
	case *disk.InodeFileData:
		return uint64(d.BlocksStart)
	case *disk.InodeFileExtData:
		return d.BlocksStart
	default:
		return 0
	}
}

// XattrIndex returns the inode's xattr table index, disk.NoXattr if the
// inode has none.
func (i *Inode) XattrIndex() uint32 {
	switch d := i.Data.(type) {
	case *disk.InodeDirExtData:
		return d.XattrIdx
	case *disk.InodeFileExtData:
		return d.XattrIdx
	case *disk.InodeSymlinkExtData:
		return d.XattrIdx
	case *disk.InodeDevExtData:
		return d.XattrIdx
	case *disk.InodeIPCExtData:
		return d.XattrIdx
	default:
		return disk.NoXattr
	}
}

// Nlink returns the inode's hard link count. Basic file inodes do not
// store one and report 1.
func (i *Inode) Nlink() uint32 {
	switch d := i.Data.(type) {
	case *disk.InodeDirData:
		return d.Nlink
	case *disk.InodeDirExtData:
		return d.Nlink
	case *disk.InodeFileExtData:
		return d.Nlink
	case *disk.InodeSymlinkData:
		return d.Nlink
	case *disk.InodeSymlinkExtData:
		return d.Nlink
	case *disk.InodeDevData:
		return d.Nlink
	case *disk.InodeDevExtData:
		return d.Nlink
	case *disk.InodeIPCData:
		return d.Nlink
	case *disk.InodeIPCExtData:
		return d.Nlink
	default:
		return 1
	}
}

// Devno returns the device number of a block or character device inode.
func (i *Inode) Devno() uint32 {
	switch d := i.Data.(type) {
	case *disk.InodeDevData:
		return d.Devno
	case *disk.InodeDevExtData:
		return d.Devno
	default:
		return 0
	}
}

// Mode returns the inode's type and permission bits as an fs.FileMode.
func (i *Inode) Mode() fs.FileMode {
	mode := fs.FileMode(i.Base.Mode & 0777)
	if i.Base.Mode&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if i.Base.Mode&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if i.Base.Mode&0o1000 != 0 {
		mode |= fs.ModeSticky
	}

	switch i.Base.Type {
	case disk.InodeDir, disk.InodeExtDir:
		mode |= fs.ModeDir
	case disk.InodeSymlink, disk.InodeExtSymlink:
		mode |= fs.ModeSymlink
	case disk.InodeBlockDev, disk.InodeExtBlockDev:
		mode |= fs.ModeDevice
	case disk.InodeCharDev, disk.InodeExtCharDev:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case disk.InodeFifo, disk.InodeExtFifo:
		mode |= fs.ModeNamedPipe
	case disk.InodeSocket, disk.InodeExtSocket:
		mode |= fs.ModeSocket
	}
	return mode
}

// blockCount derives the number of block size records from the file
// size: a trailing remainder packed into a fragment does not get a
// record of its own.
func blockCount(size uint64, blockSize uint32, hasFragment bool) (int, error) {
	count := size / uint64(blockSize)
	if !hasFragment && size%uint64(blockSize) != 0 {
		count++
	}
	if count > math.MaxInt32 {
		return 0, fmt.Errorf("file of %d bytes needs %d block records: %w",
			size, count, ErrOverflow)
	}
	return int(count), nil
}

func (m *MetaReader) readStruct(v any, size int) error {
	// 40 bytes covers the largest inode tail (extended file)
	var raw [40]byte
	if _, err := m.Read(raw[:size]); err != nil {
		return err
	}
	_, err := binary.Decode(raw[:size], binary.LittleEndian, v)
	return err
}

// ReadInode seeks to the given position, relative to the inode table,
// and decodes the inode record found there. Unknown type tags fail
// with ErrCorrupt.
func (m *MetaReader) ReadInode(super *SuperBlock, ref BlockRef) (*Inode, error) {
	if err := m.Seek(super.InodeTableStart+ref.Block, ref.Offset); err != nil {
		return nil, err
	}

	inode := &Inode{}
	if err := m.readStruct(&inode.Base, disk.SizeInodeBase); err != nil {
		return nil, err
	}

	switch inode.Base.Type {
	case disk.InodeDir:
		d := &disk.InodeDirData{}
		if err := m.readStruct(d, 16); err != nil {
			return nil, err
		}
		inode.Data = d
	case disk.InodeExtDir:
		d := &disk.InodeDirExtData{}
		if err := m.readStruct(d, 24); err != nil {
			return nil, err
		}
		inode.Data = d
	case disk.InodeFile:
		d := &disk.InodeFileData{}
		if err := m.readStruct(d, 16); err != nil {
			return nil, err
		}
		inode.Data = d
		hasFrag := d.FragmentIndex != disk.NoFragment
		if err := m.readBlockSizes(inode, uint64(d.Size), super.BlockSize, hasFrag); err != nil {
			return nil, err
		}
	case disk.InodeExtFile:
		d := &disk.InodeFileExtData{}
		if err := m.readStruct(d, 40); err != nil {
			return nil, err
		}
		inode.Data = d
		hasFrag := d.FragmentIndex != disk.NoFragment
		if err := m.readBlockSizes(inode, d.Size, super.BlockSize, hasFrag); err != nil {
			return nil, err
		}
	case disk.InodeSymlink, disk.InodeExtSymlink:
		d := &disk.InodeSymlinkData{}
		if err := m.readStruct(d, 8); err != nil {
			return nil, err
		}
		if d.TargetSize == 0 || d.TargetSize >= 1<<16 {
			return nil, fmt.Errorf("symlink with target of %d bytes: %w",
				d.TargetSize, ErrCorrupt)
		}
		inode.TargetPath = make([]byte, d.TargetSize)
		if _, err := m.Read(inode.TargetPath); err != nil {
			return nil, err
		}
		if inode.Base.Type == disk.InodeExtSymlink {
			// the xattr index trails the target path
			var xattr [4]byte
			if _, err := m.Read(xattr[:]); err != nil {
				return nil, err
			}
			inode.Data = &disk.InodeSymlinkExtData{
				Nlink:      d.Nlink,
				TargetSize: d.TargetSize,
				XattrIdx:   binary.LittleEndian.Uint32(xattr[:]),
			}
		} else {
			inode.Data = d
		}
	case disk.InodeBlockDev, disk.InodeCharDev:
		d := &disk.InodeDevData{}
		if err := m.readStruct(d, 8); err != nil {
			return nil, err
		}
		inode.Data = d
	case disk.InodeExtBlockDev, disk.InodeExtCharDev:
		d := &disk.InodeDevExtData{}
		if err := m.readStruct(d, 12); err != nil {
			return nil, err
		}
		inode.Data = d
	case disk.InodeFifo, disk.InodeSocket:
		d := &disk.InodeIPCData{}
		if err := m.readStruct(d, 4); err != nil {
			return nil, err
		}
		inode.Data = d
	case disk.InodeExtFifo, disk.InodeExtSocket:
		d := &disk.InodeIPCExtData{}
		if err := m.readStruct(d, 8); err != nil {
			return nil, err
		}
		inode.Data = d
	default:
		return nil, fmt.Errorf("unknown inode type %d: %w", inode.Base.Type, ErrCorrupt)
	}

	return inode, nil
}

func (m *MetaReader) readBlockSizes(inode *Inode, size uint64, blockSize uint32, hasFragment bool) error {
	count, err := blockCount(size, blockSize, hasFragment)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	raw := make([]byte, count*4)
	if _, err := m.Read(raw); err != nil {
		return err
	}
	inode.BlockSizes = make([]uint32, count)
	for i := range inode.BlockSizes {
		inode.BlockSizes[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return nil
}

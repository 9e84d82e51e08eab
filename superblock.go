package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// SuperBlock is the decoded image super block. It describes the global
// layout: block size, compressor, table positions and object counts.
type SuperBlock struct {
	disk.SuperBlock
}

// ReadSuperBlock reads and validates the super block at the start of
// the image.
func ReadSuperBlock(r io.ReaderAt) (*SuperBlock, error) {
	var raw [disk.SuperBlockSize]byte
	n, err := r.ReadAt(raw[:], disk.SuperBlockOffset)
	if err != nil && (err != io.EOF || n != disk.SuperBlockSize) {
		return nil, fmt.Errorf("failed to read super block: %w", err)
	}

	sb := &SuperBlock{}
	if _, err := binary.Decode(raw[:], binary.LittleEndian, &sb.SuperBlock); err != nil {
		return nil, err
	}
	if err := sb.validate(); err != nil {
		return nil, err
	}
	return sb, nil
}

func (sb *SuperBlock) validate() error {
	if sb.Magic != disk.Magic {
		return fmt.Errorf("invalid super block magic %x: %w", sb.Magic, ErrCorrupt)
	}
	if sb.VersionMajor != disk.VersionMajor || sb.VersionMinor != disk.VersionMinor {
		return fmt.Errorf("unsupported format version %d.%d: %w",
			sb.VersionMajor, sb.VersionMinor, ErrCorrupt)
	}
	if sb.BlockLog < disk.MinBlockSizeBits || sb.BlockLog > disk.MaxBlockSizeBits ||
		sb.BlockSize != 1<<sb.BlockLog {
		return fmt.Errorf("invalid block size %d (log %d): %w",
			sb.BlockSize, sb.BlockLog, ErrCorrupt)
	}
	if sb.InodeTableStart >= sb.DirectoryTableStart {
		return fmt.Errorf("inode table at %d overlaps directory table at %d: %w",
			sb.InodeTableStart, sb.DirectoryTableStart, ErrCorrupt)
	}
	return nil
}

// Encode serializes the super block into its 96 byte on-disk form.
func (sb *SuperBlock) Encode() ([]byte, error) {
	raw := make([]byte, disk.SuperBlockSize)
	if _, err := binary.Encode(raw, binary.LittleEndian, &sb.SuperBlock); err != nil {
		return nil, err
	}
	return raw, nil
}

// RootRef returns the block reference of the root inode, relative to
// the inode table start.
func (sb *SuperBlock) RootRef() BlockRef {
	return UnpackBlockRef(sb.RootInodeRef)
}

// DirectoryTableLimit returns the first byte offset past the directory
// table, used as the upper bound for directory meta readers. The table
// is followed by whichever of the optional tables is present first.
func (sb *SuperBlock) DirectoryTableLimit() uint64 {
	limit := sb.BytesUsed
	for _, start := range []uint64{
		sb.FragmentTableStart,
		sb.ExportTableStart,
		sb.IDTableStart,
		sb.XattrIDTableStart,
	} {
		if start != disk.NoTable && start > sb.DirectoryTableStart && start < limit {
			limit = start
		}
	}
	return limit
}

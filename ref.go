package squashfs

import "github.com/wsldankers/squashfs-tools-ng/internal/disk"

// BlockRef addresses a position inside a meta data table: the absolute
// start of a meta block and a byte offset into its uncompressed payload.
// It is kept as two fields internally and only packed into the single
// 64 bit on-disk form at serialization boundaries.
type BlockRef struct {
	Block  uint64
	Offset uint32
}

// Pack returns the on-disk form, the block start in the high 48 bits and
// the in-block offset in the low 16.
func (r BlockRef) Pack() uint64 {
	return r.Block<<16 | uint64(r.Offset)&0xFFFF
}

// UnpackBlockRef splits a packed 64 bit reference back into its parts.
func UnpackBlockRef(v uint64) BlockRef {
	return BlockRef{Block: v >> 16, Offset: uint32(v & 0xFFFF)}
}

// Valid reports whether the in-block offset fits a meta block.
func (r BlockRef) Valid() bool {
	return r.Offset < disk.MetaBlockSize
}

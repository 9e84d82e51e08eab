package disk

const (
	Magic            = 0x73717368
	VersionMajor     = 4
	VersionMinor     = 0
	SuperBlockSize   = 96
	SuperBlockOffset = 0

	// Meta data is stored in chunks of up to 8 KiB of uncompressed payload,
	// each preceded by a 16 bit little endian header. The low 15 bits hold
	// the on-disk payload length, the top bit is set if the payload is
	// stored uncompressed.
	MetaBlockSize  = 8192
	MetaHeaderSize = 2
	MetaRawFlag    = 0x8000
	MetaLengthMask = 0x7FFF

	// A data block size record is a 32 bit value: zero marks a completely
	// sparse block, otherwise the low 24 bits hold the on-disk length and
	// bit 24 is set if the block is stored uncompressed.
	DataRawFlag  = 1 << 24
	DataSizeMask = (1 << 24) - 1

	SizeInodeBase = 16
	SizeDirHeader = 10
	SizeDirEntry  = 8

	MaxDirEntries = 256
	MaxNameLen    = 256

	NoFragment = 0xFFFFFFFF
	NoXattr    = 0xFFFFFFFF
	NoTable    = 0xFFFFFFFFFFFFFFFF

	MinBlockSizeBits = 12
	MaxBlockSizeBits = 20
)

// Inode type tags. Values 1 to 7 are the basic variants, 8 to 14 the
// extended variants of the same types in the same order.
const (
	InodeDir = iota + 1
	InodeFile
	InodeSymlink
	InodeBlockDev
	InodeCharDev
	InodeFifo
	InodeSocket
	InodeExtDir
	InodeExtFile
	InodeExtSymlink
	InodeExtBlockDev
	InodeExtCharDev
	InodeExtFifo
	InodeExtSocket
)

// Compressor ids stored in the super block.
const (
	CompGzip = iota + 1
	CompLzma
	CompLzo
	CompXz
	CompLz4
	CompZstd
)

// Super block flags.
const (
	FlagUncompressedInodes = 1 << iota
	FlagUncompressedData
	FlagCheck
	FlagUncompressedFragments
	FlagNoFragments
	FlagAlwaysFragments
	FlagDuplicates
	FlagExportable
	FlagUncompressedXattrs
	FlagNoXattrs
	FlagCompressorOptions
	FlagUncompressedIDs
)

// SuperBlock is the on-disk super block found at the start of the image.
type SuperBlock struct {
	Magic               uint32
	InodeCount          uint32
	ModTime             uint32
	BlockSize           uint32
	FragmentCount       uint32
	Compressor          uint16
	BlockLog            uint16
	Flags               uint16
	IDCount             uint16
	VersionMajor        uint16
	VersionMinor        uint16
	RootInodeRef        uint64
	BytesUsed           uint64
	IDTableStart        uint64
	XattrIDTableStart   uint64
	InodeTableStart     uint64
	DirectoryTableStart uint64
	FragmentTableStart  uint64
	ExportTableStart    uint64
}

// InodeBase is the header common to all inode variants.
type InodeBase struct {
	Type    uint16
	Mode    uint16
	UIDIdx  uint16
	GIDIdx  uint16
	ModTime uint32
	Number  uint32
}

// InodeDirData is the tail of a basic directory inode. StartBlock and
// Offset locate the directory listing relative to the directory table,
// Size is the uncompressed listing size plus 3.
type InodeDirData struct {
	StartBlock  uint32
	Nlink       uint32
	Size        uint16
	Offset      uint16
	ParentInode uint32
}

// InodeDirExtData is the tail of an extended directory inode.
type InodeDirExtData struct {
	Nlink       uint32
	Size        uint32
	StartBlock  uint32
	ParentInode uint32
	IndexCount  uint16
	Offset      uint16
	XattrIdx    uint32
}

// InodeFileData is the tail of a basic regular file inode. It is followed
// on disk by one block size record per data block.
type InodeFileData struct {
	BlocksStart    uint32
	FragmentIndex  uint32
	FragmentOffset uint32
	Size           uint32
}

// InodeFileExtData is the tail of an extended regular file inode.
type InodeFileExtData struct {
	BlocksStart    uint64
	Size           uint64
	Sparse         uint64
	Nlink          uint32
	FragmentIndex  uint32
	FragmentOffset uint32
	XattrIdx       uint32
}

// InodeSymlinkData is the tail of a symlink inode, followed on disk by
// TargetSize bytes of link target.
type InodeSymlinkData struct {
	Nlink      uint32
	TargetSize uint32
}

// InodeSymlinkExtData is the decoded tail of an extended symlink inode.
// On disk the xattr index trails the link target, so the three fields
// are not contiguous.
type InodeSymlinkExtData struct {
	Nlink      uint32
	TargetSize uint32
	XattrIdx   uint32
}

// InodeDevData is the tail of a block or character device inode.
type InodeDevData struct {
	Nlink uint32
	Devno uint32
}

// InodeDevExtData is the tail of an extended device inode.
type InodeDevExtData struct {
	Nlink    uint32
	Devno    uint32
	XattrIdx uint32
}

// InodeIPCData is the tail of a fifo or socket inode.
type InodeIPCData struct {
	Nlink uint32
}

// InodeIPCExtData is the tail of an extended fifo or socket inode.
type InodeIPCExtData struct {
	Nlink    uint32
	XattrIdx uint32
}

// DirHeader introduces a chunk of up to 256 directory entries. Count is
// stored as the entry count minus one. StartBlock locates the meta block
// holding the entries' inodes, relative to the inode table, InodeNumber
// is the base the entries' deltas are applied to.
type DirHeader struct {
	Count       uint16
	StartBlock  uint32
	InodeNumber uint32
}

// DirEntry is a single directory entry record, followed on disk by
// NameLen plus one bytes of name. Offset is the position of the entry's
// inode inside its meta block, InodeDiff is added to the chunk header's
// base inode number.
type DirEntry struct {
	Offset    uint16
	InodeDiff int16
	Type      uint16
	NameLen   uint16
}

// FragmentEntry describes one fragment block. Size uses the same
// encoding as file data block size records.
type FragmentEntry struct {
	StartOffset uint64
	Size        uint32
	Pad         uint32
}

const SizeFragmentEntry = 16

// Entries per meta block in the indirectly addressed tables.
const IDsPerBlock = MetaBlockSize / 4

package squashfs

import (
	"errors"
	"io"
	"io/fs"
	"sync"
	"time"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// Stat is the squashfs specific stat data returned by Stat and FileInfo
// requests through Sys().
type Stat struct {
	Mode   fs.FileMode
	Size   int64
	Inode  uint32
	UID    uint32
	GID    uint32
	Rdev   uint32
	Nlink  uint32
	Target string
}

// FileSystem provides fs.FS access to a squashfs image. All metadata is
// resolved on demand through bounded meta readers; only the super
// block, the id table and the fragment table are loaded up front.
type FileSystem struct {
	sb   *SuperBlock
	file io.ReaderAt
	cmp  Compressor
	ids  []uint32

	inoPool sync.Pool
	dirPool sync.Pool

	// the data reader's scratch buffers are shared by all open files
	mu   sync.Mutex
	data *DataReader
}

// Option configures opening an image.
type Option func(*options)

type options struct {
	cmp Compressor
}

// WithCompressor overrides the compressor implied by the super block,
// e.g. to plug in a codec this library does not ship.
func WithCompressor(cmp Compressor) Option {
	return func(o *options) {
		o.cmp = cmp
	}
}

// New returns a FileSystem reading from the given readerat, which must
// contain a valid squashfs image. Unless overridden, the compressor is
// chosen from the super block; images using a compressor this library
// does not implement fail with ErrNotImplemented.
func New(r io.ReaderAt, opts ...Option) (*FileSystem, error) {
	sb, err := ReadSuperBlock(r)
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cmp := o.cmp
	if cmp == nil {
		if cmp, err = NewCompressor(sb.Compressor); err != nil {
			return nil, err
		}
	}
	ids, err := readIDTable(r, cmp, sb)
	if err != nil {
		return nil, err
	}
	data, err := NewDataReader(r, cmp, sb)
	if err != nil {
		return nil, err
	}

	fsys := &FileSystem{
		sb:   sb,
		file: r,
		cmp:  cmp,
		ids:  ids,
		data: data,
	}
	fsys.inoPool.New = func() any {
		return NewMetaReader(r, cmp, sb.InodeTableStart, sb.DirectoryTableStart)
	}
	fsys.dirPool.New = func() any {
		return NewMetaReader(r, cmp, sb.DirectoryTableStart, sb.DirectoryTableLimit())
	}
	return fsys, nil
}

// SuperBlock returns the image's decoded super block.
func (fsys *FileSystem) SuperBlock() *SuperBlock {
	return fsys.sb
}

// ReadInode decodes the inode at the given reference, relative to the
// inode table.
func (fsys *FileSystem) ReadInode(ref BlockRef) (*Inode, error) {
	m := fsys.inoPool.Get().(*MetaReader)
	defer fsys.inoPool.Put(m)
	return m.ReadInode(fsys.sb, ref)
}

// id resolves an id table index, returning 0 for indices the table does
// not cover.
func (fsys *FileSystem) id(idx uint16) uint32 {
	if int(idx) >= len(fsys.ids) {
		return 0
	}
	return fsys.ids[idx]
}

// lookup scans the directory described by inode for one entry.
func (fsys *FileSystem) lookup(inode *Inode, name string) (*DirEntry, error) {
	state, err := NewReaddirState(fsys.sb, inode)
	if err != nil {
		return nil, err
	}

	m := fsys.dirPool.Get().(*MetaReader)
	defer fsys.dirPool.Put(m)

	for {
		ent, err := m.Readdir(state)
		if errors.Is(err, io.EOF) {
			return nil, fs.ErrNotExist
		}
		if err != nil {
			return nil, err
		}
		if ent.Name == name {
			return ent, nil
		}
	}
}

// resolve walks name component by component from the root inode and
// returns the decoded inode together with the path's base name.
func (fsys *FileSystem) resolve(name string) (*Inode, string, error) {
	if !fs.ValidPath(name) {
		return nil, "", fs.ErrInvalid
	}

	inode, err := fsys.ReadInode(fsys.sb.RootRef())
	if err != nil {
		return nil, "", err
	}

	base := "."
	rest := name
	if name == "." {
		rest = ""
	}
	for rest != "" {
		sep := 0
		for sep < len(rest) && rest[sep] != '/' {
			sep++
		}
		component := rest[:sep]
		if sep < len(rest) {
			rest = rest[sep+1:]
		} else {
			rest = ""
		}

		if !inode.IsDir() {
			return nil, "", fs.ErrNotExist
		}
		ent, err := fsys.lookup(inode, component)
		if err != nil {
			return nil, "", err
		}
		if inode, err = fsys.ReadInode(ent.Ref); err != nil {
			return nil, "", err
		}
		base = component
	}
	return inode, base, nil
}

// Lookup resolves a slash separated path to its decoded inode.
func (fsys *FileSystem) Lookup(name string) (*Inode, error) {
	inode, _, err := fsys.resolve(name)
	return inode, err
}

// ExtractTo writes a regular file inode's content to out using the
// image's own data reader.
func (fsys *FileSystem) ExtractTo(inode *Inode, out Sink, allowSparse bool) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return Extract(inode, out, fsys.sb.BlockSize, allowSparse, fsys.data, fsys.data)
}

func (fsys *FileSystem) Open(name string) (fs.File, error) {
	inode, base, err := fsys.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	f := file{fsys: fsys, name: base, inode: inode}
	if inode.IsDir() {
		return &dir{file: f}, nil
	}
	return &f, nil
}

type file struct {
	fsys  *FileSystem
	name  string
	inode *Inode

	// offset is the read cursor; open files must not be used from
	// multiple goroutines concurrently
	offset int64
}

func (f *file) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: f.name, inode: f.inode, fsys: f.fsys}, nil
}

func (f *file) Read(p []byte) (int, error) {
	if !f.inode.IsRegular() {
		return 0, &fs.PathError{Op: "read", Path: f.name, Err: fs.ErrInvalid}
	}

	size := int64(f.inode.FileSize())
	blockSize := int64(f.fsys.sb.BlockSize)

	var n int
	for len(p) > 0 {
		if f.offset >= size {
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}

		index := int(f.offset / blockSize)
		f.fsys.mu.Lock()
		var blk []byte
		var err error
		if index < len(f.inode.BlockSizes) {
			blk, err = f.fsys.data.FetchBlock(f.inode, index)
		} else {
			blk, err = f.fsys.data.FetchFragment(f.inode)
		}
		if err != nil {
			f.fsys.mu.Unlock()
			return n, err
		}
		// copy while holding the lock, blk aliases shared scratch
		copied := copy(p, blk[f.offset%blockSize:])
		f.fsys.mu.Unlock()

		n += copied
		p = p[copied:]
		f.offset += int64(copied)
	}
	return n, nil
}

func (f *file) Close() error {
	return nil
}

type dir struct {
	file
	state *ReaddirState
}

func (d *dir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.state == nil {
		state, err := NewReaddirState(d.fsys.sb, d.inode)
		if err != nil {
			return nil, err
		}
		d.state = state
	}

	m := d.fsys.dirPool.Get().(*MetaReader)
	defer d.fsys.dirPool.Put(m)

	var ents []fs.DirEntry
	for n <= 0 || len(ents) < n {
		ent, err := m.Readdir(d.state)
		if errors.Is(err, io.EOF) {
			if n > 0 && len(ents) == 0 {
				return nil, io.EOF
			}
			return ents, nil
		}
		if err != nil {
			return ents, err
		}
		ents = append(ents, &direntry{ent: ent, fsys: d.fsys})
	}
	return ents, nil
}

type direntry struct {
	ent  *DirEntry
	fsys *FileSystem
}

func (d *direntry) Name() string {
	return d.ent.Name
}

func (d *direntry) IsDir() bool {
	return d.ent.Type == disk.InodeDir || d.ent.Type == disk.InodeExtDir
}

func (d *direntry) Type() fs.FileMode {
	switch d.ent.Type {
	case disk.InodeDir, disk.InodeExtDir:
		return fs.ModeDir
	case disk.InodeSymlink, disk.InodeExtSymlink:
		return fs.ModeSymlink
	case disk.InodeBlockDev, disk.InodeExtBlockDev:
		return fs.ModeDevice
	case disk.InodeCharDev, disk.InodeExtCharDev:
		return fs.ModeDevice | fs.ModeCharDevice
	case disk.InodeFifo, disk.InodeExtFifo:
		return fs.ModeNamedPipe
	case disk.InodeSocket, disk.InodeExtSocket:
		return fs.ModeSocket
	default:
		return 0
	}
}

func (d *direntry) Info() (fs.FileInfo, error) {
	inode, err := d.fsys.ReadInode(d.ent.Ref)
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: d.ent.Name, inode: inode, fsys: d.fsys}, nil
}

type fileInfo struct {
	name  string
	inode *Inode
	fsys  *FileSystem
}

func (fi *fileInfo) Name() string {
	return fi.name
}

func (fi *fileInfo) Size() int64 {
	if !fi.inode.IsRegular() {
		return 0
	}
	return int64(fi.inode.FileSize())
}

func (fi *fileInfo) Mode() fs.FileMode {
	return fi.inode.Mode()
}

func (fi *fileInfo) ModTime() time.Time {
	return time.Unix(int64(fi.inode.Base.ModTime), 0)
}

func (fi *fileInfo) IsDir() bool {
	return fi.inode.IsDir()
}

func (fi *fileInfo) Sys() any {
	return &Stat{
		Mode:   fi.inode.Mode(),
		Size:   int64(fi.inode.FileSize()),
		Inode:  fi.inode.Base.Number,
		UID:    fi.fsys.id(fi.inode.Base.UIDIdx),
		GID:    fi.fsys.id(fi.inode.Base.GIDIdx),
		Rdev:   fi.inode.Devno(),
		Nlink:  fi.inode.Nlink(),
		Target: string(fi.inode.TargetPath),
	}
}

var _ fs.FS = (*FileSystem)(nil)

package squashfs

import (
	"fmt"
	"io"
	"os"
)

// Backend abstracts random access to the image being read or written.
// It allows the block access engine to work with regular files, memory
// buffers or anything else that supports positioned reads and writes.
type Backend interface {
	io.ReaderAt

	// WriteAt writes len(p) bytes at the given offset, growing the
	// backing store if necessary.
	WriteAt(p []byte, off int64) (int, error)

	// Append writes p at the current end of the backing store.
	Append(p []byte) error

	// Truncate resizes the backing store to exactly size bytes.
	Truncate(size int64) error

	// Size returns the current size of the backing store.
	Size() int64
}

// fileBackend implements Backend on a regular file.
type fileBackend struct {
	f    *os.File
	size int64
}

var _ Backend = (*fileBackend)(nil)

// OpenFile opens the file at path read-only and wraps it in a Backend.
func OpenFile(path string) (Backend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	return &fileBackend{f: f, size: fi.Size()}, nil
}

// CreateFile creates or truncates the file at path and wraps it in a
// Backend suitable for writing a new image.
func CreateFile(path string) (Backend, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	return &fileBackend{f: f}, nil
}

// NewFileBackend wraps an already opened file. size must be the current
// file size.
func NewFileBackend(f *os.File, size int64) Backend {
	return &fileBackend{f: f, size: size}
}

func (fb *fileBackend) ReadAt(p []byte, off int64) (int, error) {
	return fb.f.ReadAt(p, off)
}

func (fb *fileBackend) WriteAt(p []byte, off int64) (int, error) {
	n, err := fb.f.WriteAt(p, off)
	if err != nil {
		return n, fmt.Errorf("image write error: %w", err)
	}
	if off+int64(n) > fb.size {
		fb.size = off + int64(n)
	}
	return n, nil
}

func (fb *fileBackend) Append(p []byte) error {
	_, err := fb.WriteAt(p, fb.size)
	return err
}

func (fb *fileBackend) Truncate(size int64) error {
	if err := fb.f.Truncate(size); err != nil {
		return fmt.Errorf("image resize error: %w", err)
	}
	fb.size = size
	return nil
}

func (fb *fileBackend) Size() int64 {
	return fb.size
}

// Close closes the underlying file.
func (fb *fileBackend) Close() error {
	return fb.f.Close()
}

// memoryBackend implements Backend on a byte slice. Used by tests and
// for building small images entirely in memory.
type memoryBackend struct {
	data []byte
}

var _ Backend = (*memoryBackend)(nil)

// NewMemoryBackend returns an empty in-memory Backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{}
}

// NewMemoryBackendOf wraps an existing image held in memory.
func NewMemoryBackendOf(data []byte) Backend {
	return &memoryBackend{data: data}
}

func (m *memoryBackend) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, fmt.Errorf("read at %d out of range (size %d): %w", off, len(m.data), io.EOF)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (m *memoryBackend) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("write at negative offset %d", off)
	}
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}

func (m *memoryBackend) Append(p []byte) error {
	m.data = append(m.data, p...)
	return nil
}

func (m *memoryBackend) Truncate(size int64) error {
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
	return nil
}

func (m *memoryBackend) Size() int64 {
	return int64(len(m.data))
}

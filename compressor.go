package squashfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/wsldankers/squashfs-tools-ng/internal/disk"
)

// Compressor packs and unpacks single blocks. Implementations are not
// required to be safe for concurrent use; every reader and writer owns
// its own view of the blocks it works on and callers sharing one
// compressor across goroutines must serialize access themselves.
type Compressor interface {
	// Compress returns the packed form of src. The caller only uses the
	// result if it is strictly smaller than src, so implementations do
	// not need to handle the incompressible case specially.
	Compress(src []byte) ([]byte, error)

	// Decompress unpacks src into dst and returns the filled prefix of
	// dst. If the unpacked data does not fit dst, ErrOverflow is
	// returned.
	Decompress(src, dst []byte) ([]byte, error)
}

// NewCompressor returns a compressor for the given super block
// compressor id. Ids without an implementation in this library return
// ErrNotImplemented.
func NewCompressor(id uint16) (Compressor, error) {
	switch id {
	case disk.CompGzip:
		return newZlibCompressor(), nil
	case disk.CompZstd:
		return newZstdCompressor()
	case disk.CompLzma, disk.CompLzo, disk.CompXz, disk.CompLz4:
		return nil, fmt.Errorf("compressor id %d: %w", id, ErrNotImplemented)
	default:
		return nil, fmt.Errorf("unknown compressor id %d: %w", id, ErrCorrupt)
	}
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompressor, err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompressor, err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (c *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

func (c *zstdCompressor) Decompress(src, dst []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompressor, err)
	}
	if len(out) > len(dst) {
		return nil, fmt.Errorf("unpacked block of %d bytes: %w", len(out), ErrOverflow)
	}
	return out, nil
}

type zlibCompressor struct {
	buf bytes.Buffer
	w   *zlib.Writer
}

func newZlibCompressor() *zlibCompressor {
	c := &zlibCompressor{}
	c.w = zlib.NewWriter(&c.buf)
	return c
}

func (c *zlibCompressor) Compress(src []byte) ([]byte, error) {
	c.buf.Reset()
	c.w.Reset(&c.buf)
	if _, err := c.w.Write(src); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompressor, err)
	}
	if err := c.w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompressor, err)
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

func (c *zlibCompressor) Decompress(src, dst []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompressor, err)
	}
	defer r.Close()

	n, err := io.ReadFull(r, dst)
	switch err {
	case nil:
		// dst is full, anything left over does not fit
		var extra [1]byte
		if m, _ := r.Read(extra[:]); m > 0 {
			return nil, fmt.Errorf("unpacked block exceeds %d bytes: %w", len(dst), ErrOverflow)
		}
		return dst, nil
	case io.EOF, io.ErrUnexpectedEOF:
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrCompressor, err)
	}
}

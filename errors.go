package squashfs

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Errors
var (
	// ErrCorrupt occurs when a decoded on-disk value is implausible: an
	// oversized meta block header, an out-of-range entry count or name
	// length, an unknown inode type. Whether the image is actually damaged
	// or was never valid is up to the caller to decide.
	// This error may be wrapped with more details.
	ErrCorrupt = fmt.Errorf("corrupt image data: %w", errdefs.ErrDataLoss)

	// ErrOutOfBounds occurs when a seek target lies outside the byte range
	// a meta reader was created for.
	ErrOutOfBounds = fmt.Errorf("address out of bounds: %w", errdefs.ErrOutOfRange)

	// ErrCompressor occurs when the underlying compressor fails to pack
	// or unpack a block.
	ErrCompressor = errors.New("compressor error")

	// ErrOverflow occurs when decoded content would exceed the fixed
	// scratch capacity of a reader or writer.
	ErrOverflow = errors.New("scratch buffer capacity exceeded")

	// ErrNotImplemented is returned when a feature is known but not
	// implemented yet by this library, such as a compressor id the image
	// declares that has no implementation here.
	ErrNotImplemented = errdefs.ErrNotImplemented
)

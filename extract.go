package squashfs

import (
	"fmt"

	"github.com/containerd/log"
)

// Sink receives extracted file content. *os.File satisfies it; so does
// the in-memory Backend.
type Sink interface {
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
}

// Extract writes the content of a regular file inode to out, fetching
// blocks and the fragment tail through the given sources.
//
// With allowSparse set the sink is pre-sized to the file size and
// sparse blocks are skipped instead of written, producing holes on
// filesystems that support them. Without it every byte, zero runs
// included, is written explicitly. Any fetch or write failure aborts
// extraction immediately; the sink contents are undefined afterwards.
func Extract(inode *Inode, out Sink, blockSize uint32, allowSparse bool,
	frags FragmentSource, blocks BlockSource) error {
	if !inode.IsRegular() {
		return fmt.Errorf("inode %d (type %d) is not a file: %w",
			inode.Base.Number, inode.Base.Type, ErrCorrupt)
	}

	remaining := inode.FileSize()
	log.L.WithFields(log.Fields{
		"inode":  inode.Base.Number,
		"size":   remaining,
		"blocks": len(inode.BlockSizes),
		"sparse": allowSparse,
	}).Debug("extracting file")

	if allowSparse {
		if err := out.Truncate(int64(remaining)); err != nil {
			return fmt.Errorf("failed to pre-size sparse output: %w", err)
		}
	}

	var pos int64
	for i, rec := range inode.BlockSizes {
		if rec == 0 && allowSparse {
			diff := uint64(blockSize)
			if remaining < diff {
				diff = remaining
			}
			remaining -= diff
			pos += int64(diff)
			continue
		}

		blk, err := blocks.FetchBlock(inode, i)
		if err != nil {
			return fmt.Errorf("failed to fetch data block %d: %w", i, err)
		}
		if _, err := out.WriteAt(blk, pos); err != nil {
			return fmt.Errorf("failed to write data block %d: %w", i, err)
		}
		remaining -= uint64(len(blk))
		pos += int64(len(blk))
	}

	if remaining > 0 {
		blk, err := frags.FetchFragment(inode)
		if err != nil {
			return fmt.Errorf("failed to fetch fragment: %w", err)
		}
		if _, err := out.WriteAt(blk, pos); err != nil {
			return fmt.Errorf("failed to write fragment: %w", err)
		}
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/source"
	"github.com/bootforge/bootforge/types"
)

// Copier replicates the source tree onto the target filesystem on a
// dedicated worker. Cancellation is honored between chunks, never
// mid-syscall, and progress is reported at one-percent granularity.
type Copier struct {
	ChunkSize    int64
	LargeFilesOK bool
	Progress     ProgressSink
	cancelled    *atomic.Bool
	totalBytes   int64
	copiedBytes  int64
	lastPercent  int
}

func NewCopier(largeFilesOK bool, progress ProgressSink, cancelled *atomic.Bool) *Copier {
	if progress == nil {
		progress = NullProgress{}
	}
	if cancelled == nil {
		cancelled = &atomic.Bool{}
	}
	return &Copier{
		ChunkSize:    constants.CopyChunkSize,
		LargeFilesOK: largeFilesOK,
		Progress:     progress,
		cancelled:    cancelled,
		lastPercent:  -1,
	}
}

// CopyTree copies every file and directory under src into dst.
func (c *Copier) CopyTree(ctx context.Context, src, dst string) error {
	scan, err := source.ScanTree(src)
	if err != nil {
		return err
	}
	c.totalBytes = scan.TotalBytes
	c.copiedBytes = 0

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := c.checkCancelled(ctx); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		targetPath := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(targetPath, constants.DirPerm)
		}
		if !d.Type().IsRegular() {
			// Installation media carries no sockets or devices worth
			// reproducing; symlinks don't survive FAT anyway.
			return nil
		}
		return c.copyFile(ctx, path, targetPath)
	})
}

func (c *Copier) copyFile(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !c.LargeFilesOK && info.Size() >= constants.LargeFileThreshold {
		return fmt.Errorf("%w: %s is %d bytes", types.ErrLargeFileUnsupported, src, info.Size())
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, constants.FilePerm)
	if err != nil {
		return err
	}
	defer out.Close()

	for {
		if err := c.checkCancelled(ctx); err != nil {
			return err
		}
		n, err := io.CopyN(out, in, c.ChunkSize)
		c.copiedBytes += n
		c.reportProgress()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *Copier) checkCancelled(ctx context.Context) error {
	if c.cancelled.Load() || ctx.Err() != nil {
		return types.ErrCancelledByUser
	}
	return nil
}

func (c *Copier) reportProgress() {
	if c.totalBytes == 0 {
		return
	}
	percent := int(c.copiedBytes * 100 / c.totalBytes)
	if percent > 100 {
		percent = 100
	}
	if percent != c.lastPercent {
		c.lastPercent = percent
		c.Progress.OnProgress(StageFilesCopied, "Copying files", percent)
	}
}

// Package source handles the installation media: mounting it read-only,
// sizing its contents and spotting files FAT32 cannot hold.
package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"k8s.io/mount-utils"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/types"
)

type Manager struct {
	mounter mount.Interface
	logger  types.ForgeLogger
}

func NewManager(mounter mount.Interface, logger types.ForgeLogger) *Manager {
	if mounter == nil {
		mounter = mount.New("")
	}
	return &Manager{mounter: mounter, logger: logger}
}

// Mount makes the source readable under the returned path. ISO files loop-
// mount read-only under a fresh temp dir, block devices mount directly, and
// plain directories are used in place without mounting anything. The second
// return reports whether a mount was actually made; only then does the
// caller owe an Unmount.
func (m *Manager) Mount(source string) (string, bool, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", types.ErrMountFailed, err)
	}
	if info.IsDir() {
		m.logger.Logger.Info().Str("source", source).Msg("Using source directory in place")
		return source, false, nil
	}
	target, err := os.MkdirTemp("", "bootforge-source")
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", types.ErrMountFailed, err)
	}
	options := []string{"ro"}
	if info.Mode().IsRegular() {
		options = []string{"loop", "ro"}
	}
	m.logger.Logger.Info().Str("source", source).Str("target", target).Msg("Mounting source media")
	if err := m.mounter.Mount(source, target, "", options); err != nil {
		_ = os.RemoveAll(target)
		return "", false, fmt.Errorf("%w: %s: %v", types.ErrMountFailed, source, err)
	}
	return target, true, nil
}

// Scan sizes the source contents. ISO images are read directly through
// their ISO9660 metadata; if that fails, or for any other source, the
// mounted tree is walked instead.
func (m *Manager) Scan(source, mountpoint string) (Scan, error) {
	info, err := os.Stat(source)
	if err != nil {
		return Scan{}, err
	}
	if info.Mode().IsRegular() {
		scan, err := ScanISO(source, &m.logger)
		if err == nil {
			return scan, nil
		}
		m.logger.Logger.Debug().Err(err).Str("source", source).Msg("Direct image scan failed, walking the mounted tree")
	}
	return ScanTree(mountpoint)
}

// Unmount detaches a mount point made by Mount and removes the directory.
func (m *Manager) Unmount(target string) error {
	if err := m.mounter.Unmount(target); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrMountFailed, target, err)
	}
	return os.RemoveAll(target)
}

// Scan is what a walk over the source tree learned.
type Scan struct {
	TotalBytes int64
	FileCount  int
	// LargeFiles lists every file at or over the FAT32 single-file limit,
	// relative to the scanned root.
	LargeFiles []string
}

func (s Scan) HasLargeFiles() bool {
	return len(s.LargeFiles) > 0
}

// ScanTree walks a mounted source and records sizes. The large-file
// boundary is inclusive: exactly 4 GiB already needs a better filesystem.
func ScanTree(root string) (Scan, error) {
	var scan Scan
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		scan.FileCount++
		scan.TotalBytes += info.Size()
		if info.Size() >= constants.LargeFileThreshold {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				rel = path
			}
			scan.LargeFiles = append(scan.LargeFiles, rel)
		}
		return nil
	})
	return scan, err
}

// CheckFreeSpace verifies the filesystem under target can hold needed bytes.
func CheckFreeSpace(target string, needed int64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(target, &stat); err != nil {
		return err
	}
	free := int64(stat.Bavail) * stat.Bsize
	if free < needed {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", types.ErrInsufficientSpace, target, free, needed)
	}
	return nil
}

package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-diskfs"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/types"
)

// ScanISO inspects an ISO image directly, without mounting it, and returns
// the same scan a mounted-tree walk would. Useful when running without the
// privileges a loop mount needs.
func ScanISO(isoPath string, logger *types.ForgeLogger) (Scan, error) {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	var scan Scan
	disk, err := diskfs.Open(isoPath)
	if err != nil {
		return scan, fmt.Errorf("opening %s: %w", isoPath, err)
	}
	filesystem, err := disk.GetFilesystem(0)
	if err != nil {
		return scan, fmt.Errorf("reading filesystem of %s: %w", isoPath, err)
	}
	logger.Logger.Debug().Str("iso", isoPath).Msg("Scanning ISO contents")
	return ScanImage(filesystem)
}

// Tree lists the directories of an image filesystem. diskfs filesystems
// satisfy it directly.
type Tree interface {
	ReadDir(path string) ([]os.FileInfo, error)
}

// ScanImage walks an image filesystem through its own metadata and returns
// the same scan a mounted-tree walk would.
func ScanImage(tree Tree) (Scan, error) {
	var scan Scan
	err := scanImageDir(tree, "/", &scan)
	return scan, err
}

func scanImageDir(tree Tree, dir string, scan *Scan) error {
	entries, err := tree.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := scanImageDir(tree, full, scan); err != nil {
				return err
			}
			continue
		}
		scan.FileCount++
		scan.TotalBytes += entry.Size()
		if entry.Size() >= constants.LargeFileThreshold {
			scan.LargeFiles = append(scan.LargeFiles, strings.TrimPrefix(full, "/"))
		}
	}
	return nil
}

// ExtractFileFromISO copies a single file out of an ISO image to a local
// destination. file must be an absolute path inside the image.
func ExtractFileFromISO(file, iso, destination string, logger *types.ForgeLogger) error {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	log := logger.Logger.With().Str("file", file).Str("iso", iso).Str("destination", destination).Logger()
	if _, err := os.Stat(iso); err != nil {
		return fmt.Errorf("error checking on %s: %w", iso, err)
	}
	if !strings.HasPrefix(file, "/") || filepath.Clean(file) == "/" {
		return fmt.Errorf("%s is not a full path inside the image", file)
	}

	disk, err := diskfs.Open(iso)
	if err != nil {
		log.Error().Err(err).Msg("opening iso file")
		return err
	}
	filesystem, err := disk.GetFilesystem(0)
	if err != nil {
		log.Error().Err(err).Msg("getting filesystem")
		return err
	}
	isoFile, err := filesystem.OpenFile(file, os.O_RDONLY)
	if err != nil {
		log.Error().Err(err).Msg("opening file inside iso")
		return err
	}
	defer isoFile.Close()
	destFile, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		log.Error().Err(err).Msg("creating destination file")
		return err
	}
	defer destFile.Close()
	if _, err := io.Copy(destFile, isoFile); err != nil {
		log.Error().Err(err).Msg("copying file to destination")
		return err
	}
	log.Debug().Msg("File extracted from iso")
	return nil
}

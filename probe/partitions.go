package probe

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bootforge/bootforge/types"
)

// GetPartitions lists the partition nodes under one disk.
func GetPartitions(paths *Paths, diskName string, logger *types.ForgeLogger) []*Partition {
	if logger == nil {
		newLogger := types.NewNullLogger()
		logger = &newLogger
	}
	out := make([]*Partition, 0)
	path := filepath.Join(paths.SysBlock, diskName)
	files, err := os.ReadDir(path)
	if err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to read disk partitions")
		return out
	}
	for _, file := range files {
		fname := file.Name()
		if !strings.HasPrefix(fname, diskName) {
			continue
		}
		partitionPath := filepath.Join(diskName, fname)
		size := partitionSizeBytes(paths, partitionPath, logger)
		mp, pt := partitionInfo(paths, fname, logger)
		if pt == "" {
			pt = udevValue(paths, partitionPath, "ID_FS_TYPE", logger)
		}
		p := &Partition{
			Name:            fname,
			Path:            filepath.Join("/dev", fname),
			Disk:            filepath.Join("/dev", diskName),
			SizeBytes:       size,
			FS:              pt,
			FilesystemLabel: udevValue(paths, partitionPath, "ID_FS_LABEL", logger),
			UUID:            udevValue(paths, partitionPath, "ID_FS_UUID", logger),
			MountPoint:      mp,
		}
		out = append(out, p)
	}
	return out
}

// MountedPartitions returns the mount points currently backed by the disk or
// any of its partitions.
func MountedPartitions(paths *Paths, diskName string, logger *types.ForgeLogger) []string {
	var mounts []string
	for _, p := range GetPartitions(paths, diskName, logger) {
		if p.MountPoint != "" {
			mounts = append(mounts, p.MountPoint)
		}
	}
	return mounts
}

func partitionSizeBytes(paths *Paths, partitionPath string, logger *types.ForgeLogger) uint64 {
	path := filepath.Join(paths.SysBlock, partitionPath, "size")
	contents, err := os.ReadFile(path)
	if err != nil {
		logger.Logger.Error().Str("file", path).Err(err).Msg("Failed to read partition size")
		return 0
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		logger.Logger.Error().Str("contents", string(contents)).Err(err).Msg("Failed to parse partition size")
		return 0
	}
	return size * sectorSize
}

func udevValue(paths *Paths, partitionPath, key string, logger *types.ForgeLogger) string {
	info, err := udevInfoDevice(paths, partitionPath, logger)
	if err != nil {
		return UNKNOWN
	}
	if v, ok := info[key]; ok {
		return v
	}
	return UNKNOWN
}

func partitionInfo(paths *Paths, part string, logger *types.ForgeLogger) (string, string) {
	// Allow calling with either the full partition name "/dev/sda1" or "sda1"
	if !strings.HasPrefix(part, "/dev") {
		part = "/dev/" + part
	}

	r, err := os.Open(paths.ProcMounts)
	if err != nil {
		logger.Logger.Error().Str("file", paths.ProcMounts).Err(err).Msg("Failed to open mounts")
		return "", ""
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		entry := parseMountEntry(scanner.Text())
		if entry == nil || entry.Partition != part {
			continue
		}
		return entry.Mountpoint, entry.FilesystemType
	}
	return "", ""
}

type mountEntry struct {
	Partition      string
	Mountpoint     string
	FilesystemType string
}

func parseMountEntry(line string) *mountEntry {
	// mount entries for mounted partitions look like this:
	// /dev/sda6 / ext4 rw,relatime,errors=remount-ro,data=ordered 0 0
	if len(line) == 0 || line[0] != '/' {
		return nil
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil
	}

	// The mountpoint may contain space, tab and newline characters encoded
	// into the mount entry line as their octal representations.
	mp := fields[1]
	r := strings.NewReplacer(
		"\\011", "\t", "\\012", "\n", "\\040", " ", "\\\\", "\\",
	)
	mp = r.Replace(mp)

	return &mountEntry{
		Partition:      fields[0],
		Mountpoint:     mp,
		FilesystemType: fields[2],
	}
}

// Package probe reads the kernel's view of block devices from sysfs, the
// udev runtime database and /proc/mounts. The provisioner re-probes through
// it after destructive steps, and the session controller uses it for the
// busy check before touching a device.
package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bootforge/bootforge/types"
)

const (
	sectorSize = 512
	UNKNOWN    = "unknown"
)

type Paths struct {
	SysBlock    string
	RunUdevData string
	ProcMounts  string
}

func NewPaths(withOptionalPrefix string) *Paths {
	p := &Paths{
		SysBlock:    "/sys/block/",
		RunUdevData: "/run/udev/data",
		ProcMounts:  "/proc/mounts",
	}

	// Allow overriding the paths via env var. It has precedence over anything
	val, exists := os.LookupEnv("BOOTFORGE_CHROOT")
	if exists {
		val = strings.TrimSuffix(val, "/")
		p.SysBlock = fmt.Sprintf("%s%s", val, p.SysBlock)
		p.RunUdevData = fmt.Sprintf("%s%s", val, p.RunUdevData)
		p.ProcMounts = fmt.Sprintf("%s%s", val, p.ProcMounts)
		return p
	}

	if withOptionalPrefix != "" {
		withOptionalPrefix = strings.TrimSuffix(withOptionalPrefix, "/")
		p.SysBlock = fmt.Sprintf("%s%s", withOptionalPrefix, p.SysBlock)
		p.RunUdevData = fmt.Sprintf("%s%s", withOptionalPrefix, p.RunUdevData)
		p.ProcMounts = fmt.Sprintf("%s%s", withOptionalPrefix, p.ProcMounts)
	}
	return p
}

// Disk is one block device as the kernel currently sees it.
type Disk struct {
	Name       string
	SizeBytes  uint64
	UUID       string
	Removable  bool
	Class      types.DeviceClass
	Partitions []*Partition
}

// Partition is one partition node under a disk.
type Partition struct {
	Name            string
	Path            string
	Disk            string
	SizeBytes       uint64
	FS              string
	FilesystemLabel string
	UUID            string
	MountPoint      string
}

// GetDisks scans sysfs for whole disks and their partitions.
func GetDisks(paths *Paths, logger *types.ForgeLogger) []*Disk {
	if logger == nil {
		newLogger := types.NewNullLogger()
		logger = &newLogger
	}
	disks := make([]*Disk, 0)
	logger.Logger.Debug().Str("path", paths.SysBlock).Msg("Scanning for disks")
	files, err := os.ReadDir(paths.SysBlock)
	if err != nil {
		return nil
	}
	for _, file := range files {
		dname := file.Name()
		logger.Logger.Debug().Str("file", dname).Msg("Reading disk entry")
		size := diskSizeBytes(paths, dname, logger)

		if strings.HasPrefix(dname, "loop") && size == 0 {
			// We don't care about unused loop devices...
			continue
		}
		d := &Disk{
			Name:      dname,
			SizeBytes: size,
			UUID:      diskUUID(paths, dname, logger),
			Removable: readSysFlag(paths, dname, "removable"),
			Class:     diskClass(paths, dname),
		}
		d.Partitions = GetPartitions(paths, dname, logger)
		disks = append(disks, d)
	}

	return disks
}

// GetDisk probes a single disk by device node or name, nil when absent.
func GetDisk(paths *Paths, device string, logger *types.ForgeLogger) *Disk {
	name := filepath.Base(device)
	for _, d := range GetDisks(paths, logger) {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// diskClass reads queue/rotational; flash media reports 0.
func diskClass(paths *Paths, disk string) types.DeviceClass {
	contents, err := os.ReadFile(filepath.Join(paths.SysBlock, disk, "queue", "rotational"))
	if err != nil {
		return types.ClassUnknown
	}
	if strings.TrimSpace(string(contents)) == "0" {
		return types.ClassFlash
	}
	return types.ClassRotational
}

func readSysFlag(paths *Paths, disk, file string) bool {
	contents, err := os.ReadFile(filepath.Join(paths.SysBlock, disk, file))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(contents)) == "1"
}

func diskSizeBytes(paths *Paths, disk string, logger *types.ForgeLogger) uint64 {
	// We can find the number of 512-byte sectors by examining the contents of
	// /sys/block/$DEVICE/size and calculate the physical bytes accordingly.
	path := filepath.Join(paths.SysBlock, disk, "size")
	contents, err := os.ReadFile(path)
	if err != nil {
		logger.Logger.Error().Str("path", path).Err(err).Msg("Failed to read disk size")
		return 0
	}
	size, err := strconv.ParseUint(strings.TrimSpace(string(contents)), 10, 64)
	if err != nil {
		logger.Logger.Error().Str("path", path).Err(err).Str("content", string(contents)).Msg("Failed to parse disk size")
		return 0
	}
	return size * sectorSize
}

func diskUUID(paths *Paths, name string, logger *types.ForgeLogger) string {
	info, err := udevInfoDevice(paths, name, logger)
	if err != nil {
		return UNKNOWN
	}
	if id, ok := info["ID_PART_TABLE_UUID"]; ok {
		return id
	}
	return UNKNOWN
}

func udevInfoDevice(paths *Paths, name string, logger *types.ForgeLogger) (map[string]string, error) {
	// Get device major:minor numbers
	devNo, err := os.ReadFile(filepath.Join(paths.SysBlock, name, "dev"))
	if err != nil {
		return nil, err
	}
	return UdevInfo(paths, string(devNo), logger)
}

// UdevInfo will return information on udev database about a device number.
func UdevInfo(paths *Paths, devNo string, logger *types.ForgeLogger) (map[string]string, error) {
	// Look up block device in udev runtime database
	udevID := "b" + strings.TrimSpace(devNo)
	udevBytes, err := os.ReadFile(filepath.Join(paths.RunUdevData, udevID))
	if err != nil {
		logger.Logger.Debug().Err(err).Str("path", filepath.Join(paths.RunUdevData, udevID)).Msg("No udev info for device")
		return nil, err
	}

	udevInfo := make(map[string]string)
	for _, udevLine := range strings.Split(string(udevBytes), "\n") {
		if strings.HasPrefix(udevLine, "E:") {
			if s := strings.SplitN(udevLine[2:], "=", 2); len(s) == 2 {
				udevInfo[s[0]] = s[1]
			}
		}
	}
	return udevInfo, nil
}

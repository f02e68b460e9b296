package mocks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bootforge/bootforge/probe"
	"github.com/bootforge/bootforge/types"
)

// ProbeMock constructs a fake block-device tree to present to the probe
// package. probe reads /sys/block, /run/udev/data and /proc/mounts to
// discover disks; those paths can be re-rooted via BOOTFORGE_CHROOT, so the
// mock builds the same file shapes under a temp dir and sets the env var.
// Passing no disks simulates a system without any block device.
type ProbeMock struct {
	Chroot string
	paths  *probe.Paths
	disks  []probe.Disk
	mounts []string
}

// AddDisk adds a disk to the mock.
func (g *ProbeMock) AddDisk(disk probe.Disk) {
	g.disks = append(g.disks, disk)
}

// CreateDevices materializes the fake sysfs/udev/mounts files and points the
// probe package at them.
func (g *ProbeMock) CreateDevices() {
	d, _ := os.MkdirTemp("", "probemock")
	g.Chroot = d
	g.paths = probe.NewPaths(d)
	_ = os.Setenv("BOOTFORGE_CHROOT", d)
	_ = os.MkdirAll(g.paths.SysBlock, 0755)
	_ = os.MkdirAll(g.paths.RunUdevData, 0755)
	procDir, _ := filepath.Split(g.paths.ProcMounts)
	_ = os.MkdirAll(procDir, 0755)

	for indexDisk, disk := range g.disks {
		diskPath := filepath.Join(g.paths.SysBlock, disk.Name)
		_ = os.Mkdir(diskPath, 0755)
		_ = os.WriteFile(filepath.Join(diskPath, "dev"), []byte(fmt.Sprintf("%d:0\n", indexDisk)), 0644)
		// Sizes in sysfs are 512-byte sectors
		_ = os.WriteFile(filepath.Join(diskPath, "size"), []byte(strconv.FormatUint(disk.SizeBytes/512, 10)), 0644)
		removable := "0"
		if disk.Removable {
			removable = "1"
		}
		_ = os.WriteFile(filepath.Join(diskPath, "removable"), []byte(removable+"\n"), 0644)
		rotational := "0"
		if disk.Class == types.ClassRotational {
			rotational = "1"
		}
		_ = os.MkdirAll(filepath.Join(diskPath, "queue"), 0755)
		_ = os.WriteFile(filepath.Join(diskPath, "queue", "rotational"), []byte(rotational+"\n"), 0644)

		diskUdevData := fmt.Sprintf("E:ID_PART_TABLE_UUID=%s\n", disk.UUID)
		_ = os.WriteFile(filepath.Join(g.paths.RunUdevData, fmt.Sprintf("b%d:0", indexDisk)), []byte(diskUdevData), 0644)

		for indexPart, partition := range disk.Partitions {
			_ = os.Mkdir(filepath.Join(diskPath, partition.Name), 0755)
			_ = os.WriteFile(filepath.Join(diskPath, partition.Name, "dev"), []byte(fmt.Sprintf("%d:6%d\n", indexDisk, indexPart)), 0644)
			_ = os.WriteFile(filepath.Join(diskPath, partition.Name, "size"), []byte(fmt.Sprintf("%d\n", partition.SizeBytes/512)), 0644)
			data := []string{fmt.Sprintf("E:ID_FS_LABEL=%s\n", partition.FilesystemLabel)}
			if partition.FS != "" {
				data = append(data, fmt.Sprintf("E:ID_FS_TYPE=%s\n", partition.FS))
			}
			if partition.UUID != "" {
				data = append(data, fmt.Sprintf("E:ID_FS_UUID=%s\n", partition.UUID))
			}
			_ = os.WriteFile(filepath.Join(g.paths.RunUdevData, fmt.Sprintf("b%d:6%d", indexDisk, indexPart)), []byte(strings.Join(data, "")), 0644)
			if partition.MountPoint != "" {
				fs := partition.FS
				if fs == "" {
					fs = "ext4"
				}
				g.mounts = append(
					g.mounts,
					fmt.Sprintf("%s %s %s ro,relatime 0 0\n", filepath.Join("/dev", partition.Name), partition.MountPoint, fs))
			}
		}
	}
	_ = os.WriteFile(g.paths.ProcMounts, []byte(strings.Join(g.mounts, "")), 0644)
}

// WipeDisk removes every partition of a disk, mimicking a successful wipe.
func (g *ProbeMock) WipeDisk(diskName string) {
	diskPath := filepath.Join(g.paths.SysBlock, diskName)
	entries, _ := os.ReadDir(diskPath)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), diskName) {
			g.RemovePartitionFromDisk(diskName, e.Name())
		}
	}
}

// RemovePartitionFromDisk removes the files for one partition. It makes no
// effort checking that the disk or partition exists.
func (g *ProbeMock) RemovePartitionFromDisk(diskName, partitionName string) {
	var newMounts []string
	diskPath := filepath.Join(g.paths.SysBlock, diskName)
	devName, _ := os.ReadFile(filepath.Join(diskPath, partitionName, "dev"))
	_ = os.RemoveAll(filepath.Join(g.paths.RunUdevData, fmt.Sprintf("b%s", strings.TrimSpace(string(devName)))))
	_ = os.RemoveAll(filepath.Join(diskPath, partitionName))

	for _, mount := range g.mounts {
		fields := strings.Fields(mount)
		if !strings.Contains(fields[0], filepath.Join("/dev", partitionName)) {
			newMounts = append(newMounts, mount)
		}
	}
	g.mounts = newMounts
	_ = os.WriteFile(g.paths.ProcMounts, []byte(strings.Join(g.mounts, "")), 0644)
}

// Clean tears the fake tree down.
func (g *ProbeMock) Clean() {
	_ = os.Unsetenv("BOOTFORGE_CHROOT")
	_ = os.RemoveAll(g.Chroot)
	g.mounts = nil
}

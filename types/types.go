package types

import (
	"fmt"
	"strings"
)

// TableKind is the partition table written to a device.
type TableKind string

const (
	TableNone TableKind = ""
	TableMBR  TableKind = "msdos"
	TableGPT  TableKind = "gpt"
)

// Role classifies what a partition is for. The role decides the
// partition-type code written to the table.
type Role string

const (
	RoleESP         Role = "esp"
	RoleMSR         Role = "msr"
	RoleOS          Role = "os"
	RoleData        Role = "data"
	RoleRecovery    Role = "recovery"
	RoleUEFISupport Role = "uefi-support"
)

// FilesystemKind names a formatting backend.
type FilesystemKind string

const (
	FSAuto  FilesystemKind = "AUTO"
	FSNone  FilesystemKind = "NONE"
	FSFat32 FilesystemKind = "FAT32"
	FSNtfs  FilesystemKind = "NTFS"
	FSExfat FilesystemKind = "EXFAT"
	FSF2fs  FilesystemKind = "F2FS"
	FSBtrfs FilesystemKind = "BTRFS"
)

// ParseFilesystemKind normalizes user input ("ntfs", "exFAT", ...).
func ParseFilesystemKind(s string) (FilesystemKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AUTO":
		return FSAuto, nil
	case "FAT", "FAT32", "VFAT":
		return FSFat32, nil
	case "NTFS":
		return FSNtfs, nil
	case "EXFAT":
		return FSExfat, nil
	case "F2FS":
		return FSF2fs, nil
	case "BTRFS":
		return FSBtrfs, nil
	}
	return FSNone, fmt.Errorf("%w: %q", ErrUnsupportedFilesystem, s)
}

// DeviceClass distinguishes rotational media from flash. It only changes
// format-time parameters, never capability.
type DeviceClass int

const (
	ClassUnknown DeviceClass = iota
	ClassRotational
	ClassFlash
)

func (c DeviceClass) String() string {
	switch c {
	case ClassRotational:
		return "rotational"
	case ClassFlash:
		return "flash"
	}
	return "unknown"
}

// OSKind is the boot model of an installed OS: Windows chainloads its own
// loader, Linux boots a kernel directly.
type OSKind string

const (
	OSWindows OSKind = "windows"
	OSLinux   OSKind = "linux"
)

// Device is a target block device. Only the provisioner mutates it.
type Device struct {
	Path      string
	SizeBytes int64
	Table     TableKind
	Class     DeviceClass
}

// PartitionName returns the device node of partition idx (1-based),
// accounting for the pN infix of nvme/mmcblk style names.
func (d Device) PartitionName(idx int) string {
	last := d.Path[len(d.Path)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", d.Path, idx)
	}
	return fmt.Sprintf("%s%d", d.Path, idx)
}

// PartitionRequest asks the planner for one partition. SizeBytes == 0 means
// "remaining space"; Weight splits the remainder between several such
// requests and defaults to 1.
type PartitionRequest struct {
	Role       Role
	SizeBytes  int64
	Weight     int
	Filesystem FilesystemKind
	Label      string
}

// PartitionRecord is a concrete, placed partition. Created by the planner,
// realized on disk by the provisioner, referenced by the bootloader
// installer.
type PartitionRecord struct {
	Index      int // 1-based partition number
	Role       Role
	StartBytes int64
	SizeBytes  int64
	Path       string // device node, e.g. /dev/sdb1
	Filesystem FilesystemKind
	Label      string
	TypeGUID   string // GPT partition type
	MBRType    byte   // MBR partition id
	Bootable   bool
	UUID       string // filesystem/partition UUID, known after provisioning
}

func (p PartitionRecord) EndBytes() int64 {
	return p.StartBytes + p.SizeBytes
}

// FilesystemCapability is the static capability record of one backend.
type FilesystemCapability struct {
	Name               FilesystemKind
	SupportsLargeFiles bool
	NeedsUEFISupport   bool
	RequiredTools      []string
}

// BootMethod selects between the two boot models emitted into the grub
// configuration.
type BootMethod int

const (
	BootChainload BootMethod = iota
	BootLinuxDirect
)

// BootEntry is one menu entry of the aggregate boot configuration.
type BootEntry struct {
	Kind          OSKind
	Title         string
	PartitionUUID string
	Method        BootMethod
	// Chainload fields
	ChainloaderPath string
	FSModule        string // grub filesystem module for the target partition
	// Direct-boot fields
	KernelPath   string
	InitrdPath   string
	KernelParams []string
}

// OSInstallSpec describes one OS to put on the device.
type OSInstallSpec struct {
	Kind       OSKind
	Name       string
	Source     string // ISO path or block device
	SizeBytes  int64
	Filesystem FilesystemKind
	Label      string
	WinToGo    bool
	// Linux direct boot hints; auto-detected from the copied tree when empty.
	KernelPath   string
	InitrdPath   string
	KernelParams string

	// Filled in as the install progresses.
	Partition *PartitionRecord
	Entry     *BootEntry
}

package fs

import (
	"github.com/bootforge/bootforge/types"
)

// fat32Backend formats with dosfstools. FAT32 boots everywhere but caps
// single files below 4 GiB.
type fat32Backend struct{}

func (b *fat32Backend) Capability() types.FilesystemCapability {
	return types.FilesystemCapability{
		Name:               types.FSFat32,
		SupportsLargeFiles: false,
		NeedsUEFISupport:   false,
		RequiredTools:      []string{"mkdosfs"},
	}
}

func (b *fat32Backend) FormatArgs(partitionPath, label string, _ types.DeviceClass) (string, []string) {
	return "mkdosfs", []string{"-F", "32", "-n", label, partitionPath}
}

// ntfsBackend formats with ntfs-3g's mkntfs. UEFI firmware cannot read NTFS
// so booting it needs the trailing UEFI support partition.
type ntfsBackend struct{}

func (b *ntfsBackend) Capability() types.FilesystemCapability {
	return types.FilesystemCapability{
		Name:               types.FSNtfs,
		SupportsLargeFiles: true,
		NeedsUEFISupport:   true,
		RequiredTools:      []string{"mkntfs"},
	}
}

func (b *ntfsBackend) FormatArgs(partitionPath, label string, class types.DeviceClass) (string, []string) {
	// Small clusters keep write amplification down on flash; rotational
	// media prefers bigger clusters for sequential throughput.
	cluster := "4096"
	if class == types.ClassRotational {
		cluster = "16384"
	}
	return "mkntfs", []string{"-f", "-L", label, "-c", cluster, partitionPath}
}

type exfatBackend struct{}

func (b *exfatBackend) Capability() types.FilesystemCapability {
	return types.FilesystemCapability{
		Name:               types.FSExfat,
		SupportsLargeFiles: true,
		NeedsUEFISupport:   true,
		RequiredTools:      []string{"mkfs.exfat"},
	}
}

func (b *exfatBackend) FormatArgs(partitionPath, label string, class types.DeviceClass) (string, []string) {
	if class == types.ClassRotational {
		return "mkfs.exfat", []string{"-L", label, "-c", "32K", partitionPath}
	}
	return "mkfs.exfat", []string{"-L", label, "-c", "128K", "-b", "1M", partitionPath}
}

type f2fsBackend struct{}

func (b *f2fsBackend) Capability() types.FilesystemCapability {
	return types.FilesystemCapability{
		Name:               types.FSF2fs,
		SupportsLargeFiles: true,
		NeedsUEFISupport:   true,
		RequiredTools:      []string{"mkfs.f2fs"},
	}
}

func (b *f2fsBackend) FormatArgs(partitionPath, label string, _ types.DeviceClass) (string, []string) {
	return "mkfs.f2fs", []string{"-f", "-O", "extra_attr,inode_checksum,sb_checksum", "-w", "4096", "-l", label, partitionPath}
}

type btrfsBackend struct{}

func (b *btrfsBackend) Capability() types.FilesystemCapability {
	return types.FilesystemCapability{
		Name:               types.FSBtrfs,
		SupportsLargeFiles: true,
		NeedsUEFISupport:   true,
		RequiredTools:      []string{"mkfs.btrfs"},
	}
}

func (b *btrfsBackend) FormatArgs(partitionPath, label string, _ types.DeviceClass) (string, []string) {
	return "mkfs.btrfs", []string{"-f", "-L", label, partitionPath}
}

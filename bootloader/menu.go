package bootloader

import (
	"fmt"
	"strings"

	"github.com/bootforge/bootforge/types"
)

// fsModule maps a partition filesystem to the grub module that reads it.
func fsModule(kind types.FilesystemKind) string {
	switch kind {
	case types.FSNtfs:
		return "ntfs"
	case types.FSExfat:
		return "exfat"
	case types.FSF2fs:
		return "f2fs"
	case types.FSBtrfs:
		return "btrfs"
	case types.FSFat32:
		return "fat"
	}
	return "ext2"
}

// Loader paths a Windows entry can chainload. Plain copied installs boot
// the legacy bootmgr at the filesystem root; Windows-To-Go goes through the
// EFI loader the portable setup placed in its own tree.
const (
	WindowsLegacyLoader = "/bootmgr"
	WindowsEFILoader    = "/EFI/Microsoft/Boot/bootmgfw.efi"
)

// RenderMenu emits the aggregate grub configuration. Entries appear in the
// order given, no reordering or deduplication.
func RenderMenu(entries []types.BootEntry) string {
	var b strings.Builder
	b.WriteString("set timeout=10\n")
	b.WriteString("set default=0\n\n")
	for _, entry := range entries {
		renderEntry(&b, entry)
	}
	return b.String()
}

func renderEntry(b *strings.Builder, entry types.BootEntry) {
	fmt.Fprintf(b, "menuentry %q {\n", entry.Title)
	b.WriteString("\tinsmod part_gpt\n")
	module := entry.FSModule
	if module == "" {
		module = "ntfs"
	}
	fmt.Fprintf(b, "\tinsmod %s\n", module)
	b.WriteString("\tinsmod search_fs_uuid\n")
	if entry.Kind == types.OSWindows {
		b.WriteString("\tinsmod chain\n")
	}
	fmt.Fprintf(b, "\tsearch --fs-uuid --set=root %s\n", entry.PartitionUUID)
	if entry.Kind == types.OSWindows {
		loader := entry.ChainloaderPath
		if loader == "" {
			loader = WindowsLegacyLoader
		}
		fmt.Fprintf(b, "\tchainloader %s\n", loader)
	} else {
		params := ""
		if len(entry.KernelParams) > 0 {
			params = " " + strings.Join(entry.KernelParams, " ")
		}
		fmt.Fprintf(b, "\tlinux %s root=UUID=%s%s\n", entry.KernelPath, entry.PartitionUUID, params)
		if entry.InitrdPath != "" {
			fmt.Fprintf(b, "\tinitrd %s\n", entry.InitrdPath)
		}
	}
	b.WriteString("}\n\n")
}

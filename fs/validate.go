package fs

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/mount-utils"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/types"
)

// mountType maps a filesystem kind to the type string handed to mount(8).
func mountType(kind types.FilesystemKind) string {
	switch kind {
	case types.FSFat32:
		return "vfat"
	case types.FSNtfs:
		return "ntfs"
	case types.FSExfat:
		return "exfat"
	case types.FSF2fs:
		return "f2fs"
	case types.FSBtrfs:
		return "btrfs"
	}
	return ""
}

// Validator runs the post-format sanity pass: a fresh filesystem must mount,
// and one claiming large-file support must accept a write past the 4 GiB
// boundary. The probe file is sparse so the check is cheap even on slow media.
type Validator struct {
	mounter mount.Interface
	logger  types.ForgeLogger
}

func NewValidator(mounter mount.Interface, logger types.ForgeLogger) *Validator {
	if mounter == nil {
		mounter = mount.New("")
	}
	return &Validator{mounter: mounter, logger: logger}
}

func (v *Validator) Validate(partitionPath string, capability types.FilesystemCapability) error {
	target, err := os.MkdirTemp("", "bootforge-validate")
	if err != nil {
		return err
	}
	defer os.RemoveAll(target)

	if err := v.mounter.Mount(partitionPath, target, mountType(capability.Name), nil); err != nil {
		return fmt.Errorf("%w: fresh %s filesystem on %s did not mount: %v", types.ErrFormatFailed, capability.Name, partitionPath, err)
	}
	defer func() {
		if err := v.mounter.Unmount(target); err != nil {
			v.logger.Logger.Warn().Str("target", target).Err(err).Msg("Failed to unmount validation mount")
		}
	}()

	if !capability.SupportsLargeFiles {
		return nil
	}
	probe := filepath.Join(target, ".bootforge-large-file-probe")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("%w: %s is not writable: %v", types.ErrFormatFailed, partitionPath, err)
	}
	defer os.Remove(probe)
	defer f.Close()
	if _, err := f.WriteAt([]byte{0}, constants.LargeFileThreshold); err != nil {
		return fmt.Errorf("%w: %s rejected a write past the FAT32 file size limit: %v", types.ErrFormatFailed, capability.Name, err)
	}
	return nil
}

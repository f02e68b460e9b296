// Package bootloader installs the boot chain onto a provisioned device:
// the legacy boot-sector path for single-OS MBR sticks and the UEFI path
// with an aggregate menu for everything else.
package bootloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/types"
)

type Installer struct {
	runner executor.Interface
	logger types.ForgeLogger
}

func New(runner executor.Interface, logger types.ForgeLogger) *Installer {
	return &Installer{runner: runner, logger: logger}
}

// InstallLegacy writes the stage-1 loader into the device boot sector with
// the stage-2 files on the mounted target filesystem, then drops the
// two-line chainload config. MBR mode serves exactly one OS so there is no
// menu to speak of.
func (i *Installer) InstallLegacy(ctx context.Context, device types.Device, targetMount string) error {
	i.logger.Logger.Info().Str("device", device.Path).Msg("Installing legacy bootloader")
	res, err := i.runner.Run(ctx, "grub-install",
		"--target=i386-pc",
		"--boot-directory="+targetMount,
		"--force",
		device.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBootloaderInstallFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: grub-install exited %d: %s", types.ErrBootloaderInstallFailed, res.ExitCode, res.Stderr)
	}
	cfgDir := filepath.Join(targetMount, "grub")
	if err := os.MkdirAll(cfgDir, constants.DirPerm); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBootloaderInstallFailed, err)
	}
	cfg := "ntldr /bootmgr\nboot\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "grub.cfg"), []byte(cfg), constants.FilePerm); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBootloaderInstallFailed, err)
	}
	return nil
}

// InstallUEFI installs the removable-media UEFI loader into the mounted ESP
// and writes the aggregate menu for the given entries.
func (i *Installer) InstallUEFI(ctx context.Context, device types.Device, espMount string, entries []types.BootEntry) error {
	i.logger.Logger.Info().Str("device", device.Path).Int("entries", len(entries)).Msg("Installing UEFI bootloader")
	res, err := i.runner.Run(ctx, "grub-install",
		"--target=x86_64-efi",
		"--efi-directory="+espMount,
		"--boot-directory="+filepath.Join(espMount, "boot"),
		"--bootloader-id="+constants.GrubBootloaderID,
		"--removable",
		"--recheck")
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBootloaderInstallFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: grub-install exited %d: %s", types.ErrBootloaderInstallFailed, res.ExitCode, res.Stderr)
	}
	return i.WriteMenu(espMount, entries)
}

// WriteMenu synthesizes the aggregate configuration file, one menu entry per
// boot entry, in declaration order.
func (i *Installer) WriteMenu(espMount string, entries []types.BootEntry) error {
	cfgDir := filepath.Join(espMount, "boot", "grub")
	if err := os.MkdirAll(cfgDir, constants.DirPerm); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBootloaderInstallFailed, err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "grub.cfg"), []byte(RenderMenu(entries)), constants.FilePerm); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBootloaderInstallFailed, err)
	}
	return nil
}

// WriteSupportImage raw-writes the firmware-readable helper image onto the
// trailing support partition. The image carries its own filesystem, the
// partition is never formatted by us.
func (i *Installer) WriteSupportImage(ctx context.Context, imagePath, partitionPath string) error {
	i.logger.Logger.Info().Str("image", imagePath).Str("partition", partitionPath).Msg("Writing UEFI support image")
	res, err := i.runner.Run(ctx, "dd",
		"if="+imagePath,
		"of="+partitionPath,
		"bs=512",
		"conv=fsync")
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrBootloaderInstallFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: dd exited %d: %s", types.ErrBootloaderInstallFailed, res.ExitCode, res.Stderr)
	}
	return nil
}

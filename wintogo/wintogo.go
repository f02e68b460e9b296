// Package wintogo specializes a Windows install into a portable one: the
// fixed three-partition layout, the offline registry flags that keep setup
// and boot from tripping over foreign hardware, and an ESP populated with
// the OS's own EFI loader.
package wintogo

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/saferwall/pe"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/types"
)

type Preparer struct {
	runner executor.Interface
	editor OfflineConfigEditor
	logger types.ForgeLogger
}

func New(runner executor.Interface, editor OfflineConfigEditor, logger types.ForgeLogger) *Preparer {
	if editor == nil {
		editor = NewHivexEditor(runner, logger)
	}
	return &Preparer{runner: runner, editor: editor, logger: logger}
}

// Layout returns the fixed Windows-To-Go partition requests: ESP, MSR, then
// the Windows partition taking sizeBytes (0 for all remaining space).
func Layout(filesystem types.FilesystemKind, label string, sizeBytes int64) []types.PartitionRequest {
	if label == "" {
		label = "WINTOGO"
	}
	if filesystem == types.FSAuto {
		filesystem = types.FSNtfs
	}
	return []types.PartitionRequest{
		{Role: types.RoleESP, SizeBytes: constants.ESPSizeDefault, Filesystem: types.FSFat32, Label: "ESP"},
		{Role: types.RoleMSR, SizeBytes: constants.MSRSizeDefault},
		{Role: types.RoleOS, SizeBytes: sizeBytes, Filesystem: filesystem, Label: label},
	}
}

// dwordWrite is one registry value the portable setup needs.
type dwordWrite struct {
	key   string
	value string
	data  uint32
}

var bypassWrites = []dwordWrite{
	{`Setup\LabConfig`, "BypassTPMCheck", 1},
	{`Setup\LabConfig`, "BypassSecureBootCheck", 1},
	{`Setup\LabConfig`, "BypassRAMCheck", 1},
	{`Setup\MoSetup`, "AllowUpgradesWithUnsupportedTPMOrCPU", 1},
}

var portableWrites = []dwordWrite{
	// Generic storage controllers must be boot-start or the first boot on
	// another machine ends in INACCESSIBLE_BOOT_DEVICE.
	{`ControlSet001\Services\storahci`, "Start", 0},
	{`ControlSet001\Services\stornvme`, "Start", 0},
	{`ControlSet001\Services\storport`, "Start", 0},
	{`ControlSet001\Control\PnP`, "DisableCrossSessionDriverLoad", 0},
	// Fast startup resumes onto hardware that may no longer be there.
	{`ControlSet001\Control\Session Manager\Power`, "HiberbootEnabled", 0},
	{`ControlSet001\Control\Power`, "HibernateEnabled", 0},
}

// ApplyRequirementBypass sets the setup gating overrides in the offline
// SYSTEM hive of the copied Windows tree. Only called for versions that
// gate on TPM / Secure Boot / RAM.
func (p *Preparer) ApplyRequirementBypass(windowsMount string) error {
	hive := SystemHivePath(windowsMount)
	p.logger.Logger.Info().Str("hive", hive).Msg("Applying hardware requirement bypass")
	for _, w := range bypassWrites {
		if err := p.editor.SetValue(hive, w.key, w.value, w.data); err != nil {
			return fmt.Errorf("setting %s\\%s: %w", w.key, w.value, err)
		}
	}
	return nil
}

// ApplyPortableAdaptation sets the flags that let the installation come up
// on machines it has never seen.
func (p *Preparer) ApplyPortableAdaptation(windowsMount string) error {
	hive := SystemHivePath(windowsMount)
	p.logger.Logger.Info().Str("hive", hive).Msg("Configuring portable hardware adaptation")
	for _, w := range portableWrites {
		if err := p.editor.SetValue(hive, w.key, w.value, w.data); err != nil {
			return fmt.Errorf("setting %s\\%s: %w", w.key, w.value, err)
		}
	}
	return nil
}

// PopulateESP copies the OS's own EFI loader and boot store into the ESP so
// the stick boots without touching the machine's internal disk.
func (p *Preparer) PopulateESP(windowsMount, espMount string) error {
	bootDir := filepath.Join(espMount, "EFI", "Boot")
	if err := os.MkdirAll(bootDir, constants.DirPerm); err != nil {
		return err
	}
	loader := filepath.Join(windowsMount, "Windows", "Boot", "EFI", "bootmgfw.efi")
	if err := p.validateEFIExecutable(loader); err != nil {
		return err
	}
	if err := copyFile(loader, filepath.Join(bootDir, "bootx64.efi")); err != nil {
		return fmt.Errorf("copying EFI loader: %w", err)
	}

	msBootDir := filepath.Join(espMount, "EFI", "Microsoft", "Boot")
	if err := os.MkdirAll(msBootDir, constants.DirPerm); err != nil {
		return err
	}
	if err := copyFile(loader, filepath.Join(msBootDir, "bootmgfw.efi")); err != nil {
		return fmt.Errorf("copying EFI loader: %w", err)
	}

	// The boot configuration store ships at the Windows partition root.
	bcd := filepath.Join(windowsMount, "Boot", "BCD")
	if _, err := os.Stat(bcd); err == nil {
		if err := copyFile(bcd, filepath.Join(msBootDir, "BCD")); err != nil {
			return fmt.Errorf("copying BCD store: %w", err)
		}
	} else {
		p.logger.Logger.Warn().Str("path", bcd).Msg("No BCD store found, firmware will rely on the loader defaults")
	}
	return nil
}

// SupportWindows7UEFIBoot extracts the EFI loader out of install.wim for
// media that ships without one in the boot path.
func (p *Preparer) SupportWindows7UEFIBoot(ctx context.Context, sourceMount, targetMount string) error {
	if !IsWindows7Media(sourceMount) {
		return nil
	}
	p.logger.Logger.Info().Msg("Windows 7 media with EFI support detected, extracting its UEFI loader")

	bootDir := filepath.Join(targetMount, "efi", "boot")
	if existing, _ := filepath.Glob(filepath.Join(bootDir, "boot*.efi")); len(existing) > 0 {
		p.logger.Logger.Info().Msg("EFI bootloader already present, nothing to extract")
		return nil
	}
	if err := os.MkdirAll(bootDir, constants.DirPerm); err != nil {
		return err
	}
	res, err := p.runner.Run(ctx, "7z", "e",
		filepath.Join(sourceMount, "sources", "install.wim"),
		"Windows/Boot/EFI/bootmgfw.efi",
		"-o"+bootDir, "-y")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("7z exited %d: %s", res.ExitCode, res.Stderr)
	}
	return os.Rename(filepath.Join(bootDir, "bootmgfw.efi"), filepath.Join(bootDir, "bootx64.efi"))
}

// validateEFIExecutable parses the loader as a PE image before it is trusted
// to boot the stick; a truncated copy is cheaper to catch here than in
// firmware.
func (p *Preparer) validateEFIExecutable(path string) error {
	image, err := pe.New(path, &pe.Options{})
	if err != nil {
		return fmt.Errorf("%s is not a readable EFI executable: %w", path, err)
	}
	defer image.Close()
	if err := image.Parse(); err != nil {
		return fmt.Errorf("%s is not a valid EFI executable: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, constants.FilePerm)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Package session drives one provisioning run end to end and owns the two
// guarantees everything else leans on: strictly sequential device mutation
// and release of every acquired mount point on every exit path.
package session

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"k8s.io/mount-utils"

	"github.com/bootforge/bootforge/bootloader"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/fs"
	"github.com/bootforge/bootforge/plan"
	"github.com/bootforge/bootforge/probe"
	"github.com/bootforge/bootforge/provision"
	"github.com/bootforge/bootforge/source"
	"github.com/bootforge/bootforge/types"
	"github.com/bootforge/bootforge/wintogo"
)

// Options configure a single session against a single target device.
type Options struct {
	Device     types.Device
	SourcePath string
	Filesystem types.FilesystemKind // FSAuto lets the scan decide
	Label      string
	WinToGo    bool
	// SkipLegacyBootloader leaves the boot sector alone on MBR layouts.
	SkipLegacyBootloader bool
	// WorkaroundBootFlag toggles the first partition's boot flag for
	// BIOSes that hide flag-less disks from the boot menu.
	WorkaroundBootFlag bool
	Preference         []types.FilesystemKind
	// SupportImagePath is the firmware-readable helper image raw-written
	// to the trailing support partition when the chosen filesystem needs
	// one. Empty skips the partition entirely.
	SupportImagePath string
}

type Controller struct {
	opts        Options
	runner      executor.Interface
	mounter     mount.Interface
	sources     *source.Manager
	registry    *fs.Registry
	provisioner *provision.Provisioner
	installer   *bootloader.Installer
	preparer    *wintogo.Preparer
	progress    ProgressSink
	logger      types.ForgeLogger

	state     State
	stage     Stage
	cancelled atomic.Bool
}

func New(opts Options, runner executor.Interface, mounter mount.Interface, paths *probe.Paths, progress ProgressSink, logger types.ForgeLogger) *Controller {
	if mounter == nil {
		mounter = mount.New("")
	}
	if progress == nil {
		progress = NullProgress{}
	}
	registry := fs.NewRegistry(runner, logger)
	return &Controller{
		opts:        opts,
		runner:      runner,
		mounter:     mounter,
		sources:     source.NewManager(mounter, logger),
		registry:    registry,
		provisioner: provision.New(runner, registry, paths, logger),
		installer:   bootloader.New(runner, logger),
		preparer:    wintogo.New(runner, nil, logger),
		progress:    progress,
		logger:      logger,
		stage:       StageIdle,
	}
}

// Cancel requests a cooperative stop. The flag is checked between macro
// steps and during copy; running external tools are never killed mid-write.
func (c *Controller) Cancel() {
	c.cancelled.Store(true)
}

func (c *Controller) Stage() Stage {
	return c.stage
}

// Run executes the session and always reports a detach-safety verdict,
// success or not.
func (c *Controller) Run(ctx context.Context) (Verdict, error) {
	lock, err := AcquireDeviceLock(c.opts.Device.Path)
	if err != nil {
		return VerdictClean, err
	}
	defer lock.Release()

	if c.opts.WinToGo {
		err = c.runWindowsToGo(ctx)
	} else {
		err = c.runSingleOS(ctx)
	}
	if err != nil {
		return c.abort(err)
	}
	verdict, cleanupErr := c.cleanup()
	if cleanupErr != nil {
		c.logger.Logger.Warn().Err(cleanupErr).Msg("Cleanup left paths behind")
		return verdict, nil
	}
	c.advance(StageCleaned, "Released all mounts")
	c.advance(StageFinished, "Done")
	return verdict, nil
}

func (c *Controller) runSingleOS(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	sourceMount, err := c.mountSource()
	if err != nil {
		return err
	}

	scan, err := c.sources.Scan(c.opts.SourcePath, sourceMount)
	if err != nil {
		return err
	}
	kind, capability, err := c.chooseFilesystem(scan)
	if err != nil {
		return err
	}

	requests := []types.PartitionRequest{
		{Role: types.RoleOS, Filesystem: kind, Label: c.label()},
	}
	withSupport := capability.NeedsUEFISupport && c.opts.SupportImagePath != ""
	if withSupport {
		requests = append(requests, types.PartitionRequest{Role: types.RoleUEFISupport, Label: "UEFI_SUPPORT"})
	} else if capability.NeedsUEFISupport {
		c.warn(fmt.Sprintf("%s needs a UEFI support partition to boot UEFI firmware, but no support image is configured; the device will only boot via legacy BIOS", kind))
	}
	layout, err := plan.Compute(plan.Input{Device: c.opts.Device, Requests: requests})
	if err != nil {
		return err
	}
	c.advance(StagePlanComputed, fmt.Sprintf("Planned %d partition(s), %s table", len(layout.Records), layout.Table))

	records, err := c.provision(ctx, layout)
	if err != nil {
		return err
	}

	osRecord := records[0]
	targetMount, err := c.mountPartition(osRecord)
	if err != nil {
		return err
	}
	if err := source.CheckFreeSpace(targetMount, scan.TotalBytes); err != nil {
		return err
	}
	if err := c.copy(ctx, capability, sourceMount, targetMount); err != nil {
		return err
	}

	if err := c.preparer.SupportWindows7UEFIBoot(ctx, sourceMount, targetMount); err != nil {
		return err
	}
	if !c.opts.SkipLegacyBootloader {
		if err := c.installer.InstallLegacy(ctx, c.opts.Device, targetMount); err != nil {
			return err
		}
	}
	if withSupport {
		support := records[len(records)-1]
		if err := c.installer.WriteSupportImage(ctx, c.opts.SupportImagePath, support.Path); err != nil {
			return err
		}
	}
	if c.opts.WorkaroundBootFlag {
		if res, err := c.runner.Run(ctx, "parted", "--script", c.opts.Device.Path, "set", "1", "boot", "on"); err != nil || res.ExitCode != 0 {
			c.logger.Logger.Warn().Str("device", c.opts.Device.Path).Msg("Boot flag workaround failed")
		}
	}
	c.advance(StageBootloaderInstalled, "Bootloader installed")
	return nil
}

func (c *Controller) runWindowsToGo(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	sourceMount, err := c.mountSource()
	if err != nil {
		return err
	}

	kind := c.opts.Filesystem
	if kind == types.FSAuto || kind == types.FSNone || kind == "" {
		kind = types.FSNtfs
	}
	layout, err := plan.Compute(plan.Input{
		Device:   c.opts.Device,
		Requests: wintogo.Layout(kind, c.label(), 0),
		ForceGPT: true,
	})
	if err != nil {
		return err
	}
	c.advance(StagePlanComputed, fmt.Sprintf("Planned Windows-To-Go layout on %s", c.opts.Device.Path))

	records, err := c.provision(ctx, layout)
	if err != nil {
		return err
	}
	espRecord, windowsRecord := records[0], records[2]

	windowsMount, err := c.mountPartition(windowsRecord)
	if err != nil {
		return err
	}
	scan, err := c.sources.Scan(c.opts.SourcePath, sourceMount)
	if err != nil {
		return err
	}
	if err := source.CheckFreeSpace(windowsMount, scan.TotalBytes); err != nil {
		return err
	}
	capability, err := c.registry.Capability(windowsRecord.Filesystem)
	if err != nil {
		return err
	}
	if err := c.copy(ctx, capability, sourceMount, windowsMount); err != nil {
		return err
	}

	espMount, err := c.mountPartition(espRecord)
	if err != nil {
		return err
	}
	// The firmware boots the copied bootx64.efi straight off the ESP, so
	// no boot menu is written here.
	if err := c.preparer.PopulateESP(windowsMount, espMount); err != nil {
		return err
	}
	c.advance(StageBootloaderInstalled, "ESP populated")

	info := wintogo.DetectWindows(windowsMount)
	if info.NeedsRequirementBypass() {
		if err := c.preparer.ApplyRequirementBypass(windowsMount); err != nil {
			return err
		}
	}
	if err := c.preparer.ApplyPortableAdaptation(windowsMount); err != nil {
		return err
	}
	c.advance(StagePortableConfigured, fmt.Sprintf("Portable configuration applied (Windows %s)", info.Version))
	return nil
}

func (c *Controller) begin() error {
	if err := c.checkCancelled(); err != nil {
		return err
	}
	return c.provisioner.CheckBusy(c.opts.Device)
}

func (c *Controller) mountSource() (string, error) {
	sourceMount, mounted, err := c.sources.Mount(c.opts.SourcePath)
	if err != nil {
		return "", err
	}
	if mounted {
		c.state.RecordMount(sourceMount, false)
	}
	c.advance(StageSourceMounted, fmt.Sprintf("Mounted %s", c.opts.SourcePath))
	return sourceMount, nil
}

func (c *Controller) chooseFilesystem(scan source.Scan) (types.FilesystemKind, types.FilesystemCapability, error) {
	kind := c.opts.Filesystem
	if kind == types.FSAuto || kind == types.FSNone || kind == "" {
		selected, degraded := c.registry.SelectOptimal(scan.HasLargeFiles(), c.opts.Preference)
		if degraded {
			c.warn(fmt.Sprintf("degraded to FAT32, copying will fail on: %v", scan.LargeFiles))
		}
		kind = selected
	}
	capability, err := c.registry.Capability(kind)
	if err != nil {
		return kind, capability, err
	}
	if ok, missing := c.registry.CheckDependencies(kind); !ok {
		return kind, capability, fmt.Errorf("%w: %s needs %v", types.ErrDependencyMissing, kind, missing)
	}
	if scan.HasLargeFiles() && !capability.SupportsLargeFiles {
		c.warn(fmt.Sprintf("source has files %s cannot hold: %v", kind, scan.LargeFiles))
	}
	return kind, capability, nil
}

// warn logs a survivable condition and keeps it on the session state so
// callers can surface it after the run.
func (c *Controller) warn(message string) {
	c.logger.Logger.Warn().Msg(message)
	c.state.AddWarning(message)
}

// Warnings returns every warning the run accumulated.
func (c *Controller) Warnings() []string {
	return c.state.Warnings()
}

// provision walks the realized layout step by step so every stage
// transition is visible to the progress sink.
func (c *Controller) provision(ctx context.Context, layout *plan.Layout) ([]types.PartitionRecord, error) {
	if err := c.checkCancelled(); err != nil {
		return nil, err
	}
	if err := c.provisioner.Wipe(ctx, c.opts.Device); err != nil {
		return nil, err
	}
	if err := c.provisioner.VerifyWiped(ctx, c.opts.Device); err != nil {
		return nil, err
	}
	c.advance(StageDeviceWiped, "Device wiped")

	if err := c.checkCancelled(); err != nil {
		return nil, err
	}
	if err := c.provisioner.CreateTable(ctx, c.opts.Device, layout.Table); err != nil {
		return nil, err
	}
	records := make([]types.PartitionRecord, 0, len(layout.Records))
	for _, record := range layout.Records {
		if err := c.checkCancelled(); err != nil {
			return nil, err
		}
		if err := c.provisioner.CreatePartition(ctx, c.opts.Device, layout.Table, record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := c.provisioner.VerifyLayout(c.opts.Device, layout); err != nil {
		return nil, err
	}
	c.advance(StagePartitionsCreated, fmt.Sprintf("Created %d partition(s)", len(records)))

	for i := range records {
		if err := c.checkCancelled(); err != nil {
			return nil, err
		}
		if err := c.provisioner.FormatPartition(ctx, c.opts.Device, &records[i]); err != nil {
			return nil, err
		}
	}
	c.advance(StagePartitionsFormatted, "Partitions formatted")
	return records, nil
}

// copy runs the tree copy on a dedicated worker while this goroutine watches
// for cancellation; the copier checks the shared flag between chunks.
func (c *Controller) copy(ctx context.Context, capability types.FilesystemCapability, sourceMount, targetMount string) error {
	if err := c.checkCancelled(); err != nil {
		return err
	}
	copier := NewCopier(capability.SupportsLargeFiles, c.progress, &c.cancelled)
	done := make(chan error, 1)
	go func() {
		done <- copier.CopyTree(ctx, sourceMount, targetMount)
	}()
	if err := <-done; err != nil {
		return err
	}
	c.advance(StageFilesCopied, "Files copied")
	return nil
}

func (c *Controller) mountPartition(record types.PartitionRecord) (string, error) {
	target, err := os.MkdirTemp("", "bootforge-target")
	if err != nil {
		return "", err
	}
	if err := c.mounter.Mount(record.Path, target, "", nil); err != nil {
		_ = os.RemoveAll(target)
		return "", fmt.Errorf("%w: %s: %v", types.ErrMountFailed, record.Path, err)
	}
	c.state.RecordMount(target, true)
	return target, nil
}

// abort runs the terminal cleanup path. The returned error keeps the
// original cause; the verdict states whether the device is safe to detach.
func (c *Controller) abort(cause error) (Verdict, error) {
	c.advance(StageAborting, fmt.Sprintf("Aborting: %v", cause))
	verdict, cleanupErr := c.cleanup()
	if cleanupErr != nil {
		cause = multierror.Append(cause, cleanupErr)
	}
	switch verdict {
	case VerdictUnsafe:
		c.logger.Logger.Error().Str("device", c.opts.Device.Path).Msg("Target partitions still mounted, do NOT detach the device")
	case VerdictUnclean:
		c.logger.Logger.Warn().Msg("Some mount points were left behind; the device itself is safe to detach")
	}
	return verdict, cause
}

// cleanup releases every recorded mount, best-effort, continuing past
// individual failures.
func (c *Controller) cleanup() (Verdict, error) {
	return c.state.ReleaseAll(c.mounter.Unmount)
}

func (c *Controller) checkCancelled() error {
	if c.cancelled.Load() {
		return types.ErrCancelledByUser
	}
	return nil
}

func (c *Controller) label() string {
	if c.opts.Label == "" {
		return "BOOTFORGE"
	}
	return c.opts.Label
}

func (c *Controller) advance(stage Stage, message string) {
	c.stage = stage
	c.logger.Logger.Info().Str("stage", string(stage)).Msg(message)
	c.progress.OnProgress(stage, message, -1)
}

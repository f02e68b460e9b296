package multiboot

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"k8s.io/mount-utils"

	"github.com/bootforge/bootforge/bootloader"
	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/fs"
	"github.com/bootforge/bootforge/plan"
	"github.com/bootforge/bootforge/probe"
	"github.com/bootforge/bootforge/provision"
	"github.com/bootforge/bootforge/session"
	"github.com/bootforge/bootforge/source"
	"github.com/bootforge/bootforge/types"
	"github.com/bootforge/bootforge/wintogo"
)

// Orchestrator lays several operating systems onto one device: one planner
// call for everything, ESP first, OS partitions in declaration order, the
// shared partition last, then one aggregate boot menu. Partitions already
// created for earlier systems are not rolled back when a later copy fails.
type Orchestrator struct {
	runner      executor.Interface
	mounter     mount.Interface
	sources     *source.Manager
	registry    *fs.Registry
	provisioner *provision.Provisioner
	installer   *bootloader.Installer
	preparer    *wintogo.Preparer
	progress    session.ProgressSink
	logger      types.ForgeLogger
	state       session.State
}

func New(runner executor.Interface, mounter mount.Interface, paths *probe.Paths, progress session.ProgressSink, logger types.ForgeLogger) *Orchestrator {
	if mounter == nil {
		mounter = mount.New("")
	}
	if progress == nil {
		progress = session.NullProgress{}
	}
	registry := fs.NewRegistry(runner, logger)
	return &Orchestrator{
		runner:      runner,
		mounter:     mounter,
		sources:     source.NewManager(mounter, logger),
		registry:    registry,
		provisioner: provision.New(runner, registry, paths, logger),
		installer:   bootloader.New(runner, logger),
		preparer:    wintogo.New(runner, nil, logger),
		progress:    progress,
		logger:      logger,
	}
}

// Run builds the whole device from a manifest. The verdict states whether
// the device is safe to detach afterwards.
func (o *Orchestrator) Run(ctx context.Context, device types.Device, manifest *Manifest) (session.Verdict, error) {
	lock, err := session.AcquireDeviceLock(device.Path)
	if err != nil {
		return session.VerdictClean, err
	}
	defer lock.Release()

	err = o.run(ctx, device, manifest)
	verdict, cleanupErr := o.state.ReleaseAll(o.mounter.Unmount)
	if cleanupErr != nil {
		o.logger.Logger.Warn().Err(cleanupErr).Msg("Cleanup left paths behind")
		if err != nil {
			err = multierror.Append(err, cleanupErr)
		}
	}
	if verdict == session.VerdictUnsafe {
		o.logger.Logger.Error().Str("device", device.Path).Msg("Target partitions still mounted, do NOT detach the device")
	}
	return verdict, err
}

func (o *Orchestrator) run(ctx context.Context, device types.Device, manifest *Manifest) error {
	if err := o.provisioner.CheckBusy(device); err != nil {
		return err
	}
	specs, err := manifest.InstallSpecs()
	if err != nil {
		return err
	}
	espSize, err := manifest.ESPSizeBytes()
	if err != nil {
		return err
	}

	layout, err := plan.Compute(plan.Input{
		Device:   device,
		Requests: o.requests(espSize, specs, manifest.Shared),
		ForceGPT: true,
	})
	if err != nil {
		return err
	}
	o.progress.OnProgress(session.StagePlanComputed, fmt.Sprintf("Planned %d partitions", len(layout.Records)), -1)

	records, err := o.provisioner.Apply(ctx, device, layout)
	if err != nil {
		return err
	}
	o.progress.OnProgress(session.StagePartitionsFormatted, "Partitions ready", -1)

	// records[0] is the ESP, then one per system in declaration order.
	entries := make([]types.BootEntry, 0, len(specs))
	for i := range specs {
		specs[i].Partition = &records[i+1]
		if err := o.installOne(ctx, &specs[i]); err != nil {
			return fmt.Errorf("installing %s: %w", specs[i].Name, err)
		}
		entries = append(entries, *specs[i].Entry)
	}
	o.progress.OnProgress(session.StageFilesCopied, "All systems copied", -1)

	espMount, err := o.mountPartition(records[0])
	if err != nil {
		return err
	}
	if err := o.installer.InstallUEFI(ctx, device, espMount, entries); err != nil {
		return err
	}
	o.progress.OnProgress(session.StageBootloaderInstalled, "Aggregate boot menu written", -1)
	return nil
}

// requests assembles the single planner input: ESP, OS partitions in
// declaration order, shared partition last.
func (o *Orchestrator) requests(espSize int64, specs []types.OSInstallSpec, shared *SharedSpec) []types.PartitionRequest {
	requests := []types.PartitionRequest{
		{Role: types.RoleESP, SizeBytes: espSize, Filesystem: types.FSFat32, Label: "ESP"},
	}
	for _, spec := range specs {
		kind := spec.Filesystem
		if kind == types.FSAuto || kind == "" {
			if spec.Kind == types.OSWindows {
				kind = types.FSNtfs
			} else {
				kind = types.FSBtrfs
			}
		}
		requests = append(requests, types.PartitionRequest{
			Role:       types.RoleOS,
			SizeBytes:  spec.SizeBytes,
			Filesystem: kind,
			Label:      spec.Label,
		})
	}
	if shared != nil {
		kind, err := types.ParseFilesystemKind(shared.Filesystem)
		if err != nil || kind == types.FSAuto {
			kind = types.FSExfat
		}
		label := shared.Label
		if label == "" {
			label = "SHARED"
		}
		size := int64(0)
		if shared.Size != "" {
			size, _ = ParseSize(shared.Size)
		}
		requests = append(requests, types.PartitionRequest{
			Role:       types.RoleData,
			SizeBytes:  size,
			Weight:     shared.Weight,
			Filesystem: kind,
			Label:      label,
		})
	}
	return requests
}

// installOne copies one system into its partition and prepares its boot
// entry. On failure everything this step mounted is released before the
// error propagates.
func (o *Orchestrator) installOne(ctx context.Context, spec *types.OSInstallSpec) error {
	record := spec.Partition
	o.logger.Logger.Info().Str("system", spec.Name).Str("partition", record.Path).Msg("Installing system")

	sourceMount, sourceMounted, err := o.sources.Mount(spec.Source)
	if err != nil {
		return err
	}
	if sourceMounted {
		o.state.RecordMount(sourceMount, false)
	}
	targetMount, err := o.mountPartition(*record)
	if err != nil {
		if sourceMounted {
			o.release(sourceMount)
		}
		return err
	}
	defer func() {
		o.release(targetMount)
		if sourceMounted {
			o.release(sourceMount)
		}
	}()

	scan, err := o.sources.Scan(spec.Source, sourceMount)
	if err != nil {
		return err
	}
	if err := source.CheckFreeSpace(targetMount, scan.TotalBytes); err != nil {
		return err
	}
	capability, err := o.registry.Capability(record.Filesystem)
	if err != nil {
		return err
	}
	copier := session.NewCopier(capability.SupportsLargeFiles, o.progress, nil)
	if err := copier.CopyTree(ctx, sourceMount, targetMount); err != nil {
		return err
	}

	if spec.Kind == types.OSWindows && spec.WinToGo {
		info := wintogo.DetectWindows(targetMount)
		if info.NeedsRequirementBypass() {
			if err := o.preparer.ApplyRequirementBypass(targetMount); err != nil {
				return err
			}
		}
		if err := o.preparer.ApplyPortableAdaptation(targetMount); err != nil {
			return err
		}
	}

	entry, err := o.bootEntry(spec)
	if err != nil {
		return err
	}
	spec.Entry = entry
	return nil
}

func (o *Orchestrator) bootEntry(spec *types.OSInstallSpec) (*types.BootEntry, error) {
	record := spec.Partition
	entry := &types.BootEntry{
		Title:         spec.Name,
		PartitionUUID: record.UUID,
	}
	if spec.Kind == types.OSWindows {
		entry.Kind = types.OSWindows
		entry.Method = types.BootChainload
		entry.FSModule = grubModule(record.Filesystem)
		entry.ChainloaderPath = bootloader.WindowsLegacyLoader
		if spec.WinToGo {
			entry.ChainloaderPath = bootloader.WindowsEFILoader
		}
		return entry, nil
	}
	entry.Kind = types.OSLinux
	entry.Method = types.BootLinuxDirect
	entry.FSModule = grubModule(record.Filesystem)
	entry.KernelPath = spec.KernelPath
	if entry.KernelPath == "" {
		entry.KernelPath = "/vmlinuz"
	}
	entry.InitrdPath = spec.InitrdPath
	params, err := KernelParamsFor(spec.KernelParams)
	if err != nil {
		return nil, fmt.Errorf("kernel parameters of %s: %w", spec.Name, err)
	}
	entry.KernelParams = params
	return entry, nil
}

func grubModule(kind types.FilesystemKind) string {
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

func (o *Orchestrator) mountPartition(record types.PartitionRecord) (string, error) {
	target, err := os.MkdirTemp("", "bootforge-target")
	if err != nil {
		return "", err
	}
	if err := o.mounter.Mount(record.Path, target, "", nil); err != nil {
		_ = os.RemoveAll(target)
		return "", fmt.Errorf("%w: %s: %v", types.ErrMountFailed, record.Path, err)
	}
	o.state.RecordMount(target, true)
	return target, nil
}

// release unmounts one path eagerly and drops it from the ledger; failures
// stay recorded so the final cleanup retries them.
func (o *Orchestrator) release(path string) {
	if err := o.mounter.Unmount(path); err != nil {
		o.logger.Logger.Warn().Str("path", path).Err(err).Msg("Failed to unmount, will retry at cleanup")
		return
	}
	o.state.ForgetMount(path)
	_ = os.RemoveAll(path)
}

// Package provision realizes a computed layout on a physical device:
// wipe, verify, write the table, create and format every partition. All
// disk surgery happens through the external util-linux/parted tools.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/fs"
	"github.com/bootforge/bootforge/plan"
	"github.com/bootforge/bootforge/probe"
	"github.com/bootforge/bootforge/types"
)

type Provisioner struct {
	runner    executor.Interface
	registry  *fs.Registry
	paths     *probe.Paths
	validator *fs.Validator
	logger    types.ForgeLogger
}

func New(runner executor.Interface, registry *fs.Registry, paths *probe.Paths, logger types.ForgeLogger) *Provisioner {
	if paths == nil {
		paths = probe.NewPaths("")
	}
	return &Provisioner{
		runner:    runner,
		registry:  registry,
		paths:     paths,
		validator: fs.NewValidator(nil, logger),
		logger:    logger,
	}
}

// Apply runs the full wipe/table/partition/format sequence. The returned
// records carry the filesystem UUIDs of the freshly formatted partitions.
// Any step failure aborts the remaining ones.
func (p *Provisioner) Apply(ctx context.Context, device types.Device, layout *plan.Layout) ([]types.PartitionRecord, error) {
	if err := p.Wipe(ctx, device); err != nil {
		return nil, err
	}
	if err := p.VerifyWiped(ctx, device); err != nil {
		return nil, err
	}
	if err := p.CreateTable(ctx, device, layout.Table); err != nil {
		return nil, err
	}
	for _, record := range layout.Records {
		if err := p.CreatePartition(ctx, device, layout.Table, record); err != nil {
			return nil, err
		}
	}
	if err := p.VerifyLayout(device, layout); err != nil {
		return nil, err
	}
	out := make([]types.PartitionRecord, 0, len(layout.Records))
	for _, record := range layout.Records {
		if err := p.FormatPartition(ctx, device, &record); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// Wipe clears every filesystem and partition-table signature on the device.
func (p *Provisioner) Wipe(ctx context.Context, device types.Device) error {
	p.logger.Logger.Info().Str("device", device.Path).Msg("Wiping device signatures")
	res, err := p.runner.Run(ctx, "wipefs", "--all", "--force", device.Path)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("wipefs exited %d: %s", res.ExitCode, res.Stderr)
	}
	return p.rescan(ctx, device)
}

// VerifyWiped re-probes the device and refuses to continue while any
// partition is still visible. Worn-out flash drives silently ignore writes
// and would otherwise sail through with their old contents intact.
func (p *Provisioner) VerifyWiped(ctx context.Context, device types.Device) error {
	_ = ctx
	disk := probe.GetDisk(p.paths, device.Path, &p.logger)
	if disk == nil {
		return fmt.Errorf("%w: %s disappeared after wipe", types.ErrWipeVerificationFailed, device.Path)
	}
	if len(disk.Partitions) > 0 {
		return fmt.Errorf("%w: %s still exposes %d partition(s), the drive may be stuck read-only",
			types.ErrWipeVerificationFailed, device.Path, len(disk.Partitions))
	}
	return nil
}

// CreateTable writes a fresh partition table.
func (p *Provisioner) CreateTable(ctx context.Context, device types.Device, table types.TableKind) error {
	p.logger.Logger.Info().Str("device", device.Path).Str("table", string(table)).Msg("Creating partition table")
	res, err := p.runner.Run(ctx, "parted", "--script", device.Path, "mklabel", string(table))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPartitionCreateFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: parted mklabel exited %d: %s", types.ErrPartitionCreateFailed, res.ExitCode, res.Stderr)
	}
	return p.rescan(ctx, device)
}

// CreatePartition materializes one record and waits for the kernel to pick
// up the new table. A transient failure is retried once, then surfaced.
func (p *Provisioner) CreatePartition(ctx context.Context, device types.Device, table types.TableKind, record types.PartitionRecord) error {
	p.logger.Logger.Info().
		Str("device", device.Path).
		Int("index", record.Index).
		Str("role", string(record.Role)).
		Int64("start", record.StartBytes).
		Int64("size", record.SizeBytes).
		Msg("Creating partition")

	err := retry.Do(
		func() error {
			if err := p.createOnce(ctx, device, table, record); err != nil {
				return err
			}
			return p.rescan(ctx, device)
		},
		retry.Attempts(2), retry.Delay(time.Second), retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("%w: partition %d on %s: %v", types.ErrPartitionCreateFailed, record.Index, device.Path, err)
	}
	return nil
}

func (p *Provisioner) createOnce(ctx context.Context, device types.Device, table types.TableKind, record types.PartitionRecord) error {
	end := record.EndBytes() - 1 // parted end is inclusive
	args := []string{"--script", device.Path, "unit", "B", "mkpart", "primary",
		fmt.Sprintf("%d", record.StartBytes), fmt.Sprintf("%d", end)}
	res, err := p.runner.Run(ctx, "parted", args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("parted mkpart exited %d: %s", res.ExitCode, res.Stderr)
	}

	if table == types.TableGPT {
		res, err = p.runner.Run(ctx, "sgdisk",
			fmt.Sprintf("--typecode=%d:%s", record.Index, record.TypeGUID),
			fmt.Sprintf("--partition-guid=%d:%s", record.Index, record.UUID),
			device.Path)
	} else {
		res, err = p.runner.Run(ctx, "sfdisk", "--part-type", device.Path,
			fmt.Sprintf("%d", record.Index), fmt.Sprintf("%02x", record.MBRType))
	}
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("setting partition type exited %d: %s", res.ExitCode, res.Stderr)
	}

	if record.Bootable {
		res, err = p.runner.Run(ctx, "parted", "--script", device.Path, "set",
			fmt.Sprintf("%d", record.Index), "boot", "on")
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("setting boot flag exited %d: %s", res.ExitCode, res.Stderr)
		}
	}
	return nil
}

// FormatPartition formats one record and fills in its filesystem UUID.
// Records without a filesystem (MSR, the support partition) are skipped.
func (p *Provisioner) FormatPartition(ctx context.Context, device types.Device, record *types.PartitionRecord) error {
	switch record.Filesystem {
	case types.FSNone, types.FSAuto, "":
		return nil
	}
	if record.Role == types.RoleUEFISupport {
		// Receives a raw image during bootloader installation instead.
		return nil
	}
	if err := p.registry.Format(ctx, record.Filesystem, record.Path, record.Label, device.Class); err != nil {
		return err
	}
	if uuid, err := p.FilesystemUUID(ctx, record.Path); err == nil && uuid != "" {
		record.UUID = uuid
	}
	if deviceNodeExists(record.Path) {
		capability, err := p.registry.Capability(record.Filesystem)
		if err != nil {
			return err
		}
		if err := p.validator.Validate(record.Path, capability); err != nil {
			return err
		}
	}
	return nil
}

// deviceNodeExists reports whether the partition's device node showed up.
// Validation only makes sense against a real node.
func deviceNodeExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeDevice != 0
}

// FilesystemUUID asks blkid for the filesystem UUID of a partition node.
func (p *Provisioner) FilesystemUUID(ctx context.Context, partitionPath string) (string, error) {
	res, err := p.runner.Run(ctx, "blkid", "-s", "UUID", "-o", "value", partitionPath)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("blkid exited %d: %s", res.ExitCode, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// rescan nudges the kernel to re-read the partition table and waits for
// udev to finish creating the device nodes.
func (p *Provisioner) rescan(ctx context.Context, device types.Device) error {
	if res, err := p.runner.Run(ctx, "blockdev", "--rereadpt", device.Path); err != nil || res.ExitCode != 0 {
		p.logger.Logger.Debug().Str("device", device.Path).Msg("blockdev re-read failed, relying on udev")
	}
	res, err := p.runner.Run(ctx, "udevadm", "settle")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("udevadm settle exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// CheckBusy refuses to touch a device with mounted partitions.
func (p *Provisioner) CheckBusy(device types.Device) error {
	mounts := probe.MountedPartitions(p.paths, filepath.Base(device.Path), &p.logger)
	if len(mounts) > 0 {
		return fmt.Errorf("%w: %s is mounted at %s", types.ErrDeviceBusy, device.Path, strings.Join(mounts, ", "))
	}
	return nil
}

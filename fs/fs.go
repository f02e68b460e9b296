// Package fs holds the filesystem backends and the capability-driven
// selection between them. Backends never reimplement a filesystem; they
// shell out to the userspace formatting tools and only own the argv.
package fs

import (
	"context"
	"fmt"

	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/types"
)

// Backend describes one formatting variant. Capability is static;
// FormatArgs folds the device class into concrete tool arguments.
type Backend interface {
	Capability() types.FilesystemCapability
	FormatArgs(partitionPath, label string, class types.DeviceClass) (tool string, args []string)
}

// DefaultPreference is the order tried when the source media carries files
// too big for FAT32. It is configurable, not doctrine.
var DefaultPreference = []types.FilesystemKind{types.FSExfat, types.FSNtfs, types.FSF2fs, types.FSBtrfs}

// Registry dispatches format and capability queries per filesystem kind.
type Registry struct {
	runner   executor.Interface
	logger   types.ForgeLogger
	backends map[types.FilesystemKind]Backend
}

func NewRegistry(runner executor.Interface, logger types.ForgeLogger) *Registry {
	return &Registry{
		runner: runner,
		logger: logger,
		backends: map[types.FilesystemKind]Backend{
			types.FSFat32: &fat32Backend{},
			types.FSNtfs:  &ntfsBackend{},
			types.FSExfat: &exfatBackend{},
			types.FSF2fs:  &f2fsBackend{},
			types.FSBtrfs: &btrfsBackend{},
		},
	}
}

// Backend returns the backend for a kind, or an error for kinds that have
// no formatting semantics (AUTO, NONE).
func (r *Registry) Backend(kind types.FilesystemKind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnsupportedFilesystem, kind)
	}
	return b, nil
}

// Capability returns the static capability record for a kind.
func (r *Registry) Capability(kind types.FilesystemKind) (types.FilesystemCapability, error) {
	b, err := r.Backend(kind)
	if err != nil {
		return types.FilesystemCapability{}, err
	}
	return b.Capability(), nil
}

// CheckDependencies reports whether every formatting tool the backend needs
// is on PATH, and which ones are missing.
func (r *Registry) CheckDependencies(kind types.FilesystemKind) (bool, []string) {
	b, err := r.Backend(kind)
	if err != nil {
		return false, nil
	}
	var missing []string
	for _, tool := range b.Capability().RequiredTools {
		if _, err := r.runner.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	return len(missing) == 0, missing
}

// Format runs the backend's formatting tool against one partition node.
// A non-zero tool exit maps to ErrFormatFailed.
func (r *Registry) Format(ctx context.Context, kind types.FilesystemKind, partitionPath, label string, class types.DeviceClass) error {
	b, err := r.Backend(kind)
	if err != nil {
		return err
	}
	if ok, missing := r.CheckDependencies(kind); !ok {
		return fmt.Errorf("%w: formatting %s needs %v", types.ErrDependencyMissing, kind, missing)
	}
	tool, args := b.FormatArgs(partitionPath, label, class)
	r.logger.Logger.Info().
		Str("filesystem", string(kind)).
		Str("partition", partitionPath).
		Str("class", class.String()).
		Msg("Formatting partition")
	res, err := r.runner.Run(ctx, tool, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrFormatFailed, tool, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited %d: %s", types.ErrFormatFailed, tool, res.ExitCode, res.Stderr)
	}
	return nil
}

// SelectOptimal picks a filesystem for the copy target. Sources without any
// file of 4 GiB or more get FAT32 for maximum firmware compatibility.
// Otherwise the preference order is walked and the first backend with its
// tools installed wins. When nothing qualifies the choice degrades to FAT32
// and the caller must surface the oversized-file hazard; copying such a file
// later fails explicitly rather than truncating.
func (r *Registry) SelectOptimal(hasLargeFiles bool, preference []types.FilesystemKind) (types.FilesystemKind, bool) {
	if len(preference) == 0 {
		preference = DefaultPreference
	}
	if !hasLargeFiles {
		if ok, _ := r.CheckDependencies(types.FSFat32); ok {
			return types.FSFat32, false
		}
	}
	for _, kind := range preference {
		if ok, _ := r.CheckDependencies(kind); ok {
			return kind, false
		}
	}
	r.logger.Logger.Warn().
		Bool("largeFiles", hasLargeFiles).
		Msg("No large-file capable formatting tool found, degrading to FAT32")
	return types.FSFat32, true
}

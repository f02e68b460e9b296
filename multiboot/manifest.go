// Package multiboot builds a device carrying several operating systems
// behind one aggregate boot menu, driven by a YAML manifest.
package multiboot

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/bootforge/bootforge/constants"
	"github.com/bootforge/bootforge/types"
)

// Manifest is the on-disk description of a multiboot build.
type Manifest struct {
	Device  string       `yaml:"device"`
	ESPSize string       `yaml:"esp_size,omitempty"`
	Shared  *SharedSpec  `yaml:"shared,omitempty"`
	Systems []SystemSpec `yaml:"systems"`
}

// SharedSpec is the data partition every installed OS can read. It always
// goes last on the device.
type SharedSpec struct {
	Filesystem string `yaml:"filesystem,omitempty"`
	Label      string `yaml:"label,omitempty"`
	Size       string `yaml:"size,omitempty"`
	Weight     int    `yaml:"weight,omitempty"`
}

// SystemSpec is one OS to install.
type SystemSpec struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // windows or linux
	Source     string `yaml:"source"`
	Size       string `yaml:"size,omitempty"`
	Weight     int    `yaml:"weight,omitempty"`
	Filesystem string `yaml:"filesystem,omitempty"`
	Label      string `yaml:"label,omitempty"`
	WinToGo    bool   `yaml:"wintogo,omitempty"`
	Kernel     string `yaml:"kernel,omitempty"`
	Initrd     string `yaml:"initrd,omitempty"`
	Params     string `yaml:"params,omitempty"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.Device == "" {
		return fmt.Errorf("manifest needs a target device")
	}
	if len(m.Systems) == 0 {
		return fmt.Errorf("manifest lists no systems")
	}
	for i, sys := range m.Systems {
		if sys.Source == "" {
			return fmt.Errorf("system %d (%s) has no source", i+1, sys.Name)
		}
		switch types.OSKind(sys.Kind) {
		case types.OSWindows, types.OSLinux:
		default:
			return fmt.Errorf("system %d (%s): unknown kind %q", i+1, sys.Name, sys.Kind)
		}
		if _, err := types.ParseFilesystemKind(sys.Filesystem); err != nil {
			return fmt.Errorf("system %d (%s): %w", i+1, sys.Name, err)
		}
		if sys.Size != "" {
			if _, err := ParseSize(sys.Size); err != nil {
				return fmt.Errorf("system %d (%s): %w", i+1, sys.Name, err)
			}
		}
	}
	return nil
}

// ESPSizeBytes returns the configured ESP size, defaulting and clamping to
// the supported range.
func (m *Manifest) ESPSizeBytes() (int64, error) {
	if m.ESPSize == "" {
		return constants.ESPSizeDefault, nil
	}
	size, err := ParseSize(m.ESPSize)
	if err != nil {
		return 0, err
	}
	if size < constants.ESPSizeMin {
		size = constants.ESPSizeMin
	}
	if size > constants.ESPSizeMax {
		size = constants.ESPSizeMax
	}
	return size, nil
}

// InstallSpecs expands the manifest into install specs, kernel parameters
// split shell-style.
func (m *Manifest) InstallSpecs() ([]types.OSInstallSpec, error) {
	out := make([]types.OSInstallSpec, 0, len(m.Systems))
	for i, sys := range m.Systems {
		kind, _ := types.ParseFilesystemKind(sys.Filesystem)
		size := int64(0)
		if sys.Size != "" {
			size, _ = ParseSize(sys.Size)
		}
		label := sys.Label
		if label == "" {
			label = fmt.Sprintf("OS%d", i+1)
		}
		spec := types.OSInstallSpec{
			Kind:         types.OSKind(sys.Kind),
			Name:         sys.Name,
			Source:       sys.Source,
			SizeBytes:    size,
			Filesystem:   kind,
			Label:        label,
			WinToGo:      sys.WinToGo,
			KernelPath:   sys.Kernel,
			InitrdPath:   sys.Initrd,
			KernelParams: sys.Params,
		}
		out = append(out, spec)
	}
	return out, nil
}

// KernelParamsFor splits a parameter string the way a shell would, so
// quoted arguments survive.
func KernelParamsFor(params string) ([]string, error) {
	if params == "" {
		return nil, nil
	}
	return shlex.Split(params)
}

// ParseSize understands plain byte counts and K/M/G suffixed sizes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier, s = constants.KB, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier, s = constants.MB, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier, s = constants.GB, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return n * multiplier, nil
}

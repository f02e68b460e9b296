// Package config resolves runtime settings from an optional env file and
// the process environment, environment winning.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/bootforge/bootforge/fs"
	"github.com/bootforge/bootforge/types"
)

// DefaultPath is consulted when no explicit config file is given.
const DefaultPath = "/etc/bootforge/bootforge.env"

// Config is everything tunable without a flag.
type Config struct {
	// Preference orders the large-file capable filesystems tried by the
	// automatic selection.
	Preference []types.FilesystemKind
	// SupportImagePath points at the firmware-readable helper image for
	// the trailing support partition.
	SupportImagePath string
	Debug            bool
}

// Load reads path (when it exists) into the environment and builds the
// config. Variables already set in the environment are never overridden,
// matching godotenv semantics.
func Load(path string, logger types.ForgeLogger) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		if err := godotenv.Load(path); err != nil {
			return nil, err
		}
		logger.Logger.Debug().Str("path", path).Msg("Loaded config file")
	}

	cfg := &Config{
		Preference:       fs.DefaultPreference,
		SupportImagePath: "/usr/share/bootforge/uefi-support.img",
	}
	if v := os.Getenv("BOOTFORGE_FS_PREFERENCE"); v != "" {
		preference, err := parsePreference(v)
		if err != nil {
			return nil, err
		}
		cfg.Preference = preference
	}
	if v := os.Getenv("BOOTFORGE_SUPPORT_IMAGE"); v != "" {
		cfg.SupportImagePath = v
	}
	if v := os.Getenv("BOOTFORGE_DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		cfg.Debug = true
	}
	return cfg, nil
}

func parsePreference(value string) ([]types.FilesystemKind, error) {
	var out []types.FilesystemKind
	for _, part := range strings.Split(value, ",") {
		kind, err := types.ParseFilesystemKind(part)
		if err != nil {
			return nil, err
		}
		if kind == types.FSAuto {
			continue
		}
		out = append(out, kind)
	}
	return out, nil
}

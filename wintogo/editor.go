package wintogo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bootforge/bootforge/executor"
	"github.com/bootforge/bootforge/types"
)

// OfflineConfigEditor writes DWORD values into an offline Windows registry
// hive. The preparer only decides which keys and data; how the hive is
// edited is this collaborator's business.
type OfflineConfigEditor interface {
	SetValue(hivePath, keyPath, valueName string, data uint32) error
}

// hivePrefix is the registry path the SYSTEM hive is merged under.
const hivePrefix = `HKEY_LOCAL_MACHINE\SYSTEM`

// hivexEditor edits hives through hivexregedit from the hivex suite. Each
// SetValue renders a one-key reg fragment and merges it into the hive.
type hivexEditor struct {
	runner executor.Interface
	logger types.ForgeLogger
}

func NewHivexEditor(runner executor.Interface, logger types.ForgeLogger) OfflineConfigEditor {
	return &hivexEditor{runner: runner, logger: logger}
}

func (h *hivexEditor) SetValue(hivePath, keyPath, valueName string, data uint32) error {
	h.logger.Logger.Debug().
		Str("hive", hivePath).
		Str("key", keyPath).
		Str("value", valueName).
		Uint32("data", data).
		Msg("Writing offline registry value")

	// hivexregedit strips the --prefix from every key it merges, so the
	// fragment's key names must carry it or the merge matches nothing.
	fragment := fmt.Sprintf("Windows Registry Editor Version 5.00\n\n[%s\\%s]\n%q=dword:%08x\n",
		hivePrefix, strings.Trim(keyPath, "\\"), valueName, data)
	tmp, err := os.CreateTemp("", "bootforge-reg")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(fragment); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	res, err := h.runner.Run(context.Background(), "hivexregedit",
		"--merge", hivePath, "--prefix", hivePrefix, tmp.Name())
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("hivexregedit exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// SystemHivePath locates the SYSTEM hive of a copied Windows tree.
func SystemHivePath(windowsMount string) string {
	return filepath.Join(windowsMount, "Windows", "System32", "config", "SYSTEM")
}

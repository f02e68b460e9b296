package wintogo

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// WindowsInfo is what can be learned about a Windows installation tree
// without booting it.
type WindowsInfo struct {
	Version string // "7", "8", "10", "11" or "unknown"
	Build   int    // 0 when not found
}

// NeedsRequirementBypass reports whether setup on this version gates on
// TPM 2.0 / Secure Boot / minimum RAM.
func (w WindowsInfo) NeedsRequirementBypass() bool {
	return w.Version == "11" || w.Build >= 22000
}

var buildNumberRe = regexp.MustCompile(`BuildNumber=(\d+)`)

// DetectWindows inspects a mounted or copied Windows tree and works out the
// major version. Windows 11 media carries appraiser DLLs under sources/;
// older media states its lineage in sources/cversion.ini.
func DetectWindows(root string) WindowsInfo {
	info := WindowsInfo{Version: "unknown"}

	for _, indicator := range []string{"appraiserres.dll", "compatresources.dll"} {
		if _, err := os.Stat(filepath.Join(root, "sources", indicator)); err == nil {
			info.Version = "11"
			break
		}
	}

	content, err := os.ReadFile(filepath.Join(root, "sources", "cversion.ini"))
	if err != nil {
		return info
	}
	text := string(content)
	if info.Version == "unknown" {
		switch {
		case strings.Contains(text, "MinClient=7"):
			info.Version = "7"
		case strings.Contains(text, "MinClient=8"):
			info.Version = "8"
		case strings.Contains(text, "MinClient=10"):
			info.Version = "10"
		}
	}
	if m := buildNumberRe.FindStringSubmatch(text); m != nil {
		info.Build, _ = strconv.Atoi(m[1])
		if info.Build >= 22000 {
			info.Version = "11"
		}
	}
	return info
}

// IsWindows7Media reports whether the source tree is Windows 7 based; its
// media ships without the EFI loaders in the place firmware looks.
func IsWindows7Media(root string) bool {
	content, err := os.ReadFile(filepath.Join(root, "sources", "cversion.ini"))
	if err == nil && regexp.MustCompile(`(?m)^MinServer=7\d{3}\.\d`).Match(content) {
		return true
	}
	_, err = os.Stat(filepath.Join(root, "bootmgr.efi"))
	return err == nil
}

// Package platform provides path normalization and host introspection
// helpers shared by the catalog and the command front end.
package platform

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// FormatPath expands a leading ~, normalizes separators for the host OS
// and makes the path absolute. A bare command name without separators is
// returned untouched so that $PATH resolution still applies.
func FormatPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			p = home + p[1:]
		}
	}
	if runtime.GOOS == "windows" {
		p = strings.ReplaceAll(p, "//", "/")
		p = strings.ReplaceAll(p, "/", `\`)
	} else {
		p = strings.ReplaceAll(p, `\`, "/")
		p = strings.ReplaceAll(p, "//", "/")
	}
	if strings.ContainsAny(p, `/\`) {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
	}
	return p
}

// Slug turns a display name into a filename-safe token: runs of double
// spaces are collapsed once, then spaces become dashes.
func Slug(name string) string {
	name = strings.ReplaceAll(name, "  ", " ")
	return strings.ReplaceAll(name, " ", "-")
}

// GuessInterpreter picks an interpreter for a target based on its file
// extension. The second return value is a human-readable kind label.
func GuessInterpreter(target string) (interpreter, kind string) {
	base := filepath.Base(target)
	if !strings.Contains(base, ".") {
		return "", "executable"
	}
	switch {
	case strings.HasSuffix(base, ".sh"):
		return "/bin/bash", "shell script"
	case strings.HasSuffix(base, ".py"):
		if _, err := exec.LookPath("python3"); err == nil {
			return "python3", "python script"
		}
		return "python", "python script"
	case strings.HasSuffix(base, ".exe"):
		return "", "windows executable"
	}
	return "", "executable"
}

// initSystemProbe maps a probe binary to the init system it indicates.
// Order matters: the first probe found on $PATH wins.
var initSystemProbes = []struct {
	binary string
	system string
}{
	{"systemctl", "systemd"},
	{"update-rc.d", "upstart"},
	{"chkconfig", "systemv"},
	{"rc-update", "openrc"},
	{"launchctl", "launchd"},
	{"sysrc", "rcd"},
	{"rcctl", "rcd-openbsd"},
	{"svcadm", "smf"},
}

// DetectInitSystem reports the host's init system, or "" when no known
// probe binary is present.
func DetectInitSystem() string {
	for _, probe := range initSystemProbes {
		if _, err := exec.LookPath(probe.binary); err == nil {
			return probe.system
		}
	}
	return ""
}

// Package startup generates and installs the boot service that brings
// registered apps back up after a reboot. The service runs
// `am3 start all` for one user at boot and `am3 stop all` on shutdown.
package startup

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/coreos/go-systemd/v22/unit"
)

// Unit is a rendered boot service, ready to stage and install.
type Unit struct {
	System   string // "systemd" or "launchd"
	Name     string // am3-<user>
	Path     string // install destination
	Contents string
}

// ErrUnsupported reports an init system no generator exists for.
type ErrUnsupported struct {
	System string
}

func (e *ErrUnsupported) Error() string {
	if e.System == "" {
		return "no supported init system detected"
	}
	return fmt.Sprintf("init system %q is not supported, only systemd and launchd are", e.System)
}

var launchdPlist = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Name}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Exec}}</string>
		<string>start</string>
		<string>all</string>
	</array>
	<key>RunAtLoad</key>
	<true/>
	<key>EnvironmentVariables</key>
	<dict>
		<key>HOME</key>
		<string>{{.Home}}</string>
	</dict>
</dict>
</plist>
`))

// Generate renders the boot service for the given init system. execPath
// must be absolute; username and home describe the account the apps
// belong to, since the catalog lives under that user's home.
func Generate(initSystem, execPath, username, home string) (*Unit, error) {
	name := "am3-" + username
	switch initSystem {
	case "systemd":
		contents, err := systemdUnit(name, execPath, username, home)
		if err != nil {
			return nil, err
		}
		return &Unit{
			System:   "systemd",
			Name:     name,
			Path:     filepath.Join("/etc/systemd/system", name+".service"),
			Contents: contents,
		}, nil
	case "launchd":
		var b strings.Builder
		err := launchdPlist.Execute(&b, struct{ Name, Exec, Home string }{name, execPath, home})
		if err != nil {
			return nil, fmt.Errorf("render plist: %w", err)
		}
		return &Unit{
			System:   "launchd",
			Name:     name,
			Path:     filepath.Join(home, "Library/LaunchAgents", name+".plist"),
			Contents: b.String(),
		}, nil
	}
	return nil, &ErrUnsupported{System: initSystem}
}

func systemdUnit(name, execPath, username, home string) (string, error) {
	opts := []*unit.UnitOption{
		{Section: "Unit", Name: "Description", Value: "am3 process supervisor for " + username},
		{Section: "Unit", Name: "After", Value: "network.target"},
		{Section: "Service", Name: "Type", Value: "oneshot"},
		{Section: "Service", Name: "RemainAfterExit", Value: "yes"},
		{Section: "Service", Name: "User", Value: username},
		{Section: "Service", Name: "Environment", Value: "HOME=" + home},
		{Section: "Service", Name: "ExecStart", Value: execPath + " start all"},
		{Section: "Service", Name: "ExecStop", Value: execPath + " stop all"},
		{Section: "Install", Name: "WantedBy", Value: "multi-user.target"},
	}
	b, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return "", fmt.Errorf("serialize unit: %w", err)
	}
	return string(b), nil
}

// InstallCommands lists the commands Install runs after staging the
// unit text at stagePath. System unit directories need sudo; the
// launchd agent lives in the user's home and does not.
func (u *Unit) InstallCommands(stagePath string) [][]string {
	switch u.System {
	case "systemd":
		return [][]string{
			{"sudo", "cp", stagePath, u.Path},
			{"sudo", "systemctl", "enable", u.Name + ".service"},
		}
	case "launchd":
		return [][]string{
			{"mkdir", "-p", filepath.Dir(u.Path)},
			{"cp", stagePath, u.Path},
			{"launchctl", "load", "-w", u.Path},
		}
	}
	return nil
}

// Runner executes one install command. Tests swap in a recorder.
type Runner func(name string, args ...string) error

// ExecRunner runs commands through the shell environment, logging the
// combined output of any failure.
func ExecRunner(logger *slog.Logger) Runner {
	return func(name string, args ...string) error {
		out, err := exec.Command(name, args...).CombinedOutput()
		if err != nil {
			logger.Error("command failed", "cmd", name, "output", strings.TrimSpace(string(out)))
			return err
		}
		return nil
	}
}

// Install stages the unit text under stageDir as init.txt, then runs
// the install commands, echoing each one through the logger.
func Install(u *Unit, stageDir string, run Runner, logger *slog.Logger) error {
	stagePath := filepath.Join(stageDir, "init.txt")
	if err := os.WriteFile(stagePath, []byte(u.Contents), 0o644); err != nil {
		return fmt.Errorf("stage %s: %w", stagePath, err)
	}
	logger.Info("boot service staged", "path", stagePath, "target", u.Path)

	for _, argv := range u.InstallCommands(stagePath) {
		logger.Info("running", "cmd", strings.Join(argv, " "))
		if err := run(argv[0], argv[1:]...); err != nil {
			return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
		}
	}
	return nil
}

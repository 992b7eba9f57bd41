package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/am3team/am3/internal/catalog"
	"github.com/am3team/am3/internal/logging"
	"github.com/am3team/am3/internal/monitor"
	"github.com/am3team/am3/internal/proctree"
)

var rootCmd = &cobra.Command{
	Use:   "am3",
	Short: "am3 -- keep-alive application manager",
	Long: "am3 registers applications in a persistent catalog under ~/.am3 and\n" +
		"keeps them running through detached per-app monitor processes.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore builds the control logger and opens the catalog. The
// terminal only sees warnings and up; the control log under the data
// root records the full info stream, size-rotated.
func openStore() (*catalog.Store, *slog.Logger, error) {
	root := catalog.DefaultRoot()
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, nil, fmt.Errorf("cannot create data directory: %s: %w", root, err)
	}

	logWriter, err := logging.NewRotatingWriter(filepath.Join(root, "am3.log"), "10MB", 3)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Control(logWriter, slog.LevelWarn)

	store, err := catalog.Open(root, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, logger, nil
}

// stopApp takes down one app's monitor tree. A missing pid file means
// the app is already stopped, which counts as success; a malformed one
// is cleaned up the same way.
func stopApp(store *catalog.Store, logger *slog.Logger, id string) error {
	cfg, err := store.Get(id)
	if err != nil {
		return err
	}
	pid, err := proctree.ReadPIDFile(cfg.AppPIDFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("app already stopped", "id", id, "name", cfg.Name)
			return nil
		}
		logger.Warn("removing unreadable pid file", "id", id, "path", cfg.AppPIDFile, "error", err)
		proctree.RemovePIDFile(cfg.AppPIDFile)
		return nil
	}

	logger.Info("stopping app", "id", id, "name", cfg.Name, "pid", pid)
	proctree.KillTree(pid, logger)
	proctree.RemovePIDFile(cfg.AppPIDFile)
	return nil
}

// startApp spawns the app's detached monitor, stopping a live one
// first so exactly one engine owns the app.
func startApp(store *catalog.Store, logger *slog.Logger, out io.Writer, id string) error {
	cfg, err := store.Get(id)
	if err != nil {
		return err
	}
	if pid, alive := proctree.FileAlive(cfg.AppPIDFile); alive {
		logger.Info("app already running, stopping first", "id", id, "pid", pid)
		if err := stopApp(store, logger, id); err != nil {
			return err
		}
	}

	pid, err := monitor.Launch(id, cfg.WorkingDirectory)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (%s): started, monitor pid %d\n", id, cfg.Name, pid)
	return nil
}

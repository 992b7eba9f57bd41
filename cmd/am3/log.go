package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/am3team/am3/internal/logging"
)

var (
	logFollow bool
	logLines  int
)

var logCmd = &cobra.Command{
	Use:     "log [id]",
	Aliases: []string{"logs"},
	Short:   "Show an app's log, or am3's own log",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}

		path := store.ControlLogPath()
		if len(args) == 1 {
			cfg, err := store.Get(args[0])
			if err != nil {
				return err
			}
			path = cfg.AppLogPath
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("app %s has no log yet: %s", args[0], path)
			}
		} else if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			// The control log may not exist until something was logged.
			if err := os.WriteFile(path, nil, 0644); err != nil {
				return err
			}
		}

		if logFollow {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			return logging.Follow(ctx, cmd.OutOrStdout(), path)
		}
		return logging.Tail(cmd.OutOrStdout(), path, logLines)
	},
}

func init() {
	logCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "keep printing as the log grows")
	logCmd.Flags().IntVarP(&logLines, "lines", "n", 10, "number of trailing lines to show")
	rootCmd.AddCommand(logCmd)
}

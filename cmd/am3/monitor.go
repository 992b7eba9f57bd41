package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/am3team/am3/internal/logging"
	"github.com/am3team/am3/internal/monitor"
)

var monitorCmd = &cobra.Command{
	Use:    "monitor <id>",
	Short:  "Run the supervision engine for one app",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := openStore()
		if err != nil {
			return err
		}
		id := args[0]
		cfg, err := store.Get(id)
		if err != nil {
			return err
		}

		capture, err := logging.NewRotatingWriter(cfg.AppLogPath, "1MB", 10)
		if err != nil {
			return err
		}
		defer capture.Close()

		engine := monitor.New(id, *cfg, &monitor.ExecSpawner{}, capture, logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

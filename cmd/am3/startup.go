package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"

	"github.com/am3team/am3/internal/platform"
	"github.com/am3team/am3/internal/startup"
)

var startupCmd = &cobra.Command{
	Use:   "startup",
	Short: "Install a boot service that runs `am3 start all`",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := openStore()
		if err != nil {
			return err
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate own binary: %w", err)
		}
		u, err := user.Current()
		if err != nil {
			return err
		}

		initSystem := platform.DetectInitSystem()
		unit, err := startup.Generate(initSystem, exe, u.Username, u.HomeDir)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "installing %s service %s\n", unit.System, unit.Name)

		run := startup.ExecRunner(logger)
		echoRun := func(name string, cmdArgs ...string) error {
			fmt.Fprintln(out, "+ "+name+" "+strings.Join(cmdArgs, " "))
			return run(name, cmdArgs...)
		}
		if err := startup.Install(unit, store.InitDir(), echoRun, logger); err != nil {
			return err
		}
		fmt.Fprintf(out, "boot service installed at %s\n", unit.Path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startupCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:     "stop <id|all>",
	Aliases: []string{"sto"},
	Short:   "Stop a running app",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := openStore()
		if err != nil {
			return err
		}
		ids, err := store.Resolve(args[0])
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := stopApp(store, logger, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", id)
		}
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:     "restart <id|all>",
	Aliases: []string{"re", "res"},
	Short:   "Restart an app",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := openStore()
		if err != nil {
			return err
		}
		ids, err := store.Resolve(args[0])
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := stopApp(store, logger, id); err != nil {
				return err
			}
			if err := startApp(store, logger, cmd.OutOrStdout(), id); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
}

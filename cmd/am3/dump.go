package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:     "save",
	Aliases: []string{"sav"},
	Short:   "Save the app list so it can be restored later",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Save(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "app list saved to %s\n", store.DumpPath())
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:     "load",
	Aliases: []string{"ld"},
	Short:   "Restore the app list from the last save",
	Long: "Restore the catalog from the last save. Running apps are stopped and\n" +
		"the current state is backed up first; nothing is started afterwards.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := openStore()
		if err != nil {
			return err
		}
		rows, err := store.Restore(func(id string) error {
			return stopApp(store, logger, id)
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "restored %d apps from %s\n", len(rows), store.DumpPath())
		if len(rows) > 0 {
			fmt.Fprintln(out, "run `am3 start all` to start them")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(loadCmd)
}

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var deleteYes bool

var deleteCmd = &cobra.Command{
	Use:     "delete <id|all>",
	Aliases: []string{"del", "dele"},
	Short:   "Stop an app and remove it from the catalog",
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

		if args[0] == "all" && !deleteYes {
			fmt.Fprintf(cmd.OutOrStdout(), "delete all %d apps? [y/N]: ", len(ids))
			line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			if answer != "y" && answer != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}
		}

		for _, id := range ids {
			if err := stopApp(store, logger, id); err != nil {
				return err
			}
			if err := store.Delete(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted\n", id)
		}
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "delete without asking")
	rootCmd.AddCommand(deleteCmd)
}

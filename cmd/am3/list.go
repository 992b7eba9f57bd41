package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/am3team/am3/internal/catalog"
)

var listAll bool

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"l", "ls", "lis"},
	Short:   "List registered apps",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}
		rows, err := store.List()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(rows) == 0 {
			fmt.Fprintln(out, "no registered apps")
			return nil
		}

		if err := printTable(out, store, rows, listAll); err != nil {
			return err
		}
		return printDumpStatus(out, store)
	},
}

// printTable renders the app table. Cells are padded before they are
// colored, since escape codes would otherwise throw the widths off.
func printTable(out io.Writer, store *catalog.Store, rows []catalog.AppStatus, detail bool) error {
	headers := []string{"ID", "NAME", "RUNNING"}
	if detail {
		headers = append(headers, "START", "WORKDIR", "PID FILE")
	}

	cells := make([][]string, 0, len(rows))
	for _, row := range rows {
		running := "false"
		if row.Running {
			running = "true"
		}
		cell := []string{row.AppID, row.AppName, running}
		if detail {
			cfg, err := store.Get(row.AppID)
			if err != nil {
				return err
			}
			cell = append(cell, cfg.Start, cfg.WorkingDirectory, cfg.AppPIDFile)
		}
		cells = append(cells, cell)
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, cell := range cells {
		for i, v := range cell {
			if len(v) > widths[i] {
				widths[i] = len(v)
			}
		}
	}

	head := color.New(color.FgHiCyan).SprintFunc()
	cols := make([]string, len(headers))
	for i, h := range headers {
		cols[i] = head(pad(h, widths[i]))
	}
	fmt.Fprintln(out, strings.Join(cols, "  "))

	for _, cell := range cells {
		for i, v := range cell {
			padded := pad(v, widths[i])
			switch i {
			case 0:
				cols[i] = head(padded)
			case 2:
				if v == "true" {
					cols[i] = color.GreenString(padded)
				} else {
					cols[i] = color.RedString(padded)
				}
			default:
				cols[i] = padded
			}
		}
		fmt.Fprintln(out, strings.Join(cols[:len(cell)], "  "))
	}
	return nil
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}

// printDumpStatus reports how the catalog relates to the last save:
// a hint when nothing was saved yet, otherwise the two consistency
// lines plus the save hint on drift.
func printDumpStatus(out io.Writer, store *catalog.Store) error {
	if _, err := os.Stat(store.DumpPath()); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(out, "app list not saved yet, run %s to keep it\n", color.GreenString("am3 save"))
		return nil
	}

	configSame, listSame, err := store.DumpConsistency()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "app config consistent with last save: %v\n", configSame)
	fmt.Fprintf(out, "app list consistent with last save: %v\n", listSame)
	if !configSame || !listSame {
		fmt.Fprintf(out, "catalog changed since last save, run %s to update it\n", color.GreenString("am3 save"))
	}
	return nil
}

func init() {
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "show start path, working directory and pid file")
	rootCmd.AddCommand(listCmd)
}

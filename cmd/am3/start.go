package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/am3team/am3/internal/catalog"
)

var (
	startTarget        string
	startInterpreter   string
	startConf          string
	startWorkdir       string
	startParams        string
	startName          string
	startGenerate      string
	startBefore        string
	startRestartCtl    bool
	startCheckDelay    int
	startKeywords      []string
	startKeywordRegexp []string
	startWaitTime      int
	startUpdateScript  string
)

var startCmd = &cobra.Command{
	Use:     "start [id|all]",
	Aliases: []string{"st", "star"},
	Short:   "Start a registered app, or register and start a new one",
	Long: "Start a registered app by id, register a new app from flags or a\n" +
		"config file, or generate a config file without starting anything.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := openStore()
		if err != nil {
			return err
		}

		if startGenerate != "" {
			return runGenerate(cmd, store, logger)
		}

		if len(args) == 1 {
			ids, err := store.Resolve(args[0])
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := startApp(store, logger, cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		}

		cfg, err := buildStartConfig(store, logger)
		if err != nil {
			return err
		}
		if err := store.FillDefaults(cfg); err != nil {
			return err
		}
		id, err := store.CreateOrUpdate(cfg)
		if err != nil {
			return err
		}
		return startApp(store, logger, cmd.OutOrStdout(), id)
	},
}

// buildStartConfig assembles the record to register. A config file is
// taken whole; otherwise the flags describe the app.
func buildStartConfig(store *catalog.Store, logger *slog.Logger) (*catalog.AppConfig, error) {
	if startConf != "" {
		cfg, warnings, err := catalog.LoadAppConfig(startConf)
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			logger.Warn(w, "file", startConf)
		}
		return cfg, nil
	}
	if startTarget == "" {
		return nil, errors.New("an app id, --start, or --conf is required")
	}
	return configFromFlags(), nil
}

func configFromFlags() *catalog.AppConfig {
	return &catalog.AppConfig{
		Start:               startTarget,
		Interpreter:         startInterpreter,
		WorkingDirectory:    startWorkdir,
		Params:              startParams,
		Name:                startName,
		BeforeExecute:       startBefore,
		RestartControl:      startRestartCtl,
		RestartCheckDelay:   startCheckDelay,
		RestartKeyword:      startKeywords,
		RestartKeywordRegex: startKeywordRegexp,
		RestartWaitTime:     startWaitTime,
		UpdateScript:        startUpdateScript,
	}
}

// runGenerate fills in an app config and writes it to a file instead
// of starting anything. A --conf file is the base; explicit flags
// override it.
func runGenerate(cmd *cobra.Command, store *catalog.Store, logger *slog.Logger) error {
	cfg := &catalog.AppConfig{RestartControl: true, RestartWaitTime: 1}
	if startConf != "" {
		loaded, warnings, err := catalog.LoadAppConfig(startConf)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			logger.Warn(w, "file", startConf)
		}
		cfg = loaded
	}
	applyFlagOverrides(cmd, cfg)
	if cfg.Start == "" {
		return errors.New("--start or --conf is required with --generate")
	}

	if err := store.FillDefaults(cfg); err != nil {
		return err
	}
	if err := catalog.WriteAppConfig(startGenerate, cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", startGenerate)
	return nil
}

// applyFlagOverrides lays explicitly given flags over cfg. Bool and
// numeric flags only count when set on the command line, so config
// file values survive unless overridden.
func applyFlagOverrides(cmd *cobra.Command, cfg *catalog.AppConfig) {
	flags := cmd.Flags()
	if startTarget != "" {
		cfg.Start = startTarget
	}
	if startInterpreter != "" {
		cfg.Interpreter = startInterpreter
	}
	if startWorkdir != "" {
		cfg.WorkingDirectory = startWorkdir
	}
	if startParams != "" {
		cfg.Params = startParams
	}
	if startName != "" {
		cfg.Name = startName
	}
	if startBefore != "" {
		cfg.BeforeExecute = startBefore
	}
	if startUpdateScript != "" {
		cfg.UpdateScript = startUpdateScript
	}
	if flags.Changed("restart-control") {
		cfg.RestartControl = startRestartCtl
	}
	if flags.Changed("restart-check-delay") {
		cfg.RestartCheckDelay = startCheckDelay
	}
	if flags.Changed("restart-wait-time") {
		cfg.RestartWaitTime = startWaitTime
	}
	if len(startKeywords) > 0 {
		cfg.RestartKeyword = startKeywords
	}
	if len(startKeywordRegexp) > 0 {
		cfg.RestartKeywordRegex = startKeywordRegexp
	}
}

func init() {
	f := startCmd.Flags()
	f.StringVarP(&startTarget, "start", "s", "", "path of the program or script to run")
	f.StringVarP(&startInterpreter, "interpreter", "i", "", "interpreter to run the target with")
	f.StringVarP(&startConf, "conf", "c", "", "app config file (JSON, or TOML with a .toml extension)")
	f.StringVarP(&startWorkdir, "working-directory", "d", "", "working directory for the app")
	f.StringVarP(&startParams, "params", "p", "", "arguments appended to the command line")
	f.StringVarP(&startName, "name", "n", "", "app name (defaults to the target's base name)")
	f.StringVarP(&startGenerate, "generate", "g", "", "write the filled-in config to this file and exit")
	f.StringVarP(&startBefore, "before-execute", "b", "", "readiness script run before the first spawn")
	f.BoolVar(&startRestartCtl, "restart-control", true, "kill and respawn when a restart keyword matches")
	f.IntVar(&startCheckDelay, "restart-check-delay", 0, "seconds after spawn during which keywords are ignored")
	f.StringArrayVar(&startKeywords, "restart-keyword", nil, "restart when this substring appears in output (repeatable)")
	f.StringArrayVar(&startKeywordRegexp, "restart-keyword-regex", nil, "restart when this regexp matches output (repeatable)")
	f.IntVarP(&startWaitTime, "restart-wait-time", "t", 1, "seconds to wait before a respawn")
	f.StringVar(&startUpdateScript, "update-script", "", "script for updating the app in place")
	rootCmd.AddCommand(startCmd)
}

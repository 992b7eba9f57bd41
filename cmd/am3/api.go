package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/am3team/am3/internal/api"
	"github.com/am3team/am3/internal/catalog"
	"github.com/am3team/am3/internal/events"
	"github.com/am3team/am3/internal/logging"
	"github.com/am3team/am3/internal/metrics"
	"github.com/am3team/am3/internal/proctree"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Manage the remote-control bridge",
}

var apiInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Configure the bridge interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		in := bufio.NewReader(cmd.InOrStdin())

		hostname, _ := os.Hostname()
		nodeName, err := promptLine(in, out, "node name", hostname)
		if err != nil {
			return err
		}
		token, err := readToken(cmd, in)
		if err != nil {
			return err
		}
		serverAddr, err := promptLine(in, out, "control server address", "http://127.0.0.1:8000")
		if err != nil {
			return err
		}
		namespace, err := promptLine(in, out, "namespace", "/am3_control")
		if err != nil {
			return err
		}
		socketIOPath, err := promptLine(in, out, "socket.io path", "/socket.io")
		if err != nil {
			return err
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return err
		}

		err = store.Mutate(func(doc *catalog.Document) error {
			apiCfg := doc.API()
			apiCfg.NodeName = nodeName
			apiCfg.APIToken = string(hash)
			apiCfg.ServerAddress = serverAddr
			apiCfg.Namespace = namespace
			apiCfg.SocketIOPath = socketIOPath
			return doc.SetAPI(apiCfg)
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(out, "api configured")
		fmt.Fprintf(out, "token (shown once, store it now): %s\n", token)
		return nil
	},
}

// promptLine asks for one value, returning def on an empty answer.
func promptLine(in *bufio.Reader, out io.Writer, label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	line, err := in.ReadString('\n')
	if err != nil && line == "" && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

// readToken asks for the api token, without echo when stdin is a
// terminal. An empty answer generates a random one.
func readToken(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	out := cmd.OutOrStdout()
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, "api token (empty generates one): ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		if token := strings.TrimSpace(string(raw)); token != "" {
			return token, nil
		}
		return uuid.New().String(), nil
	}

	token, err := promptLine(in, out, "api token (empty generates one)", "")
	if err != nil {
		return "", err
	}
	if token == "" {
		return uuid.New().String(), nil
	}
	return token, nil
}

var apiStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the bridge in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := openStore()
		if err != nil {
			return err
		}
		doc, err := store.Load()
		if err != nil {
			return err
		}
		if doc.API().APIToken == "" {
			return errors.New("api not configured, run `am3 api init` first")
		}

		out := cmd.OutOrStdout()
		pidFile := filepath.Join(store.PidsDir(), "api.pid")
		if pid, alive := proctree.FileAlive(pidFile); alive {
			fmt.Fprintf(out, "api bridge already running, pid %d\n", pid)
			return nil
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate own binary: %w", err)
		}
		logPath := filepath.Join(store.LogsDir(), "api.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer logFile.Close()

		bridge := exec.Command(exe, "api", "run")
		bridge.Stdout = logFile
		bridge.Stderr = logFile
		bridge.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := bridge.Start(); err != nil {
			return fmt.Errorf("cannot start api bridge: %w", err)
		}
		if err := proctree.WritePIDFile(pidFile, bridge.Process.Pid); err != nil {
			return err
		}

		logger.Info("api bridge started", "pid", bridge.Process.Pid)
		fmt.Fprintf(out, "api bridge started, pid %d, log %s\n", bridge.Process.Pid, logPath)
		return nil
	},
}

var apiStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the bridge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := openStore()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		pidFile := filepath.Join(store.PidsDir(), "api.pid")
		pid, err := proctree.ReadPIDFile(pidFile)
		if err != nil {
			fmt.Fprintln(out, "api bridge not running")
			return nil
		}
		if !proctree.Alive(pid) {
			proctree.RemovePIDFile(pidFile)
			fmt.Fprintln(out, "api bridge not running")
			return nil
		}

		proctree.KillTree(pid, logger)
		proctree.RemovePIDFile(pidFile)
		fmt.Fprintln(out, "api bridge stopped")
		return nil
	},
}

var apiRunCmd = &cobra.Command{
	Use:    "run",
	Short:  "Run the bridge in the foreground",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// The bridge runs with stderr pointed at logs/api.log, so it
		// gets its own structured logger instead of the control one.
		logger := logging.WithFields(logging.New(logging.LogConfig{Level: "info", Format: "json"}), "component", "api")

		root := catalog.DefaultRoot()
		if err := os.MkdirAll(root, 0755); err != nil {
			return fmt.Errorf("cannot create data directory: %s: %w", root, err)
		}
		store, err := catalog.Open(root, logger)
		if err != nil {
			return err
		}
		doc, err := store.Load()
		if err != nil {
			return err
		}
		apiCfg := doc.API()
		if apiCfg.APIToken == "" {
			return errors.New("api not configured, run `am3 api init` first")
		}

		addr := api.ListenAddr(apiCfg.ServerAddress)
		if addr == "" {
			addr = "127.0.0.1:8000"
		}
		nodeName := apiCfg.NodeName
		if nodeName == "" {
			nodeName, _ = os.Hostname()
		}

		bus := events.NewBus(logger)
		srv := api.NewServer(
			api.Config{Addr: addr, NodeName: nodeName, TokenHash: apiCfg.APIToken},
			store,
			&api.ExecController{Logger: logger},
			metrics.New(store, logger),
			bus,
			logger,
		)
		watcher := api.NewWatcher(store.Root(), store.PidsDir(), bus, logger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx, watcher)
	},
}

func init() {
	apiCmd.AddCommand(apiInitCmd, apiStartCmd, apiStopCmd, apiRunCmd)
	rootCmd.AddCommand(apiCmd)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/boma/internal/config"
	"github.com/jkaninda/boma/internal/protocol"
	"github.com/jkaninda/boma/internal/session"
)

var (
	execConfigPath string
	execTimeout    int
)

var execCmd = &cobra.Command{
	Use:   "exec [command]",
	Short: "Run one command in a throwaway sandbox session",
	Long: `Run a single shell command in a fresh sandbox session and print its
output. The session and its workspace are destroyed when the command finishes.

Examples:
  boma exec "echo hello"
  boma exec --timeout 10 "curl -s https://example.com"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 0, "execution deadline in seconds (0 = config default)")
}

func runExec(_ *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := loadConfig(goutils.Env("BOMA_CONFIG", execConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	taskID := "exec-" + uuid.NewString()[:8]
	params, err := json.Marshal(protocol.ShellRunParams{
		Command:        strings.Join(args, " "),
		TimeoutSeconds: execTimeout,
	})
	if err != nil {
		return err
	}

	resp := sc.Dispatcher.Dispatch(context.Background(), &protocol.Request{
		TaskID:     taskID,
		Op:         protocol.OpShellRun,
		Parameters: params,
	})
	if destroyErr := sc.Sessions.Destroy(taskID, session.ReasonExplicit); destroyErr != nil {
		logger.Warn("destroying session", slog.String("error", destroyErr.Error()))
	}

	if resp.Status == protocol.StatusError {
		return fmt.Errorf("%s: %s", resp.ErrorKind, resp.ErrorDetail)
	}

	result, ok := resp.Result.(*protocol.RunResult)
	if !ok {
		return fmt.Errorf("unexpected result type %T", resp.Result)
	}

	fmt.Fprint(os.Stdout, result.Stdout)
	fmt.Fprint(os.Stderr, result.Stderr)
	if result.TimedOut {
		fmt.Fprintln(os.Stderr, "boma: command timed out")
	}
	if result.ExitCode != 0 {
		sc.Cleanup()
		os.Exit(result.ExitCode)
	}
	return nil
}

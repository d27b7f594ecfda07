package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/webtestrunner/devserver/internal/client"
)

var (
	reportPassed    bool
	reportErrors    []string
	reportSkipStart bool
	reportTimeout   time.Duration
)

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Report a session's lifecycle to a running server",
	Long: `Do what a browser does for one session: fetch its config, report it
started, then report it finished with the given outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List finished runs recorded by a running server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	reportCmd.Flags().BoolVar(&reportPassed, "passed", true, "Whether the session passed")
	reportCmd.Flags().StringArrayVar(&reportErrors, "error", nil, "Error message to report (repeatable)")
	reportCmd.Flags().BoolVar(&reportSkipStart, "skip-start", false, "Do not send session-started")
	reportCmd.Flags().DurationVar(&reportTimeout, "timeout", 30*time.Second, "Overall timeout")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum entries to list (0 for all)")
}

func runReport(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	ctx, cancel := context.WithTimeout(cmd.Context(), reportTimeout)
	defer cancel()

	c := client.NewHTTPClient(serverURL)
	cfg, err := c.Config(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}
	fmt.Printf("session %s run %d: %s (%s)\n", cfg.ID, cfg.TestRun, cfg.TestFile, cfg.Status)

	if !reportSkipStart {
		if err := c.SessionStarted(ctx, sessionID); err != nil {
			return fmt.Errorf("report started: %w", err)
		}
	}

	result := client.Result{Passed: reportPassed && len(reportErrors) == 0, Errors: []client.TestError{}}
	for _, msg := range reportErrors {
		result.Errors = append(result.Errors, client.TestError{Message: msg})
	}
	if err := c.SessionFinished(ctx, sessionID, result); err != nil {
		return fmt.Errorf("report finished: %w", err)
	}
	fmt.Printf("reported passed=%t errors=%d\n", result.Passed, len(result.Errors))
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	var sessionID string
	if len(args) == 1 {
		sessionID = args[0]
	}
	entries, err := client.NewHTTPClient(serverURL).History(cmd.Context(), sessionID, historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}
	for _, e := range entries {
		outcome := "unknown"
		if e.Passed != nil {
			outcome = map[bool]string{true: "passed", false: "failed"}[*e.Passed]
		}
		fmt.Printf("%s  %-36s  run %-3d %-7s errors=%d  %s\n",
			e.FinishedAt.Local().Format(time.DateTime), e.SessionID, e.TestRun, outcome, e.ErrorCount, e.TestFile)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webtestrunner/devserver/internal/config"
	"github.com/webtestrunner/devserver/internal/depgraph"
	"github.com/webtestrunner/devserver/internal/devserver"
	"github.com/webtestrunner/devserver/internal/session"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort    int
	serveRootDir string
	serveWatch   bool
	serveBrowser string
	serveHistory bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [test files or globs...]",
	Short: "Start the dev server with one session per test file",
	Long: `Start the dev server and register one session per test file.

Arguments are files or glob patterns relative to the root dir. Each matching
file gets a session; open the printed URL in a browser to run it. With
--watch, editing a test file or anything it loaded reruns it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on (0 picks a free port)")
	serveCmd.Flags().StringVar(&serveRootDir, "root-dir", "", "Directory files are served from (default: current)")
	serveCmd.Flags().BoolVarP(&serveWatch, "watch", "w", false, "Rerun sessions when their files change")
	serveCmd.Flags().StringVar(&serveBrowser, "browser", "chromium", "Browser name recorded on each session")
	serveCmd.Flags().BoolVar(&serveHistory, "history", false, "Record finished runs in the history database")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("root-dir") {
		cfg.Server.RootDir = serveRootDir
	}
	if flags.Changed("watch") {
		cfg.Watch.Enabled = serveWatch
	}
	if flags.Changed("history") {
		cfg.History.Enabled = serveHistory
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	rootDir := cwd
	if cfg.Server.RootDir != "" {
		if rootDir, err = filepath.Abs(cfg.Server.RootDir); err != nil {
			return err
		}
	}
	if !withinDir(cwd, rootDir) {
		return fmt.Errorf("root dir %s is outside the working directory %s", rootDir, cwd)
	}
	files, err := expandTestFiles(rootDir, args)
	if err != nil {
		return err
	}
	for _, f := range files {
		if !withinDir(cwd, f) {
			return fmt.Errorf("test file %s is outside the working directory %s", f, cwd)
		}
	}

	store := session.NewStore()
	for _, f := range files {
		store.Create(f, serveBrowser)
	}

	ctx, stop := signalContext(context.Background())
	defer stop()

	srv := devserver.New(cfg, devserver.Deps{Store: store, Logger: logger})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	base := "http://" + srv.Addr().String()
	for _, s := range store.All() {
		logger.Info("session ready",
			zap.String("session", s.ID),
			zap.String("test_file", s.TestFile),
			zap.String("url", fmt.Sprintf("%s/?%s=%s", base, depgraph.SessionParam, s.ID)))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// withinDir reports whether path is dir or lies below it.
func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// expandTestFiles resolves args against rootDir. Each argument must match at
// least one file. The result is absolute, sorted and free of duplicates.
func expandTestFiles(rootDir string, args []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, arg := range args {
		pattern := arg
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(rootDir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no test files match %q", arg)
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[abs]; ok {
				continue
			}
			seen[abs] = struct{}{}
			out = append(out, abs)
		}
	}
	sort.Strings(out)
	return out, nil
}

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webtestrunner/devserver/internal/client"
	"github.com/webtestrunner/devserver/internal/ws"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream session events from a running server as JSON lines",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		stream := client.NewWSClient(eventsURL(serverURL), logger)
		enc := json.NewEncoder(os.Stdout)
		err = stream.Listen(ctx, func(msg client.WSMessage) {
			if err := enc.Encode(msg); err != nil {
				logger.Warn("write event", zap.Error(err))
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

// eventsURL turns a server base URL into its event stream URL.
func eventsURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + ws.EventsPath
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

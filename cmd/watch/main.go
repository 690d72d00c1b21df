// Command watch follows the live feed in a terminal.
//
//	watch --token ACCESS_TOKEN [--session ID] [--server URL]
//
// Without --session it follows the sessions of the caller's subjects; with it, the
// check-ins of that session. Dropped connections are retried with exponential backoff
// and every reconnect starts again from a fresh snapshot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"otcattendance/internal/config"
	"otcattendance/internal/logging"
)

func main() {
	server := pflag.String("server", "", "API base URL (defaults to PUBLIC_URL)")
	token := pflag.String("token", os.Getenv("OTC_TOKEN"), "access token (defaults to OTC_TOKEN)")
	sessionID := pflag.String("session", "", "follow check-ins of this session instead of the session list")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *token == "" {
		logger.Fatal("an access token is required (--token or OTC_TOKEN)")
	}
	base := *server
	if base == "" {
		base = cfg.PublicURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := newWatcher(feedURL(base, *sessionID), *token, os.Stdout, logger)
	if err := w.run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("watch stopped", zap.Error(err))
	}
}

// feedURL maps an http(s) API base to the websocket endpoint for the chosen topic.
func feedURL(base, sessionID string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if sessionID == "" {
		return base + "/v1/feed/sessions"
	}
	return base + "/v1/feed/sessions/" + sessionID + "/attendance"
}

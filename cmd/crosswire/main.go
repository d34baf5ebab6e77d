// Command crosswire runs the translating proxy: an Anthropic Messages API
// front-end driving the Cloud Code back-end through the account pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/crosswire-dev/crosswire/internal/config"
	"github.com/crosswire-dev/crosswire/internal/format"
	"github.com/crosswire-dev/crosswire/internal/logging"
	"github.com/crosswire-dev/crosswire/internal/pool"
	"github.com/crosswire-dev/crosswire/internal/redisstore"
	"github.com/crosswire-dev/crosswire/internal/server"
	"github.com/crosswire-dev/crosswire/internal/stats"
	"github.com/crosswire-dev/crosswire/internal/upstream"
)

func main() {
	var (
		port     = flag.Int("port", 0, "listen port (overrides config)")
		host     = flag.String("host", "", "listen host (overrides config)")
		debug    = flag.Bool("debug", false, "enable debug logging")
		strategy = flag.String("strategy", "", "account selection strategy (hybrid, round-robin)")
		accounts = flag.String("accounts", "", "path to accounts.json (defaults to the config directory)")
	)
	flag.Parse()

	cfg := config.Get()
	if *port > 0 {
		cfg.Port = *port
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *debug {
		cfg.Debug = true
		logging.SetDebug(true)
	}
	if *strategy != "" {
		cfg.SetStrategy(*strategy)
	}

	logging.Header(fmt.Sprintf("crosswire v%s", config.Version))

	var recorder *stats.Recorder
	if cfg.RedisEnabled {
		redisClient, err := redisstore.Connect(context.Background())
		if err != nil {
			logging.Warn("Redis unavailable, continuing memory-only: %v", err)
			format.InitCache(nil)
		} else {
			defer redisClient.Close()
			format.InitCache(redisstore.NewSignatureStore(redisClient))
			recorder = stats.NewRecorder(redisClient)
		}
	} else {
		format.InitCache(nil)
	}

	manager, err := pool.NewManager(*accounts)
	if err != nil {
		logging.Error("Failed to load account pool: %v", err)
		os.Exit(1)
	}
	if manager.AccountCount() == 0 {
		logging.Warn("No accounts configured; run the accounts CLI to log in")
	}

	client := upstream.NewClient(manager)
	if recorder != nil {
		client.SetUsageFunc(func(email, model string, inputTokens, outputTokens int) {
			recorder.Record(context.Background(), email, model, inputTokens, outputTokens)
		})
	}

	srv := server.New(manager, client, recorder)
	if err := srv.Run(); err != nil {
		logging.Error("Server exited: %v", err)
		os.Exit(1)
	}
}

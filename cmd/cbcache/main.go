// Command cbcache serves the callback data cache for chat bots over HTTP.
//
// Configuration comes from environment variables, .env or config.yaml; see
// .env.example for every key.
//
//	cbcache                 # serve until SIGINT / SIGTERM
//	cbcache -check-config   # validate configuration and exit
//	cbcache -version
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/callback-cache/internal/app"
	"github.com/nulpointcorp/callback-cache/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	checkConfig := flag.Bool("check-config", false, "validate the configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cbcache: %v\n", err)
		os.Exit(2)
	}
	if *checkConfig {
		fmt.Println(describe(cfg))
		return
	}

	logger := newLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, cfg, logger)
	stop()
	os.Exit(code)
}

// run owns the App so its Close runs before the process exits.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// describe summarises a validated configuration for -check-config.
func describe(cfg *config.Config) string {
	return fmt.Sprintf("config ok: port=%d max_size=%d snapshot=%s rpm_limit=%d",
		cfg.Port, cfg.Cache.MaxSize, cfg.Snapshot.Mode, cfg.RateLimit.RPMLimit)
}

// newLogger builds the JSON logger shared by every subsystem. Unknown levels
// fall back to INFO; source locations are added at DEBUG.
func newLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}

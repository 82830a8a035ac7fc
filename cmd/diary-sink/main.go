// Command diary-sink runs the remote event sink diary clients sync against.
//
// All configuration comes from the environment:
//
//	SINK_HTTP_PORT      listen port (default 8080)
//	SINK_DB_PATH        SQLite database path (default ./sink.db)
//	SINK_AUTH_TOKEN     required bearer token for the data routes
//	SINK_SECRET_PATH    enrollment secret file; when set, uploads must carry
//	                    a valid device batch signature
//	SINK_LOG_LEVEL      debug, info, warn, error (default info)
//	SINK_LOG_FORMAT     text or json (default json)
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"

	"diaryd/internal/logging"
	"diaryd/internal/sink"
)

type serverConfig struct {
	HTTPPort   int    `envconfig:"HTTP_PORT" default:"8080"`
	DBPath     string `envconfig:"DB_PATH" default:"sink.db"`
	AuthToken  string `envconfig:"AUTH_TOKEN" required:"true"`
	SecretPath string `envconfig:"SECRET_PATH"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat  string `envconfig:"LOG_FORMAT" default:"json"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "diary-sink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg serverConfig
	if err := envconfig.Process("sink", &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closer, err := logging.New(logging.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Component: "diary-sink",
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	storage, err := sink.OpenStorage(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	var opts []sink.ServerOption
	if cfg.SecretPath != "" {
		secret, err := os.ReadFile(cfg.SecretPath)
		if err != nil {
			return fmt.Errorf("read enrollment secret: %w", err)
		}
		opts = append(opts, sink.WithDeviceSecret(secret))
	}

	srv, err := sink.NewServer(storage, cfg.AuthToken, log, opts...)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("sink listening", "addr", httpSrv.Addr, "db", cfg.DBPath)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

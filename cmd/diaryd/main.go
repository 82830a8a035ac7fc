// Command diaryd runs the background sync daemon. It keeps a sync engine
// running against the configured sink and hot-reloads its config file. The
// store is the ground truth: any UI or CLI reading the same database sees
// the pulled state on its next open.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"diaryd/internal/config"
	"diaryd/internal/hashchain"
	"diaryd/internal/logging"
	"diaryd/internal/store"
	syncpkg "diaryd/internal/sync"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

// envIdentity reads enrollment identity from the environment.
type envIdentity struct{}

func (envIdentity) UserID() (string, bool) {
	v := os.Getenv("DIARYD_USER_ID")
	return v, v != ""
}

func (envIdentity) AuthToken() (string, bool) {
	v := os.Getenv("DIARYD_AUTH_TOKEN")
	return v, v != ""
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "diaryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	log, closer, err := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		FilePath:  cfg.Logging.FilePath,
		Component: "diaryd",
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	if cfg.Sync.Endpoint == "" {
		return fmt.Errorf("sync.endpoint is not configured; nothing to do")
	}

	deviceID, err := uuid.Parse(cfg.Device.DeviceID)
	if err != nil {
		return fmt.Errorf("device.device_id: %w", err)
	}

	s, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	opts := []syncpkg.Option{syncpkg.WithLogger(log)}
	if cfg.Device.SecretPath != "" {
		secret, err := os.ReadFile(cfg.Device.SecretPath)
		if err != nil {
			return fmt.Errorf("read device secret: %w", err)
		}
		key, err := hashchain.DeriveDeviceKey(secret, deviceID)
		if err != nil {
			return err
		}
		opts = append(opts, syncpkg.WithDeviceKey(key))
	}

	engine := syncpkg.New(s, envIdentity{}, syncpkg.Config{
		Endpoint:  cfg.Sync.Endpoint,
		BatchSize: cfg.Sync.BatchSize,
		Interval:  cfg.Sync.Interval(),
	}, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A changed sync interval is picked up live; endpoint or storage
	// changes take effect on restart.
	interval := cfg.Sync.Interval()
	loader.OnChange(func(next *config.Config) {
		engine.SetInterval(next.Sync.Interval())
		log.Info("config reloaded", "sync_interval", next.Sync.Interval())
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}

	log.Info("diaryd started",
		"db", cfg.Storage.DatabasePath,
		"endpoint", cfg.Sync.Endpoint,
		"interval", interval)

	engine.Run(ctx, interval)
	log.Info("diaryd stopped")
	return nil
}

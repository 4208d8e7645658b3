// Command controller runs the mudward control plane: it ingests device
// sightings from enforcers, caches MUD usage profiles, and serves compiled
// firewall configurations over mutually-authenticated RPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mudward.io/mudward/internal/config"
	"mudward.io/mudward/internal/ctlplane"
	"mudward.io/mudward/internal/device"
	"mudward.io/mudward/internal/identify"
	"mudward.io/mudward/internal/logging"
	"mudward.io/mudward/internal/metrics"
	"mudward.io/mudward/internal/pki"
	"mudward.io/mudward/internal/profile"
	"mudward.io/mudward/internal/scheduler"
	"mudward.io/mudward/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/mudward/controller.hcl", "configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := logging.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Controller.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.Controller.LogLevel, err)
	}
	logging.SetDefault(logging.New(logging.Config{
		Level: level,
		JSON:  cfg.Controller.LogJSON,
	}))
	log := logging.WithComponent("controller")

	if err := os.MkdirAll(cfg.Controller.DataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := storage.Open(storage.DefaultOptions(cfg.Controller.DatabasePath))
	if err != nil {
		return err
	}
	defer store.Close()

	bumpVersion := func() {
		v, err := store.IncrementCounter(storage.ConfigKeyFirewallVersion)
		if err != nil {
			log.Error("failed to bump config version", "error", err)
			return
		}
		metrics.Get().ConfigVersion.Set(float64(v))
	}

	fetcher := profile.NewHTTPFetcher(cfg.FetchTimeout())
	cache := profile.NewCache(store, fetcher, profile.CacheOptions{OnChange: bumpVersion})
	repo := device.NewRepository(store)

	var identifier device.Identifier
	if client := identify.NewClient(identify.Options{
		BaseURL:  identifyBaseURL(cfg),
		Username: identifyUsername(cfg),
		Password: identifyPassword(cfg),
	}); client != nil {
		identifier = client
		log.Info("device identification enabled", "base_url", identifyBaseURL(cfg))
	}

	devices := device.NewService(repo, cache, device.ServiceOptions{
		Identify:         identifier,
		CollectByDefault: cfg.Controller.CollectDeviceData,
		OnChange:         bumpVersion,
	})

	certs := pki.NewCertManager(filepath.Join(cfg.Controller.DataDir, "certs"))
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		if err := certs.EnsureMaterial(); err != nil {
			return err
		}
	}
	tlsConfig, err := certs.ServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ClientCAFile)
	if err != nil {
		return err
	}

	server := ctlplane.NewServer(store, repo, cache, devices, ctlplane.ServerOptions{
		ListenAddr:    cfg.RPC.ListenAddr,
		TLSConfig:     tlsConfig,
		MaxSessions:   cfg.RPC.MaxSessions,
		MaxFrameBytes: cfg.RPC.MaxFrameBytes,
		ACMEDomain:    cfg.Controller.ACMEDomain,
	})
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	refreshEvery, err := cfg.RefreshInterval()
	if err != nil {
		return err
	}
	sched := scheduler.New(logging.Default())
	if err := sched.AddTask(&scheduler.Task{
		ID:         "profile-refresh",
		Name:       "Expired profile refresh",
		Schedule:   scheduler.Every(refreshEvery),
		RunOnStart: true,
		Func:       cache.RefreshExpired,
	}); err != nil {
		return err
	}
	if err := sched.AddTask(&scheduler.Task{
		ID:       "ratelimit-cleanup",
		Name:     "Rate-limiter cleanup",
		Schedule: scheduler.Every(time.Hour),
		Func:     server.SweepRateLimiter,
	}); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.ListenAddr); err != nil {
				log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("controller started",
		"rpc_addr", cfg.RPC.ListenAddr,
		"db", cfg.Controller.DatabasePath,
		"refresh_interval", refreshEvery)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func identifyBaseURL(cfg *config.Config) string {
	if cfg.Identify == nil {
		return ""
	}
	return cfg.Identify.BaseURL
}

func identifyUsername(cfg *config.Config) string {
	if cfg.Identify == nil {
		return ""
	}
	return cfg.Identify.Username
}

func identifyPassword(cfg *config.Config) string {
	if cfg.Identify == nil {
		return ""
	}
	return cfg.Identify.Password
}

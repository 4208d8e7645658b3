// Package config defines the controller configuration, loaded from an HCL
// file. A missing file yields the defaults, so a bare controller can start
// with zero configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the root controller configuration.
type Config struct {
	Controller *Controller     `hcl:"controller,block" json:"controller,omitempty"`
	RPC        *RPC            `hcl:"rpc,block" json:"rpc,omitempty"`
	TLS        *TLS            `hcl:"tls,block" json:"tls,omitempty"`
	Metrics    *Metrics        `hcl:"metrics,block" json:"metrics,omitempty"`
	Identify   *IdentifyConfig `hcl:"identify,block" json:"identify,omitempty"`
}

// Controller holds core controller settings.
type Controller struct {
	DataDir            string `hcl:"data_dir,optional" json:"data_dir"`
	DatabasePath       string `hcl:"database_path,optional" json:"database_path"`
	RefreshInterval    string `hcl:"refresh_interval,optional" json:"refresh_interval"`
	CollectDeviceData  bool   `hcl:"collect_device_data,optional" json:"collect_device_data"`
	ACMEDomain         string `hcl:"acme_domain,optional" json:"acme_domain,omitempty"`
	LogLevel           string `hcl:"log_level,optional" json:"log_level"`
	LogJSON            bool   `hcl:"log_json,optional" json:"log_json"`
	FetchTimeoutSecs   int    `hcl:"fetch_timeout_secs,optional" json:"fetch_timeout_secs"`
}

// RPC holds control-plane listener settings.
type RPC struct {
	ListenAddr    string `hcl:"listen_addr,optional" json:"listen_addr"`
	MaxFrameBytes int    `hcl:"max_frame_bytes,optional" json:"max_frame_bytes"`
	MaxSessions   int    `hcl:"max_sessions,optional" json:"max_sessions"`
}

// TLS holds certificate paths for the mutually-authenticated RPC listener.
// Empty paths fall back to self-provisioned material under DataDir.
type TLS struct {
	CertFile     string `hcl:"cert_file,optional" json:"cert_file,omitempty"`
	KeyFile      string `hcl:"key_file,optional" json:"key_file,omitempty"`
	ClientCAFile string `hcl:"client_ca_file,optional" json:"client_ca_file,omitempty"`
}

// Metrics holds the observability endpoint settings.
type Metrics struct {
	Enabled    bool   `hcl:"enabled,optional" json:"enabled"`
	ListenAddr string `hcl:"listen_addr,optional" json:"listen_addr"`
}

// IdentifyConfig configures the third-party device-identification service.
type IdentifyConfig struct {
	BaseURL  string `hcl:"base_url,optional" json:"base_url,omitempty"`
	Username string `hcl:"username,optional" json:"username,omitempty"`
	Password string `hcl:"password,optional" json:"password,omitempty"`
}

// Default returns the configuration a bare controller starts with.
func Default() *Config {
	return &Config{
		Controller: &Controller{
			DataDir:          "/var/lib/mudward",
			DatabasePath:     "/var/lib/mudward/controller.db",
			RefreshInterval:  "1h",
			LogLevel:         "info",
			FetchTimeoutSecs: 30,
		},
		RPC: &RPC{
			ListenAddr:    "0.0.0.0:8734",
			MaxFrameBytes: 32 << 20,
			MaxSessions:   10,
		},
		TLS: &TLS{},
		Metrics: &Metrics{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9734",
		},
	}
}

// Load reads the config file at path and merges it over the defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	var loaded Config
	if err := hclsimple.DecodeFile(path, nil, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.merge(&loaded)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge overlays non-zero values from other onto cfg.
func (c *Config) merge(other *Config) {
	if other.Controller != nil {
		dst, src := c.Controller, other.Controller
		if src.DataDir != "" {
			dst.DataDir = src.DataDir
		}
		if src.DatabasePath != "" {
			dst.DatabasePath = src.DatabasePath
		}
		if src.RefreshInterval != "" {
			dst.RefreshInterval = src.RefreshInterval
		}
		if src.CollectDeviceData {
			dst.CollectDeviceData = true
		}
		if src.ACMEDomain != "" {
			dst.ACMEDomain = src.ACMEDomain
		}
		if src.LogLevel != "" {
			dst.LogLevel = src.LogLevel
		}
		if src.LogJSON {
			dst.LogJSON = true
		}
		if src.FetchTimeoutSecs > 0 {
			dst.FetchTimeoutSecs = src.FetchTimeoutSecs
		}
	}
	if other.RPC != nil {
		dst, src := c.RPC, other.RPC
		if src.ListenAddr != "" {
			dst.ListenAddr = src.ListenAddr
		}
		if src.MaxFrameBytes > 0 {
			dst.MaxFrameBytes = src.MaxFrameBytes
		}
		if src.MaxSessions > 0 {
			dst.MaxSessions = src.MaxSessions
		}
	}
	if other.TLS != nil {
		c.TLS = other.TLS
	}
	if other.Metrics != nil {
		c.Metrics = other.Metrics
	}
	if other.Identify != nil {
		c.Identify = other.Identify
	}
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if _, err := c.RefreshInterval(); err != nil {
		return err
	}
	if c.RPC.MaxFrameBytes < 1<<20 {
		return fmt.Errorf("rpc.max_frame_bytes must be at least 1 MiB, got %d", c.RPC.MaxFrameBytes)
	}
	if c.RPC.MaxSessions < 1 {
		return fmt.Errorf("rpc.max_sessions must be positive, got %d", c.RPC.MaxSessions)
	}
	return nil
}

// RefreshInterval parses the profile refresh interval.
func (c *Config) RefreshInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Controller.RefreshInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid refresh_interval %q: %w", c.Controller.RefreshInterval, err)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("refresh_interval %s is below the 1m minimum", d)
	}
	return d, nil
}

// FetchTimeout returns the profile fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Controller.FetchTimeoutSecs) * time.Second
}

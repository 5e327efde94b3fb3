// Package config loads the daemon configuration: defaults, then a YAML file,
// then DESC_* environment variables, then command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/agenthands/descedge/pkg/core"
	"github.com/agenthands/descedge/pkg/exitring"
	"gopkg.in/yaml.v3"
)

// Default returns a configuration that serves from memory and a local CAS
// repository under ./data with no origin.
func Default() *core.Config {
	return &core.Config{
		Server: core.ServerConfig{
			Addr:              ":8787",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			Metrics:           true,
		},
		Local: core.LocalConfig{
			Backend:         "memory",
			Size:            10000,
			MemcacheTimeout: 100 * time.Millisecond,
		},
		Durable: core.DurableConfig{
			Backend:   "cas",
			Dir:       "data",
			Chunking:  core.ChunkingConfig{Min: 4 << 10, Avg: 16 << 10, Max: 64 << 10},
			Pack:      core.PackConfig{TargetPackBytes: 64 << 20},
			Transform: core.TransformConfig{Name: "zstd", ZstdLevel: 3},
			Limits: core.LimitsConfig{
				MaxObjectBytes:     32 << 20,
				MaxChunksPerObject: 1 << 16,
				MaxContentTypeLen:  256,
			},
		},
		Origin: core.OriginConfig{
			MaxBodyBytes: 32 << 20,
		},
		Exits: core.ExitConfig{
			IDs:          append([]string(nil), exitring.DefaultExits...),
			VirtualNodes: exitring.DefaultVirtualNodes,
			Hash:         "fnv1a",
		},
		Fill: core.FillConfig{Mode: "async", Workers: 16},
		Log:  core.LogConfig{Level: "info"},
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (*core.Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidInput, path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment. getenv is os.Getenv outside
// tests.
func ApplyEnv(cfg *core.Config, getenv func(string) string) {
	if v := getenv("DESC_LOCATION"); v != "" {
		cfg.Location = v
	}
	if v := getenv("DESC_LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := getenv("DESC_EXITS"); v != "" {
		cfg.Exits.IDs = exitring.ParseExits(v)
	}
	if v := getenv("DESC_STATIC_ORIGIN"); v != "" {
		cfg.Origin.BaseURL = v
	}
	if v := getenv("DESC_DATA_DIR"); v != "" {
		cfg.Durable.Dir = v
	}
	if v := getenv("DESC_S3_BUCKET"); v != "" {
		cfg.Durable.S3.Bucket = v
	}
	if v := getenv("DESC_LOCAL_BACKEND"); v != "" {
		cfg.Local.Backend = v
	}
	if v := getenv("DESC_DURABLE_BACKEND"); v != "" {
		cfg.Durable.Backend = v
	}
}

// Validate reports every problem at once.
func Validate(cfg *core.Config) error {
	var errs []error

	if len(exitring.ParseExits(strings.Join(cfg.Exits.IDs, ","))) == 0 {
		errs = append(errs, fmt.Errorf("exits.ids: %w", core.ErrEmptyExitSet))
	}
	if _, err := exitring.HashByName(cfg.Exits.Hash); err != nil {
		errs = append(errs, fmt.Errorf("exits.hash: %w", err))
	}

	switch cfg.Local.Backend {
	case "", "memory", "none":
	case "memcache":
		if len(cfg.Local.MemcacheServers) == 0 {
			errs = append(errs, fmt.Errorf("local.memcache_servers is required for the memcache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("local.backend must be one of memory, memcache, none; got %q", cfg.Local.Backend))
	}

	switch cfg.Durable.Backend {
	case "none":
	case "", "cas":
		if cfg.Durable.Dir == "" {
			errs = append(errs, fmt.Errorf("durable.dir is required for the cas backend"))
		}
		switch cfg.Durable.Transform.Name {
		case "", "none", "zstd":
		default:
			errs = append(errs, fmt.Errorf("durable.transform.name must be none or zstd; got %q", cfg.Durable.Transform.Name))
		}
	case "s3":
		if cfg.Durable.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("durable.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("durable.backend must be one of cas, s3, none; got %q", cfg.Durable.Backend))
	}

	if cfg.Origin.BaseURL != "" {
		u, err := url.Parse(cfg.Origin.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("origin.base_url %q must be an absolute http(s) URL", cfg.Origin.BaseURL))
		}
	}

	switch cfg.Fill.Mode {
	case "", "async", "sync":
	default:
		errs = append(errs, fmt.Errorf("fill.mode must be async or sync; got %q", cfg.Fill.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

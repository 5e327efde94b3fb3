package core

import (
	"time"
)

type Config struct {
	// Location identifies the serving node (edge/colo). It doubles as the
	// default locality hint for exit selection.
	Location string `yaml:"location"`

	Server  ServerConfig  `yaml:"server"`
	Local   LocalConfig   `yaml:"local"`
	Durable DurableConfig `yaml:"durable"`
	Origin  OriginConfig  `yaml:"origin"`
	Exits   ExitConfig    `yaml:"exits"`
	Fill    FillConfig    `yaml:"fill"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	Metrics           bool          `yaml:"metrics"`
}

// LocalConfig configures the ephemeral tier. Backend is "memory",
// "memcache" or "none".
type LocalConfig struct {
	Backend         string        `yaml:"backend"`
	Size            int           `yaml:"size"`
	TTL             time.Duration `yaml:"ttl"` // 0 => never expire
	MemcacheServers []string      `yaml:"memcache_servers"`
	MemcacheTimeout time.Duration `yaml:"memcache_timeout"`
}

// DurableConfig configures the durable tier. Backend is "cas", "s3" or "none".
type DurableConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"` // cas repo root

	Chunking  ChunkingConfig  `yaml:"chunking"`
	Pack      PackConfig      `yaml:"pack"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Transform TransformConfig `yaml:"transform"`
	Limits    LimitsConfig    `yaml:"limits"`
	S3        S3Config        `yaml:"s3"`
}

type ChunkingConfig struct {
	Min int `yaml:"min"`
	Avg int `yaml:"avg"`
	Max int `yaml:"max"`
}

type PackConfig struct {
	Dir             string `yaml:"dir"`
	TargetPackBytes uint64 `yaml:"target_bytes"`
}

type CatalogConfig struct {
	Dir string `yaml:"dir"`
}

type TransformConfig struct {
	Name      string `yaml:"name"` // "none" or "zstd"
	ZstdLevel int    `yaml:"zstd_level"`
}

type LimitsConfig struct {
	MaxObjectBytes     uint64 `yaml:"max_object_bytes"`
	MaxChunksPerObject uint32 `yaml:"max_chunks_per_object"`
	MaxContentTypeLen  int    `yaml:"max_content_type_len"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type OriginConfig struct {
	BaseURL      string        `yaml:"base_url"` // empty => no pull-through
	Timeout      time.Duration `yaml:"timeout"`  // 0 => none
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	VerifyDigest bool          `yaml:"verify_digest"`
}

type ExitConfig struct {
	IDs          []string `yaml:"ids"`
	VirtualNodes int      `yaml:"virtual_nodes"`
	Hash         string   `yaml:"hash"` // "fnv1a" or "murmur3"
}

// FillConfig controls tier population. Mode "async" hands fills to a
// background pool; "sync" runs them before the response is returned.
type FillConfig struct {
	Mode         string `yaml:"mode"`
	Workers      int    `yaml:"workers"`
	SingleFlight bool   `yaml:"single_flight"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

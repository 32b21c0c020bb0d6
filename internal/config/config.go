package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dyluth/canvas/internal/instance"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where commands look for the config when --config is not given.
const DefaultPath = "canvas.yml"

// CanvasConfig represents the top-level canvas.yml configuration
type CanvasConfig struct {
	Version   string          `yaml:"version"`
	Instance  string          `yaml:"instance"`  // Namespace for Redis keys and channels
	RedisURL  string          `yaml:"redis_url"` // e.g. redis://localhost:6379/0
	Grid      GridConfig      `yaml:"grid"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Log       LogConfig       `yaml:"log"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Blob      BlobConfig      `yaml:"blob"`
	Store     StoreConfig     `yaml:"store"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// GridConfig specifies the canvas dimensions
type GridConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// IngestConfig controls the ingest gateway
type IngestConfig struct {
	Cooldown       time.Duration `yaml:"cooldown"`        // Per-cell placement cooldown (0 = disabled)
	AppendTimeout  time.Duration `yaml:"append_timeout"`  // Bound on the durable append, from timestamp to XADD
	PublishTimeout time.Duration `yaml:"publish_timeout"` // Bound on the async live publish
}

// LogConfig controls the durable event stream
type LogConfig struct {
	MaxLen int64 `yaml:"max_len"` // Approximate cap on retained stream entries (0 selects 1,000,000)
}

// ConsumerConfig controls the batch consumer
type ConsumerConfig struct {
	Group            string        `yaml:"group"`
	Name             string        `yaml:"name"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	ReadCount        int64         `yaml:"read_count"`
	ReadBlock        time.Duration `yaml:"read_block"`
	ClaimInterval    time.Duration `yaml:"claim_interval"`
	ClaimMinIdle     time.Duration `yaml:"claim_min_idle"`
	MaxFlushFailures int           `yaml:"max_flush_failures"` // Consecutive failures before the consumer gives up (0 selects 10)
}

// SnapshotConfig controls the snapshot generator
type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Settle is subtracted from the snapshot watermark to cover placements whose
	// timestamp was taken but whose append had not reached the log yet. It must be at
	// least ingest.append_timeout plus the clock skew between ingest hosts.
	Settle time.Duration `yaml:"settle"`
}

// BlobConfig specifies where snapshot images are written
type BlobConfig struct {
	Dir string `yaml:"dir"`
	URL string `yaml:"url"` // Bucket URL (file://, mem://); overrides dir when set
}

// StoreConfig specifies the materialised state database
type StoreConfig struct {
	Path          string `yaml:"path"`
	DedupeHistory bool   `yaml:"dedupe_history"` // Ignore redelivered events already in history
}

// BroadcastConfig controls live fan-out to viewers
type BroadcastConfig struct {
	SessionBuffer int `yaml:"session_buffer"` // Outbound queue per viewer before it is dropped
}

// HTTPConfig specifies the API listener
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *CanvasConfig {
	cfg := &CanvasConfig{Version: "1.0"}
	cfg.applyDefaults()
	return cfg
}

func (c *CanvasConfig) applyDefaults() {
	if c.Instance == "" {
		c.Instance = "default"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379/0"
	}
	if c.Grid.Width == 0 {
		c.Grid.Width = 1000
	}
	if c.Grid.Height == 0 {
		c.Grid.Height = 1000
	}
	if c.Ingest.AppendTimeout == 0 {
		c.Ingest.AppendTimeout = 5 * time.Second
	}
	if c.Ingest.PublishTimeout == 0 {
		c.Ingest.PublishTimeout = 2 * time.Second
	}
	if c.Log.MaxLen == 0 {
		c.Log.MaxLen = 1_000_000
	}
	if c.Consumer.Group == "" {
		c.Consumer.Group = "workers"
	}
	if c.Consumer.Name == "" {
		c.Consumer.Name = "worker-1"
	}
	if c.Consumer.FlushInterval == 0 {
		c.Consumer.FlushInterval = 500 * time.Millisecond
	}
	if c.Consumer.ReadCount == 0 {
		c.Consumer.ReadCount = 50
	}
	if c.Consumer.ReadBlock == 0 {
		c.Consumer.ReadBlock = time.Second
	}
	if c.Consumer.ClaimInterval == 0 {
		c.Consumer.ClaimInterval = 5 * time.Second
	}
	if c.Consumer.ClaimMinIdle == 0 {
		c.Consumer.ClaimMinIdle = 30 * time.Second
	}
	if c.Consumer.MaxFlushFailures == 0 {
		c.Consumer.MaxFlushFailures = 10
	}
	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = time.Hour
	}
	if c.Snapshot.Settle == 0 {
		c.Snapshot.Settle = 10 * time.Second
	}
	if c.Blob.Dir == "" {
		c.Blob.Dir = "snapshots"
	}
	if c.Store.Path == "" {
		c.Store.Path = "canvas.db"
	}
	if c.Broadcast.SessionBuffer == 0 {
		c.Broadcast.SessionBuffer = 64
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3001"
	}
}

// Validate applies defaults and performs strict validation on the configuration
func (c *CanvasConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	c.applyDefaults()

	if err := instance.ValidateName(c.Instance); err != nil {
		return err
	}
	if c.Grid.Width < 0 || c.Grid.Height < 0 {
		return fmt.Errorf("grid dimensions must be positive, got %dx%d", c.Grid.Width, c.Grid.Height)
	}
	if c.Ingest.Cooldown < 0 {
		return fmt.Errorf("ingest.cooldown must be >= 0 (0 = disabled), got %v", c.Ingest.Cooldown)
	}
	if c.Ingest.AppendTimeout < 0 {
		return fmt.Errorf("ingest.append_timeout must be positive, got %v", c.Ingest.AppendTimeout)
	}
	if c.Ingest.PublishTimeout < 0 {
		return fmt.Errorf("ingest.publish_timeout must be positive, got %v", c.Ingest.PublishTimeout)
	}
	if c.Log.MaxLen < 0 {
		return fmt.Errorf("log.max_len must be positive, got %d", c.Log.MaxLen)
	}
	if c.Consumer.FlushInterval < 0 || c.Consumer.ReadBlock < 0 ||
		c.Consumer.ClaimInterval < 0 || c.Consumer.ClaimMinIdle < 0 {
		return fmt.Errorf("consumer intervals must be positive")
	}
	if c.Consumer.ReadCount < 0 {
		return fmt.Errorf("consumer.read_count must be >= 1, got %d", c.Consumer.ReadCount)
	}
	if c.Consumer.MaxFlushFailures < 0 {
		return fmt.Errorf("consumer.max_flush_failures must be >= 1, got %d", c.Consumer.MaxFlushFailures)
	}
	// A reclaim threshold below the flush interval would steal entries that are
	// merely waiting for the next flush.
	if c.Consumer.ClaimMinIdle <= c.Consumer.FlushInterval {
		return fmt.Errorf("consumer.claim_min_idle (%v) must exceed consumer.flush_interval (%v)",
			c.Consumer.ClaimMinIdle, c.Consumer.FlushInterval)
	}
	if c.Snapshot.Interval < 0 {
		return fmt.Errorf("snapshot.interval must be positive, got %v", c.Snapshot.Interval)
	}
	if c.Snapshot.Settle < c.Ingest.AppendTimeout {
		return fmt.Errorf("snapshot.settle (%v) must be at least ingest.append_timeout (%v)",
			c.Snapshot.Settle, c.Ingest.AppendTimeout)
	}
	if c.Broadcast.SessionBuffer < 0 {
		return fmt.Errorf("broadcast.session_buffer must be >= 1, got %d", c.Broadcast.SessionBuffer)
	}

	return nil
}

// ApplyEnv overrides file settings with environment variables, the same variables
// the processes read when run in containers.
func (c *CanvasConfig) ApplyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("CANVAS_INSTANCE_NAME"); v != "" {
		c.Instance = v
	}
	if v := os.Getenv("CANVAS_CONSUMER_NAME"); v != "" {
		c.Consumer.Name = v
	}
	if v := os.Getenv("CANVAS_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
}

// Load reads canvas.yml from the specified path, applies environment overrides and
// validates the result.
func Load(path string) (*CanvasConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config CanvasConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults (plus environment
// overrides) when it does not.
func LoadOrDefault(path string) (*CanvasConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.ApplyEnv()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

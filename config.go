package syncengine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines sync engine configuration.
type Config struct {
	// Path is the file path for the local state database. Required.
	Path string `yaml:"path"`

	// DeviceID uniquely identifies this device. Generated if empty.
	DeviceID string `yaml:"device_id"`

	// Queue holds operation queue settings.
	Queue QueueConfig `yaml:"queue"`

	// Scheduler holds sync cycle settings.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Transport holds remote delta protocol settings.
	Transport TransportConfig `yaml:"transport"`

	// Resolution holds conflict resolution settings.
	Resolution ResolutionConfig `yaml:"resolution"`

	// Integrity holds checksum and audit settings.
	Integrity IntegrityConfig `yaml:"integrity"`

	// Network holds link quality estimation settings.
	Network NetworkConfig `yaml:"network"`

	// Encryption configures at-rest encryption of queued payloads.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig `yaml:"encryption,omitempty"`

	// Notifier configures the optional remote-change websocket listener.
	// If nil or Enabled is false, the scheduler relies on its interval and
	// the offline-to-online edge alone.
	Notifier *NotifierConfig `yaml:"notifier,omitempty"`

	// Snapshots configures the optional remote archive for known-good
	// entity snapshots. If nil, snapshots are kept only in the local store.
	Snapshots *SnapshotArchiveConfig `yaml:"snapshots,omitempty"`
}

// QueueConfig groups operation queue settings.
type QueueConfig struct {
	// MaxRetries is the retry budget before an operation is dead-lettered.
	// Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// BaseBackoff is the initial retry delay.
	// Default: 2s.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps the exponential retry delay.
	// Default: 5m.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Jitter adds randomness to retry delays, 0..1 of the delay.
	// Default: 0.2.
	Jitter float64 `yaml:"jitter"`

	// CoalesceUpdates merges successive updates to the same entity field
	// while still pending. Pointer so an explicit false survives default
	// application; use Bool. Default: true.
	CoalesceUpdates *bool `yaml:"coalesce_updates"`

	// MaxDepth bounds the number of queued operations. 0 means unlimited.
	MaxDepth int `yaml:"max_depth"`
}

// SchedulerConfig groups sync cycle settings.
type SchedulerConfig struct {
	// SyncInterval is how often cycles run while online.
	// Default: 30s.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// CycleTimeout bounds a single cycle end to end.
	// Default: 60s.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`

	// BatchSizePoor..BatchSizeExcellent bound the dequeued batch per link
	// quality bucket. Defaults: 1, 8, 32, 128.
	BatchSizePoor      int `yaml:"batch_size_poor"`
	BatchSizeFair      int `yaml:"batch_size_fair"`
	BatchSizeGood      int `yaml:"batch_size_good"`
	BatchSizeExcellent int `yaml:"batch_size_excellent"`
}

// BatchSizeFor returns the batch bound for a quality bucket.
func (c SchedulerConfig) BatchSizeFor(q LinkQuality) int {
	switch q {
	case QualityPoor:
		return c.BatchSizePoor
	case QualityFair:
		return c.BatchSizeFair
	case QualityGood:
		return c.BatchSizeGood
	default:
		return c.BatchSizeExcellent
	}
}

// TransportConfig groups remote delta protocol settings.
type TransportConfig struct {
	// Endpoint is the remote store base URL. Required for HTTPTransport.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds a single batch round trip.
	// Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// Compress enables snappy compression of batch payloads. Pointer so an
	// explicit false survives default application; use Bool. Default: true.
	Compress *bool `yaml:"compress"`

	// MinCompressBytes skips compression for payloads below this size.
	// Default: 1024.
	MinCompressBytes int `yaml:"min_compress_bytes"`

	// AuthHeader supplies the Authorization header value per request.
	// Authentication internals stay with the host app; nil sends no header.
	AuthHeader func() string `yaml:"-"`
}

// ResolutionConfig groups conflict resolution settings.
type ResolutionConfig struct {
	// AutoSeverityCeiling is the highest severity that may auto-resolve.
	// Default: SeverityMedium.
	AutoSeverityCeiling Severity `yaml:"auto_severity_ceiling"`

	// ConfidenceFloor is the minimum scorer confidence for auto-resolution.
	// Default: 0.8.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// DefaultStrategy is the deterministic fallback when no rule or scorer
	// applies. Default: StrategyLastWriteWins.
	DefaultStrategy StrategyKind `yaml:"default_strategy"`
}

// IntegrityConfig groups checksum and audit settings.
type IntegrityConfig struct {
	// VerifyOnCommit validates checksum and schema before any
	// remote-confirmed state is committed locally. Pointer so an explicit
	// false survives default application; use Bool. Default: true.
	VerifyOnCommit *bool `yaml:"verify_on_commit"`

	// AuditInterval is how often the full-state aggregate audit runs.
	// 0 disables the periodic audit. Default: 1h.
	AuditInterval time.Duration `yaml:"audit_interval"`
}

// NetworkConfig groups link quality estimation settings.
type NetworkConfig struct {
	// SampleWindow is the number of recent RTT samples considered.
	// Default: 16.
	SampleWindow int `yaml:"sample_window"`

	// ExcellentBelow, GoodBelow, FairBelow bucket median RTT into quality
	// tiers. Defaults: 50ms, 150ms, 400ms; anything slower is poor.
	ExcellentBelow time.Duration `yaml:"excellent_below"`
	GoodBelow      time.Duration `yaml:"good_below"`
	FairBelow      time.Duration `yaml:"fair_below"`
}

// NotifierConfig configures the remote-change websocket listener.
type NotifierConfig struct {
	// Enabled turns the listener on.
	Enabled bool `yaml:"enabled"`

	// URL is the websocket endpoint for change notifications.
	URL string `yaml:"url"`

	// ReconnectBackoff is the initial delay between reconnect attempts.
	// Default: 5s.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectBackoff caps reconnect delays. Default: 2m.
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
}

// SnapshotArchiveConfig configures the remote snapshot archive.
type SnapshotArchiveConfig struct {
	// Bucket is the S3 bucket for snapshot objects.
	Bucket string `yaml:"bucket"`

	// Region is the bucket region.
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for compatible services.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Prefix is prepended to all object keys.
	Prefix string `yaml:"prefix,omitempty"`

	// AccessKeyID and SecretAccessKey authenticate explicitly. Prefer
	// environment credentials; never commit these to source control.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// UsePathStyle enables path-style addressing for S3-compatible stores.
	UsePathStyle bool `yaml:"use_path_style"`
}

// Bool returns a pointer to v, for setting optional boolean config fields.
func Bool(v bool) *bool {
	return &v
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		Queue: QueueConfig{
			MaxRetries:      5,
			BaseBackoff:     2 * time.Second,
			MaxBackoff:      5 * time.Minute,
			Jitter:          0.2,
			CoalesceUpdates: Bool(true),
		},
		Scheduler: SchedulerConfig{
			SyncInterval:       30 * time.Second,
			CycleTimeout:       60 * time.Second,
			BatchSizePoor:      1,
			BatchSizeFair:      8,
			BatchSizeGood:      32,
			BatchSizeExcellent: 128,
		},
		Transport: TransportConfig{
			Timeout:          30 * time.Second,
			Compress:         Bool(true),
			MinCompressBytes: 1024,
		},
		Resolution: ResolutionConfig{
			AutoSeverityCeiling: SeverityMedium,
			ConfidenceFloor:     0.8,
			DefaultStrategy:     StrategyLastWriteWins,
		},
		Integrity: IntegrityConfig{
			VerifyOnCommit: Bool(true),
			AuditInterval:  time.Hour,
		},
		Network: NetworkConfig{
			SampleWindow:   16,
			ExcellentBelow: 50 * time.Millisecond,
			GoodBelow:      150 * time.Millisecond,
			FairBelow:      400 * time.Millisecond,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config: queue.max_retries must be >= 0")
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter > 1 {
		return fmt.Errorf("config: queue.jitter must be in [0, 1]")
	}
	if c.Queue.BaseBackoff > c.Queue.MaxBackoff && c.Queue.MaxBackoff > 0 {
		return fmt.Errorf("config: queue.base_backoff exceeds queue.max_backoff")
	}
	if c.Resolution.ConfidenceFloor < 0 || c.Resolution.ConfidenceFloor > 1 {
		return fmt.Errorf("config: resolution.confidence_floor must be in [0, 1]")
	}
	if c.Resolution.AutoSeverityCeiling < SeverityLow || c.Resolution.AutoSeverityCeiling > SeverityCritical {
		return fmt.Errorf("config: resolution.auto_severity_ceiling out of range")
	}
	if c.Network.ExcellentBelow > c.Network.GoodBelow || c.Network.GoodBelow > c.Network.FairBelow {
		return fmt.Errorf("config: network quality thresholds must be increasing")
	}
	if c.Notifier != nil && c.Notifier.Enabled && c.Notifier.URL == "" {
		return fmt.Errorf("config: notifier.url is required when notifier is enabled")
	}
	if c.Snapshots != nil && c.Snapshots.Bucket == "" {
		return fmt.Errorf("config: snapshots.bucket is required")
	}
	return nil
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Path)
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = def.Queue.MaxRetries
	}
	if c.Queue.BaseBackoff == 0 {
		c.Queue.BaseBackoff = def.Queue.BaseBackoff
	}
	if c.Queue.MaxBackoff == 0 {
		c.Queue.MaxBackoff = def.Queue.MaxBackoff
	}
	if c.Queue.Jitter == 0 {
		c.Queue.Jitter = def.Queue.Jitter
	}
	if c.Queue.CoalesceUpdates == nil {
		c.Queue.CoalesceUpdates = def.Queue.CoalesceUpdates
	}
	if c.Scheduler.SyncInterval == 0 {
		c.Scheduler.SyncInterval = def.Scheduler.SyncInterval
	}
	if c.Scheduler.CycleTimeout == 0 {
		c.Scheduler.CycleTimeout = def.Scheduler.CycleTimeout
	}
	if c.Scheduler.BatchSizePoor == 0 {
		c.Scheduler.BatchSizePoor = def.Scheduler.BatchSizePoor
	}
	if c.Scheduler.BatchSizeFair == 0 {
		c.Scheduler.BatchSizeFair = def.Scheduler.BatchSizeFair
	}
	if c.Scheduler.BatchSizeGood == 0 {
		c.Scheduler.BatchSizeGood = def.Scheduler.BatchSizeGood
	}
	if c.Scheduler.BatchSizeExcellent == 0 {
		c.Scheduler.BatchSizeExcellent = def.Scheduler.BatchSizeExcellent
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = def.Transport.Timeout
	}
	if c.Transport.Compress == nil {
		c.Transport.Compress = def.Transport.Compress
	}
	if c.Transport.MinCompressBytes == 0 {
		c.Transport.MinCompressBytes = def.Transport.MinCompressBytes
	}
	if c.Resolution.ConfidenceFloor == 0 {
		c.Resolution.ConfidenceFloor = def.Resolution.ConfidenceFloor
	}
	if c.Resolution.DefaultStrategy == "" {
		c.Resolution.DefaultStrategy = def.Resolution.DefaultStrategy
	}
	if c.Integrity.VerifyOnCommit == nil {
		c.Integrity.VerifyOnCommit = def.Integrity.VerifyOnCommit
	}
	if c.Network.SampleWindow == 0 {
		c.Network.SampleWindow = def.Network.SampleWindow
	}
	if c.Network.ExcellentBelow == 0 {
		c.Network.ExcellentBelow = def.Network.ExcellentBelow
	}
	if c.Network.GoodBelow == 0 {
		c.Network.GoodBelow = def.Network.GoodBelow
	}
	if c.Network.FairBelow == 0 {
		c.Network.FairBelow = def.Network.FairBelow
	}
	if c.Notifier != nil {
		if c.Notifier.ReconnectBackoff == 0 {
			c.Notifier.ReconnectBackoff = 5 * time.Second
		}
		if c.Notifier.MaxReconnectBackoff == 0 {
			c.Notifier.MaxReconnectBackoff = 2 * time.Minute
		}
	}
}

// LoadConfig reads a YAML configuration file, applies defaults and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML.
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Package config loads and validates render-cache configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/render-cache/internal/backend/headless"
	"github.com/JakeFAU/render-cache/internal/backend/shell"
	"github.com/JakeFAU/render-cache/internal/backend/static"
	"github.com/JakeFAU/render-cache/internal/breaker"
	"github.com/JakeFAU/render-cache/internal/cache/file"
	"github.com/JakeFAU/render-cache/internal/cache/gcs"
	"github.com/JakeFAU/render-cache/internal/cache/memory"
	"github.com/JakeFAU/render-cache/internal/cache/postgres"
	"github.com/JakeFAU/render-cache/internal/fingerprint"
	"github.com/JakeFAU/render-cache/internal/policy/bots"
	"github.com/JakeFAU/render-cache/internal/policy/ratelimit"
	"github.com/JakeFAU/render-cache/internal/progress"
	"github.com/JakeFAU/render-cache/internal/render"
	"github.com/JakeFAU/render-cache/internal/scheduler"
)

// EnvPrefix namespaces environment overrides, e.g. RENDERCACHE_ORIGIN_URL.
const EnvPrefix = "RENDERCACHE"

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheFile     = "file"
	CachePostgres = "postgres"
	CacheGCS      = "gcs"
)

// Backlog backends.
const (
	QueueMemory = "memory"
	QueuePubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Auth        AuthConfig         `mapstructure:"auth"`
	Origin      OriginConfig       `mapstructure:"origin"`
	Bots        bots.Config        `mapstructure:"bots"`
	Scheduler   scheduler.Config   `mapstructure:"scheduler"`
	Breaker     breaker.Config     `mapstructure:"breaker"`
	Fingerprint fingerprint.Config `mapstructure:"fingerprint"`
	Cache       CacheConfig        `mapstructure:"cache"`
	Headless    HeadlessConfig     `mapstructure:"headless"`
	Static      StaticConfig       `mapstructure:"static"`
	Shell       shell.Config       `mapstructure:"shell"`
	Queue       QueueConfig        `mapstructure:"queue"`
	PubSub      PubSubConfig       `mapstructure:"pubsub"`
	Progress    ProgressConfig     `mapstructure:"progress"`
	Database    postgres.Config    `mapstructure:"database"`
	Storage     gcs.Config         `mapstructure:"storage"`
	RateLimit   ratelimit.Config   `mapstructure:"ratelimit"`
	Logging     LoggingConfig      `mapstructure:"logging"`
	Telemetry   TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls the two listeners.
type ServerConfig struct {
	// ProxyPort serves crawler and passthrough traffic.
	ProxyPort int `mapstructure:"proxy_port"`
	// AdminPort serves probes, metrics and the operator API.
	AdminPort         int           `mapstructure:"admin_port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// OriginConfig points at the site being fronted.
type OriginConfig struct {
	URL string `mapstructure:"url"`
	// WaitTimeout bounds how long a crawler waits on an on-demand render.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// AllowedHosts extends the set of hosts the ops API and backlog may
	// render beyond the origin's own. Entries may be "*.suffix" wildcards.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// CacheConfig selects and tunes the rendered-page store.
type CacheConfig struct {
	Backend            string        `mapstructure:"backend"`
	Memory             memory.Config `mapstructure:"memory"`
	File               file.Config   `mapstructure:"file"`
	CacheErrorStatuses bool          `mapstructure:"cache_error_statuses"`
	RevalidatePriority string        `mapstructure:"revalidate_priority"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
}

// HeadlessConfig configures Chrome rendering and per-render options. When
// disabled, pages are fetched unrendered with the static backend.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	headless.Config `mapstructure:",squash"`

	ViewportWidth      int      `mapstructure:"viewport_width"`
	ViewportHeight     int      `mapstructure:"viewport_height"`
	BlockResources     bool     `mapstructure:"block_resources"`
	BlockedURLPatterns []string `mapstructure:"blocked_url_patterns"`
}

// StaticConfig configures the unrendered fetch backend used when headless
// rendering is disabled. Disabling both leaves a serve-only replica that
// answers from a shared cache and never renders.
type StaticConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	static.Config `mapstructure:",squash"`
}

// QueueConfig enables the shared backlog feeder.
type QueueConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Backend  string        `mapstructure:"backend"`
	Capacity int           `mapstructure:"capacity"`
	Pause    time.Duration `mapstructure:"pause"`
}

// PubSubConfig holds Google Cloud Pub/Sub names.
type PubSubConfig struct {
	ProjectID           string `mapstructure:"project_id"`
	BacklogTopic        string `mapstructure:"backlog_topic"`
	BacklogSubscription string `mapstructure:"backlog_subscription"`
	MaxOutstanding      int    `mapstructure:"max_outstanding"`
	NotificationTopic   string `mapstructure:"notification_topic"`
}

// ProgressConfig tunes the lifecycle event hub and its sinks.
type ProgressConfig struct {
	progress.Config `mapstructure:",squash"`
	// LogEvents writes every event through zap.
	LogEvents bool `mapstructure:"log_events"`
	// Notify forwards completions to PubSub.NotificationTopic, or to an
	// in-memory publisher when no project is configured.
	Notify bool `mapstructure:"notify"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.proxy_port", 8080)
	v.SetDefault("server.admin_port", 9090)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("origin.url", "")
	v.SetDefault("origin.wait_timeout", 20*time.Second)
	v.SetDefault("origin.allowed_hosts", []string{})

	v.SetDefault("bots.agents", bots.DefaultAgents)
	v.SetDefault("bots.static_extensions", bots.DefaultStaticExtensions)
	v.SetDefault("bots.escaped_fragment", true)

	sched := scheduler.DefaultConfig()
	v.SetDefault("scheduler.max_concurrency", sched.MaxConcurrency)
	v.SetDefault("scheduler.max_queue_depth", sched.MaxQueueDepth)
	v.SetDefault("scheduler.max_attempts", sched.MaxAttempts)
	v.SetDefault("scheduler.default_timeout", sched.DefaultTimeout)
	v.SetDefault("scheduler.backoff_initial", sched.BackoffInitial)
	v.SetDefault("scheduler.backoff_max", sched.BackoffMax)
	v.SetDefault("scheduler.backoff_jitter", sched.BackoffJitter)
	v.SetDefault("scheduler.history_size", sched.HistorySize)
	v.SetDefault("scheduler.breaker_name", sched.BreakerName)

	brk := breaker.DefaultConfig()
	v.SetDefault("breaker.failure_threshold", brk.FailureThreshold)
	v.SetDefault("breaker.success_threshold", brk.SuccessThreshold)
	v.SetDefault("breaker.error_threshold_percent", brk.ErrorThresholdPercent)
	v.SetDefault("breaker.minimum_sample_size", brk.MinimumSampleSize)
	v.SetDefault("breaker.reset_timeout", brk.ResetTimeout)
	v.SetDefault("breaker.half_open_max_calls", brk.HalfOpenMaxCalls)
	v.SetDefault("breaker.timeout_threshold", brk.TimeoutThreshold)

	fp := fingerprint.DefaultConfig()
	v.SetDefault("fingerprint.ignore_elements", fp.IgnoreElements)
	v.SetDefault("fingerprint.volatile_attributes", fp.VolatileAttributes)
	v.SetDefault("fingerprint.volatile_patterns", []string{})
	v.SetDefault("fingerprint.size_delta_threshold", fp.SizeDeltaThreshold)
	v.SetDefault("fingerprint.structural_threshold", fp.StructuralThreshold)
	v.SetDefault("fingerprint.word_threshold", fp.WordThreshold)
	v.SetDefault("fingerprint.ttl.none", fp.TTL.None)
	v.SetDefault("fingerprint.ttl.minor", fp.TTL.Minor)
	v.SetDefault("fingerprint.ttl.significant", fp.TTL.Significant)
	v.SetDefault("fingerprint.ttl.major", fp.TTL.Major)
	v.SetDefault("fingerprint.ttl.cold_start", fp.TTL.ColdStart)

	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.memory.stale_for", 7*24*time.Hour)
	v.SetDefault("cache.memory.max_entries", 10000)
	v.SetDefault("cache.memory.janitor_interval", time.Minute)
	v.SetDefault("cache.file.base_dir", "")
	v.SetDefault("cache.cache_error_statuses", false)
	v.SetDefault("cache.revalidate_priority", render.PriorityLow.String())
	v.SetDefault("cache.write_timeout", 10*time.Second)

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 3)
	v.SetDefault("headless.user_agent", "")
	v.SetDefault("headless.navigation_timeout", 30*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("headless.viewport_width", 1366)
	v.SetDefault("headless.viewport_height", 768)
	v.SetDefault("headless.block_resources", true)
	v.SetDefault("headless.blocked_url_patterns", []string{})

	v.SetDefault("static.enabled", true)
	v.SetDefault("static.user_agent", "render-cache/1.0")
	v.SetDefault("static.timeout", 15*time.Second)
	v.SetDefault("static.max_body_size", 10*1024*1024)

	sh := shell.DefaultConfig()
	v.SetDefault("shell.enabled", sh.Enabled)
	v.SetDefault("shell.min_body_bytes", sh.MinBodyBytes)
	v.SetDefault("shell.max_script_percent", sh.MaxScriptPercent)

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.pause", time.Second)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.backlog_topic", "")
	v.SetDefault("pubsub.backlog_subscription", "")
	v.SetDefault("pubsub.max_outstanding", 10)
	v.SetDefault("pubsub.notification_topic", "")

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.notify", false)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "render_cache")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "render-cache")

	v.SetDefault("ratelimit.default_rps", 0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("ratelimit.idle_ttl", 10*time.Minute)

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "render-cache")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.ProxyPort <= 0 || c.Server.AdminPort <= 0 {
		return errors.New("server.proxy_port and server.admin_port must be > 0")
	}
	if c.Server.ProxyPort == c.Server.AdminPort {
		return errors.New("server.proxy_port and server.admin_port must differ")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if err := validateOrigin(c.Origin.URL); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Fingerprint.Validate(); err != nil {
		return err
	}
	if _, err := c.RevalidatePriority(); err != nil {
		return fmt.Errorf("cache.revalidate_priority: %w", err)
	}
	switch c.Cache.Backend {
	case CacheMemory:
	case CacheFile:
		if c.Cache.File.BaseDir == "" {
			return errors.New("cache.file.base_dir is required for the file cache")
		}
	case CachePostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres cache")
		}
	case CacheGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the gcs cache")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of memory, file, postgres, gcs", c.Cache.Backend)
	}
	if c.Headless.Enabled && c.Headless.MaxParallel < 0 {
		return errors.New("headless.max_parallel must be >= 0")
	}
	if c.Queue.Enabled {
		switch c.Queue.Backend {
		case QueueMemory:
			if c.Queue.Capacity <= 0 {
				return errors.New("queue.capacity must be > 0")
			}
		case QueuePubSub:
			if c.PubSub.ProjectID == "" || c.PubSub.BacklogSubscription == "" {
				return errors.New("pubsub.project_id and pubsub.backlog_subscription are required for the pubsub backlog")
			}
		default:
			return fmt.Errorf("queue.backend %q is not one of memory, pubsub", c.Queue.Backend)
		}
	}
	if c.Progress.Notify && c.PubSub.ProjectID != "" && c.PubSub.NotificationTopic == "" {
		return errors.New("pubsub.notification_topic is required when progress.notify is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("origin.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("origin.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("origin.url %q must be an absolute http(s) URL", raw)
	}
	return nil
}

// RevalidatePriority parses the background refresh priority.
func (c Config) RevalidatePriority() (render.Priority, error) {
	return render.ParsePriority(c.Cache.RevalidatePriority)
}

// RenderOptions converts the headless section into per-render options.
func (c Config) RenderOptions() render.Options {
	opts := render.Options{
		Timeout:            c.Scheduler.DefaultTimeout,
		UserAgent:          c.Headless.UserAgent,
		BlockResources:     c.Headless.BlockResources,
		BlockedURLPatterns: c.Headless.BlockedURLPatterns,
	}
	if c.Headless.ViewportWidth > 0 && c.Headless.ViewportHeight > 0 {
		opts.Viewport = render.Viewport{Width: c.Headless.ViewportWidth, Height: c.Headless.ViewportHeight}
	}
	if !c.Headless.Enabled {
		opts.UserAgent = c.Static.UserAgent
	}
	return opts
}

package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "DERIVFLOW"

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Derive    DeriveConfig    `mapstructure:"derive"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Log       LogConfig       `mapstructure:"log"`
}

type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	LocalPath string `mapstructure:"local_path"`
}

type DeriveConfig struct {
	Sizes            []string      `mapstructure:"sizes"`
	SourcePrefix     string        `mapstructure:"source_prefix"`
	DerivativePrefix string        `mapstructure:"derivative_prefix"`
	TempDir          string        `mapstructure:"temp_dir"`
	VideoFrameOffset time.Duration `mapstructure:"video_frame_offset"`
	JPEGQuality      int           `mapstructure:"jpeg_quality"`
	SmallObjectLimit int64         `mapstructure:"small_object_limit"`
	PartSize         uint64        `mapstructure:"part_size"`
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	FFprobePath      string        `mapstructure:"ffprobe_path"`
	GifsiclePath     string        `mapstructure:"gifsicle_path"`
}

type QueueConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Name          string        `mapstructure:"name"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int    `mapstructure:"concurrency"`
	MaxActiveJobs int    `mapstructure:"max_active_jobs"`
	DefaultSize   string `mapstructure:"default_size"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
}

// DatabaseConfig selects the asset store. An empty DSN keeps records in memory.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RateLimitConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Capacity  int           `mapstructure:"capacity"`
	Window    time.Duration `mapstructure:"window"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

type TracingConfig struct {
	Exporter     string `mapstructure:"exporter"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

// NATSConfig enables derivative events when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type WebhookConfig struct {
	SigningSecret  string        `mapstructure:"signing_secret"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type IngestConfig struct {
	RawPrefix      string        `mapstructure:"raw_prefix"`
	AudioPrefix    string        `mapstructure:"audio_prefix"`
	IPFSGateway    string        `mapstructure:"ipfs_gateway"`
	ArweaveGateway string        `mapstructure:"arweave_gateway"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads an optional .env file, then an optional config file named by
// DERIVFLOW_CONFIG, then DERIVFLOW_* environment variables.
func Load() (Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	v := viper.New()
	if file := strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Derive.Sizes = splitList(cfg.Derive.Sizes)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.public_base_url", "http://localhost:9000/derivflow/")
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 2*time.Minute)
	v.SetDefault("api.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.backend", "minio")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "minioadmin")
	v.SetDefault("storage.secret_key", "minioadmin")
	v.SetDefault("storage.bucket", "derivflow")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.local_path", "./.derivflow-storage")

	v.SetDefault("derive.sizes", "360w,480w,600w,640w,1280w")
	v.SetDefault("derive.source_prefix", "assets/")
	v.SetDefault("derive.derivative_prefix", "derivatives")
	v.SetDefault("derive.temp_dir", "")
	v.SetDefault("derive.video_frame_offset", time.Second)
	v.SetDefault("derive.jpeg_quality", 82)
	v.SetDefault("derive.small_object_limit", 5<<20)
	v.SetDefault("derive.part_size", 16<<20)
	v.SetDefault("derive.ffmpeg_path", "ffmpeg")
	v.SetDefault("derive.ffprobe_path", "ffprobe")
	v.SetDefault("derive.gifsicle_path", "gifsicle")

	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.name", "default")
	v.SetDefault("queue.task_timeout", 5*time.Minute)

	v.SetDefault("worker.concurrency", max(2, runtime.NumCPU()))
	v.SetDefault("worker.max_active_jobs", defaultWorkerSlots)
	v.SetDefault("worker.default_size", "600w")
	v.SetDefault("worker.metrics_addr", ":9091")

	v.SetDefault("database.dsn", "")

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.capacity", 60)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.key_prefix", "derivflow:ratelimit")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.otlp_insecure", false)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "derivflow.derivatives")

	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.initial_backoff", time.Second)
	v.SetDefault("webhook.max_backoff", 10*time.Second)

	v.SetDefault("ingest.raw_prefix", "raw")
	v.SetDefault("ingest.audio_prefix", "audio")
	v.SetDefault("ingest.ipfs_gateway", "https://ipfs.io/ipfs/")
	v.SetDefault("ingest.arweave_gateway", "https://arweave.net/")
	v.SetDefault("ingest.timeout", 2*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Derive.Sizes) == 0 {
		errs = append(errs, errors.New("derive.sizes must list at least one size token"))
	}
	switch c.Storage.Backend {
	case "minio", "local":
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be minio or local, got %q", c.Storage.Backend))
	}
	if strings.TrimSpace(c.Storage.Bucket) == "" && c.Storage.Backend == "minio" {
		errs = append(errs, errors.New("storage.bucket is required"))
	}
	if strings.TrimSpace(c.API.PublicBaseURL) == "" {
		errs = append(errs, errors.New("api.public_base_url is required"))
	}
	if c.Derive.JPEGQuality < 1 || c.Derive.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("derive.jpeg_quality must be within 1..100, got %d", c.Derive.JPEGQuality))
	}
	if c.Derive.VideoFrameOffset < 0 {
		errs = append(errs, errors.New("derive.video_frame_offset must not be negative"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("ratelimit.capacity and ratelimit.window must be positive"))
	}
	return errors.Join(errs...)
}

// splitList accepts both ["a","b"] and ["a,b"] as produced by env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

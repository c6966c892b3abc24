package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Storage    Storage    `mapstructure:"storage"`
	Media      Media      `mapstructure:"media"`
	Queue      Queue      `mapstructure:"queue"`
	Processing Processing `mapstructure:"processing"`
	Kafka      Kafka      `mapstructure:"kafka"`
	NATS       NATS       `mapstructure:"nats"`
	Events     Events     `mapstructure:"events"`
	Retry      Retry      `mapstructure:"retry"`
	Auth       Auth       `mapstructure:"auth"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort        string        `mapstructure:"http_port"` // HTTP port to listen on
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"` // CORS origins, "*" allows any
}

// Database holds database master and slave configuration.
// An empty driver or "memory" selects the in-memory metadata store.
type Database struct {
	Driver string         `mapstructure:"driver"` // postgres | memory
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"` // apply embedded migrations at startup
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Storage holds configuration for the blob store backend.
type Storage struct {
	Backend    string `mapstructure:"backend"`    // local | minio
	LocalPath  string `mapstructure:"local_path"` // base directory of the local backend
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// Media holds upload validation and rendering settings.
type Media struct {
	MaxFileSize    int64    `mapstructure:"max_file_size"` // bytes
	MaxPixels      int64    `mapstructure:"max_pixels"`    // width x height of the largest raster accepted
	AllowedFormats []string `mapstructure:"allowed_formats"`
	JPEGQuality    int      `mapstructure:"jpeg_quality"`
	WebPQuality    float32  `mapstructure:"webp_quality"`
	WatermarkText  string   `mapstructure:"watermark_text"` // empty disables the large-variant watermark
}

// Queue holds processing queue settings.
type Queue struct {
	Workers int `mapstructure:"workers"`
}

// Processing holds job retry and reconciliation settings.
type Processing struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"` // zero runs the sweep at startup only
	ETACap            time.Duration `mapstructure:"eta_cap"`
}

// Kafka holds configuration for the Kafka event bus.
type Kafka struct {
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Topic   string   `mapstructure:"topic"`    // Kafka topic name
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// NATS holds configuration for the NATS event bus.
type NATS struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Events selects the event bus driver.
type Events struct {
	Driver         string        `mapstructure:"driver"` // kafka | nats | none
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Auth maps role names to the capabilities they grant.
type Auth struct {
	Roles map[string][]string `mapstructure:"roles"`
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.master.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrate", true)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data")

	v.SetDefault("media.max_file_size", 10<<20)
	v.SetDefault("media.max_pixels", 100_000_000)
	v.SetDefault("media.allowed_formats", []string{"jpeg", "png", "gif", "webp", "svg"})
	v.SetDefault("media.jpeg_quality", 85)
	v.SetDefault("media.webp_quality", 80)

	v.SetDefault("queue.workers", 2)

	v.SetDefault("processing.max_attempts", 3)
	v.SetDefault("processing.stale_after", 10*time.Minute)
	v.SetDefault("processing.reconcile_interval", 5*time.Minute)
	v.SetDefault("processing.eta_cap", 5*time.Minute)

	v.SetDefault("kafka.topic", "media-events")
	v.SetDefault("kafka.group_id", "media-service")

	v.SetDefault("nats.subject_prefix", "")

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.publish_timeout", 5*time.Second)

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 200*time.Millisecond)
	v.SetDefault("retry.backoff", 2.0)
}

// bindEnv binds secrets and deployment-specific settings to explicit variables.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"database.master.host": "DB_HOST",
		"database.master.port": "DB_PORT",
		"database.master.user": "DB_USER",
		"database.master.pass": "DB_PASSWORD",
		"database.master.name": "DB_NAME",
		"storage.access_key":   "MINIO_ACCESS_KEY",
		"storage.secret_key":   "MINIO_SECRET_KEY",
		"nats.url":             "NATS_URL",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	return nil
}

// Load reads the YAML configuration at path, applying defaults and environment overrides.
// Any setting can be overridden as MEDIA_<SECTION>_<KEY>, e.g. MEDIA_QUEUE_WORKERS.
// An empty path loads defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("media")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	return cfg
}

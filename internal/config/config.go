// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Admission     AdmissionConfig
	Admin         AdminConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Archive       ArchiveConfig
	Bucketing     BucketingConfig
	Metrics       MetricsConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// TLSMode is one of "", "file", "autocert" or "self-signed"; empty serves plain HTTP.
	TLSMode        string
	CertFile       string
	KeyFile        string
	AutocertDomain string
	AutocertDir    string
	AutocertEmail  string
	// UpstreamURL receives admitted requests; empty means the built-in echo handler answers.
	UpstreamURL    string
	AllowedOrigins []string
}

// TLS modes of the gateway listener.
const (
	TLSModeFile       = "file"
	TLSModeAutocert   = "autocert"
	TLSModeSelfSigned = "self-signed"
)

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
	// OpTimeout bounds every store round trip made by the gates.
	OpTimeout time.Duration
}

type AdmissionConfig struct {
	TrustProxyHeaders bool
	SubjectHeader     string
	TokenPepper       string
	EventCap          int64
	AuditCap          int64
	StatsRetention    time.Duration
	Escalation        EscalationConfig
}

// EscalationConfig turns repeated rate limit violations from one IP into a temporary ban.
type EscalationConfig struct {
	Enabled     bool
	Violations  int
	Window      time.Duration
	BanDuration time.Duration
}

type AdminConfig struct {
	Token string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
	GroupID string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Table    string
}

// ArchiveConfig tunes the archiver that drains the events topic.
type ArchiveConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Index    string
}

type BucketingConfig struct {
	EventBuckets int
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Load reads the configuration from the environment, picking up a .env file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var env envReader
	cfg := &Config{
		Environment: env.String("APP_ENV", "development"),
		Server: ServerConfig{
			Host:            env.String("SERVER_HOST", "0.0.0.0"),
			Port:            env.Int("SERVER_PORT", 8080),
			ReadTimeout:     env.Duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    env.Duration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     env.Duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: env.Duration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			TLSMode:         env.String("SERVER_TLS_MODE", ""),
			CertFile:        env.String("SERVER_CERT_FILE", ""),
			KeyFile:         env.String("SERVER_KEY_FILE", ""),
			AutocertDomain:  env.String("SERVER_AUTOCERT_DOMAIN", ""),
			AutocertDir:     env.String("SERVER_AUTOCERT_DIR", "./certs"),
			AutocertEmail:   env.String("SERVER_AUTOCERT_EMAIL", ""),
			UpstreamURL:     env.String("UPSTREAM_URL", ""),
			AllowedOrigins:  env.List("CORS_ALLOWED_ORIGINS", []string{"https://*"}),
		},
		Logging: LoggingConfig{
			Level:  env.String("LOG_LEVEL", "info"),
			Format: env.String("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:       env.String("REDIS_URL", "redis://localhost:6379/0"),
			Password:  env.String("REDIS_PASSWORD", ""),
			DB:        env.Int("REDIS_DB", 0),
			PoolSize:  env.Int("REDIS_POOL_SIZE", 50),
			OpTimeout: env.Duration("REDIS_OP_TIMEOUT", 250*time.Millisecond),
		},
		Admission: AdmissionConfig{
			TrustProxyHeaders: env.Bool("TRUST_PROXY_HEADERS", true),
			SubjectHeader:     env.String("SUBJECT_HEADER", "X-User-ID"),
			TokenPepper:       env.String("TOKEN_PEPPER", ""),
			EventCap:          int64(env.Int("EVENT_CAP", 1000)),
			AuditCap:          int64(env.Int("AUDIT_CAP", 500)),
			StatsRetention:    env.Duration("STATS_RETENTION", 30*24*time.Hour),
			Escalation: EscalationConfig{
				Enabled:     env.Bool("ESCALATION_ENABLED", false),
				Violations:  env.Int("ESCALATION_VIOLATIONS", 10),
				Window:      env.Duration("ESCALATION_WINDOW", 10*time.Minute),
				BanDuration: env.Duration("ESCALATION_BAN_DURATION", time.Hour),
			},
		},
		Admin: AdminConfig{
			Token: env.String("ADMIN_TOKEN", ""),
		},
		Kafka: KafkaConfig{
			Enabled: env.Bool("KAFKA_ENABLED", false),
			Brokers: env.List("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   env.String("KAFKA_TOPIC", "admission-events"),
			GroupID: env.String("KAFKA_GROUP_ID", "admission-archiver"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      env.String("CLICKHOUSE_URL", "localhost:9000"),
			Username: env.String("CLICKHOUSE_USERNAME", "default"),
			Password: env.String("CLICKHOUSE_PASSWORD", ""),
			Database: env.String("CLICKHOUSE_DATABASE", "admission"),
			Table:    env.String("CLICKHOUSE_TABLE", "admission_denials"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:      env.String("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: env.String("ELASTICSEARCH_USERNAME", ""),
			Password: env.String("ELASTICSEARCH_PASSWORD", ""),
			Index:    env.String("ELASTICSEARCH_INDEX", "admission-audit"),
		},
		Archive: ArchiveConfig{
			BatchSize:     env.Int("ARCHIVE_BATCH_SIZE", 500),
			FlushInterval: env.Duration("ARCHIVE_FLUSH_INTERVAL", 5*time.Second),
		},
		Bucketing: BucketingConfig{
			EventBuckets: env.Int("EVENT_BUCKETS", 64),
		},
		Metrics: MetricsConfig{
			Enabled: env.Bool("METRICS_ENABLED", true),
			Path:    env.String("METRICS_PATH", "/metrics"),
		},
	}

	if cfg.Server.TLSMode == "" && cfg.Server.CertFile != "" {
		cfg.Server.TLSMode = TLSModeFile
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot verify while parsing.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, errors.New("SERVER_CERT_FILE and SERVER_KEY_FILE must be set together"))
	}
	switch c.Server.TLSMode {
	case "":
	case TLSModeFile:
		if c.Server.CertFile == "" {
			errs = append(errs, errors.New("SERVER_TLS_MODE=file requires SERVER_CERT_FILE and SERVER_KEY_FILE"))
		}
	case TLSModeAutocert:
		if c.Server.AutocertDomain == "" || c.Server.AutocertDir == "" {
			errs = append(errs, errors.New("SERVER_TLS_MODE=autocert requires SERVER_AUTOCERT_DOMAIN and SERVER_AUTOCERT_DIR"))
		}
	case TLSModeSelfSigned:
		if c.IsProduction() {
			errs = append(errs, errors.New("SERVER_TLS_MODE=self-signed is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SERVER_TLS_MODE %q", c.Server.TLSMode))
	}
	if c.Server.UpstreamURL != "" {
		if u, err := url.Parse(c.Server.UpstreamURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("UPSTREAM_URL is not an absolute url: %q", c.Server.UpstreamURL))
		}
	}
	if c.Redis.URL == "" {
		errs = append(errs, errors.New("REDIS_URL is required"))
	}
	if c.Redis.OpTimeout <= 0 {
		errs = append(errs, errors.New("REDIS_OP_TIMEOUT must be positive"))
	}
	if c.Admission.EventCap <= 0 {
		errs = append(errs, errors.New("EVENT_CAP must be positive"))
	}
	if c.Admission.AuditCap <= 0 {
		errs = append(errs, errors.New("AUDIT_CAP must be positive"))
	}
	if esc := c.Admission.Escalation; esc.Enabled {
		if esc.Violations <= 0 || esc.Window <= 0 || esc.BanDuration <= 0 {
			errs = append(errs, errors.New("escalation violations, window and ban duration must be positive"))
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is set"))
	}
	if c.Archive.BatchSize <= 0 || c.Archive.FlushInterval <= 0 {
		errs = append(errs, errors.New("ARCHIVE_BATCH_SIZE and ARCHIVE_FLUSH_INTERVAL must be positive"))
	}
	if c.Bucketing.EventBuckets <= 0 {
		errs = append(errs, errors.New("EVENT_BUCKETS must be positive"))
	}
	if c.IsProduction() && c.Admin.Token == "" {
		errs = append(errs, errors.New("ADMIN_TOKEN is required in production"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// envReader collects parse errors so Load can report every bad variable at once.
type envReader struct {
	errs []error
}

func (e *envReader) String(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func (e *envReader) Int(key string, fallback int) int {
	raw := e.String(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}

func (e *envReader) Bool(key string, fallback bool) bool {
	raw := e.String(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}

// Duration accepts Go duration strings ("250ms") or a bare number of seconds.
func (e *envReader) Duration(key string, fallback time.Duration) time.Duration {
	raw := e.String(key, "")
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return v
}

func (e *envReader) List(key string, fallback []string) []string {
	raw := e.String(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

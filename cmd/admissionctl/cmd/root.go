// Package cmd provides the admissionctl commands. They talk to the gateway's
// Redis directly, so they work while the gateway itself is down.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"admission-service/internal/bucketing"
	"admission-service/internal/client"
	"admission-service/internal/config"
	"admission-service/internal/events"
	"admission-service/internal/hashing"
	redisrepo "admission-service/internal/repository/redis"
	"admission-service/internal/service"
	"admission-service/internal/util"
)

// app carries the state shared by every command of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "admissionctl",
		Short: "Operate the admission gateway's reputation lists, revocations and rate limits",
		Long: `admissionctl manages the state the admission gateway reads on every request.

Configuration is read from flags, ADMISSIONCTL_* environment variables, the
gateway's own variables (REDIS_URL, REDIS_PASSWORD, REDIS_DB, TOKEN_PEPPER,
KAFKA_BROKERS, KAFKA_TOPIC, EVENT_CAP, AUDIT_CAP, STATS_RETENTION) and admissionctl.yaml in the current directory or
$HOME/.admissionctl/, in that order.

The token pepper must match the gateway's, or revocations by raw token land
on keys the gateway never looks up.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: ./admissionctl.yaml)")
	pf.String("redis-url", "redis://localhost:6379/0", "Redis URL of the gateway")
	pf.String("redis-password", "", "Redis password, when not part of the URL")
	pf.Int("redis-db", 0, "Redis database")
	pf.String("token-pepper", "", "pepper used by the gateway to hash credentials")
	pf.StringSlice("kafka-brokers", nil, "stream reputation changes to these brokers")
	pf.String("kafka-topic", "admission-events", "events topic")
	pf.Duration("timeout", 5*time.Second, "timeout of one command")
	pf.String("log-level", "warn", "log level (logs go to stderr)")

	for key, flag := range map[string]string{
		"redis.url":              "redis-url",
		"redis.password":         "redis-password",
		"redis.db":               "redis-db",
		"admission.token_pepper": "token-pepper",
		"kafka.brokers":          "kafka-brokers",
		"kafka.topic":            "kafka-topic",
		"timeout":                "timeout",
		"log_level":              "log-level",
	} {
		_ = a.v.BindPFlag(key, pf.Lookup(flag))
	}

	// Store bounds must match the gateway's or CLI writes trim its feeds.
	a.v.SetDefault("admission.event_cap", 1000)
	a.v.SetDefault("admission.audit_cap", 500)
	a.v.SetDefault("admission.stats_retention", 30*24*time.Hour)

	root.AddCommand(
		newBanCmd(a),
		newUnbanCmd(a),
		newBansCmd(a),
		newWhitelistCmd(a),
		newAuditCmd(a),
		newRevokeCmd(a),
		newRestoreCmd(a),
		newRevokedCountCmd(a),
		newHashTokenCmd(a),
		newStatsCmd(a),
		newEventsCmd(a),
		newResetCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) initConfig() error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.SetConfigName("admissionctl")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		a.v.AddConfigPath("$HOME/.admissionctl")
	}

	a.v.SetEnvPrefix("ADMISSIONCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.v.AutomaticEnv()

	// The gateway's variables are honored so both binaries share one .env.
	_ = a.v.BindEnv("redis.url", "ADMISSIONCTL_REDIS_URL", "REDIS_URL")
	_ = a.v.BindEnv("redis.password", "ADMISSIONCTL_REDIS_PASSWORD", "REDIS_PASSWORD")
	_ = a.v.BindEnv("redis.db", "ADMISSIONCTL_REDIS_DB", "REDIS_DB")
	_ = a.v.BindEnv("admission.token_pepper", "ADMISSIONCTL_ADMISSION_TOKEN_PEPPER", "TOKEN_PEPPER")
	_ = a.v.BindEnv("kafka.brokers", "ADMISSIONCTL_KAFKA_BROKERS", "KAFKA_BROKERS")
	_ = a.v.BindEnv("kafka.topic", "ADMISSIONCTL_KAFKA_TOPIC", "KAFKA_TOPIC")
	_ = a.v.BindEnv("admission.event_cap", "ADMISSIONCTL_ADMISSION_EVENT_CAP", "EVENT_CAP")
	_ = a.v.BindEnv("admission.audit_cap", "ADMISSIONCTL_ADMISSION_AUDIT_CAP", "AUDIT_CAP")
	_ = a.v.BindEnv("admission.stats_retention", "ADMISSIONCTL_ADMISSION_STATS_RETENTION", "STATS_RETENTION")

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	util.SetLogger(newStderrLogger(a.v.GetString("log_level")))
	return nil
}

func newStderrLogger(level string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (a *app) config() *config.Config {
	timeout := a.v.GetDuration("timeout")
	return &config.Config{
		Environment: "development",
		Redis: config.RedisConfig{
			URL:       a.v.GetString("redis.url"),
			Password:  a.v.GetString("redis.password"),
			DB:        a.v.GetInt("redis.db"),
			PoolSize:  10,
			OpTimeout: timeout,
		},
		Admission: config.AdmissionConfig{
			TokenPepper:    a.v.GetString("admission.token_pepper"),
			EventCap:       a.v.GetInt64("admission.event_cap"),
			AuditCap:       a.v.GetInt64("admission.audit_cap"),
			StatsRetention: a.v.GetDuration("admission.stats_retention"),
		},
		Kafka: config.KafkaConfig{
			Enabled: len(a.v.GetStringSlice("kafka.brokers")) > 0,
			Brokers: a.v.GetStringSlice("kafka.brokers"),
			Topic:   a.v.GetString("kafka.topic"),
		},
		Bucketing: config.BucketingConfig{EventBuckets: 64},
	}
}

func (a *app) hasher() (*hashing.Hasher, error) {
	return hashing.NewHasherWithPepper(a.v.GetString("admission.token_pepper"))
}

// withAdmin runs fn against an admin service backed by the configured stores
// and closes every connection afterwards.
func (a *app) withAdmin(cmd *cobra.Command, fn func(ctx context.Context, svc *service.AdminService) error) error {
	cfg := a.config()

	hasher, err := a.hasher()
	if err != nil {
		return err
	}

	redisClient, err := client.NewRedisClient(cfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		producer, err := client.NewKafkaProducer(cfg)
		if err != nil {
			return err
		}
		publisher = events.NewKafkaPublisher(producer, cfg.Kafka.Topic, bucketing.NewBucketingManager(cfg))
	}
	defer publisher.Close()

	svc := service.NewAdminService(
		redisrepo.NewSlidingWindowLimiter(redisClient),
		redisrepo.NewReputationStore(redisClient, cfg.Admission.AuditCap),
		redisrepo.NewRevocationStore(redisClient),
		redisrepo.NewEventRecorder(redisClient, cfg.Admission.EventCap, cfg.Admission.StatsRetention),
		publisher,
		hasher,
		nil,
		util.Get(),
	)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Redis.OpTimeout)
	defer cancel()
	return fn(ctx, svc)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

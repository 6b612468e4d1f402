package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"admission-service/internal/bucketing"
	"admission-service/internal/client"
	"admission-service/internal/config"
	"admission-service/internal/events"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	redisrepo "admission-service/internal/repository/redis"
	"admission-service/internal/service"
	"admission-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager
	registry         *prometheus.Registry
	metrics          *metrics.Metrics

	// Repositories
	limiter         *redisrepo.SlidingWindowLimiter
	reputationStore *redisrepo.ReputationStore
	revocationStore *redisrepo.RevocationStore
	eventRecorder   *redisrepo.EventRecorder

	publisher      events.Publisher
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	return NewFactoryWithConfig(cfg)
}

// NewFactoryWithConfig is NewFactory for an already loaded configuration.
func NewFactoryWithConfig(cfg *config.Config) (*Factory, error) {
	factory := &Factory{config: cfg}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("escalation_enabled", cfg.Admission.Escalation.Enabled),
	)

	return factory, nil
}

// initializeClients connects to Redis and, when enabled, Kafka.
// Redis is required; a broken Kafka only disables event streaming.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	redisClient, err := client.NewRedisClient(f.config)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
	} else {
		util.Info("Redis client initialized and healthy")
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without event streaming", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			_ = f.redisClient.Close()
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, bucketing and metrics
func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return err
	}
	f.hasher = hasher
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f.metrics = metrics.New(f.registry)

	if f.config.Admission.TokenPepper == "" {
		util.Warn("TOKEN_PEPPER is empty - revocation keys are plain BLAKE2b digests")
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
		util.Int("event_buckets", f.bucketingManager.GetEventBuckets()),
	)
	return nil
}

// ==============================
// Repository Initialization
// ==============================

func (f *Factory) Limiter() *redisrepo.SlidingWindowLimiter {
	if f.limiter == nil {
		f.limiter = redisrepo.NewSlidingWindowLimiter(f.redisClient)
	}
	return f.limiter
}

func (f *Factory) ReputationStore() *redisrepo.ReputationStore {
	if f.reputationStore == nil {
		f.reputationStore = redisrepo.NewReputationStore(f.redisClient, f.config.Admission.AuditCap)
	}
	return f.reputationStore
}

func (f *Factory) RevocationStore() *redisrepo.RevocationStore {
	if f.revocationStore == nil {
		f.revocationStore = redisrepo.NewRevocationStore(f.redisClient)
	}
	return f.revocationStore
}

func (f *Factory) EventRecorder() *redisrepo.EventRecorder {
	if f.eventRecorder == nil {
		f.eventRecorder = redisrepo.NewEventRecorder(f.redisClient, f.config.Admission.EventCap, f.config.Admission.StatsRetention)
	}
	return f.eventRecorder
}

// Publisher streams admission events to Kafka, or drops them when Kafka is off.
func (f *Factory) Publisher() events.Publisher {
	if f.publisher == nil {
		if f.kafkaProducer != nil {
			f.publisher = events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.Topic, f.bucketingManager)
		} else {
			f.publisher = events.NopPublisher{}
		}
	}
	return f.publisher
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.Limiter(),
			f.ReputationStore(),
			f.RevocationStore(),
			f.EventRecorder(),
			f.Publisher(),
			f.Hasher(),
			f.Metrics(),
			f.config.Admission.Escalation,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.bucketingManager == nil {
		healthErrors["bucketing"] = fmt.Errorf("bucketing manager not initialized")
	}

	return healthErrors
}

// ==============================
// Other Utility Methods
// ==============================

// Readiness runs HealthCheck once. A failing Kafka is reported but does not
// make the gateway unready: event streaming is best effort.
func (f *Factory) Readiness(ctx context.Context) (bool, map[string]error) {
	healthErrors := f.HealthCheck(ctx)
	for name := range healthErrors {
		if name != "kafka" {
			return false, healthErrors
		}
	}
	return true, healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		// The publisher owns the Kafka producer.
		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		} else if f.publisher != nil {
			if err := f.publisher.Close(); err != nil {
				util.Error("Failed to close event publisher", util.ErrorField(err))
			}
		} else if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) RedisClient() *client.RedisClient {
	return f.redisClient
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}

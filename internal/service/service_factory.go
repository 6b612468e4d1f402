package service

import (
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"admission-service/internal/config"
	"admission-service/internal/events"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	redisrepo "admission-service/internal/repository/redis"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	limiter          *redisrepo.SlidingWindowLimiter
	reputation       *redisrepo.ReputationStore
	revocations      *redisrepo.RevocationStore
	recorder         *redisrepo.EventRecorder
	publisher        events.Publisher
	hasher           *hashing.Hasher
	metrics          *metrics.Metrics
	escalation       config.EscalationConfig
	logger           *zap.Logger
	validate         *validator.Validate
	admissionService *AdmissionService
	adminService     *AdminService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	limiter *redisrepo.SlidingWindowLimiter,
	reputation *redisrepo.ReputationStore,
	revocations *redisrepo.RevocationStore,
	recorder *redisrepo.EventRecorder,
	publisher events.Publisher,
	hasher *hashing.Hasher,
	m *metrics.Metrics,
	escalation config.EscalationConfig,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		limiter:     limiter,
		reputation:  reputation,
		revocations: revocations,
		recorder:    recorder,
		publisher:   publisher,
		hasher:      hasher,
		metrics:     m,
		escalation:  escalation,
		logger:      logger,
		validate:    validator.New(),
	}
}

// AdmissionService returns the admission service instance (singleton)
func (f *ServiceFactory) AdmissionService() *AdmissionService {
	if f.admissionService == nil {
		f.admissionService = NewAdmissionService(
			f.limiter,
			f.reputation,
			f.revocations,
			f.recorder,
			f.publisher,
			f.hasher,
			f.metrics,
			f.escalation,
			f.logger,
		)
	}
	return f.admissionService
}

// AdminService returns the admin service instance (singleton)
func (f *ServiceFactory) AdminService() *AdminService {
	if f.adminService == nil {
		f.adminService = NewAdminService(
			f.limiter,
			f.reputation,
			f.revocations,
			f.recorder,
			f.publisher,
			f.hasher,
			f.validate,
			f.logger,
		)
	}
	return f.adminService
}

// Cleanup cleans up all services. The publisher is shared, so it is closed once.
func (f *ServiceFactory) Cleanup() {
	if f.admissionService != nil {
		f.admissionService.Cleanup()
		return
	}
	if f.publisher != nil {
		if err := f.publisher.Close(); err != nil {
			f.logger.Error("Failed to close event publisher", zap.Error(err))
		}
	}
}

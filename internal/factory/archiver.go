package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"admission-service/internal/archive"
	"admission-service/internal/client"
	"admission-service/internal/config"
	"admission-service/internal/util"
)

// ArchiverFactory wires the archiver process: the events topic consumer and
// the two long term stores. It needs no Redis.
type ArchiverFactory struct {
	config *config.Config

	kafkaConsumer    *client.KafkaConsumer
	clickhouseClient *client.ClickHouseClient
	esClient         *client.ESClient

	archiver *archive.Archiver

	closeOnce sync.Once
}

func NewArchiverFactory() (*ArchiverFactory, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &ArchiverFactory{config: cfg}
	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	util.Info("Archiver factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("topic", cfg.Kafka.Topic),
		util.String("group_id", cfg.Kafka.GroupID),
	)
	return f, nil
}

// initializeClients connects every store the archiver writes to. All of them are required.
func (f *ArchiverFactory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Kafka
	consumer, err := client.NewKafkaConsumer(f.config, f.config.Kafka.Topic, f.config.Kafka.GroupID)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	f.kafkaConsumer = consumer

	// ClickHouse
	chClient, err := client.NewClickHouseClient(f.config)
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}
	f.clickhouseClient = chClient
	if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("clickhouse health check: %w", err)
	}
	util.Info("ClickHouse client initialized and healthy")

	// Elasticsearch
	esClient, err := client.NewElasticsearchClient(f.config)
	if err != nil {
		return fmt.Errorf("elasticsearch: %w", err)
	}
	f.esClient = esClient
	if err := f.esClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("elasticsearch health check: %w", err)
	}
	util.Info("Elasticsearch client initialized and healthy")

	return nil
}

func (f *ArchiverFactory) Archiver() *archive.Archiver {
	if f.archiver == nil {
		f.archiver = archive.NewArchiver(
			f.kafkaConsumer,
			f.clickhouseClient,
			f.esClient,
			archive.Options{
				Table:         f.config.Clickhouse.Table,
				Index:         f.config.Elasticsearch.Index,
				BatchSize:     f.config.Archive.BatchSize,
				FlushInterval: f.config.Archive.FlushInterval,
			},
			util.Get(),
		)
	}
	return f.archiver
}

func (f *ArchiverFactory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	} else {
		healthErrors["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	} else {
		healthErrors["elasticsearch"] = fmt.Errorf("elasticsearch client not initialized")
	}

	return healthErrors
}

func (f *ArchiverFactory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down archiver factory...")

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		util.Sync()
	})
	return nil
}

func (f *ArchiverFactory) Config() *config.Config {
	return f.config
}

// Package archive drains the admission events topic into long term storage:
// denials into ClickHouse for analytics, reputation changes into Elasticsearch
// for search.
package archive

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"admission-service/internal/events"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 5 * time.Second
	shutdownFlushTimeout = 10 * time.Second
	// A batch that keeps failing is retried until it grows this many times
	// past the batch size; then Run gives up and the uncommitted offsets are
	// replayed after a restart.
	maxPendingBatches = 10
)

// MessageSource is the consumer side of the events topic.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type DenialSink interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type AuditSink interface {
	BulkIndex(ctx context.Context, index string, docs map[string]interface{}) error
}

type Options struct {
	Table         string
	Index         string
	BatchSize     int
	FlushInterval time.Duration
}

// Archiver commits offsets only after both sinks accepted a batch, so every
// event is stored at least once.
type Archiver struct {
	source  MessageSource
	denials DenialSink
	audit   AuditSink
	opts    Options
	logger  *zap.Logger
}

func NewArchiver(source MessageSource, denials DenialSink, audit AuditSink, opts Options, logger *zap.Logger) *Archiver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	return &Archiver{
		source:  source,
		denials: denials,
		audit:   audit,
		opts:    opts,
		logger:  logger,
	}
}

// EnsureSchema creates the denials table. ReplacingMergeTree collapses the
// duplicates a replayed batch may insert.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id String,
	occurred_at DateTime64(3, 'UTC'),
	event_date Date,
	rate_key String,
	ip String,
	bucket UInt16
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_date, bucket, id)`, a.opts.Table)

	if err := a.denials.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", a.opts.Table, err)
	}
	return nil
}

// Run consumes until ctx is cancelled, then flushes what it holds and returns
// nil. Any other error is returned after the pipeline stopped.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.Info("Archiver started",
		zap.String("table", a.opts.Table),
		zap.String("index", a.opts.Index),
		zap.Int("batch_size", a.opts.BatchSize),
		zap.Duration("flush_interval", a.opts.FlushInterval))

	msgs := make(chan kafka.Message, a.opts.BatchSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(msgs)
		return a.fetch(gctx, msgs)
	})
	g.Go(func() error {
		return a.batch(gctx, msgs)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("Archiver stopped")
	return nil
}

func (a *Archiver) fetch(ctx context.Context, out chan<- kafka.Message) error {
	for {
		m, err := a.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Archiver) batch(ctx context.Context, in <-chan kafka.Message) error {
	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	var pending []kafka.Message
	for {
		select {
		case m, ok := <-in:
			if !ok {
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
				defer cancel()
				return a.flush(fctx, pending)
			}
			pending = append(pending, m)
			if len(pending) >= a.opts.BatchSize {
				pending = a.tryFlush(ctx, pending)
			}
		case <-ticker.C:
			pending = a.tryFlush(ctx, pending)
		}

		if len(pending) > maxPendingBatches*a.opts.BatchSize {
			return fmt.Errorf("archive backlog of %d events could not be flushed", len(pending))
		}
	}
}

// tryFlush returns the messages still pending after one flush attempt.
func (a *Archiver) tryFlush(ctx context.Context, pending []kafka.Message) []kafka.Message {
	if err := a.flush(ctx, pending); err != nil {
		a.logger.Warn("Archive flush failed, will retry", zap.Int("pending", len(pending)), zap.Error(err))
		return pending
	}
	return nil
}

func (a *Archiver) flush(ctx context.Context, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	var rows [][]interface{}
	docs := make(map[string]interface{})
	skipped := 0
	for _, m := range msgs {
		ev, err := events.Decode(m.Value)
		if err != nil {
			a.logger.Warn("Skipping undecodable event",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			skipped++
			continue
		}
		switch ev.Type {
		case events.TypeDenial:
			rows = append(rows, denialRow(ev, m))
		case events.TypeReputation:
			docs[documentID(ev, m)] = ev
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(rows) > 0 {
		g.Go(func() error {
			return a.denials.BatchInsert(gctx, a.insertQuery(), rows)
		})
	}
	if len(docs) > 0 {
		g.Go(func() error {
			return a.audit.BulkIndex(gctx, a.opts.Index, docs)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("store batch: %w", err)
	}

	if err := a.source.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}

	a.logger.Debug("Archived events batch",
		zap.Int("denials", len(rows)),
		zap.Int("reputation", len(docs)),
		zap.Int("skipped", skipped))
	return nil
}

func (a *Archiver) insertQuery() string {
	return "INSERT INTO " + a.opts.Table + " (id, occurred_at, event_date, rate_key, ip, bucket)"
}

func denialRow(ev events.Message, m kafka.Message) []interface{} {
	at := ev.OccurredAt.UTC()
	return []interface{}{
		documentID(ev, m),
		at,
		time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC),
		ev.Key,
		ev.IP,
		uint16(ev.Bucket),
	}
}

// documentID falls back to the topic position for events published without an id.
func documentID(ev events.Message, m kafka.Message) string {
	if ev.ID != "" {
		return ev.ID
	}
	return strconv.Itoa(m.Partition) + "-" + strconv.FormatInt(m.Offset, 10)
}

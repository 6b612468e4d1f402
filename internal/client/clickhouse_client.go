package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"admission-service/internal/config"
	"admission-service/internal/util"
)

const (
	clickhouseNativePort    = "9000"
	clickhouseNativeTLSPort = "9440"
)

// ClickHouseClient is the archiver's write path into ClickHouse: schema DDL
// and native batch inserts of denial rows.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
}

func NewClickHouseClient(cfg *config.Config) (*ClickHouseClient, error) {
	opts, err := clickhouseOptions(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.Strings("addr", opts.Addr),
		zap.String("database", cfg.Clickhouse.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)
	return &ClickHouseClient{conn: conn, database: cfg.Clickhouse.Database}, nil
}

// clickhouseOptions maps CLICKHOUSE_URL onto native protocol options. The
// https and clickhouses schemes, and production, switch TLS on; a missing
// port defaults to the native port of the chosen transport.
func clickhouseOptions(cfg *config.Config) (*ch.Options, error) {
	chConfig := cfg.Clickhouse

	raw := chConfig.URL
	if !strings.Contains(raw, "://") {
		raw = "clickhouse://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid CLICKHOUSE_URL %q", chConfig.URL)
	}

	secure := u.Scheme == "https" || u.Scheme == "clickhouses" || cfg.IsProduction()
	port := u.Port()
	if port == "" {
		port = clickhouseNativePort
		if secure {
			port = clickhouseNativeTLSPort
		}
	}

	opts := &ch.Options{
		Addr: []string{net.JoinHostPort(u.Hostname(), port)},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     4,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
	}

	if secure {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: u.Hostname(),
		}
		if caFile := os.Getenv("CLICKHOUSE_CA_FILE"); caFile != "" {
			caCert, err := os.ReadFile(caFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("no certificates in ClickHouse CA file %s", caFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}
	return opts, nil
}

// Exec runs DDL such as the archive table definition.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	if err := c.conn.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("clickhouse exec: %w", err)
	}
	return nil
}

// BatchInsert sends all rows in one native batch. Nothing is written unless
// every row appends.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch of %d rows: %w", len(rows), err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("clickhouse ping failed: %w", err)
	}
	return nil
}

func (c *ClickHouseClient) Close() error {
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed", zap.String("database", c.database))
	return nil
}

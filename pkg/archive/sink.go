package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/sirupsen/logrus"
)

// Row is one archived work row.
type Row struct {
	TenantID    int64     `ch:"tenant_id"`
	RowID       int64     `ch:"row_id"`
	TableName   string    `ch:"table_name"`
	Operation   string    `ch:"operation"`
	Status      string    `ch:"status"`
	TxHash      string    `ch:"tx_hash"`
	ProcessedAt time.Time `ch:"processed_at"`
}

// Sink receives flushed archive batches.
type Sink interface {
	Insert(ctx context.Context, rows []Row) error
	Close() error
}

// ClickHouseSink writes archive batches over the native protocol.
type ClickHouseSink struct {
	log    logrus.FieldLogger
	conn   clickhouse.Conn
	config *Config
}

func NewClickHouseSink(log logrus.FieldLogger, config *Config) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Addr},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		DialTimeout: config.DialTimeout,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}

	return &ClickHouseSink{
		log:    log.WithField("component", "archive_sink"),
		conn:   conn,
		config: config,
	}, nil
}

func (s *ClickHouseSink) Insert(ctx context.Context, rows []Row) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", s.config.Table))
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			return fmt.Errorf("failed to append archive row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch: %w", err)
	}

	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

// Package query provides SQL access to the telemetry archive.
//
// DuckDB reads the Parquet files in place, so historical write-path
// metrics are queryable without a separate ingest step.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/capstore/internal/storage/archive"
	"github.com/xtxerr/capstore/internal/storage/config"
	"github.com/xtxerr/capstore/internal/telemetry"
)

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// MetricQuery selects archived metrics.
type MetricQuery struct {
	Component string
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// AggregateResult summarizes one metric series over a time range.
type AggregateResult struct {
	Component string
	Name      string
	Count     int64
	Min       float64
	Max       float64
	Avg       float64
}

// Service executes queries against the archive directory.
type Service struct {
	mu sync.RWMutex

	cfg        config.QueryConfig
	archiveDir string
	db         *sql.DB

	queries atomic.Int64
	rows    atomic.Int64
	errcnt  atomic.Int64
}

// New opens an in-memory DuckDB session over the archive directory.
func New(cfg config.QueryConfig, archiveDir string) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		cfg:        cfg,
		archiveDir: archiveDir,
		db:         db,
	}, nil
}

// Close closes the DuckDB session.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// QueryMetrics returns archived metrics matching the query, oldest first.
func (s *Service) QueryMetrics(ctx context.Context, q MetricQuery) ([]telemetry.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := archive.ListFiles(s.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	limit := q.Limit
	if limit <= 0 || (s.cfg.MaxRows > 0 && limit > s.cfg.MaxRows) {
		limit = s.cfg.MaxRows
	}

	query := fmt.Sprintf(`
		SELECT component, name, value, unit, timestamp_ms
		FROM read_parquet('%s')
		WHERE ($1 = '' OR component = $1)
		  AND ($2 = '' OR name = $2)
		  AND timestamp_ms >= $3
		  AND timestamp_ms <= $4
		ORDER BY timestamp_ms
		LIMIT %d`, s.glob(), limit)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query,
		q.Component, q.Name, q.StartTime.UnixMilli(), q.EndTime.UnixMilli())
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []telemetry.Metric
	for rows.Next() {
		var m telemetry.Metric
		var unit sql.NullString
		if err := rows.Scan(&m.Component, &m.Name, &m.Value, &unit, &m.TimestampMs); err != nil {
			s.countError()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		m.Unit = unit.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		s.countError()
		return nil, err
	}

	s.countResult(len(out))
	return out, nil
}

// Aggregate summarizes the matching metric series over a time range.
func (s *Service) Aggregate(ctx context.Context, q MetricQuery) ([]AggregateResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := archive.ListFiles(s.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT component, name, COUNT(*), MIN(value), MAX(value), AVG(value)
		FROM read_parquet('%s')
		WHERE ($1 = '' OR component = $1)
		  AND ($2 = '' OR name = $2)
		  AND timestamp_ms >= $3
		  AND timestamp_ms <= $4
		GROUP BY component, name
		ORDER BY component, name`, s.glob())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query,
		q.Component, q.Name, q.StartTime.UnixMilli(), q.EndTime.UnixMilli())
	if err != nil {
		s.countError()
		return nil, fmt.Errorf("aggregate metrics: %w", err)
	}
	defer rows.Close()

	var out []AggregateResult
	for rows.Next() {
		var a AggregateResult
		if err := rows.Scan(&a.Component, &a.Name, &a.Count, &a.Min, &a.Max, &a.Avg); err != nil {
			s.countError()
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		s.countError()
		return nil, err
	}

	s.countResult(len(out))
	return out, nil
}

func (s *Service) glob() string {
	return filepath.Join(s.archiveDir, "*.parquet")
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func (s *Service) countResult(n int) {
	s.queries.Add(1)
	s.rows.Add(int64(n))
}

func (s *Service) countError() {
	s.errcnt.Add(1)
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	return Stats{
		QueriesExecuted: s.queries.Load(),
		RowsReturned:    s.rows.Load(),
		Errors:          s.errcnt.Load(),
	}
}

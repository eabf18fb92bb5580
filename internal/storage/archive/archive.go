// Package archive persists drained telemetry batches as Parquet files so
// historical write-path metrics stay queryable long after the live
// counters have moved on.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/capstore/internal/errors"
	"github.com/xtxerr/capstore/internal/storage/pipeline"
	"github.com/xtxerr/capstore/internal/telemetry"
)

// MetricRow is one telemetry measurement in Parquet format.
type MetricRow struct {
	Component   string  `parquet:"component,zstd"`
	Name        string  `parquet:"name,zstd"`
	Value       float64 `parquet:"value"`
	Unit        string  `parquet:"unit,optional,zstd"`
	TimestampMs int64   `parquet:"timestamp_ms"`
}

// MetricToRow converts a telemetry metric to its Parquet row.
func MetricToRow(m telemetry.Metric) MetricRow {
	return MetricRow{
		Component:   m.Component,
		Name:        m.Name,
		Value:       m.Value,
		Unit:        m.Unit,
		TimestampMs: m.TimestampMs,
	}
}

// RowToMetric converts a Parquet row back to a telemetry metric.
func RowToMetric(r *MetricRow) telemetry.Metric {
	return telemetry.Metric{
		Component:   r.Component,
		Name:        r.Name,
		Value:       r.Value,
		Unit:        r.Unit,
		TimestampMs: r.TimestampMs,
	}
}

// Options configures the archive writer.
type Options struct {
	// MaxFileRows is the row count at which the current file rotates.
	// Default: 100000
	MaxFileRows int64
}

// DefaultOptions returns default archive options.
func DefaultOptions() Options {
	return Options{MaxFileRows: 100000}
}

// Stats holds archive statistics.
type Stats struct {
	RowsWritten  int64
	FilesCreated int64
	Errors       int64
}

// Writer appends metric rows to rotating Parquet files in one directory.
type Writer struct {
	mu sync.Mutex

	dir  string
	opts Options

	file    *os.File
	writer  *parquet.GenericWriter[MetricRow]
	path    string
	rows    int64
	closed  bool
	created int64

	total  int64
	errcnt int64
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string, opts Options) (*Writer, error) {
	if opts.MaxFileRows <= 0 {
		opts.MaxFileRows = DefaultOptions().MaxFileRows
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	w := &Writer{dir: dir, opts: opts}
	if err := w.rotateUnlocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteMetrics appends metrics to the current file, rotating when full.
func (w *Writer) WriteMetrics(metrics []telemetry.Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrJournalClosed
	}

	rows := make([]MetricRow, len(metrics))
	for i, m := range metrics {
		rows[i] = MetricToRow(m)
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		w.errcnt++
		return fmt.Errorf("write rows: %w", err)
	}
	w.rows += int64(n)
	w.total += int64(n)

	if w.rows >= w.opts.MaxFileRows {
		return w.rotateUnlocked()
	}
	return nil
}

// Sink returns a pipeline sink that decodes telemetry batch entries as
// JSON metrics and archives them.
func (w *Writer) Sink() pipeline.Sink {
	return pipeline.SinkFunc(func(_ context.Context, b pipeline.Batch) error {
		entries, err := pipeline.DecodeBatch(b)
		if err != nil {
			return err
		}

		metrics := make([]telemetry.Metric, 0, len(entries))
		for _, e := range entries {
			var m telemetry.Metric
			if err := json.Unmarshal(e, &m); err != nil {
				return errors.Wrap(errors.ErrCorruptRecord, err.Error())
			}
			metrics = append(metrics, m)
		}
		return w.WriteMetrics(metrics)
	})
}

func (w *Writer) rotateUnlocked() error {
	if w.writer != nil {
		if err := w.writer.Close(); err != nil {
			w.errcnt++
			return fmt.Errorf("close parquet writer: %w", err)
		}
		w.file.Close()
	}

	name := fmt.Sprintf("metrics-%d.parquet", time.Now().UnixNano())
	path := filepath.Join(w.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}

	w.file = f
	w.path = path
	w.rows = 0
	w.created++
	w.writer = parquet.NewGenericWriter[MetricRow](f, parquet.Compression(&parquet.Zstd))
	return nil
}

// CurrentFile returns the path of the file currently being written.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Close flushes and closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return w.file.Close()
}

// Stats returns archive statistics.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{RowsWritten: w.total, FilesCreated: w.created, Errors: w.errcnt}
}

// ListFiles returns the archive files in dir, oldest first.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".parquet" {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ReadAll reads every metric row in one archive file.
func ReadAll(path string) ([]telemetry.Metric, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive file: %w", err)
	}
	pf, err := parquet.OpenFile(f, st.Size(), parquet.ReadBufferSize(1024*1024))
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}

	reader := parquet.NewGenericReader[MetricRow](pf)
	defer reader.Close()

	rows := make([]MetricRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	out := make([]telemetry.Metric, n)
	for i := 0; i < n; i++ {
		out[i] = RowToMetric(&rows[i])
	}
	return out, nil
}

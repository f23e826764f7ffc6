package processor

import (
	"bufio"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/snappy"
	"github.com/google/uuid"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/storage"
)

// ExportCSV writes the full current view, unpaginated, as CSV: a header of
// column names, then one line per row. Text cells are double quoted unless
// they are numeric. The cached filter, grouping and order are used as is.
// It returns the number of data rows written.
func (p *TableProcessor) ExportCSV(w io.Writer) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.merged.RowCount() == 0 {
		return 0, terrors.New(terrors.ErrCategoryExecution, terrors.CodeNotLoaded, "nothing loaded to export")
	}

	bw := bufio.NewWriter(w)
	for i, name := range p.columnNames() {
		if i > 0 {
			bw.WriteByte(',')
		}
		writeCSVField(bw, name, !needsQuoting(name))
	}
	bw.WriteByte('\n')

	rows := 0
	p.eachRow(func(texts []string, numeric []bool) bool {
		for i, t := range texts {
			if i > 0 {
				bw.WriteByte(',')
			}
			writeCSVField(bw, t, numeric[i])
		}
		bw.WriteByte('\n')
		rows++
		return true
	})
	if err := bw.Flush(); err != nil {
		return rows, terrors.NewStorageError(terrors.CodeUploadFailed, "failed to write csv", err)
	}
	return rows, nil
}

func needsQuoting(s string) bool { return strings.ContainsAny(s, ",\"\r\n") }

func writeCSVField(w *bufio.Writer, text string, raw bool) {
	if raw {
		w.WriteString(text)
		return
	}
	w.WriteByte('"')
	w.WriteString(strings.ReplaceAll(text, `"`, `""`))
	w.WriteByte('"')
}

// ExportConfig configures an Exporter.
type ExportConfig struct {
	// Dir receives export files.
	Dir string
	// Compress frames the file with snappy and names it .csv.sz.
	Compress bool
	// UploadPrefix is the object path prefix used when a store is set.
	UploadPrefix string
	// KeepLocal keeps the local file after a successful upload.
	KeepLocal bool
}

// ExportResult describes one written export.
type ExportResult struct {
	Path   string `json:"path,omitempty"`
	Object string `json:"object,omitempty"`
	ETag   string `json:"etag,omitempty"`
	Rows   int    `json:"rows"`
	Bytes  int64  `json:"bytes"`
}

// Exporter writes table processor views to files and optionally uploads
// them to object storage.
type Exporter struct {
	cfg     ExportConfig
	store   storage.ObjectStorage
	logger  log.Logger
	metrics *observability.Metrics
}

// NewExporter creates an exporter. store may be nil to only write files.
func NewExporter(cfg ExportConfig, store storage.ObjectStorage, logger log.Logger, metrics *observability.Metrics) (*Exporter, error) {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, terrors.NewStorageError(terrors.CodeUploadFailed, "failed to create export directory", err)
	}
	return &Exporter{
		cfg:     cfg,
		store:   store,
		logger:  log.With(observability.OrNop(logger), "component", "exporter"),
		metrics: metrics,
	}, nil
}

// Export writes the current view of tp under a fresh name.
func (e *Exporter) Export(ctx context.Context, tp *TableProcessor) (res ExportResult, err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.ObserveExport(status, res.Bytes)
	}()

	name := tp.Bucket().String() + "-" + uuid.NewString() + ".csv"
	if e.cfg.Compress {
		name += ".sz"
	}
	res.Path = filepath.Join(e.cfg.Dir, name)
	if res.Rows, err = e.writeFile(res.Path, tp); err != nil {
		os.Remove(res.Path)
		return ExportResult{}, err
	}
	if st, statErr := os.Stat(res.Path); statErr == nil {
		res.Bytes = st.Size()
	}

	if e.store != nil {
		res.Object = path.Join(e.cfg.UploadPrefix, name)
		if res.ETag, err = e.store.UploadMultipart(ctx, res.Path, res.Object); err != nil {
			level.Warn(e.logger).Log("msg", "export upload failed", "object", res.Object, "err", err)
			return res, err
		}
		if !e.cfg.KeepLocal {
			os.Remove(res.Path)
			res.Path = ""
		}
	}
	level.Info(e.logger).Log("msg", "exported view", "bucket", tp.Bucket(), "rows", res.Rows, "bytes", res.Bytes,
		"path", res.Path, "object", res.Object)
	return res, nil
}

func (e *Exporter) writeFile(name string, tp *TableProcessor) (int, error) {
	f, err := os.Create(name)
	if err != nil {
		return 0, terrors.NewStorageError(terrors.CodeUploadFailed, "failed to create export file", err)
	}
	defer f.Close()

	var w io.Writer = f
	var sw *snappy.Writer
	if e.cfg.Compress {
		sw = snappy.NewBufferedWriter(f)
		w = sw
	}
	rows, err := tp.ExportCSV(w)
	if err != nil {
		return rows, err
	}
	if sw != nil {
		if err := sw.Close(); err != nil {
			return rows, terrors.NewStorageError(terrors.CodeUploadFailed, "failed to finish snappy stream", err)
		}
	}
	if err := f.Close(); err != nil {
		return rows, terrors.NewStorageError(terrors.CodeUploadFailed, "failed to close export file", err)
	}
	return rows, nil
}

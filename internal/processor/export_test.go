package processor

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/storage"
	"github.com/arkilian/tracequery/internal/table"
	"github.com/arkilian/tracequery/internal/track"
)

func namedTable(t *testing.T, names []string, durations []int64) *table.MergedTable {
	strs := table.NewStringTable()
	pt := table.NewPackedTable(0, strs)
	for i := range names {
		require.NoError(t, pt.BuildFromRow(kernelRow{id: int64(i + 1), name: names[i], duration: durations[i]}, track.OpNone))
	}
	m := table.NewMergedTable(strs)
	m.Merge([]*table.PackedTable{pt})
	return m
}

func TestExportCSVQuoting(t *testing.T) {
	tp := testProcessor(t, namedTable(t,
		[]string{`say "hi", ok`, "gemm", "42"},
		[]int64{5, 7, 9}))

	var buf bytes.Buffer
	n, err := tp.ExportCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "id,kernel_name,duration\n"+
		`1,"say ""hi"", ok",5`+"\n"+
		`2,"gemm",7`+"\n"+
		"3,42,9\n", buf.String())
}

func TestExportCSVFollowsView(t *testing.T) {
	tp := testProcessor(t, namedTable(t,
		[]string{"conv", "gemm", "conv", "relu"},
		[]int64{5, 7, 9, 1}))
	var out Outcome
	tp.applyFilter("duration > 2", &out)
	tp.applyGroup("kernel_name, COUNT(*) AS cnt", &out)
	tp.applySort("DESC cnt", &out)
	require.Empty(t, out.Warnings)

	var buf bytes.Buffer
	n, err := tp.ExportCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "kernel_name,cnt\n\"conv\",2\n\"gemm\",1\n", buf.String())
}

func TestExportCSVNothingLoaded(t *testing.T) {
	tp := testProcessor(t, table.NewMergedTable(nil))
	_, err := tp.ExportCSV(io.Discard)
	require.Error(t, err)
	assert.Equal(t, terrors.CodeNotLoaded, terrors.GetCode(err))
}

func TestExporterWritesLocalFile(t *testing.T) {
	tp := testProcessor(t, namedTable(t, []string{"gemm"}, []int64{3}))
	dir := t.TempDir()
	e, err := NewExporter(ExportConfig{Dir: dir}, nil, nil, nil)
	require.NoError(t, err)

	res, err := e.Export(context.Background(), tp)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Empty(t, res.Object)
	assert.True(t, strings.HasPrefix(filepath.Base(res.Path), "event-"))
	assert.True(t, strings.HasSuffix(res.Path, ".csv"))

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Equal(t, "id,kernel_name,duration\n1,\"gemm\",3\n", string(data))
}

func TestExporterCompressesAndUploads(t *testing.T) {
	tp := testProcessor(t, namedTable(t, []string{"gemm", "conv"}, []int64{3, 4}))
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	e, err := NewExporter(ExportConfig{Dir: t.TempDir(), Compress: true, UploadPrefix: "exports"}, store, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	res, err := e.Export(ctx, tp)
	require.NoError(t, err)
	assert.Empty(t, res.Path)
	assert.NotEmpty(t, res.ETag)
	assert.True(t, strings.HasPrefix(res.Object, "exports/event-"))
	assert.True(t, strings.HasSuffix(res.Object, ".csv.sz"))

	objects, err := store.ListObjects(ctx, "exports/")
	require.NoError(t, err)
	assert.Equal(t, []string{res.Object}, objects)

	local := filepath.Join(t.TempDir(), "fetched.sz")
	require.NoError(t, store.Download(ctx, res.Object, local))
	f, err := os.Open(local)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(snappy.NewReader(f))
	require.NoError(t, err)
	assert.Equal(t, "id,kernel_name,duration\n1,\"gemm\",3\n2,\"conv\",4\n", string(data))
}

package loader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/cashup/internal/cache"
)

func newTestLoader(t *testing.T) Loader {
	t.Helper()
	return New(&http.Client{Timeout: 5 * time.Second}, cache.NewDocumentCache(time.Minute), zap.NewNop())
}

func TestLoadHTTPDocumentDecodesText(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("remit for INV-2024-0042"))
	}))
	defer srv.Close()

	l := newTestLoader(t)

	doc, err := l.Load(context.Background(), srv.URL+"/remit.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", doc.MIME)
	assert.Equal(t, "remit for INV-2024-0042", doc.Text)

	_, err = l.Load(context.Background(), srv.URL+"/remit.txt")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second load must come from cache")
}

func TestLoadHTTPRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	l := newTestLoader(t)

	_, err := l.Load(context.Background(), srv.URL+"/missing.pdf")
	assert.ErrorContains(t, err, "unexpected status 404")
}

func TestLoadFileDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "advice.txt")
	require.NoError(t, os.WriteFile(path, []byte("pays invoice number 556677"), 0o600))

	l := newTestLoader(t)

	doc, err := l.Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", doc.MIME)
	assert.Equal(t, "pays invoice number 556677", doc.Text)
}

func TestLoadBinaryDocumentHasNoTextLayer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 not really"), 0o600))

	l := newTestLoader(t)

	doc, err := l.Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", doc.MIME)
	assert.Empty(t, doc.Text)
	assert.NotEmpty(t, doc.Content)
}

func TestLoadRejectsUnknownScheme(t *testing.T) {
	l := newTestLoader(t)

	_, err := l.Load(context.Background(), "ftp://example.com/doc.pdf")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = l.Load(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/smallbiznis/cashup/internal/cache"
	"github.com/smallbiznis/cashup/internal/extract/domain"
)

const (
	// maxDocumentBytes caps a single fetched document at the processor
	// limit so oversized bodies fail here instead of downstream.
	maxDocumentBytes = 20 * 1024 * 1024

	defaultFetchTimeout = 30 * time.Second
)

var (
	ErrUnsupportedScheme = errors.New("unsupported_document_scheme")
	ErrDocumentTooLarge  = errors.New("document_too_large")
)

// Loader resolves a document URI into bytes plus a decoded text layer
// when the body is plain text.
type Loader interface {
	Load(ctx context.Context, uri string) (domain.Document, error)
}

type loader struct {
	client *http.Client
	cache  cache.DocumentCache
	log    *zap.Logger
}

func New(client *http.Client, documents cache.DocumentCache, log *zap.Logger) Loader {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &loader{
		client: client,
		cache:  documents,
		log:    log.Named("extract.loader"),
	}
}

func (l *loader) Load(ctx context.Context, uri string) (domain.Document, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return domain.Document{}, fmt.Errorf("%w: empty uri", ErrUnsupportedScheme)
	}

	if cached, ok := l.cache.GetDocument(uri); ok {
		return buildDocument(uri, cached.MIME, cached.Body), nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return domain.Document{}, fmt.Errorf("parse document uri: %w", err)
	}

	var (
		body     []byte
		mimeType string
	)
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		body, mimeType, err = l.fetchHTTP(ctx, uri)
	case "file":
		body, mimeType, err = l.readFile(parsed.Path)
	default:
		return domain.Document{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}
	if err != nil {
		return domain.Document{}, err
	}
	if mimeType == "" {
		mimeType = mimeFromExtension(parsed.Path)
	}

	l.cache.SetDocument(uri, cache.CachedDocument{MIME: mimeType, Body: body})
	l.log.Debug("document loaded",
		zap.String("uri", uri),
		zap.String("mime", mimeType),
		zap.Int("bytes", len(body)),
	)
	return buildDocument(uri, mimeType, body), nil
}

func (l *loader) fetchHTTP(ctx context.Context, uri string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build document request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch document: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read document body: %w", err)
	}
	if len(body) > maxDocumentBytes {
		return nil, "", ErrDocumentTooLarge
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType != "" {
		if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
			mimeType = parsed
		}
	}
	return body, mimeType, nil
}

func (l *loader) readFile(path string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("stat document: %w", err)
	}
	if info.Size() > maxDocumentBytes {
		return nil, "", ErrDocumentTooLarge
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read document: %w", err)
	}
	return body, mimeFromExtension(path), nil
}

func buildDocument(uri, mimeType string, body []byte) domain.Document {
	doc := domain.Document{URI: uri, MIME: mimeType, Content: body}
	if isTextMIME(mimeType) && utf8.Valid(body) {
		doc.Text = string(body)
	}
	return doc
}

func isTextMIME(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	return strings.HasPrefix(mimeType, "text/") ||
		mimeType == "application/json" ||
		mimeType == "application/xml"
}

func mimeFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".txt", ".text":
		return "text/plain"
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

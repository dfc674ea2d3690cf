package cache

import (
	"strings"
	"time"

	"github.com/golang/snappy"
)

const defaultDocumentTTL = 15 * time.Minute

// CachedDocument is one fetched remittance document. Body is held
// snappy-compressed so large PDFs do not pin their full size in memory.
type CachedDocument struct {
	MIME string
	Body []byte
}

// DocumentCache stores hot-path document fetches for the extractor.
type DocumentCache interface {
	GetDocument(uri string) (CachedDocument, bool)
	SetDocument(uri string, doc CachedDocument)
}

type documentCache struct {
	documents Cache[string, CachedDocument]
	ttl       time.Duration
}

// NewDocumentCache returns an in-memory cache keyed by document URI.
// A non-positive ttl falls back to the default.
func NewDocumentCache(ttl time.Duration) DocumentCache {
	if ttl <= 0 {
		ttl = defaultDocumentTTL
	}
	return &documentCache{
		documents: NewTTLCache[string, CachedDocument](),
		ttl:       ttl,
	}
}

func (c *documentCache) GetDocument(uri string) (CachedDocument, bool) {
	doc, ok := c.documents.Get(cacheKey(uri))
	if !ok {
		return CachedDocument{}, false
	}
	body, err := snappy.Decode(nil, doc.Body)
	if err != nil {
		c.documents.Delete(cacheKey(uri))
		return CachedDocument{}, false
	}
	return CachedDocument{MIME: doc.MIME, Body: body}, true
}

func (c *documentCache) SetDocument(uri string, doc CachedDocument) {
	if strings.TrimSpace(uri) == "" || len(doc.Body) == 0 {
		return
	}
	compressed := snappy.Encode(nil, doc.Body)
	c.documents.Set(cacheKey(uri), CachedDocument{MIME: doc.MIME, Body: compressed}, c.ttl)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}

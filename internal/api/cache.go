package api

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/bryan-buckman/readerarchive/internal/fsutil"
)

// ResponseCache stores successful response bodies on disk so an interrupted
// run can be resumed without refetching completed pages. Keys are hashes, so
// concurrent workers never touch the same file unless they issue the same
// request.
type ResponseCache struct {
	dir string
}

// NewResponseCache creates the cache directory if needed.
func NewResponseCache(dir string) (*ResponseCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &ResponseCache{dir: dir}, nil
}

// CacheKey normalizes a request into a hash of method, URL, sorted query and
// sorted form parameters.
func CacheKey(req *Request) string {
	h := sha1.New()
	method := req.Method
	if method == "" {
		method = "GET"
		if req.Form != nil {
			method = "POST"
		}
	}
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(req.URL))
	h.Write([]byte{0})
	h.Write([]byte(canonicalValues(req.Query)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalValues(req.Form)))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalValues(values map[string][]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
			b.WriteByte('&')
		}
	}
	return b.String()
}

func (c *ResponseCache) path(key string) string {
	return filepath.Join(c.dir, key[:2], key)
}

// Get returns the cached body for key, or ok=false.
func (c *ResponseCache) Get(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Put stores body under key.
func (c *ResponseCache) Put(key string, body []byte) error {
	return fsutil.WriteFileAtomic(c.path(key), body)
}

// CachingFetcher serves repeated requests from a ResponseCache.
type CachingFetcher struct {
	Inner Fetcher
	Cache *ResponseCache
}

// Fetch implements Fetcher. Failed requests are never cached.
func (f *CachingFetcher) Fetch(ctx context.Context, req *Request) ([]byte, error) {
	key := CacheKey(req)
	if body, ok, err := f.Cache.Get(key); err != nil {
		log.WithField("url", req.URL).Warnf("Ignoring unreadable cache entry: %s", err)
	} else if ok {
		return body, nil
	}
	body, err := f.Inner.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := f.Cache.Put(key, body); err != nil {
		log.WithField("url", req.URL).Warnf("Could not cache response: %s", err)
	}
	return body, nil
}

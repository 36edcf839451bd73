// Package dedup suppresses duplicate capture of retried requests.
//
// A key is derived from (method, url, user, client ip). Within the TTL window
// only the first TryMark for a key reports "first"; concurrent callers with
// the same key are serialized so at most one proceeds.
//
// MemoryCache is process-local. Deployments running more than one instance
// must use RedisCache to get the same guarantee across instances.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultTTL is the dedup window used when none is configured.
const DefaultTTL = 5 * time.Second

// Cache is a dedup store.
type Cache interface {
	// IsProcessed reports whether key was marked within the TTL window.
	IsProcessed(ctx context.Context, key string) (bool, error)
	// MarkProcessed marks key unconditionally and returns the marker token.
	MarkProcessed(ctx context.Context, key string) (string, error)
	// TryMark atomically marks key if it is not already marked. first is true
	// only for the caller that created the marker.
	TryMark(ctx context.Context, key string) (token string, first bool, err error)
}

// Key derives the dedup key for a request. The query string is canonicalized
// so parameter order does not defeat deduplication.
func Key(method, rawURL, userID, clientIP string) string {
	h := sha256.New()
	for _, part := range []string{strings.ToUpper(method), normalizeURL(rawURL), userID, clientIP} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		path = "/"
	}
	q := u.Query()
	if len(q) == 0 {
		return path
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('?')
	for i, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

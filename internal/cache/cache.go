// Package cache provides the two-tier response cache for the proxy.
//
// L1 is an in-process LRU with TTL and two byte limits (per entry and
// total). L2 is the optional shared store tier, written through on every
// put so replicas converge. Keys are scope-isolated: two clients can never
// see each other's cached responses.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Source labels where a hit came from, surfaced in x-ditto-cache-source.
const (
	SourceMemory = "memory"
	SourceShared = "shared"
)

// Entry is one cached response: status, a subset of headers worth
// replaying, and the exact body bytes (no re-encoding on hit).
type Entry struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body"`
}

// Encode renders the entry for the shared tier.
func (e *Entry) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cache: encode entry: %w", err)
	}
	return data, nil
}

// DecodeEntry parses a shared-tier value.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("cache: decode entry: %w", err)
	}
	return &e, nil
}

// bytes reports the accounted size of the entry.
func (e *Entry) bytes() int {
	n := len(e.Body)
	for k, v := range e.Headers {
		n += len(k) + len(v)
	}
	return n
}

// Key derives the scope-isolated cache key:
// h1:hex(SHA256(method || path || SHA256(body) || scope)).
func Key(method, path string, body []byte, scope string) string {
	bodySum := sha256.Sum256(body)
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(bodySum[:])
	h.Write([]byte(scope))
	return "h1:" + hex.EncodeToString(h.Sum(nil))
}

// Scope computes the isolation domain for a request. With virtual keys
// enabled the key id partitions the cache; otherwise the client credential
// hash does; anonymous traffic shares the public scope.
func Scope(virtualKeyID, authorization, apiKeyHeader string) string {
	if virtualKeyID != "" {
		return "vk:" + virtualKeyID
	}
	if authorization != "" {
		sum := sha256.Sum256([]byte(authorization))
		return "auth:" + hex.EncodeToString(sum[:])
	}
	if apiKeyHeader != "" {
		sum := sha256.Sum256([]byte(apiKeyHeader))
		return "x-api-key:" + hex.EncodeToString(sum[:])
	}
	return "public"
}

// RequestEligible reports whether the request method may use the cache.
func RequestEligible(method string) bool {
	return method == "GET" || method == "POST"
}

// RequestBypassesCache reports whether the client asked to skip the cache.
// Cache-Control: no-cache is treated as a full bypass (skip lookup and
// store) rather than RFC revalidation; the gateway has nothing to
// revalidate against.
func RequestBypassesCache(cacheControl string, bypassHeader bool) bool {
	if bypassHeader {
		return true
	}
	cc := strings.ToLower(cacheControl)
	return strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache")
}

// ResponseEligible reports whether a response may be stored: 2xx, not an
// event stream, and within the per-entry cap.
func ResponseEligible(status int, contentType string, bodyBytes, perEntryCap int) bool {
	if status < 200 || status > 299 {
		return false
	}
	if strings.HasPrefix(strings.ToLower(contentType), "text/event-stream") {
		return false
	}
	if perEntryCap > 0 && bodyBytes > perEntryCap {
		return false
	}
	return true
}

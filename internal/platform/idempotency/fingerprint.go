package idempotency

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint identifies a mutating request by what it asks for rather than
// how it was spelled: the method, the normalized endpoint and the body with
// JSON object keys sorted. Two requests that differ only in key order,
// whitespace, query string or a trailing slash share a fingerprint.
func Fingerprint(method, endpoint string, body []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(strings.ToUpper(method) + "\n" + NormalizeEndpoint(endpoint) + "\n"))
	_, _ = h.Write(canonicalBody(body))
	return hex.EncodeToString(h.Sum(nil))
}

// WithScope binds a fingerprint to a scope. An empty scope leaves it as is.
func WithScope(fp, scope string) string {
	if scope == "" {
		return fp
	}
	h := blake3.New()
	_, _ = h.Write([]byte(fp + "\n" + scope))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeEndpoint lowercases path, drops the query and any trailing slash.
func NormalizeEndpoint(path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.ToLower(strings.TrimSpace(path))
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

// canonicalBody re-encodes a JSON body so that map keys are sorted and
// insignificant whitespace is gone. Numbers keep their literal form.
// Anything that is not a single JSON value is hashed as-is.
func canonicalBody(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return trimmed
	}
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}

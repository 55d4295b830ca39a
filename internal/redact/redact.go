// Package redact strips secrets from outbound payloads before they are
// persisted in the outbox or sent to GitHub, and fingerprints what's left
// so duplicate writes can be detected without storing plaintext twice.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Scheme tags the hashing algorithm in use, so it can be rotated later
// without ambiguity about which payloads used which scheme.
const Scheme = "sha256:cjson:v1"

// sensitiveKeys are field names stripped from any object encountered while
// canonicalizing a payload, at any nesting depth.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"secret":        true,
	"password":      true,
	"api_key":       true,
	"authorization": true,
	"access_token":  true,
	"private_key":   true,
}

// Result is what Redact returns: the redacted JSON, bookkeeping about what
// was removed, and a stable hash of the redacted form.
type Result struct {
	JSON           []byte
	FieldsRemoved  []string
	SecretsDetected bool
	PayloadHash    string
	Scheme         string
}

// Redactor is the interface the outbox depends on, so tests can substitute
// a no-op implementation.
type Redactor interface {
	Redact(payload []byte) (Result, error)
}

// DefaultRedactor strips sensitiveKeys and computes the canonical hash.
type DefaultRedactor struct{}

// Redact implements Redactor.
func (DefaultRedactor) Redact(payload []byte) (Result, error) {
	var v any
	if len(payload) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(payload, &v); err != nil {
		return Result{}, err
	}

	var removed []string
	cleaned := strip(v, "", &removed)

	canon, err := canonicalize(cleaned)
	if err != nil {
		return Result{}, err
	}

	sum := sha256.Sum256(canon)
	return Result{
		JSON:            canon,
		FieldsRemoved:   removed,
		SecretsDetected: len(removed) > 0,
		PayloadHash:     hex.EncodeToString(sum[:]),
		Scheme:          Scheme,
	}, nil
}

func strip(v any, path string, removed *[]string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKeys[k] {
				*removed = append(*removed, joinPath(path, k))
				continue
			}
			out[k] = strip(val, joinPath(path, k), removed)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = strip(val, path, removed)
		}
		return out
	default:
		return v
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// canonicalize produces a deterministic JSON encoding: object keys sorted
// recursively, so the same logical payload always hashes the same way
// regardless of field insertion order.
func canonicalize(v any) ([]byte, error) {
	return json.Marshal(sortKeys(v))
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedEntry{k, sortKeys(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return v
	}
}

// orderedMap/orderedEntry implement json.Marshaler to emit object keys in
// the fixed order sortKeys already chose, since encoding/json would
// otherwise re-sort a map[string]any itself — which happens to already sort
// alphabetically, but spelling the order out explicitly keeps the contract
// from depending on that stdlib behavior.
type orderedEntry struct {
	key   string
	value any
}

type orderedMap []orderedEntry

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(e.key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(e.value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

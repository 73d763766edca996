// Package ident provides the identifier and hashing utilities used across
// Casparian Flow: UUID-backed ids, content hashes, canonical JSON hashing,
// parser fingerprints and safe output-name slugging.
package ident

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// unitSep separates the components of a parser fingerprint.
const unitSep = "\x1f"

// NewID returns a fresh UUID v4 string.
func NewID() string {
	return uuid.NewString()
}

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyedHash returns the lowercase hex keyed BLAKE3 of data. The key must be
// exactly 32 bytes.
func KeyedHash(key [32]byte, data []byte) string {
	h := blake3.New(32, key[:])
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON serializes v with object keys sorted recursively, no HTML
// escaping and no insignificant whitespace. Two values that differ only in
// key order produce identical bytes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeNoEscape(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		buf.WriteString(t.String())
	default:
		b, err := encodeNoEscape(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

func encodeNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ContentHash returns the SHA-256 of the canonical JSON of v. This is the
// hash behind ProposalIds, locked-schema hashes and spec artifacts.
func ContentHash(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// Fingerprint composes content hashes into a parser fingerprint. Components
// are joined with an ASCII unit separator so no component can collide with a
// concatenation of others.
func Fingerprint(parts ...string) string {
	return SHA256Hex([]byte(strings.Join(parts, unitSep)))
}

// SafeOutputID slugs an output name into the safe id alphabet [a-z0-9_]+.
// Names that survive slugging unchanged are returned as-is; anything lossy is
// suffixed with an 8-hex prefix of a keyed hash of the original name so
// distinct unsafe names never collapse to the same id.
func SafeOutputID(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_':
			b.WriteByte('_')
		default:
			b.WriteByte('_')
		}
	}
	slug := strings.Trim(b.String(), "_")
	for strings.Contains(slug, "__") {
		slug = strings.ReplaceAll(slug, "__", "_")
	}
	if slug == name {
		return slug
	}
	if slug == "" {
		slug = "output"
	}
	suffix := TelemetryHash([]byte(name))[:8]
	return slug + "_" + suffix
}

var (
	telemetryKey  [32]byte
	telemetryOnce sync.Once
)

// InitTelemetryKey installs the process-wide telemetry hashing key. It is one
// of the two process singletons (the other is the home path) and is
// read-only after the first call; later calls are no-ops.
func InitTelemetryKey(key [32]byte) {
	telemetryOnce.Do(func() { telemetryKey = key })
}

// TelemetryHash hashes data with the process telemetry key. Before
// InitTelemetryKey runs the key is all zeros, which keeps tests hermetic.
func TelemetryHash(data []byte) string {
	return KeyedHash(telemetryKey, data)
}

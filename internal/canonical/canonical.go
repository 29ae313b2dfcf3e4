// Package canonical provides order-independent serialization, content
// hashing, and composite key construction.
//
// Two logically identical structures must always hash to the same value
// regardless of map key order, so every hash-bearing artifact in the core
// (idempotency keys, pricing snapshots, reconciliation and metrics reports)
// goes through Marshal before digesting.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Marshal encodes v as JSON with all object keys recursively sorted.
// Array element order is preserved; callers that need order-insensitive
// arrays must sort before calling.
func Marshal(v interface{}) ([]byte, error) {
	// Round-trip through encoding/json to reduce v to maps/slices/primitives,
	// then re-encode with sorted keys.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	var generic interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var b strings.Builder
	if err := encode(&b, generic); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func encode(b *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		b.WriteString(t.String())
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(enc)
	case []interface{}:
		b.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encode(b, el); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := encode(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// Hash returns the hex-encoded SHA-256 digest of the canonical encoding of v.
func Hash(v interface{}) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash is Hash for values built from JSON-marshalable types, where a
// failure indicates a programming error rather than bad input.
func MustHash(v interface{}) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes returns the hex-encoded SHA-256 digest of raw bytes.
// Used for webhook payload hashes where the raw body is the identity.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key builds a composite key from parts. Each part is encoded as
// <byteLength>:<value> and parts are joined with "|", so part boundaries
// are unambiguous: Key("ab", "c") != Key("a", "bc").
func Key(parts ...string) string {
	encoded := make([]string, len(parts))
	for i, p := range parts {
		encoded[i] = strconv.Itoa(len(p)) + ":" + p
	}
	return strings.Join(encoded, "|")
}

// Token derives a deterministic namespaced identifier from parts, suitable
// for a provider-native idempotency header. The same parts always produce
// the same token.
func Token(namespace string, parts ...string) string {
	sum := sha256.Sum256([]byte(Key(parts...)))
	return namespace + "_" + hex.EncodeToString(sum[:])[:32]
}

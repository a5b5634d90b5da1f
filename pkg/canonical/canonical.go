// Package canonical implements the canonical JSON encoding (sorted keys,
// compact separators, no HTML escaping, stable numeric formatting) that every
// hash-chained artifact in the core is digested from.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// ZeroHash is the foundation module's zero-padded sentinel digest, used for
// fields such as a promotion event's prev_event_hash or a checkpoint's
// prev_checkpoint_hash when no predecessor exists. It is distinct from
// InitialEpochDigest below: this one is a full sha256-shaped all-zero digest,
// the other is the short literal the epoch-digest chain actually seeds from.
const ZeroHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// InitialEpochDigest is the seed value an epoch's digest chain folds its
// first bundle digest onto, and the value ComputeIncrementalEpochDigest
// returns for an epoch that has recorded no bundles yet. Unlike ZeroHash this
// is not zero-padded to digest length; it is the literal "sha256:0".
const InitialEpochDigest = "sha256:0"

// Marshal returns the canonical JSON representation of v: object keys sorted
// lexicographically by UTF-8 bytes at every nesting level, compact
// separators, HTML escaping disabled, and string values normalized to
// Unicode NFC so that logically equal payloads hash identically regardless
// of the normalization form in which they originated.
func Marshal(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// MarshalString returns Marshal's output as a string.
func MarshalString(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of raw bytes.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256Prefixed returns "sha256:<hex>" for raw bytes.
func SHA256Prefixed(data []byte) string {
	return "sha256:" + SHA256Hex(data)
}

// Digest canonicalizes v and returns its SHA-256 hex digest. Byte slices and
// strings are hashed as-is without canonicalization, matching the foundation
// contract that "bytes and strings are hashed as-is."
func Digest(v interface{}) (string, error) {
	switch t := v.(type) {
	case []byte:
		return SHA256Hex(t), nil
	case string:
		return SHA256Hex([]byte(t)), nil
	default:
		b, err := Marshal(v)
		if err != nil {
			return "", err
		}
		return SHA256Hex(b), nil
	}
}

// PrefixedDigest is Digest with the "sha256:" prefix applied.
func PrefixedDigest(v interface{}) (string, error) {
	d, err := Digest(v)
	if err != nil {
		return "", err
	}
	return "sha256:" + d, nil
}

// MustPrefixedDigest panics on encode failure. Reserved for call sites where
// the input type is statically known to be canonicalizable (for example,
// freshly constructed structs with no unsupported field types); never call
// it on caller-supplied or externally decoded data.
func MustPrefixedDigest(v interface{}) string {
	d, err := PrefixedDigest(v)
	if err != nil {
		panic(fmt.Sprintf("canonical: MustPrefixedDigest: %v", err))
	}
	return d
}

func normalizeString(s string) string {
	if norm.NFC.IsNormalString(s) {
		return s
	}
	return norm.NFC.String(s)
}

func marshalRecursive(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return encodeJSONString(normalizeString(t)), nil
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(encodeJSONString(normalizeString(k)))
			buf.WriteByte(':')
			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}

func encodeJSONString(s string) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		// string values are always encodable; a failure here indicates a
		// caller passed an invalid UTF-8 string, which json.Marshal would
		// already have rejected upstream.
		panic(fmt.Sprintf("canonical: encodeJSONString: %v", err))
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
}

// Package canon produces the canonical JSON byte form used for every
// fingerprint-derived identifier in the import pipeline: session ids,
// idempotency keys, selectable item ids, and snapshot fingerprints.
//
// Canonical form: object keys sorted lexicographically at every level,
// ASCII-only escapement, minimal separators, no trailing newline.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Canonicalize renders v as canonical JSON bytes. Accepted value shapes are
// nil, bool, integers, finite floats, string, []any-compatible slices and
// map[string]any-compatible objects, plus anything that marshals to those
// via encoding/json.
func Canonicalize(v any) ([]byte, error) {
	var sb strings.Builder
	if err := writeValue(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// CanonicalizeJSON re-canonicalizes an arbitrary JSON document.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return Canonicalize(v)
}

// Fingerprint is the lowercase hex SHA-256 of the canonical form of v.
func Fingerprint(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return FingerprintBytes(b), nil
}

// FingerprintBytes hashes already-canonical bytes.
func FingerprintBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ShortID derives a 16-hex identifier with a discriminating prefix,
// e.g. ShortID("author:", "a|Tolstoy") -> "author:9f2c...".
func ShortID(prefix, payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return prefix + hex.EncodeToString(sum[:])[:16]
}

// ShortHash is the first 2n hex characters of SHA-256 over s.
func ShortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:2*n]
}

func writeValue(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case string:
		writeString(sb, t)
	case int:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		sb.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case uint:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		sb.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(t, 10))
	case float32:
		return writeFloat(sb, float64(t))
	case float64:
		return writeFloat(sb, t)
	case json.Number:
		return writeNumber(sb, t)
	case []any:
		sb.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case []string:
		sb.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, item)
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, k)
			sb.WriteByte(':')
			if err := writeValue(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case map[string]string:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeString(sb, k)
			sb.WriteByte(':')
			writeString(sb, t[k])
		}
		sb.WriteByte('}')
	default:
		// Structs and typed slices/maps round-trip through encoding/json
		// into the shapes handled above.
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		var plain any
		if err := dec.Decode(&plain); err != nil {
			return fmt.Errorf("canonicalize %T: %w", v, err)
		}
		return writeValue(sb, plain)
	}
	return nil
}

// writeFloat rejects values that cannot round-trip losslessly; integral
// floats are rendered without an exponent or fraction.
func writeFloat(sb *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid argument: non-finite float %v cannot be canonicalized", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if parsed, err := strconv.ParseFloat(s, 64); err != nil || parsed != f {
		return fmt.Errorf("invalid argument: float %v cannot be canonicalized without loss", f)
	}
	sb.WriteString(s)
	return nil
}

func writeNumber(sb *strings.Builder, n json.Number) error {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		sb.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("invalid argument: number %q: %w", s, err)
	}
	return writeFloat(sb, f)
}

// writeString emits a JSON string with ASCII-only escapement, matching the
// canonical serializer of the original pipeline byte for byte.
func writeString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(sb, `\u%04x`, r)
			case r < utf8.RuneSelf:
				sb.WriteByte(byte(r))
			case r > 0xFFFF:
				// Surrogate pair escape for astral-plane runes.
				r -= 0x10000
				fmt.Fprintf(sb, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
			default:
				fmt.Fprintf(sb, `\u%04x`, r)
			}
		}
	}
	sb.WriteByte('"')
}

// ASCIICoerce replaces every non-ASCII rune with '?'. Selection labels and
// registry keys are ASCII-only.
func ASCIICoerce(s string) string {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r < utf8.RuneSelf {
			out = append(out, byte(r))
		} else {
			out = append(out, '?')
		}
	}
	return string(out)
}

// IsASCII reports whether s contains only ASCII bytes.
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

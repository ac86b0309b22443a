package ir

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
// This is the ONLY serialization that may feed a checksum or an identity hash.
//
// Differences from encoding/json:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping; U+2028/U+2029 are emitted literally
//  3. Strings are NFC normalized
//  4. Integers only
func MarshalCanonical(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("nil value is not encodable (use Null)")
	case Null:
		buf.WriteString("null")
	case String:
		writeCanonicalString(buf, string(val))
	case Int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Array:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Object:
		// Keys are ordered by their normalized form, and two keys that
		// normalize alike would emit a duplicate member.
		byNorm := make(map[string]string, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			nk := norm.NFC.String(k)
			if prev, dup := byNorm[nk]; dup {
				return fmt.Errorf("keys %q and %q collide after NFC normalization", prev, k)
			}
			byNorm[nk] = k
			keys = append(keys, nk)
		}
		slices.SortFunc(keys, compareUTF16)

		buf.WriteByte('{')
		for i, nk := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, nk)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[byNorm[nk]]); err != nil {
				return fmt.Errorf("%q: %w", nk, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

// writeCanonicalString escapes only what RFC 8785 requires: quote,
// backslash and control characters. Invalid UTF-8 becomes U+FFFD.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == utf8.RuneError && size == 1:
			buf.WriteString("�")
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[r>>4])
			buf.WriteByte(hexDigits[r&0xF])
		default:
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}

// CheckText reports whether s can be used as an identifier or object key
// that survives a canonical round trip unchanged: valid UTF-8 already in
// NFC form.
func CheckText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%q is not valid UTF-8", s)
	}
	if !norm.NFC.IsNormalString(s) {
		return fmt.Errorf("%q is not NFC normalized", s)
	}
	return nil
}

// CheckKeys applies CheckText to every object key inside v.
func CheckKeys(v Value) error {
	switch val := v.(type) {
	case Array:
		for i, elem := range val {
			if err := CheckKeys(elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case Object:
		for k, elem := range val {
			if err := CheckText(k); err != nil {
				return fmt.Errorf("key %w", err)
			}
			if err := CheckKeys(elem); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
	}
	return nil
}

package prov

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 style canonical JSON for a payload.
// It is the only serialization used for payload hashing.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping
//  3. Strings (keys and values) are NFC normalized
//  4. Empty params are omitted so nil and empty maps hash identically
func MarshalCanonical(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	if len(p.Params) > 0 {
		buf.WriteString(`"params":{`)
		keys := sortedKeys(p.Params)
		seen := make(map[string]string, len(keys))
		for i, k := range keys {
			nk := norm.NFC.String(k)
			if orig, dup := seen[nk]; dup {
				return nil, fmt.Errorf("param keys %q and %q collide after NFC normalization", orig, k)
			}
			seen[nk] = k
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(&buf, k); err != nil {
				return nil, fmt.Errorf("param key %q: %w", k, err)
			}
			buf.WriteByte(':')
			if err := writeCanonicalString(&buf, p.Params[k]); err != nil {
				return nil, fmt.Errorf("param %q: %w", k, err)
			}
		}
		buf.WriteString("},")
	}

	buf.WriteString(`"revision":`)
	if err := writeCanonicalString(&buf, p.Revision); err != nil {
		return nil, fmt.Errorf("revision: %w", err)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// writeCanonicalString appends a JSON string, NFC normalized, without HTML escaping.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	// json.Encoder adds a trailing newline
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// sortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's string comparison uses UTF-8, which orders supplementary-plane
// characters differently.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

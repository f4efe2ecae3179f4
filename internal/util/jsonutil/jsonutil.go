// Package jsonutil extracts machine-readable JSON from model replies. The
// LLM backend enforces no schema, so replies may arrive as bare JSON, as a
// fenced ```json block inside prose, or as prose with an embedded object.
package jsonutil

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrMalformedResponse means no parsable JSON of the expected shape could be
// recovered from the reply. Consumers degrade to "no findings" on this, they
// never crash.
var ErrMalformedResponse = errors.New("jsonutil: malformed response")

var fencedBlockRE = regexp.MustCompile("(?is)```(?:json)?\\s*([\\[{].*?[\\]}])\\s*```")

// UnmarshalLenient decodes raw into v, trying progressively looser
// recoveries: direct decode, fenced code blocks, then the widest balanced
// object or array slice of the text.
func UnmarshalLenient(raw []byte, v any) error {
	if json.Valid(raw) {
		if err := json.Unmarshal(raw, v); err == nil {
			return nil
		}
	}
	text := string(raw)
	// A JSON-encoded string wrapping the real payload.
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		if err := UnmarshalLenient([]byte(inner), v); err == nil {
			return nil
		}
		text = inner
	}
	for _, block := range fencedBlockRE.FindAllStringSubmatch(text, -1) {
		if err := json.Unmarshal([]byte(block[1]), v); err == nil {
			return nil
		}
	}
	if frag, ok := widestFragment(text); ok {
		if err := json.Unmarshal([]byte(frag), v); err == nil {
			return nil
		}
	}
	return ErrMalformedResponse
}

// widestFragment returns the slice between the first opening bracket and the
// matching last closing bracket of the same kind.
func widestFragment(text string) (string, bool) {
	for _, pair := range [...][2]string{{"{", "}"}, {"[", "]"}} {
		first := strings.Index(text, pair[0])
		last := strings.LastIndex(text, pair[1])
		if first >= 0 && last > first {
			return text[first : last+1], true
		}
	}
	return "", false
}

// MarshalIndentNoEscape encodes v without HTML-escaping <, > and &, which
// would otherwise corrupt pseudocode embedded in report JSON.
func MarshalIndentNoEscape(v any) ([]byte, error) {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(buf.String(), "\n")), nil
}

package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// KeyInput is the full description of a cacheable AI request.
type KeyInput struct {
	PromptTemplateID string
	PromptVersion    string
	Model            string
	Provider         string
	Payload          []byte
}

var punctuation = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'", "′", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`,
	"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-", "―", "-",
)

// BuildKey returns the hex SHA-256 content hash of the canonical form of in.
// Semantically identical payloads (key order, typographic quotes and dashes,
// Unicode composition, whitespace runs) produce the same key.
func BuildKey(in KeyInput) string {
	h := sha256.New()
	for _, field := range [][]byte{
		[]byte(NormalizeText(in.PromptTemplateID)),
		[]byte(NormalizeText(in.PromptVersion)),
		[]byte(NormalizeText(in.Model)),
		[]byte(NormalizeText(in.Provider)),
		CanonicalPayload(in.Payload),
	} {
		// Length prefixes keep ("a","bc") and ("ab","c") apart.
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText applies NFC, maps typographic quotes and dashes to ASCII and
// collapses whitespace runs to a single space.
func NormalizeText(s string) string {
	s = punctuation.Replace(norm.NFC.String(s))
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// CanonicalPayload renders a JSON payload with sorted object keys and
// normalized string values. Anything that is not valid JSON is hashed as
// normalized text.
func CanonicalPayload(payload []byte) []byte {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return []byte(NormalizeText(string(trimmed)))
	}

	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case map[string]any:
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
			writeString(buf, NormalizeText(k))
			buf.WriteByte(':')
			writeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	case string:
		writeString(buf, NormalizeText(t))
	case json.Number:
		buf.WriteString(t.String())
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case nil:
		buf.WriteString("null")
	}
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

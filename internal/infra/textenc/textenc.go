// Package textenc converts between the tester's UTF-16LE files and Go strings.
package textenc

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names an on-disk text encoding.
type Encoding string

const (
	UTF16LE Encoding = "utf-16le"
	UTF8    Encoding = "utf-8"
)

var (
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
)

// ParseEncoding accepts the usual spellings of the supported encodings.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "-")) {
	case "utf-16le", "utf-16", "utf16", "utf16le":
		return UTF16LE, nil
	case "utf-8", "utf8", "":
		return UTF8, nil
	}
	return "", fmt.Errorf("unsupported encoding %q", name)
}

// Detect guesses the encoding of b from its byte order mark, falling back to
// the zero-byte pattern of ASCII text in UTF-16LE.
func Detect(b []byte) Encoding {
	switch {
	case bytes.HasPrefix(b, bomUTF16LE), bytes.HasPrefix(b, bomUTF16BE):
		return UTF16LE
	case bytes.HasPrefix(b, bomUTF8):
		return UTF8
	}
	if LooksUTF16LE(b) {
		return UTF16LE
	}
	return UTF8
}

// LooksUTF16LE reports whether most odd bytes of a sample are zero.
func LooksUTF16LE(b []byte) bool {
	n := len(b)
	if n > 512 {
		n = 512
	}
	if n < 2 {
		return false
	}
	zeros, pairs := 0, 0
	for i := 1; i < n; i += 2 {
		pairs++
		if b[i] == 0 {
			zeros++
		}
	}
	return zeros*2 > pairs
}

// Decode converts b to a string using the detected encoding. A byte order
// mark is stripped.
func Decode(b []byte) (string, error) {
	return DecodeAs(b, Detect(b))
}

// DecodeAs converts b using enc. For UTF-16 a leading BOM overrides the
// little-endian default.
func DecodeAs(b []byte, enc Encoding) (string, error) {
	if enc == UTF16LE {
		dec := unicode.BOMOverride(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder())
		out, _, err := transform.Bytes(dec, b)
		if err != nil {
			return "", fmt.Errorf("decode utf-16: %w", err)
		}
		return string(out), nil
	}
	return string(bytes.TrimPrefix(b, bomUTF8)), nil
}

// Encode converts s to enc. UTF-16LE output carries a byte order mark.
func Encode(s string, enc Encoding) ([]byte, error) {
	if enc == UTF16LE {
		out, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder(), []byte(s))
		if err != nil {
			return nil, fmt.Errorf("encode utf-16: %w", err)
		}
		return out, nil
	}
	return []byte(s), nil
}

package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Checksum computes the content hash of a payload over its canonical
// serialization: keys sorted, strings NFC-normalized, numbers in shortest
// decimal form. Two payloads that differ only in key order or Unicode
// normalization form hash identically.
func Checksum(payload map[string]any) string {
	h := sha256.New()
	writeCanonical(h, payload)
	return hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(w io.Writer, v any) {
	switch t := v.(type) {
	case nil:
		io.WriteString(w, "null")
	case bool:
		if t {
			io.WriteString(w, "true")
		} else {
			io.WriteString(w, "false")
		}
	case string:
		io.WriteString(w, strconv.Quote(norm.NFC.String(t)))
	case float64:
		io.WriteString(w, strconv.FormatFloat(t, 'g', -1, 64))
	case int:
		io.WriteString(w, strconv.Itoa(t))
	case int64:
		io.WriteString(w, strconv.FormatInt(t, 10))
	case []any:
		io.WriteString(w, "[")
		for i, e := range t {
			if i > 0 {
				io.WriteString(w, ",")
			}
			writeCanonical(w, e)
		}
		io.WriteString(w, "]")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		io.WriteString(w, "{")
		for i, k := range keys {
			if i > 0 {
				io.WriteString(w, ",")
			}
			io.WriteString(w, strconv.Quote(norm.NFC.String(k)))
			io.WriteString(w, ":")
			writeCanonical(w, t[k])
		}
		io.WriteString(w, "}")
	default:
		// Unknown scalar types fall back to their formatted form.
		fmt.Fprintf(w, "%q", fmt.Sprint(t))
	}
}

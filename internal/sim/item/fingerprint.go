package item

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// Fingerprint is a stable hash of a stack's serialized content. Two
// structurally identical stacks share a fingerprint.
type Fingerprint string

// FingerprintOf hashes id, count, sorted tags, handle and contents (in slot
// order, empty slots included so that slot positions matter).
func FingerprintOf(s Stack) Fingerprint {
	if s.IsEmpty() {
		return ""
	}
	h := sha256.New()
	var buf []byte
	buf = appendCanonical(buf[:0], s)
	h.Write(buf)
	sum := h.Sum(nil)
	return Fingerprint(hex.EncodeToString(sum[:16]))
}

func appendCanonical(b []byte, s Stack) []byte {
	if s.IsEmpty() {
		return append(b, '_', ';')
	}
	b = append(b, '{')
	b = append(b, s.ID.String()...)
	b = append(b, '#')
	b = strconv.AppendInt(b, int64(s.Count), 10)
	if len(s.Tags) > 0 {
		tags := append([]string(nil), s.Tags...)
		sort.Strings(tags)
		b = append(b, '[')
		for _, t := range tags {
			b = strconv.AppendQuote(b, t)
			b = append(b, ',')
		}
		b = append(b, ']')
	}
	if s.Handle != "" {
		b = append(b, '@')
		b = strconv.AppendQuote(b, s.Handle)
	}
	if len(s.Contents) > 0 {
		b = append(b, '(')
		for _, c := range s.Contents {
			b = appendCanonical(b, c)
		}
		b = append(b, ')')
	}
	return append(b, '}', ';')
}

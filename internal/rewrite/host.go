// Package rewrite substitutes hostnames in headers and streamed bodies.
package rewrite

import "bytes"

// Replacer substitutes whole-word occurrences of one hostname with another.
//
// An occurrence is whole-word when the byte before it is not a hostname byte
// and the byte after it is either not a hostname byte or a '.' that is not
// followed by a letter or digit (a sentence-ending dot). So "example.com" is
// replaced in "https://example.com/v2" and "see example.com." but not in
// "notexample.com", "cdn.example.com" or "example.com.evil".
type Replacer struct {
	from []byte
	to   []byte
}

// NewReplacer creates a Replacer for from -> to.
func NewReplacer(from, to string) *Replacer {
	return &Replacer{from: []byte(from), to: []byte(to)}
}

// String rewrites a complete value.
func (r *Replacer) String(s string) string {
	if len(r.from) == 0 || !bytes.Contains([]byte(s), r.from) {
		return s
	}
	return string(r.Append(nil, []byte(s), true, true))
}

// Append appends src to dst with every whole-word occurrence replaced.
// leftBoundary reports whether the byte preceding src was a boundary;
// rightBoundary whether src ends the text. A partial segment passes false
// for the edge that continues elsewhere, so a match is never confirmed
// against bytes it cannot see.
func (r *Replacer) Append(dst, src []byte, leftBoundary, rightBoundary bool) []byte {
	if len(r.from) == 0 {
		return append(dst, src...)
	}

	i := 0
	for {
		j := bytes.Index(src[i:], r.from)
		if j < 0 {
			return append(dst, src[i:]...)
		}
		start := i + j
		end := start + len(r.from)

		if r.boundedAt(src, start, end, leftBoundary, rightBoundary) {
			dst = append(dst, src[i:start]...)
			dst = append(dst, r.to...)
			i = end
			continue
		}
		dst = append(dst, src[i:start+1]...)
		i = start + 1
	}
}

func (r *Replacer) boundedAt(src []byte, start, end int, leftBoundary, rightBoundary bool) bool {
	if start == 0 {
		if !leftBoundary {
			return false
		}
	} else if IsHostByte(src[start-1]) {
		return false
	}

	if end == len(src) {
		return rightBoundary
	}
	next := src[end]
	if next != '.' {
		return !IsHostByte(next)
	}
	if end+1 == len(src) {
		return rightBoundary
	}
	return !isAlnum(src[end+1])
}

// IsHostByte reports whether b can appear in a hostname token.
func IsHostByte(b byte) bool {
	return isAlnum(b) || b == '-' || b == '.' || b == '_'
}

func isAlnum(b byte) bool {
	return 'a' <= b && b <= 'z' || 'A' <= b && b <= 'Z' || '0' <= b && b <= '9'
}

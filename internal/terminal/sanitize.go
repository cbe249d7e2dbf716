package terminal

import "bytes"

const (
	esc = 0x1b
	bel = 0x07
)

// Sanitize strips terminal control sequences from raw device output: CSI
// sequences (ESC [ ... final byte), OSC sequences (ESC ] ... BEL or ST),
// charset selections (ESC ( X), lone escapes, and control bytes other than
// newline and tab. Carriage returns not followed by a newline are dropped.
// Invalid UTF-8 is replaced with U+FFFD. Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(p []byte) []byte {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		b := p[i]
		switch {
		case b == esc:
			n, _ := escapeLen(p[i:])
			i += n - 1
		case b == '\r':
			// CR LF collapses to LF; a bare CR is dropped.
			continue
		case b == '\n' || b == '\t':
			out = append(out, b)
		case b < 0x20 || b == 0x7f:
			continue
		default:
			out = append(out, b)
		}
	}
	return bytes.ToValidUTF8(out, []byte("�"))
}

// SanitizeString is Sanitize over strings.
func SanitizeString(s string) string {
	return string(Sanitize([]byte(s)))
}

// escapeLen returns the byte length of the escape sequence starting at
// p[0] == ESC and whether the sequence terminates within p. An unterminated
// sequence extends to the end of p and may continue in a later read.
func escapeLen(p []byte) (int, bool) {
	if len(p) < 2 {
		return len(p), false
	}
	switch p[1] {
	case '[': // CSI: parameters 0x30-0x3F, intermediates 0x20-0x2F, final 0x40-0x7E
		i := 2
		for i < len(p) && p[i] >= 0x30 && p[i] <= 0x3f {
			i++
		}
		for i < len(p) && p[i] >= 0x20 && p[i] <= 0x2f {
			i++
		}
		if i < len(p) && p[i] >= 0x40 && p[i] <= 0x7e {
			return i + 1, true
		}
		// A byte outside the CSI grammar ends the sequence malformed.
		return i, i < len(p)
	case ']': // OSC: terminated by BEL or ST (ESC \)
		for i := 2; i < len(p); i++ {
			if p[i] == bel {
				return i + 1, true
			}
			if p[i] == esc && i+1 < len(p) && p[i+1] == '\\' {
				return i + 2, true
			}
		}
		return len(p), false
	case '(', ')': // charset selection consumes one designator byte
		if len(p) >= 3 {
			return 3, true
		}
		return len(p), false
	default:
		return 2, true
	}
}

// splitComplete returns the length of the longest prefix of p that ends on a
// complete escape-sequence and rune boundary. Bytes past the cut begin a
// sequence or multi-byte rune whose remainder has not arrived yet.
func splitComplete(p []byte) int {
	for i := 0; i < len(p); i++ {
		if p[i] != esc {
			continue
		}
		n, complete := escapeLen(p[i:])
		if !complete {
			return i
		}
		i += n - 1
	}
	return len(p) - partialRuneLen(p)
}

// partialRuneLen returns the length of a trailing incomplete UTF-8 rune, 0
// when p ends on a rune boundary or in bytes no continuation could repair.
func partialRuneLen(p []byte) int {
	n := 0
	for n < len(p) && n < 3 && p[len(p)-1-n]&0xc0 == 0x80 {
		n++
	}
	if n == len(p) {
		return 0
	}
	lead := p[len(p)-1-n]
	var want int
	switch {
	case lead&0x80 == 0x00:
		want = 1
	case lead&0xe0 == 0xc0:
		want = 2
	case lead&0xf0 == 0xe0:
		want = 3
	case lead&0xf8 == 0xf0:
		want = 4
	default:
		return 0
	}
	if n+1 < want {
		return n + 1
	}
	return 0
}

// hasControl reports whether s contains any control byte.
func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

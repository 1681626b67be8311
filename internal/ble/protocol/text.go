package protocol

import "unicode/utf8"

// DecodeValue renders a characteristic value for the web host: the value
// itself when it is valid UTF-8 made only of printable ASCII (code points
// 32..126), otherwise its upper-case hex form. Empty values render as "".
func DecodeValue(b []byte) string {
	if IsPrintable(b) {
		return string(b)
	}
	return EncodeHex(b)
}

// IsPrintable reports whether b is non-empty valid UTF-8 whose runes all
// fall in the printable ASCII range.
func IsPrintable(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r < 32 || r > 126 {
			return false
		}
	}
	return true
}

// Package protocol holds the byte-level helpers shared by the BLE bridge:
// payload chunking, hex coding, value decoding for the web host, and
// UUID/address validation.
package protocol

import (
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidHex is returned by DecodeHex for empty or non-hex input.
var ErrInvalidHex = errors.New("protocol: invalid hex string")

// NormalizeHex strips all whitespace, upper-cases the digits and left-pads
// odd-length input with a zero nibble. It does not validate.
func NormalizeHex(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return s
}

// DecodeHex converts a hex string such as "7B 86 48" into bytes.
// Input is case-insensitive and may contain whitespace; an odd digit count
// is treated as having a leading zero. Anything outside [0-9A-Fa-f]
// yields a zero-length result and ErrInvalidHex.
func DecodeHex(s string) ([]byte, error) {
	s = NormalizeHex(s)
	if s == "" {
		return []byte{}, ErrInvalidHex
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return []byte{}, ErrInvalidHex
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return []byte{}, ErrInvalidHex
	}
	return b, nil
}

// EncodeHex returns the upper-case hex form of b with no separators.
func EncodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

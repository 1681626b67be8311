package protocol

import "testing"

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"printable", []byte("OK 42"), "OK 42"},
		{"tilde and space bounds", []byte(" ~"), " ~"},
		{"control byte", []byte{'O', 'K', 0x0A}, "4F4B0A"},
		{"binary", []byte{0x00, 0xFF}, "00FF"},
		{"del", []byte{0x7F}, "7F"},
		{"non-ascii utf8", []byte("héllo"), "68C3A96C6C6F"},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeValue(tt.in); got != tt.want {
				t.Errorf("DecodeValue(%x) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

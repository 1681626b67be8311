package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// CCCDUUID is the Client Characteristic Configuration Descriptor.
const CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"

// EnableNotificationValue is written to the CCCD to turn notifications on.
var EnableNotificationValue = []byte{0x01, 0x00}

var (
	// ErrInvalidUUID is returned for anything other than a canonical
	// hyphenated 128-bit UUID.
	ErrInvalidUUID = errors.New("protocol: invalid UUID")
	// ErrInvalidAddress is returned for malformed device addresses.
	ErrInvalidAddress = errors.New("protocol: invalid device address")
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// ParseUUID validates s as a canonical 8-4-4-4-12 UUID and returns it in
// lower case.
func ParseUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	// uuid.Parse also accepts urn:, braced and unhyphenated forms.
	if len(s) != 36 {
		return "", fmt.Errorf("%w: %q", ErrInvalidUUID, s)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUUID, s)
	}
	return u.String(), nil
}

// ParseAddress validates a device address. Linux and Windows identify
// peripherals by MAC ("AA:BB:CC:DD:EE:FF", returned upper-cased); macOS
// CoreBluetooth uses a per-host UUID (returned lower-cased).
func ParseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if macPattern.MatchString(s) {
		return strings.ToUpper(s), nil
	}
	if id, err := ParseUUID(s); err == nil {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
}

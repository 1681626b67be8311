package webhost

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chaz8081/blebridge/internal/ble"
)

// Bridge is the part of *ble.Manager the web host drives.
type Bridge interface {
	IsBluetoothSupported() bool
	IsBluetoothEnabled() bool
	GetPairedDevices() string
	ConnectToDevice(address string) error
	Disconnect() error
	WriteData(serviceID, characteristicID, text string) error
	WriteRawHexData(serviceID, characteristicID, hexString string) error
	ReadCharacteristic(serviceID, characteristicID string) error
	GetBluetoothStatus() string
	IsConnected() bool
	SetNotificationsEnabled(enabled bool)
	IsNotificationsEnabled() bool
	GetMissingPermissions() string
	ActiveTransfer() (ble.TransferProgress, bool)
}

var _ Bridge = (*ble.Manager)(nil)

// ErrUnknownMethod is returned for calls naming no bridge method.
var ErrUnknownMethod = errors.New("unknown method")

type method struct {
	params int
	call   func(b Bridge, p []string, flag bool) (any, error)
}

// methods maps call names to bridge methods. String results that are
// already JSON are passed through untouched.
var methods = map[string]method{
	"isBluetoothSupported": {0, func(b Bridge, _ []string, _ bool) (any, error) {
		return b.IsBluetoothSupported(), nil
	}},
	"isBluetoothEnabled": {0, func(b Bridge, _ []string, _ bool) (any, error) {
		return b.IsBluetoothEnabled(), nil
	}},
	"getPairedDevices": {0, func(b Bridge, _ []string, _ bool) (any, error) {
		return json.RawMessage(b.GetPairedDevices()), nil
	}},
	"connectToDevice": {1, func(b Bridge, p []string, _ bool) (any, error) {
		return nil, b.ConnectToDevice(p[0])
	}},
	"disconnect": {0, func(b Bridge, _ []string, _ bool) (any, error) {
		return nil, b.Disconnect()
	}},
	"writeData": {3, func(b Bridge, p []string, _ bool) (any, error) {
		return nil, b.WriteData(p[0], p[1], p[2])
	}},
	"writeRawHexData": {3, func(b Bridge, p []string, _ bool) (any, error) {
		return nil, b.WriteRawHexData(p[0], p[1], p[2])
	}},
	"readCharacteristic": {2, func(b Bridge, p []string, _ bool) (any, error) {
		return nil, b.ReadCharacteristic(p[0], p[1])
	}},
	"getBluetoothStatus": {0, func(b Bridge, _ []string, _ bool) (any, error) {
		return json.RawMessage(b.GetBluetoothStatus()), nil
	}},
	"isConnected": {0, func(b Bridge, _ []string, _ bool) (any, error) {
		return b.IsConnected(), nil
	}},
	"setNotificationsEnabled": {-1, func(b Bridge, _ []string, flag bool) (any, error) {
		b.SetNotificationsEnabled(flag)
		return nil, nil
	}},
	"isNotificationsEnabled": {0, func(b Bridge, _ []string, _ bool) (any, error) {
		return b.IsNotificationsEnabled(), nil
	}},
	"getMissingPermissions": {0, func(b Bridge, _ []string, _ bool) (any, error) {
		return json.RawMessage(b.GetMissingPermissions()), nil
	}},
}

// Dispatch returns a CallHandler that runs calls against b. String
// methods take positional string params; setNotificationsEnabled takes
// a single bool.
func Dispatch(b Bridge) CallHandler {
	return func(name string, params []json.RawMessage) (any, error) {
		m, ok := methods[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
		}
		if m.params < 0 {
			flag, err := boolParam(params)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			return m.call(b, nil, flag)
		}
		args, err := stringParams(params, m.params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return m.call(b, args, false)
	}
}

func stringParams(raw []json.RawMessage, want int) ([]string, error) {
	if len(raw) != want {
		return nil, fmt.Errorf("want %d params, got %d", want, len(raw))
	}
	out := make([]string, want)
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("param %d: want string: %w", i, err)
		}
	}
	return out, nil
}

func boolParam(raw []json.RawMessage) (bool, error) {
	if len(raw) != 1 {
		return false, fmt.Errorf("want 1 param, got %d", len(raw))
	}
	var v bool
	if err := json.Unmarshal(raw[0], &v); err != nil {
		return false, fmt.Errorf("param 0: want bool: %w", err)
	}
	return v, nil
}

package webhost

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/chaz8081/blebridge/internal/ble"
)

func rawParams(vals ...any) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		b, _ := json.Marshal(v)
		out[i] = b
	}
	return out
}

func TestDispatchRoutesCalls(t *testing.T) {
	tests := []struct {
		method string
		params []json.RawMessage
		want   string
	}{
		{"connectToDevice", rawParams("aa:bb:cc:dd:ee:ff"), "connect aa:bb:cc:dd:ee:ff"},
		{"disconnect", nil, "disconnect"},
		{"writeData", rawParams("svc", "chr", "hello"), "write svc chr hello"},
		{"writeRawHexData", rawParams("svc", "chr", "0a0b"), "write-hex svc chr 0a0b"},
		{"readCharacteristic", rawParams("svc", "chr"), "read svc chr"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			b := newFakeBridge()
			result, err := Dispatch(b)(tt.method, tt.params)
			if err != nil {
				t.Fatalf("Dispatch(%s) error = %v", tt.method, err)
			}
			if result != nil {
				t.Errorf("result = %v, want nil", result)
			}
			if got := b.recorded(); !reflect.DeepEqual(got, []string{tt.want}) {
				t.Errorf("calls = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDispatchQueries(t *testing.T) {
	b := newFakeBridge()
	b.connected = true
	call := Dispatch(b)

	for _, name := range []string{"isBluetoothSupported", "isBluetoothEnabled", "isConnected"} {
		got, err := call(name, nil)
		if err != nil || got != true {
			t.Errorf("%s = %v, %v; want true", name, got, err)
		}
	}

	got, err := call("getPairedDevices", nil)
	if err != nil {
		t.Fatalf("getPairedDevices error = %v", err)
	}
	if raw, ok := got.(json.RawMessage); !ok || string(raw) != b.paired {
		t.Errorf("getPairedDevices = %v, want raw %s", got, b.paired)
	}
}

func TestDispatchNotifications(t *testing.T) {
	b := newFakeBridge()
	call := Dispatch(b)

	if _, err := call("setNotificationsEnabled", rawParams(true)); err != nil {
		t.Fatalf("setNotificationsEnabled error = %v", err)
	}
	got, _ := call("isNotificationsEnabled", nil)
	if got != true {
		t.Errorf("isNotificationsEnabled = %v, want true", got)
	}

	if _, err := call("setNotificationsEnabled", rawParams("yes")); err == nil {
		t.Error("setNotificationsEnabled accepted a string")
	}
}

func TestDispatchErrors(t *testing.T) {
	b := newFakeBridge()
	call := Dispatch(b)

	if _, err := call("selfDestruct", nil); !errors.Is(err, ErrUnknownMethod) {
		t.Errorf("unknown method error = %v", err)
	}
	if _, err := call("writeData", rawParams("svc", "chr")); err == nil {
		t.Error("writeData accepted two params")
	}
	if _, err := call("connectToDevice", rawParams(42)); err == nil {
		t.Error("connectToDevice accepted a number")
	}
	if len(b.recorded()) != 0 {
		t.Errorf("bridge was called: %q", b.recorded())
	}

	b.err = ble.ErrNotConnected
	if _, err := call("disconnect", nil); !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("disconnect error = %v, want not connected", err)
	}
}

func TestEncodeResult(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		err     error
		wantRaw string
		wantErr string
	}{
		{"void", nil, nil, "null", ""},
		{"false", false, nil, "false", ""},
		{"raw", json.RawMessage(`[1,2]`), nil, "[1,2]", ""},
		{"error", nil, errors.New("boom"), "", "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, msg := encodeResult(tt.result, tt.err)
			if string(raw) != tt.wantRaw || msg != tt.wantErr {
				t.Errorf("encodeResult() = %q, %q; want %q, %q", raw, msg, tt.wantRaw, tt.wantErr)
			}
		})
	}
}

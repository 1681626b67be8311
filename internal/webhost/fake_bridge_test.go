package webhost

import (
	"strings"
	"sync"

	"github.com/chaz8081/blebridge/internal/ble"
)

type fakeBridge struct {
	mu sync.Mutex

	supported     bool
	enabled       bool
	connected     bool
	notifications bool
	paired        string
	missing       string
	progress      *ble.TransferProgress
	err           error // returned by every call that can fail

	calls []string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		supported: true,
		enabled:   true,
		paired:    `[{"name":"Printer","address":"AA:BB:CC:DD:EE:FF"}]`,
		missing:   `[]`,
	}
}

func (b *fakeBridge) record(call string, args ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, strings.Join(append([]string{call}, args...), " "))
}

func (b *fakeBridge) recorded() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBridge) IsBluetoothSupported() bool { return b.supported }
func (b *fakeBridge) IsBluetoothEnabled() bool   { return b.enabled }
func (b *fakeBridge) GetPairedDevices() string   { return b.paired }
func (b *fakeBridge) IsConnected() bool          { return b.connected }

func (b *fakeBridge) ConnectToDevice(address string) error {
	b.record("connect", address)
	return b.err
}

func (b *fakeBridge) Disconnect() error {
	b.record("disconnect")
	return b.err
}

func (b *fakeBridge) WriteData(service, char, text string) error {
	b.record("write", service, char, text)
	return b.err
}

func (b *fakeBridge) WriteRawHexData(service, char, hexString string) error {
	b.record("write-hex", service, char, hexString)
	return b.err
}

func (b *fakeBridge) ReadCharacteristic(service, char string) error {
	b.record("read", service, char)
	return b.err
}

func (b *fakeBridge) GetBluetoothStatus() string {
	return `{"supported":true,"enabled":true,"connected":false}`
}

func (b *fakeBridge) SetNotificationsEnabled(enabled bool) {
	b.mu.Lock()
	b.notifications = enabled
	b.mu.Unlock()
}

func (b *fakeBridge) IsNotificationsEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifications
}

func (b *fakeBridge) GetMissingPermissions() string { return b.missing }

func (b *fakeBridge) setProgress(p *ble.TransferProgress) {
	b.mu.Lock()
	b.progress = p
	b.mu.Unlock()
}

func (b *fakeBridge) ActiveTransfer() (ble.TransferProgress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.progress == nil {
		return ble.TransferProgress{}, false
	}
	return *b.progress, true
}

package ble

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blebridge/internal/ble/protocol"
)

// Manager owns the single BLE connection and serves the web host's calls.
// All state below the loop field is only touched on the loop.
//
// Methods are safe for concurrent use but must not be called from an
// Emitter, which already runs on the loop.
type Manager struct {
	adapter Adapter
	perms   Permissions
	emitter Emitter
	opts    Options
	now     func() time.Time

	notifications atomic.Bool
	released      atomic.Bool

	loop   *loop
	timers *timers

	ctx           *connContext
	gen           uint64
	lastAddress   string
	retryCount    int
	everConnected bool // lastAddress has connected at least once
	adapterWaits  int  // connect deferrals while the adapter powers on
}

// NewManager starts a manager on adapter. perms may be nil, in which case
// every permission is treated as granted.
func NewManager(adapter Adapter, perms Permissions, emitter Emitter, opts Options) (*Manager, error) {
	if adapter == nil {
		return nil, fmt.Errorf("ble: adapter must not be nil")
	}
	if emitter == nil {
		return nil, fmt.Errorf("ble: emitter must not be nil")
	}
	if perms == nil {
		perms = grantAll{}
	}
	opts = opts.withDefaults()

	m := &Manager{
		adapter: adapter,
		perms:   perms,
		emitter: emitter,
		opts:    opts,
		now:     time.Now,
		loop:    newLoop(opts.QueueSize),
	}
	m.timers = newTimers(m.loop)
	m.notifications.Store(opts.Notifications)
	m.loop.onPanic = func(r any) {
		m.emitError(newError(KindGattFailure, "internal error: %v", r))
		if m.ctx != nil {
			m.disconnect()
		}
	}
	go m.loop.run()
	return m, nil
}

// run executes fn on the loop. A non-nil error is emitted to the host
// before it is returned.
func (m *Manager) run(fn func() error) error {
	if m.released.Load() {
		return ErrNotConnected
	}
	var err error
	if lerr := m.loop.do(func() {
		err = fn()
		if err != nil {
			m.emitError(err)
		}
	}); lerr != nil {
		return lerr
	}
	return err
}

// IsBluetoothSupported reports whether a BLE adapter is present.
func (m *Manager) IsBluetoothSupported() bool {
	if m.released.Load() {
		slog.Warn("[BLE] manager has been released")
		return false
	}
	return m.adapterSupported()
}

// IsBluetoothEnabled reports whether the adapter is present and powered.
func (m *Manager) IsBluetoothEnabled() bool {
	if m.released.Load() {
		return false
	}
	return m.adapterSupported() && m.adapterState() == AdapterOn
}

// GetPairedDevices returns the bonded devices as a JSON array of
// {name, address}. Any failure yields "[]".
func (m *Manager) GetPairedDevices() string {
	if !m.IsBluetoothEnabled() {
		return "[]"
	}
	var devices []Device
	err := guard("paired devices", func() error {
		var err error
		devices, err = m.adapter.PairedDevices()
		return err
	})
	if err != nil {
		slog.Warn("[BLE] listing paired devices failed", "error", err)
		return "[]"
	}
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.Name == "" {
			d.Name = "Unknown"
		}
		out = append(out, d)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// ConnectToDevice starts connecting to address. The outcome is reported
// through onBluetoothConnected / onBluetoothError.
func (m *Manager) ConnectToDevice(address string) error {
	return m.run(func() error { return m.connect(address) })
}

// Disconnect tears down the link. It always ends in exactly one
// onBluetoothDisconnected event.
func (m *Manager) Disconnect() error {
	return m.run(func() error {
		m.disconnect()
		return nil
	})
}

// WriteData writes text as UTF-8 bytes, chunking it if needed.
func (m *Manager) WriteData(serviceID, characteristicID, text string) error {
	return m.run(func() error {
		ctx, id, st, err := m.resolveWritable(serviceID, characteristicID)
		if err != nil {
			return err
		}
		return m.startTransfer(ctx, id, st, []byte(text))
	})
}

// WriteRawHexData decodes hexString and writes the bytes, chunking them
// if needed.
func (m *Manager) WriteRawHexData(serviceID, characteristicID, hexString string) error {
	return m.run(func() error {
		ctx, id, st, err := m.resolveWritable(serviceID, characteristicID)
		if err != nil {
			return err
		}
		payload, err := protocol.DecodeHex(hexString)
		if err != nil {
			return wrapError(KindInvalidEncoding, err, "invalid hex string")
		}
		return m.startTransfer(ctx, id, st, payload)
	})
}

// ReadCharacteristic requests a read; the value arrives as
// onCharacteristicChanged.
func (m *Manager) ReadCharacteristic(serviceID, characteristicID string) error {
	return m.run(func() error { return m.read(serviceID, characteristicID) })
}

type bluetoothStatus struct {
	Supported bool `json:"supported"`
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// GetBluetoothStatus returns {supported, enabled, connected} as JSON.
func (m *Manager) GetBluetoothStatus() string {
	st := bluetoothStatus{Supported: m.IsBluetoothSupported()}
	if st.Supported {
		st.Enabled = m.IsBluetoothEnabled()
		st.Connected = m.IsConnected()
	}
	b, _ := json.Marshal(st)
	return string(b)
}

// IsConnected reports whether a GATT link is established.
func (m *Manager) IsConnected() bool {
	if m.released.Load() {
		return false
	}
	var connected bool
	_ = m.loop.do(func() { connected = m.ctx.live() })
	return connected
}

// SetNotificationsEnabled switches forwarding of unsolicited
// notifications to the host.
func (m *Manager) SetNotificationsEnabled(enabled bool) {
	m.notifications.Store(enabled)
	slog.Info("[BLE] notifications switched", "enabled", enabled)
}

// IsNotificationsEnabled reports the notification switch.
func (m *Manager) IsNotificationsEnabled() bool {
	return m.notifications.Load()
}

// GetMissingPermissions returns the missing permission names as a JSON
// array.
func (m *Manager) GetMissingPermissions() string {
	missing := m.perms.Missing()
	if missing == nil {
		missing = []string{}
	}
	b, _ := json.Marshal(missing)
	return string(b)
}

// Close releases the connection and stops the loop. No events are emitted.
func (m *Manager) Close() error {
	if m.released.Swap(true) {
		return nil
	}
	slog.Info("[BLE] releasing manager")
	_ = m.loop.do(func() {
		m.teardown()
	})
	m.loop.stop()
	return nil
}

func (m *Manager) adapterSupported() bool {
	var ok bool
	if err := guard("adapter supported", func() error {
		ok = m.adapter.Supported()
		return nil
	}); err != nil {
		slog.Error("[BLE] adapter probe failed", "error", err)
		return false
	}
	return ok
}

func (m *Manager) adapterState() AdapterState {
	state := AdapterOff
	if err := guard("adapter state", func() error {
		state = m.adapter.State()
		return nil
	}); err != nil {
		slog.Error("[BLE] adapter probe failed", "error", err)
		return AdapterOff
	}
	return state
}

// panicError is a panic recovered from a hardware call.
type panicError struct {
	op    string
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("%s panicked: %v", e.op, e.value) }

// guard runs a hardware call and converts a panic into an error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{op: op, value: r}
		}
	}()
	return fn()
}

package ble

import (
	"encoding/json"
	"errors"
	"log/slog"
)

// Event names delivered to the web host.
const (
	EventConnected             = "onBluetoothConnected"
	EventDisconnected          = "onBluetoothDisconnected"
	EventError                 = "onBluetoothError"
	EventStateChange           = "onBluetoothStateChange"
	EventServicesDiscovered    = "onServicesDiscovered"
	EventCharacteristicChanged = "onCharacteristicChanged"
	EventWriteCompleted        = "onWriteCompleted"
)

// UnknownDevice is reported on disconnect when no address is known.
const UnknownDevice = "unknown"

// Emitter receives outbound host events. Emit is always called from the
// manager's loop, one event at a time, and must not block or call back
// into the Manager.
type Emitter interface {
	Emit(name, data string)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(name, data string)

func (f EmitterFunc) Emit(name, data string) { f(name, data) }

// ValuePayload is the data of onCharacteristicChanged.
type ValuePayload struct {
	UUID     string `json:"uuid"`
	Value    string `json:"value"`
	HexValue string `json:"hexValue"`
}

// WritePayload is the data of onWriteCompleted.
type WritePayload struct {
	UUID        string `json:"uuid"`
	Status      string `json:"status"`
	Chunked     bool   `json:"chunked,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
}

func (m *Manager) emit(name, data string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] emitter panicked", "event", name, "panic", r)
		}
	}()
	m.emitter.Emit(name, data)
}

func (m *Manager) emitJSON(name string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("[BLE] marshal event payload", "event", name, "error", err)
		return
	}
	m.emit(name, string(b))
}

func (m *Manager) emitError(err error) {
	m.emit(EventError, hostMessage(err))
}

func (m *Manager) emitState(text string) {
	m.emit(EventStateChange, text)
}

// hostMessage is the text shown to the web UI for err.
func hostMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		msg := e.Msg
		if msg == "" {
			msg = e.Kind.String()
		}
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return msg
	}
	return err.Error()
}

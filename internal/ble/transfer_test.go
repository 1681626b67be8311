package ble

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/blebridge/internal/ble/protocol"
)

func TestWriteWhileDisconnected(t *testing.T) {
	adapter := newFakeAdapter()
	m, rec := newTestManager(t, adapter, testOptions())

	calls := []struct {
		name string
		fn   func() error
	}{
		{"WriteData", func() error { return m.WriteData(testService, writeChar, "hi") }},
		{"WriteRawHexData", func() error { return m.WriteRawHexData(testService, writeChar, "zz") }},
		{"ReadCharacteristic", func() error { return m.ReadCharacteristic(testService, readChar) }},
	}
	for _, c := range calls {
		if err := c.fn(); !errors.Is(err, ErrNotConnected) {
			t.Errorf("%s() error = %v, want NotConnected", c.name, err)
		}
	}
	if adapter.opened() != 0 {
		t.Error("transport touched while disconnected")
	}
	if got := rec.count(EventError); got != len(calls) {
		t.Errorf("onBluetoothError count = %d, want %d", got, len(calls))
	}
}

func TestWriteHexSingle(t *testing.T) {
	m, _, tr, rec := connected(t, testOptions())

	const hexPayload = "7B864814071027923000280033BD7D"
	if err := m.WriteRawHexData(testService, writeChar, hexPayload); err != nil {
		t.Fatalf("WriteRawHexData() error = %v", err)
	}
	if tr.writeCount() != 1 {
		t.Fatalf("writes = %d, want 1", tr.writeCount())
	}
	if got := protocol.EncodeHex(tr.writtenAt(0)); got != hexPayload {
		t.Errorf("wrote %s, want %s", got, hexPayload)
	}
	if !tr.withResponse[0] {
		t.Error("write-with-response characteristic written without response")
	}

	tr.fire(CharacteristicWrite{Char: testChar(writeChar), Status: StatusSuccess})
	waitFor(t, "write completed", func() bool { return rec.count(EventWriteCompleted) == 1 })

	want := `{"uuid":"` + writeChar + `","status":"success"}`
	if got := rec.last(EventWriteCompleted); got != want {
		t.Errorf("onWriteCompleted(%s), want %s", got, want)
	}
	if _, busy := m.ActiveTransfer(); busy {
		t.Error("transfer still active after completion")
	}
}

func TestWriteChunked(t *testing.T) {
	m, _, tr, rec := connected(t, testOptions())

	payload := strings.Repeat("abcdefghi", 5) // 45 bytes
	if err := m.WriteData(testService, writeChar, payload); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}

	wantSizes := []int{20, 20, 5}
	for i, size := range wantSizes {
		waitFor(t, "chunk", func() bool { return tr.writeCount() == i+1 })
		if got := len(tr.writtenAt(i)); got != size {
			t.Errorf("chunk %d = %d bytes, want %d", i, got, size)
		}

		// The next chunk waits for the acknowledgement.
		time.Sleep(10 * time.Millisecond)
		if tr.writeCount() != i+1 {
			t.Fatalf("chunk %d sent before chunk %d was acknowledged", i+2, i+1)
		}
		p, ok := m.ActiveTransfer()
		if !ok || p.Index != i || p.TotalChunks != 3 || !p.Chunked {
			t.Errorf("ActiveTransfer() = %+v, %v", p, ok)
		}
		tr.fire(CharacteristicWrite{Char: testChar(writeChar), Status: StatusSuccess})
	}

	waitFor(t, "write completed", func() bool { return rec.count(EventWriteCompleted) == 1 })
	got := decodeWrite(t, rec.last(EventWriteCompleted))
	if got.Status != "success" || !got.Chunked || got.TotalChunks != 3 {
		t.Errorf("onWriteCompleted = %+v, want chunked success of 3", got)
	}

	var sent []byte
	for i := range wantSizes {
		sent = append(sent, tr.writtenAt(i)...)
	}
	if !bytes.Equal(sent, []byte(payload)) {
		t.Errorf("reassembled %q, want %q", sent, payload)
	}
}

func TestWriteWithoutResponse(t *testing.T) {
	m, _, tr, _ := connected(t, testOptions())

	if err := m.WriteData(testService, quickChar, "x"); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	if tr.withResponse[0] {
		t.Error("write-without-response characteristic written with response")
	}
}

func TestWriteTransferBusy(t *testing.T) {
	m, _, tr, _ := connected(t, testOptions())

	if err := m.WriteData(testService, writeChar, "first"); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	err := m.WriteData(testService, quickChar, "second")
	if !errors.Is(err, ErrTransferBusy) {
		t.Fatalf("overlapping WriteData() error = %v, want TransferBusy", err)
	}
	if tr.writeCount() != 1 {
		t.Errorf("writes = %d, want 1", tr.writeCount())
	}
}

func TestWriteRequestValidation(t *testing.T) {
	m, _, tr, _ := connected(t, testOptions())

	tests := []struct {
		name    string
		service string
		char    string
		hex     string
		want    error
	}{
		{"bad service uuid", "ffe0", writeChar, "", ErrInvalidEncoding},
		{"bad characteristic uuid", testService, "0000ffe1", "", ErrInvalidEncoding},
		{"unknown service", "0000aaaa-0000-1000-8000-00805f9b34fb", writeChar, "", ErrServiceNotFound},
		{"unknown characteristic", testService, "0000aaaa-0000-1000-8000-00805f9b34fb", "", ErrCharacteristicNotFound},
		{"read only", testService, roChar, "", ErrWriteNotSupported},
		{"invalid hex", testService, writeChar, "0x12", ErrInvalidEncoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.hex != "" {
				err = m.WriteRawHexData(tt.service, tt.char, tt.hex)
			} else {
				err = m.WriteData(tt.service, tt.char, "x")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
	if tr.writeCount() != 0 {
		t.Errorf("writes = %d, want 0", tr.writeCount())
	}
}

func TestWriteUpperCaseUUIDs(t *testing.T) {
	m, _, tr, _ := connected(t, testOptions())

	if err := m.WriteData(strings.ToUpper(testService), strings.ToUpper(writeChar), "x"); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	if tr.writeCount() != 1 {
		t.Errorf("writes = %d, want 1", tr.writeCount())
	}
}

func TestWriteTimeout(t *testing.T) {
	opts := testOptions()
	opts.WriteTimeout = 20 * time.Millisecond
	m, _, tr, rec := connected(t, opts)

	if err := m.WriteData(testService, writeChar, "hello"); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	waitFor(t, "timeout error", func() bool { return rec.count(EventError) == 1 })
	if msg := rec.last(EventError); !strings.HasPrefix(msg, "timeout") {
		t.Errorf("onBluetoothError(%q), want timeout", msg)
	}

	// A late acknowledgement is ignored and the slot is free again.
	tr.fire(CharacteristicWrite{Char: testChar(writeChar), Status: StatusSuccess})
	if err := m.WriteData(testService, writeChar, "again"); err != nil {
		t.Fatalf("WriteData() after timeout error = %v", err)
	}
	if rec.count(EventWriteCompleted) != 0 {
		t.Error("late acknowledgement completed a timed-out write")
	}
}

func TestWriteChunkFailure(t *testing.T) {
	m, _, tr, rec := connected(t, testOptions())

	if err := m.WriteData(testService, writeChar, strings.Repeat("x", 45)); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	tr.fire(CharacteristicWrite{Char: testChar(writeChar), Status: StatusSuccess})
	waitFor(t, "second chunk", func() bool { return tr.writeCount() == 2 })
	tr.fire(CharacteristicWrite{Char: testChar(writeChar), Status: 133})

	waitFor(t, "chunk error", func() bool { return rec.count(EventError) == 1 })
	if msg := rec.last(EventError); !strings.Contains(msg, "chunk 2/3") {
		t.Errorf("onBluetoothError(%q), want chunk index", msg)
	}
	time.Sleep(10 * time.Millisecond)
	if tr.writeCount() != 2 {
		t.Errorf("writes = %d, want 2 after failure", tr.writeCount())
	}
	if rec.count(EventWriteCompleted) != 0 {
		t.Error("failed chunked transfer reported completion")
	}
}

func TestWriteSingleFailure(t *testing.T) {
	m, _, tr, rec := connected(t, testOptions())

	if err := m.WriteData(testService, writeChar, "hi"); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	tr.fire(CharacteristicWrite{Char: testChar(writeChar), Status: 3})
	waitFor(t, "write completed", func() bool { return rec.count(EventWriteCompleted) == 1 })

	if got := decodeWrite(t, rec.last(EventWriteCompleted)); got.Status != "failed" {
		t.Errorf("onWriteCompleted = %+v, want failed", got)
	}
	waitFor(t, "error", func() bool { return rec.count(EventError) == 1 })
}

func TestWriteTransportError(t *testing.T) {
	m, _, tr, _ := connected(t, testOptions())

	tr.mu.Lock()
	tr.writeErr = errors.New("queue full")
	tr.mu.Unlock()

	err := m.WriteData(testService, writeChar, "hi")
	if !errors.Is(err, ErrGattFailure) {
		t.Fatalf("WriteData() error = %v, want GattFailure", err)
	}
	if _, busy := m.ActiveTransfer(); busy {
		t.Error("failed write left the transfer slot taken")
	}
}

func TestWriteTransportPanic(t *testing.T) {
	m, _, tr, _ := connected(t, testOptions())

	tr.mu.Lock()
	tr.panicWrite = true
	tr.mu.Unlock()

	err := m.WriteData(testService, writeChar, "hi")
	if !errors.Is(err, ErrGattFailure) {
		t.Fatalf("WriteData() error = %v, want GattFailure", err)
	}
	if !m.IsConnected() {
		t.Error("manager should survive a panicking transport")
	}
}

func TestDisconnectHaltsTransfer(t *testing.T) {
	m, _, tr, rec := connected(t, testOptions())

	if err := m.WriteData(testService, writeChar, strings.Repeat("y", 60)); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	tr.fire(CharacteristicWrite{Char: testChar(writeChar), Status: StatusSuccess})
	time.Sleep(10 * time.Millisecond)

	if tr.writeCount() != 1 {
		t.Errorf("writes = %d, want 1 after disconnect", tr.writeCount())
	}
	if rec.count(EventWriteCompleted) != 0 {
		t.Error("transfer completed after disconnect")
	}
}

func TestWriteChunkTimeout(t *testing.T) {
	opts := testOptions()
	opts.WriteTimeout = 30 * time.Millisecond
	m, _, tr, rec := connected(t, opts)

	if err := m.WriteData(testService, writeChar, strings.Repeat("x", 45)); err != nil {
		t.Fatalf("WriteData() error = %v", err)
	}
	tr.fire(CharacteristicWrite{Char: testChar(writeChar), Status: StatusSuccess})
	waitFor(t, "second chunk", func() bool { return tr.writeCount() == 2 })

	// The second chunk is never acknowledged.
	waitFor(t, "timeout error", func() bool { return rec.count(EventError) == 1 })
	msg := rec.last(EventError)
	if !strings.HasPrefix(msg, "timeout") || !strings.Contains(msg, "chunk 2/3") {
		t.Errorf("onBluetoothError(%q), want timeout naming chunk 2/3", msg)
	}

	time.Sleep(3 * opts.WriteTimeout)
	if got := tr.writeCount(); got != 2 {
		t.Errorf("writes = %d, want 2: remaining chunks must not be sent", got)
	}
	if rec.count(EventWriteCompleted) != 0 {
		t.Error("timed-out transfer reported completion")
	}
	if _, ok := m.ActiveTransfer(); ok {
		t.Error("transfer still in flight after timeout")
	}
	if err := m.WriteData(testService, writeChar, "next"); err != nil {
		t.Errorf("WriteData() after timeout error = %v", err)
	}
}

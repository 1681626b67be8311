package ble

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/blebridge/internal/ble/protocol"
)

// transfer is one outbound write. A payload that fits the transfer unit is
// a single-chunk transfer with chunked=false. index only advances on the
// write-complete event of the previous chunk.
type transfer struct {
	char         CharID
	chunks       [][]byte
	index        int
	chunked      bool
	withResponse bool
}

func (t *transfer) total() int { return len(t.chunks) }

func (t *transfer) describe() string {
	if t.chunked {
		return fmt.Sprintf("chunk %d/%d to %s", t.index+1, t.total(), t.char.Characteristic)
	}
	return "write to " + t.char.Characteristic
}

// TransferProgress is a snapshot of the in-flight write.
type TransferProgress struct {
	Char        CharID
	Index       int // zero-based index of the chunk in flight
	TotalChunks int
	Chunked     bool
}

// ActiveTransfer reports the write currently in flight, if any.
func (m *Manager) ActiveTransfer() (TransferProgress, bool) {
	var (
		p  TransferProgress
		ok bool
	)
	_ = m.loop.do(func() {
		if m.ctx == nil || m.ctx.inflight == nil {
			return
		}
		t := m.ctx.inflight
		p = TransferProgress{Char: t.char, Index: t.index, TotalChunks: t.total(), Chunked: t.chunked}
		ok = true
	})
	return p, ok
}

// resolveWritable validates a write request against the live connection.
// The connection is checked first so nothing touches the transport while
// disconnected.
func (m *Manager) resolveWritable(serviceID, characteristicID string) (*connContext, CharID, *charState, error) {
	ctx, id, st, err := m.resolve(serviceID, characteristicID)
	if err != nil {
		return nil, CharID{}, nil, err
	}
	if !st.props.CanWrite() {
		return nil, CharID{}, nil, newError(KindWriteNotSupported, "characteristic %s does not support writes", id.Characteristic)
	}
	return ctx, id, st, nil
}

func (m *Manager) resolve(serviceID, characteristicID string) (*connContext, CharID, *charState, error) {
	ctx := m.ctx
	if !ctx.live() {
		return nil, CharID{}, nil, newError(KindNotConnected, "not connected to a device")
	}
	svc, err := protocol.ParseUUID(serviceID)
	if err != nil {
		return nil, CharID{}, nil, wrapError(KindInvalidEncoding, err, "invalid service UUID")
	}
	chr, err := protocol.ParseUUID(characteristicID)
	if err != nil {
		return nil, CharID{}, nil, wrapError(KindInvalidEncoding, err, "invalid characteristic UUID")
	}
	id := CharID{Service: svc, Characteristic: chr}
	st, err := ctx.lookup(id)
	if err != nil {
		return nil, CharID{}, nil, err
	}
	return ctx, id, st, nil
}

// startTransfer splits payload by the current transfer unit and sends the
// first chunk. Only one write may be in flight.
func (m *Manager) startTransfer(ctx *connContext, id CharID, st *charState, payload []byte) error {
	if ctx.inflight != nil {
		return newError(KindTransferBusy, "%s already in progress", ctx.inflight.describe())
	}
	chunks := protocol.ChunkBytes(payload, ctx.unit)
	if len(chunks) == 0 {
		chunks = [][]byte{payload}
	}
	t := &transfer{
		char:         id,
		chunks:       chunks,
		chunked:      len(chunks) > 1,
		withResponse: st.props.Has(PropWrite),
	}
	ctx.inflight = t

	if t.chunked {
		slog.Info("[BLE] chunked write", "char", id, "bytes", len(payload), "unit", ctx.unit, "chunks", t.total())
		m.emitState(fmt.Sprintf("payload of %d bytes will be sent in %d chunks", len(payload), t.total()))
	} else {
		m.emitState("sending data")
	}
	return m.sendChunk(ctx, t)
}

// sendChunk writes the chunk at t.index. It quietly does nothing once the
// connection or the transfer has been replaced.
func (m *Manager) sendChunk(ctx *connContext, t *transfer) error {
	if m.ctx != ctx || !ctx.live() || ctx.inflight != t {
		slog.Debug("[BLE] transfer halted", "char", t.char, "index", t.index)
		return nil
	}
	if t.chunked {
		m.emitState(fmt.Sprintf("sending chunk %d/%d", t.index+1, t.total()))
	}

	m.timers.schedule(timerWrite, m.opts.WriteTimeout, func() { m.onWriteTimeout(ctx, t) })
	chunk := t.chunks[t.index]
	if err := guard("write characteristic", func() error {
		return ctx.transport.WriteCharacteristic(t.char, chunk, t.withResponse)
	}); err != nil {
		m.timers.cancel(timerWrite)
		ctx.inflight = nil
		return wrapError(KindGattFailure, err, "%s failed", t.describe())
	}
	return nil
}

func (m *Manager) onWriteTimeout(ctx *connContext, t *transfer) {
	if m.ctx != ctx || ctx.inflight != t {
		return
	}
	ctx.inflight = nil
	m.timers.cancel(timerChunkDelay)
	slog.Error("[BLE] write timed out", "char", t.char, "index", t.index, "chunks", t.total())
	m.emitError(newError(KindTimeout, "timeout: %s not acknowledged within %s", t.describe(), m.opts.WriteTimeout))
}

func (m *Manager) onCharacteristicWrite(ctx *connContext, e CharacteristicWrite) {
	t := ctx.inflight
	if t == nil || t.char != e.Char {
		slog.Debug("[BLE] write completion without matching request", "char", e.Char, "status", e.Status)
		return
	}
	m.timers.cancel(timerWrite)

	if !e.Status.OK() {
		ctx.inflight = nil
		slog.Error("[BLE] write failed", "char", e.Char, "index", t.index, "status", e.Status)
		if !t.chunked {
			m.emitJSON(EventWriteCompleted, WritePayload{UUID: e.Char.Characteristic, Status: "failed"})
		}
		m.emitError(&Error{
			Kind:   KindGattFailure,
			Msg:    fmt.Sprintf("%s failed with status %d", t.describe(), e.Status),
			Status: e.Status,
		})
		return
	}
	m.touch(ctx)

	if t.index+1 < t.total() {
		t.index++
		m.timers.schedule(timerChunkDelay, m.opts.InterChunkDelay, func() {
			if err := m.sendChunk(ctx, t); err != nil {
				m.emitError(err)
			}
		})
		return
	}

	ctx.inflight = nil
	p := WritePayload{UUID: e.Char.Characteristic, Status: "success"}
	if t.chunked {
		p.Chunked = true
		p.TotalChunks = t.total()
		slog.Info("[BLE] chunked write complete", "char", e.Char, "chunks", t.total())
	}
	m.emitJSON(EventWriteCompleted, p)
	m.subscribe(ctx, e.Char)
}

func (m *Manager) read(serviceID, characteristicID string) error {
	ctx, id, st, err := m.resolve(serviceID, characteristicID)
	if err != nil {
		return err
	}
	if !st.props.Has(PropRead) {
		return newError(KindGattFailure, "characteristic %s is not readable", id.Characteristic)
	}
	if st.readInFlight {
		return newError(KindTransferBusy, "read of %s already in progress", id.Characteristic)
	}
	st.readInFlight = true
	if err := guard("read characteristic", func() error {
		return ctx.transport.ReadCharacteristic(id)
	}); err != nil {
		st.readInFlight = false
		return wrapError(KindGattFailure, err, "read of %s failed", id.Characteristic)
	}
	return nil
}

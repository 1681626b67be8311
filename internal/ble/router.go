package ble

import (
	"log/slog"
	"strings"

	"github.com/chaz8081/blebridge/internal/ble/protocol"
)

// route is the single dispatch point for hardware callbacks. gen is the
// generation of the context whose transport produced ev; anything from an
// older context is dropped.
func (m *Manager) route(gen uint64, ev Event) {
	ctx := m.ctx
	if ctx == nil || ctx.gen != gen {
		slog.Debug("[BLE] dropping event for stale connection", "gen", gen, "event", ev)
		return
	}
	if _, ok := ev.(StateChange); !ok && ctx.closing {
		slog.Debug("[BLE] dropping event, disconnect pending", "address", ctx.address, "event", ev)
		return
	}

	switch e := ev.(type) {
	case StateChange:
		m.onStateChange(ctx, e)
	case MTUChanged:
		m.onMTUChanged(ctx, e)
	case ServicesDiscovered:
		m.onServicesDiscovered(ctx, e)
	case DescriptorWrite:
		m.onDescriptorWrite(ctx, e)
	case CharacteristicChanged:
		m.onCharacteristicChanged(ctx, e)
	case CharacteristicWrite:
		m.onCharacteristicWrite(ctx, e)
	case CharacteristicRead:
		m.onCharacteristicRead(ctx, e)
	default:
		slog.Warn("[BLE] unknown event", "event", ev)
	}
}

func (m *Manager) onMTUChanged(ctx *connContext, e MTUChanged) {
	if !e.Status.OK() {
		slog.Warn("[BLE] MTU negotiation failed", "status", e.Status)
		return
	}
	ctx.mtuConfigured = true
	ctx.unit = protocol.TransferUnit(e.MTU)
	m.touch(ctx)
	slog.Debug("[BLE] MTU changed", "mtu", e.MTU, "unit", ctx.unit)
	m.startDiscovery(ctx)
}

func (m *Manager) onServicesDiscovered(ctx *connContext, e ServicesDiscovered) {
	if !e.Status.OK() {
		slog.Error("[BLE] service discovery failed", "status", e.Status)
		m.emitError(&Error{Kind: KindGattFailure, Msg: "service discovery failed", Status: e.Status})
		m.disconnect()
		return
	}
	if !ctx.live() {
		return
	}

	var services []Service
	if err := guard("services", func() error {
		services = ctx.transport.Services()
		return nil
	}); err != nil {
		m.emitError(wrapError(KindGattFailure, err, "service discovery failed"))
		m.disconnect()
		return
	}
	m.touch(ctx)

	ctx.services = normalizeServices(services)
	chars := make(map[CharID]*charState)
	uuids := make([]string, 0, len(ctx.services))
	for _, svc := range ctx.services {
		uuids = append(uuids, svc.UUID)
		for _, ch := range svc.Characteristics {
			id := CharID{Service: svc.UUID, Characteristic: ch.UUID}
			st := &charState{props: ch.Properties}
			if prev, ok := ctx.chars[id]; ok {
				st.notifyEnabled = prev.notifyEnabled
			}
			chars[id] = st
			slog.Debug("[BLE] discovered characteristic", "char", id, "props", ch.Properties)
		}
	}
	ctx.chars = chars

	m.subscribeAll(ctx)
	m.emit(EventServicesDiscovered, strings.Join(uuids, ","))
}

func (m *Manager) onDescriptorWrite(ctx *connContext, e DescriptorWrite) {
	st := ctx.chars[e.Char]
	if !e.Status.OK() {
		slog.Warn("[BLE] descriptor write failed", "char", e.Char, "descriptor", e.Descriptor, "status", e.Status)
		if st != nil {
			st.notifyEnabled = false
		}
		return
	}
	m.touch(ctx)
	if st == nil || !ctx.live() || !st.props.Has(PropRead) || st.readInFlight {
		return
	}

	// Read once after subscribing so the host gets the current value.
	st.readInFlight = true
	if err := guard("read characteristic", func() error {
		return ctx.transport.ReadCharacteristic(e.Char)
	}); err != nil {
		st.readInFlight = false
		slog.Warn("[BLE] probe read failed", "char", e.Char, "error", err)
		if isPanic(err) {
			m.disconnect()
		}
	}
}

func (m *Manager) onCharacteristicChanged(ctx *connContext, e CharacteristicChanged) {
	m.touch(ctx)
	if !ctx.live() {
		return
	}
	if !m.notifications.Load() {
		slog.Debug("[BLE] notifications switched off, dropping value", "char", e.Char)
		return
	}
	m.emitValue(e.Char, e.Value)
}

func (m *Manager) onCharacteristicRead(ctx *connContext, e CharacteristicRead) {
	if st := ctx.chars[e.Char]; st != nil {
		st.readInFlight = false
	}
	if !e.Status.OK() {
		slog.Warn("[BLE] characteristic read failed", "char", e.Char, "status", e.Status)
		return
	}
	m.touch(ctx)
	if !ctx.live() {
		return
	}
	m.emitValue(e.Char, e.Value)
}

func (m *Manager) emitValue(id CharID, value []byte) {
	m.emitJSON(EventCharacteristicChanged, ValuePayload{
		UUID:     id.Characteristic,
		Value:    protocol.DecodeValue(value),
		HexValue: protocol.EncodeHex(value),
	})
}

// normalizeServices lower-cases UUIDs so they compare equal to parsed
// request identifiers.
func normalizeServices(in []Service) []Service {
	out := make([]Service, 0, len(in))
	for _, svc := range in {
		s := Service{UUID: strings.ToLower(svc.UUID)}
		for _, ch := range svc.Characteristics {
			s.Characteristics = append(s.Characteristics, Characteristic{
				UUID:       strings.ToLower(ch.UUID),
				Properties: ch.Properties,
			})
		}
		out = append(out, s)
	}
	return out
}

package ble

import (
	"log/slog"

	"github.com/chaz8081/blebridge/internal/ble/protocol"
)

// subscribeAll arms notifications on every notifiable characteristic that
// is not armed yet.
func (m *Manager) subscribeAll(ctx *connContext) {
	for _, svc := range ctx.services {
		for _, ch := range svc.Characteristics {
			if ch.Properties.Has(PropNotify) {
				m.subscribe(ctx, CharID{Service: svc.UUID, Characteristic: ch.UUID})
			}
		}
	}
}

// subscribe enables notifications for id and writes the CCCD. Failures are
// logged and leave the flag false so the next successful write on id
// tries again.
func (m *Manager) subscribe(ctx *connContext, id CharID) {
	st := ctx.chars[id]
	if st == nil || !st.props.Has(PropNotify) || st.notifyEnabled || !ctx.live() {
		return
	}

	if err := guard("enable notifications", func() error {
		return ctx.transport.SetNotify(id, true)
	}); err != nil {
		slog.Warn("[BLE] enabling notifications failed", "char", id, "error", err)
		st.notifyEnabled = false
		return
	}
	st.notifyEnabled = true

	if err := guard("write CCCD", func() error {
		return ctx.transport.WriteDescriptor(id, protocol.CCCDUUID, protocol.EnableNotificationValue)
	}); err != nil {
		slog.Warn("[BLE] CCCD write failed", "char", id, "error", err)
		st.notifyEnabled = false
		return
	}
	slog.Debug("[BLE] notifications enabled", "char", id)
}

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/blebridge/internal/ble/protocol"
)

// backoffDelay returns the wait before retry number retry (1-based):
// base × retry.
func backoffDelay(retry int, base time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return base * time.Duration(retry)
}

// maxRetries is one higher until the address has connected once.
func (m *Manager) maxRetries() int {
	if !m.everConnected {
		return m.opts.MaxRetries + 1
	}
	return m.opts.MaxRetries
}

// maxAdapterWaits bounds how often a connect is deferred while the
// adapter reports it is powering on.
const maxAdapterWaits = 10

func (m *Manager) connect(address string) error {
	m.adapterWaits = 0
	return m.tryConnect(address)
}

func (m *Manager) tryConnect(address string) error {
	addr, err := protocol.ParseAddress(address)
	if err != nil {
		return wrapError(KindInvalidEncoding, err, "invalid device address")
	}
	if !m.adapterSupported() {
		return newError(KindAdapterUnavailable, "bluetooth adapter unavailable")
	}
	switch m.adapterState() {
	case AdapterTurningOn:
		if m.adapterWaits >= maxAdapterWaits {
			m.adapterWaits = 0
			return newError(KindAdapterDisabled, "bluetooth adapter did not finish powering on")
		}
		m.adapterWaits++
		slog.Info("[BLE] adapter still initializing, deferring connect", "address", addr, "delay", m.opts.AdapterInitDelay, "wait", m.adapterWaits)
		m.timers.schedule(timerAdapterWait, m.opts.AdapterInitDelay, func() {
			if err := m.tryConnect(addr); err != nil {
				m.emitError(err)
			}
		})
		return nil
	case AdapterOff:
		return newError(KindAdapterDisabled, "bluetooth is disabled")
	}
	if !m.perms.CanConnect() {
		return newError(KindMissingPermission, "missing bluetooth permissions: %s", strings.Join(m.perms.Missing(), ", "))
	}

	if addr != m.lastAddress {
		m.retryCount = 0
		m.everConnected = false
		m.lastAddress = addr
	}

	// The host saw the old link come up, so it must see it go down.
	if old := m.ctx; old != nil && (old.connected || old.closing) {
		m.teardown()
		m.emit(EventDisconnected, old.address)
	} else {
		m.teardown()
	}
	return m.startAttempt()
}

// startAttempt builds a fresh context for lastAddress and opens the
// transport. Direct connect is used for every retry; only the first attempt
// asks the stack to auto-connect.
func (m *Manager) startAttempt() error {
	m.gen++
	ctx := newConnContext(m.gen, m.lastAddress)
	m.ctx = ctx

	first := m.retryCount == 0
	timeout := m.opts.ConnectTimeout
	if first {
		timeout *= 2
	}
	m.timers.schedule(timerConnect, timeout, func() { m.onConnectTimeout(ctx, timeout) })

	slog.Info("[BLE] connecting", "address", ctx.address, "attempt", m.retryCount+1, "autoConnect", first, "timeout", timeout)
	m.emitState("connecting to " + ctx.address)

	gen := ctx.gen
	sink := func(ev Event) {
		m.loop.post(func() { m.route(gen, ev) })
	}
	var tr Transport
	err := guard("open transport", func() error {
		var err error
		tr, err = m.adapter.Open(ctx.address, first, sink)
		return err
	})
	if err != nil {
		m.teardown()
		return wrapError(KindGattFailure, err, "connect to %s", ctx.address)
	}
	ctx.transport = tr
	return nil
}

func (m *Manager) onConnectTimeout(ctx *connContext, timeout time.Duration) {
	if m.ctx != ctx || ctx.connected {
		return
	}
	slog.Error("[BLE] connection timed out", "address", ctx.address, "timeout", timeout)
	m.emitError(newError(KindTimeout, "timeout: no connection to %s within %s; make sure the device is in range and not connected elsewhere", ctx.address, timeout))
	m.disconnect()
}

func (m *Manager) onStateChange(ctx *connContext, e StateChange) {
	if ctx.closing {
		if e.State == StateDisconnected {
			m.onDisconnected(ctx)
		}
		return
	}
	if !e.Status.OK() && !ctx.connected {
		m.retryOrFail(ctx, e.Status)
		return
	}
	if !e.Status.OK() {
		slog.Warn("[BLE] link error on established connection", "address", ctx.address, "status", e.Status, "state", e.State)
	}

	switch e.State {
	case StateConnected:
		if ctx.connected {
			return
		}
		m.onConnected(ctx)
	case StateDisconnected:
		m.onDisconnected(ctx)
	default:
		slog.Debug("[BLE] connection state changed", "address", ctx.address, "state", e.State)
	}
}

func (m *Manager) retryOrFail(ctx *connContext, status Status) {
	m.timers.cancel(timerConnect)
	limit := m.maxRetries()
	if m.retryCount < limit {
		m.retryCount++
		delay := backoffDelay(m.retryCount, m.opts.RetryDelay)
		slog.Warn("[BLE] connect failed, retrying", "address", ctx.address, "status", status, "retry", m.retryCount, "max", limit, "delay", delay)
		m.emitState(fmt.Sprintf("connection failed (status %d), retry %d/%d in %s", status, m.retryCount, limit, delay))
		m.teardown()
		m.timers.schedule(timerRetry, delay, func() {
			if err := m.startAttempt(); err != nil {
				m.emitError(err)
			}
		})
		return
	}

	slog.Error("[BLE] connect failed, retries exhausted", "address", ctx.address, "status", status, "retries", m.retryCount)
	address := ctx.address
	m.teardown()
	m.retryCount = 0
	m.emitError(&Error{
		Kind:   KindFatal,
		Msg:    fmt.Sprintf("connection to %s failed after %d retries (status %d)", address, limit, status),
		Status: status,
	})
	m.emit(EventDisconnected, address)
}

func (m *Manager) onConnected(ctx *connContext) {
	m.timers.cancel(timerConnect)
	m.retryCount = 0
	m.everConnected = true
	ctx.connected = true
	m.touch(ctx)
	m.scheduleLiveness(ctx)

	slog.Info("[BLE] connected", "address", ctx.address)

	if err := guard("request connection priority", func() error {
		return ctx.transport.RequestConnectionPriority(PriorityHigh)
	}); err != nil {
		slog.Warn("[BLE] high connection priority not applied", "error", err)
	}
	if !ctx.mtuConfigured {
		if err := guard("request MTU", func() error {
			return ctx.transport.RequestMTU(m.opts.PreferredMTU)
		}); err != nil {
			slog.Warn("[BLE] MTU request failed, keeping default transfer unit", "mtu", m.opts.PreferredMTU, "error", err)
		}
	}

	m.emit(EventConnected, ctx.address)
	m.timers.schedule(timerSettle, m.opts.SettleDelay, func() { m.startDiscovery(ctx) })
}

func (m *Manager) onDisconnected(ctx *connContext) {
	address := ctx.address
	if address == "" {
		address = UnknownDevice
	}
	slog.Info("[BLE] disconnected", "address", address)
	m.timers.cancel(timerLiveness)
	ctx.connected = false
	m.teardown()
	m.emit(EventDisconnected, address)
}

// startDiscovery runs once per context, triggered by whichever comes
// first: the MTU response or the settle delay.
func (m *Manager) startDiscovery(ctx *connContext) {
	if m.ctx != ctx || !ctx.live() || ctx.discovering {
		return
	}
	ctx.discovering = true
	m.timers.cancel(timerSettle)

	slog.Debug("[BLE] discovering services", "address", ctx.address)
	if err := guard("discover services", ctx.transport.DiscoverServices); err != nil {
		m.emitError(wrapError(KindGattFailure, err, "service discovery failed"))
		m.disconnect()
	}
}

func (m *Manager) touch(ctx *connContext) {
	ctx.lastActivity = m.now()
}

func (m *Manager) scheduleLiveness(ctx *connContext) {
	m.timers.schedule(timerLiveness, m.opts.LivenessInterval, func() { m.checkLiveness(ctx) })
}

func (m *Manager) checkLiveness(ctx *connContext) {
	if m.ctx != ctx || !ctx.live() {
		return
	}
	idle := m.now().Sub(ctx.lastActivity)
	if idle > m.opts.MaxIdle {
		slog.Warn("[BLE] no GATT activity, assuming link is dead", "address", ctx.address, "idle", idle)
		m.emitError(newError(KindTimeout, "timeout: connection to %s lost, no activity for %s", ctx.address, idle.Round(time.Millisecond)))
		m.disconnect()
		return
	}
	m.scheduleLiveness(ctx)
}

// disconnect asks the transport to disconnect and arms a forced close in
// case the callback never comes. Without a transport it only reports.
func (m *Manager) disconnect() {
	m.retryCount = 0
	ctx := m.ctx
	if ctx != nil && ctx.closing {
		slog.Debug("[BLE] disconnect already pending", "address", ctx.address)
		return
	}
	if ctx == nil || ctx.transport == nil {
		address := UnknownDevice
		if ctx != nil && ctx.address != "" {
			address = ctx.address
		}
		m.teardown()
		m.emit(EventDisconnected, address)
		return
	}

	m.timers.cancelAll()
	ctx.connected = false
	ctx.closing = true
	ctx.inflight = nil
	m.emitState("disconnecting")

	address := ctx.address
	if err := guard("disconnect", ctx.transport.Disconnect); err != nil {
		slog.Warn("[BLE] disconnect request failed, closing", "address", address, "error", err)
		m.teardown()
		m.emit(EventDisconnected, address)
		return
	}
	m.timers.schedule(timerForcedClose, m.opts.DisconnectTimeout, func() {
		if m.ctx != ctx {
			return
		}
		slog.Warn("[BLE] disconnect timed out, forcing close", "address", address)
		m.teardown()
		m.emit(EventDisconnected, address)
	})
}

// teardown cancels every timer, closes the transport and drops the
// context. It emits nothing and is safe to call repeatedly.
func (m *Manager) teardown() {
	m.timers.cancelAll()
	ctx := m.ctx
	m.ctx = nil
	if ctx == nil {
		return
	}
	ctx.connected = false
	ctx.inflight = nil
	ctx.chars = nil
	ctx.services = nil
	if ctx.transport != nil {
		if err := guard("close transport", ctx.transport.Close); err != nil {
			slog.Warn("[BLE] closing transport failed", "address", ctx.address, "error", err)
		}
		ctx.transport = nil
	}
}

func isPanic(err error) bool {
	var pe *panicError
	return errors.As(err, &pe)
}

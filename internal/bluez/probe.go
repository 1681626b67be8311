// Package bluez answers adapter questions the GATT library cannot by
// talking to BlueZ over the system D-Bus: is there an adapter, is it
// powered, which devices are bonded, and may this process use it at all.
package bluez

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/chaz8081/blebridge/internal/ble"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// PermissionBus is reported by Missing when the system bus or BlueZ is
// unreachable.
const PermissionBus = "org.bluez"

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// bus is the slice of D-Bus the probe needs.
type bus interface {
	managedObjects() (managedObjects, error)
}

type systemBus struct {
	conn *dbus.Conn
}

func (b systemBus) managedObjects() (managedObjects, error) {
	var objs managedObjects
	obj := b.conn.Object(bluezService, "/")
	if err := obj.Call(objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", err)
	}
	return objs, nil
}

// Probe implements ble.SystemProbe and ble.Permissions for one adapter.
type Probe struct {
	adapter string // e.g. "hci0"

	mu  sync.Mutex
	bus bus
	err error // last bus connection error
}

// New returns a probe for the named adapter ("hci0" when empty). The
// system bus is connected lazily.
func New(adapter string) *Probe {
	if adapter == "" {
		adapter = "hci0"
	}
	return &Probe{adapter: adapter}
}

func (p *Probe) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + p.adapter)
}

func (p *Probe) objects() (managedObjects, error) {
	p.mu.Lock()
	if p.bus == nil {
		conn, err := dbus.SystemBus()
		if err != nil {
			p.err = fmt.Errorf("bluez: connect system bus: %w", err)
			p.mu.Unlock()
			return nil, p.err
		}
		p.bus = systemBus{conn: conn}
		p.err = nil
	}
	b := p.bus
	p.mu.Unlock()
	return b.managedObjects()
}

// Present reports whether BlueZ exposes the adapter.
func (p *Probe) Present() bool {
	objs, err := p.objects()
	if err != nil {
		slog.Debug("[BLE] bluez probe failed", "error", err)
		return false
	}
	_, ok := objs[p.adapterPath()][adapterIface]
	return ok
}

// State maps Adapter1.PowerState (or Powered on older BlueZ) to an
// ble.AdapterState.
func (p *Probe) State() ble.AdapterState {
	objs, err := p.objects()
	if err != nil {
		return ble.AdapterOff
	}
	props, ok := objs[p.adapterPath()][adapterIface]
	if !ok {
		return ble.AdapterOff
	}
	return adapterState(props)
}

// PairedDevices lists Device1 objects under the adapter with Paired set.
func (p *Probe) PairedDevices() ([]ble.Device, error) {
	objs, err := p.objects()
	if err != nil {
		return nil, err
	}
	return pairedDevices(objs, p.adapterPath()), nil
}

// CanConnect reports whether BlueZ is reachable on the system bus.
func (p *Probe) CanConnect() bool {
	_, err := p.objects()
	return err == nil
}

// Missing lists PermissionBus when the bus cannot be used.
func (p *Probe) Missing() []string {
	if p.CanConnect() {
		return nil
	}
	return []string{PermissionBus}
}

var (
	_ ble.SystemProbe = (*Probe)(nil)
	_ ble.Permissions = (*Probe)(nil)
)

func adapterState(props map[string]dbus.Variant) ble.AdapterState {
	if v, ok := props["PowerState"]; ok {
		s, _ := v.Value().(string)
		switch s {
		case "on":
			return ble.AdapterOn
		case "off-enabling":
			return ble.AdapterTurningOn
		default: // off, on-disabling, off-blocked
			return ble.AdapterOff
		}
	}
	if v, ok := props["Powered"]; ok {
		if on, _ := v.Value().(bool); on {
			return ble.AdapterOn
		}
	}
	return ble.AdapterOff
}

func pairedDevices(objs managedObjects, adapter dbus.ObjectPath) []ble.Device {
	prefix := string(adapter) + "/"
	var out []ble.Device
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		addr, _ := props["Address"].Value().(string)
		if addr == "" {
			continue
		}
		name, _ := props["Name"].Value().(string)
		if name == "" {
			name, _ = props["Alias"].Value().(string)
		}
		out = append(out, ble.Device{Name: name, Address: strings.ToUpper(addr)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

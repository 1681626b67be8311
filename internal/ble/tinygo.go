package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// ErrUnsupported is returned for requests the platform stack cannot honor.
var ErrUnsupported = errors.New("ble: not supported by this bluetooth stack")

// SystemProbe answers the adapter questions tinygo-org/bluetooth cannot:
// presence, power state and the bonded device list.
type SystemProbe interface {
	Present() bool
	State() AdapterState
	PairedDevices() ([]Device, error)
}

// TinyGoAdapter drives the host radio through tinygo-org/bluetooth. On
// Linux addresses are MACs, on macOS CoreBluetooth UUIDs.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	probe   SystemProbe

	enableOnce sync.Once
	enableErr  error

	// mu protects transports.
	mu         sync.Mutex
	transports map[string]*tinyGoTransport // keyed by upper-cased address
}

// NewTinyGoAdapter wraps the default adapter. probe may be nil, in which
// case the adapter is assumed present and powered.
func NewTinyGoAdapter(probe SystemProbe) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:    bluetooth.DefaultAdapter,
		probe:      probe,
		transports: make(map[string]*tinyGoTransport),
	}
}

func (a *TinyGoAdapter) Supported() bool {
	if a.probe == nil {
		return true
	}
	return a.probe.Present()
}

func (a *TinyGoAdapter) State() AdapterState {
	if a.probe == nil {
		return AdapterOn
	}
	return a.probe.State()
}

func (a *TinyGoAdapter) PairedDevices() ([]Device, error) {
	if a.probe == nil {
		return nil, nil
	}
	return a.probe.PairedDevices()
}

func (a *TinyGoAdapter) enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}
		// The adapter-level handler is the only place disconnects are
		// reported; route them to the transport that owns the address.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			key := strings.ToUpper(device.Address.String())
			a.mu.Lock()
			t, ok := a.transports[key]
			a.mu.Unlock()
			if ok {
				t.lost()
			}
		})
	})
	return a.enableErr
}

// Open starts connecting to address and returns immediately. The outcome
// arrives on sink as a StateChange. autoConnect has no equivalent in
// tinygo-org/bluetooth and is ignored.
func (a *TinyGoAdapter) Open(address string, autoConnect bool, sink func(Event)) (Transport, error) {
	if err := a.enable(); err != nil {
		return nil, err
	}
	var addr bluetooth.Address
	addr.Set(address)

	t := &tinyGoTransport{
		owner:   a,
		key:     strings.ToUpper(address),
		sink:    sink,
		chars:   make(map[CharID]*bluetooth.DeviceCharacteristic),
		closing: make(chan struct{}),
	}
	a.mu.Lock()
	a.transports[t.key] = t
	a.mu.Unlock()

	slog.Debug("[BLE] opening transport", "address", address, "autoConnect", autoConnect)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			slog.Warn("[BLE] connect failed", "address", address, "error", err)
			t.emit(StateChange{Status: StatusFailure, State: StateDisconnected})
			return
		}
		t.mu.Lock()
		if t.isClosed() {
			t.mu.Unlock()
			_ = device.Disconnect()
			return
		}
		t.device = &device
		t.mu.Unlock()
		t.emit(StateChange{Status: StatusSuccess, State: StateConnected})
	}()
	return t, nil
}

func (a *TinyGoAdapter) forget(t *tinyGoTransport) {
	a.mu.Lock()
	if a.transports[t.key] == t {
		delete(a.transports, t.key)
	}
	a.mu.Unlock()
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoTransport struct {
	owner *TinyGoAdapter
	key   string
	sink  func(Event)

	// mu protects device, services and chars.
	mu       sync.Mutex
	device   *bluetooth.Device
	services []Service
	chars    map[CharID]*bluetooth.DeviceCharacteristic

	closing   chan struct{}
	closeOnce sync.Once
}

func (t *tinyGoTransport) isClosed() bool {
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

// emit drops events once the transport is closed so nothing leaks into a
// newer connection.
func (t *tinyGoTransport) emit(ev Event) {
	if t.isClosed() {
		return
	}
	t.sink(ev)
}

func (t *tinyGoTransport) lost() {
	t.emit(StateChange{Status: StatusSuccess, State: StateDisconnected})
}

func (t *tinyGoTransport) dev() (*bluetooth.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return nil, fmt.Errorf("ble: %s: not connected", t.key)
	}
	return t.device, nil
}

func (t *tinyGoTransport) char(id CharID) (*bluetooth.DeviceCharacteristic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chars[id]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not discovered", id)
	}
	return c, nil
}

func (t *tinyGoTransport) Disconnect() error {
	d, err := t.dev()
	if err != nil {
		// Still connecting: report the link down ourselves.
		go t.lost()
		return nil
	}
	go func() {
		if err := d.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "address", t.key, "error", err)
			return
		}
		t.lost()
	}()
	return nil
}

func (t *tinyGoTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)
		t.owner.forget(t)
		t.mu.Lock()
		d := t.device
		t.device = nil
		t.mu.Unlock()
		if d != nil {
			go func() { _ = d.Disconnect() }()
		}
	})
	return nil
}

func (t *tinyGoTransport) RequestConnectionPriority(Priority) error {
	return ErrUnsupported
}

// RequestMTU is negotiated by the stack on connect; the result is
// reported after discovery instead.
func (t *tinyGoTransport) RequestMTU(int) error {
	return ErrUnsupported
}

func (t *tinyGoTransport) DiscoverServices() error {
	d, err := t.dev()
	if err != nil {
		return err
	}
	go func() {
		svcs, err := d.DiscoverServices(nil)
		if err != nil {
			slog.Error("[BLE] discover services", "address", t.key, "error", err)
			t.emit(ServicesDiscovered{Status: StatusFailure})
			return
		}

		var (
			services []Service
			mtu      uint16
		)
		chars := make(map[CharID]*bluetooth.DeviceCharacteristic)
		for i := range svcs {
			svc := Service{UUID: strings.ToLower(svcs[i].UUID().String())}
			cs, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				slog.Warn("[BLE] discover characteristics", "service", svc.UUID, "error", err)
				continue
			}
			for j := range cs {
				c := cs[j]
				uuid := strings.ToLower(c.UUID().String())
				// tinygo-org/bluetooth does not expose the property bits,
				// so every operation is offered and the peer decides.
				svc.Characteristics = append(svc.Characteristics, Characteristic{
					UUID:       uuid,
					Properties: PropRead | PropWrite | PropWriteWithoutResponse | PropNotify,
				})
				chars[CharID{Service: svc.UUID, Characteristic: uuid}] = &c
				if mtu == 0 {
					if m, err := c.GetMTU(); err == nil {
						mtu = m
					}
				}
			}
			services = append(services, svc)
		}

		t.mu.Lock()
		t.services = services
		t.chars = chars
		t.mu.Unlock()

		if mtu > 0 {
			t.emit(MTUChanged{MTU: int(mtu), Status: StatusSuccess})
		}
		t.emit(ServicesDiscovered{Status: StatusSuccess})
	}()
	return nil
}

func (t *tinyGoTransport) Services() []Service {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Service, len(t.services))
	copy(out, t.services)
	return out
}

// SetNotify only validates the characteristic; tinygo-org/bluetooth arms
// notifications together with the CCCD write in WriteDescriptor.
func (t *tinyGoTransport) SetNotify(id CharID, enabled bool) error {
	_, err := t.char(id)
	return err
}

func (t *tinyGoTransport) WriteDescriptor(id CharID, descriptor string, value []byte) error {
	c, err := t.char(id)
	if err != nil {
		return err
	}
	go func() {
		status := StatusSuccess
		err := c.EnableNotifications(func(buf []byte) {
			v := make([]byte, len(buf))
			copy(v, buf)
			t.emit(CharacteristicChanged{Char: id, Value: v})
		})
		if err != nil {
			slog.Warn("[BLE] enable notifications", "char", id, "error", err)
			status = StatusFailure
		}
		t.emit(DescriptorWrite{Char: id, Descriptor: descriptor, Status: status})
	}()
	return nil
}

func (t *tinyGoTransport) WriteCharacteristic(id CharID, value []byte, withResponse bool) error {
	c, err := t.char(id)
	if err != nil {
		return err
	}
	data := make([]byte, len(value))
	copy(data, value)
	go func() {
		var err error
		if withResponse {
			_, err = c.Write(data)
		} else {
			_, err = c.WriteWithoutResponse(data)
		}
		status := StatusSuccess
		if err != nil {
			slog.Warn("[BLE] write characteristic", "char", id, "error", err)
			status = StatusFailure
		}
		t.emit(CharacteristicWrite{Char: id, Status: status})
	}()
	return nil
}

func (t *tinyGoTransport) ReadCharacteristic(id CharID) error {
	c, err := t.char(id)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		if err != nil {
			slog.Warn("[BLE] read characteristic", "char", id, "error", err)
			t.emit(CharacteristicRead{Char: id, Status: StatusFailure})
			return
		}
		t.emit(CharacteristicRead{Char: id, Value: buf[:n], Status: StatusSuccess})
	}()
	return nil
}

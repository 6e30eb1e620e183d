package smp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

var characteristicSMPUUID, _ = bluetooth.ParseUUID("da2e7828-fbce-4e01-ae9e-261174997c48")

var _ Transport = (*BLETransport)(nil)

// BLETransport speaks SMP over the standard MCUmgr BLE characteristic. It
// implements Transport: Connect must be called before it is handed to
// Open.
type BLETransport struct {
	cfg BLETransportConfig

	adapter *bluetooth.Adapter
	device  bluetooth.Device

	smpCharacteristic bluetooth.DeviceCharacteristic

	frames chan []byte

	mu     sync.Mutex
	err    error
	closed bool

	writeMu sync.Mutex
}

// BLETransportConfig selects the device to connect to, by advertised name
// or address.
type BLETransportConfig struct {
	Name    string
	Address string
}

// NewBLETransport enables the default Bluetooth adapter and returns an
// unconnected transport; call Connect before using it.
func NewBLETransport(cfg BLETransportConfig) (*BLETransport, error) {
	if err := bluetooth.DefaultAdapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	return &BLETransport{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
		frames:  make(chan []byte, 16),
	}, nil
}

// Connect scans for a matching device, connects, discovers the SMP
// service/characteristic, and subscribes to notifications.
func (b *BLETransport) Connect(ctx context.Context) error {
	var found bool
	var deviceAddr bluetooth.Address

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := b.adapter.Scan(func(a *bluetooth.Adapter, sr bluetooth.ScanResult) {
		slog.Debug("found ble device", "name", sr.LocalName(), "addr", sr.Address)

		nameMatch := b.cfg.Name != "" && sr.LocalName() == b.cfg.Name
		addrMatch := b.cfg.Address != "" && sr.Address.String() == b.cfg.Address

		if !nameMatch && !addrMatch {
			return
		}

		deviceAddr = sr.Address
		found = true

		cancel()
		_ = b.adapter.StopScan()
	})
	if err != nil {
		return fmt.Errorf("start ble scan: %w", err)
	}

	slog.Info("started ble scan", "params", b.cfg)

	<-ctx.Done()
	_ = b.adapter.StopScan()

	if !found {
		return errors.New("device could not be found")
	}

	dev, err := b.adapter.Connect(deviceAddr, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(10 * time.Second),
		Timeout:           bluetooth.NewDuration(10 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("connect ble: %w", err)
	}

	b.device = dev

	b.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected || device.Address.String() != deviceAddr.String() {
			return
		}
		b.fail(errors.New("ble device disconnected"))
	})

	if err := b.setSMPCharacteristic(); err != nil {
		return fmt.Errorf("discover smp: %w", err)
	}

	if err := b.receiveCallback(); err != nil {
		return fmt.Errorf("set receive callback: %w", err)
	}

	return nil
}

// SendFrame implements Transport. Writes are serialized so that concurrent
// callers — e.g. a windowed uploader with more than one chunk in flight —
// never issue overlapping GATT writes on the same characteristic (§5
// "written by one task at a time").
func (b *BLETransport) SendFrame(ctx context.Context, frame []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if _, err := b.smpCharacteristic.WriteWithoutResponse(frame); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// fail records a terminal transport error and closes frames, unless the
// transport was already closed (by Close or an earlier failure).
func (b *BLETransport) fail(err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.err = err
	b.mu.Unlock()

	close(b.frames)
}

// Frames implements Transport.
func (b *BLETransport) Frames() <-chan []byte { return b.frames }

// Err implements Transport.
func (b *BLETransport) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close implements Transport.
func (b *BLETransport) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.device.Disconnect()
	close(b.frames)

	if err != nil {
		return fmt.Errorf("disconnect ble: %w", err)
	}
	return nil
}

func (b *BLETransport) setSMPCharacteristic() error {
	services, err := b.device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDSMP})
	if err != nil {
		return fmt.Errorf("get services: %w", err)
	}

	if len(services) != 1 {
		return errors.New("got no matching services")
	}

	smpService := services[0]

	chars, err := smpService.DiscoverCharacteristics([]bluetooth.UUID{characteristicSMPUUID})
	if err != nil {
		return fmt.Errorf("get characteristics: %w", err)
	}

	if len(chars) == 0 {
		return errors.New("characteristic not found")
	}

	b.smpCharacteristic = chars[0]

	return nil
}

// receiveCallback forwards every notified characteristic value onto the
// frames channel. A slow receiver only drops the frame with a warning log;
// it does not fail the transport. Genuine link loss is instead caught by
// the disconnect handler registered in Connect, which calls fail.
func (b *BLETransport) receiveCallback() error {
	err := b.smpCharacteristic.EnableNotifications(func(buf []byte) {
		frame := make([]byte, len(buf))
		copy(frame, buf)

		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		select {
		case b.frames <- frame:
		default:
			slog.Warn("ble frame dropped, receiver too slow")
		}
	})
	if err != nil {
		return fmt.Errorf("enable characteristic notifications: %w", err)
	}

	return nil
}

package aranet

import "context"

// Adapter is the part of a BLE stack the reader needs. Implementations live in
// aranet/hci (go-ble) and aranet/bluez (BlueZ over D-Bus).
type Adapter interface {
	// PowerState returns the current power state and a channel of later
	// changes. The channel is released when ctx is done.
	PowerState(ctx context.Context) (bool, <-chan bool, error)

	// Scan delivers advertisements to handler until ctx is done or the scan
	// fails. It returns nil or ctx.Err() after cancellation.
	Scan(ctx context.Context, handler func(Advertisement)) error

	// Connect establishes a connection to a peripheral found by Scan.
	Connect(ctx context.Context, p Peripheral) (Conn, error)
}

// Peripheral is an opaque handle to a discovered device. It is only valid for
// the Adapter that produced it.
type Peripheral interface {
	Name() string
	Address() string
}

// Advertisement is a single observed advertising packet.
type Advertisement interface {
	Peripheral
	RSSI() int
}

// Conn is a live connection to one peripheral.
type Conn interface {
	Services() ([]Service, error)
	Connected() bool
	Disconnect() error
}

type Service interface {
	UUID() string
	Characteristics() ([]Characteristic, error)
}

type Characteristic interface {
	UUID() string
	Read() ([]byte, error)
}

// PINSource supplies the passkey for legacy pairing challenges.
type PINSource interface {
	PIN(ctx context.Context, address string) (uint32, error)
}

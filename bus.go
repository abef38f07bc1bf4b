package magsense

import (
	"context"
	"errors"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

// ErrPayloadTooLong is reported by transports that cannot fit a transfer in a single bus transaction.
var ErrPayloadTooLong = errors.New("payload too long for transport buffer")

// ErrAddressNACK is reported by transports when the device did not acknowledge its address.
var ErrAddressNACK = errors.New("address not acknowledged")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// Initializer is implemented by transports that need a startup step before the first transfer.
type Initializer interface {
	Init(ctx context.Context) error
}

// RegisterTransport is a byte-level register accessor bound to a single device address.
type RegisterTransport interface {
	WriteRegister(ctx context.Context, register, value byte) error
	ReadRegister(ctx context.Context, register byte) (byte, error)
	ReadRegisters(ctx context.Context, register byte, buffer []byte) error
}

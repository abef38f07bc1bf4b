// Package embdbus gives register access to a device through the embd I2C driver of the host
// (Raspberry Pi, BeagleBone).
package embdbus

import (
	"context"
	"fmt"

	"github.com/kidoman/embd"
	_ "github.com/kidoman/embd/host/all" // registers host descriptors

	"github.com/mklimuk/magsense"
)

var _ magsense.RegisterTransport = &Bus{}
var _ magsense.Initializer = &Bus{}

// host driver hooks, swapped in tests
var (
	initI2C   = embd.InitI2C
	closeI2C  = embd.CloseI2C
	newI2CBus = embd.NewI2CBus
)

type Bus struct {
	bus     embd.I2CBus
	line    byte
	address byte
	// set when Init started the embd driver and Close has to stop it
	ownsDriver bool
}

// New creates a transport for the device at address on the given bus line. The bus is opened by Init.
func New(line, address byte) *Bus {
	return &Bus{line: line, address: address}
}

// NewFromBus uses an already opened embd bus.
func NewFromBus(bus embd.I2CBus, address byte) *Bus {
	return &Bus{bus: bus, address: address}
}

func (b *Bus) Init(ctx context.Context) error {
	if b.bus != nil {
		return nil
	}
	// embd.NewI2CBus panics when the driver cannot be initialized
	if err := initI2C(); err != nil {
		return fmt.Errorf("could not init embd i2c driver: %w", err)
	}
	b.bus = newI2CBus(b.line)
	b.ownsDriver = true
	return nil
}

func (b *Bus) WriteRegister(ctx context.Context, register, value byte) error {
	if b.bus == nil {
		return magsense.NewTransportError("write", register, errNotInitialized)
	}
	return magsense.NewTransportError("write", register, b.bus.WriteByteToReg(b.address, register, value))
}

func (b *Bus) ReadRegister(ctx context.Context, register byte) (byte, error) {
	if b.bus == nil {
		return 0x00, magsense.NewTransportError("read", register, errNotInitialized)
	}
	v, err := b.bus.ReadByteFromReg(b.address, register)
	if err != nil {
		return 0x00, magsense.NewTransportError("read", register, err)
	}
	return v, nil
}

func (b *Bus) ReadRegisters(ctx context.Context, register byte, buffer []byte) error {
	if len(buffer) == 0 {
		return magsense.NewTransportError("read", register, magsense.ErrEmptyBuffer)
	}
	if b.bus == nil {
		return magsense.NewTransportError("read", register, errNotInitialized)
	}
	return magsense.NewTransportError("read", register, b.bus.ReadFromReg(b.address, register, buffer))
}

// Close closes the bus. The embd driver is shut down as well when Init started it.
func (b *Bus) Close() error {
	if b.bus == nil {
		return nil
	}
	err := b.bus.Close()
	if b.ownsDriver {
		b.ownsDriver = false
		b.bus = nil
		if cerr := closeI2C(); err == nil {
			err = cerr
		}
	}
	return err
}

var errNotInitialized = fmt.Errorf("embd bus not initialized")

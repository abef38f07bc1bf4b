// Package gobotbus exposes a gobot I2C adaptor (e.g. the NanoPi NEO) as a magsense bus.
package gobotbus

import (
	"context"
	"fmt"
	"sync"

	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/magsense"
)

var _ magsense.I2CBus = &Bus{}

// Bus starts one gobot generic driver per device address on first use.
type Bus struct {
	mx      sync.Mutex
	adaptor i2c.Connector
	busNr   int
	drivers map[byte]*i2c.GenericDriver
	closer  func() error
}

// New wraps an already connected adaptor.
func New(adaptor i2c.Connector, busNr int) *Bus {
	return &Bus{
		adaptor: adaptor,
		busNr:   busNr,
		drivers: make(map[byte]*i2c.GenericDriver),
	}
}

// NewNanoPi connects the I2C part of the NanoPi NEO adaptor.
func NewNanoPi(busNr int) (*Bus, error) {
	npi := nanopi.NewNeoAdaptor()
	err := npi.I2cBusAdaptor.Connect()
	if err != nil {
		return nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	b := New(npi, busNr)
	b.closer = npi.I2cBusAdaptor.Finalize
	return b, nil
}

func (b *Bus) driver(address byte) (*i2c.GenericDriver, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if d, ok := b.drivers[address]; ok {
		return d, nil
	}
	d := i2c.NewGenericDriver(b.adaptor, fmt.Sprintf("dev-%#x", address), int(address), func(c i2c.Config) {
		c.SetBus(b.busNr)
	})
	err := d.Start()
	if err != nil {
		return nil, fmt.Errorf("start error: %w", err)
	}
	b.drivers[address] = d
	return d, nil
}

func (b *Bus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d, err := b.driver(address)
	if err != nil {
		return err
	}
	err = d.Read(buffer)
	if err != nil {
		return fmt.Errorf("read from %x: %w", address, err)
	}
	return nil
}

func (b *Bus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d, err := b.driver(address)
	if err != nil {
		return err
	}
	err = d.Write(buffer)
	if err != nil {
		return fmt.Errorf("write to %x: %w", address, err)
	}
	return nil
}

func (b *Bus) Release(ctx context.Context) error {
	return nil
}

// Close halts the started drivers and finalizes the adaptor if the bus created it.
func (b *Bus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	for addr, d := range b.drivers {
		_ = d.Halt()
		delete(b.drivers, addr)
	}
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

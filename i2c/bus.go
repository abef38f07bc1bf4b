package i2c

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mklimuk/magsense"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

var _ magsense.I2CBus = &GenericBus{}

// GenericBus is an I2C bus exposed by the host (e.g. /dev/i2c-1 on a Raspberry Pi) and driven by periph.
type GenericBus struct {
	bus i2c.BusCloser
}

// NewGenericBus opens the bus by name. An empty name opens the first bus found.
func NewGenericBus(dev string) (*GenericBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("periph driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	return &GenericBus{
		bus: bus,
	}, nil
}

// Buses lists the names of the I2C buses registered on the host.
func Buses() ([]string, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	var names []string
	for _, ref := range i2creg.All() {
		names = append(names, ref.Name)
	}
	return names, nil
}

// SetSpeed changes the bus clock, e.g. 400*physic.KiloHertz for fast mode.
func (b *GenericBus) SetSpeed(f physic.Frequency) error {
	return b.bus.SetSpeed(f)
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, classify(err))
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, classify(err))
	}
	return nil
}

func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) Close() error {
	return b.bus.Close()
}

// classify maps the kernel driver's missing-acknowledge errors onto ErrAddressNACK.
// The i2c-dev ioctl reports an unacknowledged address as ENXIO or EREMOTEIO.
func classify(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "no such device or address") || strings.Contains(msg, "remote I/O error") {
		return fmt.Errorf("%w: %w", magsense.ErrAddressNACK, err)
	}
	return err
}

package adapter

import (
	"context"
	"fmt"
)

type gpioReader interface {
	ReadGPIO(ctx context.Context) (MCP2221GPIOValues, error)
}

// ReadyPin watches a data ready output wired to one of the MCP2221 GP pins.
type ReadyPin struct {
	gpio      gpioReader
	pin       int
	activeLow bool
}

type ReadyPinOpt func(*ReadyPin)

// ActiveLow inverts the pin level. HMC5883L pulls DRDY low when data is ready.
func ActiveLow() ReadyPinOpt {
	return func(p *ReadyPin) {
		p.activeLow = true
	}
}

func NewReadyPin(gpio gpioReader, pin int, opts ...ReadyPinOpt) (*ReadyPin, error) {
	if pin < 0 || pin > 3 {
		return nil, fmt.Errorf("invalid GP pin %d", pin)
	}
	p := &ReadyPin{gpio: gpio, pin: pin}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ConfigureInput switches the pin of the adapter to GPIO input, keeping the other pins untouched.
func ConfigureInput(ctx context.Context, d *MCP2221, pin int) error {
	params, err := d.GetGPIOParameters(ctx)
	if err != nil {
		return fmt.Errorf("could not read GP settings: %w", err)
	}
	params.SetInput(pin)
	return d.SetGPIOParameters(ctx, params)
}

func (p *ReadyPin) Ready(ctx context.Context) (bool, error) {
	values, err := p.gpio.ReadGPIO(ctx)
	if err != nil {
		return false, err
	}
	value, mode := values.Value(p.pin)
	if mode != GPIOModeIn {
		return false, fmt.Errorf("GP%d is not configured as input (%s)", p.pin, mode)
	}
	return (value != 0) != p.activeLow, nil
}

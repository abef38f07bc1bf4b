package magsense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// TransportCode classifies a bus failure.
type TransportCode uint8

const (
	CodeNone TransportCode = iota
	CodePayloadTooLong
	CodeAddressNACK
	CodeOther
)

func (c TransportCode) String() string {
	switch c {
	case CodeNone:
		return "no error"
	case CodePayloadTooLong:
		return "payload too long"
	case CodeAddressNACK:
		return "address not acknowledged"
	default:
		return "bus error"
	}
}

var ErrEmptyBuffer = errors.New("empty read buffer")

// TransportError is returned by register transports for every failed bus transaction.
type TransportError struct {
	Code     TransportCode
	Op       string
	Register byte
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s register %#x: %s: %v", e.Op, e.Register, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the transport code carried by err. The second value is false
// when err does not originate from a transport.
func CodeOf(err error) (TransportCode, bool) {
	if err == nil {
		return CodeNone, false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code, true
	}
	return CodeOther, false
}

// NewTransportError wraps err into a TransportError, classifying it by the bus sentinel errors.
// Errors that already are transport errors are returned as is.
func NewTransportError(op string, register byte, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	code := CodeOther
	switch {
	case errors.Is(err, ErrPayloadTooLong):
		code = CodePayloadTooLong
	case errors.Is(err, ErrAddressNACK):
		code = CodeAddressNACK
	}
	return &TransportError{Code: code, Op: op, Register: register, Err: err}
}

var _ RegisterTransport = &Device{}

// Device gives register level access to a device sitting on an addressable bus.
// Reads set the register pointer with a one byte write and then read from the device.
type Device struct {
	bus        I2CBus
	address    byte
	retryLimit int
}

type DeviceOpt func(*Device)

// WithBusyRetries sets how many times a transfer is attempted when the bus reports ErrBusBusy.
func WithBusyRetries(limit int) DeviceOpt {
	return func(d *Device) {
		if limit > 0 {
			d.retryLimit = limit
		}
	}
}

func NewDevice(bus I2CBus, address byte, opts ...DeviceOpt) *Device {
	d := &Device{bus: bus, address: address, retryLimit: 1}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init starts the underlying bus if it needs it.
func (d *Device) Init(ctx context.Context) error {
	starter, ok := d.bus.(Initializer)
	if !ok {
		return nil
	}
	return NewTransportError("init", 0, starter.Init(ctx))
}

func (d *Device) WriteRegister(ctx context.Context, register, value byte) error {
	err := d.withRetry(ctx, func() error {
		return d.bus.WriteToAddr(ctx, d.address, []byte{register, value})
	})
	if err != nil {
		return NewTransportError("write", register, err)
	}
	slog.Debug("register write", "addr", d.address, "reg", register, "value", value)
	return nil
}

func (d *Device) ReadRegister(ctx context.Context, register byte) (byte, error) {
	buf := make([]byte, 1)
	err := d.ReadRegisters(ctx, register, buf)
	if err != nil {
		return 0x00, err
	}
	return buf[0], nil
}

func (d *Device) ReadRegisters(ctx context.Context, register byte, buffer []byte) error {
	if len(buffer) == 0 {
		return NewTransportError("read", register, ErrEmptyBuffer)
	}
	err := d.withRetry(ctx, func() error {
		err := d.bus.WriteToAddr(ctx, d.address, []byte{register})
		if err != nil {
			return fmt.Errorf("could not set register pointer: %w", err)
		}
		return d.bus.ReadFromAddr(ctx, d.address, buffer)
	})
	if err != nil {
		return NewTransportError("read", register, err)
	}
	slog.Debug("register read", "addr", d.address, "reg", register, "len", len(buffer))
	return nil
}

func (d *Device) withRetry(ctx context.Context, tx func() error) error {
	var err error
	for i := d.retryLimit; i > 0; i-- {
		err = tx()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrBusBusy) {
			return err
		}
		// try to release the bus
		_ = d.bus.Release(ctx)
	}
	return fmt.Errorf("retry limit reached: %w", err)
}

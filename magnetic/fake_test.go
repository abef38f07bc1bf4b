package magnetic

import (
	"context"
	"math"
)

// fakeChip emulates the HMC5883L register file. Starting a single measurement loads the
// data registers from field (plus the bias field when self-test bias is on), raises RDY
// and puts the device back to idle.
type fakeChip struct {
	regs        [13]byte
	field       Vector
	neverReady  bool
	initErr     error
	initialized bool
	readHook    func(reg byte) error
	writeHook   func(reg, value byte) error
	ops         int
	statusReads int
	writes      [][2]byte
}

func newFakeChip() *fakeChip {
	f := &fakeChip{}
	f.regs[regConfigA] = 0x10
	f.regs[regConfigB] = 0x20
	f.regs[regMode] = 0x01
	copy(f.regs[regIdentA:], identification)
	return f
}

func (f *fakeChip) Init(ctx context.Context) error {
	f.initialized = f.initErr == nil
	return f.initErr
}

func (f *fakeChip) WriteRegister(ctx context.Context, register, value byte) error {
	f.ops++
	if f.writeHook != nil {
		if err := f.writeHook(register, value); err != nil {
			return err
		}
	}
	f.writes = append(f.writes, [2]byte{register, value})
	f.regs[register] = value
	if register == regMode && value&maskMode == byte(ModeSingle) {
		f.measure()
	}
	return nil
}

func (f *fakeChip) ReadRegister(ctx context.Context, register byte) (byte, error) {
	buf := make([]byte, 1)
	err := f.ReadRegisters(ctx, register, buf)
	return buf[0], err
}

func (f *fakeChip) ReadRegisters(ctx context.Context, register byte, buffer []byte) error {
	f.ops++
	if f.readHook != nil {
		if err := f.readHook(register); err != nil {
			return err
		}
	}
	for i := range buffer {
		reg := (int(register) + i) % len(f.regs)
		if reg == int(regStatus) {
			f.statusReads++
		}
		buffer[i] = f.regs[reg]
	}
	if register == regData && len(buffer) >= 6 {
		f.regs[regStatus] &^= statusReady
	}
	return nil
}

func (f *fakeChip) measure() {
	field := f.field
	switch BiasMode(f.regs[regConfigA] & maskBias) {
	case BiasPositive:
		field = field.Add(BiasField)
	case BiasNegative:
		field = field.Sub(BiasField)
	}
	res := Gain(f.regs[regConfigB] >> 5).Resolution()
	f.setRaw(counts(field.X, res), counts(field.Y, res), counts(field.Z, res))
	if !f.neverReady {
		f.regs[regStatus] |= statusReady
	}
	f.regs[regMode] = f.regs[regMode]&bitHighSpeed | byte(ModeIdle)
}

func (f *fakeChip) setRaw(x, y, z int16) {
	for i, v := range []int16{x, z, y} {
		f.regs[int(regData)+2*i] = byte(uint16(v) >> 8)
		f.regs[int(regData)+2*i+1] = byte(v)
	}
}

func (f *fakeChip) setData(data ...byte) {
	copy(f.regs[regData:regStatus], data)
}

func counts(mG, resolution float64) int16 {
	c := math.Round(mG / resolution)
	if c < -2048 || c > 2047 {
		return SaturationValue
	}
	return int16(c)
}

type fakeReadyLine struct {
	ready bool
	err   error
	calls int
}

func (l *fakeReadyLine) Ready(ctx context.Context) (bool, error) {
	l.calls++
	return l.ready, l.err
}

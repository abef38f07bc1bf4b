package magnetic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/magsense"
)

// ReadyLine reports the state of the DRDY output of the sensor when it is wired to the host.
type ReadyLine interface {
	Ready(ctx context.Context) (bool, error)
}

// Settings is the last known device configuration.
type Settings struct {
	Gain            Gain            `yaml:"gain"`
	AveragingRate   AveragingRate   `yaml:"averaging_rate"`
	OutputRate      OutputRate      `yaml:"output_rate"`
	MeasurementMode MeasurementMode `yaml:"measurement_mode"`
	BiasMode        BiasMode        `yaml:"bias_mode"`
	HighSpeed       bool            `yaml:"high_speed"`
}

// power-on register defaults: CRA 0x10, CRB 0x20, MR 0x01
var powerOnSettings = Settings{
	Gain:            Gain130,
	AveragingRate:   Average1,
	OutputRate:      Rate15Hz,
	MeasurementMode: ModeSingle,
	BiasMode:        BiasNone,
}

// Status is the decoded content of the status register.
type Status struct {
	Raw   byte `yaml:"raw"`
	Lock  bool `yaml:"lock"`
	Ready bool `yaml:"ready"`
}

type HMC5883LOpts struct {
	Address     byte
	BusyRetries int
	ReadyLine   ReadyLine
}

type HMC5883LOpt func(*HMC5883LOpts)

func WithAddress(address byte) HMC5883LOpt {
	return func(o *HMC5883LOpts) {
		o.Address = address
	}
}

// WithBusyRetries sets how many times a register transfer is attempted while the bus reports busy.
func WithBusyRetries(retries int) HMC5883LOpt {
	return func(o *HMC5883LOpts) {
		o.BusyRetries = retries
	}
}

// WithReadyLine makes WaitUntilReady watch the DRDY pin instead of polling the status register.
func WithReadyLine(line ReadyLine) HMC5883LOpt {
	return func(o *HMC5883LOpts) {
		o.ReadyLine = line
	}
}

// HMC5883L represents Honeywell HMC5883L 3-axis digital compass.
// Typical usage:
//
//	s := NewHMC5883L(bus)
//	err := s.Initialize(ctx, false)
//	v, err := s.ReadCalibratedValuesSingle(ctx, 10, 7*time.Millisecond)
//
// Readings are returned in milligauss. HMC5883L is not safe for concurrent use; every
// setter is a read-modify-write of a device register.
type HMC5883L struct {
	regs        magsense.RegisterTransport
	readyLine   ReadyLine
	settings    Settings
	calibration Vector
}

// NewHMC5883L creates a driver talking to the sensor over an addressable I2C bus.
// No bus traffic happens until Initialize is called.
func NewHMC5883L(bus magsense.I2CBus, opts ...HMC5883LOpt) *HMC5883L {
	config := HMC5883LOpts{
		Address:     DefaultAddress,
		BusyRetries: 1,
	}
	for _, opt := range opts {
		opt(&config)
	}
	dev := magsense.NewDevice(bus, config.Address, magsense.WithBusyRetries(config.BusyRetries))
	return newHMC5883L(dev, config)
}

// NewHMC5883LFromTransport creates a driver on top of a transport that already provides
// register access. The address option is ignored.
func NewHMC5883LFromTransport(regs magsense.RegisterTransport, opts ...HMC5883LOpt) *HMC5883L {
	var config HMC5883LOpts
	for _, opt := range opts {
		opt(&config)
	}
	return newHMC5883L(regs, config)
}

func newHMC5883L(regs magsense.RegisterTransport, config HMC5883LOpts) *HMC5883L {
	return &HMC5883L{
		regs:        regs,
		readyLine:   config.ReadyLine,
		settings:    powerOnSettings,
		calibration: unitVector,
	}
}

// Initialize starts the transport. Unless skipConfig is set the device is configured with
// gain ±1.3Ga, 1 sample averaging, 15Hz output rate, idle mode and no bias, and the calibration
// is reset. With skipConfig the cached settings are refreshed from the device instead.
func (s *HMC5883L) Initialize(ctx context.Context, skipConfig bool) error {
	if starter, ok := s.regs.(magsense.Initializer); ok {
		if err := starter.Init(ctx); err != nil {
			return fmt.Errorf("hmc5883l: transport startup failed: %w", magsense.NewTransportError("init", 0, err))
		}
	}
	if skipConfig {
		return s.refresh(ctx)
	}
	s.calibration = unitVector
	if err := s.SetGain(ctx, Gain130); err != nil {
		return err
	}
	if err := s.SetAveragingRate(ctx, Average1); err != nil {
		return err
	}
	if err := s.SetOutputRate(ctx, Rate15Hz); err != nil {
		return err
	}
	if err := s.SetMeasurementMode(ctx, ModeIdle); err != nil {
		return err
	}
	return s.SetBiasMode(ctx, BiasNone)
}

func (s *HMC5883L) refresh(ctx context.Context) error {
	if _, err := s.Gain(ctx, true); err != nil {
		return err
	}
	if _, err := s.AveragingRate(ctx, true); err != nil {
		return err
	}
	if _, err := s.OutputRate(ctx, true); err != nil {
		return err
	}
	if _, err := s.MeasurementMode(ctx, true); err != nil {
		return err
	}
	if _, err := s.BiasMode(ctx, true); err != nil {
		return err
	}
	_, err := s.HighSpeedMode(ctx, true)
	return err
}

// Settings returns the cached device configuration.
func (s *HMC5883L) Settings() Settings {
	return s.settings
}

// SetGain writes the gain level into configuration register B. The remaining bits of the register must be 0.
func (s *HMC5883L) SetGain(ctx context.Context, gain Gain) error {
	if !gain.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidGain, gain)
	}
	err := s.regs.WriteRegister(ctx, regConfigB, byte(gain)<<5)
	if err != nil {
		return fmt.Errorf("hmc5883l: could not set gain: %w", err)
	}
	s.settings.Gain = gain
	return nil
}

func (s *HMC5883L) SetAveragingRate(ctx context.Context, rate AveragingRate) error {
	if !rate.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidAveragingRate, rate)
	}
	err := s.updateRegister(ctx, regConfigA, keepAveraging, byte(rate)<<5)
	if err != nil {
		return fmt.Errorf("hmc5883l: could not set averaging rate: %w", err)
	}
	s.settings.AveragingRate = rate
	return nil
}

// SetOutputRate sets the data output rate used in continuous measurement mode.
func (s *HMC5883L) SetOutputRate(ctx context.Context, rate OutputRate) error {
	if !rate.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidOutputRate, rate)
	}
	err := s.updateRegister(ctx, regConfigA, keepOutputRate, byte(rate)<<2)
	if err != nil {
		return fmt.Errorf("hmc5883l: could not set output rate: %w", err)
	}
	s.settings.OutputRate = rate
	return nil
}

// SetMeasurementMode switches between continuous, single and idle mode. In single mode the
// device makes one measurement, raises RDY and goes back to idle on its own.
func (s *HMC5883L) SetMeasurementMode(ctx context.Context, mode MeasurementMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMeasurementMode, mode)
	}
	err := s.updateRegister(ctx, regMode, keepMode, byte(mode))
	if err != nil {
		return fmt.Errorf("hmc5883l: could not set measurement mode: %w", err)
	}
	s.settings.MeasurementMode = mode
	return nil
}

// SetBiasMode enables the self-test bias field. With positive or negative bias each
// measurement returns the difference between a biased and an unbiased measurement.
func (s *HMC5883L) SetBiasMode(ctx context.Context, mode BiasMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidBiasMode, mode)
	}
	err := s.updateRegister(ctx, regConfigA, keepBias, byte(mode))
	if err != nil {
		return fmt.Errorf("hmc5883l: could not set bias mode: %w", err)
	}
	s.settings.BiasMode = mode
	return nil
}

// SetHighSpeedMode enables or disables high speed I2C (3400kHz).
func (s *HMC5883L) SetHighSpeedMode(ctx context.Context, enabled bool) error {
	var bit byte
	if enabled {
		bit = bitHighSpeed
	}
	err := s.updateRegister(ctx, regMode, keepHighSpeed, bit)
	if err != nil {
		return fmt.Errorf("hmc5883l: could not set high speed mode: %w", err)
	}
	s.settings.HighSpeed = enabled
	return nil
}

func (s *HMC5883L) updateRegister(ctx context.Context, reg, keep, bits byte) error {
	current, err := s.regs.ReadRegister(ctx, reg)
	if err != nil {
		return err
	}
	return s.regs.WriteRegister(ctx, reg, current&keep|bits)
}

// Gain returns the gain level. The cached value is returned unless update is set.
func (s *HMC5883L) Gain(ctx context.Context, update bool) (Gain, error) {
	if !update {
		return s.settings.Gain, nil
	}
	reg, err := s.regs.ReadRegister(ctx, regConfigB)
	if err != nil {
		return s.settings.Gain, fmt.Errorf("hmc5883l: could not read gain: %w", err)
	}
	s.settings.Gain = Gain(reg >> 5)
	return s.settings.Gain, nil
}

func (s *HMC5883L) AveragingRate(ctx context.Context, update bool) (AveragingRate, error) {
	if !update {
		return s.settings.AveragingRate, nil
	}
	reg, err := s.regs.ReadRegister(ctx, regConfigA)
	if err != nil {
		return s.settings.AveragingRate, fmt.Errorf("hmc5883l: could not read averaging rate: %w", err)
	}
	s.settings.AveragingRate = AveragingRate(reg & maskAveraging >> 5)
	return s.settings.AveragingRate, nil
}

func (s *HMC5883L) OutputRate(ctx context.Context, update bool) (OutputRate, error) {
	if !update {
		return s.settings.OutputRate, nil
	}
	reg, err := s.regs.ReadRegister(ctx, regConfigA)
	if err != nil {
		return s.settings.OutputRate, fmt.Errorf("hmc5883l: could not read output rate: %w", err)
	}
	s.settings.OutputRate = OutputRate(reg & maskOutputRate >> 2)
	return s.settings.OutputRate, nil
}

// MeasurementMode returns the measurement mode. While the cached mode is single the
// device is always queried since it returns to idle once the measurement is done.
func (s *HMC5883L) MeasurementMode(ctx context.Context, update bool) (MeasurementMode, error) {
	if !update && s.settings.MeasurementMode != ModeSingle {
		return s.settings.MeasurementMode, nil
	}
	reg, err := s.regs.ReadRegister(ctx, regMode)
	if err != nil {
		return s.settings.MeasurementMode, fmt.Errorf("hmc5883l: could not read measurement mode: %w", err)
	}
	s.settings.MeasurementMode = MeasurementMode(reg & maskMode)
	return s.settings.MeasurementMode, nil
}

func (s *HMC5883L) BiasMode(ctx context.Context, update bool) (BiasMode, error) {
	if !update {
		return s.settings.BiasMode, nil
	}
	reg, err := s.regs.ReadRegister(ctx, regConfigA)
	if err != nil {
		return s.settings.BiasMode, fmt.Errorf("hmc5883l: could not read bias mode: %w", err)
	}
	s.settings.BiasMode = BiasMode(reg & maskBias)
	return s.settings.BiasMode, nil
}

func (s *HMC5883L) HighSpeedMode(ctx context.Context, update bool) (bool, error) {
	if !update {
		return s.settings.HighSpeed, nil
	}
	reg, err := s.regs.ReadRegister(ctx, regMode)
	if err != nil {
		return s.settings.HighSpeed, fmt.Errorf("hmc5883l: could not read high speed mode: %w", err)
	}
	s.settings.HighSpeed = reg&bitHighSpeed != 0
	return s.settings.HighSpeed, nil
}

// MeasurementPeriod returns the time between two measurements at the cached output rate.
func (s *HMC5883L) MeasurementPeriod() time.Duration {
	hz := s.settings.OutputRate.Hz()
	if hz == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / hz)
}

// Identify reads the identification registers and checks them against "H43".
func (s *HMC5883L) Identify(ctx context.Context) (string, error) {
	buf := make([]byte, len(identification))
	err := s.regs.ReadRegisters(ctx, regIdentA, buf)
	if err != nil {
		return "", fmt.Errorf("hmc5883l: could not read identification: %w", err)
	}
	id := string(buf)
	if id != identification {
		return id, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return id, nil
}

// Status reads the status register. On failure Raw is set to StatusInvalid.
func (s *HMC5883L) Status(ctx context.Context) (Status, error) {
	reg, err := s.regs.ReadRegister(ctx, regStatus)
	if err != nil {
		return Status{Raw: StatusInvalid}, fmt.Errorf("hmc5883l: could not read status: %w", err)
	}
	raw := reg & (statusLock | statusReady)
	return Status{
		Raw:   raw,
		Lock:  raw&statusLock != 0,
		Ready: raw&statusReady != 0,
	}, nil
}

// IsReady reports whether a complete measurement can be read.
func (s *HMC5883L) IsReady(ctx context.Context) (bool, error) {
	if s.readyLine != nil {
		ready, err := s.readyLine.Ready(ctx)
		if err != nil {
			return false, fmt.Errorf("hmc5883l: could not read DRDY line: %w", err)
		}
		return ready, nil
	}
	status, err := s.Status(ctx)
	if err != nil {
		return false, err
	}
	return status.Ready && !status.Lock, nil
}

// WaitUntilReady polls the device every interval until data is ready. At most maxRetries
// polls are made (0 means no limit); ErrNotReady is returned when they are exhausted.
func (s *HMC5883L) WaitUntilReady(ctx context.Context, maxRetries int, interval time.Duration) error {
	if err := validatePolling(maxRetries, interval); err != nil {
		return err
	}
	for poll := 1; ; poll++ {
		ready, err := s.IsReady(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if maxRetries > 0 && poll >= maxRetries {
			return fmt.Errorf("%w after %d polls", ErrNotReady, poll)
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func validatePolling(maxRetries int, interval time.Duration) error {
	if interval < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPollInterval, interval)
	}
	if maxRetries < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetryCount, maxRetries)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadRawValues reads the data output registers. The returned Saturation flags axes that
// overflowed.
func (s *HMC5883L) ReadRawValues(ctx context.Context) (RawVector, Saturation, error) {
	buf := make([]byte, 6)
	err := s.regs.ReadRegisters(ctx, regData, buf)
	if err != nil {
		return RawVector{}, 0, fmt.Errorf("hmc5883l: could not read data registers: %w", err)
	}
	raw := decodeRaw(buf)
	sat := raw.Saturation()
	if sat.Any() {
		slog.Debug("hmc5883l: axis saturated", "axes", sat.String(), "gain", s.settings.Gain.String())
	}
	return raw, sat, nil
}

// ReadScaledValues reads the data registers and converts them to mG using the cached gain.
func (s *HMC5883L) ReadScaledValues(ctx context.Context) (Vector, error) {
	v, _, err := s.readScaled(ctx)
	return v, err
}

func (s *HMC5883L) readScaled(ctx context.Context) (Vector, Saturation, error) {
	raw, sat, err := s.ReadRawValues(ctx)
	if err != nil {
		return Vector{}, 0, err
	}
	return raw.Scale(s.settings.Gain.Resolution()), sat, nil
}

// ReadScaledValuesSingle triggers a single measurement, waits for it and reads it. The
// previous measurement mode is restored afterwards, even when the measurement failed.
// When maxRetries polls pass without the device becoming ready the data is read anyway.
func (s *HMC5883L) ReadScaledValuesSingle(ctx context.Context, maxRetries int, pollInterval time.Duration) (Vector, error) {
	v, _, err := s.readScaledSingle(ctx, maxRetries, pollInterval)
	return v, err
}

func (s *HMC5883L) readScaledSingle(ctx context.Context, maxRetries int, pollInterval time.Duration) (Vector, Saturation, error) {
	if err := validatePolling(maxRetries, pollInterval); err != nil {
		return Vector{}, 0, err
	}
	previous, err := s.MeasurementMode(ctx, false)
	if err != nil {
		return Vector{}, 0, err
	}
	if err := s.SetMeasurementMode(ctx, ModeSingle); err != nil {
		return Vector{}, 0, err
	}
	var res Vector
	var sat Saturation
	err = s.WaitUntilReady(ctx, maxRetries, pollInterval)
	if errors.Is(err, ErrNotReady) {
		slog.Debug("hmc5883l: reading data without ready flag", "polls", maxRetries)
		err = nil
	}
	if err == nil {
		res, sat, err = s.readScaled(ctx)
	}
	if rerr := s.SetMeasurementMode(ctx, previous); rerr != nil {
		if err == nil {
			err = rerr
		} else {
			slog.Warn("hmc5883l: could not restore measurement mode", "mode", previous.String(), "error", rerr)
		}
	}
	if err != nil {
		return Vector{}, 0, err
	}
	return res, sat, nil
}

// ReadCalibratedValues is ReadScaledValues corrected by the calibration vector.
func (s *HMC5883L) ReadCalibratedValues(ctx context.Context) (Vector, error) {
	v, err := s.ReadScaledValues(ctx)
	if err != nil {
		return Vector{}, err
	}
	return v.Mul(s.calibration), nil
}

// ReadCalibratedValuesSingle is ReadScaledValuesSingle corrected by the calibration vector.
func (s *HMC5883L) ReadCalibratedValuesSingle(ctx context.Context, maxRetries int, pollInterval time.Duration) (Vector, error) {
	v, err := s.ReadScaledValuesSingle(ctx, maxRetries, pollInterval)
	if err != nil {
		return Vector{}, err
	}
	return v.Mul(s.calibration), nil
}

// MeasureCalibratedSingle is ReadCalibratedValuesSingle that also reports the axes which
// saturated in the same measurement. Saturated axes carry no field information.
func (s *HMC5883L) MeasureCalibratedSingle(ctx context.Context, maxRetries int, pollInterval time.Duration) (Vector, Saturation, error) {
	v, sat, err := s.readScaledSingle(ctx, maxRetries, pollInterval)
	if err != nil {
		return Vector{}, 0, err
	}
	return v.Mul(s.calibration), sat, nil
}

// RunPosTest makes a single measurement with the positive self-test bias applied.
func (s *HMC5883L) RunPosTest(ctx context.Context, maxRetries int, pollInterval time.Duration) (Vector, error) {
	return s.runBiasTest(ctx, BiasPositive, maxRetries, pollInterval)
}

// RunNegTest makes a single measurement with the negative self-test bias applied.
func (s *HMC5883L) RunNegTest(ctx context.Context, maxRetries int, pollInterval time.Duration) (Vector, error) {
	return s.runBiasTest(ctx, BiasNegative, maxRetries, pollInterval)
}

func (s *HMC5883L) runBiasTest(ctx context.Context, bias BiasMode, maxRetries int, pollInterval time.Duration) (Vector, error) {
	if err := validatePolling(maxRetries, pollInterval); err != nil {
		return Vector{}, err
	}
	if err := s.SetBiasMode(ctx, bias); err != nil {
		return Vector{}, err
	}
	res, err := s.ReadScaledValuesSingle(ctx, maxRetries, pollInterval)
	if rerr := s.SetBiasMode(ctx, BiasNone); rerr != nil {
		if err == nil {
			err = rerr
		} else {
			slog.Warn("hmc5883l: could not clear bias mode", "error", rerr)
		}
	}
	if err != nil {
		return Vector{}, fmt.Errorf("hmc5883l: %s bias test failed: %w", bias, err)
	}
	return res, nil
}

// Calibration returns the per-axis correction applied by ReadCalibratedValues. With update set
// a positive and a negative self-test is run first and the mean response magnitude, divided by
// the known bias field, becomes the new calibration.
func (s *HMC5883L) Calibration(ctx context.Context, update bool, maxRetries int, pollInterval time.Duration) (Vector, error) {
	if !update {
		return s.calibration, nil
	}
	pos, err := s.RunPosTest(ctx, maxRetries, pollInterval)
	if err != nil {
		return Vector{}, err
	}
	neg, err := s.RunNegTest(ctx, maxRetries, pollInterval)
	if err != nil {
		return Vector{}, err
	}
	s.calibration = pos.Sub(neg).Scale(0.5).Div(BiasField)
	slog.Debug("hmc5883l: calibration updated", "positive", pos.String(), "negative", neg.String(), "calibration", s.calibration.String())
	return s.calibration, nil
}

// RunCalibration runs the self-test and stores the new calibration.
func (s *HMC5883L) RunCalibration(ctx context.Context, maxRetries int, pollInterval time.Duration) (Vector, error) {
	return s.Calibration(ctx, true, maxRetries, pollInterval)
}

// SetCalibration replaces the calibration, e.g. with one stored by a previous run.
func (s *HMC5883L) SetCalibration(cal Vector) {
	s.calibration = cal
}

package magnetic

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/magsense"
)

func newTestSensor(t *testing.T, opts ...HMC5883LOpt) (*HMC5883L, *fakeChip) {
	t.Helper()
	chip := newFakeChip()
	s := NewHMC5883LFromTransport(chip, opts...)
	require.NoError(t, s.Initialize(context.Background(), false))
	chip.ops = 0
	chip.writes = nil
	return s, chip
}

func TestHMC5883L_InitializeDefaults(t *testing.T) {
	chip := newFakeChip()
	s := NewHMC5883LFromTransport(chip)
	s.SetCalibration(Vector{X: 2, Y: 2, Z: 2})

	err := s.Initialize(context.Background(), false)
	assert.NoError(t, err)
	assert.True(t, chip.initialized)
	assert.Equal(t, byte(0x10), chip.regs[regConfigA])
	assert.Equal(t, byte(0x20), chip.regs[regConfigB])
	assert.Equal(t, byte(0x02), chip.regs[regMode])
	assert.Equal(t, Settings{
		Gain:            Gain130,
		AveragingRate:   Average1,
		OutputRate:      Rate15Hz,
		MeasurementMode: ModeIdle,
		BiasMode:        BiasNone,
	}, s.Settings())
	cal, err := s.Calibration(context.Background(), false, 0, 0)
	assert.NoError(t, err)
	assert.Equal(t, unitVector, cal)
}

func TestHMC5883L_InitializeSkipConfig(t *testing.T) {
	chip := newFakeChip()
	chip.regs[regConfigA] = 0x78 // 8 samples, 75Hz, no bias
	chip.regs[regConfigB] = 0xE0
	chip.regs[regMode] = 0x80
	s := NewHMC5883LFromTransport(chip)
	s.SetCalibration(Vector{X: 1.1, Y: 0.9, Z: 1})

	err := s.Initialize(context.Background(), true)
	assert.NoError(t, err)
	assert.Empty(t, chip.writes)
	assert.Equal(t, Settings{
		Gain:            Gain810,
		AveragingRate:   Average8,
		OutputRate:      Rate75Hz,
		MeasurementMode: ModeContinuous,
		BiasMode:        BiasNone,
		HighSpeed:       true,
	}, s.Settings())
	cal, _ := s.Calibration(context.Background(), false, 0, 0)
	assert.Equal(t, Vector{X: 1.1, Y: 0.9, Z: 1}, cal)
}

func TestHMC5883L_InitializeFailures(t *testing.T) {
	t.Run("transport startup", func(t *testing.T) {
		chip := newFakeChip()
		chip.initErr = errors.New("no adapter")
		s := NewHMC5883LFromTransport(chip)
		err := s.Initialize(context.Background(), false)
		assert.ErrorContains(t, err, "no adapter")
		assert.Equal(t, 0, chip.ops)
		var te *magsense.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "init", te.Op)
		code, ok := magsense.CodeOf(err)
		assert.True(t, ok)
		assert.Equal(t, magsense.CodeOther, code)
	})
	t.Run("transport startup keeps the bus code", func(t *testing.T) {
		chip := newFakeChip()
		chip.initErr = fmt.Errorf("adapter: %w", magsense.ErrAddressNACK)
		err := NewHMC5883LFromTransport(chip).Initialize(context.Background(), true)
		code, ok := magsense.CodeOf(err)
		assert.True(t, ok)
		assert.Equal(t, magsense.CodeAddressNACK, code)
		assert.ErrorIs(t, err, magsense.ErrAddressNACK)
	})
	t.Run("refresh stops at first failure", func(t *testing.T) {
		chip := newFakeChip()
		readErr := errors.New("nack")
		chip.readHook = func(reg byte) error {
			if reg == regConfigA {
				return readErr
			}
			return nil
		}
		s := NewHMC5883LFromTransport(chip)
		err := s.Initialize(context.Background(), true)
		assert.ErrorIs(t, err, readErr)
		// gain read succeeded, averaging read failed
		assert.Equal(t, 2, chip.ops)
	})
}

func TestHMC5883L_GainRoundTrip(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()
	for g := Gain088; g <= Gain810; g++ {
		require.NoError(t, s.SetGain(ctx, g))
		assert.Equal(t, byte(g)<<5, chip.regs[regConfigB])
		cached, err := s.Gain(ctx, false)
		assert.NoError(t, err)
		assert.Equal(t, g, cached)
		read, err := s.Gain(ctx, true)
		assert.NoError(t, err)
		assert.Equal(t, g, read)
	}
}

func TestHMC5883L_InvalidParameters(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()
	before := s.Settings()

	assert.ErrorIs(t, s.SetGain(ctx, 8), ErrInvalidParameter)
	assert.ErrorIs(t, s.SetAveragingRate(ctx, 4), ErrInvalidParameter)
	assert.ErrorIs(t, s.SetOutputRate(ctx, 7), ErrInvalidParameter)
	assert.ErrorIs(t, s.SetMeasurementMode(ctx, 3), ErrInvalidParameter)
	assert.ErrorIs(t, s.SetBiasMode(ctx, 3), ErrInvalidParameter)
	assert.ErrorIs(t, s.SetGain(ctx, 8), ErrInvalidGain)

	assert.Equal(t, before, s.Settings())
	assert.Equal(t, 0, chip.ops)
}

func TestHMC5883L_ConfigAFieldsAreIndependent(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()
	chip.regs[regConfigA] |= 0x80 // reserved bit must survive

	require.NoError(t, s.SetAveragingRate(ctx, Average8))
	require.NoError(t, s.SetOutputRate(ctx, Rate75Hz))
	require.NoError(t, s.SetBiasMode(ctx, BiasNegative))
	assert.Equal(t, byte(0x80|0x60|0x18|0x02), chip.regs[regConfigA])

	require.NoError(t, s.SetOutputRate(ctx, Rate0_75Hz))
	assert.Equal(t, byte(0x80|0x60|0x02), chip.regs[regConfigA])

	rate, err := s.AveragingRate(ctx, true)
	assert.NoError(t, err)
	assert.Equal(t, Average8, rate)
	bias, err := s.BiasMode(ctx, true)
	assert.NoError(t, err)
	assert.Equal(t, BiasNegative, bias)
	out, err := s.OutputRate(ctx, true)
	assert.NoError(t, err)
	assert.Equal(t, Rate0_75Hz, out)
}

func TestHMC5883L_ModeRegisterFields(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()

	require.NoError(t, s.SetHighSpeedMode(ctx, true))
	require.NoError(t, s.SetMeasurementMode(ctx, ModeContinuous))
	assert.Equal(t, byte(0x80), chip.regs[regMode])

	hs, err := s.HighSpeedMode(ctx, true)
	assert.NoError(t, err)
	assert.True(t, hs)

	require.NoError(t, s.SetHighSpeedMode(ctx, false))
	assert.Equal(t, byte(0x00), chip.regs[regMode])
	mode, err := s.MeasurementMode(ctx, true)
	assert.NoError(t, err)
	assert.Equal(t, ModeContinuous, mode)
}

func TestHMC5883L_CachedGettersDoNoIO(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()

	_, _ = s.Gain(ctx, false)
	_, _ = s.AveragingRate(ctx, false)
	_, _ = s.OutputRate(ctx, false)
	_, _ = s.MeasurementMode(ctx, false)
	_, _ = s.BiasMode(ctx, false)
	_, _ = s.HighSpeedMode(ctx, false)
	assert.Equal(t, 0, chip.ops)
}

func TestHMC5883L_SingleModeIsAlwaysQueried(t *testing.T) {
	chip := newFakeChip()
	s := NewHMC5883LFromTransport(chip)
	// power-on cache says single
	mode, err := s.MeasurementMode(context.Background(), false)
	assert.NoError(t, err)
	assert.Equal(t, ModeSingle, mode)
	assert.Equal(t, 1, chip.ops)
}

func TestHMC5883L_GetterReadFailureKeepsCache(t *testing.T) {
	s, chip := newTestSensor(t)
	readErr := errors.New("bus error")
	chip.readHook = func(byte) error { return readErr }

	gain, err := s.Gain(context.Background(), true)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, Gain130, gain)
	assert.Equal(t, Gain130, s.Settings().Gain)
}

func TestHMC5883L_SetterWriteFailureKeepsCache(t *testing.T) {
	s, chip := newTestSensor(t)
	writeErr := errors.New("bus error")
	chip.writeHook = func(byte, byte) error { return writeErr }

	err := s.SetGain(context.Background(), Gain470)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, Gain130, s.Settings().Gain)
	err = s.SetOutputRate(context.Background(), Rate30Hz)
	assert.ErrorIs(t, err, writeErr)
	assert.Equal(t, Rate15Hz, s.Settings().OutputRate)
}

func TestHMC5883L_ReadRawValues(t *testing.T) {
	s, chip := newTestSensor(t)
	chip.setData(0x00, 0x0A, 0xF0, 0x00, 0x00, 0x14)

	raw, sat, err := s.ReadRawValues(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, RawVector{X: 10, Y: 20, Z: -4096}, raw)
	assert.True(t, sat.Z())
	assert.False(t, sat.X())
	assert.False(t, sat.Y())
	assert.Equal(t, "z", sat.String())
}

func TestHMC5883L_ReadScaledValues(t *testing.T) {
	s, chip := newTestSensor(t)
	chip.setData(0x00, 0x64, 0x00, 0x00, 0x00, 0x00)

	v, err := s.ReadScaledValues(context.Background())
	assert.NoError(t, err)
	assert.InDelta(t, 92.0, v.X, 1e-9)
	assert.Zero(t, v.Y)
	assert.Zero(t, v.Z)

	require.NoError(t, s.SetGain(context.Background(), Gain810))
	v, err = s.ReadScaledValues(context.Background())
	assert.NoError(t, err)
	assert.InDelta(t, 435.0, v.X, 1e-9)
}

func TestHMC5883L_ReadRawValuesError(t *testing.T) {
	s, chip := newTestSensor(t)
	readErr := errors.New("nack")
	chip.readHook = func(byte) error { return readErr }

	_, _, err := s.ReadRawValues(context.Background())
	assert.ErrorIs(t, err, readErr)
	_, err = s.ReadCalibratedValues(context.Background())
	assert.ErrorIs(t, err, readErr)
}

func TestHMC5883L_ReadScaledValuesSingle(t *testing.T) {
	tests := []struct {
		name     string
		previous MeasurementMode
	}{
		{name: "from idle", previous: ModeIdle},
		{name: "from continuous", previous: ModeContinuous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, chip := newTestSensor(t)
			ctx := context.Background()
			require.NoError(t, s.SetMeasurementMode(ctx, tt.previous))
			chip.field = Vector{X: 92, Y: -184, Z: 460}

			v, err := s.ReadScaledValuesSingle(ctx, 10, 0)
			assert.NoError(t, err)
			assert.InDelta(t, 92, v.X, 1e-9)
			assert.InDelta(t, -184, v.Y, 1e-9)
			assert.InDelta(t, 460, v.Z, 1e-9)
			assert.Equal(t, byte(tt.previous), chip.regs[regMode]&maskMode)
			assert.Equal(t, tt.previous, s.Settings().MeasurementMode)
		})
	}
}

func TestHMC5883L_MeasureCalibratedSingle(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()
	s.SetCalibration(Vector{X: 1, Y: 2, Z: 1})
	chip.field = Vector{X: 5000, Y: -184, Z: 460}

	v, sat, err := s.MeasureCalibratedSingle(ctx, 10, 0)
	assert.NoError(t, err)
	assert.Equal(t, SaturatedX, sat)
	assert.InDelta(t, -368, v.Y, 1e-9)
	assert.InDelta(t, 460, v.Z, 1e-9)
	assert.Equal(t, byte(ModeIdle), chip.regs[regMode]&maskMode)

	chip.field = Vector{X: 92}
	_, sat, err = s.MeasureCalibratedSingle(ctx, 10, 0)
	assert.NoError(t, err)
	assert.False(t, sat.Any())

	_, _, err = s.MeasureCalibratedSingle(ctx, 10, -time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestHMC5883L_PollingIsBounded(t *testing.T) {
	s, chip := newTestSensor(t)
	chip.neverReady = true
	chip.field = Vector{X: 92}

	v, err := s.ReadScaledValuesSingle(context.Background(), 3, 0)
	assert.NoError(t, err)
	assert.Equal(t, 3, chip.statusReads)
	assert.InDelta(t, 92, v.X, 1e-9)
	assert.Equal(t, byte(ModeIdle), chip.regs[regMode]&maskMode)

	chip.statusReads = 0
	err = s.WaitUntilReady(context.Background(), 5, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 5, chip.statusReads)
}

func TestHMC5883L_PollingParametersAreValidatedFirst(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()

	_, err := s.ReadScaledValuesSingle(ctx, 3, -time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.ErrorIs(t, err, ErrInvalidPollInterval)
	_, err = s.ReadScaledValuesSingle(ctx, -1, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidRetryCount)
	_, err = s.RunPosTest(ctx, 3, -time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = s.RunNegTest(ctx, -2, 0)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = s.Calibration(ctx, true, 3, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.ErrorIs(t, s.WaitUntilReady(ctx, 0, -1), ErrInvalidParameter)

	assert.Equal(t, 0, chip.ops)
}

func TestHMC5883L_WaitUntilReadyHonoursContext(t *testing.T) {
	s, chip := newTestSensor(t)
	chip.neverReady = true
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.ReadScaledValuesSingle(ctx, 0, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, chip.statusReads, 1)
}

func TestHMC5883L_SingleRestoresModeOnFailure(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()
	require.NoError(t, s.SetMeasurementMode(ctx, ModeContinuous))
	readErr := errors.New("data read failed")
	chip.readHook = func(reg byte) error {
		if reg == regData {
			return readErr
		}
		return nil
	}

	_, err := s.ReadScaledValuesSingle(ctx, 3, 0)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, byte(ModeContinuous), chip.regs[regMode]&maskMode)
}

func TestHMC5883L_SingleFirstErrorWins(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()
	readErr := errors.New("data read failed")
	restoreErr := errors.New("restore failed")
	chip.readHook = func(reg byte) error {
		if reg == regData {
			return readErr
		}
		return nil
	}
	chip.writeHook = func(reg, value byte) error {
		if reg == regMode && value&maskMode == byte(ModeIdle) {
			return restoreErr
		}
		return nil
	}

	_, err := s.ReadScaledValuesSingle(ctx, 3, 0)
	assert.ErrorIs(t, err, readErr)
	assert.NotErrorIs(t, err, restoreErr)

	chip.readHook = nil
	_, err = s.ReadScaledValuesSingle(ctx, 3, 0)
	assert.ErrorIs(t, err, restoreErr)
}

func TestHMC5883L_BiasTests(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()

	pos, err := s.RunPosTest(ctx, 10, 0)
	assert.NoError(t, err)
	assert.InDelta(t, BiasFieldXY, pos.X, 1)
	assert.InDelta(t, BiasFieldXY, pos.Y, 1)
	assert.InDelta(t, BiasFieldZ, pos.Z, 1)
	assert.Equal(t, byte(0), chip.regs[regConfigA]&maskBias)
	assert.Equal(t, BiasNone, s.Settings().BiasMode)

	neg, err := s.RunNegTest(ctx, 10, 0)
	assert.NoError(t, err)
	assert.InDelta(t, -BiasFieldXY, neg.X, 1)
	assert.InDelta(t, -BiasFieldZ, neg.Z, 1)
	assert.Equal(t, byte(0), chip.regs[regConfigA]&maskBias)
}

func TestHMC5883L_BiasTestClearsBiasOnFailure(t *testing.T) {
	s, chip := newTestSensor(t)
	readErr := errors.New("data read failed")
	chip.readHook = func(reg byte) error {
		if reg == regData {
			return readErr
		}
		return nil
	}

	_, err := s.RunPosTest(context.Background(), 3, 0)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, byte(0), chip.regs[regConfigA]&maskBias)
}

func TestHMC5883L_Calibration(t *testing.T) {
	tests := []struct {
		name  string
		field Vector
	}{
		{name: "no ambient field", field: Vector{}},
		{name: "ambient field", field: Vector{X: 200, Y: -100, Z: 300}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, chip := newTestSensor(t)
			ctx := context.Background()
			chip.field = tt.field

			cal, err := s.Calibration(ctx, true, 10, 0)
			assert.NoError(t, err)
			assert.InDelta(t, 1, cal.X, 1e-3)
			assert.InDelta(t, 1, cal.Y, 1e-3)
			assert.InDelta(t, 1, cal.Z, 1e-3)

			ops := chip.ops
			cached, err := s.Calibration(ctx, false, 10, 0)
			assert.NoError(t, err)
			assert.Equal(t, cal, cached)
			assert.Equal(t, ops, chip.ops)
		})
	}
}

func TestHMC5883L_ReadCalibratedValues(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()
	chip.field = Vector{X: 92, Y: 92, Z: 92}
	s.SetCalibration(Vector{X: 2, Y: 0.5, Z: 1})

	v, err := s.ReadCalibratedValuesSingle(ctx, 10, 0)
	assert.NoError(t, err)
	assert.InDelta(t, 184, v.X, 1e-9)
	assert.InDelta(t, 46, v.Y, 1e-9)
	assert.InDelta(t, 92, v.Z, 1e-9)

	v, err = s.ReadCalibratedValues(ctx)
	assert.NoError(t, err)
	assert.InDelta(t, 184, v.X, 1e-9)
}

func TestHMC5883L_RunCalibrationFailure(t *testing.T) {
	s, chip := newTestSensor(t)
	s.SetCalibration(Vector{X: 1.5, Y: 1.5, Z: 1.5})
	writeErr := errors.New("bus error")
	chip.writeHook = func(reg, value byte) error {
		if reg == regConfigA && value&maskBias == byte(BiasNegative) {
			return writeErr
		}
		return nil
	}

	_, err := s.RunCalibration(context.Background(), 10, 0)
	assert.ErrorIs(t, err, writeErr)
	cal, _ := s.Calibration(context.Background(), false, 0, 0)
	assert.Equal(t, Vector{X: 1.5, Y: 1.5, Z: 1.5}, cal)
}

func TestHMC5883L_Status(t *testing.T) {
	s, chip := newTestSensor(t)
	ctx := context.Background()

	chip.regs[regStatus] = 0xFF
	status, err := s.Status(ctx)
	assert.NoError(t, err)
	assert.Equal(t, Status{Raw: 0x03, Lock: true, Ready: true}, status)
	ready, err := s.IsReady(ctx)
	assert.NoError(t, err)
	assert.False(t, ready, "locked data must not be reported as ready")

	chip.regs[regStatus] = 0x01
	ready, err = s.IsReady(ctx)
	assert.NoError(t, err)
	assert.True(t, ready)

	readErr := errors.New("nack")
	chip.readHook = func(byte) error { return readErr }
	status, err = s.Status(ctx)
	assert.ErrorIs(t, err, readErr)
	assert.Equal(t, StatusInvalid, status.Raw)
}

func TestHMC5883L_ReadyLine(t *testing.T) {
	line := &fakeReadyLine{}
	s, chip := newTestSensor(t, WithReadyLine(line))
	ctx := context.Background()

	err := s.WaitUntilReady(ctx, 4, 0)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 4, line.calls)
	assert.Equal(t, 0, chip.statusReads)

	line.ready = true
	assert.NoError(t, s.WaitUntilReady(ctx, 4, 0))

	line.err = errors.New("gpio failure")
	_, err = s.IsReady(ctx)
	assert.ErrorIs(t, err, line.err)
}

func TestHMC5883L_Identify(t *testing.T) {
	s, chip := newTestSensor(t)
	id, err := s.Identify(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "H43", id)

	chip.regs[regIdentA+2] = '5'
	id, err = s.Identify(context.Background())
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Equal(t, "H45", id)
}

func TestHMC5883L_MeasurementPeriod(t *testing.T) {
	s, _ := newTestSensor(t)
	assert.InDelta(t, float64(66666666), float64(s.MeasurementPeriod()), 1)

	require.NoError(t, s.SetOutputRate(context.Background(), Rate0_75Hz))
	assert.InDelta(t, float64(1333333333), float64(s.MeasurementPeriod()), 1)
}

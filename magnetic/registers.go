package magnetic

import (
	"errors"
	"fmt"
)

// DefaultAddress is the fixed 7-bit I2C address of HMC5883L.
const DefaultAddress = 0x1E

// Register map
//
//	0x00: Configuration A (bits 6..5 averaging, 4..2 output rate, 1..0 bias)
//	0x01: Configuration B (bits 7..5 gain)
//	0x02: Mode (bit 7 high speed I2C, bits 1..0 measurement mode)
//	0x03..0x08: data output X MSB, X LSB, Z MSB, Z LSB, Y MSB, Y LSB
//	0x09: Status (bit 1 lock, bit 0 ready)
//	0x0A..0x0C: identification 'H', '4', '3'
const (
	regConfigA byte = 0x00
	regConfigB byte = 0x01
	regMode    byte = 0x02
	regData    byte = 0x03
	regStatus  byte = 0x09
	regIdentA  byte = 0x0A
)

// bits preserved by read-modify-write of each field
const (
	keepAveraging  byte = 0x9F
	keepOutputRate byte = 0xE3
	keepBias       byte = 0xFC
	keepMode       byte = 0x80
	keepHighSpeed  byte = 0x7F
)

const (
	maskAveraging  byte = 0x60
	maskOutputRate byte = 0x1C
	maskBias       byte = 0x03
	maskMode       byte = 0x03
	bitHighSpeed   byte = 0x80
)

const (
	statusReady byte = 0x01
	statusLock  byte = 0x02
)

// StatusInvalid is reported in Status.Raw when the status register could not be read.
const StatusInvalid byte = 4

// SaturationValue is the raw output of an axis when its ADC over- or underflows.
const SaturationValue int16 = -4096

const identification = "H43"

// Self-test bias field strength in mG applied on each axis in positive/negative bias mode.
const (
	BiasFieldXY = 1160.0
	BiasFieldZ  = 1080.0
)

// BiasField is the expected self-test response per axis.
var BiasField = Vector{X: BiasFieldXY, Y: BiasFieldXY, Z: BiasFieldZ}

var ErrInvalidParameter = errors.New("invalid parameter")

var (
	ErrInvalidGain            = fmt.Errorf("%w: gain level", ErrInvalidParameter)
	ErrInvalidAveragingRate   = fmt.Errorf("%w: averaging rate", ErrInvalidParameter)
	ErrInvalidOutputRate      = fmt.Errorf("%w: output rate", ErrInvalidParameter)
	ErrInvalidMeasurementMode = fmt.Errorf("%w: measurement mode", ErrInvalidParameter)
	ErrInvalidBiasMode        = fmt.Errorf("%w: bias mode", ErrInvalidParameter)
	ErrInvalidPollInterval    = fmt.Errorf("%w: poll interval", ErrInvalidParameter)
	ErrInvalidRetryCount      = fmt.Errorf("%w: retry count", ErrInvalidParameter)
)

var ErrNotReady = errors.New("hmc5883l: data not ready")

var ErrUnknownDevice = errors.New("hmc5883l: unexpected identification")

// Gain selects the sensor field range and digital resolution.
//
//	| Gain | LSB/Ga | Range (Ga) | Resolution (mG/LSB) |
//	| 0    | 1370   | ±0.88      | 0.73                |
//	| 1    | 1090   | ±1.30      | 0.92                |
//	| 2    | 820    | ±1.90      | 1.22                |
//	| 3    | 660    | ±2.50      | 1.52                |
//	| 4    | 440    | ±4.00      | 2.27                |
//	| 5    | 390    | ±4.70      | 2.56                |
//	| 6    | 330    | ±5.60      | 3.03                |
//	| 7    | 230    | ±8.10      | 4.35                |
type Gain uint8

const (
	Gain088 Gain = iota
	Gain130
	Gain190
	Gain250
	Gain400
	Gain470
	Gain560
	Gain810
)

var resolution = [...]float64{0.73, 0.92, 1.22, 1.52, 2.27, 2.56, 3.03, 4.35}

var gainRange = [...]string{"0.88", "1.30", "1.90", "2.50", "4.00", "4.70", "5.60", "8.10"}

func (g Gain) Valid() bool {
	return g <= Gain810
}

// Resolution returns the field value of one LSB in mG.
func (g Gain) Resolution() float64 {
	if !g.Valid() {
		return 0
	}
	return resolution[g]
}

func (g Gain) String() string {
	if !g.Valid() {
		return fmt.Sprintf("invalid(%d)", uint8(g))
	}
	return "±" + gainRange[g] + "Ga"
}

// AveragingRate is the number of samples averaged per measurement (1 << rate).
type AveragingRate uint8

const (
	Average1 AveragingRate = iota
	Average2
	Average4
	Average8
)

func (a AveragingRate) Valid() bool {
	return a <= Average8
}

func (a AveragingRate) Samples() int {
	return 1 << a
}

func (a AveragingRate) String() string {
	if !a.Valid() {
		return fmt.Sprintf("invalid(%d)", uint8(a))
	}
	return fmt.Sprintf("%d samples", a.Samples())
}

// OutputRate is the data output rate in continuous measurement mode.
type OutputRate uint8

const (
	Rate0_75Hz OutputRate = iota
	Rate1_5Hz
	Rate3Hz
	Rate7_5Hz
	Rate15Hz
	Rate30Hz
	Rate75Hz
)

var outputRateHz = [...]float64{0.75, 1.50, 3.00, 7.50, 15.00, 30.00, 75.00}

func (r OutputRate) Valid() bool {
	return r <= Rate75Hz
}

// Hz returns the output rate frequency or 0 for values outside the table.
func (r OutputRate) Hz() float64 {
	if !r.Valid() {
		return 0
	}
	return outputRateHz[r]
}

func (r OutputRate) String() string {
	if !r.Valid() {
		return fmt.Sprintf("invalid(%d)", uint8(r))
	}
	return fmt.Sprintf("%.2fHz", r.Hz())
}

type MeasurementMode uint8

const (
	ModeContinuous MeasurementMode = iota
	ModeSingle
	ModeIdle
)

func (m MeasurementMode) Valid() bool {
	return m <= ModeIdle
}

func (m MeasurementMode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeSingle:
		return "single"
	case ModeIdle:
		return "idle"
	default:
		// 0b11 is also reported as idle by the device
		return fmt.Sprintf("idle(%d)", uint8(m))
	}
}

type BiasMode uint8

const (
	BiasNone BiasMode = iota
	BiasPositive
	BiasNegative
)

func (b BiasMode) Valid() bool {
	return b <= BiasNegative
}

func (b BiasMode) String() string {
	switch b {
	case BiasNone:
		return "none"
	case BiasPositive:
		return "positive"
	case BiasNegative:
		return "negative"
	default:
		return fmt.Sprintf("reserved(%d)", uint8(b))
	}
}

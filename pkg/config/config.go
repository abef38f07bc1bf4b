// Package config holds build information and the yaml profile describing how the compass is connected.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/magsense/magnetic"
)

// set at build time
var (
	Version string
	Commit  string
	Date    string
)

func BuildInfo() string {
	return fmt.Sprintf("%s-%s-%s", orDev(Version), orDev(Date), orDev(Commit))
}

func orDev(s string) string {
	if s == "" {
		return "dev"
	}
	return s
}

const (
	AdapterMCP2221 = "mcp2221"
	AdapterPeriph  = "generic"
	AdapterNanoPi  = "nanopi"
	AdapterEmbd    = "embd"
)

var ErrUnknownAdapter = errors.New("unknown adapter")

// Profile describes the bus the sensor sits on and the settings applied on startup.
type Profile struct {
	Adapter     string `yaml:"adapter"`
	Device      string `yaml:"device"`
	Bus         int    `yaml:"bus"`
	Address     uint8  `yaml:"address"`
	Speed       int    `yaml:"speed"`
	BusyRetries int    `yaml:"busy_retries"`
	// MCP2221 GP pin wired to DRDY, -1 when not connected
	ReadyPin int `yaml:"ready_pin"`

	Gain          magnetic.Gain          `yaml:"gain"`
	AveragingRate magnetic.AveragingRate `yaml:"averaging_rate"`
	OutputRate    magnetic.OutputRate    `yaml:"output_rate"`

	MaxRetries      int           `yaml:"max_retries"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Declination     float64       `yaml:"declination"`
	CalibrationFile string        `yaml:"calibration_file"`
}

func DefaultProfile() Profile {
	return Profile{
		Adapter:       AdapterMCP2221,
		Device:        "/dev/i2c-1",
		Bus:           1,
		Address:       magnetic.DefaultAddress,
		Speed:         100_000,
		BusyRetries:   3,
		ReadyPin:      -1,
		Gain:          magnetic.Gain130,
		AveragingRate: magnetic.Average8,
		OutputRate:    magnetic.Rate15Hz,
		MaxRetries:    10,
		PollInterval:  7 * time.Millisecond,
	}
}

// LoadProfile reads a profile from path. Fields missing in the file keep their default values.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	f, err := os.Open(path)
	if err != nil {
		return p, fmt.Errorf("could not open profile: %w", err)
	}
	defer func() { _ = f.Close() }()
	err = yaml.NewDecoder(f).Decode(&p)
	if err != nil {
		return p, fmt.Errorf("could not decode profile %s: %w", path, err)
	}
	return p, p.Validate()
}

func (p Profile) Validate() error {
	switch p.Adapter {
	case AdapterMCP2221, AdapterPeriph, AdapterNanoPi, AdapterEmbd:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAdapter, p.Adapter)
	}
	if !p.Gain.Valid() {
		return fmt.Errorf("%w: %d", magnetic.ErrInvalidGain, p.Gain)
	}
	if !p.AveragingRate.Valid() {
		return fmt.Errorf("%w: %d", magnetic.ErrInvalidAveragingRate, p.AveragingRate)
	}
	if !p.OutputRate.Valid() {
		return fmt.Errorf("%w: %d", magnetic.ErrInvalidOutputRate, p.OutputRate)
	}
	if p.PollInterval < 0 {
		return fmt.Errorf("%w: %s", magnetic.ErrInvalidPollInterval, p.PollInterval)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: %d", magnetic.ErrInvalidRetryCount, p.MaxRetries)
	}
	if p.ReadyPin > 3 {
		return fmt.Errorf("ready pin must be one of GP0-GP3, got %d", p.ReadyPin)
	}
	return nil
}

// Calibration is the result of a self-test calibration stored between runs.
type Calibration struct {
	Factors   magnetic.Vector `yaml:"factors"`
	Gain      magnetic.Gain   `yaml:"gain"`
	Timestamp time.Time       `yaml:"timestamp"`
}

func SaveCalibration(path string, cal Calibration) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create calibration file: %w", err)
	}
	enc := yaml.NewEncoder(f)
	err = enc.Encode(cal)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding error: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding error: %w", err)
	}
	return f.Close()
}

func LoadCalibration(path string) (Calibration, error) {
	var cal Calibration
	data, err := os.ReadFile(path)
	if err != nil {
		return cal, fmt.Errorf("could not read calibration file: %w", err)
	}
	err = yaml.Unmarshal(data, &cal)
	if err != nil {
		return cal, fmt.Errorf("could not decode calibration file %s: %w", path, err)
	}
	if cal.Factors.X == 0 || cal.Factors.Y == 0 || cal.Factors.Z == 0 {
		return cal, fmt.Errorf("calibration file %s has a zero factor", path)
	}
	return cal, nil
}

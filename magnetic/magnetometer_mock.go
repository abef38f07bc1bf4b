package magnetic

import (
	"context"
	"time"
)

// Magnetometer is implemented by HMC5883L and MockMagnetometer.
type Magnetometer interface {
	ReadCalibratedValuesSingle(ctx context.Context, maxRetries int, pollInterval time.Duration) (Vector, error)
}

var (
	_ Magnetometer = &HMC5883L{}
	_ Magnetometer = &MockMagnetometer{}
)

// FieldBehaviorFunc defines the function signature for magnetometer behavior.
// It returns the field vector in mG or an error.
type FieldBehaviorFunc func(ctx context.Context) (Vector, error)

// MockMagnetometer produces readings from a behavior function without requiring any hardware.
//
// Example usage:
//
//	// Sensor pointing north in a 500mG horizontal field
//	sensor := NewMockMagnetometer(func(ctx context.Context) (Vector, error) {
//		return Vector{X: 500}, nil
//	})
type MockMagnetometer struct {
	behavior FieldBehaviorFunc
}

func NewMockMagnetometer(behavior FieldBehaviorFunc) *MockMagnetometer {
	return &MockMagnetometer{
		behavior: behavior,
	}
}

// ReadCalibratedValuesSingle returns the result of the behavior function. Polling parameters are ignored.
func (m *MockMagnetometer) ReadCalibratedValuesSingle(ctx context.Context, _ int, _ time.Duration) (Vector, error) {
	return m.behavior(ctx)
}

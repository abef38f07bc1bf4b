package magnetic

import (
	"fmt"
	"math"
)

// RawVector holds raw axis counts as read from the data registers.
type RawVector struct {
	X, Y, Z int16
}

// Saturation flags axes whose ADC reported an overflow.
type Saturation uint8

const (
	SaturatedX Saturation = 1 << iota
	SaturatedY
	SaturatedZ
)

func (s Saturation) X() bool { return s&SaturatedX != 0 }
func (s Saturation) Y() bool { return s&SaturatedY != 0 }
func (s Saturation) Z() bool { return s&SaturatedZ != 0 }

func (s Saturation) Any() bool { return s != 0 }

func (s Saturation) String() string {
	if s == 0 {
		return "none"
	}
	var out []byte
	for _, axis := range []struct {
		flag Saturation
		name byte
	}{{SaturatedX, 'x'}, {SaturatedY, 'y'}, {SaturatedZ, 'z'}} {
		if s&axis.flag != 0 {
			out = append(out, axis.name)
		}
	}
	return string(out)
}

// decodeRaw converts the six data bytes (X, Z, Y order, big endian) into a RawVector.
func decodeRaw(data []byte) RawVector {
	return RawVector{
		X: int16(uint16(data[0])<<8 | uint16(data[1])),
		Z: int16(uint16(data[2])<<8 | uint16(data[3])),
		Y: int16(uint16(data[4])<<8 | uint16(data[5])),
	}
}

func (r RawVector) Saturation() Saturation {
	var s Saturation
	if r.X == SaturationValue {
		s |= SaturatedX
	}
	if r.Y == SaturationValue {
		s |= SaturatedY
	}
	if r.Z == SaturationValue {
		s |= SaturatedZ
	}
	return s
}

// Scale multiplies every axis by factor.
func (r RawVector) Scale(factor float64) Vector {
	return Vector{
		X: float64(r.X) * factor,
		Y: float64(r.Y) * factor,
		Z: float64(r.Z) * factor,
	}
}

// Vector is a 3-axis field reading in mG or a per-axis factor.
type Vector struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

var unitVector = Vector{X: 1, Y: 1, Z: 1}

func (v Vector) Add(o Vector) Vector {
	return Vector{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

func (v Vector) Sub(o Vector) Vector {
	return Vector{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Mul is element-wise multiplication.
func (v Vector) Mul(o Vector) Vector {
	return Vector{X: v.X * o.X, Y: v.Y * o.Y, Z: v.Z * o.Z}
}

// Div is element-wise division.
func (v Vector) Div(o Vector) Vector {
	return Vector{X: v.X / o.X, Y: v.Y / o.Y, Z: v.Z / o.Z}
}

func (v Vector) Scale(factor float64) Vector {
	return Vector{X: v.X * factor, Y: v.Y * factor, Z: v.Z * factor}
}

// Norm returns the field magnitude.
func (v Vector) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vector) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", v.X, v.Y, v.Z)
}

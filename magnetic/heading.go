package magnetic

import "math"

// Heading returns the compass heading in degrees [0, 360) computed from the horizontal
// components of v. Declination is the local magnetic declination in degrees (east positive).
// The sensor is assumed to be level.
func Heading(v Vector, declination float64) float64 {
	heading := math.Atan2(v.Y, v.X) + declination*math.Pi/180
	// correct for negative degrees and declination wrap
	if heading < 0 {
		heading += 2 * math.Pi
	}
	if heading >= 2*math.Pi {
		heading -= 2 * math.Pi
	}
	return heading * 180 / math.Pi
}

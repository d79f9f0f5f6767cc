package events

import "math"

const (
	MinSeverity       = 0.1
	MaxSeverity       = 10.0
	MinShockMagnitude = -0.9
	MaxShockMagnitude = 10.0
	MaxStability      = 2.0
)

// ClampSeverity bounds severity to [MinSeverity, MaxSeverity]. NaN maps to the minimum.
func ClampSeverity(s float64) float64 {
	return clamp(s, MinSeverity, MaxSeverity)
}

// Impact is the magnitude indicator recorded for every event kind.
func Impact(severity, kappa float64) float64 {
	return severity * math.Log(kappa) * severity
}

// ClampMagnitude bounds an economic shock magnitude to [MinShockMagnitude, MaxShockMagnitude].
func ClampMagnitude(m float64) float64 {
	return clamp(m, MinShockMagnitude, MaxShockMagnitude)
}

// ShockPrice applies one economic shock to a price.
func ShockPrice(price, magnitude, kappa float64) float64 {
	return price * (1 + magnitude/kappa)
}

// ShiftStability applies one biome shift to a stability index, capped at MaxStability.
func ShiftStability(stability, weight, kappa float64) float64 {
	return math.Min(MaxStability, stability*math.Exp(weight/kappa))
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

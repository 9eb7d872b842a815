package utils

import (
	"math"

	"github.com/google/uuid"
)

// GenerateMessageID returns a unique identifier for a network message
func GenerateMessageID() string {
	return uuid.New().String()
}

// Clamp bounds v to the [low, high] interval
func Clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(high, v))
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation of values
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

package trend

import "math"

// SMA returns the trailing simple moving average. The first period-1 values are NaN.
func SMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(values) < period {
		return out
	}

	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// RollingStdDev returns the population standard deviation of each trailing window
func RollingStdDev(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if period <= 0 || len(values) < period {
		return out
	}

	for i := period - 1; i < len(values); i++ {
		_, std := MeanStdDev(values[i-period+1 : i+1])
		out[i] = std
	}
	return out
}

// MeanStdDev returns the mean and population standard deviation
func MeanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// SampleStdDev returns the mean and the n-1 standard deviation
func SampleStdDev(values []float64) (float64, float64) {
	if len(values) < 2 {
		mean, _ := MeanStdDev(values)
		return mean, 0
	}
	mean, std := MeanStdDev(values)
	n := float64(len(values))
	return mean, std * math.Sqrt(n/(n-1))
}

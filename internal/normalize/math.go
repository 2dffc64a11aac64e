package normalize

import "math"

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func tail(values []float64, n int) []float64 {
	if n > 0 && len(values) > n {
		return values[len(values)-n:]
	}
	return values
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// linearFit returns the least-squares slope and intercept of values against
// their index.
func linearFit(values []float64) (slope, intercept float64) {
	n := float64(len(values))
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return 0, values[0]
	}
	xMean := (n - 1) / 2
	yMean := mean(values)
	var num, den float64
	for i, y := range values {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	slope = num / den
	return slope, yMean - slope*xMean
}

// coefficientOfVariation is the population standard deviation over the mean,
// zero when the mean is not positive or fewer than two values exist.
func coefficientOfVariation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	if m <= 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss/float64(len(values))) / m
}

package profile

import "math"

// RunningStat accumulates a mean and variance one sample at a time
// (Welford). The zero value is an empty accumulator.
type RunningStat struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Add folds x into the accumulator.
func (r *RunningStat) Add(x float64) {
	r.Count++
	delta := x - r.Mean
	r.Mean += delta / float64(r.Count)
	r.M2 += delta * (x - r.Mean)
}

// Variance returns the sample variance, or 0 with fewer than two samples.
func (r RunningStat) Variance() float64 {
	if r.Count < 2 {
		return 0
	}
	return r.M2 / float64(r.Count-1)
}

// StdDev returns the sample standard deviation.
func (r RunningStat) StdDev() float64 {
	return math.Sqrt(r.Variance())
}

package scale

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// FilterRounds is the fixed number of median/Wiener passes. There is no
// convergence test.
const FilterRounds = 3

// Smoothed is the denoised history, aligned 1:1 with the input buffer.
type Smoothed struct {
	Series []float64
	// Sigma is the spread of the last round's median-filter residuals.
	Sigma  float64
	Window int
}

type filterState struct {
	data  []float64
	sigma float64
}

// Smooth produces a low-noise trend of the history buffer. The window spans
// windowMinutes of samples taken every sampleDuration. Histories too short
// for a meaningful window are returned unsmoothed.
func Smooth(buffer []float64, windowMinutes float64, sampleDuration time.Duration) Smoothed {
	out := Smoothed{Series: append([]float64(nil), buffer...)}
	n := len(buffer)
	if n <= 1 || sampleDuration <= 0 {
		return out
	}
	window := int(math.Floor(windowMinutes * 60 / sampleDuration.Seconds()))
	if window >= n {
		window = n / 2
	}
	if window <= 0 {
		return out
	}
	if window%2 == 0 {
		window++
	}

	st := filterState{data: reflectPad(buffer, window)}
	for i := 0; i < FilterRounds; i++ {
		st.round(window)
	}
	out.Series = append(out.Series[:0], st.data[window:window+n]...)
	out.Sigma = st.sigma
	out.Window = window
	return out
}

// round median-filters the data, keeps the filtered value only for points
// within 3 sigma of it and Wiener-filters the result.
func (st *filterState) round(window int) {
	filtered := medianFilter(st.data, window)
	delta := make([]float64, len(st.data))
	floats.SubTo(delta, filtered, st.data)
	for i := range delta {
		delta[i] = math.Abs(delta[i])
	}
	st.sigma = stat.PopStdDev(delta, nil)

	cleaned := make([]float64, len(st.data))
	for i := range cleaned {
		if delta[i] < 3*st.sigma {
			cleaned[i] = filtered[i]
		} else {
			cleaned[i] = st.data[i]
		}
	}
	st.data = wienerFilter(cleaned, window)
}

// reflectPad mirrors window samples around each end point:
// 2*b[0] - reverse(b[:window]) before and 2*b[-1] - reverse(b[-window:]) after.
func reflectPad(b []float64, window int) []float64 {
	n := len(b)
	out := make([]float64, 0, n+2*window)
	for j := 0; j < window; j++ {
		out = append(out, 2*b[0]-b[window-1-j])
	}
	out = append(out, b...)
	for j := 0; j < window; j++ {
		out = append(out, 2*b[n-1]-b[n-1-j])
	}
	return out
}

// medianFilter applies a running median of odd size k, treating samples
// beyond either end as zero.
func medianFilter(x []float64, k int) []float64 {
	half := k / 2
	out := make([]float64, len(x))
	win := make([]float64, k)
	for i := range x {
		for j := -half; j <= half; j++ {
			idx := i + j
			if idx < 0 || idx >= len(x) {
				win[j+half] = 0
			} else {
				win[j+half] = x[idx]
			}
		}
		out[i] = Median(win)
	}
	return out
}

// wienerFilter is an adaptive local-mean filter of size k. The noise power is
// estimated as the mean of the local variances.
func wienerFilter(x []float64, k int) []float64 {
	half := k / 2
	n := len(x)
	mean := make([]float64, n)
	variance := make([]float64, n)
	for i := range x {
		var sum, sumSq float64
		for j := i - half; j <= i+half; j++ {
			if j < 0 || j >= n {
				continue
			}
			sum += x[j]
			sumSq += x[j] * x[j]
		}
		mean[i] = sum / float64(k)
		variance[i] = sumSq/float64(k) - mean[i]*mean[i]
	}
	noise := stat.Mean(variance, nil)
	out := make([]float64, n)
	for i := range x {
		if variance[i] <= 0 || variance[i] < noise {
			out[i] = mean[i]
			continue
		}
		out[i] = (x[i]-mean[i])*(1-noise/variance[i]) + mean[i]
	}
	return out
}

// Gradient returns central differences in the interior and one-sided
// differences at the ends.
func Gradient(x []float64) []float64 {
	n := len(x)
	if n < 2 {
		return nil
	}
	g := make([]float64, n)
	g[0] = x[1] - x[0]
	g[n-1] = x[n-1] - x[n-2]
	for i := 1; i < n-1; i++ {
		g[i] = (x[i+1] - x[i-1]) / 2
	}
	return g
}

// TimeToEmpty extrapolates the smoothed trend down to zero. It is only
// defined while the weight is falling: a zero or rising median gradient, or a
// non-finite one, yields false.
func TimeToEmpty(smoothed []float64, sampleDuration time.Duration) (time.Duration, bool) {
	if len(smoothed) < 2 || sampleDuration <= 0 {
		return 0, false
	}
	rate := -Median(Gradient(smoothed)) / sampleDuration.Seconds()
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return 0, false
	}
	last := smoothed[len(smoothed)-1]
	if last <= 0 {
		return 0, true
	}
	secs := last / rate
	if secs > float64(math.MaxInt64)/float64(time.Second) {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// FilamentLength converts a mass in grams to metres of filament of the given
// density (g/cm³) and diameter (mm).
func FilamentLength(grams, density, diameterMM float64) (float64, bool) {
	if density <= 0 || diameterMM <= 0 {
		return 0, false
	}
	radiusCM := diameterMM / 20
	lengthCM := (grams / density) / (math.Pi * radiusCM * radiusCM)
	return lengthCM / 100, true
}

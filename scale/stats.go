package scale

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

const (
	BootstrapResamples = 1000
	ConfidenceLevel    = 95.0
)

// WeightEstimate is the published result of one acquisition cycle. Median and
// Uncertainty are both rounded to Precision decimal places.
type WeightEstimate struct {
	Median      float64 `json:"median"`
	Uncertainty float64 `json:"uncertainty"`
	Precision   int     `json:"precision"`
}

func (e WeightEstimate) String() string {
	return fmt.Sprintf("%.*f ± %.*f", e.Precision, e.Median, e.Precision, e.Uncertainty)
}

// Summarize converts a raw series to weights and reduces it to a robust
// estimate with a bootstrap 95% interval. A nil rng uses the global source.
func Summarize(series []float64, cal Calibration, rng *rand.Rand) (WeightEstimate, error) {
	if len(series) == 0 {
		return WeightEstimate{}, ErrEmptySeries
	}
	weights, err := cal.Weights(series)
	if err != nil {
		return WeightEstimate{}, err
	}
	median := Median(weights)
	lower, upper := Bootstrap(weights, BootstrapResamples, ConfidenceLevel, rng)
	uncertainty := upper - lower
	precision, err := Precision(uncertainty)
	if err != nil {
		return WeightEstimate{}, fmt.Errorf("%d samples, median %g: %w", len(series), median, err)
	}
	return WeightEstimate{
		Median:      Round(median, precision),
		Uncertainty: Round(uncertainty, precision),
		Precision:   precision,
	}, nil
}

// Bootstrap draws n resamples with replacement, takes the median of each and
// returns the central ci percent interval of those medians.
func Bootstrap(data []float64, n int, ci float64, rng *rand.Rand) (lower, upper float64) {
	if len(data) == 0 || n <= 0 {
		return math.NaN(), math.NaN()
	}
	intn := rand.IntN
	if rng != nil {
		intn = rng.IntN
	}
	medians := make([]float64, n)
	resample := make([]float64, len(data))
	for b := 0; b < n; b++ {
		for i := range resample {
			resample[i] = data[intn(len(data))]
		}
		medians[b] = Median(resample)
	}
	sort.Float64s(medians)
	tail := (100 - ci) / 2
	return percentileSorted(medians, tail), percentileSorted(medians, 100-tail)
}

// Precision returns the number of decimals warranted by an interval width:
// max(1, floor(-log10(uncertainty))).
func Precision(uncertainty float64) (int, error) {
	if math.IsNaN(uncertainty) || uncertainty <= 0 {
		return 0, ErrDegenerateStatistics
	}
	p := int(math.Floor(-math.Log10(uncertainty)))
	if p < 1 {
		p = 1
	}
	return p, nil
}

// Round rounds v to p decimal places. Rounding an already rounded value at
// the same precision returns it unchanged.
func Round(v float64, p int) float64 {
	scale := math.Pow(10, float64(p))
	return math.Round(v*scale) / scale
}

// Median of data; the mean of the two middle values for even lengths.
func Median(data []float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// percentileSorted interpolates linearly between the closest ranks of
// sorted, q in [0, 100].
func percentileSorted(sorted []float64, q float64) float64 {
	h := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(h))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	if lo < 0 {
		return sorted[0]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

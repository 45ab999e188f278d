package training

import (
	"fmt"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// ConfidenceZ returns the two-sided normal quantile z(1 - confidenceLevel/2)
func ConfidenceZ(confidenceLevel float64) (float64, error) {
	if !(confidenceLevel > 0 && confidenceLevel < 1) {
		return 0, fmt.Errorf("confidence level must be between 0 and 1, got %v", confidenceLevel)
	}
	return distuv.UnitNormal.Quantile(1 - confidenceLevel/2), nil
}

// MeanAndConfidenceRange returns the mean of values and the half width of
// its normal confidence interval, z(1 - confidenceLevel/2) times the sample
// standard deviation. The range is zero for fewer than two values.
func MeanAndConfidenceRange(values []float64, confidenceLevel float64) (float64, float64, error) {
	z, err := ConfidenceZ(confidenceLevel)
	if err != nil {
		return 0, 0, err
	}
	if len(values) == 0 {
		return 0, 0, fmt.Errorf("cannot summarise zero values")
	}

	mean, err := stats.Mean(values)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute mean: %v", err)
	}
	if len(values) < 2 {
		return mean, 0, nil
	}

	std, err := stats.StandardDeviationSample(values)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute standard deviation: %v", err)
	}
	return mean, z * std, nil
}

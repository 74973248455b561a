// Package stress derives heart-rate variability features from RR intervals
// and turns them into a high-stress probability.
package stress

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

var (
	ErrTooFewIntervals = errors.New("at least two rr intervals required")
	ErrInvalidInterval = errors.New("rr intervals must be positive milliseconds")
)

// Features are the HRV measures of one window of RR intervals.
type Features struct {
	RMSSD  float64 `json:"rmssd"`
	SDNN   float64 `json:"sdnn"`
	MeanRR float64 `json:"mean_rr"`
	MeanHR float64 `json:"mean_hr"`
}

// ComputeFeatures returns RMSSD, SDNN (population), mean RR in ms and mean
// heart rate in bpm.
func ComputeFeatures(rr []float64) (Features, error) {
	if len(rr) < 2 {
		return Features{}, ErrTooFewIntervals
	}
	for _, v := range rr {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Features{}, ErrInvalidInterval
		}
	}

	squared := make(stats.Float64Data, 0, len(rr)-1)
	for i := 1; i < len(rr); i++ {
		d := rr[i] - rr[i-1]
		squared = append(squared, d*d)
	}
	meanSq, err := squared.Mean()
	if err != nil {
		return Features{}, fmt.Errorf("rmssd: %w", err)
	}
	sdnn, err := stats.StandardDeviationPopulation(rr)
	if err != nil {
		return Features{}, fmt.Errorf("sdnn: %w", err)
	}
	meanRR, err := stats.Mean(rr)
	if err != nil {
		return Features{}, fmt.Errorf("mean rr: %w", err)
	}

	return Features{
		RMSSD:  math.Sqrt(meanSq),
		SDNN:   sdnn,
		MeanRR: meanRR,
		MeanHR: 60000.0 / meanRR,
	}, nil
}

// Classifier maps HRV features to the probability of the high-stress class.
type Classifier interface {
	ProbaHigh(ctx context.Context, f Features) (float64, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, f Features) (float64, error)

func (fn ClassifierFunc) ProbaHigh(ctx context.Context, f Features) (float64, error) {
	return fn(ctx, f)
}

// Baseline is used when no model is configured: every window is reported as
// low stress, so only the features are informative.
type Baseline struct{}

func (Baseline) ProbaHigh(context.Context, Features) (float64, error) { return 0, nil }

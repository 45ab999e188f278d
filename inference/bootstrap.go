package inference

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/embedtrain/embedtrain/training"
)

// BootstrapOptions configures FromEmbeddingsWithBootstrapping
type BootstrapOptions struct {
	Split           string  `json:"split_name"`
	Iterations      int     `json:"iterations"`
	SampleSize      int     `json:"sample_size"`      // -1 resamples as many ids as there are embeddings
	ConfidenceLevel float64 `json:"confidence_level"` // 0.05 reports a 95% interval
	Seed            int64   `json:"seed"`
}

// DefaultBootstrapOptions returns 30 full-size resamples at a 95% interval
func DefaultBootstrapOptions() BootstrapOptions {
	return BootstrapOptions{
		Split:           DefaultSplit,
		Iterations:      30,
		SampleSize:      -1,
		ConfidenceLevel: 0.05,
		Seed:            42,
	}
}

// MetricEstimate is the bootstrap mean of a metric and its confidence half width
type MetricEstimate struct {
	Mean  float64 `json:"mean"`
	Error float64 `json:"error"`
}

// FromEmbeddingsWithBootstrapping predicts once, then recomputes the test
// metrics on resampled id sets drawn with replacement. The result is
// deterministic for a fixed seed.
func (inf *Inferencer) FromEmbeddingsWithBootstrapping(embeddings Embeddings, targets []string, opts BootstrapOptions) (map[string]MetricEstimate, error) {
	if err := checkConfidenceLevel(opts.ConfidenceLevel); err != nil {
		return nil, err
	}
	if targets == nil {
		return nil, errors.Wrap(training.ErrMissingTargets, "bootstrapping needs targets")
	}
	if opts.Iterations < 1 {
		return nil, fmt.Errorf("number of iterations must be positive, got %d", opts.Iterations)
	}

	s, err := inf.split(opts.Split)
	if err != nil {
		return nil, err
	}
	predictions, err := inf.FromEmbeddings(embeddings, targets, opts.Split, false)
	if err != nil {
		return nil, err
	}

	ids := embeddings.IDs()
	predicted := make([][]int, len(ids))
	labels := make([][]int, len(ids))
	for i, id := range ids {
		predicted[i] = predictions.Predictions[id].Classes
		if labels[i], err = inf.classes.Encode(inf.protocol, targets[i]); err != nil {
			return nil, errors.Wrapf(err, "target of %s", id)
		}
	}

	sampleSize := opts.SampleSize
	if sampleSize == -1 {
		sampleSize = len(ids)
	}
	if sampleSize < 1 {
		return nil, fmt.Errorf("sample size must be positive or -1, got %d", opts.SampleSize)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	samples := make([][]int, opts.Iterations)
	for it := range samples {
		samples[it] = make([]int, sampleSize)
		for j := range samples[it] {
			samples[it][j] = rng.Intn(len(ids))
		}
	}

	calculator := s.solver.MetricsCalculator()
	results := make([]map[string]float64, opts.Iterations)
	g := new(errgroup.Group)
	g.SetLimit(inf.device.Workers())
	for it := range samples {
		it := it
		g.Go(func() error {
			var p, l []int
			for _, idx := range samples[it] {
				p = append(p, predicted[idx]...)
				l = append(l, labels[idx]...)
			}
			metrics, err := calculator.ComputeMetrics(p, l)
			if err != nil {
				return errors.Wrapf(err, "bootstrap iteration %d", it)
			}
			results[it] = metrics
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return summariseIterations(results, opts.ConfidenceLevel)
}

func summariseIterations(results []map[string]float64, confidenceLevel float64) (map[string]MetricEstimate, error) {
	names := make([]string, 0, len(results[0]))
	for name := range results[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	estimates := make(map[string]MetricEstimate, len(names))
	values := make([]float64, len(results))
	for _, name := range names {
		for it, metrics := range results {
			values[it] = metrics[name]
		}
		mean, confidenceRange, err := training.MeanAndConfidenceRange(values, confidenceLevel)
		if err != nil {
			return nil, errors.Wrapf(err, "metric %s", name)
		}
		estimates[name] = MetricEstimate{Mean: mean, Error: confidenceRange}
	}
	return estimates, nil
}

package inference

import (
	"github.com/pkg/errors"
)

// MCDropoutOptions configures FromEmbeddingsWithMonteCarloDropout
type MCDropoutOptions struct {
	Split           string  `json:"split_name"`
	ForwardPasses   int     `json:"n_forward_passes"`
	ConfidenceLevel float64 `json:"confidence_level"`
	Seed            int64   `json:"seed"`
}

// DefaultMCDropoutOptions returns 30 passes at a 95% interval
func DefaultMCDropoutOptions() MCDropoutOptions {
	return MCDropoutOptions{
		Split:           DefaultSplit,
		ForwardPasses:   30,
		ConfidenceLevel: 0.05,
		Seed:            42,
	}
}

// MCDPrediction summarises the dropout passes for one sample, or one
// position of a residue-level sample. The bounds are per class.
type MCDPrediction struct {
	Prediction    string    `json:"prediction"`
	MCDMean       []float64 `json:"mcd_mean"`
	MCDLowerBound []float64 `json:"mcd_lower_bound"`
	MCDUpperBound []float64 `json:"mcd_upper_bound"`
}

// FromEmbeddingsWithMonteCarloDropout repeats the forward pass with dropout
// active and reports the mean class probabilities with their confidence
// bounds. Sequence-level results hold one entry per id.
func (inf *Inferencer) FromEmbeddingsWithMonteCarloDropout(embeddings Embeddings, opts MCDropoutOptions) (map[string][]MCDPrediction, error) {
	if err := checkConfidenceLevel(opts.ConfidenceLevel); err != nil {
		return nil, err
	}
	s, err := inf.split(opts.Split)
	if err != nil {
		return nil, err
	}
	loader, err := inf.loader(s, embeddings, nil)
	if err != nil {
		return nil, err
	}

	s.solver.SetRandomSeed(opts.Seed)
	passes, err := s.solver.InferenceMonteCarloDropout(loader, opts.ForwardPasses, opts.ConfidenceLevel)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]MCDPrediction, len(passes))
	for id, positions := range passes {
		mapped := make([]MCDPrediction, len(positions))
		for j, p := range positions {
			label, err := inf.classes.Label(p.Prediction)
			if err != nil {
				return nil, errors.Wrapf(err, "prediction of %s", id)
			}
			mapped[j] = MCDPrediction{
				Prediction:    label,
				MCDMean:       p.MCDMean,
				MCDLowerBound: p.MCDLowerBound,
				MCDUpperBound: p.MCDUpperBound,
			}
		}
		result[id] = mapped
	}
	return result, nil
}

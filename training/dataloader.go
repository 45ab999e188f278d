package training

import (
	"fmt"

	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/tensor"
)

// Sample is one embedded sequence. Embedding is [F] for sequence-level and
// [L, F] for residue-level protocols. Target is nil when no labels are known,
// one class for sequence-level, and one class per position for residue-level.
type Sample struct {
	ID        string
	Embedding *tensor.Tensor
	Target    []int
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) Sample
	Protocol() protocols.Protocol
	HasTargets() bool
}

// sampleDataset holds validated, immutable samples for one protocol
type sampleDataset struct {
	protocol   protocols.Protocol
	samples    []Sample
	features   int
	hasTargets bool
}

// BuildDataset validates samples against protocol and wraps them in a Dataset.
// Either every sample carries a target or none does.
func BuildDataset(protocol protocols.Protocol, samples []Sample) (Dataset, error) {
	if !protocol.IsClassification() {
		return nil, fmt.Errorf("no dataset available for protocol %s", protocol)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset needs at least one sample")
	}

	ds := &sampleDataset{
		protocol:   protocol,
		samples:    make([]Sample, len(samples)),
		hasTargets: samples[0].Target != nil,
	}
	seen := make(map[string]bool, len(samples))
	for i, s := range samples {
		if s.Embedding == nil {
			return nil, fmt.Errorf("sample %q has no embedding", s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate sample id %q", s.ID)
		}
		seen[s.ID] = true

		if (s.Target != nil) != ds.hasTargets {
			return nil, fmt.Errorf("sample %q: either all samples carry targets or none do", s.ID)
		}

		wantRank := 1
		if protocol.IsPerResidue() {
			wantRank = 2
		}
		if s.Embedding.Rank() != wantRank {
			return nil, fmt.Errorf("sample %q: %s embeddings must have rank %d, got shape %v", s.ID, protocol, wantRank, s.Embedding.Shape)
		}
		if i == 0 {
			ds.features = s.Embedding.LastDim()
		} else if s.Embedding.LastDim() != ds.features {
			return nil, fmt.Errorf("sample %q has %d features, expected %d", s.ID, s.Embedding.LastDim(), ds.features)
		}

		if s.Target != nil {
			wantTargets := 1
			if protocol.IsPerResidue() {
				wantTargets = s.Embedding.Shape[0]
			}
			if len(s.Target) != wantTargets {
				return nil, fmt.Errorf("sample %q has %d targets, expected %d", s.ID, len(s.Target), wantTargets)
			}
		}

		ds.samples[i] = Sample{
			ID:        s.ID,
			Embedding: s.Embedding,
			Target:    append([]int(nil), s.Target...),
		}
	}
	return ds, nil
}

func (ds *sampleDataset) Len() int                     { return len(ds.samples) }
func (ds *sampleDataset) Get(idx int) Sample           { return ds.samples[idx] }
func (ds *sampleDataset) Protocol() protocols.Protocol { return ds.protocol }
func (ds *sampleDataset) HasTargets() bool             { return ds.hasTargets }

// Batch is a collated slice of the dataset. For residue-level protocols
// Embeddings is [N, maxL, F] zero-padded and Targets is padded with
// protocols.PadValue; Lengths keeps the true sequence lengths.
type Batch struct {
	IDs        []string
	Embeddings *tensor.Tensor
	Targets    []int
	Lengths    []int
}

// Loader yields batches in dataset order. It never shuffles or drops the
// last partial batch.
type Loader struct {
	dataset   Dataset
	batchSize int
}

// NewLoader creates a loader over dataset
func NewLoader(dataset Dataset, batchSize int) (*Loader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	return &Loader{dataset: dataset, batchSize: batchSize}, nil
}

// Len returns the number of batches in an epoch
func (l *Loader) Len() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// Dataset returns the underlying dataset
func (l *Loader) Dataset() Dataset {
	return l.dataset
}

// Batch collates the i-th batch
func (l *Loader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= l.Len() {
		return nil, fmt.Errorf("batch index %d out of range [0, %d)", i, l.Len())
	}
	start := i * l.batchSize
	end := start + l.batchSize
	if end > l.dataset.Len() {
		end = l.dataset.Len()
	}

	batch := &Batch{
		IDs:     make([]string, 0, end-start),
		Lengths: make([]int, 0, end-start),
	}
	embeddings := make([]*tensor.Tensor, 0, end-start)
	for idx := start; idx < end; idx++ {
		s := l.dataset.Get(idx)
		batch.IDs = append(batch.IDs, s.ID)
		embeddings = append(embeddings, s.Embedding)
		if l.dataset.Protocol().IsPerResidue() {
			batch.Lengths = append(batch.Lengths, s.Embedding.Shape[0])
		} else {
			batch.Lengths = append(batch.Lengths, 1)
		}
	}

	var err error
	if l.dataset.Protocol().IsPerResidue() {
		batch.Embeddings, err = tensor.PadStack(embeddings, 0)
	} else {
		batch.Embeddings, err = tensor.Stack(embeddings)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collate batch %d: %v", i, err)
	}

	if l.dataset.HasTargets() {
		batch.Targets = collateTargets(l.dataset, start, end, batch.Embeddings)
	}
	return batch, nil
}

func collateTargets(ds Dataset, start, end int, embeddings *tensor.Tensor) []int {
	if !ds.Protocol().IsPerResidue() {
		targets := make([]int, 0, end-start)
		for idx := start; idx < end; idx++ {
			targets = append(targets, ds.Get(idx).Target[0])
		}
		return targets
	}

	maxLen := embeddings.Shape[1]
	targets := make([]int, (end-start)*maxLen)
	for i := range targets {
		targets[i] = protocols.PadValue
	}
	for idx := start; idx < end; idx++ {
		copy(targets[(idx-start)*maxLen:], ds.Get(idx).Target)
	}
	return targets
}

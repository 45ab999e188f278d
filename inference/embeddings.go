package inference

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/embedtrain/embedtrain/tensor"
)

// Embeddings is an ordered collection of per-sequence embeddings keyed by id
type Embeddings struct {
	ids    []string
	values []*tensor.Tensor
}

// EmbeddingsFromSlice keys values by their position: "0", "1", ...
func EmbeddingsFromSlice(values []*tensor.Tensor) Embeddings {
	ids := make([]string, len(values))
	for i := range values {
		ids[i] = strconv.Itoa(i)
	}
	return Embeddings{ids: ids, values: append([]*tensor.Tensor(nil), values...)}
}

// EmbeddingsFromMap orders the entries by id
func EmbeddingsFromMap(m map[string]*tensor.Tensor) Embeddings {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	values := make([]*tensor.Tensor, len(ids))
	for i, id := range ids {
		values[i] = m[id]
	}
	return Embeddings{ids: ids, values: values}
}

// NewEmbeddings keeps the given id order
func NewEmbeddings(ids []string, values []*tensor.Tensor) (Embeddings, error) {
	if len(ids) != len(values) {
		return Embeddings{}, fmt.Errorf("got %d ids for %d embeddings", len(ids), len(values))
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return Embeddings{}, fmt.Errorf("duplicate id %q", id)
		}
		seen[id] = true
	}
	return Embeddings{
		ids:    append([]string(nil), ids...),
		values: append([]*tensor.Tensor(nil), values...),
	}, nil
}

// Len returns the number of embeddings
func (e Embeddings) Len() int { return len(e.ids) }

// IDs returns the ids in order. Targets passed alongside follow this order.
func (e Embeddings) IDs() []string { return append([]string(nil), e.ids...) }

// At returns the i-th id and embedding
func (e Embeddings) At(i int) (string, *tensor.Tensor) { return e.ids[i], e.values[i] }

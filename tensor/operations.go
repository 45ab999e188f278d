package tensor

import (
	"fmt"
	"math"
)

// Stack joins equally shaped tensors along a new leading dimension
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := tensors[0]
	data := make([]float32, 0, len(tensors)*len(first.Data))
	for i, t := range tensors {
		if !sameShape(t.Shape, first.Shape) {
			return nil, fmt.Errorf("tensor %d has shape %v, expected %v", i, t.Shape, first.Shape)
		}
		data = append(data, t.Data...)
	}
	shape := append([]int{len(tensors)}, first.Shape...)
	return New(shape, data)
}

// PadStack stacks 2D tensors of shape [L_i, F] into [N, max(L_i), F], filling missing rows with value
func PadStack(tensors []*Tensor, value float32) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	features := tensors[0].LastDim()
	maxLen := 0
	for i, t := range tensors {
		if t.Rank() != 2 {
			return nil, fmt.Errorf("tensor %d has rank %d, expected 2", i, t.Rank())
		}
		if t.LastDim() != features {
			return nil, fmt.Errorf("tensor %d has %d features, expected %d", i, t.LastDim(), features)
		}
		if t.Shape[0] > maxLen {
			maxLen = t.Shape[0]
		}
	}

	out, err := Full(value, len(tensors), maxLen, features)
	if err != nil {
		return nil, err
	}
	for i, t := range tensors {
		copy(out.Data[i*maxLen*features:], t.Data)
	}
	return out, nil
}

// Softmax applies a numerically stable softmax along the innermost dimension
func Softmax(t *Tensor) *Tensor {
	out := t.Clone()
	for r := 0; r < out.Rows(); r++ {
		SoftmaxInPlace(out.Row(r))
	}
	return out
}

// SoftmaxInPlace normalises a single vector
func SoftmaxInPlace(row []float32) {
	if len(row) == 0 {
		return
	}
	maxVal := row[0]
	for _, v := range row[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(float64(v - maxVal))
		row[i] = float32(e)
		sum += e
	}
	for i := range row {
		row[i] = float32(float64(row[i]) / sum)
	}
}

// ArgMax returns the index of the largest element of every innermost vector
func ArgMax(t *Tensor) []int {
	result := make([]int, t.Rows())
	for r := range result {
		result[r] = ArgMaxVector(t.Row(r))
	}
	return result
}

// ArgMaxVector returns the index of the largest element, preferring the first on ties
func ArgMaxVector(row []float32) int {
	maxIdx := 0
	for j := 1; j < len(row); j++ {
		if row[j] > row[maxIdx] {
			maxIdx = j
		}
	}
	return maxIdx
}

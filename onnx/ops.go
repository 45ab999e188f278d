package onnx

import (
	"fmt"

	"github.com/embedtrain/embedtrain/tensor"
)

func runNode(node *NodeProto, args []*tensor.Tensor) (*tensor.Tensor, error) {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("expected %d inputs, got %d", n, len(args))
		}
		for i := 0; i < n; i++ {
			if args[i] == nil {
				return fmt.Errorf("input %d is missing", i)
			}
		}
		return nil
	}

	switch node.OpType {
	case "MatMul":
		if err := need(2); err != nil {
			return nil, err
		}
		return matMul(args[0], args[1])
	case "Add":
		if err := need(2); err != nil {
			return nil, err
		}
		return add(args[0], args[1])
	case "Relu":
		if err := need(1); err != nil {
			return nil, err
		}
		return leakyRelu(args[0], 0), nil
	case "LeakyRelu":
		if err := need(1); err != nil {
			return nil, err
		}
		return leakyRelu(args[0], node.FloatAttr("alpha", 0.01)), nil
	case "Dropout", "Identity":
		// Inference graphs never sample dropout masks
		if err := need(1); err != nil {
			return nil, err
		}
		return args[0].Clone(), nil
	case "Softmax":
		if err := need(1); err != nil {
			return nil, err
		}
		axis := node.IntAttr("axis", -1)
		rank := int64(args[0].Rank())
		if axis != -1 && axis != rank-1 {
			return nil, fmt.Errorf("softmax is only supported over the last axis, got axis %d for rank %d", axis, rank)
		}
		return tensor.Softmax(args[0]), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, node.OpType)
}

// matMul multiplies [..., K] by a 2D [K, N] matrix
func matMul(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if b.Rank() != 2 {
		return nil, fmt.Errorf("MatMul right operand must be 2D, got shape %v", b.Shape)
	}
	k, n := b.Shape[0], b.Shape[1]
	if a.LastDim() != k {
		return nil, fmt.Errorf("MatMul shape mismatch: %v x %v", a.Shape, b.Shape)
	}

	rows := a.Rows()
	out := make([]float32, rows*n)
	for r := 0; r < rows; r++ {
		ar := a.Row(r)
		or := out[r*n : (r+1)*n]
		for i, av := range ar {
			if av == 0 {
				continue
			}
			br := b.Data[i*n : (i+1)*n]
			for j, bv := range br {
				or[j] += av * bv
			}
		}
	}

	shape := append([]int(nil), a.Shape...)
	shape[len(shape)-1] = n
	return tensor.New(shape, out)
}

// add supports equal shapes and broadcasting of a trailing-suffix operand
func add(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	big, small := a, b
	if len(b.Data) > len(a.Data) {
		big, small = b, a
	}
	if len(small.Data) != 1 && !isSuffix(small.Shape, big.Shape) {
		return nil, fmt.Errorf("Add cannot broadcast %v with %v", a.Shape, b.Shape)
	}

	out := big.Clone()
	width := len(small.Data)
	for i := range out.Data {
		out.Data[i] += small.Data[i%width]
	}
	return out, nil
}

func isSuffix(small, big []int) bool {
	// Leading size-1 dimensions of the smaller operand broadcast freely
	for len(small) > 0 && small[0] == 1 && len(small) > 1 {
		small = small[1:]
	}
	if len(small) > len(big) {
		return false
	}
	offset := len(big) - len(small)
	for i, dim := range small {
		if big[offset+i] != dim {
			return false
		}
	}
	return true
}

func leakyRelu(x *tensor.Tensor, alpha float32) *tensor.Tensor {
	out := x.Clone()
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = v * alpha
		}
	}
	return out
}

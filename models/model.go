// Package models provides the reference architectures and the registry that
// builds them from a protocol, a model choice and a parameter bag.
package models

import (
	"github.com/embedtrain/embedtrain/engine"
	"github.com/embedtrain/embedtrain/layers"
	"github.com/embedtrain/embedtrain/tensor"
)

// Model is the capability set the solver needs from a network
type Model interface {
	// Forward maps embeddings [N, F] or [N, L, F] to logits with the same leading dimensions
	Forward(x *tensor.Tensor, mode engine.Mode) (*tensor.Tensor, error)
	// Backward accumulates gradients for the last ModeTrain forward pass
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*engine.Parameter
	ZeroGrad()
	SetRandomSeed(seed int64)
}

// Traceable models expose a static layer graph and can be exported to ONNX
type Traceable interface {
	Spec() *layers.ModelSpec
}

// network wraps an engine.Network under a registry name
type network struct {
	*engine.Network
	name string
}

func (n *network) String() string {
	return n.name
}

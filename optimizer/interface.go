package optimizer

import (
	"fmt"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/engine"
)

// Optimizer defines the common interface for all optimizers.
// Implementations update the parameters they were built with, using the
// gradients accumulated in those parameters.
type Optimizer interface {
	// Step performs a single optimization step
	Step() error

	// ZeroGrad clears the gradients of every bound parameter
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float32
}

// OptimizerState is the serializable optimizer snapshot stored in checkpoints
type OptimizerState = checkpoints.OptimizerState

// OptimizerTensorState is one named state buffer inside an OptimizerState
type OptimizerTensorState = checkpoints.OptimizerTensor

// parameterSet holds the bound parameters and per-parameter state buffers
type parameterSet struct {
	params []*engine.Parameter
}

func newParameterSet(params []*engine.Parameter) (parameterSet, error) {
	if len(params) == 0 {
		return parameterSet{}, fmt.Errorf("no parameters provided")
	}
	return parameterSet{params: params}, nil
}

// ZeroGrad clears the gradients of every bound parameter
func (ps parameterSet) ZeroGrad() {
	for _, p := range ps.params {
		p.ZeroGrad()
	}
}

// buffers allocates one zeroed buffer per parameter
func (ps parameterSet) buffers() [][]float32 {
	out := make([][]float32, len(ps.params))
	for i, p := range ps.params {
		out[i] = make([]float32, len(p.Data))
	}
	return out
}

// effectiveGradient returns grad + weightDecay * w for element j of parameter p
func effectiveGradient(p *engine.Parameter, j int, weightDecay float32) float32 {
	g := p.Grad[j]
	if weightDecay != 0 {
		g += weightDecay * p.Data[j]
	}
	return g
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	// Find the last underscore in the name
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	// Try to parse the number after the last underscore
	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

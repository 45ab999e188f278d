package optimizer

import (
	"fmt"

	"github.com/embedtrain/embedtrain/engine"
)

// SGDOptimizerState represents SGD optimizer state
type SGDOptimizerState struct {
	parameterSet

	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only used if momentum > 0)
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*engine.Parameter) (*SGDOptimizerState, error) {
	set, err := newParameterSet(params)
	if err != nil {
		return nil, err
	}
	if config.Nesterov && config.Momentum <= 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	return &SGDOptimizerState{
		parameterSet:    set,
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: set.buffers(),
	}, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step() error {
	sgd.StepCount++

	for i, p := range sgd.params {
		buf := sgd.MomentumBuffers[i]
		for j := range p.Data {
			g := effectiveGradient(p, j, sgd.WeightDecay)
			if sgd.Momentum > 0 {
				buf[j] = sgd.Momentum*buf[j] + g
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			p.Data[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]OptimizerTensorState, 0)

	// Extract momentum buffers if momentum is used
	if sgd.Momentum > 0 {
		for i, buffer := range sgd.MomentumBuffers {
			stateData = append(stateData, extractBufferState(buffer, sgd.params[i],
				fmt.Sprintf("momentum_%d", i), "momentum"))
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	// Validate state type
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	// Restore hyperparameters
	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	// Restore momentum buffers if present
	return restoreBufferStates(sgd.MomentumBuffers, state, "momentum")
}

package optimizer

import (
	"fmt"
	"math"

	"github.com/embedtrain/embedtrain/engine"
)

// AdamOptimizerState represents Adam optimizer state
type AdamOptimizerState struct {
	parameterSet

	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment (momentum) for each weight tensor
	VarianceBuffers [][]float32 // Second moment (variance) for each weight tensor

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*engine.Parameter) (*AdamOptimizerState, error) {
	set, err := newParameterSet(params)
	if err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("adam betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}

	// Momentum and variance start at 0
	return &AdamOptimizerState{
		parameterSet:    set,
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: set.buffers(),
		VarianceBuffers: set.buffers(),
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	biasCorrection1 := 1 - math.Pow(float64(adam.Beta1), float64(adam.StepCount))
	biasCorrection2 := 1 - math.Pow(float64(adam.Beta2), float64(adam.StepCount))
	stepSize := float64(adam.LearningRate) / biasCorrection1

	for i, p := range adam.params {
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]
		for j := range p.Data {
			g := effectiveGradient(p, j, adam.WeightDecay)
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g

			denom := math.Sqrt(float64(v[j])/biasCorrection2) + float64(adam.Epsilon)
			p.Data[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]OptimizerTensorState, 0, 2*len(adam.params))
	for i, p := range adam.params {
		stateData = append(stateData,
			extractBufferState(adam.MomentumBuffers[i], p, fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(adam.VarianceBuffers[i], p, fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreBufferStates(adam.MomentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBufferStates(adam.VarianceBuffers, state, "variance")
}

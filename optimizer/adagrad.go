package optimizer

import (
	"fmt"
	"math"

	"github.com/embedtrain/embedtrain/engine"
)

// AdaGradOptimizerState represents AdaGrad optimizer state
type AdaGradOptimizerState struct {
	parameterSet

	// Configuration
	config AdaGradConfig

	// Accumulated squared gradients
	squaredGradAvgBuffers [][]float32

	// Step tracking
	currentStep uint64
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float32 // Learning rate
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer over params
func NewAdaGradOptimizer(config AdaGradConfig, params []*engine.Parameter) (*AdaGradOptimizerState, error) {
	set, err := newParameterSet(params)
	if err != nil {
		return nil, err
	}
	return &AdaGradOptimizerState{
		parameterSet:          set,
		config:                config,
		squaredGradAvgBuffers: set.buffers(),
	}, nil
}

// Step performs a single AdaGrad optimization step
func (adagrad *AdaGradOptimizerState) Step() error {
	adagrad.currentStep++

	for i, p := range adagrad.params {
		acc := adagrad.squaredGradAvgBuffers[i]
		for j := range p.Data {
			g := effectiveGradient(p, j, adagrad.config.WeightDecay)
			acc[j] += g * g
			p.Data[j] -= adagrad.config.LearningRate * g / float32(math.Sqrt(float64(acc[j]))+float64(adagrad.config.Epsilon))
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adagrad *AdaGradOptimizerState) UpdateLearningRate(newLR float32) {
	adagrad.config.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adagrad *AdaGradOptimizerState) GetLearningRate() float32 {
	return adagrad.config.LearningRate
}

// GetStepCount returns the current step count
func (adagrad *AdaGradOptimizerState) GetStepCount() uint64 {
	return adagrad.currentStep
}

// GetState extracts optimizer state for checkpointing
func (adagrad *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]OptimizerTensorState, len(adagrad.params))
	for i, p := range adagrad.params {
		stateData[i] = extractBufferState(adagrad.squaredGradAvgBuffers[i], p,
			fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg")
	}

	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": adagrad.config.LearningRate,
			"epsilon":       adagrad.config.Epsilon,
			"weight_decay":  adagrad.config.WeightDecay,
			"step_count":    adagrad.currentStep,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adagrad *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}

	adagrad.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adagrad.config.LearningRate)
	adagrad.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adagrad.config.Epsilon)
	adagrad.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adagrad.config.WeightDecay)
	adagrad.currentStep = extractUint64Param(state.Parameters, "step_count", adagrad.currentStep)

	return restoreBufferStates(adagrad.squaredGradAvgBuffers, state, "squared_grad_avg")
}

package optimizer

import (
	"fmt"
	"math"

	"github.com/embedtrain/embedtrain/engine"
)

// AdaDeltaOptimizerState represents AdaDelta optimizer state
type AdaDeltaOptimizerState struct {
	parameterSet

	config AdaDeltaConfig

	squaredGradAvgBuffers   [][]float32 // E[g^2]
	squaredUpdateAvgBuffers [][]float32 // E[dx^2]

	currentStep uint64
}

// AdaDeltaConfig holds configuration for AdaDelta optimizer
type AdaDeltaConfig struct {
	LearningRate float32 // Scales the adapted update; 1.0 is plain AdaDelta
	Rho          float32 // Decay rate for moving averages (typically 0.95)
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaDeltaConfig returns default AdaDelta optimizer configuration
func DefaultAdaDeltaConfig() AdaDeltaConfig {
	return AdaDeltaConfig{
		LearningRate: 1.0,
		Rho:          0.95,
		Epsilon:      1e-6,
		WeightDecay:  0.0,
	}
}

// NewAdaDeltaOptimizer creates a new AdaDelta optimizer over params
func NewAdaDeltaOptimizer(config AdaDeltaConfig, params []*engine.Parameter) (*AdaDeltaOptimizerState, error) {
	set, err := newParameterSet(params)
	if err != nil {
		return nil, err
	}
	if config.Rho < 0 || config.Rho >= 1 {
		return nil, fmt.Errorf("adadelta rho must be in [0, 1), got %v", config.Rho)
	}

	return &AdaDeltaOptimizerState{
		parameterSet:            set,
		config:                  config,
		squaredGradAvgBuffers:   set.buffers(),
		squaredUpdateAvgBuffers: set.buffers(),
	}, nil
}

// Step performs a single AdaDelta optimization step
func (adadelta *AdaDeltaOptimizerState) Step() error {
	adadelta.currentStep++

	rho := adadelta.config.Rho
	eps := float64(adadelta.config.Epsilon)
	for i, p := range adadelta.params {
		gradAvg := adadelta.squaredGradAvgBuffers[i]
		updateAvg := adadelta.squaredUpdateAvgBuffers[i]
		for j := range p.Data {
			g := effectiveGradient(p, j, adadelta.config.WeightDecay)
			gradAvg[j] = rho*gradAvg[j] + (1-rho)*g*g

			delta := float32(math.Sqrt(float64(updateAvg[j])+eps) / math.Sqrt(float64(gradAvg[j])+eps) * float64(g))
			updateAvg[j] = rho*updateAvg[j] + (1-rho)*delta*delta
			p.Data[j] -= adadelta.config.LearningRate * delta
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (adadelta *AdaDeltaOptimizerState) UpdateLearningRate(newLR float32) {
	adadelta.config.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adadelta *AdaDeltaOptimizerState) GetLearningRate() float32 {
	return adadelta.config.LearningRate
}

// GetStepCount returns the current step count
func (adadelta *AdaDeltaOptimizerState) GetStepCount() uint64 {
	return adadelta.currentStep
}

// GetState extracts optimizer state for checkpointing
func (adadelta *AdaDeltaOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]OptimizerTensorState, 0, 2*len(adadelta.params))
	for i, p := range adadelta.params {
		stateData = append(stateData,
			extractBufferState(adadelta.squaredGradAvgBuffers[i], p, fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"),
			extractBufferState(adadelta.squaredUpdateAvgBuffers[i], p, fmt.Sprintf("squared_update_avg_%d", i), "squared_update_avg"),
		)
	}

	return &OptimizerState{
		Type: "AdaDelta",
		Parameters: map[string]interface{}{
			"learning_rate": adadelta.config.LearningRate,
			"rho":           adadelta.config.Rho,
			"epsilon":       adadelta.config.Epsilon,
			"weight_decay":  adadelta.config.WeightDecay,
			"step_count":    adadelta.currentStep,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adadelta *AdaDeltaOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaDelta", state); err != nil {
		return err
	}

	adadelta.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adadelta.config.LearningRate)
	adadelta.config.Rho = extractFloat32Param(state.Parameters, "rho", adadelta.config.Rho)
	adadelta.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adadelta.config.Epsilon)
	adadelta.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adadelta.config.WeightDecay)
	adadelta.currentStep = extractUint64Param(state.Parameters, "step_count", adadelta.currentStep)

	if err := restoreBufferStates(adadelta.squaredGradAvgBuffers, state, "squared_grad_avg"); err != nil {
		return err
	}
	return restoreBufferStates(adadelta.squaredUpdateAvgBuffers, state, "squared_update_avg")
}

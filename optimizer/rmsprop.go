package optimizer

import (
	"fmt"
	"math"

	"github.com/embedtrain/embedtrain/engine"
)

// RMSPropOptimizerState represents RMSProp optimizer state
type RMSPropOptimizerState struct {
	parameterSet

	// Hyperparameters
	LearningRate float32
	Alpha        float32 // Smoothing constant (typically 0.99)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient
	Momentum     float32 // Momentum coefficient (typically 0.9, 0.0 for no momentum)
	Centered     bool    // Whether to use centered RMSProp (subtract mean of gradients)

	SquaredGradAvgBuffers [][]float32 // Running average of squared gradients for each weight tensor
	MomentumBuffers       [][]float32 // Momentum buffers for each weight tensor (if momentum > 0)
	GradientAvgBuffers    [][]float32 // Running average of gradients for each weight tensor (if centered)

	// Step tracking
	StepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer over params
func NewRMSPropOptimizer(config RMSPropConfig, params []*engine.Parameter) (*RMSPropOptimizerState, error) {
	set, err := newParameterSet(params)
	if err != nil {
		return nil, err
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, fmt.Errorf("alpha must be in [0, 1), got %v", config.Alpha)
	}

	return &RMSPropOptimizerState{
		parameterSet:          set,
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: set.buffers(),
		MomentumBuffers:       set.buffers(),
		GradientAvgBuffers:    set.buffers(),
	}, nil
}

// Step performs a single RMSProp optimization step
func (rmsprop *RMSPropOptimizerState) Step() error {
	rmsprop.StepCount++

	for i, p := range rmsprop.params {
		sq := rmsprop.SquaredGradAvgBuffers[i]
		mom := rmsprop.MomentumBuffers[i]
		avg := rmsprop.GradientAvgBuffers[i]
		for j := range p.Data {
			g := effectiveGradient(p, j, rmsprop.WeightDecay)
			sq[j] = rmsprop.Alpha*sq[j] + (1-rmsprop.Alpha)*g*g

			variance := float64(sq[j])
			if rmsprop.Centered {
				avg[j] = rmsprop.Alpha*avg[j] + (1-rmsprop.Alpha)*g
				variance -= float64(avg[j]) * float64(avg[j])
			}
			update := g / float32(math.Sqrt(math.Max(variance, 0))+float64(rmsprop.Epsilon))

			if rmsprop.Momentum > 0 {
				mom[j] = rmsprop.Momentum*mom[j] + update
				update = mom[j]
			}
			p.Data[j] -= rmsprop.LearningRate * update
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (rmsprop *RMSPropOptimizerState) UpdateLearningRate(newLR float32) {
	rmsprop.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (rmsprop *RMSPropOptimizerState) GetLearningRate() float32 {
	return rmsprop.LearningRate
}

// GetStepCount returns the current step count
func (rmsprop *RMSPropOptimizerState) GetStepCount() uint64 {
	return rmsprop.StepCount
}

// GetState extracts optimizer state for checkpointing
func (rmsprop *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]OptimizerTensorState, 0)
	for i, p := range rmsprop.params {
		stateData = append(stateData, extractBufferState(rmsprop.SquaredGradAvgBuffers[i], p,
			fmt.Sprintf("squared_grad_avg_%d", i), "squared_grad_avg"))
		if rmsprop.Momentum > 0 {
			stateData = append(stateData, extractBufferState(rmsprop.MomentumBuffers[i], p,
				fmt.Sprintf("momentum_%d", i), "momentum"))
		}
		if rmsprop.Centered {
			stateData = append(stateData, extractBufferState(rmsprop.GradientAvgBuffers[i], p,
				fmt.Sprintf("gradient_avg_%d", i), "gradient_avg"))
		}
	}

	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rmsprop.LearningRate,
			"alpha":         rmsprop.Alpha,
			"epsilon":       rmsprop.Epsilon,
			"weight_decay":  rmsprop.WeightDecay,
			"momentum":      rmsprop.Momentum,
			"centered":      rmsprop.Centered,
			"step_count":    rmsprop.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rmsprop *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	rmsprop.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", rmsprop.LearningRate)
	rmsprop.Alpha = extractFloat32Param(state.Parameters, "alpha", rmsprop.Alpha)
	rmsprop.Epsilon = extractFloat32Param(state.Parameters, "epsilon", rmsprop.Epsilon)
	rmsprop.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", rmsprop.WeightDecay)
	rmsprop.Momentum = extractFloat32Param(state.Parameters, "momentum", rmsprop.Momentum)
	rmsprop.Centered = extractBoolParam(state.Parameters, "centered", rmsprop.Centered)
	rmsprop.StepCount = extractUint64Param(state.Parameters, "step_count", rmsprop.StepCount)

	if err := restoreBufferStates(rmsprop.SquaredGradAvgBuffers, state, "squared_grad_avg"); err != nil {
		return err
	}
	if err := restoreBufferStates(rmsprop.MomentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBufferStates(rmsprop.GradientAvgBuffers, state, "gradient_avg")
}

package optimizer

import (
	"fmt"
	"math"

	"github.com/embedtrain/embedtrain/engine"
)

// NadamOptimizerState represents Nadam optimizer state.
// Nadam combines Adam's adaptive learning rates with Nesterov momentum.
type NadamOptimizerState struct {
	parameterSet

	config NadamConfig

	momentumBuffers [][]float32 // First moment for each weight tensor
	varianceBuffers [][]float32 // Second moment for each weight tensor

	// Step tracking for bias correction
	currentStep uint64
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float32 // Base learning rate (typically 0.002)
	Beta1        float32 // Decay rate for first moment estimates (typically 0.9)
	Beta2        float32 // Decay rate for second moment estimates (typically 0.999)
	Epsilon      float32 // Small constant for numerical stability (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewNadamOptimizer creates a new Nadam optimizer over params
func NewNadamOptimizer(config NadamConfig, params []*engine.Parameter) (*NadamOptimizerState, error) {
	set, err := newParameterSet(params)
	if err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("nadam betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}

	return &NadamOptimizerState{
		parameterSet:    set,
		config:          config,
		momentumBuffers: set.buffers(),
		varianceBuffers: set.buffers(),
	}, nil
}

// Step performs a single Nadam optimization step. The first moment is
// looked ahead by one step before the update is applied.
func (nadam *NadamOptimizerState) Step() error {
	nadam.currentStep++

	beta1 := float64(nadam.config.Beta1)
	beta2 := float64(nadam.config.Beta2)
	t := float64(nadam.currentStep)
	biasCorrection1 := 1 - math.Pow(beta1, t)
	biasCorrection1Next := 1 - math.Pow(beta1, t+1)
	biasCorrection2 := 1 - math.Pow(beta2, t)
	lr := float64(nadam.config.LearningRate)

	for i, p := range nadam.params {
		m := nadam.momentumBuffers[i]
		v := nadam.varianceBuffers[i]
		for j := range p.Data {
			g := effectiveGradient(p, j, nadam.config.WeightDecay)
			m[j] = nadam.config.Beta1*m[j] + (1-nadam.config.Beta1)*g
			v[j] = nadam.config.Beta2*v[j] + (1-nadam.config.Beta2)*g*g

			mHat := beta1*float64(m[j])/biasCorrection1Next + (1-beta1)*float64(g)/biasCorrection1
			denom := math.Sqrt(float64(v[j])/biasCorrection2) + float64(nadam.config.Epsilon)
			p.Data[j] -= float32(lr * mHat / denom)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (nadam *NadamOptimizerState) UpdateLearningRate(newLR float32) {
	nadam.config.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (nadam *NadamOptimizerState) GetLearningRate() float32 {
	return nadam.config.LearningRate
}

// GetStepCount returns the current step count
func (nadam *NadamOptimizerState) GetStepCount() uint64 {
	return nadam.currentStep
}

// GetState extracts optimizer state for checkpointing
func (nadam *NadamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]OptimizerTensorState, 0, 2*len(nadam.params))
	for i, p := range nadam.params {
		stateData = append(stateData,
			extractBufferState(nadam.momentumBuffers[i], p, fmt.Sprintf("momentum_%d", i), "momentum"),
			extractBufferState(nadam.varianceBuffers[i], p, fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Nadam",
		Parameters: map[string]interface{}{
			"learning_rate": nadam.config.LearningRate,
			"beta1":         nadam.config.Beta1,
			"beta2":         nadam.config.Beta2,
			"epsilon":       nadam.config.Epsilon,
			"weight_decay":  nadam.config.WeightDecay,
			"step_count":    nadam.currentStep,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (nadam *NadamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Nadam", state); err != nil {
		return err
	}

	nadam.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", nadam.config.LearningRate)
	nadam.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", nadam.config.Beta1)
	nadam.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", nadam.config.Beta2)
	nadam.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", nadam.config.Epsilon)
	nadam.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", nadam.config.WeightDecay)
	nadam.currentStep = extractUint64Param(state.Parameters, "step_count", nadam.currentStep)

	if err := restoreBufferStates(nadam.momentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBufferStates(nadam.varianceBuffers, state, "variance")
}

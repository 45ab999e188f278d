package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedtrain/embedtrain/engine"
	"github.com/embedtrain/embedtrain/layers"
	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/tensor"
)

// quadraticParams returns a single parameter whose gradient is set to w - target
func quadraticParams(t *testing.T) ([]*engine.Parameter, func()) {
	t.Helper()
	spec, err := layers.NewModelBuilder(2).AddDense(2, true, "lin").Compile()
	require.NoError(t, err)
	net, err := engine.NewNetwork(spec, 3)
	require.NoError(t, err)

	params := net.Parameters()
	setGrad := func() {
		for _, p := range params {
			for j := range p.Data {
				p.Grad[j] = p.Data[j] - 1
			}
		}
	}
	return params, setGrad
}

func distanceToTarget(params []*engine.Parameter) float64 {
	var d float64
	for _, p := range params {
		for _, v := range p.Data {
			d += float64((v - 1) * (v - 1))
		}
	}
	return d
}

func TestOptimizersReduceQuadraticLoss(t *testing.T) {
	for _, choice := range Choices() {
		t.Run(choice, func(t *testing.T) {
			params, setGrad := quadraticParams(t)
			opt, err := Build(protocols.SequenceToClass, choice, map[string]interface{}{"momentum": 0.5}, 0.01, params)
			require.NoError(t, err)

			before := distanceToTarget(params)
			for i := 0; i < 50; i++ {
				opt.ZeroGrad()
				setGrad()
				require.NoError(t, opt.Step())
			}
			assert.Less(t, distanceToTarget(params), before)
			assert.Equal(t, uint64(50), opt.GetStepCount())
		})
	}
}

func TestBuildUnknownOptimizer(t *testing.T) {
	params, _ := quadraticParams(t)
	_, err := Build(protocols.SequenceToClass, "lion", nil, 0.1, params)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownChoice))

	_, err = Build(protocols.SequenceToClass, "adam", nil, 0, params)
	require.Error(t, err)
}

func TestStateRoundTripThroughJSON(t *testing.T) {
	for _, choice := range Choices() {
		t.Run(choice, func(t *testing.T) {
			params, setGrad := quadraticParams(t)
			opt, err := Build(protocols.ResidueToClass, choice, map[string]interface{}{"momentum": 0.9}, 0.01, params)
			require.NoError(t, err)
			for i := 0; i < 3; i++ {
				setGrad()
				require.NoError(t, opt.Step())
			}
			opt.UpdateLearningRate(0.02)

			state, err := opt.GetState()
			require.NoError(t, err)
			data, err := json.Marshal(state)
			require.NoError(t, err)
			var decoded OptimizerState
			require.NoError(t, json.Unmarshal(data, &decoded))

			fresh, err := Build(protocols.ResidueToClass, choice, nil, 0.5, params)
			require.NoError(t, err)
			require.NoError(t, fresh.LoadState(&decoded))
			assert.Equal(t, uint64(3), fresh.GetStepCount())
			assert.InDelta(t, 0.02, fresh.GetLearningRate(), 1e-7)

			restored, err := fresh.GetState()
			require.NoError(t, err)
			require.Len(t, restored.StateData, len(state.StateData))
			for i := range state.StateData {
				assert.Equal(t, state.StateData[i].Data, restored.StateData[i].Data)
			}
		})
	}
}

func TestLoadStateRejectsOtherOptimizers(t *testing.T) {
	params, _ := quadraticParams(t)
	sgd, err := NewSGDOptimizer(DefaultSGDConfig(), params)
	require.NoError(t, err)
	require.Error(t, sgd.LoadState(&OptimizerState{Type: "Adam"}))
	require.Error(t, sgd.LoadState(nil))
}

func TestZeroGradClearsParameters(t *testing.T) {
	params, setGrad := quadraticParams(t)
	opt, err := NewAdamOptimizer(DefaultAdamConfig(), params)
	require.NoError(t, err)
	setGrad()
	opt.ZeroGrad()

	zeros, err := tensor.Zeros(len(params[0].Grad))
	require.NoError(t, err)
	assert.Equal(t, zeros.Data, params[0].Grad)
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 3, extractBufferIndex("momentum_3"))
	assert.Equal(t, 0, extractBufferIndex("squared_grad_avg_0"))
	assert.Equal(t, -1, extractBufferIndex("momentum"))
}

func TestFirstStepUpdates(t *testing.T) {
	tests := []struct {
		name  string
		build func(params []*engine.Parameter) (Optimizer, error)
		delta func(g float64) float64
	}{
		{
			name: "nadam",
			build: func(params []*engine.Parameter) (Optimizer, error) {
				config := DefaultNadamConfig()
				config.LearningRate = 0.01
				return NewNadamOptimizer(config, params)
			},
			// Look-ahead moment: 0.9*0.1g/(1-0.9^2) + 0.1g/(1-0.9)
			delta: func(g float64) float64 {
				mHat := 0.9*0.1*g/0.19 + g
				return 0.01 * mHat / (math.Abs(g) + 1e-8)
			},
		},
		{
			name: "adadelta",
			build: func(params []*engine.Parameter) (Optimizer, error) {
				return NewAdaDeltaOptimizer(DefaultAdaDeltaConfig(), params)
			},
			delta: func(g float64) float64 {
				return math.Sqrt(1e-6) / math.Sqrt(0.05*g*g+1e-6) * g
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, setGrad := quadraticParams(t)
			opt, err := tt.build(params)
			require.NoError(t, err)

			setGrad()
			var before, grads []float64
			for _, p := range params {
				for j := range p.Data {
					before = append(before, float64(p.Data[j]))
					grads = append(grads, float64(p.Grad[j]))
				}
			}
			require.NoError(t, opt.Step())

			k := 0
			for _, p := range params {
				for j := range p.Data {
					assert.InDelta(t, before[k]-tt.delta(grads[k]), float64(p.Data[j]), 1e-5)
					k++
				}
			}
		})
	}
}

func TestInvalidDecayRates(t *testing.T) {
	params, _ := quadraticParams(t)

	nadam := DefaultNadamConfig()
	nadam.Beta2 = 1
	_, err := NewNadamOptimizer(nadam, params)
	assert.Error(t, err)

	adadelta := DefaultAdaDeltaConfig()
	adadelta.Rho = -0.1
	_, err = NewAdaDeltaOptimizer(adadelta, params)
	assert.Error(t, err)

	_, err = NewAdaDeltaOptimizer(DefaultAdaDeltaConfig(), nil)
	assert.Error(t, err)

	assert.Subset(t, Choices(), []string{"adadelta", "adagrad", "adam", "nadam", "rmsprop", "sgd"})
}

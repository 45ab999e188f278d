package optimizer

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/embedtrain/embedtrain/engine"
	"github.com/embedtrain/embedtrain/protocols"
)

// ErrUnknownChoice is returned when no optimizer is registered under the requested name
var ErrUnknownChoice = errors.New("unknown optimizer choice")

// Constructor builds an optimizer bound to parameters. params carries
// optimizer-specific keys such as "momentum", "weight_decay", "beta1".
type Constructor func(params map[string]interface{}, learningRate float32, parameters []*engine.Parameter) (Optimizer, error)

var registry = map[string]Constructor{
	"adam": func(params map[string]interface{}, lr float32, parameters []*engine.Parameter) (Optimizer, error) {
		config := DefaultAdamConfig()
		config.LearningRate = lr
		config.Beta1 = extractFloat32Param(params, "beta1", config.Beta1)
		config.Beta2 = extractFloat32Param(params, "beta2", config.Beta2)
		config.WeightDecay = extractFloat32Param(params, "weight_decay", config.WeightDecay)
		return NewAdamOptimizer(config, parameters)
	},
	"sgd": func(params map[string]interface{}, lr float32, parameters []*engine.Parameter) (Optimizer, error) {
		config := DefaultSGDConfig()
		config.LearningRate = lr
		config.Momentum = extractFloat32Param(params, "momentum", config.Momentum)
		config.WeightDecay = extractFloat32Param(params, "weight_decay", config.WeightDecay)
		config.Nesterov = extractBoolParam(params, "nesterov", config.Nesterov)
		return NewSGDOptimizer(config, parameters)
	},
	"rmsprop": func(params map[string]interface{}, lr float32, parameters []*engine.Parameter) (Optimizer, error) {
		config := DefaultRMSPropConfig()
		config.LearningRate = lr
		config.Alpha = extractFloat32Param(params, "alpha", config.Alpha)
		config.Momentum = extractFloat32Param(params, "momentum", config.Momentum)
		config.WeightDecay = extractFloat32Param(params, "weight_decay", config.WeightDecay)
		config.Centered = extractBoolParam(params, "centered", config.Centered)
		return NewRMSPropOptimizer(config, parameters)
	},
	"adagrad": func(params map[string]interface{}, lr float32, parameters []*engine.Parameter) (Optimizer, error) {
		config := DefaultAdaGradConfig()
		config.LearningRate = lr
		config.WeightDecay = extractFloat32Param(params, "weight_decay", config.WeightDecay)
		return NewAdaGradOptimizer(config, parameters)
	},
	"nadam": func(params map[string]interface{}, lr float32, parameters []*engine.Parameter) (Optimizer, error) {
		config := DefaultNadamConfig()
		config.LearningRate = lr
		config.Beta1 = extractFloat32Param(params, "beta1", config.Beta1)
		config.Beta2 = extractFloat32Param(params, "beta2", config.Beta2)
		config.WeightDecay = extractFloat32Param(params, "weight_decay", config.WeightDecay)
		return NewNadamOptimizer(config, parameters)
	},
	"adadelta": func(params map[string]interface{}, lr float32, parameters []*engine.Parameter) (Optimizer, error) {
		config := DefaultAdaDeltaConfig()
		config.LearningRate = lr
		config.Rho = extractFloat32Param(params, "rho", config.Rho)
		config.WeightDecay = extractFloat32Param(params, "weight_decay", config.WeightDecay)
		return NewAdaDeltaOptimizer(config, parameters)
	},
}

// Choices lists the registered optimizer names
func Choices() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates the optimizer registered as choice. Every optimizer works
// for every protocol; the protocol is accepted so all factories share one shape.
func Build(protocol protocols.Protocol, choice string, params map[string]interface{}, learningRate float32, parameters []*engine.Parameter) (Optimizer, error) {
	constructor, ok := registry[strings.ToLower(choice)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChoice, "optimizer %q", choice)
	}
	if learningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", learningRate)
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	opt, err := constructor(params, learningRate, parameters)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build optimizer %q for %s", choice, protocol)
	}
	return opt, nil
}

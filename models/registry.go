package models

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/embedtrain/embedtrain/engine"
	"github.com/embedtrain/embedtrain/layers"
	"github.com/embedtrain/embedtrain/protocols"
)

// ErrUnknownChoice is returned when no model is registered under the requested name
var ErrUnknownChoice = errors.New("unknown model choice")

const (
	DefaultDropoutRate = 0.25
	DefaultSeed        = 42
)

// Constructor describes a model architecture for the given dimensions
type Constructor func(nClasses, nFeatures int, params map[string]interface{}) (*layers.ModelSpec, error)

type registration struct {
	constructor Constructor
	protocols   []protocols.Protocol
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registration{}
)

func init() {
	all := protocols.All()
	Register("FNN", buildFNN, all...)
	Register("DeeperFNN", buildDeeperFNN, all...)
	Register("LogReg", buildLogReg, all...)
}

// Register adds a constructor under name for the listed protocols.
// Registering the same name again replaces the previous entry.
func Register(name string, constructor Constructor, supported ...protocols.Protocol) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = registration{constructor: constructor, protocols: supported}
}

// Choices lists registered model names that support protocol
func Choices(protocol protocols.Protocol) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var names []string
	for name, reg := range registry {
		for _, p := range reg.protocols {
			if p == protocol {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

// Build constructs the model registered as choice. Recognised params are
// "dropout_rate" and "seed"; unknown keys are ignored.
func Build(protocol protocols.Protocol, choice string, nClasses, nFeatures int, params map[string]interface{}) (Model, error) {
	registryMu.RLock()
	reg, ok := registry[strings.ToLower(choice)]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChoice, "model %q", choice)
	}

	supported := false
	for _, p := range reg.protocols {
		if p == protocol {
			supported = true
			break
		}
	}
	if !supported {
		return nil, errors.Wrapf(ErrUnknownChoice, "model %q is not available for protocol %s", choice, protocol)
	}

	if nClasses <= 0 || nFeatures <= 0 {
		return nil, errors.Errorf("model %q needs positive dimensions, got n_classes=%d n_features=%d", choice, nClasses, nFeatures)
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	spec, err := reg.constructor(nClasses, nFeatures, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe model %q", choice)
	}

	seed := int64(layers.GetIntParam(params, "seed", DefaultSeed))
	net, err := engine.NewNetwork(spec, seed)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build model %q", choice)
	}
	return &network{Network: net, name: choice}, nil
}

func dropoutRate(params map[string]interface{}) float32 {
	return layers.GetFloatParam(params, "dropout_rate", DefaultDropoutRate)
}

// buildFNN: Dense(32) -> LeakyReLU -> Dropout -> Dense(n_classes)
func buildFNN(nClasses, nFeatures int, params map[string]interface{}) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder(nFeatures).
		AddDense(32, true, "fnn.hidden").
		AddLeakyReLU(0.01, "fnn.activation").
		AddDropout(dropoutRate(params), "fnn.dropout").
		AddDense(nClasses, true, "fnn.classifier").
		Compile()
}

// buildDeeperFNN stacks two hidden blocks of 256 and 32 units
func buildDeeperFNN(nClasses, nFeatures int, params map[string]interface{}) (*layers.ModelSpec, error) {
	rate := dropoutRate(params)
	return layers.NewModelBuilder(nFeatures).
		AddDense(256, true, "deeper_fnn.hidden1").
		AddLeakyReLU(0.01, "deeper_fnn.activation1").
		AddDropout(rate, "deeper_fnn.dropout1").
		AddDense(32, true, "deeper_fnn.hidden2").
		AddLeakyReLU(0.01, "deeper_fnn.activation2").
		AddDropout(rate, "deeper_fnn.dropout2").
		AddDense(nClasses, true, "deeper_fnn.classifier").
		Compile()
}

func buildLogReg(nClasses, nFeatures int, params map[string]interface{}) (*layers.ModelSpec, error) {
	return layers.NewModelBuilder(nFeatures).
		AddDense(nClasses, true, "logreg.linear").
		Compile()
}

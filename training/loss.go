package training

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/embedtrain/embedtrain/device"
	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/tensor"
)

// ErrUnknownLoss is returned when no loss is registered under the requested name
var ErrUnknownLoss = errors.New("unknown loss choice")

// CrossEntropyChoice is the registry name of the pad-aware cross entropy loss
const CrossEntropyChoice = "cross_entropy_loss"

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	// Forward returns the mean loss over non-pad targets and its gradient
	// with respect to logits. logits is [N, C] or [N, L, C]; targets holds
	// one class per row of logits.
	Forward(logits *tensor.Tensor, targets []int) (float64, *tensor.Tensor, error)
}

// CrossEntropyLoss implements Cross Entropy loss function for classification.
// Rows whose target equals the pad value contribute neither loss nor gradient.
// The device does not change the computation; the solver reports it when
// training starts.
type CrossEntropyLoss struct {
	classWeights []float32
	ignoreIndex  int
	device       device.Device
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function. classWeights
// may be nil for unweighted classes.
func NewCrossEntropyLoss(classWeights []float32, dev device.Device) *CrossEntropyLoss {
	return &CrossEntropyLoss{
		classWeights: classWeights,
		ignoreIndex:  protocols.PadValue,
		device:       dev,
	}
}

// Device returns the device the loss was built for
func (ce *CrossEntropyLoss) Device() device.Device {
	return ce.device
}

// Forward computes the weighted mean negative log likelihood
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, targets []int) (float64, *tensor.Tensor, error) {
	if logits == nil || logits.Rank() < 2 {
		return 0, nil, fmt.Errorf("logits must have rank 2 or 3")
	}
	rows, numClasses := logits.Rows(), logits.LastDim()
	if len(targets) != rows {
		return 0, nil, fmt.Errorf("target count mismatch: logits have %d rows, got %d targets", rows, len(targets))
	}
	if ce.classWeights != nil && len(ce.classWeights) != numClasses {
		return 0, nil, fmt.Errorf("class weights cover %d classes, logits have %d", len(ce.classWeights), numClasses)
	}

	grad := &tensor.Tensor{Shape: append([]int(nil), logits.Shape...), Data: make([]float32, len(logits.Data))}
	probs := make([]float32, numClasses)

	var total, weightSum float64
	for r := 0; r < rows; r++ {
		target := targets[r]
		if target == ce.ignoreIndex {
			continue
		}
		if target < 0 || target >= numClasses {
			return 0, nil, fmt.Errorf("target class %d out of range [0, %d)", target, numClasses)
		}

		copy(probs, logits.Row(r))
		tensor.SoftmaxInPlace(probs)

		w := ce.weight(target)
		p := math.Max(float64(probs[target]), 1e-12)
		total += -w * math.Log(p)
		weightSum += w

		gr := grad.Data[r*numClasses : (r+1)*numClasses]
		for j, pj := range probs {
			gr[j] = float32(w) * pj
		}
		gr[target] -= float32(w)
	}

	if weightSum == 0 {
		return 0, grad, nil
	}

	scale := float32(1 / weightSum)
	for i := range grad.Data {
		grad.Data[i] *= scale
	}
	return total / weightSum, grad, nil
}

func (ce *CrossEntropyLoss) weight(class int) float64 {
	if ce.classWeights == nil {
		return 1
	}
	return float64(ce.classWeights[class])
}

// LossConstructor builds a loss from a parameter bag
type LossConstructor func(params map[string]interface{}, dev device.Device) (Loss, error)

var lossRegistry = map[string]LossConstructor{
	CrossEntropyChoice: func(params map[string]interface{}, dev device.Device) (Loss, error) {
		weights, err := classWeightsParam(params)
		if err != nil {
			return nil, err
		}
		return NewCrossEntropyLoss(weights, dev), nil
	},
}

// LossChoices lists the registered loss names
func LossChoices() []string {
	names := make([]string, 0, len(lossRegistry))
	for name := range lossRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildLoss constructs the loss registered as choice. The optional
// "class_weights" parameter holds one weight per class.
func BuildLoss(protocol protocols.Protocol, choice string, dev device.Device, params map[string]interface{}) (Loss, error) {
	if !protocol.IsClassification() {
		return nil, errors.Wrapf(ErrUnknownLoss, "no loss available for protocol %s", protocol)
	}
	constructor, ok := lossRegistry[strings.ToLower(choice)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLoss, "loss %q", choice)
	}
	return constructor(params, dev)
}

func classWeightsParam(params map[string]interface{}) ([]float32, error) {
	raw, ok := params["class_weights"]
	if !ok || raw == nil {
		return nil, nil
	}

	var weights []float32
	switch v := raw.(type) {
	case []float32:
		weights = append(weights, v...)
	case []float64:
		for _, w := range v {
			weights = append(weights, float32(w))
		}
	case []interface{}:
		for _, item := range v {
			switch w := item.(type) {
			case float64:
				weights = append(weights, float32(w))
			case float32:
				weights = append(weights, w)
			case int:
				weights = append(weights, float32(w))
			default:
				return nil, fmt.Errorf("class weight %v is not numeric", item)
			}
		}
	default:
		return nil, fmt.Errorf("class_weights must be a list, got %T", raw)
	}

	for _, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("class weights must be non-negative, got %v", w)
		}
	}
	return weights, nil
}

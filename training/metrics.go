package training

import (
	"fmt"
	"math"

	"github.com/embedtrain/embedtrain/protocols"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MicroPrecision
	MacroRecall
	MicroRecall
	MacroF1
	MicroF1
	MatthewsCorrCoef
)

// String returns the metric key used in result maps
func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "accuracy"
	case MacroPrecision:
		return "macro-precision"
	case MicroPrecision:
		return "micro-precision"
	case MacroRecall:
		return "macro-recall"
	case MicroRecall:
		return "micro-recall"
	case MacroF1:
		return "macro-f1_score"
	case MicroF1:
		return "micro-f1_score"
	case MatthewsCorrCoef:
		return "matthews-corr-coeff"
	default:
		return fmt.Sprintf("unknown(%d)", int(mt))
	}
}

// ClassificationMetrics lists every metric the calculator reports for classification protocols
func ClassificationMetrics() []MetricType {
	return []MetricType{
		Accuracy,
		MacroPrecision, MicroPrecision,
		MacroRecall, MicroRecall,
		MacroF1, MicroF1,
		MatthewsCorrCoef,
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int

	// Cached metrics to avoid recomputation
	cachedMetrics map[MetricType]float64
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses:    numClasses,
		Matrix:        matrix,
		cachedMetrics: make(map[MetricType]float64),
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
	cm.cachedMetrics = make(map[MetricType]float64)
}

// Update adds predicted/true class pairs. Pairs whose label is the pad
// value are skipped; any other out-of-range class is an error.
func (cm *ConfusionMatrix) Update(predicted, labels []int) error {
	if len(predicted) != len(labels) {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(labels), len(predicted))
	}

	for i, trueClass := range labels {
		if trueClass == protocols.PadValue {
			continue
		}
		predClass := predicted[i]
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		if predClass < 0 || predClass >= cm.NumClasses {
			return fmt.Errorf("prediction %d out of range [0, %d)", predClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}

	cm.cachedMetrics = make(map[MetricType]float64)
	return nil
}

// GetMetric calculates and caches evaluation metrics
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	if value, exists := cm.cachedMetrics[metric]; exists {
		return value
	}

	var result float64

	switch metric {
	case Accuracy:
		result = cm.calculateAccuracy()
	case MacroPrecision:
		result = cm.calculateMacro(cm.classPrecision)
	case MacroRecall:
		result = cm.calculateMacro(cm.classRecall)
	case MacroF1:
		result = cm.calculateMacro(cm.classF1)
	case MicroPrecision, MicroRecall, MicroF1:
		// every misclassification is one FP and one FN, so the micro averages coincide
		result = cm.calculateAccuracy()
	case MatthewsCorrCoef:
		result = cm.calculateMCC()
	default:
		return 0.0
	}

	cm.cachedMetrics[metric] = result
	return result
}

func (cm *ConfusionMatrix) calculateAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for class := 0; class < cm.NumClasses; class++ {
		correct += cm.Matrix[class][class]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

func (cm *ConfusionMatrix) counts(class int) (tp, fp, fn float64) {
	tp = float64(cm.Matrix[class][class])
	for other := 0; other < cm.NumClasses; other++ {
		if other == class {
			continue
		}
		fp += float64(cm.Matrix[other][class])
		fn += float64(cm.Matrix[class][other])
	}
	return tp, fp, fn
}

func (cm *ConfusionMatrix) classPrecision(class int) float64 {
	tp, fp, _ := cm.counts(class)
	if tp+fp == 0 {
		return 0.0
	}
	return tp / (tp + fp)
}

func (cm *ConfusionMatrix) classRecall(class int) float64 {
	tp, _, fn := cm.counts(class)
	if tp+fn == 0 {
		return 0.0
	}
	return tp / (tp + fn)
}

func (cm *ConfusionMatrix) classF1(class int) float64 {
	precision := cm.classPrecision(class)
	recall := cm.classRecall(class)
	if precision+recall == 0 {
		return 0.0
	}
	return 2 * (precision * recall) / (precision + recall)
}

// calculateMacro averages a per-class score over the classes that occur as
// a label or a prediction.
func (cm *ConfusionMatrix) calculateMacro(score func(class int) float64) float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		tp, fp, fn := cm.counts(class)
		if tp+fp+fn == 0 {
			continue
		}
		sum += score(class)
		validClasses++
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// calculateMCC is the multi-class Matthews correlation coefficient
func (cm *ConfusionMatrix) calculateMCC() float64 {
	s := float64(cm.TotalSamples)
	if s == 0 {
		return 0.0
	}

	var correct, sumPT, sumPP, sumTT float64
	for k := 0; k < cm.NumClasses; k++ {
		correct += float64(cm.Matrix[k][k])
		var predicted, actual float64
		for j := 0; j < cm.NumClasses; j++ {
			predicted += float64(cm.Matrix[j][k])
			actual += float64(cm.Matrix[k][j])
		}
		sumPT += predicted * actual
		sumPP += predicted * predicted
		sumTT += actual * actual
	}

	denominator := math.Sqrt((s*s - sumPP) * (s*s - sumTT))
	if denominator == 0 {
		return 0.0
	}
	return (correct*s - sumPT) / denominator
}

// MetricsCalculator turns predicted and true classes into named scalar metrics
type MetricsCalculator struct {
	protocol   protocols.Protocol
	numClasses int
	metrics    []MetricType
}

// NewMetricsCalculator creates a calculator for protocol over numClasses classes
func NewMetricsCalculator(protocol protocols.Protocol, numClasses int) (*MetricsCalculator, error) {
	if !protocol.IsClassification() {
		return nil, fmt.Errorf("no metrics available for protocol %s", protocol)
	}
	if numClasses < 1 {
		return nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	return &MetricsCalculator{
		protocol:   protocol,
		numClasses: numClasses,
		metrics:    ClassificationMetrics(),
	}, nil
}

// NumClasses returns the class count the calculator was built for
func (mc *MetricsCalculator) NumClasses() int {
	return mc.numClasses
}

// ComputeMetrics evaluates every metric on flattened predictions and labels.
// Positions labelled with the pad value are ignored.
func (mc *MetricsCalculator) ComputeMetrics(predicted, labels []int) (map[string]float64, error) {
	cm := NewConfusionMatrix(mc.numClasses)
	if err := cm.Update(predicted, labels); err != nil {
		return nil, err
	}

	result := make(map[string]float64, len(mc.metrics))
	for _, metric := range mc.metrics {
		result[metric.String()] = cm.GetMetric(metric)
	}
	return result, nil
}

// Package training holds the solver that trains one model with early
// stopping, along with the losses, data loading and metrics it drives.
package training

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/device"
	"github.com/embedtrain/embedtrain/engine"
	"github.com/embedtrain/embedtrain/models"
	"github.com/embedtrain/embedtrain/optimizer"
	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/tensor"
)

// Mode selects train, eval or Monte Carlo dropout behaviour for a pass
type Mode = engine.Mode

const (
	ModeTrain     = engine.ModeTrain
	ModeEval      = engine.ModeEval
	ModeMCDropout = engine.ModeMCDropout
)

var (
	// ErrNoCheckpoint is returned when a checkpoint is required but none was saved
	ErrNoCheckpoint = errors.New("no checkpoint available")
	// ErrNoDropout is returned for Monte Carlo dropout on a model without dropout
	ErrNoDropout = errors.New("model has no dropout layer")
	// ErrMissingTargets is returned when a pass needs labels the batch does not carry
	ErrMissingTargets = errors.New("batch carries no targets")
	// ErrNonFiniteLoss is returned when the validation loss becomes NaN or infinite
	ErrNonFiniteLoss = errors.New("validation loss is not finite")
)

// EarlyStopState tracks the early stopping state machine
type EarlyStopState int

const (
	Improving EarlyStopState = iota
	Waiting
	Stopped
)

func (s EarlyStopState) String() string {
	switch s {
	case Improving:
		return "improving"
	case Waiting:
		return "waiting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LogWriter receives grouped scalars, e.g. "Epoch/train" with loss and accuracy
type LogWriter interface {
	AddScalars(tag string, values map[string]float64, step int)
}

// SolverConfig holds the per-split training parameters
type SolverConfig struct {
	Name               string
	Protocol           protocols.Protocol
	NumberOfEpochs     int
	Patience           int
	Epsilon            float64
	NumClasses         int
	CheckpointFormat   checkpoints.CheckpointFormat
	AllowLegacyLoading bool
}

// DefaultSolverConfig returns the defaults used when a training run does not override them
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		Name:               "hold_out",
		Protocol:           protocols.SequenceToClass,
		NumberOfEpochs:     200,
		Patience:           10,
		Epsilon:            0.001,
		NumClasses:         2,
		CheckpointFormat:   checkpoints.FormatSafetensors,
		AllowLegacyLoading: true,
	}
}

// Validate checks the configuration for values the solver cannot work with
func (c SolverConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("solver name cannot be empty")
	}
	if !c.Protocol.IsClassification() {
		return fmt.Errorf("unsupported protocol %s", c.Protocol)
	}
	if c.NumberOfEpochs < 0 {
		return fmt.Errorf("number of epochs must be non-negative, got %d", c.NumberOfEpochs)
	}
	if c.Patience < 0 {
		return fmt.Errorf("patience must be non-negative, got %d", c.Patience)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("epsilon must be non-negative, got %v", c.Epsilon)
	}
	if c.NumClasses < 1 {
		return fmt.Errorf("number of classes must be positive, got %d", c.NumClasses)
	}
	return nil
}

// CheckpointFileName is the file a split's checkpoint is stored under
func CheckpointFileName(splitName string, format checkpoints.CheckpointFormat) string {
	return splitName + "_checkpoint." + format.Extension()
}

// SolverOption customises a Solver
type SolverOption func(*Solver)

// WithCheckpointStore writes checkpoints to store instead of a private in-memory store
func WithCheckpointStore(store *CheckpointStore) SolverOption {
	return func(s *Solver) {
		if store != nil {
			s.store = store
		}
	}
}

// WithExportFs sets the filesystem ONNX exports to an explicit output
// directory are written to. It defaults to the OS filesystem.
func WithExportFs(fs afero.Fs) SolverOption {
	return func(s *Solver) {
		if fs != nil {
			s.exportFs = fs
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) SolverOption {
	return func(s *Solver) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLogWriter sets the sink for step and epoch scalars
func WithLogWriter(w LogWriter) SolverOption {
	return func(s *Solver) {
		s.logWriter = w
	}
}

// IterationSummary aggregates loss and accuracy over a pass
type IterationSummary struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// EpochResult is one entry of the training history
type EpochResult struct {
	Epoch      int              `json:"epoch"`
	Training   IterationSummary `json:"training"`
	Validation IterationSummary `json:"validation"`
}

// InferenceOutput maps sample ids to predicted classes and probabilities.
// Residue-level predictions hold one class per true position.
type InferenceOutput struct {
	Metrics       map[string]float64
	Predictions   map[string][]int
	Probabilities map[string][][]float32
}

// MCDPrediction summarises the forward passes for one sample or position
type MCDPrediction struct {
	Prediction    int       `json:"prediction"`
	MCDMean       []float64 `json:"mcd_mean"`
	MCDLowerBound []float64 `json:"mcd_lower_bound"`
	MCDUpperBound []float64 `json:"mcd_upper_bound"`
}

type iterationResult struct {
	loss          float64
	accuracy      float64
	predictions   []int
	probabilities *tensor.Tensor
}

// Solver trains and evaluates one model instance
type Solver struct {
	config    SolverConfig
	model     models.Model
	optimizer optimizer.Optimizer
	loss      Loss
	metrics   *MetricsCalculator
	saver     *checkpoints.CheckpointSaver

	store     *CheckpointStore
	ownsStore bool
	exportFs  afero.Fs
	logger    *zap.Logger
	logWriter LogWriter

	// Early stopping
	minLoss   float64
	stopCount int
	state     EarlyStopState

	step           int
	startEpoch     int
	checkpointPath string
	checkpointType checkpoints.CheckpointFormat
	hasCheckpoint  bool
}

// NewSolver creates a solver around model, optimizer and loss
func NewSolver(config SolverConfig, model models.Model, opt optimizer.Optimizer, loss Loss, opts ...SolverOption) (*Solver, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid solver config: %v", err)
	}
	if model == nil || opt == nil || loss == nil {
		return nil, fmt.Errorf("solver needs a model, an optimizer and a loss")
	}

	metrics, err := NewMetricsCalculator(config.Protocol, config.NumClasses)
	if err != nil {
		return nil, err
	}

	s := &Solver{
		config:         config,
		model:          model,
		optimizer:      opt,
		loss:           loss,
		metrics:        metrics,
		exportFs:       afero.NewOsFs(),
		logger:         zap.NewNop(),
		minLoss:        math.Inf(1),
		stopCount:      config.Patience,
		state:          Improving,
		checkpointType: config.CheckpointFormat,
	}
	for _, o := range opts {
		o(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
		s.ownsStore = true
	}
	s.logger = s.logger.With(zap.String("split", config.Name))
	s.saver = checkpoints.NewCheckpointSaver(s.store.Fs(), config.CheckpointFormat).
		WithLegacyLoading(config.AllowLegacyLoading)
	return s, nil
}

// Name returns the split name
func (s *Solver) Name() string { return s.config.Name }

// Config returns the solver configuration
func (s *Solver) Config() SolverConfig { return s.config }

// Model returns the trained model
func (s *Solver) Model() models.Model { return s.model }

// MetricsCalculator returns the calculator used for test metrics
func (s *Solver) MetricsCalculator() *MetricsCalculator { return s.metrics }

// Store returns the checkpoint store
func (s *Solver) Store() *CheckpointStore { return s.store }

// State returns the early stopping state after the last epoch
func (s *Solver) State() EarlyStopState { return s.state }

// MinLoss returns the best validation loss seen so far
func (s *Solver) MinLoss() float64 { return s.minLoss }

// StartEpoch is the epoch training continues from after LoadCheckpoint
func (s *Solver) StartEpoch() int { return s.startEpoch }

// CheckpointType returns the format of the last saved or loaded checkpoint
func (s *Solver) CheckpointType() checkpoints.CheckpointFormat { return s.checkpointType }

// CheckpointPath returns the path of the last saved or loaded checkpoint
func (s *Solver) CheckpointPath() string { return s.checkpointPath }

// SetRandomSeed reseeds the model's dropout masks
func (s *Solver) SetRandomSeed(seed int64) {
	s.model.SetRandomSeed(seed)
}

// Close releases the checkpoint store when the solver owns it
func (s *Solver) Close() error {
	if s.ownsStore {
		return s.store.Close()
	}
	return nil
}

// Train runs epochs until early stopping triggers or the epoch budget is
// spent. Either way the weights of the best validation epoch are restored.
func (s *Solver) Train(trainLoader, validationLoader *Loader) ([]EpochResult, error) {
	if trainLoader == nil || validationLoader == nil {
		return nil, fmt.Errorf("training needs a training and a validation loader")
	}

	s.minLoss = math.Inf(1)
	s.stopCount = s.config.Patience
	s.state = Improving

	fields := []zap.Field{
		zap.Int("start_epoch", s.startEpoch),
		zap.Int("epochs", s.config.NumberOfEpochs),
		zap.Int("patience", s.config.Patience),
	}
	if d, ok := s.loss.(interface{ Device() device.Device }); ok {
		dev := d.Device()
		fields = append(fields, zap.String("device", dev.String()), zap.Bool("avx2", dev.HasAVX2()))
	}
	s.logger.Info("training started", fields...)

	var history []EpochResult
	for epoch := s.startEpoch; epoch < s.config.NumberOfEpochs; epoch++ {
		training, err := s.runEpoch(trainLoader, ModeTrain, epoch)
		if err != nil {
			return history, errors.Wrapf(err, "epoch %d training", epoch)
		}
		validation, err := s.runEpoch(validationLoader, ModeEval, epoch)
		if err != nil {
			return history, errors.Wrapf(err, "epoch %d validation", epoch)
		}

		result := EpochResult{Epoch: epoch, Training: training, Validation: validation}
		history = append(history, result)
		s.logEpoch(result)

		stop, err := s.earlyStop(validation.Loss, epoch)
		if err != nil {
			return history, err
		}
		if stop {
			s.logger.Info("early stopping triggered",
				zap.Int("epoch", epoch),
				zap.Float64("best_loss", s.minLoss))
			return history, nil
		}
	}

	if s.hasCheckpoint {
		if err := s.LoadCheckpoint("", false); err != nil {
			return history, errors.Wrap(err, "failed to restore best checkpoint")
		}
	}
	return history, nil
}

func (s *Solver) runEpoch(loader *Loader, mode Mode, epoch int) (IterationSummary, error) {
	var summary IterationSummary
	n := loader.Len()

	prefetcher, err := NewPrefetcher(loader, DefaultPrefetchDepth)
	if err != nil {
		return summary, err
	}
	if err := prefetcher.Start(); err != nil {
		return summary, err
	}
	defer prefetcher.Stop()

	for b := 0; b < n; b++ {
		batch, err := prefetcher.Next()
		if err != nil {
			return summary, err
		}
		if batch == nil {
			return summary, fmt.Errorf("batch %d missing from %s pass", b, mode)
		}
		if batch.Targets == nil {
			return summary, errors.Wrapf(ErrMissingTargets, "%s pass", mode)
		}
		result, err := s.classificationIteration(batch, mode, epoch*n+b+1)
		if err != nil {
			return summary, err
		}
		summary.Loss += result.loss
		summary.Accuracy += result.accuracy
	}
	if n > 0 {
		summary.Loss /= float64(n)
		summary.Accuracy /= float64(n)
	}
	return summary, nil
}

func (s *Solver) logEpoch(result EpochResult) {
	s.logger.Info("epoch finished",
		zap.Int("epoch", result.Epoch),
		zap.Float64("training_loss", result.Training.Loss),
		zap.Float64("training_accuracy", result.Training.Accuracy),
		zap.Float64("validation_loss", result.Validation.Loss),
		zap.Float64("validation_accuracy", result.Validation.Accuracy))

	if s.logWriter == nil {
		return
	}
	s.logWriter.AddScalars("Epoch/train", map[string]float64{
		"loss":     result.Training.Loss,
		"accuracy": result.Training.Accuracy,
	}, result.Epoch)
	s.logWriter.AddScalars("Epoch/validation", map[string]float64{
		"loss":     result.Validation.Loss,
		"accuracy": result.Validation.Accuracy,
	}, result.Epoch)
	s.logWriter.AddScalars("Epoch/comparison", map[string]float64{
		"training_loss":   result.Training.Loss,
		"validation_loss": result.Validation.Loss,
	}, result.Epoch)
}

// earlyStop advances the state machine with the epoch's validation loss
// and reports whether training should stop.
func (s *Solver) earlyStop(currentLoss float64, epoch int) (bool, error) {
	if math.IsNaN(currentLoss) || math.IsInf(currentLoss, 0) {
		s.state = Stopped
		err := errors.Wrapf(ErrNonFiniteLoss, "epoch %d: %v", epoch, currentLoss)
		if s.hasCheckpoint {
			if loadErr := s.LoadCheckpoint("", false); loadErr != nil {
				return true, errors.Wrapf(err, "best checkpoint not restored: %v", loadErr)
			}
		}
		return true, err
	}
	if currentLoss < s.minLoss-s.config.Epsilon {
		s.minLoss = currentLoss
		s.stopCount = s.config.Patience
		s.state = Improving
		if err := s.SaveCheckpoint(epoch); err != nil {
			return false, errors.Wrapf(err, "failed to save checkpoint at epoch %d", epoch)
		}
		return false, nil
	}

	if s.stopCount == 0 {
		s.state = Stopped
		if err := s.LoadCheckpoint("", false); err != nil {
			return true, errors.Wrap(err, "failed to reload best checkpoint")
		}
		return true, nil
	}

	s.stopCount--
	s.state = Waiting
	return false, nil
}

// classificationIteration runs one batch. In ModeTrain the optimizer takes a
// step. Accuracy excludes pad positions from numerator and denominator.
func (s *Solver) classificationIteration(batch *Batch, mode Mode, step int) (*iterationResult, error) {
	logits, err := s.model.Forward(batch.Embeddings, mode)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}
	probabilities := tensor.Softmax(logits)
	result := &iterationResult{
		predictions:   tensor.ArgMax(probabilities),
		probabilities: probabilities,
	}
	if batch.Targets == nil {
		return result, nil
	}

	loss, grad, err := s.loss.Forward(logits, batch.Targets)
	if err != nil {
		return nil, fmt.Errorf("loss computation failed: %v", err)
	}
	result.loss = loss
	result.accuracy = maskedAccuracy(result.predictions, batch.Targets)

	if mode == ModeTrain {
		s.optimizer.ZeroGrad()
		if err := s.model.Backward(grad); err != nil {
			return nil, fmt.Errorf("backward pass failed: %v", err)
		}
		if err := s.optimizer.Step(); err != nil {
			return nil, fmt.Errorf("optimizer step failed: %v", err)
		}
		s.step++

		if s.logWriter != nil {
			s.logWriter.AddScalars("Step/train", map[string]float64{
				"loss":     result.loss,
				"accuracy": result.accuracy,
			}, step)
		}
	}
	return result, nil
}

// maskedAccuracy counts a pad position as a match, then removes pad
// positions from both counts.
func maskedAccuracy(predictions, targets []int) float64 {
	matches, pads := 0, 0
	for i, target := range targets {
		predicted := predictions[i]
		if target == protocols.PadValue {
			predicted = protocols.PadValue
			pads++
		}
		if predicted == target {
			matches++
		}
	}
	considered := len(targets) - pads
	if considered == 0 {
		return 0
	}
	return float64(matches-pads) / float64(considered)
}

// rowsPerSample is the padded length of every sample in batch
func rowsPerSample(batch *Batch) int {
	if batch.Embeddings.Rank() == 3 {
		return batch.Embeddings.Shape[1]
	}
	return 1
}

// Inference predicts every sample of loader in eval mode. With
// calculateTestMetrics the loader must carry targets and the output holds
// the calculator metrics plus the mean loss.
func (s *Solver) Inference(loader *Loader, calculateTestMetrics bool) (*InferenceOutput, error) {
	if loader == nil {
		return nil, fmt.Errorf("inference needs a loader")
	}

	out := &InferenceOutput{
		Predictions:   make(map[string][]int, loader.Dataset().Len()),
		Probabilities: make(map[string][][]float32, loader.Dataset().Len()),
	}
	var allPredicted, allLabels []int
	var lossSum float64

	for b := 0; b < loader.Len(); b++ {
		batch, err := loader.Batch(b)
		if err != nil {
			return nil, err
		}
		if calculateTestMetrics && batch.Targets == nil {
			return nil, errors.Wrap(ErrMissingTargets, "test metrics requested")
		}

		result, err := s.classificationIteration(batch, ModeEval, b+1)
		if err != nil {
			return nil, err
		}

		width := rowsPerSample(batch)
		for j, id := range batch.IDs {
			start := j * width
			end := start + batch.Lengths[j]
			out.Predictions[id] = append([]int(nil), result.predictions[start:end]...)
			probs := make([][]float32, 0, end-start)
			for r := start; r < end; r++ {
				probs = append(probs, append([]float32(nil), result.probabilities.Row(r)...))
			}
			out.Probabilities[id] = probs
		}

		if calculateTestMetrics {
			lossSum += result.loss
			allPredicted = append(allPredicted, result.predictions...)
			allLabels = append(allLabels, batch.Targets...)
		}
	}

	if calculateTestMetrics {
		metrics, err := s.metrics.ComputeMetrics(allPredicted, allLabels)
		if err != nil {
			return nil, fmt.Errorf("failed to compute metrics: %v", err)
		}
		metrics["loss"] = lossSum / float64(loader.Len())
		out.Metrics = metrics
	}
	return out, nil
}

// InferenceMonteCarloDropout repeats the forward pass nForwardPasses times
// with dropout active and summarises the class probabilities per sample
// (per position for residue-level protocols).
func (s *Solver) InferenceMonteCarloDropout(loader *Loader, nForwardPasses int, confidenceLevel float64) (map[string][]MCDPrediction, error) {
	if loader == nil {
		return nil, fmt.Errorf("inference needs a loader")
	}
	if nForwardPasses < 1 {
		return nil, fmt.Errorf("number of forward passes must be positive, got %d", nForwardPasses)
	}
	if _, err := ConfidenceZ(confidenceLevel); err != nil {
		return nil, err
	}
	if traceable, ok := s.model.(models.Traceable); ok && !traceable.Spec().HasDropout() {
		return nil, errors.Wrapf(ErrNoDropout, "split %s", s.config.Name)
	}

	result := make(map[string][]MCDPrediction, loader.Dataset().Len())
	for b := 0; b < loader.Len(); b++ {
		batch, err := loader.Batch(b)
		if err != nil {
			return nil, err
		}

		passes := make([]*tensor.Tensor, nForwardPasses)
		for p := range passes {
			logits, err := s.model.Forward(batch.Embeddings, ModeMCDropout)
			if err != nil {
				return nil, fmt.Errorf("forward pass %d failed: %v", p, err)
			}
			passes[p] = tensor.Softmax(logits)
		}

		width := rowsPerSample(batch)
		for j, id := range batch.IDs {
			start := j * width
			predictions := make([]MCDPrediction, 0, batch.Lengths[j])
			for r := start; r < start+batch.Lengths[j]; r++ {
				prediction, err := summarisePasses(passes, r, confidenceLevel)
				if err != nil {
					return nil, err
				}
				predictions = append(predictions, prediction)
			}
			result[id] = predictions
		}
	}
	return result, nil
}

func summarisePasses(passes []*tensor.Tensor, row int, confidenceLevel float64) (MCDPrediction, error) {
	numClasses := passes[0].LastDim()
	prediction := MCDPrediction{
		MCDMean:       make([]float64, numClasses),
		MCDLowerBound: make([]float64, numClasses),
		MCDUpperBound: make([]float64, numClasses),
	}

	values := make([]float64, len(passes))
	best := math.Inf(-1)
	for c := 0; c < numClasses; c++ {
		for p, probs := range passes {
			values[p] = float64(probs.Row(row)[c])
		}
		mean, confidenceRange, err := MeanAndConfidenceRange(values, confidenceLevel)
		if err != nil {
			return prediction, err
		}
		prediction.MCDMean[c] = mean
		prediction.MCDLowerBound[c] = mean - confidenceRange
		prediction.MCDUpperBound[c] = mean + confidenceRange
		if mean > best {
			best = mean
			prediction.Prediction = c
		}
	}
	return prediction, nil
}

// snapshot captures the current parameters and optimizer state
func (s *Solver) snapshot(epoch int) (*checkpoints.Checkpoint, error) {
	ckpt := &checkpoints.Checkpoint{
		Weights: checkpoints.WeightsFromParameters(s.model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         s.step,
			LearningRate: s.optimizer.GetLearningRate(),
		},
		Metadata: checkpoints.CheckpointMetadata{
			Version:     checkpoints.Version,
			Framework:   checkpoints.Framework,
			CreatedAt:   time.Now().UTC(),
			Description: s.config.Name,
		},
	}
	if !math.IsInf(s.minLoss, 0) {
		ckpt.TrainingState.BestLoss = s.minLoss
	}
	if traceable, ok := s.model.(models.Traceable); ok {
		ckpt.ModelSpec = traceable.Spec()
	}

	state, err := s.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to capture optimizer state: %v", err)
	}
	ckpt.OptimizerState = state
	return ckpt, nil
}

// SaveCheckpoint writes the current state as the split's checkpoint,
// replacing any earlier one in the same format.
func (s *Solver) SaveCheckpoint(epoch int) error {
	ckpt, err := s.snapshot(epoch)
	if err != nil {
		return err
	}

	path := s.store.Path(CheckpointFileName(s.config.Name, s.config.CheckpointFormat))
	if err := s.saver.SaveCheckpoint(ckpt, path); err != nil {
		return errors.Wrapf(err, "failed to save checkpoint %s", path)
	}

	s.checkpointPath = path
	s.checkpointType = s.config.CheckpointFormat
	s.hasCheckpoint = true
	s.logger.Debug("saved checkpoint", zap.Int("epoch", epoch), zap.String("path", path))
	return nil
}

// LoadCheckpoint restores model parameters from path. An empty path means the
// last saved checkpoint, or the split's checkpoint in the store when this
// solver has not saved one. With resumeTraining the optimizer state is
// restored too and training continues after the stored epoch.
func (s *Solver) LoadCheckpoint(path string, resumeTraining bool) error {
	if path == "" {
		switch name := CheckpointFileName(s.config.Name, s.config.CheckpointFormat); {
		case s.hasCheckpoint:
			path = s.checkpointPath
		case s.store.Exists(name):
			path = s.store.Path(name)
		default:
			return errors.Wrapf(ErrNoCheckpoint, "split %s", s.config.Name)
		}
	}

	format, err := checkpoints.FormatFromPath(path)
	if err != nil {
		return err
	}
	ckpt, err := s.saver.LoadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeightsIntoParameters(ckpt.Weights, s.model.Parameters()); err != nil {
		return errors.Wrapf(checkpoints.ErrUnreadableCheckpoint, "%s does not fit the model: %v", path, err)
	}

	epoch := ckpt.TrainingState.Epoch
	if resumeTraining {
		if ckpt.OptimizerState != nil {
			if err := s.optimizer.LoadState(ckpt.OptimizerState); err != nil {
				return fmt.Errorf("failed to restore optimizer state: %v", err)
			}
		}
		s.step = ckpt.TrainingState.Step
		s.startEpoch = epoch + 1
	} else {
		s.startEpoch = epoch
	}

	s.checkpointPath = path
	s.checkpointType = format
	s.hasCheckpoint = true
	s.logger.Info("loaded model", zap.Int("epoch", epoch), zap.String("path", path))
	return nil
}

// SaveAsONNX exports the current parameters to <outputDir>/<split>.onnx on
// the export filesystem, or beside the checkpoints in the checkpoint store
// when outputDir is empty, and returns the path.
func (s *Solver) SaveAsONNX(embeddingDimension int, outputDir string) (string, error) {
	traceable, ok := s.model.(models.Traceable)
	if !ok {
		return "", errors.Wrapf(checkpoints.ErrExportUnsupported, "split %s has no static layer graph", s.config.Name)
	}
	if got := traceable.Spec().InputFeatures(); got != embeddingDimension {
		return "", fmt.Errorf("embedding dimension %d does not match model input %d", embeddingDimension, got)
	}

	ckpt, err := s.snapshot(s.startEpoch)
	if err != nil {
		return "", err
	}

	fs, dir := s.exportFs, outputDir
	if dir == "" {
		fs, dir = s.store.Fs(), s.store.Dir()
		if s.store.Ephemeral() {
			s.logger.Warn("exporting into the in-memory checkpoint store, the model is discarded on Close")
		}
	}
	path := filepath.Join(dir, s.config.Name+".onnx")

	exporter := checkpoints.NewONNXExporter(fs)
	err = exporter.ExportToONNX(ckpt, path, checkpoints.ExportOptions{
		PerPosition: s.config.Protocol.IsPerResidue(),
		GraphName:   s.config.Name,
		DocString:   fmt.Sprintf("%s %s model, split %s", checkpoints.Framework, s.config.Protocol, s.config.Name),
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("exported ONNX model", zap.String("path", path))
	return path, nil
}

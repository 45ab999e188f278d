// Package inference rebuilds the solvers of a finished training run from its
// descriptor and serves predictions, bootstrapped metrics, Monte Carlo
// dropout estimates and portable-graph exports from them.
package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/device"
	"github.com/embedtrain/embedtrain/models"
	"github.com/embedtrain/embedtrain/optimizer"
	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/training"
)

// DefaultSplit is the split predictions use unless told otherwise
const DefaultSplit = "hold_out"

// InferencerConfig holds settings that do not come from the training descriptor
type InferencerConfig struct {
	AutomaticPathCorrection bool   `json:"automatic_path_correction"` // Look for checkpoints next to out.yml when log_dir is gone
	AllowLegacyLoading      bool   `json:"allow_legacy_loading"`      // Accept legacy JSON checkpoints
	Device                  string `json:"device"`                    // Overrides the device recorded in the descriptor

	Logger *zap.Logger `json:"-"`
	Fs     afero.Fs    `json:"-"`
}

// DefaultInferencerConfig returns the configuration used by CreateFromOutFile callers that pass nothing
func DefaultInferencerConfig() InferencerConfig {
	return InferencerConfig{
		AutomaticPathCorrection: true,
		AllowLegacyLoading:      true,
	}
}

func (c InferencerConfig) withDefaults() InferencerConfig {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	return c
}

type splitSolver struct {
	config SplitConfig
	solver *training.Solver
}

// Inferencer holds one loaded solver per split of a training run.
// Calls on different splits are independent; calls on the same split must
// not overlap because they share the model's dropout state.
type Inferencer struct {
	protocol           protocols.Protocol
	embedderName       string
	embeddingDimension int
	classes            *ClassMapping
	device             device.Device
	logger             *zap.Logger
	fs                 afero.Fs

	splits map[string]*splitSolver
}

// CreateFromOutFile reads the descriptor at path and loads every split it lists
func CreateFromOutFile(path string, config InferencerConfig) (*Inferencer, *OutputConfig, error) {
	config = config.withDefaults()
	config.Logger.Info("reading training descriptor", zap.String("path", path))

	out, err := ReadOutputFile(config.Fs, path)
	if err != nil {
		return nil, nil, err
	}
	if config.AutomaticPathCorrection {
		correctLogDir(config.Fs, path, out, config.Logger)
	}
	checkVersion(out.Version, config.Logger)

	inferencer, err := New(out, config)
	if err != nil {
		return nil, nil, err
	}
	return inferencer, out, nil
}

// New builds the model, loss and optimizer of every split and restores the
// split's checkpoint without resuming training.
func New(out *OutputConfig, config InferencerConfig) (*Inferencer, error) {
	if out == nil {
		return nil, errors.Wrap(ErrInvalidDescriptor, "descriptor cannot be nil")
	}
	config = config.withDefaults()

	classes, err := NewClassMapping(out.ClassIntToString, out.ClassStrToInt)
	if err != nil {
		return nil, err
	}
	dev, err := resolveDevice(config.Device, out.Device, config.Logger)
	if err != nil {
		return nil, err
	}

	inf := &Inferencer{
		protocol:           out.Protocol,
		embedderName:       out.EmbedderName,
		embeddingDimension: out.NFeatures,
		classes:            classes,
		device:             dev,
		logger:             config.Logger,
		fs:                 config.Fs,
		splits:             make(map[string]*splitSolver),
	}

	listings := make(map[string]map[string]string)
	for _, name := range out.SplitNames() {
		sc, err := out.MergeSplitConfig(name)
		if err != nil {
			inf.Close()
			return nil, err
		}
		checkpointFiles, ok := listings[sc.LogDir]
		if !ok {
			checkpointFiles, err = listCheckpoints(config.Fs, sc.LogDir)
			if err != nil {
				inf.Close()
				return nil, err
			}
			listings[sc.LogDir] = checkpointFiles
		}
		file, ok := checkpointFiles[name]
		if !ok {
			inf.Close()
			return nil, errors.Wrapf(ErrMissingCheckpoint, "split %s in %s", name, sc.LogDir)
		}
		solver, err := inf.buildSolver(sc, config)
		if err != nil {
			inf.Close()
			return nil, err
		}
		if err := solver.LoadCheckpoint(filepath.Join(sc.LogDir, file), false); err != nil {
			inf.Close()
			return nil, errors.Wrapf(err, "split %s", name)
		}
		inf.splits[name] = &splitSolver{config: sc, solver: solver}
	}

	inf.logger.Info("loaded training run",
		zap.String("protocol", inf.protocol.String()),
		zap.String("embedder", inf.embedderName),
		zap.Strings("splits", inf.Splits()),
		zap.String("device", inf.device.String()),
		zap.Bool("avx2", inf.device.HasAVX2()))
	return inf, nil
}

func resolveDevice(requested, recorded string, logger *zap.Logger) (device.Device, error) {
	if requested != "" {
		return device.Get(requested)
	}
	dev, err := device.Get(recorded)
	if err != nil {
		logger.Warn("recorded device unavailable, using the host CPU",
			zap.String("recorded", recorded), zap.Error(err))
		return device.Get(device.CPU)
	}
	return dev, nil
}

// listCheckpoints maps split names to checkpoint files in dir. When a split
// has both formats the safetensors file wins.
func listCheckpoints(fs afero.Fs, dir string) (map[string]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrMissingCheckpoint, "log directory %s does not exist", dir)
		}
		return nil, fmt.Errorf("failed to list %s: %v", dir, err)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), "_checkpoint.") {
			continue
		}
		split := strings.SplitN(entry.Name(), "_checkpoint.", 2)[0]
		if existing, ok := files[split]; ok {
			if format, _ := checkpoints.FormatFromPath(existing); format == checkpoints.FormatSafetensors {
				continue
			}
		}
		files[split] = entry.Name()
	}
	return files, nil
}

func (inf *Inferencer) buildSolver(sc SplitConfig, config InferencerConfig) (*training.Solver, error) {
	params := sc.Params()

	model, err := models.Build(inf.protocol, sc.ModelChoice, sc.NClasses, inf.embeddingDimension, params)
	if err != nil {
		return nil, errors.Wrapf(err, "split %s", sc.Name)
	}
	loss, err := training.BuildLoss(inf.protocol, sc.LossChoice, inf.device, params)
	if err != nil {
		return nil, errors.Wrapf(err, "split %s", sc.Name)
	}
	opt, err := optimizer.Build(inf.protocol, sc.OptimizerChoice, params, float32(sc.LearningRate), model.Parameters())
	if err != nil {
		return nil, errors.Wrapf(err, "split %s", sc.Name)
	}
	store, err := training.NewDirectoryStore(inf.fs, sc.LogDir)
	if err != nil {
		return nil, err
	}

	solverConfig := training.SolverConfig{
		Name:               sc.Name,
		Protocol:           inf.protocol,
		NumberOfEpochs:     sc.NumEpochs,
		Patience:           sc.Patience,
		Epsilon:            sc.Epsilon,
		NumClasses:         sc.NClasses,
		CheckpointFormat:   checkpoints.FormatSafetensors,
		AllowLegacyLoading: config.AllowLegacyLoading,
	}
	return training.NewSolver(solverConfig, model, opt, loss,
		training.WithCheckpointStore(store),
		training.WithExportFs(inf.fs),
		training.WithLogger(inf.logger))
}

// Protocol returns the protocol of the training run
func (inf *Inferencer) Protocol() protocols.Protocol { return inf.protocol }

// EmbeddingDimension returns the feature count the models expect
func (inf *Inferencer) EmbeddingDimension() int { return inf.embeddingDimension }

// Classes returns the class mapping shared by all splits
func (inf *Inferencer) Classes() *ClassMapping { return inf.classes }

// Splits lists the loaded split names, sorted
func (inf *Inferencer) Splits() []string {
	names := make([]string, 0, len(inf.splits))
	for name := range inf.splits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Solver returns the loaded solver of split
func (inf *Inferencer) Solver(split string) (*training.Solver, error) {
	s, err := inf.split(split)
	if err != nil {
		return nil, err
	}
	return s.solver, nil
}

// Close releases every split solver
func (inf *Inferencer) Close() error {
	var first error
	for _, s := range inf.splits {
		if err := s.solver.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (inf *Inferencer) split(name string) (*splitSolver, error) {
	if name == "" {
		name = DefaultSplit
	}
	s, ok := inf.splits[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSplit, "%q (have %s)", name, strings.Join(inf.Splits(), ", "))
	}
	return s, nil
}

// loader wraps embeddings, and targets when given, in the split's loader
func (inf *Inferencer) loader(s *splitSolver, embeddings Embeddings, targets []string) (*training.Loader, error) {
	if embeddings.Len() == 0 {
		return nil, fmt.Errorf("no embeddings given")
	}
	if targets != nil && len(targets) != embeddings.Len() {
		return nil, fmt.Errorf("got %d targets for %d embeddings", len(targets), embeddings.Len())
	}

	samples := make([]training.Sample, embeddings.Len())
	for i := range samples {
		id, embedding := embeddings.At(i)
		samples[i] = training.Sample{ID: id, Embedding: embedding}
		if targets != nil {
			target, err := inf.classes.Encode(inf.protocol, targets[i])
			if err != nil {
				return nil, errors.Wrapf(err, "target of %s", id)
			}
			samples[i].Target = target
		}
	}

	dataset, err := training.BuildDataset(inf.protocol, samples)
	if err != nil {
		return nil, err
	}
	return training.NewLoader(dataset, s.config.BatchSize)
}

// Prediction is the mapped result for one sample. Residue-level labels are
// the per-position class labels concatenated.
type Prediction struct {
	Label         string      `json:"prediction"`
	Classes       []int       `json:"classes"`
	Probabilities [][]float32 `json:"probabilities,omitempty"`
}

// PredictionResult holds test metrics, nil without targets, and the per-id predictions
type PredictionResult struct {
	Metrics     map[string]float64    `json:"metrics"`
	Predictions map[string]Prediction `json:"mapped_predictions"`
}

// FromEmbeddings predicts every embedding with the model of split. Metrics
// are computed only when targets are given, in embedding order.
func (inf *Inferencer) FromEmbeddings(embeddings Embeddings, targets []string, split string, includeProbabilities bool) (*PredictionResult, error) {
	s, err := inf.split(split)
	if err != nil {
		return nil, err
	}
	loader, err := inf.loader(s, embeddings, targets)
	if err != nil {
		return nil, err
	}

	output, err := s.solver.Inference(loader, targets != nil)
	if err != nil {
		return nil, err
	}

	result := &PredictionResult{
		Metrics:     output.Metrics,
		Predictions: make(map[string]Prediction, len(output.Predictions)),
	}
	for id, classes := range output.Predictions {
		labels, err := inf.classes.Decode(classes)
		if err != nil {
			return nil, errors.Wrapf(err, "prediction of %s", id)
		}
		p := Prediction{Label: strings.Join(labels, ""), Classes: classes}
		if includeProbabilities {
			p.Probabilities = output.Probabilities[id]
		}
		result.Predictions[id] = p
	}
	return result, nil
}

// ConvertToONNX exports every split to <outputDir>/<split>.onnx, or next to
// the split's checkpoints when outputDir is empty, and returns the paths.
func (inf *Inferencer) ConvertToONNX(outputDir string) ([]string, error) {
	if outputDir != "" {
		if err := inf.fs.MkdirAll(outputDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %v", outputDir, err)
		}
	}

	var paths []string
	for _, name := range inf.Splits() {
		path, err := inf.splits[name].solver.SaveAsONNX(inf.embeddingDimension, outputDir)
		if err != nil {
			return paths, errors.Wrapf(err, "split %s", name)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ConvertAllCheckpointsToSafetensors re-saves every split loaded from a
// legacy checkpoint in the safetensors format, keeping its epoch. Splits
// already stored as safetensors are left alone. It returns the written paths.
func (inf *Inferencer) ConvertAllCheckpointsToSafetensors() ([]string, error) {
	var written []string
	for _, name := range inf.Splits() {
		solver := inf.splits[name].solver
		if solver.CheckpointType() != checkpoints.FormatLegacyJSON {
			continue
		}
		if err := solver.SaveCheckpoint(solver.StartEpoch()); err != nil {
			return written, errors.Wrapf(err, "split %s", name)
		}
		inf.logger.Info("converted checkpoint", zap.String("split", name), zap.String("path", solver.CheckpointPath()))
		written = append(written, solver.CheckpointPath())
	}
	return written, nil
}

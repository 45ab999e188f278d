package inference

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	version "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/protocols"
)

// OutputConfig is the training-run descriptor written next to the checkpoints (out.yml)
type OutputConfig struct {
	Protocol         protocols.Protocol     `yaml:"protocol"`
	EmbedderName     string                 `yaml:"embedder_name"`
	NFeatures        int                    `yaml:"n_features"`
	ModelChoice      string                 `yaml:"model_choice"`
	ClassIntToString map[int]string         `yaml:"class_int_to_string"`
	ClassStrToInt    map[string]int         `yaml:"class_str_to_int"`
	LogDir           string                 `yaml:"log_dir"`
	Version          string                 `yaml:"embedtrain_version"`
	Device           string                 `yaml:"device"`
	SplitResults     map[string]SplitResult `yaml:"split_results"`

	// raw holds every global key, including those without a typed field
	raw map[string]interface{}
}

// SplitResult is one entry of split_results
type SplitResult struct {
	SplitHyperParams map[string]interface{} `yaml:"split_hyper_params"`
	TestResults      map[string]interface{} `yaml:"test_results,omitempty"`
}

// Value returns a global descriptor key as parsed
func (oc *OutputConfig) Value(key string) (interface{}, bool) {
	v, ok := oc.raw[key]
	return v, ok
}

// Set records a global key that has no typed field, e.g. loss_choice
func (oc *OutputConfig) Set(key string, value interface{}) {
	if oc.raw == nil {
		oc.raw = make(map[string]interface{})
	}
	oc.raw[key] = value
}

// SplitNames lists the splits that hold a trained model, sorted. Aggregate
// entries whose name contains "average" or "best" are skipped.
func (oc *OutputConfig) SplitNames() []string {
	names := make([]string, 0, len(oc.SplitResults))
	for name := range oc.SplitResults {
		if strings.Contains(name, "average") || strings.Contains(name, "best") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadOutputFile parses the descriptor at path. The per-split id lists are
// dropped before parsing because they only inflate the document.
func ReadOutputFile(fs afero.Fs, path string) (*OutputConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "failed to read %s: %v", path, err)
	}
	return ParseOutputConfig(StripIDLists(data))
}

// ParseOutputConfig decodes a descriptor document
func ParseOutputConfig(data []byte) (*OutputConfig, error) {
	var config OutputConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%v", err)
	}
	if err := yaml.Unmarshal(data, &config.raw); err != nil {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "%v", err)
	}
	delete(config.raw, "split_results")

	if !config.Protocol.IsClassification() {
		return nil, errors.Wrapf(ErrInvalidDescriptor, "unsupported protocol %s", config.Protocol)
	}
	if len(config.SplitResults) == 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "descriptor lists no split_results")
	}
	if config.NFeatures <= 0 {
		return nil, errors.Wrap(ErrInvalidDescriptor, "n_features must be positive")
	}
	return &config, nil
}

// WriteOutputFile serialises the descriptor to path. Typed fields take
// precedence over keys recorded with Set.
func WriteOutputFile(fs afero.Fs, path string, config *OutputConfig) error {
	doc := make(map[string]interface{}, len(config.raw)+10)
	for k, v := range config.raw {
		doc[k] = v
	}
	doc["protocol"] = config.Protocol.String()
	doc["embedder_name"] = config.EmbedderName
	doc["n_features"] = config.NFeatures
	doc["model_choice"] = config.ModelChoice
	doc["log_dir"] = config.LogDir
	doc["embedtrain_version"] = config.Version
	doc["split_results"] = config.SplitResults
	if config.Device != "" {
		doc["device"] = config.Device
	}
	if len(config.ClassIntToString) > 0 {
		doc["class_int_to_string"] = config.ClassIntToString
	}
	if len(config.ClassStrToInt) > 0 {
		doc["class_str_to_int"] = config.ClassStrToInt
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode descriptor: %v", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %v", filepath.Dir(path), err)
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

// StripIDLists removes the training_ids and validation_ids blocks: the key
// line and every following line that contains "-" but no ":".
func StripIDLists(data []byte) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	inIDList := false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "training_ids:" || trimmed == "validation_ids:" {
			inIDList = true
			continue
		}
		if inIDList && strings.Contains(line, "-") && !strings.Contains(line, ":") {
			continue
		}
		inIDList = false
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// correctLogDir points LogDir at <dir of outPath>/<model_choice>/<embedder_name>
// when the recorded directory does not exist and the candidate holds files.
func correctLogDir(fs afero.Fs, outPath string, config *OutputConfig, logger *zap.Logger) {
	if exists, _ := afero.DirExists(fs, config.LogDir); exists && config.LogDir != "" {
		return
	}

	candidate := filepath.Join(filepath.Dir(outPath), config.ModelChoice, config.EmbedderName)
	exists, _ := afero.DirExists(fs, candidate)
	if !exists {
		logger.Warn("could not correct checkpoint directory",
			zap.String("log_dir", config.LogDir), zap.String("tried", candidate))
		return
	}
	empty, err := afero.IsEmpty(fs, candidate)
	if err != nil || empty {
		logger.Warn("corrected checkpoint directory contains no files", zap.String("path", candidate))
		return
	}

	logger.Info("reading checkpoints from corrected directory", zap.String("path", candidate))
	config.LogDir = candidate
}

// checkVersion warns when the descriptor was written by another release
func checkVersion(recorded string, logger *zap.Logger) {
	current := version.Must(version.NewVersion(checkpoints.Version))
	if recorded == "" {
		logger.Warn("training run does not record the version it was trained with",
			zap.String("running", current.String()))
		return
	}

	trained, err := version.NewVersion(recorded)
	if err != nil {
		logger.Warn("unparsable training version", zap.String("recorded", recorded), zap.Error(err))
		return
	}
	if !trained.Equal(current) {
		logger.Warn("model was trained with a different version, results may differ",
			zap.String("trained", trained.String()),
			zap.String("running", current.String()))
	}
}

// typedValues returns the typed fields that are set, keyed like the document.
// They take precedence over the raw keys they were parsed from.
func (oc *OutputConfig) typedValues() map[string]interface{} {
	values := make(map[string]interface{})
	if oc.Protocol != protocols.Unspecified {
		values["protocol"] = oc.Protocol.String()
	}
	if oc.EmbedderName != "" {
		values["embedder_name"] = oc.EmbedderName
	}
	if oc.NFeatures > 0 {
		values["n_features"] = oc.NFeatures
	}
	if oc.ModelChoice != "" {
		values["model_choice"] = oc.ModelChoice
	}
	if oc.LogDir != "" {
		values["log_dir"] = oc.LogDir
	}
	if oc.Device != "" {
		values["device"] = oc.Device
	}
	return values
}

func (oc *OutputConfig) numClasses() int {
	if len(oc.ClassIntToString) > 0 {
		return len(oc.ClassIntToString)
	}
	return len(oc.ClassStrToInt)
}

// SplitConfig is the global descriptor merged with one split's
// hyperparameters. It is built once per split and never modified.
type SplitConfig struct {
	Name            string             `yaml:"-" validate:"required"`
	Protocol        protocols.Protocol `yaml:"protocol" validate:"classification"`
	ModelChoice     string             `yaml:"model_choice" validate:"required"`
	LossChoice      string             `yaml:"loss_choice" validate:"required"`
	OptimizerChoice string             `yaml:"optimizer_choice" validate:"required"`
	LearningRate    float64            `yaml:"learning_rate" validate:"gt=0"`
	NClasses        int                `yaml:"n_classes" validate:"gte=1"`
	NFeatures       int                `yaml:"n_features" validate:"gte=1"`
	BatchSize       int                `yaml:"batch_size" validate:"gte=1"`
	NumEpochs       int                `yaml:"num_epochs" validate:"gte=0"`
	Patience        int                `yaml:"patience" validate:"gte=0"`
	Epsilon         float64            `yaml:"epsilon" validate:"gte=0"`
	LogDir          string             `yaml:"log_dir" validate:"required"`

	params map[string]interface{}
}

// Params returns a copy of every merged key, for the model, loss and optimizer factories
func (sc SplitConfig) Params() map[string]interface{} {
	out := make(map[string]interface{}, len(sc.params))
	for k, v := range sc.params {
		out[k] = v
	}
	return out
}

var splitValidate *validator.Validate

func init() {
	splitValidate = validator.New(validator.WithRequiredStructEnabled())
	_ = splitValidate.RegisterValidation("classification", func(fl validator.FieldLevel) bool {
		p, ok := fl.Field().Interface().(protocols.Protocol)
		return ok && p.IsClassification()
	})
}

// MergeSplitConfig overlays the split's hyperparameters on the global keys
// and validates the result.
func (oc *OutputConfig) MergeSplitConfig(split string) (SplitConfig, error) {
	result, ok := oc.SplitResults[split]
	if !ok {
		return SplitConfig{}, errors.Wrapf(ErrUnknownSplit, "%q", split)
	}

	merged := make(map[string]interface{}, len(oc.raw)+len(result.SplitHyperParams)+6)
	for k, v := range oc.raw {
		merged[k] = v
	}
	for k, v := range oc.typedValues() {
		merged[k] = v
	}
	for k, v := range result.SplitHyperParams {
		merged[k] = v
	}

	// Defaults for keys a descriptor may omit
	config := SplitConfig{
		NClasses:  oc.numClasses(),
		BatchSize: 128,
		NumEpochs: 200,
		Patience:  10,
		Epsilon:   0.001,
	}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return SplitConfig{}, errors.Wrapf(ErrInvalidDescriptor, "split %s: %v", split, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return SplitConfig{}, errors.Wrapf(ErrInvalidDescriptor, "split %s: %v", split, err)
	}
	config.Name = split
	config.params = merged

	if err := splitValidate.Struct(config); err != nil {
		return SplitConfig{}, errors.Wrapf(ErrInvalidDescriptor, "split %s: %v", split, err)
	}
	return config, nil
}

func (sc SplitConfig) String() string {
	return fmt.Sprintf("%s: %s/%s/%s lr=%g batch=%d", sc.Name, sc.ModelChoice, sc.LossChoice, sc.OptimizerChoice, sc.LearningRate, sc.BatchSize)
}

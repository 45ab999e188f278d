package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/embedtrain/embedtrain/engine"
	"github.com/embedtrain/embedtrain/layers"
)

var (
	// ErrUnreadableCheckpoint is returned when a checkpoint file exists but cannot be decoded
	ErrUnreadableCheckpoint = errors.New("unreadable checkpoint")
	// ErrLegacyCheckpointDisabled is returned when loading a legacy checkpoint while legacy loading is off
	ErrLegacyCheckpointDisabled = errors.New("legacy checkpoint loading is disabled")
	// ErrExportUnsupported is returned when a model cannot be traced into a static graph
	ErrExportUnsupported = errors.New("model export unsupported")
)

const (
	// Framework tags every checkpoint written by this module
	Framework = "embedtrain"
	// Version is the release recorded in checkpoints and training descriptors
	Version = "0.3.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatSafetensors stores raw tensors plus string metadata and never executes code on load
	FormatSafetensors CheckpointFormat = iota
	// FormatLegacyJSON is the older self-describing format kept for existing training runs
	FormatLegacyJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatSafetensors:
		return "safetensors"
	case FormatLegacyJSON:
		return "legacy"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension without a leading dot
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatSafetensors:
		return "safetensors"
	case FormatLegacyJSON:
		return "json"
	default:
		return ""
	}
}

// ParseFormat accepts "safetensors", "legacy" or "json"
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "safetensors", "safe":
		return FormatSafetensors, nil
	case "legacy", "json":
		return FormatLegacyJSON, nil
	default:
		return FormatSafetensors, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// FormatFromPath infers the checkpoint format from a file extension
func FormatFromPath(path string) (CheckpointFormat, error) {
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case FormatSafetensors.Extension():
		return FormatSafetensors, nil
	case FormatLegacyJSON.Extension():
		return FormatLegacyJSON, nil
	default:
		return FormatSafetensors, errors.Wrapf(ErrUnreadableCheckpoint, "unrecognised checkpoint extension in %s", path)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec,omitempty"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	fs                 afero.Fs
	format             CheckpointFormat
	allowLegacyLoading bool
}

// NewCheckpointSaver creates a saver that writes format to fs. Legacy loading is allowed by default.
func NewCheckpointSaver(fs afero.Fs, format CheckpointFormat) *CheckpointSaver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &CheckpointSaver{
		fs:                 fs,
		format:             format,
		allowLegacyLoading: true,
	}
}

// WithLegacyLoading toggles whether legacy JSON checkpoints may be read
func (cs *CheckpointSaver) WithLegacyLoading(allow bool) *CheckpointSaver {
	cs.allowLegacyLoading = allow
	return cs
}

// Format returns the format used for new checkpoints
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Fs returns the filesystem checkpoints live on
func (cs *CheckpointSaver) Fs() afero.Fs {
	return cs.fs
}

// SaveCheckpoint writes checkpoint to path in the saver's format.
// Data is written to a temporary file first, so an existing checkpoint is
// only replaced by a complete one.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	return cs.SaveCheckpointAs(checkpoint, path, cs.format)
}

// SaveCheckpointAs writes checkpoint in an explicit format
func (cs *CheckpointSaver) SaveCheckpointAs(checkpoint *Checkpoint, path string, format CheckpointFormat) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var data []byte
	var err error
	switch format {
	case FormatSafetensors:
		data, err = encodeSafetensors(checkpoint)
	case FormatLegacyJSON:
		data, err = encodeJSON(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	return writeAtomic(cs.fs, path, data)
}

// LoadCheckpoint reads a checkpoint, choosing the decoder from the file extension
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	if format == FormatLegacyJSON && !cs.allowLegacyLoading {
		return nil, errors.Wrapf(ErrLegacyCheckpointDisabled, "refusing to load %s", path)
	}

	data, err := afero.ReadFile(cs.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrUnreadableCheckpoint, "failed to read %s: %v", path, err)
	}

	var checkpoint *Checkpoint
	switch format {
	case FormatSafetensors:
		checkpoint, err = decodeSafetensors(data)
	default:
		checkpoint, err = decodeJSON(data)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrUnreadableCheckpoint, "%s: %v", path, err)
	}
	return checkpoint, nil
}

func encodeJSON(checkpoint *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ") // Pretty print JSON
	if err := encoder.Encode(checkpoint); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeJSON(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// writeAtomic writes data beside path and renames it into place
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %v", tmp, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %v", path, err)
	}
	return nil
}

// WeightsFromParameters copies network parameters into checkpoint tensors
func WeightsFromParameters(params []*engine.Parameter) []WeightTensor {
	weights := make([]WeightTensor, len(params))
	for i, p := range params {
		data := make([]float32, len(p.Data))
		copy(data, p.Data)
		weights[i] = WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  data,
			Layer: p.Layer,
			Type:  p.Type,
		}
	}
	return weights
}

// LoadWeightsIntoParameters restores parameters by name. Every parameter must be present.
func LoadWeightsIntoParameters(weights []WeightTensor, params []*engine.Parameter) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no tensor for parameter %s", p.Name)
		}
		if !sameShape(w.Shape, p.Shape) {
			return fmt.Errorf("parameter %s: checkpoint shape %v does not match model shape %v", p.Name, w.Shape, p.Shape)
		}
		if err := p.CopyFrom(w.Data); err != nil {
			return err
		}
	}
	if len(weights) != len(params) {
		return fmt.Errorf("checkpoint holds %d tensors, model has %d parameters", len(weights), len(params))
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

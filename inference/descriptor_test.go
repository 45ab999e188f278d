package inference

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/protocols"
)

const descriptorDoc = `protocol: residue_to_class
embedder_name: one_hot_encoding
n_features: 21
model_choice: CNN
loss_choice: cross_entropy_loss
optimizer_choice: adam
learning_rate: 0.001
n_classes: 3
batch_size: 64
log_dir: /runs/output/CNN/one_hot_encoding
embedtrain_version: 0.3.0
class_int_to_string:
  0: C
  1: E
  2: H
split_results:
  hold_out:
    training_ids:
    - Seq1
    - Seq-2
    validation_ids:
    - Seq3
    split_hyper_params:
      learning_rate: 0.01
      dropout_rate: 0.5
  average_outer_splits:
    split_hyper_params: {}
  best_split:
    split_hyper_params: {}
`

func TestStripIDLists(t *testing.T) {
	stripped := string(StripIDLists([]byte(descriptorDoc)))

	assert.NotContains(t, stripped, "training_ids")
	assert.NotContains(t, stripped, "validation_ids")
	assert.NotContains(t, stripped, "Seq1")
	assert.NotContains(t, stripped, "Seq-2")
	assert.Contains(t, stripped, "split_hyper_params:")
	assert.Contains(t, stripped, "learning_rate: 0.01")
	// Lines with a colon end the list even when they contain a dash
	assert.Contains(t, stripped, "protocol: residue_to_class")
}

func TestParseOutputConfig(t *testing.T) {
	config, err := ParseOutputConfig(StripIDLists([]byte(descriptorDoc)))
	require.NoError(t, err)

	assert.Equal(t, protocols.ResidueToClass, config.Protocol)
	assert.Equal(t, 21, config.NFeatures)
	assert.Equal(t, "C", config.ClassIntToString[0])
	assert.Equal(t, "0.3.0", config.Version)
	assert.Equal(t, []string{"hold_out"}, config.SplitNames())

	v, ok := config.Value("loss_choice")
	require.True(t, ok)
	assert.Equal(t, "cross_entropy_loss", v)
	_, ok = config.Value("split_results")
	assert.False(t, ok)
}

func TestParseOutputConfigErrors(t *testing.T) {
	cases := map[string]string{
		"not yaml":        "protocol: [",
		"regression":      "protocol: sequence_to_value\nn_features: 3\nsplit_results:\n  hold_out: {}\n",
		"no splits":       "protocol: sequence_to_class\nn_features: 3\n",
		"no feature size": "protocol: sequence_to_class\nsplit_results:\n  hold_out: {}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOutputConfig([]byte(doc))
			assert.True(t, errors.Is(err, ErrInvalidDescriptor), "got %v", err)
		})
	}
}

func TestReadOutputFileMissing(t *testing.T) {
	_, err := ReadOutputFile(afero.NewMemMapFs(), "/nowhere/out.yml")
	assert.True(t, errors.Is(err, ErrInvalidDescriptor))
}

func TestMergeSplitConfig(t *testing.T) {
	config, err := ParseOutputConfig(StripIDLists([]byte(descriptorDoc)))
	require.NoError(t, err)

	sc, err := config.MergeSplitConfig("hold_out")
	require.NoError(t, err)
	assert.Equal(t, "hold_out", sc.Name)
	assert.Equal(t, 0.01, sc.LearningRate, "split keys override global keys")
	assert.Equal(t, 64, sc.BatchSize)
	assert.Equal(t, 3, sc.NClasses)
	assert.Equal(t, 200, sc.NumEpochs, "omitted keys fall back to defaults")
	assert.Equal(t, 10, sc.Patience)
	assert.Equal(t, 0.5, sc.Params()["dropout_rate"])

	// Params hands out copies
	sc.Params()["dropout_rate"] = 0.9
	assert.Equal(t, 0.5, sc.Params()["dropout_rate"])

	_, err = config.MergeSplitConfig("fold_7")
	assert.True(t, errors.Is(err, ErrUnknownSplit))
}

func TestMergeSplitConfigValidates(t *testing.T) {
	config, err := ParseOutputConfig([]byte(`protocol: sequence_to_class
n_features: 8
model_choice: FNN
loss_choice: cross_entropy_loss
optimizer_choice: adam
log_dir: /runs
class_int_to_string: {0: A, 1: B}
split_results:
  hold_out:
    split_hyper_params: {}
`))
	require.NoError(t, err)

	_, err = config.MergeSplitConfig("hold_out")
	assert.True(t, errors.Is(err, ErrInvalidDescriptor), "learning rate is required")
}

func TestWriteOutputFileRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	config := &OutputConfig{
		Protocol:         protocols.SequenceToClass,
		EmbedderName:     "prott5",
		NFeatures:        4,
		ModelChoice:      "FNN",
		ClassIntToString: map[int]string{0: "A", 1: "B"},
		LogDir:           "/runs/FNN/prott5",
		Version:          checkpoints.Version,
		SplitResults: map[string]SplitResult{
			"hold_out": {SplitHyperParams: map[string]interface{}{"learning_rate": 0.01}},
		},
	}
	config.Set("loss_choice", "cross_entropy_loss")

	require.NoError(t, WriteOutputFile(fs, "/runs/out.yml", config))
	read, err := ReadOutputFile(fs, "/runs/out.yml")
	require.NoError(t, err)

	assert.Equal(t, config.Protocol, read.Protocol)
	assert.Equal(t, config.ClassIntToString, read.ClassIntToString)
	assert.Equal(t, config.LogDir, read.LogDir)
	v, _ := read.Value("loss_choice")
	assert.Equal(t, "cross_entropy_loss", v)
}

func TestCorrectLogDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	config := &OutputConfig{ModelChoice: "FNN", EmbedderName: "prott5", LogDir: "/old/machine/FNN/prott5"}
	config.Set("log_dir", config.LogDir)

	correctLogDir(fs, "/runs/out.yml", config, zap.NewNop())
	assert.Equal(t, "/old/machine/FNN/prott5", config.LogDir, "no candidate directory")

	require.NoError(t, fs.MkdirAll("/runs/FNN/prott5", 0o755))
	correctLogDir(fs, "/runs/out.yml", config, zap.NewNop())
	assert.Equal(t, "/old/machine/FNN/prott5", config.LogDir, "candidate directory is empty")

	require.NoError(t, afero.WriteFile(fs, "/runs/FNN/prott5/hold_out_checkpoint.safetensors", []byte("x"), 0o644))
	correctLogDir(fs, "/runs/out.yml", config, zap.NewNop())
	assert.Equal(t, "/runs/FNN/prott5", config.LogDir)
}

func TestMergeSplitConfigUsesTypedFields(t *testing.T) {
	config := &OutputConfig{
		Protocol:         protocols.SequenceToClass,
		EmbedderName:     "prott5",
		NFeatures:        4,
		ModelChoice:      "FNN",
		ClassIntToString: map[int]string{0: "A", 1: "B"},
		LogDir:           "/runs/FNN/prott5",
		SplitResults: map[string]SplitResult{
			"hold_out": {SplitHyperParams: map[string]interface{}{"learning_rate": 0.01}},
		},
	}
	config.Set("loss_choice", "cross_entropy_loss")
	config.Set("optimizer_choice", "adam")

	sc, err := config.MergeSplitConfig("hold_out")
	require.NoError(t, err)
	assert.Equal(t, protocols.SequenceToClass, sc.Protocol)
	assert.Equal(t, "FNN", sc.ModelChoice)
	assert.Equal(t, 4, sc.NFeatures)
	assert.Equal(t, 2, sc.NClasses)
	assert.Equal(t, "/runs/FNN/prott5", sc.LogDir)

	// Edits to typed fields win over the keys the document was parsed from
	parsed, err := ParseOutputConfig(StripIDLists([]byte(descriptorDoc)))
	require.NoError(t, err)
	parsed.LogDir = "/elsewhere"
	parsed.ModelChoice = "FNN"
	sc, err = parsed.MergeSplitConfig("hold_out")
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", sc.LogDir)
	assert.Equal(t, "FNN", sc.ModelChoice)
}

func TestCheckVersion(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	checkVersion(checkpoints.Version, logger)
	assert.Equal(t, 0, logs.Len())

	checkVersion("0.1.0", logger)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "0.1.0", logs.All()[0].ContextMap()["trained"])

	checkVersion("", logger)
	assert.Equal(t, 2, logs.Len())
}

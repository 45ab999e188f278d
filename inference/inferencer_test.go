package inference

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/device"
	"github.com/embedtrain/embedtrain/models"
	"github.com/embedtrain/embedtrain/optimizer"
	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/tensor"
	"github.com/embedtrain/embedtrain/training"
)

const (
	testFeatures = 4
	testEmbedder = "test_embedder"
)

var testLabels = []string{"A", "B"}

// testData puts class c around +1 on feature c and -1 elsewhere
func testData(t *testing.T, protocol protocols.Protocol, n int, seed int64) (Embeddings, []string) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	point := func(class int) []float32 {
		v := make([]float32, testFeatures)
		for f := range v {
			v[f] = -1 + float32(rng.NormFloat64()*0.1)
		}
		v[class] += 2
		return v
	}

	ids := make([]string, n)
	values := make([]*tensor.Tensor, n)
	targets := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("seq%02d", i)
		if protocol.IsPerResidue() {
			length := 2 + i%4
			data := make([]float32, 0, length*testFeatures)
			for p := 0; p < length; p++ {
				class := (i + p) % 2
				targets[i] += testLabels[class]
				data = append(data, point(class)...)
			}
			emb, err := tensor.New([]int{length, testFeatures}, data)
			require.NoError(t, err)
			values[i] = emb
			continue
		}
		emb, err := tensor.FromVector(point(i % 2))
		require.NoError(t, err)
		values[i] = emb
		targets[i] = testLabels[i%2]
	}

	embeddings, err := NewEmbeddings(ids, values)
	require.NoError(t, err)
	return embeddings, targets
}

func trainingLoader(t *testing.T, protocol protocols.Protocol, n int, seed int64) *training.Loader {
	t.Helper()
	embeddings, targets := testData(t, protocol, n, seed)
	classes, err := NewClassMapping(map[int]string{0: "A", 1: "B"}, nil)
	require.NoError(t, err)

	samples := make([]training.Sample, embeddings.Len())
	for i := range samples {
		id, emb := embeddings.At(i)
		target, err := classes.Encode(protocol, targets[i])
		require.NoError(t, err)
		samples[i] = training.Sample{ID: id, Embedding: emb, Target: target}
	}
	ds, err := training.BuildDataset(protocol, samples)
	require.NoError(t, err)
	loader, err := training.NewLoader(ds, 4)
	require.NoError(t, err)
	return loader
}

type runOptions struct {
	format checkpoints.CheckpointFormat
	splits []string
	// listed in the descriptor without a checkpoint
	extraSplits []string
}

// trainRun trains one small model per split into <dir>/FNN/test_embedder
// and writes <dir>/out.yml describing it. It returns the out.yml path.
func trainRun(t *testing.T, protocol protocols.Protocol, opts runOptions) string {
	t.Helper()
	if len(opts.splits) == 0 {
		opts.splits = []string{DefaultSplit}
	}
	fs := afero.NewOsFs()
	dir := t.TempDir()
	logDir := filepath.Join(dir, "FNN", testEmbedder)
	params := map[string]interface{}{"seed": 7, "dropout_rate": 0.25}

	dev, err := device.Get(device.CPU)
	require.NoError(t, err)
	store, err := training.NewDirectoryStore(fs, logDir)
	require.NoError(t, err)

	results := map[string]SplitResult{
		"average_outer_split_results": {},
	}
	for i, split := range opts.splits {
		model, err := models.Build(protocol, "FNN", 2, testFeatures, params)
		require.NoError(t, err)
		opt, err := optimizer.Build(protocol, "adam", nil, 0.01, model.Parameters())
		require.NoError(t, err)
		loss, err := training.BuildLoss(protocol, training.CrossEntropyChoice, dev, nil)
		require.NoError(t, err)

		config := training.DefaultSolverConfig()
		config.Name = split
		config.Protocol = protocol
		config.NumberOfEpochs = 15
		config.Patience = 3
		config.CheckpointFormat = opts.format
		solver, err := training.NewSolver(config, model, opt, loss, training.WithCheckpointStore(store))
		require.NoError(t, err)

		_, err = solver.Train(trainingLoader(t, protocol, 24, int64(10+i)), trainingLoader(t, protocol, 8, int64(20+i)))
		require.NoError(t, err)
		require.NoError(t, solver.Close())

		results[split] = SplitResult{SplitHyperParams: map[string]interface{}{"seed": 7}}
	}
	for _, split := range opts.extraSplits {
		results[split] = SplitResult{SplitHyperParams: map[string]interface{}{}}
	}

	out := &OutputConfig{
		Protocol:         protocol,
		EmbedderName:     testEmbedder,
		NFeatures:        testFeatures,
		ModelChoice:      "FNN",
		ClassIntToString: map[int]string{0: "A", 1: "B"},
		LogDir:           logDir,
		Version:          checkpoints.Version,
		Device:           device.CPU,
		SplitResults:     results,
	}
	out.Set("loss_choice", training.CrossEntropyChoice)
	out.Set("optimizer_choice", "adam")
	out.Set("learning_rate", 0.01)
	out.Set("n_classes", 2)
	out.Set("batch_size", 4)
	out.Set("dropout_rate", 0.25)

	path := filepath.Join(dir, "out.yml")
	require.NoError(t, WriteOutputFile(fs, path, out))
	return path
}

func loadRun(t *testing.T, path string, configure func(*InferencerConfig)) *Inferencer {
	t.Helper()
	config := DefaultInferencerConfig()
	if configure != nil {
		configure(&config)
	}
	inf, _, err := CreateFromOutFile(path, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inf.Close() })
	return inf
}

func TestReconstructionSkipsAggregates(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{splits: []string{"k_fold-1", "k_fold-2"}})
	inf := loadRun(t, path, nil)

	assert.Equal(t, []string{"k_fold-1", "k_fold-2"}, inf.Splits())
	assert.Equal(t, protocols.SequenceToClass, inf.Protocol())
	assert.Equal(t, testFeatures, inf.EmbeddingDimension())
	assert.Equal(t, 2, inf.Classes().Len())

	solver, err := inf.Solver("k_fold-2")
	require.NoError(t, err)
	assert.Equal(t, checkpoints.FormatSafetensors, solver.CheckpointType())
}

func TestFromEmbeddingsSequenceLevel(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{})
	inf := loadRun(t, path, nil)
	embeddings, targets := testData(t, protocols.SequenceToClass, 12, 99)

	t.Run("without targets", func(t *testing.T) {
		result, err := inf.FromEmbeddings(embeddings, nil, DefaultSplit, false)
		require.NoError(t, err)
		assert.Nil(t, result.Metrics)
		require.Len(t, result.Predictions, 12)
		for _, p := range result.Predictions {
			assert.Contains(t, testLabels, p.Label)
			assert.Len(t, p.Classes, 1)
			assert.Nil(t, p.Probabilities)
		}
	})

	t.Run("with targets", func(t *testing.T) {
		result, err := inf.FromEmbeddings(embeddings, targets, "", true)
		require.NoError(t, err)
		require.NotNil(t, result.Metrics)
		assert.Contains(t, result.Metrics, "loss")
		assert.Contains(t, result.Metrics, "matthews-corr-coeff")
		assert.GreaterOrEqual(t, result.Metrics["accuracy"], 0.8)

		for _, id := range embeddings.IDs() {
			p := result.Predictions[id]
			require.Len(t, p.Probabilities, 1)
			assert.InDelta(t, 1.0, float64(p.Probabilities[0][0]+p.Probabilities[0][1]), 1e-5)
			assert.Equal(t, p.Classes[0], tensor.ArgMaxVector(p.Probabilities[0]))
			assert.Equal(t, testLabels[p.Classes[0]], p.Label)
		}
	})

	t.Run("errors", func(t *testing.T) {
		_, err := inf.FromEmbeddings(embeddings, targets[:3], DefaultSplit, false)
		assert.Error(t, err)

		_, err = inf.FromEmbeddings(embeddings, nil, "fold_9", false)
		assert.True(t, errors.Is(err, ErrUnknownSplit))

		bad := append([]string(nil), targets...)
		bad[0] = "Z"
		_, err = inf.FromEmbeddings(embeddings, bad, DefaultSplit, false)
		assert.Error(t, err)
	})
}

func TestFromEmbeddingsResidueLevel(t *testing.T) {
	path := trainRun(t, protocols.ResidueToClass, runOptions{})
	inf := loadRun(t, path, nil)
	embeddings, targets := testData(t, protocols.ResidueToClass, 9, 99)

	result, err := inf.FromEmbeddings(embeddings, targets, DefaultSplit, true)
	require.NoError(t, err)
	require.NotNil(t, result.Metrics)

	for i, id := range embeddings.IDs() {
		p := result.Predictions[id]
		assert.Len(t, p.Label, len(targets[i]), "one label per residue")
		assert.Len(t, p.Classes, len(targets[i]))
		assert.Len(t, p.Probabilities, len(targets[i]))
	}
}

func TestPathCorrection(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{})
	fs := afero.NewOsFs()

	out, err := ReadOutputFile(fs, path)
	require.NoError(t, err)
	out.LogDir = "/data/moved/away/FNN/" + testEmbedder
	require.NoError(t, WriteOutputFile(fs, path, out))

	config := DefaultInferencerConfig()
	config.AutomaticPathCorrection = false
	_, _, err = CreateFromOutFile(path, config)
	assert.True(t, errors.Is(err, ErrMissingCheckpoint))

	inf := loadRun(t, path, nil)
	assert.Equal(t, []string{DefaultSplit}, inf.Splits())
}

func TestMissingCheckpoint(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{extraSplits: []string{"k_fold-9"}})

	_, _, err := CreateFromOutFile(path, DefaultInferencerConfig())
	assert.True(t, errors.Is(err, ErrMissingCheckpoint))
}

func TestUnavailableDevice(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{})

	config := DefaultInferencerConfig()
	config.Device = "cuda"
	_, _, err := CreateFromOutFile(path, config)
	assert.True(t, errors.Is(err, device.ErrUnavailable))
}

func TestLegacyCheckpointConversion(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{format: checkpoints.FormatLegacyJSON})
	embeddings, _ := testData(t, protocols.SequenceToClass, 6, 5)

	_, _, err := CreateFromOutFile(path, InferencerConfig{AutomaticPathCorrection: true})
	assert.True(t, errors.Is(err, checkpoints.ErrLegacyCheckpointDisabled))

	legacy := loadRun(t, path, nil)
	solver, err := legacy.Solver(DefaultSplit)
	require.NoError(t, err)
	assert.Equal(t, checkpoints.FormatLegacyJSON, solver.CheckpointType())
	epoch := solver.StartEpoch()
	before, err := legacy.FromEmbeddings(embeddings, nil, DefaultSplit, true)
	require.NoError(t, err)

	written, err := legacy.ConvertAllCheckpointsToSafetensors()
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, ".safetensors", filepath.Ext(written[0]))

	// Only safetensors files are accepted now, and the weights are unchanged
	converted := loadRun(t, path, func(c *InferencerConfig) { c.AllowLegacyLoading = false })
	convertedSolver, err := converted.Solver(DefaultSplit)
	require.NoError(t, err)
	assert.Equal(t, checkpoints.FormatSafetensors, convertedSolver.CheckpointType())
	assert.Equal(t, epoch, convertedSolver.StartEpoch())

	after, err := converted.FromEmbeddings(embeddings, nil, DefaultSplit, true)
	require.NoError(t, err)
	for id, p := range before.Predictions {
		assert.Equal(t, p.Classes, after.Predictions[id].Classes)
		assert.InDeltaSlice(t, p.Probabilities[0], after.Predictions[id].Probabilities[0], 1e-6)
	}

	written, err = converted.ConvertAllCheckpointsToSafetensors()
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestConvertToONNXMatchesFromEmbeddings(t *testing.T) {
	for _, protocol := range []protocols.Protocol{protocols.SequenceToClass, protocols.ResidueToClass} {
		t.Run(protocol.String(), func(t *testing.T) {
			path := trainRun(t, protocol, runOptions{})
			inf := loadRun(t, path, nil)
			embeddings, _ := testData(t, protocol, 5, 3)

			outputDir := filepath.Join(t.TempDir(), "onnx")
			paths, err := inf.ConvertToONNX(outputDir)
			require.NoError(t, err)
			require.Equal(t, []string{filepath.Join(outputDir, DefaultSplit+".onnx")}, paths)

			expected, err := inf.FromEmbeddings(embeddings, nil, DefaultSplit, true)
			require.NoError(t, err)
			got, err := FromONNXWithEmbeddings(afero.NewOsFs(), paths[0], embeddings, protocol)
			require.NoError(t, err)

			for _, id := range embeddings.IDs() {
				want := expected.Predictions[id].Probabilities
				require.Len(t, got[id], len(want))
				for r := range want {
					assert.InDeltaSlice(t, want[r], got[id][r], 1e-5)
				}
			}
		})
	}
}

func TestFromONNXWithEmbeddingsRawOutput(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{})
	inf := loadRun(t, path, nil)
	embeddings, _ := testData(t, protocols.SequenceToClass, 3, 3)

	paths, err := inf.ConvertToONNX("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "FNN", testEmbedder, DefaultSplit+".onnx"), paths[0])

	raw, err := FromONNXWithEmbeddings(afero.NewOsFs(), paths[0], embeddings, protocols.Unspecified)
	require.NoError(t, err)
	probs, err := FromONNXWithEmbeddings(afero.NewOsFs(), paths[0], embeddings, protocols.SequenceToClass)
	require.NoError(t, err)

	for id, rows := range raw {
		row := append([]float32(nil), rows[0]...)
		tensor.SoftmaxInPlace(row)
		assert.InDeltaSlice(t, probs[id][0], row, 1e-6)
	}

	_, err = FromONNXWithEmbeddings(afero.NewOsFs(), filepath.Join(t.TempDir(), "missing.onnx"), embeddings, protocols.SequenceToClass)
	assert.Error(t, err)
}

func TestNewFromInMemoryDescriptor(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{})

	out := &OutputConfig{
		Protocol:         protocols.SequenceToClass,
		EmbedderName:     testEmbedder,
		NFeatures:        testFeatures,
		ModelChoice:      "FNN",
		ClassIntToString: map[int]string{0: "A", 1: "B"},
		LogDir:           filepath.Join(filepath.Dir(path), "FNN", testEmbedder),
		SplitResults: map[string]SplitResult{
			DefaultSplit: {SplitHyperParams: map[string]interface{}{"seed": 7, "dropout_rate": 0.25}},
		},
	}
	out.Set("loss_choice", training.CrossEntropyChoice)
	out.Set("optimizer_choice", "adam")
	out.Set("learning_rate", 0.01)

	inf, err := New(out, DefaultInferencerConfig())
	require.NoError(t, err)
	defer inf.Close()
	assert.Equal(t, []string{DefaultSplit}, inf.Splits())

	embeddings, targets := testData(t, protocols.SequenceToClass, 6, 3)
	result, err := inf.FromEmbeddings(embeddings, targets, "", false)
	require.NoError(t, err)
	assert.Len(t, result.Predictions, 6)
	assert.NotNil(t, result.Metrics)

	out.LogDir = filepath.Join(filepath.Dir(path), "missing")
	_, err = New(out, DefaultInferencerConfig())
	assert.True(t, errors.Is(err, ErrMissingCheckpoint))
}

func TestLoadLogsDevice(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{})
	core, logs := observer.New(zapcore.InfoLevel)
	loadRun(t, path, func(c *InferencerConfig) { c.Logger = zap.New(core) })

	loaded := logs.FilterMessage("loaded training run").All()
	require.Len(t, loaded, 1)
	fields := loaded[0].ContextMap()
	assert.Contains(t, fields["device"], device.CPU)
	assert.Contains(t, fields, "avx2")
}

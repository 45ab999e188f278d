package main

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/device"
	"github.com/embedtrain/embedtrain/inference"
	"github.com/embedtrain/embedtrain/models"
	"github.com/embedtrain/embedtrain/optimizer"
	"github.com/embedtrain/embedtrain/plotting"
	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/telemetry"
	"github.com/embedtrain/embedtrain/training"
)

// trainOptions mirrors the train flags
type trainOptions struct {
	EmbeddingsPath     string
	LabelsPath         string
	OutputDir          string
	EmbedderName       string
	Protocol           string
	ModelChoice        string
	OptimizerChoice    string
	LearningRate       float64
	BatchSize          int
	NumEpochs          int
	Patience           int
	Epsilon            float64
	DropoutRate        float64
	ValidationFraction float64
	Seed               int64
	Device             string
	CheckpointFormat   string
}

var trainOpts trainOptions

func initTrainFlags() {
	f := trainCmd.Flags()
	f.StringVarP(&trainOpts.EmbeddingsPath, "embeddings", "e", "", "JSON file mapping ids to embeddings")
	f.StringVarP(&trainOpts.LabelsPath, "labels", "l", "", "JSON file mapping ids to class labels")
	f.StringVarP(&trainOpts.OutputDir, "output-dir", "o", "output", "directory for out.yml and checkpoints")
	f.StringVar(&trainOpts.EmbedderName, "embedder-name", "custom_embeddings", "name recorded for the embeddings")
	f.StringVar(&trainOpts.Protocol, "protocol", protocols.SequenceToClass.String(), "sequence_to_class or residue_to_class")
	f.StringVar(&trainOpts.ModelChoice, "model", "FNN", "model architecture")
	f.StringVar(&trainOpts.OptimizerChoice, "optimizer", "adam", "optimizer")
	f.Float64Var(&trainOpts.LearningRate, "learning-rate", 1e-3, "learning rate")
	f.IntVar(&trainOpts.BatchSize, "batch-size", 128, "batch size")
	f.IntVar(&trainOpts.NumEpochs, "epochs", 200, "maximum number of epochs")
	f.IntVar(&trainOpts.Patience, "patience", 10, "epochs without improvement before stopping")
	f.Float64Var(&trainOpts.Epsilon, "epsilon", 1e-3, "minimum validation loss improvement")
	f.Float64Var(&trainOpts.DropoutRate, "dropout-rate", models.DefaultDropoutRate, "dropout rate")
	f.Float64Var(&trainOpts.ValidationFraction, "validation-fraction", 0.2, "share of ids held out for validation")
	f.Int64Var(&trainOpts.Seed, "seed", models.DefaultSeed, "seed for weights and the validation split")
	f.StringVar(&trainOpts.Device, "device", device.CPU, "device to train on")
	f.StringVar(&trainOpts.CheckpointFormat, "checkpoint-format", checkpoints.FormatSafetensors.String(), "safetensors or legacy")
	_ = trainCmd.MarkFlagRequired("embeddings")
	_ = trainCmd.MarkFlagRequired("labels")
}

func runTrain(cmd *cobra.Command, args []string) error {
	outFile, err := train(trainOpts, logger)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), outFile)
	return nil
}

// train runs a hold-out training and returns the path of the written out.yml
func train(opts trainOptions, logger *zap.Logger) (string, error) {
	protocol, err := protocols.FromString(opts.Protocol)
	if err != nil {
		return "", err
	}
	format, err := checkpoints.ParseFormat(opts.CheckpointFormat)
	if err != nil {
		return "", err
	}
	dev, err := device.Get(opts.Device)
	if err != nil {
		return "", err
	}

	embeddings, err := readEmbeddings(opts.EmbeddingsPath)
	if err != nil {
		return "", err
	}
	labels, err := readLabels(opts.LabelsPath, embeddings)
	if err != nil {
		return "", err
	}
	classes, err := classMappingFor(protocol, labels)
	if err != nil {
		return "", err
	}
	trainLoader, validationLoader, err := splitLoaders(protocol, classes, embeddings, labels, opts)
	if err != nil {
		return "", err
	}
	nFeatures := trainLoader.Dataset().Get(0).Embedding.LastDim()

	params := map[string]interface{}{
		"dropout_rate": opts.DropoutRate,
		"seed":         opts.Seed,
	}
	model, err := models.Build(protocol, opts.ModelChoice, classes.Len(), nFeatures, params)
	if err != nil {
		return "", err
	}
	opt, err := optimizer.Build(protocol, opts.OptimizerChoice, params, float32(opts.LearningRate), model.Parameters())
	if err != nil {
		return "", err
	}
	loss, err := training.BuildLoss(protocol, training.CrossEntropyChoice, dev, params)
	if err != nil {
		return "", err
	}

	logDir := filepath.Join(opts.OutputDir, opts.ModelChoice, opts.EmbedderName)
	store, err := training.NewDirectoryStore(fs, logDir)
	if err != nil {
		return "", err
	}
	metrics, err := telemetry.NewPrometheusWriter(prometheus.NewRegistry())
	if err != nil {
		return "", err
	}

	config := training.DefaultSolverConfig()
	config.Name = inference.DefaultSplit
	config.Protocol = protocol
	config.NumberOfEpochs = opts.NumEpochs
	config.Patience = opts.Patience
	config.Epsilon = opts.Epsilon
	config.NumClasses = classes.Len()
	config.CheckpointFormat = format
	solver, err := training.NewSolver(config, model, opt, loss,
		training.WithCheckpointStore(store),
		training.WithLogger(logger),
		training.WithLogWriter(metrics.ForSplit(config.Name)))
	if err != nil {
		return "", err
	}
	defer solver.Close()

	history, err := solver.Train(trainLoader, validationLoader)
	if err != nil {
		return "", err
	}
	test, err := solver.Inference(validationLoader, true)
	if err != nil {
		return "", err
	}

	curvePath := filepath.Join(logDir, config.Name+"_loss.png")
	if err := plotting.SaveTrainingCurves(fs, curvePath, history, plotting.LossCurve, config.Name); err != nil {
		logger.Warn("failed to plot training curves", zap.Error(err))
	}
	if err := metrics.WriteTextfile(filepath.Join(opts.OutputDir, "metrics.prom")); err != nil {
		logger.Warn("failed to write metrics textfile", zap.Error(err))
	}

	out := &inference.OutputConfig{
		Protocol:         protocol,
		EmbedderName:     opts.EmbedderName,
		NFeatures:        nFeatures,
		ModelChoice:      opts.ModelChoice,
		ClassIntToString: make(map[int]string, classes.Len()),
		LogDir:           logDir,
		Version:          checkpoints.Version,
		Device:           dev.Name,
		SplitResults: map[string]inference.SplitResult{
			config.Name: {
				SplitHyperParams: map[string]interface{}{},
				TestResults:      toInterfaceMap(test.Metrics),
			},
		},
	}
	for i, label := range classes.Labels() {
		out.ClassIntToString[i] = label
	}
	out.Set("loss_choice", training.CrossEntropyChoice)
	out.Set("optimizer_choice", opts.OptimizerChoice)
	out.Set("learning_rate", opts.LearningRate)
	out.Set("n_classes", classes.Len())
	out.Set("batch_size", opts.BatchSize)
	out.Set("num_epochs", opts.NumEpochs)
	out.Set("patience", opts.Patience)
	out.Set("epsilon", opts.Epsilon)
	out.Set("dropout_rate", opts.DropoutRate)
	out.Set("seed", opts.Seed)
	out.Set("training_ids", idsOf(trainLoader))
	out.Set("validation_ids", idsOf(validationLoader))

	outFile := filepath.Join(opts.OutputDir, "out.yml")
	if err := inference.WriteOutputFile(fs, outFile, out); err != nil {
		return "", err
	}
	logger.Info("training finished",
		zap.Int("epochs", len(history)),
		zap.Float64("best_validation_loss", solver.MinLoss()),
		zap.String("out", outFile))
	return outFile, nil
}

// classMappingFor numbers the sorted distinct labels, per character for
// residue-level protocols.
func classMappingFor(protocol protocols.Protocol, labels []string) (*inference.ClassMapping, error) {
	seen := map[string]bool{}
	for _, label := range labels {
		if protocol.IsPerResidue() {
			for _, r := range label {
				seen[string(r)] = true
			}
			continue
		}
		seen[label] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	strToInt := make(map[string]int, len(names))
	for i, name := range names {
		strToInt[name] = i
	}
	return inference.NewClassMapping(nil, strToInt)
}

// splitLoaders shuffles the ids with the seed and holds out the validation fraction
func splitLoaders(protocol protocols.Protocol, classes *inference.ClassMapping, embeddings inference.Embeddings, labels []string, opts trainOptions) (*training.Loader, *training.Loader, error) {
	n := embeddings.Len()
	nValidation := int(float64(n) * opts.ValidationFraction)
	if nValidation < 1 || nValidation >= n {
		return nil, nil, errors.Errorf("validation fraction %v leaves no training or no validation ids out of %d", opts.ValidationFraction, n)
	}

	order := rand.New(rand.NewSource(opts.Seed)).Perm(n)
	samples := make([]training.Sample, n)
	for rank, i := range order {
		id, emb := embeddings.At(i)
		target, err := classes.Encode(protocol, labels[i])
		if err != nil {
			return nil, nil, errors.Wrapf(err, "label of %s", id)
		}
		samples[rank] = training.Sample{ID: id, Embedding: emb, Target: target}
	}

	build := func(part []training.Sample) (*training.Loader, error) {
		ds, err := training.BuildDataset(protocol, part)
		if err != nil {
			return nil, err
		}
		return training.NewLoader(ds, opts.BatchSize)
	}
	validation, err := build(samples[:nValidation])
	if err != nil {
		return nil, nil, err
	}
	train, err := build(samples[nValidation:])
	if err != nil {
		return nil, nil, err
	}
	return train, validation, nil
}

func idsOf(loader *training.Loader) []string {
	ds := loader.Dataset()
	ids := make([]string, ds.Len())
	for i := range ids {
		ids[i] = ds.Get(i).ID
	}
	sort.Strings(ids)
	return ids
}

func toInterfaceMap(m map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/logging"
)

// --- Global Command Variables ---
var (
	logLevel string
	logger   = zap.NewNop()

	rootCmd = &cobra.Command{
		Use:           "embedtrain",
		Short:         "Train and serve classifiers on precomputed sequence embeddings",
		Version:       checkpoints.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.New(logLevel)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	// --- Training ---
	trainCmd = &cobra.Command{
		Use:   "train",
		Short: "Train a hold-out split and write its checkpoint, out.yml and curves",
		Args:  cobra.NoArgs,
		RunE:  runTrain, // Defined in cmd_train.go
	}

	// --- Inference ---
	predictCmd = &cobra.Command{
		Use:   "predict [out.yml]",
		Short: "Predict classes for embeddings with a trained split",
		Args:  cobra.ExactArgs(1),
		RunE:  runPredict, // Defined in cmd_predict.go
	}
	bootstrapCmd = &cobra.Command{
		Use:   "bootstrap [out.yml]",
		Short: "Estimate test metrics with confidence intervals by bootstrapping",
		Args:  cobra.ExactArgs(1),
		RunE:  runBootstrap, // Defined in cmd_predict.go
	}
	mcdCmd = &cobra.Command{
		Use:   "mcd [out.yml]",
		Short: "Predict with Monte Carlo dropout uncertainty estimates",
		Args:  cobra.ExactArgs(1),
		RunE:  runMCD, // Defined in cmd_predict.go
	}

	// --- Conversion ---
	exportONNXCmd = &cobra.Command{
		Use:   "export-onnx [out.yml]",
		Short: "Export every split of a training run to ONNX",
		Args:  cobra.ExactArgs(1),
		RunE:  runExportONNX, // Defined in cmd_convert.go
	}
	convertCheckpointsCmd = &cobra.Command{
		Use:   "convert-checkpoints [out.yml]",
		Short: "Re-save legacy checkpoints of a training run as safetensors",
		Args:  cobra.ExactArgs(1),
		RunE:  runConvertCheckpoints, // Defined in cmd_convert.go
	}
	onnxPredictCmd = &cobra.Command{
		Use:   "onnx-predict [model.onnx]",
		Short: "Run an exported ONNX model on embeddings",
		Args:  cobra.ExactArgs(1),
		RunE:  runONNXPredict, // Defined in cmd_convert.go
	}
)

// Flags shared by the inference commands
var (
	embeddingsPath    string
	labelsPath        string
	splitName         string
	outputPath        string
	noPathCorrection  bool
	noLegacyLoading   bool
	deviceName        string
	withProbabilities bool
	iterations        int
	sampleSize        int
	confidenceLevel   float64
	seed              int64
	forwardPasses     int
	onnxOutputDir     string
	onnxProtocol      string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	for _, cmd := range []*cobra.Command{predictCmd, bootstrapCmd, mcdCmd, exportONNXCmd, convertCheckpointsCmd} {
		cmd.Flags().BoolVar(&noPathCorrection, "no-path-correction", false, "do not look for checkpoints next to out.yml")
		cmd.Flags().BoolVar(&noLegacyLoading, "safetensors-only", false, "refuse legacy JSON checkpoints")
		cmd.Flags().StringVar(&deviceName, "device", "", "device to run on (default: the one recorded in out.yml)")
	}
	for _, cmd := range []*cobra.Command{predictCmd, bootstrapCmd, mcdCmd, onnxPredictCmd} {
		cmd.Flags().StringVarP(&embeddingsPath, "embeddings", "e", "", "JSON file mapping ids to embeddings")
		_ = cmd.MarkFlagRequired("embeddings")
		cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the JSON result here instead of stdout")
	}
	for _, cmd := range []*cobra.Command{predictCmd, bootstrapCmd, mcdCmd} {
		cmd.Flags().StringVar(&splitName, "split", "hold_out", "split whose model to use")
	}

	predictCmd.Flags().StringVarP(&labelsPath, "labels", "l", "", "JSON file mapping ids to class labels; enables test metrics")
	predictCmd.Flags().BoolVar(&withProbabilities, "probabilities", false, "include class probabilities")

	bootstrapCmd.Flags().StringVarP(&labelsPath, "labels", "l", "", "JSON file mapping ids to class labels")
	_ = bootstrapCmd.MarkFlagRequired("labels")
	bootstrapCmd.Flags().IntVar(&iterations, "iterations", 30, "bootstrap iterations")
	bootstrapCmd.Flags().IntVar(&sampleSize, "sample-size", -1, "ids drawn per iteration, -1 for all")
	bootstrapCmd.Flags().Float64Var(&confidenceLevel, "confidence-level", 0.05, "0.05 reports a 95% interval")
	bootstrapCmd.Flags().Int64Var(&seed, "seed", 42, "resampling seed")

	mcdCmd.Flags().IntVar(&forwardPasses, "passes", 30, "forward passes with dropout active")
	mcdCmd.Flags().Float64Var(&confidenceLevel, "confidence-level", 0.05, "0.05 reports a 95% interval")
	mcdCmd.Flags().Int64Var(&seed, "seed", 42, "dropout seed")

	exportONNXCmd.Flags().StringVar(&onnxOutputDir, "output-dir", "", "directory for the .onnx files (default: the checkpoint directory)")
	onnxPredictCmd.Flags().StringVar(&onnxProtocol, "protocol", "", "apply softmax for a classification protocol, raw output otherwise")

	initTrainFlags()

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(predictCmd, bootstrapCmd, mcdCmd)
	rootCmd.AddCommand(exportONNXCmd, convertCheckpointsCmd, onnxPredictCmd)
}

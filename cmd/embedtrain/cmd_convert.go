package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/embedtrain/embedtrain/inference"
	"github.com/embedtrain/embedtrain/protocols"
)

func runExportONNX(cmd *cobra.Command, args []string) error {
	inf, err := loadInferencer(args[0])
	if err != nil {
		return err
	}
	defer inf.Close()

	paths, err := inf.ConvertToONNX(onnxOutputDir)
	if err != nil {
		return err
	}
	logger.Info("exported splits", zap.Strings("paths", paths))
	return writeResult(cmd, paths)
}

func runConvertCheckpoints(cmd *cobra.Command, args []string) error {
	inf, err := loadInferencer(args[0])
	if err != nil {
		return err
	}
	defer inf.Close()

	written, err := inf.ConvertAllCheckpointsToSafetensors()
	if err != nil {
		return err
	}
	if len(written) == 0 {
		logger.Info("every checkpoint is already stored as safetensors")
	}
	return writeResult(cmd, written)
}

func runONNXPredict(cmd *cobra.Command, args []string) error {
	protocol := protocols.Unspecified
	if onnxProtocol != "" {
		var err error
		if protocol, err = protocols.FromString(onnxProtocol); err != nil {
			return err
		}
	}

	embeddings, err := readEmbeddings(embeddingsPath)
	if err != nil {
		return err
	}
	result, err := inference.FromONNXWithEmbeddings(fs, args[0], embeddings, protocol)
	if err != nil {
		return err
	}
	return writeResult(cmd, result)
}

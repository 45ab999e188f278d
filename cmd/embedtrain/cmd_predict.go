package main

import (
	"github.com/spf13/cobra"

	"github.com/embedtrain/embedtrain/inference"
)

func runPredict(cmd *cobra.Command, args []string) error {
	inf, err := loadInferencer(args[0])
	if err != nil {
		return err
	}
	defer inf.Close()

	embeddings, err := readEmbeddings(embeddingsPath)
	if err != nil {
		return err
	}
	var labels []string
	if labelsPath != "" {
		if labels, err = readLabels(labelsPath, embeddings); err != nil {
			return err
		}
	}

	result, err := inf.FromEmbeddings(embeddings, labels, splitName, withProbabilities)
	if err != nil {
		return err
	}
	return writeResult(cmd, result)
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	inf, err := loadInferencer(args[0])
	if err != nil {
		return err
	}
	defer inf.Close()

	embeddings, err := readEmbeddings(embeddingsPath)
	if err != nil {
		return err
	}
	labels, err := readLabels(labelsPath, embeddings)
	if err != nil {
		return err
	}

	result, err := inf.FromEmbeddingsWithBootstrapping(embeddings, labels, inference.BootstrapOptions{
		Split:           splitName,
		Iterations:      iterations,
		SampleSize:      sampleSize,
		ConfidenceLevel: confidenceLevel,
		Seed:            seed,
	})
	if err != nil {
		return err
	}
	return writeResult(cmd, result)
}

func runMCD(cmd *cobra.Command, args []string) error {
	inf, err := loadInferencer(args[0])
	if err != nil {
		return err
	}
	defer inf.Close()

	embeddings, err := readEmbeddings(embeddingsPath)
	if err != nil {
		return err
	}

	result, err := inf.FromEmbeddingsWithMonteCarloDropout(embeddings, inference.MCDropoutOptions{
		Split:           splitName,
		ForwardPasses:   forwardPasses,
		ConfidenceLevel: confidenceLevel,
		Seed:            seed,
	})
	if err != nil {
		return err
	}
	return writeResult(cmd, result)
}

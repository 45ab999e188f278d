package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/embedtrain/embedtrain/inference"
	"github.com/embedtrain/embedtrain/tensor"
)

var fs = afero.NewOsFs()

// readEmbeddings parses {"id": [f, ...]} for per-sequence and
// {"id": [[f, ...], ...]} for per-residue embeddings. Ids are sorted.
func readEmbeddings(path string) (inference.Embeddings, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return inference.Embeddings{}, fmt.Errorf("failed to read embeddings: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return inference.Embeddings{}, fmt.Errorf("failed to parse %s: %v", path, err)
	}

	embeddings := make(map[string]*tensor.Tensor, len(raw))
	for id, msg := range raw {
		var vector []float32
		if err := json.Unmarshal(msg, &vector); err == nil {
			if embeddings[id], err = tensor.FromVector(vector); err != nil {
				return inference.Embeddings{}, fmt.Errorf("embedding %s: %v", id, err)
			}
			continue
		}
		var matrix [][]float32
		if err := json.Unmarshal(msg, &matrix); err != nil {
			return inference.Embeddings{}, fmt.Errorf("embedding %s is neither a vector nor a matrix", id)
		}
		if embeddings[id], err = tensor.FromMatrix(matrix); err != nil {
			return inference.Embeddings{}, fmt.Errorf("embedding %s: %v", id, err)
		}
	}
	return inference.EmbeddingsFromMap(embeddings), nil
}

// readLabels parses {"id": "label"} and orders the labels like embeddings
func readLabels(path string, embeddings inference.Embeddings) ([]string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %v", err)
	}
	var byID map[string]string
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", path, err)
	}

	labels := make([]string, embeddings.Len())
	for i, id := range embeddings.IDs() {
		label, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("no label for %s in %s", id, path)
		}
		labels[i] = label
	}
	return labels, nil
}

// writeResult prints v as indented JSON to --output or the command's stdout
func writeResult(cmd *cobra.Command, v interface{}) error {
	var w io.Writer = cmd.OutOrStdout()
	if outputPath != "" {
		f, err := fs.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create %s: %v", outputPath, err)
		}
		defer f.Close()
		w = f
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func loadInferencer(outFile string) (*inference.Inferencer, error) {
	config := inference.DefaultInferencerConfig()
	config.AutomaticPathCorrection = !noPathCorrection
	config.AllowLegacyLoading = !noLegacyLoading
	config.Device = deviceName
	config.Logger = logger
	config.Fs = fs

	inf, _, err := inference.CreateFromOutFile(outFile, config)
	return inf, err
}

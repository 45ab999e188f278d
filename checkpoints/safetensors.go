package checkpoints

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/embedtrain/embedtrain/layers"
)

// Safetensors layout: an 8-byte little-endian header length, a JSON header
// mapping tensor names to dtype/shape/offsets (plus a string-only
// "__metadata__" entry) and the concatenated raw tensor bytes.

const (
	safetensorsMetadataKey = "__metadata__"
	optimizerTensorPrefix  = "optimizer."
	safetensorsMaxHeader   = 100 << 20
)

// Metadata keys
const (
	metaFormat          = "format"
	metaFramework       = "framework"
	metaVersion         = "version"
	metaCreatedAt       = "created_at"
	metaEpoch           = "epoch"
	metaTrainingState   = "training_state"
	metaOptimizerType   = "optimizer_type"
	metaOptimizerParams = "optimizer_parameters"
	metaOptimizerKinds  = "optimizer_state_types"
	metaModelSpec       = "model_spec"
)

type safetensorsEntry struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

type namedTensor struct {
	name  string
	shape []int
	data  []float32
}

func encodeSafetensors(checkpoint *Checkpoint) ([]byte, error) {
	var tensors []namedTensor
	for _, w := range checkpoint.Weights {
		if strings.HasPrefix(w.Name, optimizerTensorPrefix) {
			return nil, fmt.Errorf("weight name %q collides with the optimizer prefix", w.Name)
		}
		tensors = append(tensors, namedTensor{name: w.Name, shape: w.Shape, data: w.Data})
	}

	metadata := map[string]string{
		metaFormat:    "pt",
		metaFramework: checkpoint.Metadata.Framework,
		metaVersion:   checkpoint.Metadata.Version,
		metaEpoch:     strconv.Itoa(checkpoint.TrainingState.Epoch),
	}
	if !checkpoint.Metadata.CreatedAt.IsZero() {
		metadata[metaCreatedAt] = checkpoint.Metadata.CreatedAt.Format(time.RFC3339Nano)
	}

	state, err := json.Marshal(checkpoint.TrainingState)
	if err != nil {
		return nil, err
	}
	metadata[metaTrainingState] = string(state)

	if checkpoint.ModelSpec != nil {
		spec, err := json.Marshal(checkpoint.ModelSpec)
		if err != nil {
			return nil, err
		}
		metadata[metaModelSpec] = string(spec)
	}

	if opt := checkpoint.OptimizerState; opt != nil {
		metadata[metaOptimizerType] = opt.Type
		params, err := json.Marshal(opt.Parameters)
		if err != nil {
			return nil, fmt.Errorf("failed to encode optimizer parameters: %v", err)
		}
		metadata[metaOptimizerParams] = string(params)

		kinds := make(map[string]string, len(opt.StateData))
		for _, st := range opt.StateData {
			tensors = append(tensors, namedTensor{name: optimizerTensorPrefix + st.Name, shape: st.Shape, data: st.Data})
			kinds[st.Name] = st.StateType
		}
		encodedKinds, err := json.Marshal(kinds)
		if err != nil {
			return nil, err
		}
		metadata[metaOptimizerKinds] = string(encodedKinds)
	}

	header := map[string]interface{}{safetensorsMetadataKey: metadata}
	offset := 0
	for _, t := range tensors {
		if _, dup := header[t.name]; dup {
			return nil, fmt.Errorf("duplicate tensor name %q", t.name)
		}
		if n := numElements(t.shape); n != len(t.data) {
			return nil, fmt.Errorf("tensor %s: shape %v holds %d values, got %d", t.name, t.shape, n, len(t.data))
		}
		size := 4 * len(t.data)
		header[t.name] = safetensorsEntry{
			Dtype:       "F32",
			Shape:       t.shape,
			DataOffsets: [2]int{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	// Pad with spaces so the data section starts 8-byte aligned
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	var buf bytes.Buffer
	buf.Grow(8 + len(headerBytes) + offset)
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(headerBytes)))
	buf.Write(length[:])
	buf.Write(headerBytes)

	var word [4]byte
	for _, t := range tensors {
		for _, v := range t.data {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			buf.Write(word[:])
		}
	}
	return buf.Bytes(), nil
}

func decodeSafetensors(data []byte) (*Checkpoint, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too short for a safetensors header")
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > safetensorsMaxHeader || uint64(len(data)-8) < headerLen {
		return nil, fmt.Errorf("invalid safetensors header length %d", headerLen)
	}
	body := data[8+headerLen:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("failed to decode safetensors header: %v", err)
	}

	metadata := map[string]string{}
	if m, ok := raw[safetensorsMetadataKey]; ok {
		if err := json.Unmarshal(m, &metadata); err != nil {
			return nil, fmt.Errorf("failed to decode safetensors metadata: %v", err)
		}
		delete(raw, safetensorsMetadataKey)
	}

	type located struct {
		namedTensor
		begin int
	}
	var entries []located
	for name, msg := range raw {
		var entry safetensorsEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("tensor %s: %v", name, err)
		}
		if entry.Dtype != "F32" {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, entry.Dtype)
		}
		begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if begin < 0 || end < begin || end > len(body) {
			return nil, fmt.Errorf("tensor %s: offsets [%d, %d] outside data of %d bytes", name, begin, end, len(body))
		}
		n := numElements(entry.Shape)
		if end-begin != 4*n {
			return nil, fmt.Errorf("tensor %s: %d bytes do not match shape %v", name, end-begin, entry.Shape)
		}
		values := make([]float32, n)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[begin+4*i:]))
		}
		entries = append(entries, located{
			namedTensor: namedTensor{name: name, shape: entry.Shape, data: values},
			begin:       begin,
		})
	}
	// Header maps are unordered; data offsets preserve the write order
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].begin != entries[j].begin {
			return entries[i].begin < entries[j].begin
		}
		return entries[i].name < entries[j].name
	})

	checkpoint := &Checkpoint{
		Metadata: CheckpointMetadata{
			Framework: metadata[metaFramework],
			Version:   metadata[metaVersion],
		},
	}
	if created, ok := metadata[metaCreatedAt]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			checkpoint.Metadata.CreatedAt = ts
		}
	}
	if state, ok := metadata[metaTrainingState]; ok {
		if err := json.Unmarshal([]byte(state), &checkpoint.TrainingState); err != nil {
			return nil, fmt.Errorf("failed to decode training state: %v", err)
		}
	} else if epoch, ok := metadata[metaEpoch]; ok {
		e, err := strconv.Atoi(epoch)
		if err != nil {
			return nil, fmt.Errorf("invalid epoch %q", epoch)
		}
		checkpoint.TrainingState.Epoch = e
	}
	if spec, ok := metadata[metaModelSpec]; ok {
		checkpoint.ModelSpec = &layers.ModelSpec{}
		if err := json.Unmarshal([]byte(spec), checkpoint.ModelSpec); err != nil {
			return nil, fmt.Errorf("failed to decode model spec: %v", err)
		}
	}

	var kinds map[string]string
	if optType, ok := metadata[metaOptimizerType]; ok {
		checkpoint.OptimizerState = &OptimizerState{Type: optType, Parameters: map[string]interface{}{}}
		if params, ok := metadata[metaOptimizerParams]; ok {
			if err := json.Unmarshal([]byte(params), &checkpoint.OptimizerState.Parameters); err != nil {
				return nil, fmt.Errorf("failed to decode optimizer parameters: %v", err)
			}
		}
		if encoded, ok := metadata[metaOptimizerKinds]; ok {
			if err := json.Unmarshal([]byte(encoded), &kinds); err != nil {
				return nil, fmt.Errorf("failed to decode optimizer state types: %v", err)
			}
		}
	}

	for _, e := range entries {
		if strings.HasPrefix(e.name, optimizerTensorPrefix) {
			if checkpoint.OptimizerState == nil {
				return nil, fmt.Errorf("optimizer tensor %s without optimizer metadata", e.name)
			}
			name := strings.TrimPrefix(e.name, optimizerTensorPrefix)
			checkpoint.OptimizerState.StateData = append(checkpoint.OptimizerState.StateData, OptimizerTensor{
				Name:      name,
				Shape:     e.shape,
				Data:      e.data,
				StateType: kinds[name],
			})
			continue
		}
		layer, kind := splitParameterName(e.name)
		checkpoint.Weights = append(checkpoint.Weights, WeightTensor{
			Name:  e.name,
			Shape: e.shape,
			Data:  e.data,
			Layer: layer,
			Type:  kind,
		})
	}

	return checkpoint, nil
}

// splitParameterName turns "fnn.hidden.weight" into ("fnn.hidden", "weight")
func splitParameterName(name string) (string, string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+1:]
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

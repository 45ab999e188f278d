package optimizer

import (
	"fmt"

	"github.com/embedtrain/embedtrain/checkpoints"
	"github.com/embedtrain/embedtrain/engine"
)

// Common helper functions for optimizer state management

// extractBufferState copies one state buffer into a checkpoint tensor
func extractBufferState(buffer []float32, param *engine.Parameter, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), param.Shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferStates copies every tensor of stateType back into buffers, indexed by name suffix
func restoreBufferStates(buffers [][]float32, state *OptimizerState, stateType string) error {
	for _, t := range state.StateData {
		if t.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if len(t.Data) != len(buffers[idx]) {
			return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
				t.Name, len(buffers[idx]), len(t.Data))
		}
		copy(buffers[idx], t.Data)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values are float32 in memory and float64 after a JSON round trip.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return defaultValue
}

package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	for _, name := range []string{"", "auto", "CPU", " cpu "} {
		d, err := Get(name)
		require.NoError(t, err, name)
		assert.Equal(t, CPU, d.Name)
		assert.GreaterOrEqual(t, d.Workers(), 1)
		assert.Contains(t, d.String(), CPU)
	}
}

func TestGetAccelerators(t *testing.T) {
	for _, name := range []string{"cuda", "mps", "tpu"} {
		_, err := Get(name)
		assert.True(t, errors.Is(err, ErrUnavailable), name)
	}
}

func TestWorkersFallback(t *testing.T) {
	assert.GreaterOrEqual(t, Device{}.Workers(), 1)
	assert.Equal(t, 6, Device{LogicalCores: 6}.Workers())
	assert.True(t, Device{Features: []string{"AVX", "AVX2"}}.HasAVX2())
}

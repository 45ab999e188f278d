package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesShape(t *testing.T) {
	_, err := New([]int{2, 2}, []float32{1, 2, 3})
	require.Error(t, err)

	_, err = New([]int{0, 2}, nil)
	require.Error(t, err)

	tt, err := New([]int{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, tt.NumElems())
	assert.Equal(t, 2, tt.Rows())
	assert.Equal(t, []float32{3, 4}, tt.Row(1))
}

func TestReshapeSharesData(t *testing.T) {
	tt, err := FromVector([]float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)

	r, err := tt.Reshape(3, 2)
	require.NoError(t, err)
	r.Data[0] = 10
	assert.Equal(t, float32(10), tt.Data[0])

	_, err = tt.Reshape(4, 2)
	require.Error(t, err)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	tt, err := FromMatrix([][]float32{{1, 2, 3}, {1000, 1000, 1000}})
	require.NoError(t, err)

	probs := Softmax(tt)
	for r := 0; r < probs.Rows(); r++ {
		var sum float32
		for _, v := range probs.Row(r) {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
	assert.InDelta(t, 1.0/3.0, probs.Row(1)[0], 1e-5)
	assert.Equal(t, []int{2, 0}, ArgMax(probs))
}

func TestPadStack(t *testing.T) {
	a, err := FromMatrix([][]float32{{1, 1}, {2, 2}, {3, 3}})
	require.NoError(t, err)
	b, err := FromMatrix([][]float32{{4, 4}})
	require.NoError(t, err)

	stacked, err := PadStack([]*Tensor{a, b}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 2}, stacked.Shape)
	assert.Equal(t, []float32{4, 4, 0, 0, 0, 0}, stacked.Data[6:])

	_, err = Stack([]*Tensor{a, b})
	require.Error(t, err)
}

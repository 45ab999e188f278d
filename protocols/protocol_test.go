package protocols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected Protocol
		wantErr  bool
	}{
		{"sequence_to_class", SequenceToClass, false},
		{"residue_to_class", ResidueToClass, false},
		{" Residue_To_Class ", ResidueToClass, false},
		{"residues_to_value", Unspecified, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := FromString(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestProtocolTextRoundTrip(t *testing.T) {
	for _, p := range All() {
		text, err := p.MarshalText()
		require.NoError(t, err)

		var parsed Protocol
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, p, parsed)
		assert.True(t, parsed.IsClassification())
	}
	assert.True(t, ResidueToClass.IsPerResidue())
	assert.False(t, SequenceToClass.IsPerResidue())
	assert.False(t, Unspecified.IsClassification())
}

package protocols

import (
	"fmt"
	"strings"
)

// PadValue marks padded target positions and padded predictions.
// Any position whose target equals PadValue is excluded from loss, accuracy and metrics.
const PadValue = -100

// Protocol selects the task shape a model is trained for
type Protocol int

const (
	// Unspecified is only meaningful for raw graph inference, where it requests the untransformed output
	Unspecified Protocol = iota
	SequenceToClass
	ResidueToClass
)

func (p Protocol) String() string {
	switch p {
	case SequenceToClass:
		return "sequence_to_class"
	case ResidueToClass:
		return "residue_to_class"
	default:
		return "unspecified"
	}
}

// FromString parses a protocol tag such as "residue_to_class"
func FromString(name string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sequence_to_class":
		return SequenceToClass, nil
	case "residue_to_class":
		return ResidueToClass, nil
	default:
		return Unspecified, fmt.Errorf("unknown protocol: %q", name)
	}
}

// IsPerResidue reports whether the protocol predicts one label per position
func (p Protocol) IsPerResidue() bool {
	return p == ResidueToClass
}

// IsClassification reports whether the model output is a class distribution
func (p Protocol) IsClassification() bool {
	return p == SequenceToClass || p == ResidueToClass
}

// MarshalText implements encoding.TextMarshaler so protocols round-trip through YAML and JSON
func (p Protocol) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := FromString(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// All returns every supported protocol
func All() []Protocol {
	return []Protocol{SequenceToClass, ResidueToClass}
}

package inference

import "github.com/pkg/errors"

var (
	// ErrUnknownSplit is returned when a split is requested that the descriptor does not list
	ErrUnknownSplit = errors.New("unknown split")
	// ErrInvalidConfidenceLevel is returned when a confidence level lies outside (0, 1)
	ErrInvalidConfidenceLevel = errors.New("confidence level must be between 0 and 1")
	// ErrMissingCheckpoint is returned when a split has no checkpoint file in the log directory
	ErrMissingCheckpoint = errors.New("missing checkpoint")
	// ErrInvalidDescriptor is returned for unreadable or inconsistent training descriptors
	ErrInvalidDescriptor = errors.New("invalid training descriptor")
)

func checkConfidenceLevel(confidenceLevel float64) error {
	if !(confidenceLevel > 0 && confidenceLevel < 1) {
		return errors.Wrapf(ErrInvalidConfidenceLevel, "got %v", confidenceLevel)
	}
	return nil
}

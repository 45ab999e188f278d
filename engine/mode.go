package engine

// Mode selects how a forward pass treats stochastic layers and whether
// intermediate values are retained for a backward pass.
type Mode int

const (
	// ModeTrain enables dropout and caches activations for Backward.
	ModeTrain Mode = iota
	// ModeEval disables dropout. No gradients are expected afterwards.
	ModeEval
	// ModeMCDropout keeps dropout active while everything else behaves as in ModeEval.
	ModeMCDropout
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModeMCDropout:
		return "mc_dropout"
	default:
		return "unknown"
	}
}

// DropoutActive reports whether dropout masks are sampled in this mode
func (m Mode) DropoutActive() bool {
	return m == ModeTrain || m == ModeMCDropout
}

// TracksGradients reports whether the pass may be followed by Backward
func (m Mode) TracksGradients() bool {
	return m == ModeTrain
}

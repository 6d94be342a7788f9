package tracker

// phaseWeights apportions overall progress across the workflow phases. The
// weights of the non-terminal phases sum to 1.0.
var phaseWeights = map[Phase]float64{
	PhaseInitializing: 0.05,
	PhasePlanning:     0.10,
	PhaseResearching:  0.40,
	PhaseReviewing:    0.10,
	PhaseCoding:       0.10,
	PhaseEditing:      0.20,
	PhaseFinalizing:   0.05,
}

// calculateProgress folds per-phase progress into a single [0,1] value as
// the weighted sum over every phase the session has touched. Completed
// sessions pin to 1.0 regardless of per-phase bookkeeping; error sessions
// freeze at whatever was accumulated.
func calculateProgress(current Phase, phaseProgress map[Phase]float64) float64 {
	if current == PhaseCompleted {
		return 1.0
	}

	total := 0.0
	for phase, p := range phaseProgress {
		total += phaseWeights[phase] * clamp01(p)
	}
	return clamp01(total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

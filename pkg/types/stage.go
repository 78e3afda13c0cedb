package types

// Stage is the position of a consultation in the pipeline.
type Stage string

const (
	// StageIntakeReceived is set when the intake document has landed.
	StageIntakeReceived Stage = "INTAKE_RECEIVED"
	// StageOCRRunning is set once the OCR job has been submitted.
	StageOCRRunning Stage = "OCR_RUNNING"
	// StageOCRComplete is set once the transcript artifact is persisted.
	StageOCRComplete Stage = "OCR_COMPLETE"
	// StagePHIDetecting is set while entity detection runs.
	StagePHIDetecting Stage = "PHI_DETECTING"
	// StagePHIComplete is set once the redacted transcript is persisted.
	StagePHIComplete Stage = "PHI_COMPLETE"
	// StageEmbedding is set while the embedding vectors are persisted.
	StageEmbedding Stage = "EMBEDDING"
	// StageDone is the terminal success stage.
	StageDone Stage = "DONE"
	// StageFailed is the terminal failure stage.
	StageFailed Stage = "FAILED"
)

var stageOrder = []Stage{
	StageIntakeReceived,
	StageOCRRunning,
	StageOCRComplete,
	StagePHIDetecting,
	StagePHIComplete,
	StageEmbedding,
	StageDone,
}

// Rank returns the position of s in the fixed stage order, or -1 for FAILED
// and unknown values.
func (s Stage) Rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StageFailed || s.Rank() >= 0
}

// IsTerminal reports whether no mutation is allowed once s is reached.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// Next returns the stage that follows s in the fixed order.
func (s Stage) Next() (Stage, bool) {
	r := s.Rank()
	if r < 0 || r == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[r+1], true
}

// CanTransition reports whether a consultation may move from one stage to
// another: either one step forward in the fixed order, or to FAILED from any
// non-terminal stage.
func CanTransition(from, to Stage) bool {
	if !from.Valid() || from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	next, ok := from.Next()
	return ok && next == to
}

// IsStageHistory reports whether the observed sequence of stages is a prefix
// of the fixed order, optionally ending in FAILED.
func IsStageHistory(observed []Stage) bool {
	for i, s := range observed {
		if s == StageFailed {
			return i == len(observed)-1 && i > 0
		}
		if s.Rank() != i {
			return false
		}
	}
	return true
}

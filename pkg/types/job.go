package types

// JobKind is the kind of external work a stage job represents.
type JobKind string

const (
	// JobKindOCR is the text extraction job of the intake document.
	JobKindOCR JobKind = "OCR"
	// JobKindClassification is the best-effort document classification job.
	JobKindClassification JobKind = "CLASSIFICATION"
)

// JobStatus is the lifecycle status of a stage job.
type JobStatus string

const (
	// JobStatusPending is set before the engine accepted the job.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusRunning is set once the engine accepted the job.
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusSucceeded is the terminal success status.
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	// JobStatusFailed is the terminal failure status.
	JobStatusFailed JobStatus = "FAILED"
)

// IsTerminal reports whether the status can't change anymore.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// JobOutcome is the result reported for a stage job.
type JobOutcome struct {
	Status JobStatus
	Reason string
}

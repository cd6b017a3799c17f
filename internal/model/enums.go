package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether s is completed or failed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// rank orders statuses along the only allowed direction of travel.
func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusProcessing:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether from -> to moves forward.
// queued may skip straight to a terminal status.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Client-facing status shapes
type SnapshotStatus string

const (
	SnapshotQueued    SnapshotStatus = "queued"
	SnapshotRendering SnapshotStatus = "rendering"
	SnapshotCompleted SnapshotStatus = "completed"
	SnapshotFailed    SnapshotStatus = "failed"
)

// Stable job error codes
const (
	ErrCodeRenderStartFailed  = "RENDER_START_FAILED"
	ErrCodeRenderStartTimeout = "RENDER_START_TIMEOUT"
	ErrCodeRenderFailed       = "RENDER_FAILED"
	ErrCodeOutputMissing      = "OUTPUT_MISSING"
	ErrCodeTimeoutStuck       = "TIMEOUT_STUCK"
)

// Progress stages
const (
	StageQueued    = "Queued"
	StageRendering = "Rendering"
	StageEncoding  = "Encoding"
	StageCombining = "Combining"
	StageFinalize  = "Finalizing"
	StageDone      = "Done"
)

// Asset types
type AssetType string

const (
	AssetTypeImage AssetType = "image"
	AssetTypeVideo AssetType = "video"
	AssetTypeAudio AssetType = "audio"
)

// Start outcomes
const (
	StartAccepted  = "accepted"
	StartDuplicate = "duplicate"
)

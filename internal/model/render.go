package model

import (
	"encoding/json"
	"time"
)

// RenderStartRequest represents the request to start a render job
type RenderStartRequest struct {
	ProjectID     string          `json:"projectId" validate:"required,max=128"`
	CompositionID string          `json:"compositionId" validate:"required,max=128"`
	Engine        string          `json:"engine" validate:"omitempty,max=64"`
	FPS           int             `json:"fps" validate:"omitempty,min=1,max=120"`
	Width         int             `json:"width" validate:"omitempty,min=16,max=7680"`
	Height        int             `json:"height" validate:"omitempty,min=16,max=7680"`
	Scenes        []Scene         `json:"scenes" validate:"omitempty,max=500,dive"`
	InputProps    json.RawMessage `json:"inputProps"`
	AssetToken    string          `json:"assetToken" validate:"omitempty,max=4096"`
}

// Scene is one entry of the ordered scenario.
type Scene struct {
	AssetURL   string    `json:"assetUrl" validate:"required,url"`
	AssetType  AssetType `json:"assetType" validate:"required,oneof=image video audio"`
	DurationMs int       `json:"durationMs" validate:"min=0,max=3600000"`
}

// TotalDurationMs sums scene durations.
func (r *RenderStartRequest) TotalDurationMs() int {
	total := 0
	for _, s := range r.Scenes {
		total += s.DurationMs
	}
	return total
}

// RenderStartResponse represents the response when starting a render
type RenderStartResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"` // accepted | duplicate
}

// ProgressSnapshot is the client-facing view of a job at one instant.
type ProgressSnapshot struct {
	JobID          string         `json:"jobId"`
	Status         SnapshotStatus `json:"status"`
	Percent        int            `json:"percent"`
	Stage          string         `json:"stage,omitempty"`
	FramesRendered int            `json:"framesRendered"`
	FramesEncoded  int            `json:"framesEncoded"`
	ShardsDone     int            `json:"shardsDone"`
	ShardsTotal    int            `json:"shardsTotal"`
	Output         *OutputRef     `json:"output,omitempty"`
	Error          *JobError      `json:"error,omitempty"`
}

// JobError is the failure detail of a failed job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RenderProgress is the nested progress object of the rendering shape.
type RenderProgress struct {
	Percent        int    `json:"percent"`
	Stage          string `json:"stage"`
	FramesRendered int    `json:"framesRendered"`
	FramesEncoded  int    `json:"framesEncoded"`
	ShardsDone     int    `json:"shardsDone"`
	ShardsTotal    int    `json:"shardsTotal"`
}

// RenderOutput is the nested output object of the completed shape.
type RenderOutput struct {
	URL        string `json:"url"`
	SizeBytes  int64  `json:"sizeBytes"`
	DurationMs int64  `json:"durationMs"`
}

// RenderStatusResponse is one of four shapes keyed by Status.
// Progress is 0 for queued and *RenderProgress for rendering.
type RenderStatusResponse struct {
	Status   SnapshotStatus `json:"status"`
	Progress interface{}    `json:"progress,omitempty"`
	Output   *RenderOutput  `json:"output,omitempty"`
	Error    *JobError      `json:"error,omitempty"`
}

// StatusResponse projects a snapshot into its wire shape.
func (s *ProgressSnapshot) StatusResponse() RenderStatusResponse {
	switch s.Status {
	case SnapshotCompleted:
		out := &RenderOutput{}
		if s.Output != nil {
			out.URL = s.Output.URL
			out.SizeBytes = s.Output.SizeBytes
			out.DurationMs = s.Output.DurationMs
		}
		return RenderStatusResponse{Status: SnapshotCompleted, Output: out}
	case SnapshotFailed:
		e := s.Error
		if e == nil {
			e = &JobError{}
		}
		return RenderStatusResponse{Status: SnapshotFailed, Error: e}
	case SnapshotRendering:
		return RenderStatusResponse{
			Status: SnapshotRendering,
			Progress: &RenderProgress{
				Percent:        s.Percent,
				Stage:          s.Stage,
				FramesRendered: s.FramesRendered,
				FramesEncoded:  s.FramesEncoded,
				ShardsDone:     s.ShardsDone,
				ShardsTotal:    s.ShardsTotal,
			},
		}
	default:
		// a non-nil interface holding 0 survives omitempty
		return RenderStatusResponse{Status: SnapshotQueued, Progress: 0}
	}
}

// SweepResult summarizes one reaper pass.
type SweepResult struct {
	Checked     int       `json:"checked"`
	MarkedStuck int       `json:"markedStuck"`
	Skipped     int       `json:"skipped"`
	Timestamp   time.Time `json:"timestamp"`
}

// Reaper lock modes
const (
	LockModeLease     = "lease"
	LockModeLockFree  = "lock-free"
	LockModeContended = "contended"
)

// SweepAudit is the durable record written once per sweep.
type SweepAudit struct {
	SweepID      string    `json:"sweepId"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	LockMode     string    `json:"lockMode"`
	StuckAfterMs int64     `json:"stuckAfterMs"`
	Checked      int       `json:"checked"`
	MarkedStuck  int       `json:"markedStuck"`
	Skipped      int       `json:"skipped"`
	MarkedIDs    []string  `json:"markedIds"`
}

package model

import (
	"encoding/json"
	"time"
)

// Job is the persisted record of one render request.
type Job struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CallerID       string    `json:"callerId,omitempty"`
	Status         JobStatus `json:"status"`

	ProgressStage   string `json:"progressStage,omitempty"`
	ProgressPercent int    `json:"progressPercent"` // high-water mark

	ExternalHandle *ExternalHandle `json:"externalHandle,omitempty"`

	CompositionID string `json:"compositionId"`
	DurationMs    int    `json:"durationMs"`
	FPS           int    `json:"fps"`
	TotalFrames   int    `json:"totalFrames"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ErrorCode    string     `json:"errorCode,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Output       *OutputRef `json:"output,omitempty"`

	// Erased when the job reaches a terminal status.
	InputProps json.RawMessage `json:"inputProps,omitempty"`
	AssetToken string          `json:"assetToken,omitempty"`
}

// ExternalHandle identifies the job on the render fleet.
type ExternalHandle struct {
	RenderID    string `json:"renderId"`
	Bucket      string `json:"bucket"`
	ShardSize   int    `json:"shardSize"`
	ShardCount  int    `json:"shardCount"`
	TotalFrames int    `json:"totalFrames"`
	FPS         int    `json:"fps"`
}

// OutputRef points at the finalized artifact.
type OutputRef struct {
	URL         string `json:"url"`
	Bucket      string `json:"bucket,omitempty"`
	Key         string `json:"key,omitempty"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentType string `json:"contentType,omitempty"`
	DurationMs  int64  `json:"durationMs"`
}

// Terminal reports whether the job can no longer change status.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// Scrub clears the fields that must not outlive a terminal transition.
func (j *Job) Scrub() {
	j.InputProps = nil
	j.AssetToken = ""
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.ExternalHandle != nil {
		h := *j.ExternalHandle
		c.ExternalHandle = &h
	}
	if j.Output != nil {
		o := *j.Output
		c.Output = &o
	}
	if j.InputProps != nil {
		c.InputProps = append(json.RawMessage(nil), j.InputProps...)
	}
	return &c
}

package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type     string            `json:"type"`
	JobID    string            `json:"jobId"`
	Snapshot *ProgressSnapshot `json:"snapshot"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type   string        `json:"type"`
	JobID  string        `json:"jobId"`
	Output *RenderOutput `json:"output"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string   `json:"type"`
	JobID string   `json:"jobId"`
	Error JobError `json:"error"`
}

// MessageFor picks the message type matching a snapshot.
func MessageFor(s *ProgressSnapshot) interface{} {
	switch s.Status {
	case SnapshotCompleted:
		resp := s.StatusResponse()
		return WSCompleteMessage{Type: WSMessageTypeComplete, JobID: s.JobID, Output: resp.Output}
	case SnapshotFailed:
		e := JobError{}
		if s.Error != nil {
			e = *s.Error
		}
		return WSErrorMessage{Type: WSMessageTypeError, JobID: s.JobID, Error: e}
	default:
		return WSProgressMessage{Type: WSMessageTypeProgress, JobID: s.JobID, Snapshot: s}
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/pkg/response"
)

// apiClient calls the orchestrator's admin and render endpoints.
type apiClient struct {
	baseURL    string
	adminKey   string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, adminKey, token string) *apiClient {
	return &apiClient{
		baseURL:    baseURL,
		adminKey:   adminKey,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx answer decoded from the error envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Code, e.Message, e.Status)
}

// statusView mirrors the status response with the progress left undecoded,
// since its shape depends on the status.
type statusView struct {
	Status   model.SnapshotStatus `json:"status"`
	Progress json.RawMessage      `json:"progress,omitempty"`
	Output   *model.RenderOutput  `json:"output,omitempty"`
	Error    *model.JobError      `json:"error,omitempty"`
}

func (c *apiClient) Sweep(ctx context.Context) (*model.SweepResult, error) {
	var out model.SweepResult
	if err := c.do(ctx, http.MethodPost, "/api/admin/reaper/sweep", true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Audits(ctx context.Context, limit int) ([]model.SweepAudit, error) {
	var out []model.SweepAudit
	path := "/api/admin/reaper/audit?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) Job(ctx context.Context, jobID string) (*model.Job, error) {
	var out model.Job
	if err := c.do(ctx, http.MethodGet, "/api/admin/jobs/"+url.PathEscape(jobID), true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Status(ctx context.Context, jobID string) (*statusView, error) {
	var out statusView
	if err := c.do(ctx, http.MethodGet, "/api/render/status/"+url.PathEscape(jobID), false, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, admin bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if admin {
		req.Header.Set("X-Admin-Key", c.adminKey)
	} else if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope response.ErrorResponse
		if json.Unmarshal(body, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	return json.Unmarshal(body, out)
}

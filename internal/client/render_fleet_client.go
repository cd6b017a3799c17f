package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/reelcraft/api/internal/config"
)

// ErrRenderNotFound means the fleet has not yet published progress for a
// render. It is not a failure.
var ErrRenderNotFound = errors.New("render progress not available yet")

// RenderFleet is the external compute fleet that turns a composition into
// frames and an encoded file.
type RenderFleet interface {
	Submit(ctx context.Context, req *SubmitRenderRequest) (*SubmitRenderResponse, error)
	Progress(ctx context.Context, renderID, bucket string) (*FleetProgress, error)
}

// Destination tells the fleet where the finished file should land.
type Destination struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

type SubmitRenderRequest struct {
	CompositionID   string          `json:"compositionId"`
	FramesPerWorker int             `json:"framesPerWorker"`
	TotalFrames     int             `json:"totalFrames"`
	FPS             int             `json:"fps"`
	Width           int             `json:"width,omitempty"`
	Height          int             `json:"height,omitempty"`
	Codec           string          `json:"codec,omitempty"`
	TimeoutMs       int64           `json:"timeoutMs,omitempty"`
	Destination     Destination     `json:"outputDestination"`
	InputProps      json.RawMessage `json:"inputProps,omitempty"`
	AssetToken      string          `json:"assetToken,omitempty"`
}

type SubmitRenderResponse struct {
	RenderID string `json:"renderId"`
	Bucket   string `json:"bucket"`
}

// FleetProgress is the pollable progress artifact for one render.
type FleetProgress struct {
	Done            bool   `json:"done"`
	FatalError      bool   `json:"fatalError"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	FramesRendered  int    `json:"framesRendered"`
	FramesEncoded   int    `json:"framesEncoded"`
	ChunksDone      int    `json:"chunksDone"`
	ChunksTotal     int    `json:"chunksTotal"`
	OutputKey       string `json:"outputKey,omitempty"`
	OutputURL       string `json:"outputUrl,omitempty"`
	OutputSizeBytes int64  `json:"outputSizeBytes,omitempty"`
	TimeToFinishMs  int64  `json:"timeToFinishMs,omitempty"`
}

// FleetStatusError is a non-2xx answer from the fleet.
type FleetStatusError struct {
	StatusCode int
	Body       string
}

func (e *FleetStatusError) Error() string {
	return fmt.Sprintf("render fleet error (status %d): %s", e.StatusCode, e.Body)
}

// RenderFleetClient implements RenderFleet over HTTP.
type RenderFleetClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *slog.Logger
}

func NewRenderFleetClient(cfg *config.FleetConfig) *RenderFleetClient {
	return &RenderFleetClient{
		// Callers bound each call with their own context deadline.
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		log:        slog.With("component", "render_fleet"),
	}
}

func (c *RenderFleetClient) Submit(ctx context.Context, req *SubmitRenderRequest) (*SubmitRenderResponse, error) {
	var result SubmitRenderResponse
	if err := c.post(ctx, "/v1/renders", req, &result); err != nil {
		return nil, err
	}
	if result.RenderID == "" {
		return nil, errors.New("render fleet returned empty renderId")
	}
	return &result, nil
}

func (c *RenderFleetClient) Progress(ctx context.Context, renderID, bucket string) (*FleetProgress, error) {
	endpoint := fmt.Sprintf("/v1/renders/%s/progress?bucket=%s", url.PathEscape(renderID), url.QueryEscape(bucket))
	var result FleetProgress
	err := c.get(ctx, endpoint, &result)
	var statusErr *FleetStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil, ErrRenderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RenderFleetClient) IsConfigured() bool {
	return c.baseURL != ""
}

func (c *RenderFleetClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

func (c *RenderFleetClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

// doRequest never logs bodies; submit payloads carry asset tokens.
func (c *RenderFleetClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug("response", "method", req.Method, "path", req.URL.Path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &FleetStatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

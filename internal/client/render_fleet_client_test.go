package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelcraft/api/internal/config"
)

func TestRenderFleetSubmit(t *testing.T) {
	var got SubmitRenderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/renders", r.URL.Path)
		assert.Equal(t, "Bearer fleet-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"renderId":"r-123","bucket":"fleet-bucket"}`))
	}))
	defer srv.Close()

	c := NewRenderFleetClient(&config.FleetConfig{BaseURL: srv.URL, APIKey: "fleet-key"})
	resp, err := c.Submit(context.Background(), &SubmitRenderRequest{
		CompositionID:   "comp-1",
		FramesPerWorker: 20,
		TotalFrames:     720,
		FPS:             30,
		Destination:     Destination{Bucket: "out", Prefix: "renders/j1/"},
		InputProps:      json.RawMessage(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "r-123", resp.RenderID)
	assert.Equal(t, "fleet-bucket", resp.Bucket)
	assert.Equal(t, 20, got.FramesPerWorker)
	assert.Equal(t, "renders/j1/", got.Destination.Prefix)
	assert.JSONEq(t, `{"a":1}`, string(got.InputProps))
}

func TestRenderFleetProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/renders/r-1/progress":
			assert.Equal(t, "fleet-bucket", r.URL.Query().Get("bucket"))
			_, _ = w.Write([]byte(`{"done":false,"framesRendered":360,"framesEncoded":100,"chunksDone":3,"chunksTotal":36}`))
		case "/v1/renders/r-2/progress":
			http.Error(w, "no such render", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewRenderFleetClient(&config.FleetConfig{BaseURL: srv.URL})
	ctx := context.Background()

	p, err := c.Progress(ctx, "r-1", "fleet-bucket")
	require.NoError(t, err)
	assert.Equal(t, 360, p.FramesRendered)
	assert.Equal(t, 36, p.ChunksTotal)

	_, err = c.Progress(ctx, "r-2", "fleet-bucket")
	assert.ErrorIs(t, err, ErrRenderNotFound)

	_, err = c.Progress(ctx, "r-3", "fleet-bucket")
	var statusErr *FleetStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}

func TestRenderFleetHonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewRenderFleetClient(&config.FleetConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Submit(ctx, &SubmitRenderRequest{CompositionID: "c"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStorageCopyAndHead(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage("dest")
	m.Put("staging", "out/final.mp4", []byte("video"), "video/mp4")

	_, err := m.Head(ctx, "", "renders/j1/output.mp4")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, m.Copy(ctx, "staging", "out/final.mp4", "renders/j1/output.mp4"))
	info, err := m.Head(ctx, "", "renders/j1/output.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "dest", info.Bucket)

	assert.ErrorIs(t, m.Copy(ctx, "staging", "missing", "x"), ErrObjectNotFound)
}

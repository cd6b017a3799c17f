package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/reelcraft/api/internal/model"
	"github.com/reelcraft/api/internal/store"
)

// fingerprintInput fixes the field order of the hash preimage.
type fingerprintInput struct {
	ProjectID      string             `json:"projectId"`
	CompositionID  string             `json:"compositionId"`
	Engine         string             `json:"engine"`
	FPS            int                `json:"fps"`
	DurationMs     int                `json:"durationMs"`
	Width          int                `json:"width"`
	Height         int                `json:"height"`
	Scenes         []fingerprintScene `json:"scenes"`
	InputPropsHash string             `json:"inputPropsHash"`
}

type fingerprintScene struct {
	AssetURL   string `json:"u"`
	AssetType  string `json:"t"`
	DurationMs int    `json:"d"`
}

// Fingerprint derives the idempotency key from the fields that decide what
// gets rendered. fps and durationMs are the effective values after defaults.
// The raw input props contribute only their own digest.
func Fingerprint(req *model.RenderStartRequest, durationMs, fps int) string {
	in := fingerprintInput{
		ProjectID:      req.ProjectID,
		CompositionID:  req.CompositionID,
		Engine:         req.Engine,
		FPS:            fps,
		DurationMs:     durationMs,
		Width:          req.Width,
		Height:         req.Height,
		Scenes:         make([]fingerprintScene, len(req.Scenes)),
		InputPropsHash: hashProps(req.InputProps),
	}
	for i, s := range req.Scenes {
		in.Scenes[i] = fingerprintScene{AssetURL: s.AssetURL, AssetType: string(s.AssetType), DurationMs: s.DurationMs}
	}
	// Marshalling a struct of strings, ints and slices cannot fail.
	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// hashProps digests a canonical form of the props so key order and
// whitespace in the client's JSON do not change the key.
func hashProps(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	canonical := trimmed
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// IdempotencyIndex answers "is there already a live job for this key".
type IdempotencyIndex struct {
	store store.Store
	log   *slog.Logger
}

func NewIdempotencyIndex(s store.Store) *IdempotencyIndex {
	return &IdempotencyIndex{store: s, log: slog.With("component", "idempotency")}
}

// Lookup returns the live job holding key, or nil. Index failures are
// logged and treated as a miss.
func (i *IdempotencyIndex) Lookup(ctx context.Context, key string) *model.Job {
	job, err := i.store.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			i.log.Warn("idempotency lookup failed, continuing without dedup", "key", key, "error", err)
		}
		return nil
	}
	return job
}

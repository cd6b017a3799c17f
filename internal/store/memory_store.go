package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reelcraft/api/internal/model"
)

// MemoryStore keeps jobs in process. The mutex stands in for the atomic
// conditional write a real backend performs.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	idem map[string]string
	opts options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*model.Job),
		idem: make(map[string]string),
		opts: buildOptions(opts),
	}
}

func (m *MemoryStore) CreateQueued(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	if job.IdempotencyKey != "" {
		if holder, ok := m.idem[job.IdempotencyKey]; ok {
			if cur, ok := m.jobs[holder]; ok && cur.Status != model.JobStatusFailed {
				return &DuplicateError{JobID: holder}
			}
		}
	}

	now := m.opts.stamp()
	c := job.Clone()
	c.Status = model.JobStatusQueued
	c.CreatedAt = now
	c.UpdatedAt = now
	m.jobs[c.ID] = c
	if c.IdempotencyKey != "" {
		m.idem[c.IdempotencyKey] = c.ID
	}

	job.Status = c.Status
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, cond Condition, to model.JobStatus, f Fields) (bool, error) {
	if err := checkTransition(cond, to); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || !statusIn(j.Status, cond.From) {
		return false, nil
	}
	if !cond.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(cond.UpdatedBefore) {
		return false, nil
	}

	j.Status = to
	j.UpdatedAt = laterOf(m.opts.stamp(), j.UpdatedAt)
	applyFields(j, f)
	if to.Terminal() {
		j.Scrub()
		if to == model.JobStatusCompleted {
			j.ProgressPercent = 100
		}
		if to == model.JobStatusFailed && m.idem[j.IdempotencyKey] == j.ID {
			delete(m.idem, j.IdempotencyKey)
		}
	}
	return true, nil
}

func (m *MemoryStore) RecordProgress(ctx context.Context, id string, percent int, stage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != model.JobStatusProcessing || j.ProgressPercent >= percent {
		return false, nil
	}
	j.ProgressPercent = percent
	if stage != "" {
		j.ProgressStage = stage
	}
	j.UpdatedAt = laterOf(m.opts.stamp(), j.UpdatedAt)
	return true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || m.expired(j) {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.idem[key]
	if !ok {
		return nil, ErrNotFound
	}
	j, ok := m.jobs[id]
	if !ok || j.Status == model.JobStatusFailed || m.expired(j) {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Job
	for _, j := range m.jobs {
		if !j.Terminal() && j.UpdatedAt.Before(cutoff) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeExpired drops terminal jobs last written before olderThan.
func (m *MemoryStore) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if j.Terminal() && j.UpdatedAt.Before(olderThan) {
			delete(m.jobs, id)
			if m.idem[j.IdempotencyKey] == id {
				delete(m.idem, j.IdempotencyKey)
			}
			n++
		}
	}
	return n, nil
}

// Touch rewrites UpdatedAt. Tests use it to age a job.
func (m *MemoryStore) Touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.UpdatedAt = at.UTC().Truncate(time.Millisecond)
	}
}

func (m *MemoryStore) expired(j *model.Job) bool {
	return m.opts.now().Sub(j.UpdatedAt) > m.opts.retention
}

func statusIn(s model.JobStatus, set []model.JobStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func applyFields(j *model.Job, f Fields) {
	if f.ProgressStage != "" {
		j.ProgressStage = f.ProgressStage
	}
	if f.ExternalHandle != nil {
		h := *f.ExternalHandle
		j.ExternalHandle = &h
	}
	if f.ErrorCode != "" {
		j.ErrorCode = f.ErrorCode
	}
	if f.ErrorMessage != "" {
		j.ErrorMessage = f.ErrorMessage
	}
	if f.Output != nil {
		o := *f.Output
		j.Output = &o
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/api/internal/model"
)

const (
	jobKeyPrefix  = "render:job:"
	idemKeyPrefix = "render:idem:"
	activeSetKey  = "render:jobs:active"
)

// createScript inserts a queued job unless the id exists or a live job holds
// the idempotency key.
//
// KEYS: job, active set, idem
// ARGV: id, now ms, retention ms, has idem, job prefix, field/value pairs...
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {'exists'}
end
if ARGV[4] == '1' then
  local holder = redis.call('GET', KEYS[3])
  if holder then
    local st = redis.call('HGET', ARGV[5] .. holder, 'status')
    if st and st ~= 'failed' then
      return {'duplicate', holder}
    end
  end
end
for i = 6, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
if ARGV[4] == '1' then
  redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[3])
end
return {'ok'}
`)

// transitionScript is the status compare-and-swap.
//
// KEYS: job, active set
// ARGV: id, to, now ms, updated-before ms (0 = none), terminal, retention ms,
// idem prefix, n, from x n, field/value pairs...
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return 0
end
local n = tonumber(ARGV[8])
local allowed = false
for i = 1, n do
  if ARGV[8 + i] == cur then
    allowed = true
  end
end
if not allowed then
  return 0
end
local updated = tonumber(redis.call('HGET', KEYS[1], 'updatedAt') or '0')
local before = tonumber(ARGV[4])
if before > 0 and updated >= before then
  return 0
end
local now = tonumber(ARGV[3])
if now < updated then
  now = updated
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updatedAt', now)
for i = 9 + n, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[5] == '1' then
  redis.call('HDEL', KEYS[1], 'inputProps', 'assetToken')
  redis.call('ZREM', KEYS[2], ARGV[1])
  if ARGV[2] == 'failed' then
    local key = redis.call('HGET', KEYS[1], 'idempotencyKey')
    if key and key ~= '' then
      local idem = ARGV[7] .. key
      if redis.call('GET', idem) == ARGV[1] then
        redis.call('DEL', idem)
      end
    end
  end
else
  redis.call('ZADD', KEYS[2], now, ARGV[1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// progressScript raises the high-water mark of a processing job.
//
// KEYS: job, active set
// ARGV: id, percent, stage, now ms
var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
  return 0
end
local pct = tonumber(ARGV[2])
local cur = tonumber(redis.call('HGET', KEYS[1], 'progressPercent') or '0')
if cur >= pct then
  return 0
end
local updated = tonumber(redis.call('HGET', KEYS[1], 'updatedAt') or '0')
local now = tonumber(ARGV[4])
if now < updated then
  now = updated
end
redis.call('HSET', KEYS[1], 'progressPercent', pct, 'updatedAt', now)
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'progressStage', ARGV[3])
end
redis.call('ZADD', KEYS[2], now, ARGV[1])
return 1
`)

// RedisStore keeps each job in a hash with a TTL, plus a sorted set of
// non-terminal jobs scored by UpdatedAt for staleness scans.
type RedisStore struct {
	rdb  redis.UniversalClient
	opts options
}

func NewRedisStore(rdb redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{rdb: rdb, opts: buildOptions(opts)}
}

func jobKey(id string) string  { return jobKeyPrefix + id }
func idemKey(k string) string  { return idemKeyPrefix + k }
func millis(t time.Time) int64 { return t.UnixMilli() }

func (s *RedisStore) CreateQueued(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	now := s.opts.stamp()
	c := job.Clone()
	c.Status = model.JobStatusQueued
	c.CreatedAt = now
	c.UpdatedAt = now

	pairs, err := encodeJob(c)
	if err != nil {
		return err
	}
	hasIdem := "0"
	idem := idemKey("-")
	if c.IdempotencyKey != "" {
		hasIdem = "1"
		idem = idemKey(c.IdempotencyKey)
	}
	args := append([]interface{}{c.ID, millis(now), s.opts.retention.Milliseconds(), hasIdem, jobKeyPrefix}, pairs...)

	res, err := createScript.Run(ctx, s.rdb, []string{jobKey(c.ID), activeSetKey, idem}, args...).StringSlice()
	if err != nil {
		return fmt.Errorf("create job %s: %w", c.ID, err)
	}
	switch res[0] {
	case "exists":
		return ErrAlreadyExists
	case "duplicate":
		return &DuplicateError{JobID: res[1]}
	}
	job.Status = c.Status
	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, cond Condition, to model.JobStatus, f Fields) (bool, error) {
	if err := checkTransition(cond, to); err != nil {
		return false, err
	}
	var before int64
	if !cond.UpdatedBefore.IsZero() {
		before = millis(cond.UpdatedBefore)
	}
	terminal := "0"
	if to.Terminal() {
		terminal = "1"
	}

	args := []interface{}{
		id, string(to), millis(s.opts.stamp()), before, terminal,
		s.opts.retention.Milliseconds(), idemKeyPrefix, len(cond.From),
	}
	for _, from := range cond.From {
		args = append(args, string(from))
	}
	pairs, err := encodeFields(f)
	if err != nil {
		return false, err
	}
	args = append(args, pairs...)
	if to == model.JobStatusCompleted {
		args = append(args, "progressPercent", 100)
	}

	n, err := transitionScript.Run(ctx, s.rdb, []string{jobKey(id), activeSetKey}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	return n == 1, nil
}

func (s *RedisStore) RecordProgress(ctx context.Context, id string, percent int, stage string) (bool, error) {
	n, err := progressScript.Run(ctx, s.rdb, []string{jobKey(id), activeSetKey},
		id, percent, stage, millis(s.opts.stamp())).Int()
	if err != nil {
		return false, fmt.Errorf("record progress %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	h, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return decodeJob(h)
}

func (s *RedisStore) FindByIdempotencyKey(ctx context.Context, key string) (*model.Job, error) {
	id, err := s.rdb.Get(ctx, idemKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == model.JobStatusFailed {
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *RedisStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	by := &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(millis(cutoff), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, activeSetKey, by).Result()
	if err != nil {
		return nil, fmt.Errorf("scan stale jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load stale jobs: %w", err)
	}

	var out []*model.Job
	var gone []interface{}
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			gone = append(gone, ids[i])
			continue
		}
		job, err := decodeJob(h)
		if err != nil {
			return nil, err
		}
		if !job.Terminal() {
			out = append(out, job)
		}
	}
	if len(gone) > 0 {
		// hash expired under retention; drop the dangling index entries
		s.rdb.ZRem(ctx, activeSetKey, gone...)
	}
	return out, nil
}

func encodeJob(j *model.Job) ([]interface{}, error) {
	pairs := []interface{}{
		"id", j.ID,
		"idempotencyKey", j.IdempotencyKey,
		"callerId", j.CallerID,
		"status", string(j.Status),
		"progressStage", j.ProgressStage,
		"progressPercent", j.ProgressPercent,
		"compositionId", j.CompositionID,
		"durationMs", j.DurationMs,
		"fps", j.FPS,
		"totalFrames", j.TotalFrames,
		"width", j.Width,
		"height", j.Height,
		"createdAt", millis(j.CreatedAt),
		"updatedAt", millis(j.UpdatedAt),
	}
	if len(j.InputProps) > 0 {
		pairs = append(pairs, "inputProps", string(j.InputProps))
	}
	if j.AssetToken != "" {
		pairs = append(pairs, "assetToken", j.AssetToken)
	}
	more, err := encodeFields(Fields{
		ExternalHandle: j.ExternalHandle,
		ErrorCode:      j.ErrorCode,
		ErrorMessage:   j.ErrorMessage,
		Output:         j.Output,
	})
	if err != nil {
		return nil, err
	}
	return append(pairs, more...), nil
}

func encodeFields(f Fields) ([]interface{}, error) {
	var pairs []interface{}
	if f.ProgressStage != "" {
		pairs = append(pairs, "progressStage", f.ProgressStage)
	}
	if f.ExternalHandle != nil {
		b, err := json.Marshal(f.ExternalHandle)
		if err != nil {
			return nil, fmt.Errorf("encode external handle: %w", err)
		}
		pairs = append(pairs, "externalHandle", string(b))
	}
	if f.ErrorCode != "" {
		pairs = append(pairs, "errorCode", f.ErrorCode)
	}
	if f.ErrorMessage != "" {
		pairs = append(pairs, "errorMessage", f.ErrorMessage)
	}
	if f.Output != nil {
		b, err := json.Marshal(f.Output)
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		pairs = append(pairs, "output", string(b))
	}
	return pairs, nil
}

func decodeJob(h map[string]string) (*model.Job, error) {
	j := &model.Job{
		ID:             h["id"],
		IdempotencyKey: h["idempotencyKey"],
		CallerID:       h["callerId"],
		Status:         model.JobStatus(h["status"]),
		ProgressStage:  h["progressStage"],
		CompositionID:  h["compositionId"],
		ErrorCode:      h["errorCode"],
		ErrorMessage:   h["errorMessage"],
		AssetToken:     h["assetToken"],
	}
	j.ProgressPercent, _ = strconv.Atoi(h["progressPercent"])
	j.DurationMs, _ = strconv.Atoi(h["durationMs"])
	j.FPS, _ = strconv.Atoi(h["fps"])
	j.TotalFrames, _ = strconv.Atoi(h["totalFrames"])
	j.Width, _ = strconv.Atoi(h["width"])
	j.Height, _ = strconv.Atoi(h["height"])
	if ms, err := strconv.ParseInt(h["createdAt"], 10, 64); err == nil {
		j.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(h["updatedAt"], 10, 64); err == nil {
		j.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	if v := h["inputProps"]; v != "" {
		j.InputProps = json.RawMessage(v)
	}
	if v := h["externalHandle"]; v != "" {
		j.ExternalHandle = &model.ExternalHandle{}
		if err := json.Unmarshal([]byte(v), j.ExternalHandle); err != nil {
			return nil, fmt.Errorf("decode external handle of %s: %w", j.ID, err)
		}
	}
	if v := h["output"]; v != "" {
		j.Output = &model.OutputRef{}
		if err := json.Unmarshal([]byte(v), j.Output); err != nil {
			return nil, fmt.Errorf("decode output of %s: %w", j.ID, err)
		}
	}
	return j, nil
}

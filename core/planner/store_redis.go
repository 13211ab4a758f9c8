package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPlannerRedisURL = "redis://localhost:6379"
	stepLogMaxEntries      = 1000
)

// RedisStore persists planner state in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed planner store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultPlannerRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client. Tests use this with
// miniredis.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// CreatePlan persists a new plan and indexes it by status.
func (s *RedisStore) CreatePlan(ctx context.Context, p *Plan) error {
	if p == nil || p.PlanID == "" {
		return fmt.Errorf("plan id required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PlanPendingApproval
	}
	return s.writePlan(ctx, p, "")
}

// UpdatePlan overwrites a plan document and moves it between status
// indexes when the status changed.
func (s *RedisStore) UpdatePlan(ctx context.Context, p *Plan) error {
	if p == nil || p.PlanID == "" {
		return fmt.Errorf("plan id required")
	}
	prevStatus := PlanStatus("")
	if data, err := s.client.Get(ctx, planKey(p.PlanID)).Bytes(); err == nil {
		var prev Plan
		if err := json.Unmarshal(data, &prev); err == nil {
			prevStatus = prev.Status
		}
	}
	p.UpdatedAt = time.Now().UTC()
	return s.writePlan(ctx, p, prevStatus)
}

func (s *RedisStore) writePlan(ctx context.Context, p *Plan, prevStatus PlanStatus) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	score := float64(p.UpdatedAt.Unix())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, planKey(p.PlanID), payload, 0)
	pipe.ZAdd(ctx, planAllIndexKey(), redis.Z{Score: score, Member: p.PlanID})
	pipe.ZAdd(ctx, planStatusIndexKey(p.Status), redis.Z{Score: score, Member: p.PlanID})
	if prevStatus != "" && prevStatus != p.Status {
		pipe.ZRem(ctx, planStatusIndexKey(prevStatus), p.PlanID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetPlan fetches a plan by ID.
func (s *RedisStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	if planID == "" {
		return nil, fmt.Errorf("plan id required")
	}
	data, err := s.client.Get(ctx, planKey(planID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &p, nil
}

// ListPlans returns recent plans, optionally filtered by status.
func (s *RedisStore) ListPlans(ctx context.Context, status PlanStatus, limit int64) ([]*Plan, error) {
	if limit <= 0 {
		limit = 50
	}
	index := planAllIndexKey()
	if status != "" {
		index = planStatusIndexKey(status)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Plan, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPlan(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateRun persists a new plan run.
func (s *RedisStore) CreateRun(ctx context.Context, r *PlanRun) error {
	if r == nil || r.RunID == "" || r.PlanID == "" {
		return fmt.Errorf("run id and plan id required")
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = RunRunning
	}
	return s.writeRun(ctx, r)
}

// UpdateRun overwrites a plan run document.
func (s *RedisStore) UpdateRun(ctx context.Context, r *PlanRun) error {
	if r == nil || r.RunID == "" || r.PlanID == "" {
		return fmt.Errorf("run id and plan id required")
	}
	r.UpdatedAt = time.Now().UTC()
	return s.writeRun(ctx, r)
}

func (s *RedisStore) writeRun(ctx context.Context, r *PlanRun) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal plan run: %w", err)
	}
	score := float64(r.UpdatedAt.Unix())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(r.RunID), payload, 0)
	pipe.ZAdd(ctx, runPlanIndexKey(r.PlanID), redis.Z{Score: score, Member: r.RunID})
	_, err = pipe.Exec(ctx)
	return err
}

// GetRun fetches a plan run by ID.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*PlanRun, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	data, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r PlanRun
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal plan run: %w", err)
	}
	return &r, nil
}

// AppendStepLog records one step execution in append-only order.
func (s *RedisStore) AppendStepLog(ctx context.Context, l *StepLog) error {
	if l == nil || l.RunID == "" {
		return fmt.Errorf("run id required")
	}
	if l.ExecutedAt.IsZero() {
		l.ExecutedAt = time.Now().UTC()
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal step log: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, stepLogKey(l.RunID), data)
	pipe.LTrim(ctx, stepLogKey(l.RunID), -stepLogMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListStepLogs returns step logs for a run in execution order.
func (s *RedisStore) ListStepLogs(ctx context.Context, runID string, limit int64) ([]*StepLog, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	if limit <= 0 {
		limit = 200
	}
	raw, err := s.client.LRange(ctx, stepLogKey(runID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*StepLog, 0, len(raw))
	for _, item := range raw {
		var l StepLog
		if err := json.Unmarshal([]byte(item), &l); err != nil {
			continue
		}
		out = append(out, &l)
	}
	return out, nil
}

// CreateCheckpoint persists a new checkpoint request and indexes it as
// pending.
func (s *RedisStore) CreateCheckpoint(ctx context.Context, req *CheckpointRequest) error {
	if req == nil || req.RequestID == "" || req.RunID == "" {
		return fmt.Errorf("request id and run id required")
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.Status == "" {
		req.Status = CheckpointPending
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, checkpointKey(req.RequestID), payload, 0)
	if req.Status == CheckpointPending {
		pipe.ZAdd(ctx, checkpointPendingKey(req.RunID), redis.Z{Score: float64(now.Unix()), Member: req.RequestID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateCheckpoint overwrites a checkpoint request and drops it from the
// pending index once resolved.
func (s *RedisStore) UpdateCheckpoint(ctx context.Context, req *CheckpointRequest) error {
	if req == nil || req.RequestID == "" || req.RunID == "" {
		return fmt.Errorf("request id and run id required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, checkpointKey(req.RequestID), payload, 0)
	if req.Status != CheckpointPending {
		pipe.ZRem(ctx, checkpointPendingKey(req.RunID), req.RequestID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetCheckpoint fetches a checkpoint request by ID.
func (s *RedisStore) GetCheckpoint(ctx context.Context, requestID string) (*CheckpointRequest, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request id required")
	}
	data, err := s.client.Get(ctx, checkpointKey(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var req CheckpointRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &req, nil
}

// ListPendingCheckpoints returns unresolved checkpoint requests for a
// run.
func (s *RedisStore) ListPendingCheckpoints(ctx context.Context, runID string) ([]*CheckpointRequest, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id required")
	}
	ids, err := s.client.ZRevRange(ctx, checkpointPendingKey(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*CheckpointRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetCheckpoint(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func planKey(id string) string {
	return "plan:def:" + id
}

func planAllIndexKey() string {
	return "plan:index:all"
}

func planStatusIndexKey(status PlanStatus) string {
	return "plan:index:status:" + string(status)
}

func runKey(id string) string {
	return "plan:run:" + id
}

func runPlanIndexKey(planID string) string {
	return "plan:runs:" + planID
}

func stepLogKey(runID string) string {
	return "plan:steps:" + runID
}

func checkpointKey(id string) string {
	return "plan:checkpoint:" + id
}

func checkpointPendingKey(runID string) string {
	return "plan:checkpoints:pending:" + runID
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultWorkflowRedisURL = "redis://localhost:6379"
	eventTimelineMax        = 1000
)

// RedisStore persists workflow executions, node records, HITL requests
// and event timelines in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed workflow store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultWorkflowRedisURL
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

// CreateWorkflow persists a new workflow execution and indexes it.
func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.WorkflowID == "" {
		return fmt.Errorf("workflow id required")
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Status == "" {
		wf.Status = StatusRunning
	}
	return s.writeWorkflow(ctx, wf, "")
}

// UpdateWorkflow overwrites an existing workflow document and moves it
// between status indexes when the status changed.
func (s *RedisStore) UpdateWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.WorkflowID == "" {
		return fmt.Errorf("workflow id required")
	}
	prevStatus := Status("")
	if data, err := s.client.Get(ctx, workflowKey(wf.WorkflowID)).Bytes(); err == nil {
		var prev Workflow
		if err := json.Unmarshal(data, &prev); err == nil {
			prevStatus = prev.Status
		}
	}
	wf.UpdatedAt = time.Now().UTC()
	return s.writeWorkflow(ctx, wf, prevStatus)
}

func (s *RedisStore) writeWorkflow(ctx context.Context, wf *Workflow, prevStatus Status) error {
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	score := float64(wf.UpdatedAt.Unix())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, workflowKey(wf.WorkflowID), payload, 0)
	pipe.ZAdd(ctx, workflowAllIndexKey(), redis.Z{Score: score, Member: wf.WorkflowID})
	pipe.ZAdd(ctx, workflowStatusIndexKey(wf.Status), redis.Z{Score: score, Member: wf.WorkflowID})
	if prevStatus != "" && prevStatus != wf.Status {
		pipe.ZRem(ctx, workflowStatusIndexKey(prevStatus), wf.WorkflowID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetWorkflow fetches a workflow execution by ID.
func (s *RedisStore) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	data, err := s.client.Get(ctx, workflowKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// ListWorkflows returns recent workflows, optionally filtered by status.
func (s *RedisStore) ListWorkflows(ctx context.Context, status Status, limit int64) ([]*Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	index := workflowAllIndexKey()
	if status != "" {
		index = workflowStatusIndexKey(status)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Workflow{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.Get(ctx, workflowKey(id))
	}
	_, _ = pipe.Exec(ctx)

	out := make([]*Workflow, 0, len(ids))
	for _, id := range ids {
		cmd := cmds[id]
		if cmd == nil {
			continue
		}
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var wf Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			continue
		}
		out = append(out, &wf)
	}
	return out, nil
}

// SaveNode upserts a node status record in the workflow's node hash.
func (s *RedisStore) SaveNode(ctx context.Context, rec *NodeRecord) error {
	if rec == nil || rec.WorkflowID == "" || rec.NodeID == "" {
		return fmt.Errorf("workflow id and node id required")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node record: %w", err)
	}
	return s.client.HSet(ctx, workflowNodesKey(rec.WorkflowID), rec.NodeID, payload).Err()
}

// ListNodes returns all node records for a workflow.
func (s *RedisStore) ListNodes(ctx context.Context, workflowID string) ([]*NodeRecord, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	raw, err := s.client.HGetAll(ctx, workflowNodesKey(workflowID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*NodeRecord, 0, len(raw))
	for _, item := range raw {
		var rec NodeRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// AppendEvent records a workflow event in append-only order.
func (s *RedisStore) AppendEvent(ctx context.Context, ev *EventRecord) error {
	if ev == nil || ev.WorkflowID == "" {
		return fmt.Errorf("workflow id required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, workflowEventsKey(ev.WorkflowID), data)
	pipe.LTrim(ctx, workflowEventsKey(ev.WorkflowID), -eventTimelineMax, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListEvents returns events for a workflow in chronological order.
func (s *RedisStore) ListEvents(ctx context.Context, workflowID string, limit int64) ([]*EventRecord, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id required")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, workflowEventsKey(workflowID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*EventRecord, 0, len(raw))
	for _, item := range raw {
		var ev EventRecord
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// CreateHITLRequest persists a new HITL request and indexes it as pending.
func (s *RedisStore) CreateHITLRequest(ctx context.Context, req *HITLRequest) error {
	if req == nil || req.RequestID == "" || req.WorkflowID == "" {
		return fmt.Errorf("request id and workflow id required")
	}
	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.Status == "" {
		req.Status = HITLPending
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal hitl request: %w", err)
	}
	score := float64(now.Unix())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, hitlKey(req.RequestID), payload, 0)
	if req.Status == HITLPending {
		pipe.ZAdd(ctx, hitlPendingIndexKey(), redis.Z{Score: score, Member: req.RequestID})
		pipe.ZAdd(ctx, hitlWorkflowPendingKey(req.WorkflowID), redis.Z{Score: score, Member: req.RequestID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateHITLRequest overwrites a HITL request and drops it from the
// pending indexes once resolved.
func (s *RedisStore) UpdateHITLRequest(ctx context.Context, req *HITLRequest) error {
	if req == nil || req.RequestID == "" || req.WorkflowID == "" {
		return fmt.Errorf("request id and workflow id required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal hitl request: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, hitlKey(req.RequestID), payload, 0)
	if req.Status != HITLPending {
		pipe.ZRem(ctx, hitlPendingIndexKey(), req.RequestID)
		pipe.ZRem(ctx, hitlWorkflowPendingKey(req.WorkflowID), req.RequestID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetHITLRequest fetches a HITL request by ID.
func (s *RedisStore) GetHITLRequest(ctx context.Context, requestID string) (*HITLRequest, error) {
	if requestID == "" {
		return nil, fmt.Errorf("request id required")
	}
	data, err := s.client.Get(ctx, hitlKey(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var req HITLRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal hitl request: %w", err)
	}
	return &req, nil
}

// ListPendingHITL returns pending HITL requests, scoped to one workflow
// when workflowID is non-empty.
func (s *RedisStore) ListPendingHITL(ctx context.Context, workflowID string) ([]*HITLRequest, error) {
	index := hitlPendingIndexKey()
	if workflowID != "" {
		index = hitlWorkflowPendingKey(workflowID)
	}
	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*HITLRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetHITLRequest(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func workflowKey(id string) string {
	return "wf:exec:" + id
}

func workflowAllIndexKey() string {
	return "wf:execs:all"
}

func workflowStatusIndexKey(status Status) string {
	return "wf:execs:status:" + string(status)
}

func workflowNodesKey(workflowID string) string {
	return "wf:nodes:" + workflowID
}

func workflowEventsKey(workflowID string) string {
	return "wf:events:" + workflowID
}

func hitlKey(requestID string) string {
	return "wf:hitl:" + requestID
}

func hitlPendingIndexKey() string {
	return "wf:hitl:pending"
}

func hitlWorkflowPendingKey(workflowID string) string {
	return "wf:hitl:pending:" + workflowID
}

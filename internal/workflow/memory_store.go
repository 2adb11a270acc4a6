package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ChainForge/internal/errors"
)

// MemoryStore 以内存方式保存工作流状态，主要用于测试。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	if wf.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	if _, ok := m.workflows[wf.ID]; ok {
		return ErrWorkflowConflict
	}
	now := time.Now().Unix()
	if wf.CreatedAt == 0 {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Stage == "" {
		wf.Stage = StageCreated
	}
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// Get 返回工作流。
func (m *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return cloneWorkflow(wf), nil
}

// Claim 将排队中的工作流标记为开始执行。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if IsTerminal(wf.Stage) {
		return cloneWorkflow(wf), ErrWorkflowTerminal
	}
	if wf.Stage != StageCreated {
		return cloneWorkflow(wf), ErrWorkflowConflict
	}
	wf.Stage = StageGenerating
	wf.Progress = ProgressOf(StageGenerating)
	wf.LastError = ""
	wf.ErrorCode = ""
	wf.UpdatedAt = time.Now().Unix()
	return cloneWorkflow(wf), nil
}

// Save 持久化完整状态。
func (m *MemoryStore) Save(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf == nil || wf.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	current, ok := m.workflows[wf.ID]
	if !ok {
		return ErrWorkflowNotFound
	}
	// 保留已有的取消标记，避免覆盖并发到达的取消请求。
	cancelRequested := current.CancelRequested || wf.CancelRequested
	clone := cloneWorkflow(wf)
	clone.CancelRequested = cancelRequested
	clone.UpdatedAt = time.Now().Unix()
	m.workflows[wf.ID] = clone
	wf.CancelRequested = cancelRequested
	wf.UpdatedAt = clone.UpdatedAt
	return nil
}

// RequestCancel 打上取消标记。
func (m *MemoryStore) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return ErrWorkflowNotFound
	}
	if IsTerminal(wf.Stage) {
		return ErrWorkflowTerminal
	}
	wf.CancelRequested = true
	wf.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的工作流。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if !matchesListFilters(wf, opts) {
			continue
		}
		results = append(results, cloneWorkflow(wf))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的工作流数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, wf := range m.workflows {
		if !matchesListFilters(wf, opts) {
			continue
		}
		stats.Total++
		switch {
		case wf.Stage == StageCreated:
			stats.Created++
		case wf.Stage == StageCompleted:
			stats.Completed++
		case wf.Stage == StageFailed:
			stats.Failed++
			if wf.ErrorCode == string(xerrors.CodeCancelled) {
				stats.Cancelled++
			}
		default:
			stats.Active++
		}
		if wf.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = wf.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (wf.UpdatedAt != 0 && wf.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = wf.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(wf *Workflow, opts ListOptions) bool {
	if len(opts.Stages) > 0 {
		matched := false
		for _, stage := range opts.Stages {
			if wf.Stage == stage {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Network != "" && wf.Network != opts.Network {
		return false
	}
	if opts.UpdatedGTE > 0 && wf.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && wf.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)

package workflow

import "context"

// Store 抽象了工作流状态的持久化接口。
type Store interface {
	Create(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	// Claim 将排队中的工作流标记为开始执行，防止重复消费。
	Claim(ctx context.Context, id string) (*Workflow, error)
	// Save 持久化阶段转换后的完整状态。
	Save(ctx context.Context, wf *Workflow) error
	// RequestCancel 为尚未进入终态的工作流打上取消标记。
	RequestCancel(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Workflow, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

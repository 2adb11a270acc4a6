package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

// SubmitRequest 描述一次工作流提交。
type SubmitRequest struct {
	ID           string
	Description  string
	ContractType string
	Network      string
	SkipAudit    bool
	SkipDeploy   bool
	Metadata     map[string]any
}

// Canceller 定义取消在途工作流的能力，由编排器提供。
type Canceller interface {
	Cancel(id string) bool
}

// Service 负责工作流的创建、查询与取消。
type Service struct {
	store     Store
	producer  Producer
	canceller Canceller
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithCanceller 配置在途工作流的取消入口。
func WithCanceller(canceller Canceller) ServiceOption {
	return func(s *Service) {
		s.canceller = canceller
	}
}

// NewService 构造工作流服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的工作流并推送到队列。携带已存在 ID 的重复提交
// 幂等返回已有工作流。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Workflow, error) {
	if strings.TrimSpace(req.Description) == "" {
		return nil, xerrors.New(CodeWorkflowValidation, "合约需求描述不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流服务未初始化")
	}

	workflowID := strings.TrimSpace(req.ID)
	if workflowID != "" {
		wf, err := s.store.Get(ctx, workflowID)
		if err == nil {
			return wf, nil
		}
		if !stdErrors.Is(err, ErrWorkflowNotFound) {
			return nil, err
		}
	} else {
		workflowID = uuid.NewString()
	}

	wf := &Workflow{
		ID:           workflowID,
		Description:  req.Description,
		ContractType: req.ContractType,
		Network:      req.Network,
		SkipAudit:    req.SkipAudit,
		SkipDeploy:   req.SkipDeploy,
		Metadata:     cloneMetadata(req.Metadata),
		Stage:        StageCreated,
		Progress:     ProgressOf(StageCreated),
	}
	if err := s.store.Create(ctx, wf); err != nil {
		if stdErrors.Is(err, ErrWorkflowConflict) {
			existing, getErr := s.store.Get(ctx, workflowID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrWorkflowNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, workflowID); err != nil {
		logger.L().Error("工作流入队失败", slog.Any("error", err), slog.String("workflow_id", workflowID))
		wrapped := xerrors.Wrap(CodeWorkflowPublish, err, "发布工作流到队列失败")
		wf.Stage = StageFailed
		wf.LastError = wrapped.Error()
		wf.ErrorCode = string(CodeWorkflowPublish)
		_ = s.store.Save(ctx, wf)
		return nil, wrapped
	}
	logger.Audit().Info("工作流入队成功",
		slog.String("workflow_id", workflowID),
		slog.String("network", wf.Network),
		slog.String("contract_type", wf.ContractType),
	)
	return wf, nil
}

// Get 返回指定工作流的状态。
func (s *Service) Get(ctx context.Context, id string) (*Workflow, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// Cancel 请求取消工作流。排队中的工作流打标记，执行中的工作流
// 通过编排器触发协作式取消。已进入终态的工作流返回 ErrWorkflowTerminal。
func (s *Service) Cancel(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	if s.canceller != nil && s.canceller.Cancel(id) {
		logger.Audit().Info("已向执行中的工作流发送取消信号", slog.String("workflow_id", id))
	}
	return nil
}

// List 返回符合过滤条件的工作流列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Workflow, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的工作流统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilTerminal 在指定上下文生命周期内轮询工作流状态。
func (s *Service) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*Workflow, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		wf, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(wf.Stage) {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

package workflow

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

// Runner 定义处理器所需的编排能力。
type Runner interface {
	Run(ctx context.Context, wf *Workflow) error
}

// Processor 负责从队列消费工作流并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = log
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动工作流处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置工作流消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, workflowID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	wf, err := p.store.Claim(ctx, workflowID)
	if err != nil {
		if stdErrors.Is(err, ErrWorkflowNotFound) || stdErrors.Is(err, ErrWorkflowTerminal) || stdErrors.Is(err, ErrWorkflowConflict) {
			p.logDebug("跳过工作流", slog.String("workflow_id", workflowID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取工作流失败", slog.Any("error", err), slog.String("workflow_id", workflowID))
		return err
	}

	// 终态由编排器自行持久化，这里只消费错误避免消息重投。
	if runErr := p.runner.Run(ctx, wf); runErr != nil {
		p.logDebug("工作流以失败终态结束",
			slog.String("workflow_id", wf.ID),
			slog.String("error", runErr.Error()))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

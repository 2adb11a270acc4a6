package deploy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

// defaultMaxParallel 是并发提交上限的默认值。
const defaultMaxParallel = 10

// Submitter 把单个合约提交到目标网络。实现必须对并发调用安全。
type Submitter interface {
	Submit(ctx context.Context, contract CompiledContract, network string) Outcome
}

// Engine 在并发上限的约束下把一批合约提交到目标网络。
// 各合约之间完全独立，单个合约失败不影响同批其他合约。
type Engine struct {
	submitter Submitter
	logger    *slog.Logger
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithEngineLogger 指定日志输出。
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine 构造批量部署引擎。
func NewEngine(submitter Submitter, opts ...EngineOption) *Engine {
	engine := &Engine{submitter: submitter}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	if engine.logger == nil {
		engine.logger = logger.Named("deploy")
	}
	return engine
}

// Run 按输入顺序提交全部合约，最多允许 maxParallel 个提交同时在途。
// 返回的 BatchResult 中 SuccessCount+FailedCount 恒等于输入数量。
func (e *Engine) Run(ctx context.Context, contracts []CompiledContract, network string, maxParallel int) (*BatchResult, error) {
	if e == nil || e.submitter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "部署引擎未初始化")
	}
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	if len(contracts) == 0 {
		return &BatchResult{Deployments: []Outcome{}}, nil
	}

	started := time.Now()
	outcomes := make([]Outcome, len(contracts))
	gate := semaphore.NewWeighted(int64(maxParallel))
	var wg sync.WaitGroup

	for i, contract := range contracts {
		// 准入闸门：超过并发上限的提交在此挂起，直到有名额释放。
		if err := gate.Acquire(ctx, 1); err != nil {
			for j := i; j < len(contracts); j++ {
				outcomes[j] = Outcome{
					ContractName: contracts[j].Name,
					Status:       OutcomeFailed,
					Error:        xerrors.Wrap(xerrors.CodeCancelled, err, "部署在排队时被取消").Error(),
				}
			}
			break
		}
		wg.Add(1)
		go func(idx int, c CompiledContract) {
			defer wg.Done()
			defer gate.Release(1)
			outcomes[idx] = e.submitter.Submit(ctx, c, network)
			e.logger.Debug("合约提交结束",
				slog.String("contract", c.Name),
				slog.String("network", network),
				slog.String("status", string(outcomes[idx].Status)),
			)
		}(i, contract)
	}
	wg.Wait()

	// 汇合点检查取消请求。
	if err := context.Cause(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "批量部署被取消")
	}

	result := &BatchResult{
		TotalTime:   time.Since(started),
		Deployments: outcomes,
	}
	for _, outcome := range outcomes {
		if outcome.Status == OutcomeSuccess {
			result.SuccessCount++
		} else {
			result.FailedCount++
		}
	}

	logger.Audit().Info("批量部署完成",
		slog.String("network", network),
		slog.Int("total", len(contracts)),
		slog.Int("success", result.SuccessCount),
		slog.Int("failed", result.FailedCount),
		slog.Duration("total_time", result.TotalTime),
	)
	return result, nil
}

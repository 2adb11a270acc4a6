package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

// defaultToolTimeout 是单个工具的默认运行上限。
const defaultToolTimeout = 300 * time.Second

// Aggregator 并发运行一组分析工具并汇总为一份审计结论。
// 工具按注册顺序合并结果，保证输出对测试可确定。
type Aggregator struct {
	analyzers   []Analyzer
	toolTimeout time.Duration
	logger      *slog.Logger
}

// AggregatorOption 定义可选配置。
type AggregatorOption func(*Aggregator)

// WithToolTimeout 覆盖单个工具的超时时间。
func WithToolTimeout(timeout time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if timeout > 0 {
			a.toolTimeout = timeout
		}
	}
}

// WithAggregatorLogger 指定日志输出。
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// NewAggregator 构造 Aggregator。analyzers 的顺序即结果合并顺序。
func NewAggregator(analyzers []Analyzer, opts ...AggregatorOption) *Aggregator {
	agg := &Aggregator{
		analyzers:   analyzers,
		toolTimeout: defaultToolTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(agg)
		}
	}
	if agg.logger == nil {
		agg.logger = logger.Named("audit")
	}
	return agg
}

// Run 对给定合约执行一轮完整审计。
// 单个工具缺失或超时只降级该工具的结果，不会中断其他工具；
// 仅当所有工具都无法运行时返回错误。
func (a *Aggregator) Run(ctx context.Context, input Input) (Verdict, error) {
	if len(a.analyzers) == 0 {
		return Verdict{}, xerrors.New(CodeAuditFailed, "未配置任何分析工具")
	}

	cleanup, err := a.materialize(&input)
	if err != nil {
		return Verdict{}, err
	}
	defer cleanup()

	reports := make([]Report, len(a.analyzers))
	var wg sync.WaitGroup
	for i, analyzer := range a.analyzers {
		wg.Add(1)
		go func(idx int, an Analyzer) {
			defer wg.Done()
			toolCtx, cancel := context.WithTimeout(ctx, a.toolTimeout)
			defer cancel()
			started := time.Now()
			reports[idx] = an.Analyze(toolCtx, input)
			a.logger.Debug("分析工具运行结束",
				slog.String("tool", an.Name()),
				slog.String("state", string(reports[idx].Status.State)),
				slog.Int("findings", len(reports[idx].Findings)),
				slog.Duration("elapsed", time.Since(started)),
			)
		}(i, analyzer)
	}
	wg.Wait()

	// 汇合点检查取消请求：所有工具已结束，但结论不再继续产出。
	if err := context.Cause(ctx); err != nil {
		return Verdict{}, xerrors.Wrap(xerrors.CodeCancelled, err, "审计在汇总前被取消")
	}

	var findings []Finding
	statuses := make([]ToolStatus, 0, len(reports))
	ran := 0
	for _, report := range reports {
		// 同一问题被多个工具报告时保留多条记录，把工具间共识留给人工复核。
		findings = append(findings, report.Findings...)
		statuses = append(statuses, report.Status)
		if report.Status.State == ToolOK {
			ran++
		}
	}
	if ran == 0 {
		details := make([]string, 0, len(statuses))
		for _, status := range statuses {
			details = append(details, fmt.Sprintf("%s=%s", status.Tool, status.State))
		}
		return Verdict{}, xerrors.New(CodeAuditFailed,
			fmt.Sprintf("所有分析工具均未能运行: %s", strings.Join(details, ", ")))
	}

	return NewVerdict(findings, statuses), nil
}

// materialize 把合约源码写入独立的临时目录，避免并发审计共享文件状态。
func (a *Aggregator) materialize(input *Input) (func(), error) {
	if input.SourcePath != "" || strings.TrimSpace(input.SourceCode) == "" {
		return func() {}, nil
	}
	dir, err := os.MkdirTemp("", "chainforge-audit-*")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "创建审计临时目录失败")
	}
	name := input.ContractName
	if name == "" {
		name = "Contract"
	}
	path := filepath.Join(dir, name+".sol")
	if err := os.WriteFile(path, []byte(input.SourceCode), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "写入审计源码失败")
	}
	input.SourcePath = path
	return func() { _ = os.RemoveAll(dir) }, nil
}

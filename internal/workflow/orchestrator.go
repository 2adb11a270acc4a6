package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ChainForge/internal/audit"
	"ChainForge/internal/compiler"
	"ChainForge/internal/deploy"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/llm"
	"ChainForge/internal/observability/alerting"
	"ChainForge/internal/observability/metrics"
	"ChainForge/internal/registry"
	"ChainForge/internal/testrunner"
	"ChainForge/pkg/logger"
)

// Auditor 定义编排器所需的审计能力。
type Auditor interface {
	Run(ctx context.Context, input audit.Input) (audit.Verdict, error)
}

// Deployer 定义编排器所需的批量部署能力。
type Deployer interface {
	Run(ctx context.Context, contracts []deploy.CompiledContract, network string, maxParallel int) (*deploy.BatchResult, error)
}

// Collaborators 汇总各阶段的执行器。
type Collaborators struct {
	Generator llm.Client
	Compiler  compiler.Compiler
	Auditor   Auditor
	Tester    testrunner.Runner
	Deployer  Deployer
}

// Orchestrator 驱动工作流状态机。阶段顺序固定，每个阶段的超时与
// 重试策略来自阶段目录。
type Orchestrator struct {
	store       Store
	catalog     *registry.Registry
	collab      Collaborators
	sink        Sink
	alerter     alerting.Dispatcher
	logger      *slog.Logger
	maxParallel int

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

// OrchestratorOption 定义可选配置。
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger 指定日志输出。
func WithOrchestratorLogger(log *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = log
	}
}

// WithSink 配置阶段转换事件接收器。
func WithSink(sink Sink) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.alerter = dispatcher
	}
}

// WithMaxParallelDeployments 设置批量部署的并发上限。
func WithMaxParallelDeployments(limit int) OrchestratorOption {
	return func(o *Orchestrator) {
		if limit > 0 {
			o.maxParallel = limit
		}
	}
}

// NewOrchestrator 构造编排器。
func NewOrchestrator(store Store, catalog *registry.Registry, collab Collaborators, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		catalog: catalog,
		collab:  collab,
		cancels: make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

type stageStep struct {
	stage Stage
	agent string
	skip  func(*Workflow) bool
	run   func(ctx context.Context, wf *Workflow) error
}

// Run 驱动一个已领取的工作流走完全部阶段，返回非 nil 表示工作流
// 以失败终态结束。终态总会被持久化。
func (o *Orchestrator) Run(ctx context.Context, wf *Workflow) error {
	if o.store == nil || wf == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.track(wf.ID, cancel)
	defer o.untrack(wf.ID)

	if wf.CancelRequested {
		return o.fail(ctx, wf, xerrors.New(xerrors.CodeCancelled, "工作流在执行前被取消"))
	}

	steps := []stageStep{
		{stage: StageGenerating, agent: "generator", run: o.runGenerate},
		{stage: StageCompiling, agent: "compiler", run: o.runCompile},
		{stage: StageAuditing, agent: "auditor", skip: func(wf *Workflow) bool { return wf.SkipAudit }, run: o.runAudit},
		{stage: StageTesting, agent: "tester", run: o.runTest},
		{stage: StageDeploying, agent: "deployer", skip: func(wf *Workflow) bool { return wf.SkipDeploy }, run: o.runDeploy},
	}

	for _, step := range steps {
		if err := o.checkCancelled(runCtx, wf); err != nil {
			return o.fail(ctx, wf, err)
		}
		if step.skip != nil && step.skip(wf) {
			recordSkippedStage(wf, step.stage)
			if err := o.save(ctx, wf); err != nil {
				return o.fail(ctx, wf, err)
			}
			o.logDebug("跳过阶段",
				slog.String("workflow_id", wf.ID),
				slog.String("stage", string(step.stage)))
			continue
		}
		if err := o.enterStage(ctx, wf, step.stage); err != nil {
			return o.fail(ctx, wf, err)
		}
		if err := o.runStage(runCtx, wf, step); err != nil {
			return o.fail(ctx, wf, err)
		}
		if err := o.save(ctx, wf); err != nil {
			return o.fail(ctx, wf, err)
		}
	}
	return o.complete(ctx, wf)
}

// recordSkippedStage 把被跳过的阶段写入工作流元数据，供查询方区分
// "未执行" 与 "执行通过"。
func recordSkippedStage(wf *Workflow, stage Stage) {
	if wf.Metadata == nil {
		wf.Metadata = make(map[string]any)
	}
	skipped, _ := wf.Metadata["skipped_stages"].([]string)
	for _, existing := range skipped {
		if existing == string(stage) {
			return
		}
	}
	wf.Metadata["skipped_stages"] = append(skipped, string(stage))
}

// Cancel 取消正在执行的工作流。返回 false 表示该工作流不在本进程内执行。
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel(xerrors.New(xerrors.CodeCancelled, "收到取消请求"))
	return true
}

func (o *Orchestrator) track(id string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	o.cancels[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.cancels, id)
	o.mu.Unlock()
}

// checkCancelled 在阶段边界检查取消。其他进程通过存储层传递取消标记，
// 本进程则通过 context cause。
func (o *Orchestrator) checkCancelled(runCtx context.Context, wf *Workflow) error {
	if cause := context.Cause(runCtx); cause != nil {
		return cancellationError(cause)
	}
	stored, err := o.store.Get(runCtx, wf.ID)
	if err == nil && stored.CancelRequested {
		wf.CancelRequested = true
		return xerrors.New(xerrors.CodeCancelled, "工作流被请求取消")
	}
	return nil
}

func (o *Orchestrator) enterStage(ctx context.Context, wf *Workflow, stage Stage) error {
	from := wf.Stage
	wf.Stage = stage
	if progress := ProgressOf(stage); progress > wf.Progress {
		wf.Progress = progress
	}
	if err := o.save(ctx, wf); err != nil {
		return err
	}
	o.emit(ctx, Event{
		WorkflowID: wf.ID,
		From:       from,
		To:         stage,
		Progress:   wf.Progress,
		OccurredAt: time.Now(),
	})
	return nil
}

func (o *Orchestrator) runStage(runCtx context.Context, wf *Workflow, step stageStep) error {
	var maxRetries int
	var timeout time.Duration
	if o.catalog != nil {
		if def, ok := o.catalog.Get(step.agent); ok {
			maxRetries = def.MaxRetryCount
			timeout = def.Timeout()
		}
	}

	for attempt := 0; ; attempt++ {
		attemptCtx := runCtx
		var cancelAttempt context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(runCtx, timeout)
		}
		start := time.Now()
		err := step.run(attemptCtx, wf)
		if cancelAttempt != nil {
			cancelAttempt()
		}
		duration := time.Since(start)

		if err == nil {
			metrics.ObserveStage(string(step.stage), "success", duration)
			return nil
		}
		metrics.ObserveStage(string(step.stage), "failure", duration)

		if cause := context.Cause(runCtx); cause != nil {
			return cancellationError(cause)
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err,
				fmt.Sprintf("阶段 %s 超过 %s 未完成", step.stage, timeout))
		}

		retryable := xerrors.RetryableError(err)
		if !retryable || attempt >= maxRetries {
			if retryable {
				err = xerrors.Wrap(xerrors.CodeRetriesExhausted, err,
					fmt.Sprintf("阶段 %s 重试 %d 次后仍然失败", step.stage, attempt))
			}
			return err
		}

		if wf.RetryCounts == nil {
			wf.RetryCounts = make(map[Stage]int)
		}
		wf.RetryCounts[step.stage]++
		metrics.ObserveRetry(string(step.stage))
		logger.L().Warn("阶段执行失败，准备重试",
			slog.String("workflow_id", wf.ID),
			slog.String("stage", string(step.stage)),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", maxRetries),
			slog.Any("error", err),
		)
		o.emit(runCtx, Event{
			WorkflowID: wf.ID,
			From:       step.stage,
			To:         step.stage,
			Progress:   wf.Progress,
			Attempt:    wf.RetryCounts[step.stage],
			ErrorCode:  string(xerrors.CodeOf(err)),
			Error:      err.Error(),
			OccurredAt: time.Now(),
		})
		if saveErr := o.save(runCtx, wf); saveErr != nil {
			return saveErr
		}
	}
}

func (o *Orchestrator) runGenerate(ctx context.Context, wf *Workflow) error {
	if o.collab.Generator == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置合约生成器")
	}
	resp, err := o.collab.Generator.Generate(ctx, llm.Request{
		Description:  wf.Description,
		ContractType: wf.ContractType,
		Network:      wf.Network,
	})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "生成合约源码失败")
		}
		return err
	}
	wf.Artifacts.ContractName = resp.ContractName
	wf.Artifacts.SourceCode = resp.SourceCode
	wf.Artifacts.Notes = resp.Notes
	return nil
}

func (o *Orchestrator) runCompile(ctx context.Context, wf *Workflow) error {
	if o.collab.Compiler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置编译器")
	}
	artifacts, err := o.collab.Compiler.Compile(ctx, wf.Artifacts.ContractName, wf.Artifacts.SourceCode)
	if err != nil {
		return err
	}
	compiled := make([]CompiledArtifact, 0, len(artifacts))
	for _, artifact := range artifacts {
		compiled = append(compiled, CompiledArtifact{
			Name:     artifact.Name,
			ABI:      artifact.ABI,
			Bytecode: artifact.Bytecode,
		})
	}
	wf.Artifacts.Contracts = compiled
	return nil
}

func (o *Orchestrator) runAudit(ctx context.Context, wf *Workflow) error {
	if o.collab.Auditor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置审计聚合器")
	}
	verdict, err := o.collab.Auditor.Run(ctx, audit.Input{
		ContractName: wf.Artifacts.ContractName,
		SourceCode:   wf.Artifacts.SourceCode,
		Bytecode:     primaryBytecode(wf),
	})
	if err != nil {
		return err
	}
	score := verdict.RiskScore
	wf.Artifacts.RiskScore = &score
	wf.Artifacts.AuditStatus = verdict.Status
	wf.Artifacts.FindingCount = len(verdict.Findings)
	metrics.ObserveAuditVerdict(verdict.Status)
	if verdict.Status == audit.StatusFailed {
		return xerrors.New(CodeAuditRejected,
			fmt.Sprintf("风险评分 %d 达到阈值 %d", verdict.RiskScore, audit.PassThreshold))
	}
	return nil
}

func (o *Orchestrator) runTest(ctx context.Context, wf *Workflow) error {
	if o.collab.Tester == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置测试执行器")
	}
	result, err := o.collab.Tester.Run(ctx, wf.Artifacts.ContractName, wf.Artifacts.SourceCode)
	if err != nil {
		return err
	}
	wf.Artifacts.TestsTotal = result.Total
	wf.Artifacts.TestsPassed = result.Passed
	wf.Artifacts.TestsFailed = result.Failed
	if result.Failed > 0 {
		return xerrors.New(CodeTestsFailed,
			fmt.Sprintf("%d/%d 个测试用例未通过", result.Failed, result.Total))
	}
	return nil
}

func (o *Orchestrator) runDeploy(ctx context.Context, wf *Workflow) error {
	if o.collab.Deployer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置部署引擎")
	}
	if len(wf.Artifacts.Contracts) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "没有可部署的编译产物")
	}
	contracts := make([]deploy.CompiledContract, 0, len(wf.Artifacts.Contracts))
	for _, artifact := range wf.Artifacts.Contracts {
		contracts = append(contracts, deploy.CompiledContract{
			Name:     artifact.Name,
			ABI:      artifact.ABI,
			Bytecode: artifact.Bytecode,
		})
	}
	result, err := o.collab.Deployer.Run(ctx, contracts, wf.Network, o.maxParallel)
	if err != nil {
		return err
	}
	wf.Artifacts.Deployments = result.Deployments
	for _, outcome := range result.Deployments {
		if outcome.Status != deploy.OutcomeSuccess {
			continue
		}
		if wf.Artifacts.Address == "" || outcome.ContractName == wf.Artifacts.ContractName {
			wf.Artifacts.Address = outcome.Address
			wf.Artifacts.TxHash = outcome.TxHash
			wf.Artifacts.BlockNumber = outcome.BlockNumber
			wf.Artifacts.GasUsed = outcome.GasUsed
		}
	}
	if result.SuccessCount == 0 {
		return xerrors.New(deploy.CodeBatchAllFailed,
			fmt.Sprintf("%d 个合约全部部署失败", result.FailedCount))
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, wf *Workflow) error {
	from := wf.Stage
	wf.Stage = StageCompleted
	wf.Progress = ProgressOf(StageCompleted)
	wf.LastError = ""
	wf.ErrorCode = ""
	if err := o.save(ctx, wf); err != nil {
		return err
	}
	o.emit(ctx, Event{
		WorkflowID: wf.ID,
		From:       from,
		To:         StageCompleted,
		Progress:   wf.Progress,
		OccurredAt: time.Now(),
	})
	logger.Audit().Info("工作流执行完成",
		slog.String("workflow_id", wf.ID),
		slog.String("network", wf.Network),
		slog.String("contract", wf.Artifacts.ContractName),
		slog.String("address", wf.Artifacts.Address),
	)
	return nil
}

// fail 将工作流写入失败终态。终态写入使用不可取消的上下文，
// 保证取消场景下的状态也能落盘。
func (o *Orchestrator) fail(ctx context.Context, wf *Workflow, cause error) error {
	from := wf.Stage
	code := xerrors.CodeOf(cause)
	wf.Stage = StageFailed
	wf.LastError = cause.Error()
	wf.ErrorCode = string(code)

	persistCtx := context.WithoutCancel(ctx)
	if err := o.save(persistCtx, wf); err != nil {
		logger.L().Error("持久化失败终态出错",
			slog.Any("error", err),
			slog.String("workflow_id", wf.ID))
	}
	o.emit(persistCtx, Event{
		WorkflowID: wf.ID,
		From:       from,
		To:         StageFailed,
		Progress:   wf.Progress,
		ErrorCode:  string(code),
		Error:      cause.Error(),
		OccurredAt: time.Now(),
	})
	logger.Audit().Warn("工作流执行失败",
		slog.String("workflow_id", wf.ID),
		slog.String("failed_stage", string(from)),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
	)
	o.emitAlert(persistCtx, wf, from, code, cause)
	return cause
}

func (o *Orchestrator) save(ctx context.Context, wf *Workflow) error {
	return o.store.Save(ctx, wf)
}

func (o *Orchestrator) emit(ctx context.Context, event Event) {
	if o.sink != nil {
		o.sink.Emit(ctx, event)
	}
}

func (o *Orchestrator) emitAlert(ctx context.Context, wf *Workflow, stage Stage, code xerrors.Code, cause error) {
	if o.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		WorkflowID: wf.ID,
		Stage:      string(stage),
		Attempts:   wf.RetryCounts[stage],
		Metadata: map[string]string{
			"network": wf.Network,
		},
		OccurredAt: time.Now(),
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("workflow_id", wf.ID),
			slog.String("stage", string(stage)),
		)
	}
}

func (o *Orchestrator) logDebug(msg string, attrs ...slog.Attr) {
	if o.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		o.logger.Debug(msg, args...)
	}
}

func primaryBytecode(wf *Workflow) string {
	for _, artifact := range wf.Artifacts.Contracts {
		if artifact.Name == wf.Artifacts.ContractName {
			return artifact.Bytecode
		}
	}
	if len(wf.Artifacts.Contracts) > 0 {
		return wf.Artifacts.Contracts[0].Bytecode
	}
	return ""
}

func cancellationError(cause error) error {
	if xerrors.IsCancellation(cause) {
		return cause
	}
	return xerrors.Wrap(xerrors.CodeCancelled, cause, "工作流被取消")
}

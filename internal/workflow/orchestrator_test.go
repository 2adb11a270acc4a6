package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChainForge/internal/audit"
	"ChainForge/internal/compiler"
	"ChainForge/internal/deploy"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/llm"
	"ChainForge/internal/registry"
	"ChainForge/internal/testrunner"
)

type fakeGenerator struct {
	calls     atomic.Int32
	failFirst int32
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	n := f.calls.Add(1)
	if n <= f.failFirst {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("模型第 %d 次调用失败", n))
	}
	return &llm.Response{
		ContractName: "Token",
		SourceCode:   "pragma solidity ^0.8.0; contract Token {}",
	}, nil
}

type fakeCompiler struct {
	calls atomic.Int32
}

func (f *fakeCompiler) Compile(_ context.Context, contractName, _ string) ([]compiler.Artifact, error) {
	f.calls.Add(1)
	return []compiler.Artifact{
		{Name: contractName, ABI: "[]", Bytecode: "6080"},
	}, nil
}

type fakeAuditor struct {
	calls   atomic.Int32
	verdict audit.Verdict
	block   bool
}

func (f *fakeAuditor) Run(ctx context.Context, _ audit.Input) (audit.Verdict, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return audit.Verdict{}, ctx.Err()
	}
	return f.verdict, nil
}

type fakeTester struct {
	calls  atomic.Int32
	result testrunner.Result
}

func (f *fakeTester) Run(_ context.Context, _, _ string) (*testrunner.Result, error) {
	f.calls.Add(1)
	result := f.result
	return &result, nil
}

type fakeDeployer struct {
	calls  atomic.Int32
	result deploy.BatchResult
}

func (f *fakeDeployer) Run(_ context.Context, contracts []deploy.CompiledContract, _ string, _ int) (*deploy.BatchResult, error) {
	f.calls.Add(1)
	if len(f.result.Deployments) == 0 {
		result := deploy.BatchResult{SuccessCount: len(contracts)}
		for _, contract := range contracts {
			result.Deployments = append(result.Deployments, deploy.Outcome{
				ContractName: contract.Name,
				Status:       deploy.OutcomeSuccess,
				Address:      "0xabc",
				TxHash:       "0xdef",
				BlockNumber:  7,
				GasUsed:      21000,
			})
		}
		return &result, nil
	}
	result := f.result
	return &result, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func passingVerdict() audit.Verdict {
	return audit.Verdict{RiskScore: 0, Status: audit.StatusPassed}
}

func newClaimedWorkflow(t *testing.T, store Store) *Workflow {
	t.Helper()
	ctx := context.Background()
	wf := &Workflow{
		ID:          "wf-1",
		Description: "一个简单的代币合约",
		Network:     "devnet",
	}
	if err := store.Create(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	claimed, err := store.Claim(ctx, wf.ID)
	if err != nil {
		t.Fatalf("claim workflow: %v", err)
	}
	return claimed
}

func TestOrchestratorHappyPath(t *testing.T) {
	store := NewMemoryStore()
	sink := &recordingSink{}
	auditor := &fakeAuditor{verdict: passingVerdict()}
	tester := &fakeTester{result: testrunner.Result{Total: 3, Passed: 3}}
	deployer := &fakeDeployer{}

	orchestrator := NewOrchestrator(store, registry.NewBuiltin(), Collaborators{
		Generator: &fakeGenerator{},
		Compiler:  &fakeCompiler{},
		Auditor:   auditor,
		Tester:    tester,
		Deployer:  deployer,
	}, WithSink(sink))

	wf := newClaimedWorkflow(t, store)
	if err := orchestrator.Run(context.Background(), wf); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	stored, err := store.Get(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if stored.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s", stored.Stage)
	}
	if stored.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", stored.Progress)
	}
	if stored.Artifacts.ContractName != "Token" {
		t.Fatalf("unexpected contract name: %s", stored.Artifacts.ContractName)
	}
	if stored.Artifacts.Address != "0xabc" || stored.Artifacts.BlockNumber != 7 {
		t.Fatalf("deployment artifacts not recorded: %+v", stored.Artifacts)
	}
	if stored.Artifacts.RiskScore == nil || *stored.Artifacts.RiskScore != 0 {
		t.Fatalf("risk score not recorded: %+v", stored.Artifacts.RiskScore)
	}
	if stored.Artifacts.TestsPassed != 3 {
		t.Fatalf("test results not recorded: %+v", stored.Artifacts)
	}

	// 进度只增不减。
	progress := 0
	for _, event := range sink.snapshot() {
		if event.Progress < progress {
			t.Fatalf("progress went backwards: %d -> %d", progress, event.Progress)
		}
		progress = event.Progress
	}
}

func TestOrchestratorRetriesThenSucceeds(t *testing.T) {
	store := NewMemoryStore()
	generator := &fakeGenerator{failFirst: 2}

	orchestrator := NewOrchestrator(store, registry.NewBuiltin(), Collaborators{
		Generator: generator,
		Compiler:  &fakeCompiler{},
		Auditor:   &fakeAuditor{verdict: passingVerdict()},
		Tester:    &fakeTester{result: testrunner.Result{Total: 1, Passed: 1}},
		Deployer:  &fakeDeployer{},
	})

	wf := newClaimedWorkflow(t, store)
	if err := orchestrator.Run(context.Background(), wf); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := generator.calls.Load(); got != 3 {
		t.Fatalf("expected 3 generator calls, got %d", got)
	}
	stored, _ := store.Get(context.Background(), wf.ID)
	if stored.RetryCounts[StageGenerating] != 2 {
		t.Fatalf("unexpected retry counts: %+v", stored.RetryCounts)
	}
	if stored.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s", stored.Stage)
	}
}

func TestOrchestratorRetriesExhausted(t *testing.T) {
	store := NewMemoryStore()
	// 内置目录给 generator 两次重试额度，共三次尝试。
	generator := &fakeGenerator{failFirst: 10}

	orchestrator := NewOrchestrator(store, registry.NewBuiltin(), Collaborators{
		Generator: generator,
		Compiler:  &fakeCompiler{},
		Auditor:   &fakeAuditor{verdict: passingVerdict()},
		Tester:    &fakeTester{},
		Deployer:  &fakeDeployer{},
	})

	wf := newClaimedWorkflow(t, store)
	err := orchestrator.Run(context.Background(), wf)
	if err == nil {
		t.Fatalf("expected terminal failure")
	}
	if xerrors.CodeOf(err) != xerrors.CodeRetriesExhausted {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}
	if got := generator.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}

	stored, _ := store.Get(context.Background(), wf.ID)
	if stored.Stage != StageFailed {
		t.Fatalf("expected failed, got %s", stored.Stage)
	}
	if stored.ErrorCode != string(xerrors.CodeRetriesExhausted) {
		t.Fatalf("unexpected error code: %s", stored.ErrorCode)
	}
	if stored.LastError == "" {
		t.Fatalf("last error should carry the cause")
	}
}

func TestOrchestratorCancellationDuringAudit(t *testing.T) {
	store := NewMemoryStore()
	auditor := &fakeAuditor{block: true}

	orchestrator := NewOrchestrator(store, registry.NewBuiltin(), Collaborators{
		Generator: &fakeGenerator{},
		Compiler:  &fakeCompiler{},
		Auditor:   auditor,
		Tester:    &fakeTester{},
		Deployer:  &fakeDeployer{},
	})

	wf := newClaimedWorkflow(t, store)

	done := make(chan error, 1)
	go func() {
		done <- orchestrator.Run(context.Background(), wf)
	}()

	deadline := time.After(5 * time.Second)
	for auditor.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("auditor never started")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !orchestrator.Cancel(wf.ID) {
		t.Fatalf("expected in-flight workflow to be cancellable")
	}

	select {
	case err := <-done:
		if !xerrors.IsCancellation(err) {
			t.Fatalf("expected cancellation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	stored, _ := store.Get(context.Background(), wf.ID)
	if stored.Stage != StageFailed {
		t.Fatalf("expected failed, got %s", stored.Stage)
	}
	if stored.ErrorCode != string(xerrors.CodeCancelled) {
		t.Fatalf("unexpected error code: %s", stored.ErrorCode)
	}
}

func TestOrchestratorSkipsFlaggedStages(t *testing.T) {
	store := NewMemoryStore()
	auditor := &fakeAuditor{verdict: passingVerdict()}
	deployer := &fakeDeployer{}

	orchestrator := NewOrchestrator(store, registry.NewBuiltin(), Collaborators{
		Generator: &fakeGenerator{},
		Compiler:  &fakeCompiler{},
		Auditor:   auditor,
		Tester:    &fakeTester{result: testrunner.Result{Total: 1, Passed: 1}},
		Deployer:  deployer,
	})

	ctx := context.Background()
	wf := &Workflow{
		ID:          "wf-skip",
		Description: "跳过审计与部署",
		SkipAudit:   true,
		SkipDeploy:  true,
	}
	if err := store.Create(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	claimed, err := store.Claim(ctx, wf.ID)
	if err != nil {
		t.Fatalf("claim workflow: %v", err)
	}

	if err := orchestrator.Run(ctx, claimed); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if auditor.calls.Load() != 0 {
		t.Fatalf("auditor should not run when skipped")
	}
	if deployer.calls.Load() != 0 {
		t.Fatalf("deployer should not run when skipped")
	}
	stored, _ := store.Get(ctx, wf.ID)
	if stored.Stage != StageCompleted {
		t.Fatalf("expected completed, got %s", stored.Stage)
	}
	skipped, _ := stored.Metadata["skipped_stages"].([]string)
	if len(skipped) != 2 || skipped[0] != string(StageAuditing) || skipped[1] != string(StageDeploying) {
		t.Fatalf("跳过的阶段未记录到元数据: %v", stored.Metadata)
	}
}

func TestOrchestratorAuditRejection(t *testing.T) {
	store := NewMemoryStore()
	auditor := &fakeAuditor{verdict: audit.Verdict{RiskScore: 75, Status: audit.StatusFailed}}
	tester := &fakeTester{}

	orchestrator := NewOrchestrator(store, registry.NewBuiltin(), Collaborators{
		Generator: &fakeGenerator{},
		Compiler:  &fakeCompiler{},
		Auditor:   auditor,
		Tester:    tester,
		Deployer:  &fakeDeployer{},
	})

	wf := newClaimedWorkflow(t, store)
	err := orchestrator.Run(context.Background(), wf)
	if err == nil {
		t.Fatalf("expected audit rejection")
	}
	if xerrors.CodeOf(err) != CodeAuditRejected {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}
	if tester.calls.Load() != 0 {
		t.Fatalf("tester should not run after audit rejection")
	}

	stored, _ := store.Get(context.Background(), wf.ID)
	if stored.Stage != StageFailed {
		t.Fatalf("expected failed, got %s", stored.Stage)
	}
	if stored.Artifacts.RiskScore == nil || *stored.Artifacts.RiskScore != 75 {
		t.Fatalf("risk score should be recorded: %+v", stored.Artifacts.RiskScore)
	}
}

func TestOrchestratorTestFailureIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	tester := &fakeTester{result: testrunner.Result{Total: 4, Passed: 2, Failed: 2}}
	deployer := &fakeDeployer{}

	orchestrator := NewOrchestrator(store, registry.NewBuiltin(), Collaborators{
		Generator: &fakeGenerator{},
		Compiler:  &fakeCompiler{},
		Auditor:   &fakeAuditor{verdict: passingVerdict()},
		Tester:    tester,
		Deployer:  deployer,
	})

	wf := newClaimedWorkflow(t, store)
	err := orchestrator.Run(context.Background(), wf)
	if xerrors.CodeOf(err) != CodeTestsFailed {
		t.Fatalf("unexpected error: %v", err)
	}
	// 测试断言失败是确定性的，不应该按重试处理。
	if tester.calls.Load() != 1 {
		t.Fatalf("expected a single test run, got %d", tester.calls.Load())
	}
	if deployer.calls.Load() != 0 {
		t.Fatalf("deployer should not run after failing tests")
	}
}

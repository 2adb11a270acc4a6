package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
)

type fakeSubmitter struct {
	latency time.Duration
	failFor map[string]bool

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	submitted   atomic.Int32
}

func (f *fakeSubmitter) Submit(ctx context.Context, contract CompiledContract, _ string) Outcome {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		observed := f.maxInFlight.Load()
		if current <= observed || f.maxInFlight.CompareAndSwap(observed, current) {
			break
		}
	}
	f.submitted.Add(1)

	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return Outcome{
				ContractName: contract.Name,
				Status:       OutcomeFailed,
				Error:        ctx.Err().Error(),
			}
		}
	}
	if f.failFor[contract.Name] {
		return Outcome{
			ContractName: contract.Name,
			Status:       OutcomeFailed,
			Error:        "insufficient funds",
		}
	}
	return Outcome{
		ContractName: contract.Name,
		Status:       OutcomeSuccess,
		Address:      "0x" + contract.Name,
		TxHash:       "0xtx-" + contract.Name,
		BlockNumber:  1,
		GasUsed:      21000,
	}
}

func makeContracts(n int) []CompiledContract {
	contracts := make([]CompiledContract, 0, n)
	for i := 0; i < n; i++ {
		contracts = append(contracts, CompiledContract{
			Name:     fmt.Sprintf("Contract%d", i),
			ABI:      "[]",
			Bytecode: "6080",
		})
	}
	return contracts
}

func TestEngineRespectsParallelLimit(t *testing.T) {
	submitter := &fakeSubmitter{latency: 30 * time.Millisecond}
	engine := NewEngine(submitter)

	result, err := engine.Run(context.Background(), makeContracts(10), "devnet", 3)
	if err != nil {
		t.Fatalf("批量部署失败: %v", err)
	}
	if result.SuccessCount != 10 {
		t.Fatalf("expected 10 successes, got %d", result.SuccessCount)
	}
	if peak := submitter.maxInFlight.Load(); peak > 3 {
		t.Fatalf("parallel limit exceeded: %d in flight", peak)
	}
	if submitter.submitted.Load() != 10 {
		t.Fatalf("expected 10 submissions, got %d", submitter.submitted.Load())
	}
}

func TestEnginePreservesInputOrder(t *testing.T) {
	submitter := &fakeSubmitter{latency: 5 * time.Millisecond}
	engine := NewEngine(submitter)
	contracts := makeContracts(6)

	result, err := engine.Run(context.Background(), contracts, "devnet", 2)
	if err != nil {
		t.Fatalf("批量部署失败: %v", err)
	}
	if len(result.Deployments) != len(contracts) {
		t.Fatalf("expected %d outcomes, got %d", len(contracts), len(result.Deployments))
	}
	for i, outcome := range result.Deployments {
		if outcome.ContractName != contracts[i].Name {
			t.Fatalf("outcome %d out of order: %s", i, outcome.ContractName)
		}
	}
}

func TestEnginePartialFailure(t *testing.T) {
	submitter := &fakeSubmitter{
		failFor: map[string]bool{"Contract1": true, "Contract3": true},
	}
	engine := NewEngine(submitter)
	contracts := makeContracts(5)

	result, err := engine.Run(context.Background(), contracts, "devnet", 5)
	if err != nil {
		t.Fatalf("单个合约失败不应让整批报错: %v", err)
	}
	if result.SuccessCount != 3 || result.FailedCount != 2 {
		t.Fatalf("unexpected counts: success=%d failed=%d", result.SuccessCount, result.FailedCount)
	}
	if result.SuccessCount+result.FailedCount != len(contracts) {
		t.Fatalf("counts must cover every contract")
	}
	if result.Deployments[1].Status != OutcomeFailed || result.Deployments[1].Error == "" {
		t.Fatalf("failed outcome should carry the error: %+v", result.Deployments[1])
	}
	if result.Deployments[0].Status != OutcomeSuccess {
		t.Fatalf("unexpected outcome: %+v", result.Deployments[0])
	}
}

func TestEngineEmptyBatch(t *testing.T) {
	engine := NewEngine(&fakeSubmitter{})
	result, err := engine.Run(context.Background(), nil, "devnet", 2)
	if err != nil {
		t.Fatalf("空批次不应报错: %v", err)
	}
	if result.SuccessCount != 0 || result.FailedCount != 0 || len(result.Deployments) != 0 {
		t.Fatalf("unexpected result for empty batch: %+v", result)
	}
}

func TestEngineRecordsTotalTime(t *testing.T) {
	submitter := &fakeSubmitter{latency: 20 * time.Millisecond}
	engine := NewEngine(submitter)

	// 并发上限为 1 时总耗时近似各合约耗时之和。
	result, err := engine.Run(context.Background(), makeContracts(3), "devnet", 1)
	if err != nil {
		t.Fatalf("批量部署失败: %v", err)
	}
	if result.TotalTime < 60*time.Millisecond {
		t.Fatalf("total time should cover serialized submissions, got %s", result.TotalTime)
	}
}

func TestEngineCancellation(t *testing.T) {
	submitter := &fakeSubmitter{latency: 5 * time.Second}
	engine := NewEngine(submitter)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := engine.Run(ctx, makeContracts(4), "devnet", 1)
	if !xerrors.IsCancellation(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeCancelled {
		t.Fatalf("unexpected error code: %s", code)
	}
	if !strings.Contains(err.Error(), "取消") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestEngineUninitialized(t *testing.T) {
	var engine *Engine
	if _, err := engine.Run(context.Background(), makeContracts(1), "devnet", 1); err == nil {
		t.Fatalf("expected error from nil engine")
	}
}

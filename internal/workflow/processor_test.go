package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
)

type fakeRunner struct {
	processed atomic.Int32
	latency   time.Duration
	store     Store
}

func (r *fakeRunner) Run(ctx context.Context, wf *Workflow) error {
	if r.latency > 0 {
		select {
		case <-time.After(r.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wf.Stage = StageCompleted
	wf.Progress = ProgressOf(StageCompleted)
	if err := r.store.Save(ctx, wf); err != nil {
		return err
	}
	r.processed.Add(1)
	return nil
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return stdErrors.New("broker unreachable")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4))
	if _, err := service.Submit(context.Background(), SubmitRequest{Description: "   "}); xerrors.CodeOf(err) != CodeWorkflowValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestServiceSubmitIdempotent(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4))
	ctx := context.Background()

	first, err := service.Submit(ctx, SubmitRequest{ID: "wf-same", Description: "erc721 藏品合约"})
	if err != nil {
		t.Fatalf("提交工作流失败: %v", err)
	}
	second, err := service.Submit(ctx, SubmitRequest{ID: "wf-same", Description: "换一个描述"})
	if err != nil {
		t.Fatalf("重复提交失败: %v", err)
	}
	if second.ID != first.ID || second.Description != first.Description {
		t.Fatalf("resubmit should return the original workflow: %+v", second)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{})
	ctx := context.Background()

	_, err := service.Submit(ctx, SubmitRequest{ID: "wf-pub", Description: "发布失败场景"})
	if xerrors.CodeOf(err) != CodeWorkflowPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	stored, getErr := store.Get(ctx, "wf-pub")
	if getErr != nil {
		t.Fatalf("获取工作流失败: %v", getErr)
	}
	if stored.Stage != StageFailed || stored.ErrorCode != string(CodeWorkflowPublish) {
		t.Fatalf("publish failure should be persisted: %+v", stored)
	}
}

func TestServiceCancelQueuedWorkflow(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4))
	ctx := context.Background()

	wf, err := service.Submit(ctx, SubmitRequest{Description: "待取消的工作流"})
	if err != nil {
		t.Fatalf("提交工作流失败: %v", err)
	}
	if err := service.Cancel(ctx, wf.ID); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	stored, _ := store.Get(ctx, wf.ID)
	if !stored.CancelRequested {
		t.Fatalf("expected cancel flag to be set")
	}
}

func TestProcessorHandlesConcurrentWorkflows(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	runner := &fakeRunner{latency: 20 * time.Millisecond, store: store}
	processor := NewProcessor(runner, store, queue, WithWorkerCount(4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := processor.Start(ctx); err != nil && !stdErrors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	service := NewService(store, queue)
	const total = 8
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{
			ID:          fmt.Sprintf("wf-batch-%d", i),
			Description: fmt.Sprintf("批次合约 %d", i),
		}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for runner.processed.Load() < total {
		select {
		case <-deadline:
			t.Fatalf("processed %d of %d workflows before timeout", runner.processed.Load(), total)
		case <-time.After(10 * time.Millisecond):
		}
	}

	stats, err := store.Stats(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Completed != total {
		t.Fatalf("expected %d completed workflows, got %d", total, stats.Completed)
	}
}

func TestProcessorSkipsAlreadyClaimedWorkflow(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	runner := &fakeRunner{store: store}
	processor := NewProcessor(runner, store, queue, WithWorkerCount(1))

	ctx := context.Background()
	wf := &Workflow{ID: "wf-claimed", Description: "已被其他进程领取"}
	if err := store.Create(ctx, wf); err != nil {
		t.Fatalf("创建工作流失败: %v", err)
	}
	if _, err := store.Claim(ctx, wf.ID); err != nil {
		t.Fatalf("领取工作流失败: %v", err)
	}

	// 重复投递时 Claim 返回冲突，消息应被消费而非重试。
	if err := processor.handle(ctx, wf.ID); err != nil {
		t.Fatalf("handle should swallow claim conflicts, got %v", err)
	}
	if runner.processed.Load() != 0 {
		t.Fatalf("runner should not run for a claimed workflow")
	}
}

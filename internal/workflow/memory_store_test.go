package workflow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
)

func mustCreate(t *testing.T, store *MemoryStore, wf *Workflow) {
	t.Helper()
	if err := store.Create(context.Background(), wf); err != nil {
		t.Fatalf("创建工作流失败: %v", err)
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	wf := &Workflow{ID: "wf-1", Description: "erc20 代币", Network: "devnet"}
	mustCreate(t, store, wf)

	if err := store.Create(ctx, &Workflow{ID: "wf-1"}); !stdErrors.Is(err, ErrWorkflowConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	stored, err := store.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("获取工作流失败: %v", err)
	}
	if stored.Stage != StageCreated {
		t.Fatalf("expected created stage, got %s", stored.Stage)
	}
	if stored.CreatedAt == 0 || stored.UpdatedAt == 0 {
		t.Fatalf("timestamps not set: %+v", stored)
	}

	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	mustCreate(t, store, &Workflow{ID: "wf-claim"})

	claimed, err := store.Claim(ctx, "wf-claim")
	if err != nil {
		t.Fatalf("领取工作流失败: %v", err)
	}
	if claimed.Stage != StageGenerating {
		t.Fatalf("expected generating after claim, got %s", claimed.Stage)
	}
	if claimed.Progress != ProgressOf(StageGenerating) {
		t.Fatalf("expected progress %d, got %d", ProgressOf(StageGenerating), claimed.Progress)
	}

	// 重复领取应返回冲突。
	if _, err := store.Claim(ctx, "wf-claim"); !stdErrors.Is(err, ErrWorkflowConflict) {
		t.Fatalf("expected conflict on second claim, got %v", err)
	}

	claimed.Stage = StageCompleted
	if err := store.Save(ctx, claimed); err != nil {
		t.Fatalf("保存工作流失败: %v", err)
	}
	if _, err := store.Claim(ctx, "wf-claim"); !stdErrors.Is(err, ErrWorkflowTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
}

func TestMemoryStoreSaveKeepsCancelFlag(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	mustCreate(t, store, &Workflow{ID: "wf-cancel"})
	claimed, err := store.Claim(ctx, "wf-cancel")
	if err != nil {
		t.Fatalf("领取工作流失败: %v", err)
	}

	if err := store.RequestCancel(ctx, "wf-cancel"); err != nil {
		t.Fatalf("请求取消失败: %v", err)
	}

	// 执行方拿着旧快照保存，不能覆盖并发达到的取消标记。
	claimed.Stage = StageCompiling
	if err := store.Save(ctx, claimed); err != nil {
		t.Fatalf("保存工作流失败: %v", err)
	}
	if !claimed.CancelRequested {
		t.Fatalf("save should echo the cancel flag back to the caller")
	}

	stored, _ := store.Get(ctx, "wf-cancel")
	if !stored.CancelRequested {
		t.Fatalf("cancel flag was clobbered by save")
	}
	if stored.Stage != StageCompiling {
		t.Fatalf("expected compiling, got %s", stored.Stage)
	}
}

func TestMemoryStoreRequestCancelTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	mustCreate(t, store, &Workflow{ID: "wf-done", Stage: StageCompleted})
	if err := store.RequestCancel(ctx, "wf-done"); !stdErrors.Is(err, ErrWorkflowTerminal) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if err := store.RequestCancel(ctx, "missing"); !stdErrors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreate(t, store, &Workflow{
			ID:      fmt.Sprintf("wf-dev-%d", i),
			Network: "devnet",
		})
	}
	mustCreate(t, store, &Workflow{ID: "wf-main", Network: "mainnet", Stage: StageFailed})

	// 回拨一条记录的更新时间，验证时间过滤。
	store.mu.Lock()
	store.workflows["wf-dev-0"].UpdatedAt -= 3600
	cutoff := store.workflows["wf-dev-1"].UpdatedAt
	store.mu.Unlock()

	byNetwork, err := store.List(ctx, buildListOptions([]ListOption{WithNetwork("devnet")}))
	if err != nil {
		t.Fatalf("list by network: %v", err)
	}
	if len(byNetwork) != 3 {
		t.Fatalf("expected 3 devnet workflows, got %d", len(byNetwork))
	}

	byStage, err := store.List(ctx, buildListOptions([]ListOption{WithStages(StageFailed)}))
	if err != nil {
		t.Fatalf("list by stage: %v", err)
	}
	if len(byStage) != 1 || byStage[0].ID != "wf-main" {
		t.Fatalf("unexpected stage filter result: %+v", byStage)
	}

	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(time.Unix(cutoff, 0))}))
	if err != nil {
		t.Fatalf("list by updated: %v", err)
	}
	for _, wf := range recent {
		if wf.ID == "wf-dev-0" {
			t.Fatalf("backdated workflow should be filtered out")
		}
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent workflows, got %d", len(recent))
	}

	limited, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(2)}))
	if err != nil {
		t.Fatalf("list with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(limited))
	}
}

func TestMemoryStoreListOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustCreate(t, store, &Workflow{ID: fmt.Sprintf("wf-%d", i)})
	}
	store.mu.Lock()
	store.workflows["wf-0"].UpdatedAt -= 30
	store.workflows["wf-1"].UpdatedAt -= 10
	store.mu.Unlock()

	desc, err := store.List(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if desc[0].ID != "wf-2" || desc[2].ID != "wf-0" {
		t.Fatalf("unexpected descending order: %s, %s, %s", desc[0].ID, desc[1].ID, desc[2].ID)
	}

	asc, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if asc[0].ID != "wf-0" || asc[2].ID != "wf-2" {
		t.Fatalf("unexpected ascending order: %s, %s, %s", asc[0].ID, asc[1].ID, asc[2].ID)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	mustCreate(t, store, &Workflow{ID: "wf-created"})
	mustCreate(t, store, &Workflow{ID: "wf-active", Stage: StageAuditing})
	mustCreate(t, store, &Workflow{ID: "wf-done", Stage: StageCompleted})
	mustCreate(t, store, &Workflow{ID: "wf-failed", Stage: StageFailed, ErrorCode: "EXECUTOR_FAILURE"})
	mustCreate(t, store, &Workflow{
		ID:        "wf-cancelled",
		Stage:     StageFailed,
		ErrorCode: string(xerrors.CodeCancelled),
	})

	stats, err := store.Stats(ctx, buildListOptions(nil))
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.Total != 5 {
		t.Fatalf("expected total 5, got %d", stats.Total)
	}
	if stats.Created != 1 || stats.Active != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Failed != 2 || stats.Cancelled != 1 {
		t.Fatalf("unexpected failure stats: %+v", stats)
	}
	if stats.NewestUpdatedAt == 0 || stats.OldestUpdatedAt == 0 {
		t.Fatalf("updated range not populated: %+v", stats)
	}

	empty, err := store.Stats(ctx, buildListOptions([]ListOption{WithNetwork("nope")}))
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if empty.Total != 0 || empty.NewestUpdatedAt != 0 {
		t.Fatalf("expected empty stats, got %+v", empty)
	}
}

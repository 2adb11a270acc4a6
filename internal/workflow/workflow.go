package workflow

import (
	"ChainForge/internal/deploy"
	xerrors "ChainForge/internal/errors"
)

// Stage 表示工作流在生命周期中的阶段。
type Stage string

const (
	StageCreated    Stage = "created"
	StageGenerating Stage = "generating"
	StageCompiling  Stage = "compiling"
	StageAuditing   Stage = "auditing"
	StageTesting    Stage = "testing"
	StageDeploying  Stage = "deploying"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// IsValidStage 检查给定的阶段是否为支持的枚举值。
func IsValidStage(stage Stage) bool {
	switch stage {
	case StageCreated, StageGenerating, StageCompiling, StageAuditing,
		StageTesting, StageDeploying, StageCompleted, StageFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断阶段是否为终态。
func IsTerminal(stage Stage) bool {
	return stage == StageCompleted || stage == StageFailed
}

// 各阶段进入时的进度百分比。进度只增不减，完成时固定为 100。
var stageProgress = map[Stage]int{
	StageCreated:    0,
	StageGenerating: 10,
	StageCompiling:  30,
	StageAuditing:   50,
	StageTesting:    70,
	StageDeploying:  85,
	StageCompleted:  100,
}

// ProgressOf 返回阶段对应的进度百分比。
func ProgressOf(stage Stage) int {
	if progress, ok := stageProgress[stage]; ok {
		return progress
	}
	return 0
}

// CompiledArtifact 保存编译阶段产出的单个合约。
type CompiledArtifact struct {
	Name     string `json:"name"`
	ABI      string `json:"abi"`
	Bytecode string `json:"bytecode"`
}

// Artifacts 记录工作流各阶段沉淀的产物。
type Artifacts struct {
	ContractName string             `json:"contract_name,omitempty"`
	SourceCode   string             `json:"source_code,omitempty"`
	Notes        string             `json:"notes,omitempty"`
	Contracts    []CompiledArtifact `json:"contracts,omitempty"`
	RiskScore    *int               `json:"risk_score,omitempty"`
	AuditStatus  string             `json:"audit_status,omitempty"`
	FindingCount int                `json:"finding_count,omitempty"`
	TestsTotal   int                `json:"tests_total,omitempty"`
	TestsPassed  int                `json:"tests_passed,omitempty"`
	TestsFailed  int                `json:"tests_failed,omitempty"`
	Deployments  []deploy.Outcome   `json:"deployments,omitempty"`
	Address      string             `json:"address,omitempty"`
	TxHash       string             `json:"transaction_id,omitempty"`
	BlockNumber  uint64             `json:"block_number,omitempty"`
	GasUsed      uint64             `json:"gas_used,omitempty"`
}

// Workflow 描述一次从需求到部署的完整流水线。
type Workflow struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	ContractType    string         `json:"contract_type,omitempty"`
	Network         string         `json:"network,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Stage           Stage          `json:"stage"`
	Progress        int            `json:"progress"`
	SkipAudit       bool           `json:"skip_audit,omitempty"`
	SkipDeploy      bool           `json:"skip_deploy,omitempty"`
	RetryCounts     map[Stage]int  `json:"retry_counts,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	Artifacts       Artifacts      `json:"artifacts"`
	CreatedAt       int64          `json:"created_at"`
	UpdatedAt       int64          `json:"updated_at"`
}

var (
	// ErrWorkflowNotFound 表示指定的工作流不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrWorkflowConflict 表示工作流在当前阶段无法进行所请求的操作。
	ErrWorkflowConflict = xerrors.New(CodeWorkflowConflict, "workflow conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrWorkflowTerminal 表示工作流已经进入终态。
	ErrWorkflowTerminal = xerrors.New(CodeWorkflowTerminal, "workflow already terminal", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeWorkflowNotFound   xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowConflict   xerrors.Code = "WORKFLOW_CONFLICT"
	CodeWorkflowTerminal   xerrors.Code = "WORKFLOW_TERMINAL"
	CodeWorkflowValidation xerrors.Code = "WORKFLOW_VALIDATION_FAILED"
	CodeWorkflowPublish    xerrors.Code = "WORKFLOW_PUBLISH_FAILED"
	CodeAuditRejected      xerrors.Code = "AUDIT_REJECTED"
	CodeTestsFailed        xerrors.Code = "TESTS_FAILED"
)

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:   "workflow not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowConflict, xerrors.Attributes{
		Message:   "workflow conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowTerminal, xerrors.Attributes{
		Message:   "workflow already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowValidation, xerrors.Attributes{
		Message:   "workflow validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWorkflowPublish, xerrors.Attributes{
		Message:   "failed to publish workflow",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeAuditRejected, xerrors.Attributes{
		Message:   "audit risk score above threshold",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTestsFailed, xerrors.Attributes{
		Message:   "contract tests failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneRetryCounts(counts map[Stage]int) map[Stage]int {
	if counts == nil {
		return nil
	}
	cloned := make(map[Stage]int, len(counts))
	for stage, count := range counts {
		cloned[stage] = count
	}
	return cloned
}

func cloneWorkflow(wf *Workflow) *Workflow {
	clone := *wf
	clone.Metadata = cloneMetadata(wf.Metadata)
	clone.RetryCounts = cloneRetryCounts(wf.RetryCounts)
	if wf.Artifacts.RiskScore != nil {
		score := *wf.Artifacts.RiskScore
		clone.Artifacts.RiskScore = &score
	}
	if wf.Artifacts.Contracts != nil {
		clone.Artifacts.Contracts = append([]CompiledArtifact(nil), wf.Artifacts.Contracts...)
	}
	if wf.Artifacts.Deployments != nil {
		clone.Artifacts.Deployments = append([]deploy.Outcome(nil), wf.Artifacts.Deployments...)
	}
	return &clone
}

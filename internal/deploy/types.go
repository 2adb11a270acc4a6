package deploy

import (
	"time"

	xerrors "ChainForge/internal/errors"
)

// CompiledContract 是一份待部署的编译产物。
type CompiledContract struct {
	Name     string `json:"name"`
	ABI      string `json:"abi"`
	Bytecode string `json:"bytecode"`
}

// OutcomeStatus 表示单个合约部署的结果状态。
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome 是单个合约一次部署尝试的结果，生成后不再修改。
type Outcome struct {
	ContractName string        `json:"contract_name"`
	Status       OutcomeStatus `json:"status"`
	Address      string        `json:"address,omitempty"`
	TxHash       string        `json:"transaction_id,omitempty"`
	BlockNumber  uint64        `json:"block_number,omitempty"`
	GasUsed      uint64        `json:"gas_used,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// BatchResult 聚合一批部署的结果。Deployments 保持提交顺序而非完成顺序，
// 调用方可以按下标与输入对应。
type BatchResult struct {
	SuccessCount int           `json:"success_count"`
	FailedCount  int           `json:"failed_count"`
	TotalTime    time.Duration `json:"total_time"`
	Deployments  []Outcome     `json:"deployments"`
}

const (
	// CodeChainSubmission 表示链上提交失败，按单合约记录，不中断同批其他合约。
	CodeChainSubmission xerrors.Code = "CHAIN_SUBMISSION_FAILED"
	// CodeBatchAllFailed 表示整批合约全部失败。
	CodeBatchAllFailed xerrors.Code = "BATCH_ALL_FAILED"
)

func init() {
	xerrors.Register(CodeChainSubmission, xerrors.Attributes{
		Message:   "chain submission failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeBatchAllFailed, xerrors.Attributes{
		Message:   "all contracts in batch failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

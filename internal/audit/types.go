package audit

import (
	xerrors "ChainForge/internal/errors"
)

// Severity 是所有分析工具统一后的五级严重程度。
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// IsValidSeverity 检查给定的严重程度是否为支持的枚举值。
func IsValidSeverity(sev Severity) bool {
	switch sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	default:
		return false
	}
}

// Location 描述问题在源码或字节码中的位置，字段可为空。
type Location struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Function string `json:"function,omitempty"`
	Address  string `json:"address,omitempty"`
}

// Finding 是一条归一化后的漏洞记录。适配器在解析阶段完成严重程度映射，
// 聚合器只做合并，创建之后不再修改。
type Finding struct {
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Tool        string            `json:"tool"`
	Location    Location          `json:"location,omitempty"`
	SWCID       string            `json:"swc_id,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// ToolState 表示单个工具本次运行的结论。
type ToolState string

const (
	ToolOK          ToolState = "ok"
	ToolUnavailable ToolState = "unavailable"
	ToolTimeout     ToolState = "timeout"
	ToolError       ToolState = "error"
)

// ToolStatus 记录单个工具的运行状态与说明，供审计报告展示。
type ToolStatus struct {
	Tool   string    `json:"tool"`
	State  ToolState `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

// Report 是单个适配器一次运行的输出。
type Report struct {
	Findings []Finding
	Status   ToolStatus
}

// Verdict 汇总一次审计的全部结论。对相同的 Findings 输入重算结果恒等。
type Verdict struct {
	RiskScore     int              `json:"risk_score"`
	Status        string           `json:"status"`
	SeverityCount map[Severity]int `json:"severity_count"`
	ToolStatuses  []ToolStatus     `json:"tool_statuses"`
	Findings      []Finding        `json:"findings"`
}

// 风险打分策略常量。保持与历史行为兼容，调整需要产品决策。
const (
	WeightCritical = 25
	WeightHigh     = 10
	WeightMedium   = 5
	WeightLow      = 1
	WeightInfo     = 0

	MaxRiskScore  = 100
	PassThreshold = 30

	StatusPassed = "passed"
	StatusFailed = "failed"
)

func severityWeight(sev Severity) int {
	switch sev {
	case SeverityCritical:
		return WeightCritical
	case SeverityHigh:
		return WeightHigh
	case SeverityMedium:
		return WeightMedium
	case SeverityLow:
		return WeightLow
	default:
		return WeightInfo
	}
}

// Score 根据 Findings 计算风险分与通过状态，是纯函数。
func Score(findings []Finding) (int, string) {
	total := 0
	for _, finding := range findings {
		total += severityWeight(finding.Severity)
	}
	if total > MaxRiskScore {
		total = MaxRiskScore
	}
	status := StatusPassed
	if total >= PassThreshold {
		status = StatusFailed
	}
	return total, status
}

// NewVerdict 由合并后的 Findings 与工具状态构建审计结论。
func NewVerdict(findings []Finding, statuses []ToolStatus) Verdict {
	score, status := Score(findings)
	counts := map[Severity]int{
		SeverityCritical: 0,
		SeverityHigh:     0,
		SeverityMedium:   0,
		SeverityLow:      0,
		SeverityInfo:     0,
	}
	for _, finding := range findings {
		counts[finding.Severity]++
	}
	return Verdict{
		RiskScore:     score,
		Status:        status,
		SeverityCount: counts,
		ToolStatuses:  statuses,
		Findings:      findings,
	}
}

const (
	CodeToolUnavailable xerrors.Code = "TOOL_UNAVAILABLE"
	CodeParseError      xerrors.Code = "PARSE_ERROR"
	CodeAnalysisTimeout xerrors.Code = "ANALYSIS_TIMEOUT"
	CodeAuditFailed     xerrors.Code = "AUDIT_FAILED"
)

func init() {
	xerrors.Register(CodeToolUnavailable, xerrors.Attributes{
		Message:   "analysis tool unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeParseError, xerrors.Attributes{
		Message:   "failed to parse tool output",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAnalysisTimeout, xerrors.Attributes{
		Message:   "analysis timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeAuditFailed, xerrors.Attributes{
		Message:   "no analysis tool could run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

package audit

import "context"

// Input 是一次分析的输入。SourcePath 指向写好的临时合约文件，
// 各适配器只读取自己需要的字段。
type Input struct {
	ContractName string
	SourceCode   string
	SourcePath   string
	Bytecode     string
	PropertyFile string
}

// Analyzer 是分析工具的统一能力接口。工具集合是封闭的固定集，
// 不提供运行期插件注册。
type Analyzer interface {
	// Name 返回工具名，同时作为 Finding.Tool 的取值。
	Name() string
	// Analyze 在隔离的子进程中运行工具并返回归一化结果。
	// 工具缺失、解析失败与超时通过 Report.Status 表达，不作为 error 上抛。
	Analyze(ctx context.Context, input Input) Report
}

package testrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "ChainForge/internal/errors"
)

// 测试执行相关错误码。
const (
	CodeRunnerUnavailable xerrors.Code = "TEST_RUNNER_UNAVAILABLE"
	CodeRunFailed         xerrors.Code = "TEST_RUN_FAILED"
)

func init() {
	xerrors.Register(CodeRunnerUnavailable, xerrors.Attributes{
		Message:   "测试执行器不可用",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeRunFailed, xerrors.Attributes{
		Message:   "测试执行失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// CaseResult 描述单个测试用例的结果。
type CaseResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Result 汇总一次测试运行。
type Result struct {
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases,omitempty"`
	Raw    string       `json:"-"`
}

// Runner 对生成的合约执行功能测试。
type Runner interface {
	Run(ctx context.Context, contractName, sourceCode string) (*Result, error)
}

// CommandRunner 调用外部测试命令完成测试，命令通过 stdin 接收合约
// 源码路径等参数，stdout 输出 JSON 报告。
type CommandRunner struct {
	binary string
	args   []string
}

// NewCommandRunner 创建外部命令测试执行器。
func NewCommandRunner(binary string, args ...string) *CommandRunner {
	return &CommandRunner{binary: binary, args: args}
}

var _ Runner = (*CommandRunner)(nil)

// Run 将源码写入临时目录后调用测试命令并解析报告。
func (r *CommandRunner) Run(ctx context.Context, contractName, sourceCode string) (*Result, error) {
	if r.binary == "" {
		return nil, xerrors.New(CodeRunnerUnavailable, "未配置测试命令")
	}
	binary, err := exec.LookPath(r.binary)
	if err != nil {
		return nil, xerrors.Wrap(CodeRunnerUnavailable, err,
			fmt.Sprintf("找不到测试命令 %q", r.binary))
	}

	workDir, err := os.MkdirTemp("", "chainforge-test-*")
	if err != nil {
		return nil, xerrors.Wrap(CodeRunFailed, err, "创建测试临时目录失败")
	}
	defer os.RemoveAll(workDir)

	if contractName == "" {
		contractName = "Contract"
	}
	sourcePath := filepath.Join(workDir, contractName+".sol")
	if err := os.WriteFile(sourcePath, []byte(sourceCode), 0o600); err != nil {
		return nil, xerrors.Wrap(CodeRunFailed, err, "写入测试源码失败")
	}

	args := append(append([]string{}, r.args...), sourcePath)
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, xerrors.Wrap(CodeRunFailed, ctx.Err(), "测试执行超时或被取消")
	}

	result, parseErr := ParseReport(stdout.Bytes())
	if parseErr != nil {
		// 部分测试框架只输出文本，退化为按行扫描。
		result = scanText(stdout.String())
	}
	if result.Total == 0 && runErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = runErr.Error()
		}
		return nil, xerrors.New(CodeRunFailed, fmt.Sprintf("测试命令执行失败: %s", detail))
	}
	result.Raw = stdout.String()
	return result, nil
}

// ParseReport 解析 JSON 格式的测试报告。
func ParseReport(raw []byte) (*Result, error) {
	var report struct {
		Tests []CaseResult `json:"tests"`
	}
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	if len(report.Tests) == 0 {
		return nil, fmt.Errorf("报告中没有测试用例")
	}

	result := &Result{Cases: report.Tests}
	for _, tc := range report.Tests {
		result.Total++
		if strings.EqualFold(tc.Status, "passed") || strings.EqualFold(tc.Status, "pass") {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// scanText 在无法解析 JSON 时按行扫描 PASS/FAIL 标记。
func scanText(output string) *Result {
	result := &Result{}
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "PASS"), strings.HasPrefix(trimmed, "ok "):
			result.Total++
			result.Passed++
		case strings.HasPrefix(trimmed, "FAIL"):
			result.Total++
			result.Failed++
			result.Cases = append(result.Cases, CaseResult{
				Name:   trimmed,
				Status: "failed",
			})
		}
	}
	return result
}

// Package mythril 封装 Mythril 字节码分析器。输入是编译后的字节码而非源码。
package mythril

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"ChainForge/internal/audit"
)

const toolName = "mythril"

// Analyzer 以子进程方式运行 Mythril。
type Analyzer struct {
	binary string
}

// New 创建 Mythril 适配器。binary 为空时默认使用 myth 命令。
func New(binary string) *Analyzer {
	if strings.TrimSpace(binary) == "" {
		binary = "myth"
	}
	return &Analyzer{binary: binary}
}

// Name 实现 audit.Analyzer。
func (a *Analyzer) Name() string { return toolName }

type issueReport struct {
	Error  *string `json:"error"`
	Issues []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
		SWCID       string `json:"swc-id"`
		Address     int    `json:"address"`
		Function    string `json:"function"`
	} `json:"issues"`
}

// Analyze 实现 audit.Analyzer。
func (a *Analyzer) Analyze(ctx context.Context, input audit.Input) audit.Report {
	if _, err := exec.LookPath(a.binary); err != nil {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolUnavailable,
			Detail: fmt.Sprintf("未找到 %s 命令", a.binary),
		}}
	}
	bytecode := NormalizeBytecode(input.Bytecode)
	if bytecode == "" {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolError,
			Detail: "缺少合约字节码",
		}}
	}

	// 每次运行写独立的临时文件，避免并发分析互相覆盖。
	dir, err := os.MkdirTemp("", "chainforge-mythril-*")
	if err != nil {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolError,
			Detail: fmt.Sprintf("创建临时目录失败: %v", err),
		}}
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, "bytecode.bin")
	if err := os.WriteFile(codePath, []byte(bytecode), 0o644); err != nil {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolError,
			Detail: fmt.Sprintf("写入字节码文件失败: %v", err),
		}}
	}

	command := exec.CommandContext(ctx, a.binary, "analyze", "--codefile", codePath, "-o", "json")
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	runErr := command.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolTimeout,
			Detail: "字节码分析超时",
		}}
	}

	findings, parseErr := parseJSON(stdout.Bytes())
	if parseErr != nil {
		// 结构化输出损坏时退回逐行扫描：对安全报告而言，部分信息好过没有。
		findings = scanText(stdout.String())
		if len(findings) == 0 {
			if runErr != nil {
				return audit.Report{Status: audit.ToolStatus{
					Tool:   toolName,
					State:  audit.ToolError,
					Detail: fmt.Sprintf("%v; stderr=%s", runErr, strings.TrimSpace(stderr.String())),
				}}
			}
			// 进程正常退出但输出完全解析不出来，不能伪装成零发现的成功。
			return audit.Report{Status: audit.ToolStatus{
				Tool:   toolName,
				State:  audit.ToolError,
				Detail: fmt.Sprintf("输出无法解析: %v", parseErr),
			}}
		}
	}

	return audit.Report{
		Findings: findings,
		Status:   audit.ToolStatus{Tool: toolName, State: audit.ToolOK},
	}
}

// NormalizeBytecode 去掉可选的 0x 前缀并裁剪空白。
func NormalizeBytecode(bytecode string) string {
	trimmed := strings.TrimSpace(bytecode)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	return strings.TrimPrefix(trimmed, "0X")
}

func parseJSON(raw []byte) ([]audit.Finding, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("mythril 没有输出")
	}
	var report issueReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("解析 mythril 输出失败: %w", err)
	}
	if report.Error != nil && *report.Error != "" {
		return nil, fmt.Errorf("mythril 报告错误: %s", *report.Error)
	}
	findings := make([]audit.Finding, 0, len(report.Issues))
	for _, issue := range report.Issues {
		finding := audit.Finding{
			Severity:    mapSeverity(issue.Severity),
			Title:       issue.Title,
			Description: strings.TrimSpace(issue.Description),
			Tool:        toolName,
			SWCID:       issue.SWCID,
			Location: audit.Location{
				Function: issue.Function,
			},
		}
		if issue.Address > 0 {
			finding.Location.Address = "0x" + strconv.FormatInt(int64(issue.Address), 16)
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

// scanText 从人类可读输出中提取问题段落。Mythril 用 ==== 标题 ==== 分隔问题。
func scanText(output string) []audit.Finding {
	var findings []audit.Finding
	var current *audit.Finding
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "====") && strings.HasSuffix(trimmed, "====") {
			if current != nil {
				findings = append(findings, *current)
			}
			title := strings.TrimSpace(strings.Trim(trimmed, "="))
			current = &audit.Finding{
				Severity: audit.SeverityMedium,
				Title:    title,
				Tool:     toolName,
			}
			continue
		}
		if current == nil {
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "Severity:"):
			current.Severity = mapSeverity(strings.TrimSpace(strings.TrimPrefix(trimmed, "Severity:")))
		case strings.HasPrefix(trimmed, "SWC ID:"):
			current.SWCID = strings.TrimSpace(strings.TrimPrefix(trimmed, "SWC ID:"))
		case trimmed != "" && current.Description == "":
			current.Description = trimmed
		}
	}
	if current != nil {
		findings = append(findings, *current)
	}
	return findings
}

// mapSeverity 把 Mythril 的严重程度映射到统一量表。
// critical 与 high 之间的歧义一律按更坏的情况处理，两者都归为 critical。
func mapSeverity(severity string) audit.Severity {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "critical", "high":
		return audit.SeverityCritical
	case "medium":
		return audit.SeverityMedium
	case "low":
		return audit.SeverityLow
	default:
		return audit.SeverityInfo
	}
}

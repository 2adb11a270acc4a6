// Package slither 封装 Slither 静态分析器，将其检测报告归一化为统一的 Finding。
package slither

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"ChainForge/internal/audit"
)

const toolName = "slither"

// Analyzer 以子进程方式运行 Slither。
type Analyzer struct {
	binary string
}

// New 创建 Slither 适配器。binary 为空时使用 PATH 中的默认命令。
func New(binary string) *Analyzer {
	if strings.TrimSpace(binary) == "" {
		binary = toolName
	}
	return &Analyzer{binary: binary}
}

// Name 实现 audit.Analyzer。
func (a *Analyzer) Name() string { return toolName }

// detectorReport 对应 Slither --json 输出中本适配器关心的子集。
type detectorReport struct {
	Success bool `json:"success"`
	Results struct {
		Detectors []struct {
			Check       string `json:"check"`
			Impact      string `json:"impact"`
			Confidence  string `json:"confidence"`
			Description string `json:"description"`
			Elements    []struct {
				Type          string `json:"type"`
				Name          string `json:"name"`
				SourceMapping struct {
					Filename string `json:"filename_relative"`
					Lines    []int  `json:"lines"`
				} `json:"source_mapping"`
			} `json:"elements"`
		} `json:"detectors"`
	} `json:"results"`
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
	if strings.TrimSpace(input.SourcePath) == "" {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolError,
			Detail: "缺少合约源码文件",
		}}
	}

	command := exec.CommandContext(ctx, a.binary, input.SourcePath, "--json", "-")
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	runErr := command.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolTimeout,
			Detail: "静态分析超时",
		}}
	}

	// Slither 在检出问题时以非零码退出，只要输出可解析就视为正常运行。
	findings, parseErr := parseReport(stdout.Bytes())
	if parseErr != nil {
		detail := parseErr.Error()
		if runErr != nil {
			detail = fmt.Sprintf("%v; stderr=%s", runErr, strings.TrimSpace(stderr.String()))
		}
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolError,
			Detail: detail,
		}}
	}

	return audit.Report{
		Findings: findings,
		Status:   audit.ToolStatus{Tool: toolName, State: audit.ToolOK},
	}
}

func parseReport(raw []byte) ([]audit.Finding, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("slither 没有输出")
	}
	var report detectorReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("解析 slither 输出失败: %w", err)
	}

	findings := make([]audit.Finding, 0, len(report.Results.Detectors))
	for _, det := range report.Results.Detectors {
		finding := audit.Finding{
			Severity:    mapImpact(det.Impact),
			Title:       det.Check,
			Description: strings.TrimSpace(det.Description),
			Tool:        toolName,
			Extra: map[string]string{
				"impact":     det.Impact,
				"confidence": det.Confidence,
			},
		}
		for _, element := range det.Elements {
			if element.SourceMapping.Filename == "" {
				continue
			}
			finding.Location.File = element.SourceMapping.Filename
			if len(element.SourceMapping.Lines) > 0 {
				finding.Location.Line = element.SourceMapping.Lines[0]
			}
			if element.Type == "function" {
				finding.Location.Function = element.Name
			}
			break
		}
		findings = append(findings, finding)
	}
	return findings, nil
}

// mapImpact 把 Slither 的五级 impact 映射到统一量表。
// impact 文本中出现 critical/severe/dangerous 时无条件提升为 critical。
func mapImpact(impact string) audit.Severity {
	lowered := strings.ToLower(impact)
	for _, keyword := range []string{"critical", "severe", "dangerous"} {
		if strings.Contains(lowered, keyword) {
			return audit.SeverityCritical
		}
	}
	switch lowered {
	case "high":
		return audit.SeverityHigh
	case "medium":
		return audit.SeverityMedium
	case "low":
		return audit.SeverityLow
	case "informational", "optimization":
		return audit.SeverityInfo
	default:
		return audit.SeverityInfo
	}
}

// Package echidna 封装 Echidna 基于属性的模糊测试器。
// 未提供属性文件时根据合约文本启发式生成一份，运行结束后清理全部临时产物。
package echidna

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ChainForge/internal/audit"
)

const toolName = "echidna"

// Analyzer 以子进程方式运行 Echidna。
type Analyzer struct {
	binary string
}

// New 创建 Echidna 适配器。
func New(binary string) *Analyzer {
	if strings.TrimSpace(binary) == "" {
		binary = toolName
	}
	return &Analyzer{binary: binary}
}

// Name 实现 audit.Analyzer。
func (a *Analyzer) Name() string { return toolName }

type campaignReport struct {
	Tests []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Error  string `json:"error"`
	} `json:"tests"`
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
			Detail: "模糊测试需要合约文件路径",
		}}
	}

	workDir, err := os.MkdirTemp("", "chainforge-echidna-*")
	if err != nil {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolError,
			Detail: fmt.Sprintf("创建临时目录失败: %v", err),
		}}
	}
	// 无论运行成败，生成的属性文件与运行配置都要清理。
	defer os.RemoveAll(workDir)

	// 外部提供的属性合约直接作为模糊测试目标，没有提供时才自动合成。
	target := input.PropertyFile
	if target == "" {
		target = filepath.Join(workDir, "Properties.sol")
		properties := SynthesizeProperties(input.ContractName, input.SourceCode)
		if err := os.WriteFile(target, []byte(properties), 0o644); err != nil {
			return audit.Report{Status: audit.ToolStatus{
				Tool:   toolName,
				State:  audit.ToolError,
				Detail: fmt.Sprintf("写入属性文件失败: %v", err),
			}}
		}
	}

	configPath := filepath.Join(workDir, "echidna.yaml")
	config := "testMode: property\nformat: json\ncorpusDir: " + filepath.Join(workDir, "corpus") + "\n"
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolError,
			Detail: fmt.Sprintf("写入运行配置失败: %v", err),
		}}
	}

	command := exec.CommandContext(ctx, a.binary, target, "--config", configPath, "--format", "json")
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	runErr := command.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return audit.Report{Status: audit.ToolStatus{
			Tool:   toolName,
			State:  audit.ToolTimeout,
			Detail: "模糊测试超时",
		}}
	}

	findings, parseErr := parseJSON(stdout.Bytes())
	if parseErr != nil {
		findings = scanText(stdout.String() + "\n" + stderr.String())
	}
	// 异常退出却没有解析出任何违例时，宁可给出一条笼统记录，
	// 也不能让失败的运行看起来是零问题。
	if len(findings) == 0 && runErr != nil {
		findings = append(findings, audit.Finding{
			Severity:    audit.SeverityHigh,
			Title:       "property violation detected",
			Description: fmt.Sprintf("echidna 异常退出: %v", runErr),
			Tool:        toolName,
		})
	}

	return audit.Report{
		Findings: findings,
		Status:   audit.ToolStatus{Tool: toolName, State: audit.ToolOK},
	}
}

// SynthesizeProperties 根据合约文本的启发式特征生成属性合约。
func SynthesizeProperties(contractName, source string) string {
	if contractName == "" {
		contractName = "Contract"
	}
	var sb strings.Builder
	sb.WriteString("// SPDX-License-Identifier: MIT\n")
	sb.WriteString("pragma solidity ^0.8.0;\n\n")
	sb.WriteString(fmt.Sprintf("import \"./%s.sol\";\n\n", contractName))
	sb.WriteString(fmt.Sprintf("contract %sProperties is %s {\n", contractName, contractName))

	if strings.Contains(source, "selfdestruct") {
		sb.WriteString("    function echidna_not_destructible() public view returns (bool) {\n")
		sb.WriteString("        return address(this).code.length > 0;\n")
		sb.WriteString("    }\n")
	}
	if strings.Contains(source, "transfer(") && strings.Contains(source, "balanceOf") {
		sb.WriteString("    function echidna_zero_transfer_keeps_balance() public returns (bool) {\n")
		sb.WriteString("        uint256 before = balanceOf(address(this));\n")
		sb.WriteString("        transfer(address(this), 0);\n")
		sb.WriteString("        return balanceOf(address(this)) == before;\n")
		sb.WriteString("    }\n")
	}
	if strings.Contains(source, "onlyOwner") || strings.Contains(source, "modifier only") {
		sb.WriteString("    function echidna_owner_is_set() public view returns (bool) {\n")
		sb.WriteString("        return owner != address(0);\n")
		sb.WriteString("    }\n")
	}
	// 兜底属性：保证至少有一条可执行的检查。
	sb.WriteString("    function echidna_alive() public pure returns (bool) {\n")
	sb.WriteString("        return true;\n")
	sb.WriteString("    }\n")
	sb.WriteString("}\n")
	return sb.String()
}

func parseJSON(raw []byte) ([]audit.Finding, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("echidna 没有输出")
	}
	var report campaignReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("解析 echidna 输出失败: %w", err)
	}
	var findings []audit.Finding
	for _, test := range report.Tests {
		if !violated(test.Status) {
			continue
		}
		// Echidna 不区分违例的严重程度，统一按 high 上报。
		findings = append(findings, audit.Finding{
			Severity:    audit.SeverityHigh,
			Title:       test.Name,
			Description: strings.TrimSpace(test.Error),
			Tool:        toolName,
		})
	}
	return findings, nil
}

func violated(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "falsified", "failed", "error":
		return true
	default:
		return false
	}
}

// scanText 在结构化输出不可用时按行查找失败标记。
func scanText(output string) []audit.Finding {
	var findings []audit.Finding
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		lowered := strings.ToLower(trimmed)
		if !strings.Contains(lowered, "failed!") && !strings.Contains(lowered, "falsified") {
			continue
		}
		name := trimmed
		if idx := strings.Index(trimmed, ":"); idx > 0 {
			name = strings.TrimSpace(trimmed[:idx])
		}
		findings = append(findings, audit.Finding{
			Severity:    audit.SeverityHigh,
			Title:       name,
			Description: trimmed,
			Tool:        toolName,
		})
	}
	return findings
}

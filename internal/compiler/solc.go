package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	xerrors "ChainForge/internal/errors"
)

// 编译相关错误码。
const (
	CodeCompilerUnavailable xerrors.Code = "COMPILER_UNAVAILABLE"
	CodeCompilationFailed   xerrors.Code = "COMPILATION_FAILED"
	CodeArtifactParse       xerrors.Code = "ARTIFACT_PARSE_FAILED"
)

func init() {
	xerrors.Register(CodeCompilerUnavailable, xerrors.Attributes{
		Message:   "Solidity 编译器不可用",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeCompilationFailed, xerrors.Attributes{
		Message:   "合约编译失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
	xerrors.Register(CodeArtifactParse, xerrors.Attributes{
		Message:   "编译产物解析失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
	})
}

// Artifact 描述单个合约的编译产物。
type Artifact struct {
	Name     string
	ABI      string
	Bytecode string
}

// Compiler 将 Solidity 源码编译为可部署的产物。
type Compiler interface {
	Compile(ctx context.Context, contractName, sourceCode string) ([]Artifact, error)
}

// SolcCompiler 通过调用本机 solc 完成编译。
type SolcCompiler struct {
	binary string
}

// NewSolc 创建 solc 编译器，binary 为空时使用 PATH 中的 solc。
func NewSolc(binary string) *SolcCompiler {
	if binary == "" {
		binary = "solc"
	}
	return &SolcCompiler{binary: binary}
}

var _ Compiler = (*SolcCompiler)(nil)

// Compile 在临时目录中写入源码并调用 solc --combined-json abi,bin。
func (c *SolcCompiler) Compile(ctx context.Context, contractName, sourceCode string) ([]Artifact, error) {
	if strings.TrimSpace(sourceCode) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "源码为空，无法编译")
	}

	binary, err := exec.LookPath(c.binary)
	if err != nil {
		return nil, xerrors.Wrap(CodeCompilerUnavailable, err,
			fmt.Sprintf("找不到 solc 可执行文件 %q", c.binary))
	}

	workDir, err := os.MkdirTemp("", "chainforge-solc-*")
	if err != nil {
		return nil, xerrors.Wrap(CodeCompilationFailed, err, "创建编译临时目录失败")
	}
	defer os.RemoveAll(workDir)

	if contractName == "" {
		contractName = "Contract"
	}
	sourcePath := filepath.Join(workDir, contractName+".sol")
	if err := os.WriteFile(sourcePath, []byte(sourceCode), 0o600); err != nil {
		return nil, xerrors.Wrap(CodeCompilationFailed, err, "写入源码文件失败")
	}

	cmd := exec.CommandContext(ctx, binary, "--combined-json", "abi,bin", sourcePath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, xerrors.New(CodeCompilationFailed, fmt.Sprintf("solc 执行失败: %s", detail))
	}

	artifacts, err := parseCombinedJSON(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, xerrors.New(CodeCompilationFailed, "solc 未产出任何合约")
	}
	return artifacts, nil
}

// parseCombinedJSON 解析 solc --combined-json abi,bin 的输出。
// contracts 的键格式为 "<path>:<ContractName>"。
func parseCombinedJSON(raw []byte) ([]Artifact, error) {
	var combined struct {
		Contracts map[string]struct {
			ABI json.RawMessage `json:"abi"`
			Bin string          `json:"bin"`
		} `json:"contracts"`
	}
	if err := json.Unmarshal(raw, &combined); err != nil {
		return nil, xerrors.Wrap(CodeArtifactParse, err, "combined-json 输出格式不合法")
	}

	names := make([]string, 0, len(combined.Contracts))
	for key := range combined.Contracts {
		names = append(names, key)
	}
	// 固定输出顺序，避免 map 迭代顺序影响后续部署批次。
	sort.Strings(names)

	artifacts := make([]Artifact, 0, len(names))
	for _, key := range names {
		entry := combined.Contracts[key]
		name := key
		if idx := strings.LastIndex(key, ":"); idx >= 0 {
			name = key[idx+1:]
		}
		abiText, err := normalizeABI(entry.ABI)
		if err != nil {
			return nil, xerrors.Wrap(CodeArtifactParse, err,
				fmt.Sprintf("合约 %s 的 ABI 不合法", name))
		}
		if strings.TrimSpace(entry.Bin) == "" {
			// 接口或抽象合约不产出字节码，跳过即可。
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:     name,
			ABI:      abiText,
			Bytecode: entry.Bin,
		})
	}
	return artifacts, nil
}

// normalizeABI 兼容 solc 新旧两种 ABI 编码：新版为 JSON 数组，
// 旧版为内嵌 JSON 字符串。
func normalizeABI(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("ABI 为空")
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", err
		}
		return text, nil
	}
	return string(trimmed), nil
}

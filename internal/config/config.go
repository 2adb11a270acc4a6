package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"ChainForge/pkg/logger"
)

// Config 描述了 ChainForge 在启动阶段需要加载的核心配置。
type Config struct {
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	LLM      LLMConfig      `json:"llm"`
	Compiler CompilerConfig `json:"compiler"`
	Audit    AuditConfig    `json:"audit"`
	Testing  TestingConfig  `json:"testing"`
	Deploy   DeployConfig   `json:"deploy"`
	Web3     Web3Config     `json:"web3"`
	Registry RegistryConfig `json:"registry"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Metrics  MetricsConfig  `json:"metrics"`
	Logging  logger.Config  `json:"logging"`
}

// StorageConfig 统一描述工作流存储后端的连接信息。
type StorageConfig struct {
	WorkflowStore WorkflowStoreConfig `json:"workflow_store"`
}

// WorkflowStoreConfig 支持 memory 与 mysql 两种驱动。
type WorkflowStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述工作流队列的驱动与连接参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LLMConfig 用于配置合约生成的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider"`
	OpenAI   OpenAIConfig       `json:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI Chat Completions 的调用参数。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回请求超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PythonBridgeConfig 描述通过 Python 脚本完成生成时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// CompilerConfig 描述 Solidity 编译器的调用参数。
type CompilerConfig struct {
	SolcPath string `json:"solc_path"`
}

// AuditConfig 描述安全审计工具链。
type AuditConfig struct {
	SlitherPath        string `json:"slither_path"`
	MythrilPath        string `json:"mythril_path"`
	EchidnaPath        string `json:"echidna_path"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds"`
}

// ToolTimeout 返回单个审计工具的超时时间。
func (c AuditConfig) ToolTimeout() time.Duration {
	if c.ToolTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// TestingConfig 描述合约功能测试的外部命令。
type TestingConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// DeployConfig 控制批量部署行为。
type DeployConfig struct {
	MaxParallel   int    `json:"max_parallel"`
	PrivateKey    string `json:"private_key"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// Web3Config 包含访问区块链网络所需的信息。
type Web3Config struct {
	NetworkConfig  string `json:"network_config"`
	RPCURL         string `json:"rpc_url"`
	DefaultNetwork string `json:"default_network"`
}

// RegistryConfig 指定阶段目录的覆盖文件。
type RegistryConfig struct {
	CatalogPath string `json:"catalog_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// MetricsConfig 控制指标暴露端口。
type MetricsConfig struct {
	Address string `json:"address"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Storage.WorkflowStore.Driver == "" {
		c.Storage.WorkflowStore.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 4
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Compiler.SolcPath == "" {
		c.Compiler.SolcPath = "solc"
	}

	if c.Audit.SlitherPath == "" {
		c.Audit.SlitherPath = "slither"
	}
	if c.Audit.MythrilPath == "" {
		c.Audit.MythrilPath = "myth"
	}
	if c.Audit.EchidnaPath == "" {
		c.Audit.EchidnaPath = "echidna"
	}

	if c.Deploy.MaxParallel <= 0 {
		c.Deploy.MaxParallel = 10
	}

	if c.Web3.NetworkConfig != "" && !filepath.IsAbs(c.Web3.NetworkConfig) {
		c.Web3.NetworkConfig = filepath.Join(baseDir, c.Web3.NetworkConfig)
	}
	if c.Registry.CatalogPath != "" && !filepath.IsAbs(c.Registry.CatalogPath) {
		c.Registry.CatalogPath = filepath.Join(baseDir, c.Registry.CatalogPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

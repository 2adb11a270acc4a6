package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"

	"ChainForge/internal/audit"
	"ChainForge/internal/audit/echidna"
	"ChainForge/internal/audit/mythril"
	"ChainForge/internal/audit/slither"
	"ChainForge/internal/compiler"
	"ChainForge/internal/config"
	"ChainForge/internal/deploy"
	"ChainForge/internal/llm"
	"ChainForge/internal/llm/openai"
	"ChainForge/internal/llm/pythonbridge"
	"ChainForge/internal/observability/metrics"
	"ChainForge/internal/registry"
	"ChainForge/internal/testrunner"
	"ChainForge/internal/web3/provider"
	"ChainForge/internal/workflow"
	"ChainForge/pkg/logger"
)

// main 是 ChainForge 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainforged 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHAINFORGE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chainforge.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	catalog, err := createCatalog(cfg)
	if err != nil {
		return err
	}

	store, err := createStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Error("关闭工作流队列失败", slog.Any("error", err))
		}
	}()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	chainRegistry, err := provider.NewRegistry(ctx, provider.Config{
		NetworkConfig:  cfg.Web3.NetworkConfig,
		RPCURL:         cfg.Web3.RPCURL,
		DefaultNetwork: cfg.Web3.DefaultNetwork,
	})
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	signer, err := createSigner(cfg, chainRegistry)
	if err != nil {
		return err
	}

	aggregator := audit.NewAggregator(
		[]audit.Analyzer{
			slither.New(cfg.Audit.SlitherPath),
			mythril.New(cfg.Audit.MythrilPath),
			echidna.New(cfg.Audit.EchidnaPath),
		},
		audit.WithToolTimeout(cfg.Audit.ToolTimeout()),
	)

	engine := deploy.NewEngine(deploy.NewChainSubmitter(chainRegistry, signer))

	orchestrator := workflow.NewOrchestrator(store, catalog, workflow.Collaborators{
		Generator: llmClient,
		Compiler:  compiler.NewSolc(cfg.Compiler.SolcPath),
		Auditor:   aggregator,
		Tester:    testrunner.NewCommandRunner(cfg.Testing.Command, cfg.Testing.Args...),
		Deployer:  engine,
	},
		workflow.WithSink(workflow.NewLogSink(nil)),
		workflow.WithMaxParallelDeployments(cfg.Deploy.MaxParallel),
	)

	service := workflow.NewService(store, queue, workflow.WithCanceller(orchestrator))
	defer service.Close()

	processor := workflow.NewProcessor(orchestrator, store, queue,
		workflow.WithWorkerCount(cfg.Queue.Worker),
		workflow.WithProcessorLogger(logger.Named("processor")),
	)

	if cfg.Metrics.Address != "" {
		go func() {
			server := &http.Server{
				Addr:              cfg.Metrics.Address,
				Handler:           metrics.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	logger.Audit().Info("chainforged 已启动",
		slog.String("store", cfg.Storage.WorkflowStore.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("llm", cfg.LLM.Provider),
	)

	if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createCatalog(cfg *config.Config) (*registry.Registry, error) {
	if cfg.Registry.CatalogPath == "" {
		return registry.NewBuiltin(), nil
	}
	return registry.LoadCatalog(cfg.Registry.CatalogPath)
}

func createStore(cfg *config.Config) (workflow.Store, error) {
	switch cfg.Storage.WorkflowStore.Driver {
	case "", "memory":
		return workflow.NewMemoryStore(), nil
	case "mysql":
		return workflow.NewMySQLStore(cfg.Storage.WorkflowStore.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.WorkflowStore.Driver)
	}
}

func createQueue(cfg *config.Config) (workflow.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return workflow.NewMemoryQueue(1024), nil
	case "redis":
		return workflow.NewRedisQueue(workflow.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return workflow.NewRabbitMQQueue(workflow.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createSigner(cfg *config.Config, chainRegistry *provider.Registry) (deploy.SignerFunc, error) {
	keyHex := strings.TrimSpace(cfg.Deploy.PrivateKey)
	if keyHex == "" && cfg.Deploy.PrivateKeyEnv != "" {
		keyHex = strings.TrimSpace(os.Getenv(cfg.Deploy.PrivateKeyEnv))
	}
	if keyHex == "" {
		return nil, errors.New("未配置部署私钥，请设置 deploy.private_key 或 deploy.private_key_env")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析部署私钥失败: %w", err)
	}

	return func(network string) (*bind.TransactOpts, error) {
		client, ok := chainRegistry.Client(network)
		if !ok {
			return nil, fmt.Errorf("未知的网络: %s", network)
		}
		snapshot, err := client.FetchChainSnapshot(context.Background())
		if err != nil {
			return nil, err
		}
		chainID, ok := new(big.Int).SetString(strings.TrimPrefix(snapshot.ChainID, "0x"), 16)
		if !ok {
			return nil, fmt.Errorf("无法解析链 ID: %s", snapshot.ChainID)
		}
		return bind.NewKeyedTransactorWithChainID(key, chainID)
	}, nil
}

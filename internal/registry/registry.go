package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "ChainForge/internal/errors"
)

// PerformanceSLA 描述阶段的延迟目标，仅用于观测与告警，不参与编排决策。
type PerformanceSLA struct {
	P95Millis int64 `yaml:"p95_millis"`
	P99Millis int64 `yaml:"p99_millis"`
}

// AgentDefinition 是流水线阶段的静态描述，进程启动时构建，之后只读共享。
type AgentDefinition struct {
	Name                  string         `yaml:"name"`
	Role                  string         `yaml:"role"`
	Inputs                []string       `yaml:"inputs"`
	Outputs               []string       `yaml:"outputs"`
	Dependencies          []string       `yaml:"dependencies"`
	MaxRetryCount         int            `yaml:"max_retry_count"`
	TimeoutSeconds        int            `yaml:"timeout_seconds"`
	Parallelizable        bool           `yaml:"parallelizable"`
	RequiresHumanApproval bool           `yaml:"requires_human_approval"`
	SLA                   PerformanceSLA `yaml:"performance_sla"`
}

// Timeout 返回阶段的执行超时时间。
func (d AgentDefinition) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Registry 保存全部阶段定义，构建完成后不再变更，无需加锁。
type Registry struct {
	defs  map[string]AgentDefinition
	order []string
}

// 内置阶段目录。各阶段的重试与超时策略在这里集中声明。
func builtinCatalog() []AgentDefinition {
	return []AgentDefinition{
		{
			Name:           "generator",
			Role:           "根据自然语言描述生成合约源码",
			Inputs:         []string{"description", "contract_type"},
			Outputs:        []string{"source_code", "contract_name"},
			MaxRetryCount:  2,
			TimeoutSeconds: 120,
			Parallelizable: true,
			SLA:            PerformanceSLA{P95Millis: 45000, P99Millis: 90000},
		},
		{
			Name:           "compiler",
			Role:           "将合约源码编译为字节码与 ABI",
			Inputs:         []string{"source_code"},
			Outputs:        []string{"bytecode", "abi"},
			Dependencies:   []string{"generator"},
			MaxRetryCount:  1,
			TimeoutSeconds: 60,
			Parallelizable: true,
			SLA:            PerformanceSLA{P95Millis: 8000, P99Millis: 20000},
		},
		{
			Name:           "auditor",
			Role:           "聚合多个安全分析工具的检查结果",
			Inputs:         []string{"source_code", "bytecode"},
			Outputs:        []string{"verdict"},
			Dependencies:   []string{"compiler"},
			MaxRetryCount:  1,
			TimeoutSeconds: 600,
			Parallelizable: false,
			SLA:            PerformanceSLA{P95Millis: 300000, P99Millis: 540000},
		},
		{
			Name:           "tester",
			Role:           "对编译产物执行功能测试",
			Inputs:         []string{"source_code", "bytecode", "abi"},
			Outputs:        []string{"test_report"},
			Dependencies:   []string{"compiler"},
			MaxRetryCount:  2,
			TimeoutSeconds: 300,
			Parallelizable: true,
			SLA:            PerformanceSLA{P95Millis: 120000, P99Millis: 240000},
		},
		{
			Name:                  "deployer",
			Role:                  "将编译后的合约提交到目标网络",
			Inputs:                []string{"bytecode", "abi", "network"},
			Outputs:               []string{"address", "transaction_id"},
			Dependencies:          []string{"auditor", "tester"},
			MaxRetryCount:         3,
			TimeoutSeconds:        180,
			Parallelizable:        false,
			RequiresHumanApproval: true,
			SLA:                   PerformanceSLA{P95Millis: 60000, P99Millis: 150000},
		},
	}
}

// NewBuiltin 使用内置目录构建注册表。
func NewBuiltin() *Registry {
	reg, err := New(builtinCatalog())
	if err != nil {
		// 内置目录是编译期常量，出错属于编程错误。
		panic(err)
	}
	return reg
}

// New 根据给定的阶段定义构建注册表。
func New(defs []AgentDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "阶段目录不能为空")
	}
	reg := &Registry{defs: make(map[string]AgentDefinition, len(defs))}
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "阶段名称不能为空")
		}
		if _, ok := reg.defs[name]; ok {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("阶段 %s 重复定义", name))
		}
		if def.MaxRetryCount < 0 {
			def.MaxRetryCount = 0
		}
		reg.defs[name] = def
		reg.order = append(reg.order, name)
	}
	for _, def := range reg.defs {
		for _, dep := range def.Dependencies {
			if _, ok := reg.defs[dep]; !ok {
				return nil, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("阶段 %s 依赖的 %s 未定义", def.Name, dep))
			}
		}
	}
	return reg, nil
}

// LoadCatalog 从 YAML 文件加载阶段目录，用于覆盖内置策略。
func LoadCatalog(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return NewBuiltin(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取阶段目录失败")
	}
	var doc struct {
		Agents []agentOverride `yaml:"agents"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析阶段目录失败")
	}
	merged := builtinCatalog()
	for _, override := range doc.Agents {
		replaced := false
		for i, def := range merged {
			if def.Name == override.Name {
				merged[i] = override.apply(def)
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, override.apply(AgentDefinition{Name: override.Name}))
		}
	}
	return New(merged)
}

// agentOverride 是目录文件里的一条阶段条目。策略字段使用指针，
// 以区分 "未填写" 与 "显式写入 0 或 false"，这样运维既能放宽也能收紧策略。
type agentOverride struct {
	Name                  string          `yaml:"name"`
	Role                  string          `yaml:"role"`
	Inputs                []string        `yaml:"inputs"`
	Outputs               []string        `yaml:"outputs"`
	Dependencies          []string        `yaml:"dependencies"`
	MaxRetryCount         *int            `yaml:"max_retry_count"`
	TimeoutSeconds        *int            `yaml:"timeout_seconds"`
	Parallelizable        *bool           `yaml:"parallelizable"`
	RequiresHumanApproval *bool           `yaml:"requires_human_approval"`
	SLA                   *PerformanceSLA `yaml:"performance_sla"`
}

// apply 只覆盖显式给出的字段，其余沿用 base 的值。
func (o agentOverride) apply(base AgentDefinition) AgentDefinition {
	if o.Role != "" {
		base.Role = o.Role
	}
	if len(o.Inputs) > 0 {
		base.Inputs = o.Inputs
	}
	if len(o.Outputs) > 0 {
		base.Outputs = o.Outputs
	}
	if len(o.Dependencies) > 0 {
		base.Dependencies = o.Dependencies
	}
	if o.MaxRetryCount != nil {
		base.MaxRetryCount = *o.MaxRetryCount
	}
	if o.TimeoutSeconds != nil {
		base.TimeoutSeconds = *o.TimeoutSeconds
	}
	if o.Parallelizable != nil {
		base.Parallelizable = *o.Parallelizable
	}
	if o.RequiresHumanApproval != nil {
		base.RequiresHumanApproval = *o.RequiresHumanApproval
	}
	if o.SLA != nil {
		base.SLA = *o.SLA
	}
	return base
}

// Get 返回指定阶段的定义。
func (r *Registry) Get(name string) (AgentDefinition, bool) {
	if r == nil {
		return AgentDefinition{}, false
	}
	def, ok := r.defs[name]
	return def, ok
}

// MustGet 返回指定阶段的定义，未注册时返回零值定义。
func (r *Registry) MustGet(name string) AgentDefinition {
	def, _ := r.Get(name)
	return def
}

// Names 按注册顺序返回全部阶段名称。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Validate 校验依赖图无环，注册表构建后调用一次即可。
func (r *Registry) Validate() error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(r.defs))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("阶段依赖出现环路: %s", name))
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range r.defs[name].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ChainForge/internal/web3"
	"ChainForge/internal/web3/ethereum"
)

// Config collects the inputs required to build the network registry.
type Config struct {
	NetworkConfig  string
	RPCURL         string
	DefaultNetwork string
}

// Registry manages a set of chain clients keyed by network names.
type Registry struct {
	defaultNetwork string
	clients        map[string]web3.Client
}

// NewRegistry loads network definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	defs, err := web3.LoadNetworkDefinitions(cfg.NetworkConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	for name, network := range defs.Networks {
		networkType := strings.ToLower(strings.TrimSpace(network.Type))
		if networkType == "" {
			networkType = "evm"
		}
		switch networkType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:   name,
				RPCURL: network.RPCURL,
				Notes:  network.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化网络 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("网络 %s 使用了不支持的类型 %s", name, network.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultNetwork == "" {
			cfg.DefaultNetwork = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何网络的 RPC 端点")
	}

	defaultNetwork := cfg.DefaultNetwork
	if defaultNetwork == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultNetwork = names[0]
	}
	if _, ok := clients[defaultNetwork]; !ok {
		return nil, fmt.Errorf("默认网络 %s 未在配置中找到", defaultNetwork)
	}

	return &Registry{defaultNetwork: defaultNetwork, clients: clients}, nil
}

// NewStatic builds a registry from pre-constructed clients, used by tests.
func NewStatic(defaultNetwork string, clients map[string]web3.Client) *Registry {
	return &Registry{defaultNetwork: defaultNetwork, clients: clients}
}

// DefaultClient returns the client configured as default network.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的网络注册表")
	}
	client, ok := r.clients[r.defaultNetwork]
	if !ok {
		return nil, fmt.Errorf("默认网络 %s 未在注册表中", r.defaultNetwork)
	}
	return client, nil
}

// Client returns the chain client identified by network name. An empty name
// falls back to the default network.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	if strings.TrimSpace(name) == "" {
		name = r.defaultNetwork
	}
	client, ok := r.clients[name]
	return client, ok
}

// Networks returns the list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

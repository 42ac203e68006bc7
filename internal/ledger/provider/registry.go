package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"OpenMCP-Sweep/internal/config"
	"OpenMCP-Sweep/internal/ledger"
	"OpenMCP-Sweep/internal/ledger/solana"
)

// Factory builds a gateway for one chain definition.
type Factory func(name string, def ledger.ChainDefinition) (ledger.Gateway, error)

// Registry manages a set of ledger gateways keyed by human readable names.
type Registry struct {
	defaultChain string
	gateways     map[string]ledger.Gateway
}

// NewRegistry loads chain definitions and instantiates Solana gateways.
func NewRegistry(cfg config.LedgerConfig, pollInterval time.Duration) (*Registry, error) {
	return NewRegistryWithFactory(cfg, SolanaFactory(cfg, pollInterval))
}

// SolanaFactory returns the default factory for "solana" chain types.
func SolanaFactory(cfg config.LedgerConfig, pollInterval time.Duration) Factory {
	return func(name string, def ledger.ChainDefinition) (ledger.Gateway, error) {
		commitment := def.Commitment
		if commitment == "" {
			commitment = cfg.Commitment
		}
		fee := def.FeeEstimate
		if fee == 0 {
			fee = cfg.FeeEstimate
		}
		return solana.NewGateway(solana.Config{
			Name:         name,
			RPCURL:       def.RPCURL,
			Commitment:   commitment,
			FeeEstimate:  fee,
			PollInterval: pollInterval,
			Overrides: ledger.CostModel{
				SubAccountDeposit: cfg.SubAccountDeposit,
				RentExemptMinimum: cfg.RentExemptMinimum,
			},
		})
	}
}

// NewRegistryWithFactory is NewRegistry with a custom gateway constructor.
func NewRegistryWithFactory(cfg config.LedgerConfig, factory Factory) (*Registry, error) {
	defs, err := ledger.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	gateways := make(map[string]ledger.Gateway)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "solana"
		}
		switch chainType {
		case "solana":
			gw, err := factory(name, chain)
			if err != nil {
				closeAll(gateways)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			gateways[name] = gw
		default:
			closeAll(gateways)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	defaultChain := cfg.DefaultChain
	if len(gateways) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		gw, err := factory("default", ledger.ChainDefinition{Type: "solana", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		gateways["default"] = gw
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(gateways) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(gateways))
		for name := range gateways {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := gateways[defaultChain]; !ok {
		closeAll(gateways)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, gateways: gateways}, nil
}

// Default returns the gateway configured as default chain.
func (r *Registry) Default() (ledger.Gateway, error) {
	if r == nil {
		return nil, errors.New("未初始化的链网关注册表")
	}
	gw, ok := r.gateways[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return gw, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Gateway returns the gateway identified by name.
func (r *Registry) Gateway(name string) (ledger.Gateway, bool) {
	if r == nil {
		return nil, false
	}
	gw, ok := r.gateways[name]
	return gw, ok
}

// Close releases all gateways managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.gateways)
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(gateways map[string]ledger.Gateway) {
	for name, gw := range gateways {
		if gw != nil {
			gw.Close()
		}
		delete(gateways, name)
	}
}

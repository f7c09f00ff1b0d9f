package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/config"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/web3"
	"github.com/Zulqarnain689/Moltiverse-TaskFlow-Agent/internal/web3/ethereum"
)

// Registry manages a set of chain readers keyed by human readable names.
type Registry struct {
	defaultChain string
	readers      map[string]web3.Reader
}

// NewRegistry loads chain definitions and instantiates concrete readers.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	readers := make(map[string]web3.Reader)
	for name, chain := range defs.Chains {
		switch chain.Type {
		case "evm":
			reader, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:   name,
				RPCURL: chain.RPCURL,
				Notes:  chain.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			readers[name] = reader
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(readers) == 0 {
		rpcURL := strings.TrimSpace(cfg.RPCURL)
		if rpcURL == "" {
			rpcURL = web3.DefaultMonadRPC
		}
		reader, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: rpcURL})
		if err != nil {
			return nil, err
		}
		readers["default"] = reader
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(readers))
		for name := range readers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := readers[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, readers: readers}, nil
}

// DefaultReader returns the reader configured as default chain.
func (r *Registry) DefaultReader() (web3.Reader, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	reader, ok := r.readers[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return reader, nil
}

// Reader returns the chain reader identified by name.
func (r *Registry) Reader(name string) (web3.Reader, bool) {
	if r == nil {
		return nil, false
	}
	reader, ok := r.readers[name]
	return reader, ok
}

// Close releases all readers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, reader := range r.readers {
		if reader != nil {
			reader.Close()
		}
		delete(r.readers, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.readers))
	for name := range r.readers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMonadRPC is the public Monad endpoint used when no chain
// configuration is supplied.
const DefaultMonadRPC = "https://rpc.nad.fun"

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition. The rpc_url
// value may reference environment variables in ${VAR} form so authenticated
// endpoints can be injected at deploy time.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions parses and validates the chain metadata file. An
// empty path yields an empty set; callers decide whether to fall back to
// the default endpoint.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}

	for name, chain := range defs.Chains {
		normalized, err := chain.normalize()
		if err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s 配置无效: %w", name, err)
		}
		defs.Chains[name] = normalized
	}
	return defs, nil
}

func (c ChainDefinition) normalize() (ChainDefinition, error) {
	c.Type = strings.ToLower(strings.TrimSpace(c.Type))
	if c.Type == "" {
		c.Type = "evm"
	}

	c.RPCURL = os.Expand(strings.TrimSpace(c.RPCURL), func(key string) string {
		return os.Getenv(key)
	})
	if c.RPCURL == "" {
		return c, fmt.Errorf("缺少 rpc_url")
	}
	if !strings.HasPrefix(c.RPCURL, "http://") && !strings.HasPrefix(c.RPCURL, "https://") {
		return c, fmt.Errorf("rpc_url 必须是 http(s) 端点: %s", c.RPCURL)
	}
	return c, nil
}

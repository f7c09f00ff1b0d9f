package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func writeChainConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func TestLoadChainDefinitionsNormalizes(t *testing.T) {
	path := writeChainConfig(t, `
chains:
  monad-testnet:
    type: " EVM "
    rpc_url: https://rpc.nad.fun
`)

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("加载链配置失败: %v", err)
	}
	chain, ok := defs.Chains["monad-testnet"]
	if !ok {
		t.Fatal("缺少 monad-testnet 链定义")
	}
	if chain.Type != "evm" {
		t.Fatalf("链类型未归一化: %q", chain.Type)
	}
	if chain.RPCURL != "https://rpc.nad.fun" {
		t.Fatalf("rpc_url 不符合预期: %q", chain.RPCURL)
	}
}

func TestLoadChainDefinitionsExpandsEnv(t *testing.T) {
	t.Setenv("TEST_MONAD_RPC", "https://rpc.example.test")
	path := writeChainConfig(t, `
chains:
  monad:
    rpc_url: ${TEST_MONAD_RPC}
`)

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("加载链配置失败: %v", err)
	}
	if got := defs.Chains["monad"].RPCURL; got != "https://rpc.example.test" {
		t.Fatalf("环境变量未展开: %q", got)
	}
}

func TestLoadChainDefinitionsRejectsMissingRPCURL(t *testing.T) {
	path := writeChainConfig(t, `
chains:
  monad:
    type: evm
`)

	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatal("缺少 rpc_url 时应返回错误")
	}
}

func TestLoadChainDefinitionsRejectsNonHTTPEndpoint(t *testing.T) {
	path := writeChainConfig(t, `
chains:
  monad:
    rpc_url: ws://rpc.nad.fun
`)

	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatal("非 http(s) 端点应返回错误")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("空路径不应报错: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("空路径应返回空集合: %#v", defs.Chains)
	}
}

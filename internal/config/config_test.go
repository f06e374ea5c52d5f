package config

import "testing"

func validConfig() *Config {
	return &Config{
		Port:         "8080",
		Env:          "development",
		FeeBps:       250,
		OwnerAddress: "0x742d35cc6634c0532925a3b844bc9e7595f0beb1",
	}
}

func TestValidateRequiresOwner(t *testing.T) {
	cfg := validConfig()
	cfg.OwnerAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing OWNER_ADDRESS")
	}
}

func TestValidateFeeBpsRange(t *testing.T) {
	cfg := validConfig()
	cfg.FeeBps = 10_001
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for fee bps above 100%")
	}

	cfg.FeeBps = 10_000
	if err := cfg.Validate(); err != nil {
		t.Fatalf("10000 bps should be allowed: %v", err)
	}
}

func TestValidateChainMode(t *testing.T) {
	cfg := validConfig()
	cfg.RPCURL = "https://sepolia.example.org"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: chain mode without CHAIN_ID")
	}

	cfg.ChainID = 11155111
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error: chain mode without PRIVATE_KEY")
	}

	cfg.PrivateKey = "0x" + string(make64('a'))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid chain config: %v", err)
	}
	if !cfg.ChainEnabled() {
		t.Fatal("ChainEnabled should be true when RPC_URL is set")
	}
}

func TestInProcessModeNeedsNoChainSettings(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("in-process mode should not require chain settings: %v", err)
	}
	if cfg.ChainEnabled() {
		t.Fatal("ChainEnabled should be false without RPC_URL")
	}
}

func make64(c byte) []byte {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return b
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "energyd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
subject: acct-1
stream:
  endpoint: https://stream.example.com
chain:
  endpoint: https://rpc.example.com
  contract: nhb1energy
  signer_key: 4c0883a69102937d6231471b5dbb6204fe512961708279df95b4a2200cd1c0d2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7600" {
		t.Fatalf("listen default: %q", cfg.ListenAddress)
	}
	if cfg.Stream.Transport != "sse" {
		t.Fatalf("transport default: %q", cfg.Stream.Transport)
	}
	if cfg.Actions.HarvestTTL.Duration != 30*time.Second {
		t.Fatalf("harvest ttl default: %v", cfg.Actions.HarvestTTL.Duration)
	}
	if cfg.Actions.BurnTTL.Duration != time.Minute {
		t.Fatalf("burn ttl default: %v", cfg.Actions.BurnTTL.Duration)
	}
	if cfg.Actions.MaxBurn != 1e9 {
		t.Fatalf("max burn default: %v", cfg.Actions.MaxBurn)
	}
	if cfg.Metadata.CacheTTL.Duration != time.Minute {
		t.Fatalf("cache ttl default: %v", cfg.Metadata.CacheTTL.Duration)
	}
}

func TestLoadConfigParsesDurationsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
subject: acct-1
listen: ":9999"
stream:
  endpoint: https://stream.example.com
  transport: ws
  dial_timeout: 5s
actions:
  harvest_ttl: 45s
  burn_ttl: 2m
  max_burn: 5000
chain:
  endpoint: https://rpc.example.com
  contract: nhb1energy
  signer_key: 4c0883a69102937d6231471b5dbb6204fe512961708279df95b4a2200cd1c0d2
metadata:
  endpoint: https://meta.example.com
  base_capacity: 250
  source_names:
    gen-1: Solar Array
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.Transport != "ws" || cfg.Stream.DialTimeout.Duration != 5*time.Second {
		t.Fatalf("stream overrides: %+v", cfg.Stream)
	}
	if cfg.Actions.HarvestTTL.Duration != 45*time.Second || cfg.Actions.BurnTTL.Duration != 2*time.Minute {
		t.Fatalf("action ttl overrides: %+v", cfg.Actions)
	}
	if cfg.Actions.MaxBurn != 5000 {
		t.Fatalf("max burn override: %v", cfg.Actions.MaxBurn)
	}
	if cfg.Metadata.SourceNames["gen-1"] != "Solar Array" {
		t.Fatalf("source names: %+v", cfg.Metadata.SourceNames)
	}
}

func TestLoadConfigResolvesSignerFromEnv(t *testing.T) {
	t.Setenv("ENERGYD_TEST_SIGNER", "4c0883a69102937d6231471b5dbb6204fe512961708279df95b4a2200cd1c0d2")
	path := writeConfig(t, `
subject: acct-1
stream:
  endpoint: https://stream.example.com
chain:
  endpoint: https://rpc.example.com
  contract: nhb1energy
  signer_key_env: ENERGYD_TEST_SIGNER
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.SignerKey == "" {
		t.Fatalf("signer key not resolved from env")
	}
}

func TestLoadConfigResolvesStreamTokenFromFile(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token")
	if err := os.WriteFile(tokenPath, []byte("secret-token\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	path := writeConfig(t, `
subject: acct-1
stream:
  endpoint: https://stream.example.com
  auth_token_file: `+tokenPath+`
chain:
  endpoint: https://rpc.example.com
  contract: nhb1energy
  signer_key: 4c0883a69102937d6231471b5dbb6204fe512961708279df95b4a2200cd1c0d2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream.AuthToken != "secret-token" {
		t.Fatalf("auth token: %q", cfg.Stream.AuthToken)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing subject": `
stream:
  endpoint: https://stream.example.com
chain:
  endpoint: https://rpc.example.com
  contract: nhb1energy
  signer_key: ab
`,
		"missing stream endpoint": `
subject: acct-1
chain:
  endpoint: https://rpc.example.com
  contract: nhb1energy
  signer_key: ab
`,
		"bad transport": `
subject: acct-1
stream:
  endpoint: https://stream.example.com
  transport: carrier-pigeon
chain:
  endpoint: https://rpc.example.com
  contract: nhb1energy
  signer_key: ab
`,
		"missing signer": `
subject: acct-1
stream:
  endpoint: https://stream.example.com
chain:
  endpoint: https://rpc.example.com
  contract: nhb1energy
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, contents)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

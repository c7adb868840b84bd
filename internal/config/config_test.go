package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "Spectre-Protocol/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Registry.MinReputation != 0.7 || cfg.Registry.MinStake != 1000 {
		t.Fatalf("unexpected registry defaults: %+v", cfg.Registry)
	}
	if cfg.Proof.Mode != "prefix" || cfg.Proof.Prefix != "zk_" || cfg.Proof.MinLength != 10 {
		t.Fatalf("unexpected proof defaults: %+v", cfg.Proof)
	}
	if cfg.Market.Store.Driver != "memory" || cfg.Market.SinkTimeout != 2*time.Second {
		t.Fatalf("unexpected market defaults: %+v", cfg.Market)
	}
	if !cfg.Settlement.Enabled || cfg.Settlement.Ledger.Delay != 50*time.Millisecond || cfg.Settlement.Ledger.SuccessRate != 0.95 {
		t.Fatalf("unexpected settlement defaults: %+v", cfg.Settlement)
	}
	if cfg.Settlement.RewardBonus != 0.05 || cfg.Settlement.SlashPenalty != 0.2 {
		t.Fatalf("unexpected reputation adjustments: %+v", cfg.Settlement)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spectred.yaml")
	content := `
server:
  address: "127.0.0.1:9000"
registry:
  catalog_path: "models.yaml"
  strict_registration: true
market:
  store:
    driver: mysql
    dsn: "spectre:secret@tcp(127.0.0.1:3306)/spectre"
settlement:
  queue:
    driver: redis
    redis:
      address: "127.0.0.1:6379"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SPECTRE_REGISTRY__MIN_STAKE", "2500")
	t.Setenv("SPECTRE_SETTLEMENT__LEDGER__SUCCESS_RATE", "0.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:9000" {
		t.Fatalf("file value not applied: %s", cfg.Server.Address)
	}
	if cfg.Registry.CatalogPath != filepath.Join(dir, "models.yaml") {
		t.Fatalf("catalog path not resolved against config dir: %s", cfg.Registry.CatalogPath)
	}
	if !cfg.Registry.StrictRegistration || cfg.Market.Store.Driver != "mysql" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Registry.MinStake != 2500 || cfg.Settlement.Ledger.SuccessRate != 0.5 {
		t.Fatalf("env overrides not applied: stake=%d rate=%f", cfg.Registry.MinStake, cfg.Settlement.Ledger.SuccessRate)
	}
	if cfg.Registry.MinReputation != 0.7 {
		t.Fatalf("defaults must survive partial files: %f", cfg.Registry.MinReputation)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"unknown store":     "market:\n  store:\n    driver: postgres\n",
		"mysql without dsn": "market:\n  store:\n    driver: mysql\n",
		"bad proof mode":    "proof:\n  mode: trust-me\n",
		"bad attester":      "proof:\n  mode: attestation\n  attesters: [\"not-an-address\"]\n",
		"redis no address":  "settlement:\n  queue:\n    driver: redis\n",
		"evm no rpc":        "settlement:\n  ledger:\n    driver: evm\n",
		"unknown ledger":    "settlement:\n  ledger:\n    driver: bitcoin\n",
		"reputation > 1":    "registry:\n  min_reputation: 1.5\n",
		"audit no path":     "log:\n  audit:\n    enabled: true\n",
		"otlp no endpoint":  "telemetry:\n  exporter: otlp\n",
		"jwt short secret":  "auth:\n  mode: jwt\n  secret: short\n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "spectred.yaml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
		_, err := Load(path)
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Port != 3003 {
		t.Fatalf("http.port = %d, want 3003", cfg.HTTP.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage.driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Game.BoardSize != 20 || cfg.Game.RoundLimit != 10 {
		t.Fatalf("game = %+v, want board 20 and round limit 10", cfg.Game)
	}
	if got := cfg.Ingest.Interval("rollDice"); got != 3*time.Second {
		t.Fatalf("rollDice interval = %s, want 3s", got)
	}
	for _, action := range []string{"rollDice", "changeTurn", "buy", "balanceUpdated", "gameClosed"} {
		if got := cfg.Ingest.Interval(action); got <= 0 || got >= 10*time.Second {
			t.Fatalf("%s interval = %s, want (0, 10s)", action, got)
		}
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
http:
  port: 9000
ledger:
  package_id: "0xabc"
  call_timeout: 2s
ingest:
  intervals:
    rollDice: 1s
game:
  board_size: 24
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GAME_ROUND_LIMIT", "3")
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Port != 9000 {
		t.Fatalf("http.port = %d, want 9000", cfg.HTTP.Port)
	}
	if cfg.Ledger.PackageID != "0xabc" {
		t.Fatalf("ledger.package_id = %q, want 0xabc", cfg.Ledger.PackageID)
	}
	if cfg.Ledger.CallTimeout != 2*time.Second {
		t.Fatalf("ledger.call_timeout = %s, want 2s", cfg.Ledger.CallTimeout)
	}
	if got := cfg.Ingest.Interval("rollDice"); got != time.Second {
		t.Fatalf("rollDice interval = %s, want 1s", got)
	}
	if got := cfg.Ingest.Interval("gameClosed"); got != 6*time.Second {
		t.Fatalf("gameClosed interval = %s, want default 6s", got)
	}
	if cfg.Game.BoardSize != 24 {
		t.Fatalf("game.board_size = %d, want 24", cfg.Game.BoardSize)
	}
	if cfg.Game.RoundLimit != 3 {
		t.Fatalf("game.round_limit = %d, want 3 from env", cfg.Game.RoundLimit)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage.driver = %q, want memory from env", cfg.Storage.Driver)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

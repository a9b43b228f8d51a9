package config

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "feedrunner" {
		t.Errorf("expected server name 'feedrunner', got %q", cfg.Server.Name)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:8700" {
		t.Errorf("expected listen addr '127.0.0.1:8700', got %q", cfg.Server.ListenAddr)
	}
	if cfg.Browser.DefaultNavigationTimeout != "30s" {
		t.Errorf("expected navigation timeout '30s', got %q", cfg.Browser.DefaultNavigationTimeout)
	}
	if !cfg.Browser.IsHeadless() {
		t.Error("expected headless by default")
	}
	if cfg.Browser.GetViewportWidth() != 1920 || cfg.Browser.GetViewportHeight() != 1080 {
		t.Errorf("unexpected viewport defaults: %dx%d", cfg.Browser.GetViewportWidth(), cfg.Browser.GetViewportHeight())
	}
	if cfg.Runner.ArtifactsDir != "data/runs" {
		t.Errorf("expected artifacts dir 'data/runs', got %q", cfg.Runner.ArtifactsDir)
	}
	if cfg.Runner.GetDecisionTimeout() != 180*time.Second {
		t.Errorf("expected 180s decision timeout, got %v", cfg.Runner.GetDecisionTimeout())
	}
	if cfg.Runner.GetDecisionCacheTTL() != 60*time.Second {
		t.Errorf("expected 60s cache TTL, got %v", cfg.Runner.GetDecisionCacheTTL())
	}
	if cfg.Runner.MaxActions != 0 {
		t.Errorf("expected max_actions unset by default, got %d", cfg.Runner.MaxActions)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Error("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
server:
  listen_addr: "127.0.0.1:9911"
runner:
  target_url: "https://feed.example.com"
  optimize_mode: true
  timing:
    cool_down:
      min_ms: 100
      max_ms: 200
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:9911" {
		t.Errorf("listen addr not overlaid: %q", cfg.Server.ListenAddr)
	}
	// Defaults survive a partial overlay.
	if cfg.Server.Name != "feedrunner" {
		t.Errorf("default server name lost: %q", cfg.Server.Name)
	}
	if !cfg.Runner.OptimizeMode {
		t.Error("optimize_mode not overlaid")
	}
	if cfg.Runner.Timing.CoolDown.MinMs != 100 || cfg.Runner.Timing.CoolDown.MaxMs != 200 {
		t.Errorf("cool_down range not overlaid: %+v", cfg.Runner.Timing.CoolDown)
	}
	if cfg.Runner.Timing.ActionDelay.MaxMs != 450 {
		t.Errorf("action_delay default lost: %+v", cfg.Runner.Timing.ActionDelay)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing name", func(c *Config) { c.Server.Name = "" }, "server.name is required"},
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }, "server.listen_addr is required"},
		{"missing artifacts dir", func(c *Config) { c.Runner.ArtifactsDir = "" }, "runner.artifacts_dir is required"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || err.Error() != tc.want {
				t.Errorf("expected %q, got %v", tc.want, err)
			}
		})
	}
}

func TestRangeDraw(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	r := Range{MinMs: 100, MaxMs: 200}
	for i := 0; i < 50; i++ {
		d := r.Draw(rng)
		if d < 100*time.Millisecond || d > 200*time.Millisecond {
			t.Fatalf("draw out of range: %v", d)
		}
	}

	// Inverted ranges are swapped, not rejected.
	inverted := Range{MinMs: 300, MaxMs: 100}
	for i := 0; i < 50; i++ {
		d := inverted.Draw(rng)
		if d < 100*time.Millisecond || d > 300*time.Millisecond {
			t.Fatalf("inverted draw out of range: %v", d)
		}
	}

	zero := Range{}
	if d := zero.Draw(rng); d != 0 {
		t.Errorf("zero range should draw 0, got %v", d)
	}

	if (Range{MinMs: 500, MaxMs: 100}).Max() != 500*time.Millisecond {
		t.Error("Max should use the larger bound of an inverted range")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FEEDRUNNER_SHARED_SECRET", "sekret")
	t.Setenv("FEEDRUNNER_LISTEN_ADDR", "127.0.0.1:7001")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Server.SharedSecret != "sekret" {
		t.Errorf("shared secret not applied: %q", cfg.Server.SharedSecret)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:7001" {
		t.Errorf("listen addr not applied: %q", cfg.Server.ListenAddr)
	}
}

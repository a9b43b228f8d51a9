package config

import (
	"errors"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the feedrunner server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Runner  RunnerConfig  `yaml:"runner"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// Address the local control API listens on (e.g., "127.0.0.1:8700").
	ListenAddr string `yaml:"listen_addr"`
	// Shared secret required in the X-Runner-Secret header on every
	// /runner/* request. Usually supplied via FEEDRUNNER_SHARED_SECRET.
	SharedSecret string `yaml:"shared_secret"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Optional when launch is set.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout for initial document parse (e.g., "30s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

// RunnerConfig configures the automation loop and its external services.
type RunnerConfig struct {
	// Feed page the session navigates to on start.
	TargetURL string `yaml:"target_url"`
	// Directory that receives one run directory per session (screenshots,
	// trace bundle, event recording).
	ArtifactsDir string `yaml:"artifacts_dir"`
	// External service that judges whether an item warrants action.
	DecisionEndpoint string `yaml:"decision_endpoint"`
	// External service that produces the text inserted for an item.
	GenerationEndpoint string `yaml:"generation_endpoint"`
	// When true, every new item is sent to the decision endpoint before acting.
	OptimizeMode bool `yaml:"optimize_mode"`
	// Reporting threshold only; the loop runs until explicitly stopped.
	MaxActions int `yaml:"max_actions"`
	// Timeout for decision calls (default: "180s" to tolerate slow analysis).
	DecisionTimeout string `yaml:"decision_timeout"`
	// Timeout for content-generation calls (default: "60s").
	GenerationTimeout string `yaml:"generation_timeout"`
	// How long decision verdicts are cached per item (default: "60s").
	DecisionCacheTTL string `yaml:"decision_cache_ttl"`
	Timing           Timing `yaml:"timing"`
}

// Range is a (min, max) millisecond interval; actual delays are drawn
// uniformly from it.
type Range struct {
	MinMs int `yaml:"min_ms" json:"minMs"`
	MaxMs int `yaml:"max_ms" json:"maxMs"`
}

// Draw returns a uniform random duration from the range. Inverted ranges
// are swapped rather than rejected so a bad config cannot crash the loop.
func (r Range) Draw(rng *rand.Rand) time.Duration {
	lo, hi := r.MinMs, r.MaxMs
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	ms := lo + rng.Intn(hi-lo+1)
	return time.Duration(ms) * time.Millisecond
}

// Max returns the upper bound of the range as a duration.
func (r Range) Max() time.Duration {
	hi := r.MaxMs
	if r.MinMs > hi {
		hi = r.MinMs
	}
	if hi < 0 {
		hi = 0
	}
	return time.Duration(hi) * time.Millisecond
}

// Timing groups the named delay ranges used by the loop.
type Timing struct {
	// Delay after each keypress while tabbing.
	ActionDelay Range `yaml:"action_delay" json:"actionDelay"`
	// Delay after submitting content into the editor.
	EditorDelay Range `yaml:"editor_delay" json:"editorDelay"`
	// Cool-down between successful acts.
	CoolDown Range `yaml:"cool_down" json:"coolDown"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:       "feedrunner",
			Version:    "0.1.0",
			LogFile:    "feedrunner.log",
			ListenAddr: "127.0.0.1:8700",
		},
		Browser: BrowserConfig{
			DefaultNavigationTimeout: "30s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Runner: RunnerConfig{
			ArtifactsDir:      "data/runs",
			DecisionTimeout:   "180s",
			GenerationTimeout: "60s",
			DecisionCacheTTL:  "60s",
			Timing: Timing{
				ActionDelay: Range{MinMs: 150, MaxMs: 450},
				EditorDelay: Range{MinMs: 500, MaxMs: 1200},
				CoolDown:    Range{MinMs: 4000, MaxMs: 9000},
			},
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// ApplyEnv overlays secrets and addresses from the environment so they can
// stay out of the YAML file (godotenv loads .env in main).
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FEEDRUNNER_SHARED_SECRET"); v != "" {
		c.Server.SharedSecret = v
	}
	if v := os.Getenv("FEEDRUNNER_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	if c.Runner.ArtifactsDir == "" {
		return errors.New("runner.artifacts_dir is required")
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDurationOr(b.DefaultNavigationTimeout, 30*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetDecisionTimeout returns the parsed decision timeout. The default is
// long on purpose: a slow verdict only costs throughput, never correctness.
func (r RunnerConfig) GetDecisionTimeout() time.Duration {
	return parseDurationOr(r.DecisionTimeout, 180*time.Second)
}

// GetGenerationTimeout returns the parsed generation timeout with a sane default.
func (r RunnerConfig) GetGenerationTimeout() time.Duration {
	return parseDurationOr(r.GenerationTimeout, 60*time.Second)
}

// GetDecisionCacheTTL returns how long verdicts are cached per item.
func (r RunnerConfig) GetDecisionCacheTTL() time.Duration {
	return parseDurationOr(r.DecisionCacheTTL, 60*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

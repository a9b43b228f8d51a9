package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedrunner/internal/browser"
	"feedrunner/internal/config"
	"feedrunner/internal/navigator"
	"feedrunner/internal/recorder"
	"feedrunner/internal/webhook"
)

// stopJoinTimeout bounds how long Stop waits for the loop goroutine
// after requesting a cooperative stop.
const stopJoinTimeout = 10 * time.Second

var (
	ErrSessionActive = errors.New("a session is already active")
	ErrNoSession     = errors.New("no active session")
	ErrLoopActive    = errors.New("automation loop is already running")
	ErrLoopInactive  = errors.New("automation loop is not running")
	ErrNotPaused     = errors.New("automation loop is not paused")
	ErrAlreadyPaused = errors.New("automation loop is already paused")
)

// DriverFactory builds the page engine for a session. Injectable so the
// lifecycle can be tested without a live Chrome.
type DriverFactory func(ctx context.Context, cfg config.BrowserConfig, sessionID string, sink browser.EventSink) (browser.Driver, error)

// AutomationOverlay carries the per-run overrides accepted when the
// loop is launched. Nil and empty fields keep the configured values.
type AutomationOverlay struct {
	Timing             *config.Timing `json:"timing,omitempty"`
	DecisionEndpoint   string         `json:"decisionEndpoint,omitempty"`
	GenerationEndpoint string         `json:"generationEndpoint,omitempty"`
	OptimizeMode       *bool          `json:"optimizeMode,omitempty"`
	MaxActions         *int           `json:"maxActions,omitempty"`
}

// StartResult is returned once the target page is verified ready.
type StartResult struct {
	SessionID string `json:"sessionId"`
	RunDir    string `json:"runDir"`
}

// StopResult reports the final counters and where the artifacts live.
type StopResult struct {
	SessionID     string `json:"sessionId"`
	Stats         Stats  `json:"stats"`
	RunDir        string `json:"runDir"`
	TracePath     string `json:"tracePath"`
	RecordingPath string `json:"recordingPath"`
}

// StatusReport is the point-in-time view served by the control API.
type StatusReport struct {
	Status       Status        `json:"status"`
	SessionID    string        `json:"sessionId,omitempty"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	Stats        *Stats        `json:"stats,omitempty"`
	LoopActive   bool          `json:"loopActive"`
	OptimizeMode bool          `json:"optimizeMode"`
	MaxActions   int           `json:"maxActions"`
	Timing       config.Timing `json:"timing"`
}

// Controller owns the session lifecycle: browser bring-up, navigation,
// loop launch, pause/resume, and teardown with artifact collection.
type Controller struct {
	cfg       config.Config
	newDriver DriverFactory

	mu         sync.Mutex
	status     Status
	sess       *Session
	driver     browser.Driver
	trace      *recorder.Recorder
	events     *recorder.Recorder
	runCfg     config.RunnerConfig
	gate       *Gate
	loopDone   chan struct{}
	loopCancel context.CancelFunc
}

func NewController(cfg config.Config) *Controller {
	return &Controller{
		cfg:    cfg,
		status: StatusIdle,
		newDriver: func(ctx context.Context, bc config.BrowserConfig, sessionID string, sink browser.EventSink) (browser.Driver, error) {
			return browser.NewRodDriver(ctx, bc, sessionID, sink)
		},
	}
}

// Start launches the browser, navigates to the target feed, and blocks
// until the page is verified ready. Rejected while a session is active.
func (c *Controller) Start(ctx context.Context) (*StartResult, error) {
	c.mu.Lock()
	if c.status != StatusIdle && c.status != StatusStopped {
		c.mu.Unlock()
		return nil, ErrSessionActive
	}
	c.status = StatusStarting
	c.runCfg = c.cfg.Runner
	c.mu.Unlock()

	id := uuid.New().String()
	runDir, err := filepath.Abs(filepath.Join(c.cfg.Runner.ArtifactsDir, id))
	if err != nil {
		runDir = filepath.Join(c.cfg.Runner.ArtifactsDir, id)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		c.fail()
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	trace, err := recorder.Open(filepath.Join(runDir, "trace.jsonl"))
	if err != nil {
		c.fail()
		return nil, fmt.Errorf("open trace recorder: %w", err)
	}
	events, err := recorder.Open(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		trace.Close()
		c.fail()
		return nil, fmt.Errorf("open event recorder: %w", err)
	}

	// The driver must outlive the start request: rod binds its CDP event
	// pipeline to the context alive at connect time, so deriving it from
	// the request context would kill the event capture (and the browser)
	// the moment the start response is written. The driver's own cancel,
	// invoked via Close, bounds its lifetime instead.
	driver, err := c.newDriver(context.Background(), c.cfg.Browser, id, events)
	if err != nil {
		trace.Close()
		events.Close()
		c.fail()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	nav := navigator.New(driver, trace, runDir, id)
	if err := nav.Ready(ctx, c.cfg.Runner.TargetURL); err != nil {
		log.Printf("[session:%s] start aborted: %v", id, err)
		driver.Close()
		trace.Close()
		events.Close()
		c.fail()
		return nil, err
	}

	c.mu.Lock()
	c.sess = NewSession(id, runDir)
	c.driver = driver
	c.trace = trace
	c.events = events
	c.status = StatusRunning
	c.mu.Unlock()

	trace.Log("session_started", id, map[string]string{"target": c.cfg.Runner.TargetURL})
	log.Printf("[session:%s] session started, artifacts in %s", id, runDir)
	return &StartResult{SessionID: id, RunDir: runDir}, nil
}

// StartAutomation launches the detect/decide/act loop over the ready
// page. Rejected when no session exists or a loop is already running.
func (c *Controller) StartAutomation(overlay *AutomationOverlay) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || (c.status != StatusRunning && c.status != StatusPaused) {
		return ErrNoSession
	}
	if c.loopDone != nil {
		return ErrLoopActive
	}

	rc := c.cfg.Runner
	if overlay != nil {
		if overlay.Timing != nil {
			rc.Timing = *overlay.Timing
		}
		if overlay.DecisionEndpoint != "" {
			rc.DecisionEndpoint = overlay.DecisionEndpoint
		}
		if overlay.GenerationEndpoint != "" {
			rc.GenerationEndpoint = overlay.GenerationEndpoint
		}
		if overlay.OptimizeMode != nil {
			rc.OptimizeMode = *overlay.OptimizeMode
		}
		if overlay.MaxActions != nil {
			rc.MaxActions = *overlay.MaxActions
		}
	}
	c.runCfg = rc

	hc := webhook.NewClient()
	decider := webhook.NewDecisionClient(hc, rc.DecisionEndpoint, rc.GetDecisionTimeout(), rc.GetDecisionCacheTTL())
	generator := webhook.NewGenerationClient(hc, rc.GenerationEndpoint, rc.GetGenerationTimeout())

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	gate := NewGate()
	actor := NewActor(c.driver, generator, gate, rc.Timing, rng, c.trace, c.sess.ID)
	engine := NewEngine(c.driver, decider, actor, gate, c.sess, rc.Timing, rc.OptimizeMode, rc.MaxActions, rng, c.trace)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.gate = gate
	c.loopDone = done
	c.loopCancel = cancel
	c.status = StatusRunning

	sessID := c.sess.ID
	go func() {
		defer close(done)
		if err := engine.Run(loopCtx); err != nil {
			log.Printf("[session:%s] automation loop exited: %v", sessID, err)
		}
		c.mu.Lock()
		if c.loopDone == done {
			c.loopDone = nil
			c.loopCancel = nil
			c.gate = nil
		}
		c.mu.Unlock()
	}()
	return nil
}

// Pause suspends the loop at its next suspension point.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		return ErrLoopInactive
	}
	if !c.gate.Pause() {
		return ErrAlreadyPaused
	}
	c.status = StatusPaused
	c.trace.Log("loop_paused", c.sess.ID, nil)
	return nil
}

// Resume releases a paused loop. Paused time never counts against a
// delay that was in flight.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate == nil {
		return ErrLoopInactive
	}
	if !c.gate.Resume() {
		return ErrNotPaused
	}
	c.status = StatusRunning
	c.trace.Log("loop_resumed", c.sess.ID, nil)
	return nil
}

// Stop winds the session down: cooperative loop stop, browser close,
// recorder flush. Returns the final counters and artifact paths.
func (c *Controller) Stop() (*StopResult, error) {
	c.mu.Lock()
	if c.sess == nil || c.status == StatusStopping {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	c.status = StatusStopping
	gate := c.gate
	done := c.loopDone
	cancel := c.loopCancel
	sess := c.sess
	driver := c.driver
	trace := c.trace
	events := c.events
	c.mu.Unlock()

	if gate != nil {
		gate.Stop()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopJoinTimeout):
			log.Printf("[session:%s] loop did not stop within %s, cancelling", sess.ID, stopJoinTimeout)
			if cancel != nil {
				cancel()
			}
			<-done
		}
	}
	if cancel != nil {
		cancel()
	}

	trace.Log("session_stopped", sess.ID, sess.Stats())
	if err := driver.Close(); err != nil && !browser.IsSessionClosed(err) {
		log.Printf("[session:%s] browser close: %v", sess.ID, err)
	}

	result := &StopResult{
		SessionID:     sess.ID,
		Stats:         sess.Stats(),
		RunDir:        sess.RunDir,
		TracePath:     trace.Path(),
		RecordingPath: events.Path(),
	}
	trace.Close()
	events.Close()

	c.mu.Lock()
	c.sess = nil
	c.driver = nil
	c.trace = nil
	c.events = nil
	c.gate = nil
	c.loopDone = nil
	c.loopCancel = nil
	c.status = StatusStopped
	c.mu.Unlock()

	log.Printf("[session:%s] session stopped: %+v", result.SessionID, result.Stats)
	return result, nil
}

// Status returns a point-in-time report; safe to call in any state.
func (c *Controller) Status() StatusReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := StatusReport{
		Status:       c.status,
		LoopActive:   c.loopDone != nil,
		OptimizeMode: c.runCfg.OptimizeMode,
		MaxActions:   c.runCfg.MaxActions,
		Timing:       c.runCfg.Timing,
	}
	if rep.Timing == (config.Timing{}) {
		rep.Timing = c.cfg.Runner.Timing
	}
	if c.sess != nil {
		rep.SessionID = c.sess.ID
		started := c.sess.StartedAt
		rep.StartedAt = &started
		stats := c.sess.Stats()
		rep.Stats = &stats
	}
	return rep
}

func (c *Controller) fail() {
	c.mu.Lock()
	c.status = StatusIdle
	c.mu.Unlock()
}

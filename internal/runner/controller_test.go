package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"feedrunner/internal/browser"
	"feedrunner/internal/config"
)

func testControllerConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Runner.TargetURL = "https://example.com/feed"
	cfg.Runner.ArtifactsDir = t.TempDir()
	return cfg
}

// readyDriver passes navigation immediately so lifecycle tests do not
// exercise the retry machinery.
func readyDriver() *scriptDriver {
	return &scriptDriver{slots: []*browser.Item{nil}}
}

func newTestController(t *testing.T, d browser.Driver, factoryErr error) *Controller {
	t.Helper()
	c := NewController(testControllerConfig(t))
	c.newDriver = func(ctx context.Context, bc config.BrowserConfig, sessionID string, sink browser.EventSink) (browser.Driver, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		return d, nil
	}
	return c
}

func TestControllerStartRejectsSecondSession(t *testing.T) {
	c := newTestController(t, readyDriver(), nil)

	res, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if res.SessionID == "" {
		t.Error("Start returned empty session id")
	}
	if !filepath.IsAbs(res.RunDir) {
		t.Errorf("RunDir %q is not absolute", res.RunDir)
	}

	if _, err := c.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start returned %v, want ErrSessionActive", err)
	}

	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestControllerStartFailureReturnsToIdle(t *testing.T) {
	c := newTestController(t, nil, errors.New("chrome not found"))

	if _, err := c.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite driver failure")
	}
	if got := c.Status().Status; got != StatusIdle {
		t.Fatalf("status after failed start = %q, want idle", got)
	}

	// A failed start must not wedge the controller.
	c.newDriver = func(ctx context.Context, bc config.BrowserConfig, sessionID string, sink browser.EventSink) (browser.Driver, error) {
		return readyDriver(), nil
	}
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("retry Start returned error: %v", err)
	}
	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

func TestControllerLifecycle(t *testing.T) {
	c := newTestController(t, readyDriver(), nil)

	if got := c.Status().Status; got != StatusIdle {
		t.Fatalf("initial status = %q, want idle", got)
	}

	res, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if got := c.Status(); got.Status != StatusRunning || got.SessionID != res.SessionID {
		t.Fatalf("status after start = %+v", got)
	}

	if err := c.Pause(); !errors.Is(err, ErrLoopInactive) {
		t.Fatalf("Pause without loop returned %v, want ErrLoopInactive", err)
	}

	if err := c.StartAutomation(nil); err != nil {
		t.Fatalf("StartAutomation returned error: %v", err)
	}
	if err := c.StartAutomation(nil); !errors.Is(err, ErrLoopActive) {
		t.Fatalf("second StartAutomation returned %v, want ErrLoopActive", err)
	}

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause returned error: %v", err)
	}
	if got := c.Status().Status; got != StatusPaused {
		t.Fatalf("status after pause = %q, want paused", got)
	}
	if err := c.Pause(); !errors.Is(err, ErrAlreadyPaused) {
		t.Fatalf("double Pause returned %v, want ErrAlreadyPaused", err)
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if got := c.Status().Status; got != StatusRunning {
		t.Fatalf("status after resume = %q, want running", got)
	}
	if err := c.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("double Resume returned %v, want ErrNotPaused", err)
	}

	stop, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if stop.SessionID != res.SessionID {
		t.Errorf("stop session id = %q, want %q", stop.SessionID, res.SessionID)
	}
	for _, p := range []string{stop.TracePath, stop.RecordingPath} {
		if !filepath.IsAbs(p) {
			t.Errorf("artifact path %q is not absolute", p)
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("artifact %q missing: %v", p, err)
		}
	}
	if got := c.Status().Status; got != StatusStopped {
		t.Fatalf("status after stop = %q, want stopped", got)
	}

	// Stopped controllers accept a fresh start.
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart returned error: %v", err)
	}
	if _, err := c.Stop(); err != nil {
		t.Fatalf("final Stop returned error: %v", err)
	}
}

func TestControllerOperationsWithoutSession(t *testing.T) {
	c := newTestController(t, readyDriver(), nil)

	if err := c.StartAutomation(nil); !errors.Is(err, ErrNoSession) {
		t.Errorf("StartAutomation returned %v, want ErrNoSession", err)
	}
	if _, err := c.Stop(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Stop returned %v, want ErrNoSession", err)
	}
	if err := c.Pause(); !errors.Is(err, ErrLoopInactive) {
		t.Errorf("Pause returned %v, want ErrLoopInactive", err)
	}
	if err := c.Resume(); !errors.Is(err, ErrLoopInactive) {
		t.Errorf("Resume returned %v, want ErrLoopInactive", err)
	}
}

func TestControllerAutomationOverlay(t *testing.T) {
	c := newTestController(t, readyDriver(), nil)
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer c.Stop()

	optimize := true
	maxActions := 7
	overlay := &AutomationOverlay{
		Timing: &config.Timing{
			ActionDelay: config.Range{MinMs: 10, MaxMs: 20},
			EditorDelay: config.Range{MinMs: 10, MaxMs: 20},
			CoolDown:    config.Range{MinMs: 10, MaxMs: 20},
		},
		OptimizeMode: &optimize,
		MaxActions:   &maxActions,
	}
	if err := c.StartAutomation(overlay); err != nil {
		t.Fatalf("StartAutomation returned error: %v", err)
	}

	got := c.Status()
	if !got.LoopActive {
		t.Error("LoopActive = false after StartAutomation")
	}
	if !got.OptimizeMode || got.MaxActions != 7 {
		t.Errorf("overlay not applied: %+v", got)
	}
	if got.Timing.ActionDelay.MaxMs != 20 {
		t.Errorf("timing overlay not applied: %+v", got.Timing)
	}
}

func TestControllerStopJoinsLoop(t *testing.T) {
	d := readyDriver()
	c := newTestController(t, d, nil)
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := c.StartAutomation(nil); err != nil {
		t.Fatalf("StartAutomation returned error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}
	if got := c.Status(); got.LoopActive {
		t.Error("LoopActive = true after Stop")
	}
}

// The browser must outlive the start request: the driver context is what
// keeps the CDP event capture alive for the whole session, so it cannot
// be derived from a request context that dies with the response.
func TestControllerDriverOutlivesStartContext(t *testing.T) {
	var driverCtx context.Context
	c := NewController(testControllerConfig(t))
	c.newDriver = func(ctx context.Context, bc config.BrowserConfig, sessionID string, sink browser.EventSink) (browser.Driver, error) {
		driverCtx = ctx
		return readyDriver(), nil
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	if _, err := c.Start(reqCtx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	cancel() // the server cancels the request context once the response is written

	select {
	case <-driverCtx.Done():
		t.Fatal("driver context died with the start request")
	default:
	}

	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
}

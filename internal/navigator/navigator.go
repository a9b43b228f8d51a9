// Package navigator brings a fresh browser session to a verified-ready
// page state: navigate, dismiss consent overlays, wait out login gates,
// and race readiness selectors, with bounded retries and per-attempt
// diagnostic capture.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"feedrunner/internal/browser"
)

const (
	maxAttempts      = 3
	readinessTimeout = 30 * time.Second
	authGateTimeout  = 5 * time.Minute
	authPollInterval = 2 * time.Second
	authSettleTime   = 5 * time.Second
	consentSettle    = 1 * time.Second
)

// backoffSchedule escalates between attempts.
var backoffSchedule = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

// consentLabels is the ordered probe list for cookie/consent overlays.
// Most specific first so "accept all" wins over a bare "ok".
var consentLabels = []string{
	"accept all",
	"accept cookies",
	"allow all",
	"i agree",
	"agree",
	"accept",
	"got it",
	"ok",
}

// readinessSelectors are structural landmarks; any one appearing means
// the feed is usable.
var readinessSelectors = []string{
	`main [role="feed"]`,
	`[data-feed]`,
	`main article`,
	`[role="main"] article`,
	`article`,
}

// authGateURLPatterns and authGateFormSelectors are the login-gate
// heuristics, checked in order.
var authGateURLPatterns = []string{"/login", "/signin", "/sign-in", "/auth", "checkpoint", "/sessions/new"}

var authGateFormSelectors = []string{
	`form[action*="login"]`,
	`form[action*="session"]`,
	`input[type="password"]`,
}

// ErrAuthTimeout means the user did not complete login within the gate
// window; it propagates as a navigation failure.
var ErrAuthTimeout = errors.New("login was not completed in time")

// AttemptRecord captures one failed navigation attempt for the start
// result payload.
type AttemptRecord struct {
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"`
	Screenshot string `json:"screenshot,omitempty"`
}

// NavError is the structured failure returned after all attempts are
// exhausted.
type NavError struct {
	Hint     string
	Attempts []AttemptRecord
}

func (e *NavError) Error() string {
	return fmt.Sprintf("navigation failed after %d attempts: %s", len(e.Attempts), e.Hint)
}

// TraceSink receives per-attempt diagnostic events.
type TraceSink interface {
	Log(eventType, sessionID string, data interface{})
}

// Navigator owns the retrying bring-up of a single page.
type Navigator struct {
	driver    browser.Driver
	trace     TraceSink
	runDir    string
	sessionID string

	// sleep and gateTimeout are injectable so tests do not pay the
	// real backoff and login windows.
	sleep       func(ctx context.Context, d time.Duration) error
	gateTimeout time.Duration
}

func New(driver browser.Driver, trace TraceSink, runDir, sessionID string) *Navigator {
	return &Navigator{
		driver:      driver,
		trace:       trace,
		runDir:      runDir,
		sessionID:   sessionID,
		sleep:       sleepWithContext,
		gateTimeout: authGateTimeout,
	}
}

// Ready navigates to targetURL and blocks until the page is verified
// ready, or fails with a *NavError carrying a hint and the collected
// attempt artifacts.
func (n *Navigator) Ready(ctx context.Context, targetURL string) error {
	var attempts []AttemptRecord

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := n.attempt(ctx, targetURL)
		if err == nil {
			log.Printf("[session:%s] page ready on attempt %d", n.sessionID, attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		record := AttemptRecord{Attempt: attempt, Outcome: err.Error()}
		shot := filepath.Join(n.runDir, fmt.Sprintf("nav_attempt_%d.png", attempt))
		if serr := n.driver.Screenshot(ctx, shot); serr == nil {
			if abs, aerr := filepath.Abs(shot); aerr == nil {
				record.Screenshot = abs
			} else {
				record.Screenshot = shot
			}
		} else {
			log.Printf("[session:%s] attempt %d screenshot failed: %v", n.sessionID, attempt, serr)
		}
		n.logTrace("nav_attempt_failed", record)
		attempts = append(attempts, record)

		log.Printf("[session:%s] navigation attempt %d/%d failed: %v", n.sessionID, attempt, maxAttempts, err)

		if attempt < maxAttempts {
			if serr := n.sleep(ctx, backoffSchedule[attempt-1]); serr != nil {
				return serr
			}
		}
	}

	return &NavError{
		Hint:     hintFor(attempts),
		Attempts: attempts,
	}
}

// attempt performs one navigate/dismiss/gate/readiness round.
func (n *Navigator) attempt(ctx context.Context, targetURL string) error {
	if err := n.driver.Navigate(ctx, targetURL); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}

	// Consent dismissal is best-effort: overlays come and go and a failed
	// probe is not a failed attempt.
	if clicked, err := n.driver.ClickByText(ctx, consentLabels); err == nil && clicked {
		n.logTrace("consent_dismissed", nil)
		_ = n.sleep(ctx, consentSettle)
	}

	gated, err := n.isAuthGated(ctx)
	if err != nil && browser.IsSessionClosed(err) {
		return err
	}
	if gated {
		if err := n.waitForLogin(ctx); err != nil {
			return err
		}
	}

	sel, err := n.driver.WaitAnyVisible(ctx, readinessSelectors, readinessTimeout)
	if err != nil {
		return fmt.Errorf("readiness check: %w", err)
	}
	n.logTrace("page_ready", map[string]string{"selector": sel})
	return nil
}

// isAuthGated checks the URL patterns first, then the form selectors.
func (n *Navigator) isAuthGated(ctx context.Context) (bool, error) {
	url, err := n.driver.CurrentURL(ctx)
	if err != nil {
		return false, err
	}
	if urlLooksGated(url) {
		return true, nil
	}

	for _, sel := range authGateFormSelectors {
		present, err := n.driver.HasSelector(ctx, sel)
		if err != nil {
			return false, err
		}
		if present {
			return true, nil
		}
	}
	return false, nil
}

// waitForLogin blocks until the URL leaves the gate, then allows extra
// settle time for the post-login redirect chain.
func (n *Navigator) waitForLogin(ctx context.Context) error {
	log.Printf("[session:%s] authentication gate detected, waiting up to %s for login", n.sessionID, n.gateTimeout)
	n.logTrace("auth_gate_detected", nil)

	deadline := time.Now().Add(n.gateTimeout)
	for time.Now().Before(deadline) {
		if err := n.sleep(ctx, authPollInterval); err != nil {
			return err
		}
		url, err := n.driver.CurrentURL(ctx)
		if err != nil {
			if browser.IsSessionClosed(err) {
				return err
			}
			continue
		}
		if !urlLooksGated(url) {
			n.logTrace("auth_gate_cleared", map[string]string{"url": url})
			return n.sleep(ctx, authSettleTime)
		}
	}

	return fmt.Errorf("%w (waited %s)", ErrAuthTimeout, n.gateTimeout)
}

func urlLooksGated(url string) bool {
	lower := strings.ToLower(url)
	for _, pat := range authGateURLPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

func (n *Navigator) logTrace(eventType string, data interface{}) {
	if n.trace == nil {
		return
	}
	n.trace.Log(eventType, n.sessionID, data)
}

// hintFor derives a human-readable hint from the dominant failure mode.
func hintFor(attempts []AttemptRecord) string {
	for _, a := range attempts {
		if strings.Contains(a.Outcome, ErrAuthTimeout.Error()) {
			return "login was never completed; sign in manually and start again"
		}
	}
	for _, a := range attempts {
		if strings.Contains(a.Outcome, "readiness") {
			return "page loaded but no feed landmark appeared; the page structure may have changed or the URL is wrong"
		}
	}
	return "the page could not be loaded; check the target URL and network connectivity"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

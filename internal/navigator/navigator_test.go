package navigator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"feedrunner/internal/browser"
)

// fakeDriver scripts just enough of browser.Driver for navigation tests.
type fakeDriver struct {
	url            string
	urls           []string // CurrentURL returns these in order, sticking on the last
	urlIdx         int
	readyErr       error
	readyAfter     int // WaitAnyVisible succeeds once call count exceeds this
	readyCalls     int
	consentClicked bool
	screenshots    []string
	hasSelector    map[string]bool
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error { return nil }

func (f *fakeDriver) CurrentURL(ctx context.Context) (string, error) {
	if len(f.urls) == 0 {
		return f.url, nil
	}
	u := f.urls[f.urlIdx]
	if f.urlIdx < len(f.urls)-1 {
		f.urlIdx++
	}
	return u, nil
}

func (f *fakeDriver) HasSelector(ctx context.Context, sel string) (bool, error) {
	return f.hasSelector[sel], nil
}

func (f *fakeDriver) WaitAnyVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	f.readyCalls++
	if f.readyErr != nil && f.readyCalls <= f.readyAfter {
		return "", f.readyErr
	}
	if f.readyErr != nil && f.readyAfter == 0 {
		return "", f.readyErr
	}
	return selectors[0], nil
}

func (f *fakeDriver) ClickByText(ctx context.Context, labels []string) (bool, error) {
	f.consentClicked = true
	return false, nil
}

func (f *fakeDriver) PressKey(ctx context.Context, key string) error { return nil }
func (f *fakeDriver) FocusedElement(ctx context.Context) (*browser.Focused, error) {
	return nil, nil
}
func (f *fakeDriver) CurrentItem(ctx context.Context) (*browser.Item, error) { return nil, nil }
func (f *fakeDriver) InsertText(ctx context.Context, text string) error      { return nil }
func (f *fakeDriver) PasteText(ctx context.Context, text string) error       { return nil }
func (f *fakeDriver) TypeText(ctx context.Context, text string) error        { return nil }
func (f *fakeDriver) FocusedText(ctx context.Context) (string, error)        { return "", nil }

func (f *fakeDriver) Screenshot(ctx context.Context, path string) error {
	f.screenshots = append(f.screenshots, path)
	return nil
}

func (f *fakeDriver) Close() error { return nil }

func newTestNavigator(t *testing.T, d browser.Driver) *Navigator {
	t.Helper()
	n := New(d, nil, t.TempDir(), "sess-test")
	n.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return n
}

func TestReadyBoundedRetries(t *testing.T) {
	d := &fakeDriver{url: "https://feed.example.com", readyErr: errors.New("nothing appeared")}
	n := newTestNavigator(t, d)

	err := n.Ready(context.Background(), "https://feed.example.com")
	if err == nil {
		t.Fatal("expected navigation failure")
	}

	var navErr *NavError
	if !errors.As(err, &navErr) {
		t.Fatalf("expected *NavError, got %T: %v", err, err)
	}
	if len(navErr.Attempts) != maxAttempts {
		t.Errorf("expected exactly %d attempt records, got %d", maxAttempts, len(navErr.Attempts))
	}
	if d.readyCalls != maxAttempts {
		t.Errorf("expected exactly %d readiness checks, got %d", maxAttempts, d.readyCalls)
	}
	if len(d.screenshots) != maxAttempts {
		t.Errorf("expected one screenshot per failed attempt, got %d", len(d.screenshots))
	}
	for i, a := range navErr.Attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt %d numbered %d", i+1, a.Attempt)
		}
		if a.Screenshot == "" {
			t.Errorf("attempt %d missing screenshot artifact", i+1)
		}
	}
	if navErr.Hint == "" {
		t.Error("structured failure must carry a hint")
	}
}

func TestReadySucceedsAfterRetry(t *testing.T) {
	d := &fakeDriver{
		url:        "https://feed.example.com",
		readyErr:   errors.New("slow load"),
		readyAfter: 1, // first check fails, second succeeds
	}
	n := newTestNavigator(t, d)

	if err := n.Ready(context.Background(), "https://feed.example.com"); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if d.readyCalls != 2 {
		t.Errorf("expected 2 readiness checks, got %d", d.readyCalls)
	}
	if !d.consentClicked {
		t.Error("consent probe should run on every attempt")
	}
}

func TestReadyWaitsOutAuthGate(t *testing.T) {
	d := &fakeDriver{
		urls: []string{
			"https://example.com/login",
			"https://example.com/login",
			"https://example.com/feed",
		},
	}
	n := newTestNavigator(t, d)

	if err := n.Ready(context.Background(), "https://example.com/feed"); err != nil {
		t.Fatalf("expected success after gate cleared, got %v", err)
	}
	if d.readyCalls != 1 {
		t.Errorf("expected a single readiness check after the gate cleared, got %d", d.readyCalls)
	}
}

func TestReadyAuthTimeout(t *testing.T) {
	d := &fakeDriver{url: "https://example.com/login"}
	n := newTestNavigator(t, d)
	n.gateTimeout = 20 * time.Millisecond
	n.sleep = func(ctx context.Context, _ time.Duration) error {
		time.Sleep(5 * time.Millisecond)
		return ctx.Err()
	}

	err := n.Ready(context.Background(), "https://example.com/feed")
	if err == nil {
		t.Fatal("expected auth-timeout failure")
	}

	var navErr *NavError
	if !errors.As(err, &navErr) {
		t.Fatalf("expected *NavError, got %T", err)
	}
	found := false
	for _, a := range navErr.Attempts {
		if strings.Contains(a.Outcome, ErrAuthTimeout.Error()) {
			found = true
		}
	}
	if !found {
		t.Errorf("attempts should record the login timeout: %+v", navErr.Attempts)
	}
	if !strings.Contains(navErr.Hint, "login") {
		t.Errorf("hint should mention login, got %q", navErr.Hint)
	}
}

func TestReadyDetectsFormGate(t *testing.T) {
	d := &fakeDriver{
		url:         "https://example.com/feed",
		hasSelector: map[string]bool{`input[type="password"]`: true},
	}
	n := newTestNavigator(t, d)
	n.gateTimeout = 10 * time.Millisecond
	n.sleep = func(ctx context.Context, _ time.Duration) error {
		time.Sleep(2 * time.Millisecond)
		return ctx.Err()
	}

	// URL never changes (it does not look gated), so the form heuristic
	// triggers the gate and the URL poll immediately clears it.
	if err := n.Ready(context.Background(), "https://example.com/feed"); err != nil {
		t.Fatalf("form-gated page whose URL is clean should clear immediately: %v", err)
	}
}

func TestReadyHonorsContextCancel(t *testing.T) {
	d := &fakeDriver{url: "https://feed.example.com", readyErr: errors.New("nope")}
	n := newTestNavigator(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.Ready(ctx, "https://feed.example.com")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

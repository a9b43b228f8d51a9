// Package browser is the page interaction layer: a thin capability
// interface over the browser-automation engine plus its Rod-backed
// implementation. Everything above this package (navigator, runner)
// talks to the Driver interface so the loop logic stays testable
// without a live Chrome.
package browser

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// ErrSessionClosed signals that the browser process went away mid-run.
// The loop treats it as unrecoverable; everything else is per-item noise.
var ErrSessionClosed = errors.New("browser session closed")

// Item is one discrete content unit detected on the page via the
// focus-boundary heuristic. It lives for a single loop iteration; only
// its ID outlives it, inside the session's seen-item set.
type Item struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Author      string `json:"author"`
	RawMarkup   string `json:"-"`
	GeneratedID bool   `json:"generated_id,omitempty"`
}

// Focused describes the element currently holding keyboard focus.
type Focused struct {
	Tag       string `json:"tag"`
	Role      string `json:"role"`
	AriaLabel string `json:"aria_label"`
	TestID    string `json:"test_id"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Text      string `json:"text"`
	Editable  bool   `json:"editable"`
	// ID of the enclosing item boundary, empty when focus is outside any item.
	ItemID string `json:"item_id"`
}

// Driver is the command surface the automation core needs from a page
// engine: press keys, read focus, read item boundaries, insert text, wait.
type Driver interface {
	// Navigate loads url, waiting only for the initial document parse so
	// long-polling pages cannot hang the attempt.
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	// HasSelector reports whether the selector currently matches anything.
	HasSelector(ctx context.Context, selector string) (bool, error)
	// WaitAnyVisible races the selectors and returns the first to appear.
	WaitAnyVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, error)
	// ClickByText probes an ordered list of button labels and clicks the
	// first visible match. Returns false when nothing matched.
	ClickByText(ctx context.Context, labels []string) (bool, error)
	PressKey(ctx context.Context, key string) error
	FocusedElement(ctx context.Context) (*Focused, error)
	// CurrentItem returns the item whose boundary encloses the focused
	// element, or nil when focus is outside any item.
	CurrentItem(ctx context.Context) (*Item, error)
	// InsertText inserts into the focused editable region programmatically.
	InsertText(ctx context.Context, text string) error
	// PasteText writes to the clipboard and sends the paste chord.
	PasteText(ctx context.Context, text string) error
	// TypeText types character by character, the slowest fallback.
	TypeText(ctx context.Context, text string) error
	// FocusedText reads back the focused editable's content, normalized.
	FocusedText(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
	Close() error
}

// EventSink receives the diagnostic event stream (console, network,
// navigation) captured while a session runs.
type EventSink interface {
	Log(eventType, sessionID string, data interface{})
}

// EnsureItemID fills in a generated pseudo-identifier when the page
// markup carried none, so deduplication still works on id-less feeds.
func EnsureItemID(it *Item) {
	if it == nil || it.ID != "" {
		return
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(it.RawMarkup))
	if it.RawMarkup == "" {
		_, _ = h.Write([]byte(it.Text + "|" + it.Author))
	}
	it.ID = fmt.Sprintf("gen-%08x", h.Sum32())
	it.GeneratedID = true
}

// NormalizeText collapses whitespace for insertion verification; editors
// rewrite spacing and newlines, so verification compares normalized forms.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// IsSessionClosed reports whether err means the browser itself is gone
// rather than a single command failing.
func IsSessionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"websocket: close",
		"use of closed network connection",
		"browser has been closed",
		"target closed",
		"cdp connection closed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

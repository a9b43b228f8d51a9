package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"feedrunner/internal/browser"
	"feedrunner/internal/config"
	"feedrunner/internal/webhook"
)

var (
	// ErrItemMismatch means keyboard focus crossed into a different item
	// while searching for a control. The engagement is abandoned rather
	// than acted on against the wrong item.
	ErrItemMismatch = errors.New("focus left the detected item")

	// ErrVerification means no insertion strategy produced content the
	// editor read back.
	ErrVerification = errors.New("content insertion could not be verified")
)

const (
	// toggleSearchLimit bounds the focus walk toward the primary toggle.
	toggleSearchLimit = 100
	// secondaryTabCount is the expected focus distance from the toggle
	// to the response control; secondarySearchLimit bounds the fallback
	// walk when the fixed advance lands elsewhere.
	secondaryTabCount    = 2
	secondarySearchLimit = 5
	// submitTabCount is the expected focus distance from the editor to
	// the submit control.
	submitTabCount = 3
)

var (
	primaryToggleCues = []string{"like", "react", "upvote"}
	secondaryCues     = []string{"comment", "reply", "respond"}
	submitCues        = []string{"post", "submit", "send", "reply"}
)

// Generator produces the response text for an item.
type Generator interface {
	Generate(ctx context.Context, in webhook.GenerationInput) (string, error)
}

// Actor drives a single engagement: toggle, open the editor, insert
// generated content, verify it, submit.
type Actor struct {
	driver    browser.Driver
	generator Generator
	gate      *Gate
	timing    config.Timing
	rng       *rand.Rand
	trace     browser.EventSink
	sessionID string
}

func NewActor(driver browser.Driver, gen Generator, gate *Gate, timing config.Timing, rng *rand.Rand, trace browser.EventSink, sessionID string) *Actor {
	return &Actor{
		driver:    driver,
		generator: gen,
		gate:      gate,
		timing:    timing,
		rng:       rng,
		trace:     trace,
		sessionID: sessionID,
	}
}

// Engage performs the full act sequence against item. Success means the
// generated content was verified inside the editor; a failed submit
// afterwards is logged but does not fail the engagement.
func (a *Actor) Engage(ctx context.Context, item *browser.Item) error {
	if err := a.focusToggle(ctx, item); err != nil {
		return err
	}
	if err := a.activate(ctx); err != nil {
		return err
	}
	a.log("toggle_activated", map[string]string{"itemId": item.ID})

	if err := a.focusSecondary(ctx, item); err != nil {
		return err
	}
	if err := a.activate(ctx); err != nil {
		return err
	}
	if err := a.gate.Sleep(ctx, a.timing.EditorDelay.Draw(a.rng)); err != nil {
		return err
	}

	text, err := a.generator.Generate(ctx, webhook.GenerationInput{
		ItemID:      item.ID,
		Content:     item.Text,
		AuthorLabel: item.Author,
		ActionType:  "respond",
	})
	if err != nil {
		return fmt.Errorf("generate content: %w", err)
	}

	strategy, err := a.insertVerified(ctx, text)
	if err != nil {
		return err
	}
	a.log("content_inserted", map[string]string{"itemId": item.ID, "strategy": strategy})

	a.submit(ctx, item)
	return nil
}

// focusToggle walks focus forward until it lands on the primary toggle
// inside the detected item. Crossing into another item is a hard skip.
func (a *Actor) focusToggle(ctx context.Context, item *browser.Item) error {
	for i := 0; i < toggleSearchLimit; i++ {
		f, err := a.driver.FocusedElement(ctx)
		if err != nil {
			return err
		}
		if f != nil && f.ItemID != "" && f.ItemID != item.ID {
			return fmt.Errorf("%w: expected %s, focused %s", ErrItemMismatch, item.ID, f.ItemID)
		}
		if matchesCue(f, primaryToggleCues) {
			return nil
		}
		if err := a.step(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("toggle not found within %d focus steps for item %s", toggleSearchLimit, item.ID)
}

// focusSecondary does the fixed-count advance to the response control,
// then a short bounded search when the layout does not match.
func (a *Actor) focusSecondary(ctx context.Context, item *browser.Item) error {
	for i := 0; i < secondaryTabCount; i++ {
		if err := a.step(ctx); err != nil {
			return err
		}
	}
	for i := 0; i < secondarySearchLimit; i++ {
		f, err := a.driver.FocusedElement(ctx)
		if err != nil {
			return err
		}
		if f != nil && f.ItemID != "" && f.ItemID != item.ID {
			return fmt.Errorf("%w: expected %s, focused %s", ErrItemMismatch, item.ID, f.ItemID)
		}
		if matchesCue(f, secondaryCues) {
			return nil
		}
		if err := a.step(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("response control not found for item %s", item.ID)
}

// insertVerified tries the insertion strategies from least to most
// intrusive and returns the name of the first one whose content the
// editor read back.
func (a *Actor) insertVerified(ctx context.Context, text string) (string, error) {
	want := browser.NormalizeText(text)
	strategies := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{"clipboard-paste", a.driver.PasteText},
		{"programmatic", a.driver.InsertText},
		{"typed", a.driver.TypeText},
	}
	for _, s := range strategies {
		if err := s.fn(ctx, text); err != nil {
			if browser.IsSessionClosed(err) {
				return "", err
			}
			a.log("insertion_failed", map[string]string{"strategy": s.name, "error": err.Error()})
			continue
		}
		if err := a.gate.Sleep(ctx, a.timing.ActionDelay.Draw(a.rng)); err != nil {
			return "", err
		}
		got, err := a.driver.FocusedText(ctx)
		if err != nil {
			return "", err
		}
		if got == want || (want != "" && strings.Contains(got, want)) {
			return s.name, nil
		}
		a.log("insertion_unverified", map[string]string{"strategy": s.name})
	}
	return "", ErrVerification
}

// submit advances to the submit control and activates it. Everything
// here is best effort; the content is already verified in the editor.
func (a *Actor) submit(ctx context.Context, item *browser.Item) {
	for i := 0; i < submitTabCount; i++ {
		if err := a.step(ctx); err != nil {
			a.log("submit_skipped", map[string]string{"itemId": item.ID, "error": err.Error()})
			return
		}
	}
	f, err := a.driver.FocusedElement(ctx)
	if err != nil || !matchesCue(f, submitCues) {
		a.log("submit_control_missing", map[string]string{"itemId": item.ID})
		return
	}
	if err := a.driver.PressKey(ctx, "Enter"); err != nil {
		a.log("submit_failed", map[string]string{"itemId": item.ID, "error": err.Error()})
		return
	}
	a.log("submitted", map[string]string{"itemId": item.ID})
}

func (a *Actor) activate(ctx context.Context) error {
	if err := a.driver.PressKey(ctx, "Enter"); err != nil {
		return err
	}
	return a.gate.Sleep(ctx, a.timing.ActionDelay.Draw(a.rng))
}

// step presses Tab and applies the randomized pacing delay.
func (a *Actor) step(ctx context.Context) error {
	if err := a.driver.PressKey(ctx, "Tab"); err != nil {
		return err
	}
	return a.gate.Sleep(ctx, a.timing.ActionDelay.Draw(a.rng))
}

func (a *Actor) log(eventType string, data interface{}) {
	if a.trace != nil {
		a.trace.Log(eventType, a.sessionID, data)
	}
}

// matchesCue reports whether the focused element is an activatable
// control whose accessible naming contains one of the cues.
func matchesCue(f *browser.Focused, cues []string) bool {
	if f == nil {
		return false
	}
	if f.Role != "button" && f.Tag != "button" && f.Tag != "a" {
		return false
	}
	hay := strings.ToLower(strings.Join([]string{f.AriaLabel, f.TestID, f.ID, f.Name, f.Text}, " "))
	for _, cue := range cues {
		if strings.Contains(hay, cue) {
			return true
		}
	}
	return false
}

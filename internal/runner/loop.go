package runner

import (
	"context"
	"errors"
	"log"
	"math/rand"

	"feedrunner/internal/browser"
	"feedrunner/internal/config"
	"feedrunner/internal/webhook"
)

// Decider maps an item to an act/skip verdict. The webhook client fails
// open, so Decide never blocks the loop on an error.
type Decider interface {
	Decide(ctx context.Context, itemID, rawMarkup string) webhook.Decision
}

// Engager performs the full act sequence for one item.
type Engager interface {
	Engage(ctx context.Context, item *browser.Item) error
}

// Engine runs the detect/decide/act loop over a ready page. Recoverable
// errors are logged and counted; the loop exits only on a stop request,
// context cancellation, or a closed browser session.
type Engine struct {
	driver   browser.Driver
	decider  Decider
	engager  Engager
	gate     *Gate
	sess     *Session
	timing   config.Timing
	optimize bool
	// maxActions is a reporting threshold, never a stop condition.
	maxActions int
	rng        *rand.Rand
	trace      browser.EventSink
}

func NewEngine(driver browser.Driver, decider Decider, engager Engager, gate *Gate, sess *Session, timing config.Timing, optimize bool, maxActions int, rng *rand.Rand, trace browser.EventSink) *Engine {
	return &Engine{
		driver:     driver,
		decider:    decider,
		engager:    engager,
		gate:       gate,
		sess:       sess,
		timing:     timing,
		optimize:   optimize,
		maxActions: maxActions,
		rng:        rng,
		trace:      trace,
	}
}

// Run drives the state machine until stopped. A clean stop returns nil;
// only a dead browser or a cancelled context surfaces as an error.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[session:%s] automation loop started (optimize=%v maxActions=%d)", e.sess.ID, e.optimize, e.maxActions)

	current := stateTabbing
	var item *browser.Item
	var acted bool

	for {
		if e.gate.Stopped() {
			e.log("loop_stopped", map[string]string{"state": current.String()})
			return nil
		}
		if err := e.gate.AwaitResume(ctx); err != nil {
			return e.exit(err)
		}

		switch current {
		case stateTabbing:
			next, detected, err := e.tab(ctx)
			if err != nil {
				return e.exit(err)
			}
			current, item = next, detected

		case stateItemDetected:
			fresh := e.sess.MarkSeen(item.ID)
			if fresh {
				e.sess.AddProcessed()
			}
			current = afterDetection(!fresh, e.optimize)
			e.log("item_detected", map[string]interface{}{
				"itemId": item.ID, "fresh": fresh, "next": current.String(),
			})

		case stateDedupSkip:
			current = stateAdvancing

		case stateDeciding:
			d := e.decider.Decide(ctx, item.ID, item.RawMarkup)
			e.log("decision", map[string]interface{}{
				"itemId": item.ID, "act": d.Act, "failedOpen": d.FailedOpen,
			})
			current = afterDecision(d.Act)

		case stateActing:
			var err error
			acted, err = e.act(ctx, item)
			if err != nil {
				return e.exit(err)
			}
			current = afterAct(acted)

		case stateCooling:
			if err := e.gate.Sleep(ctx, e.timing.CoolDown.Draw(e.rng)); err != nil {
				return e.exit(err)
			}
			current = stateAdvancing

		case stateAdvancing:
			if err := e.advance(ctx, item); err != nil {
				return e.exit(err)
			}
			current, item = stateTabbing, nil
		}
	}
}

// tab presses Tab once, waits the pacing delay, and reports whether
// focus landed inside an item boundary.
func (e *Engine) tab(ctx context.Context) (state, *browser.Item, error) {
	if err := e.driver.PressKey(ctx, "Tab"); err != nil {
		if browser.IsSessionClosed(err) {
			return 0, nil, err
		}
		e.recoverable("tab", err)
		return stateTabbing, nil, nil
	}
	if err := e.gate.Sleep(ctx, e.timing.ActionDelay.Draw(e.rng)); err != nil {
		return 0, nil, err
	}
	item, err := e.driver.CurrentItem(ctx)
	if err != nil {
		if browser.IsSessionClosed(err) {
			return 0, nil, err
		}
		e.recoverable("detect", err)
		return stateTabbing, nil, nil
	}
	if item == nil {
		return stateTabbing, nil, nil
	}
	browser.EnsureItemID(item)
	return stateItemDetected, item, nil
}

// act runs one engagement and reports whether it succeeded. Per-item
// failures are recoverable; a stop request or a dead browser propagates.
func (e *Engine) act(ctx context.Context, item *browser.Item) (bool, error) {
	err := e.engager.Engage(ctx, item)
	if err == nil {
		n := e.sess.AddActed()
		if e.maxActions > 0 && n == e.maxActions {
			log.Printf("[session:%s] reporting threshold reached: %d actions", e.sess.ID, n)
			e.log("max_actions_reached", map[string]int{"actions": n})
		}
		return true, nil
	}
	if errors.Is(err, ErrStopped) || browser.IsSessionClosed(err) || ctx.Err() != nil {
		return false, err
	}
	e.sess.AddError()
	e.log("act_failed", map[string]string{"itemId": item.ID, "error": err.Error()})
	log.Printf("[session:%s] act failed on item %s: %v", e.sess.ID, item.ID, err)
	return false, nil
}

// advance walks focus forward until it leaves the given item, so the
// next detection pass cannot re-report the item just handled. The walk
// is bounded only by the stop flag, checked in every pacing delay.
func (e *Engine) advance(ctx context.Context, last *browser.Item) error {
	for {
		if err := e.driver.PressKey(ctx, "Tab"); err != nil {
			if browser.IsSessionClosed(err) {
				return err
			}
			e.recoverable("advance", err)
			return nil
		}
		if err := e.gate.Sleep(ctx, e.timing.ActionDelay.Draw(e.rng)); err != nil {
			return err
		}
		cur, err := e.driver.CurrentItem(ctx)
		if err != nil {
			if browser.IsSessionClosed(err) {
				return err
			}
			e.recoverable("advance", err)
			return nil
		}
		if cur == nil {
			return nil
		}
		browser.EnsureItemID(cur)
		if last == nil || cur.ID != last.ID {
			return nil
		}
	}
}

func (e *Engine) recoverable(phase string, err error) {
	e.sess.AddError()
	e.log("recoverable_error", map[string]string{"phase": phase, "error": err.Error()})
	log.Printf("[session:%s] recoverable %s error: %v", e.sess.ID, phase, err)
}

// exit maps gate and context terminations to a clean nil return; only
// genuine failures propagate.
func (e *Engine) exit(err error) error {
	if err == nil || errors.Is(err, ErrStopped) {
		e.log("loop_stopped", nil)
		return nil
	}
	if browser.IsSessionClosed(err) {
		e.log("session_closed", map[string]string{"error": err.Error()})
		log.Printf("[session:%s] browser session closed, loop exiting: %v", e.sess.ID, err)
		return browser.ErrSessionClosed
	}
	return err
}

func (e *Engine) log(eventType string, data interface{}) {
	if e.trace != nil {
		e.trace.Log(eventType, e.sess.ID, data)
	}
}

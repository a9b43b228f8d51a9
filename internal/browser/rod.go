package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"feedrunner/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// itemBoundarySelector lists the structural landmarks that delimit one
// feed item. Ordered from most to least specific.
const itemBoundarySelector = `article, [role="article"], [data-item-id], [data-id], [data-urn]`

// RodDriver drives a detached Chrome through Rod. One driver owns one
// exclusive page; the process never runs two drivers at once.
type RodDriver struct {
	cfg       config.BrowserConfig
	sink      EventSink
	sessionID string

	browser *rod.Browser
	page    *rod.Page
	cancel  context.CancelFunc
}

// NewRodDriver launches or attaches to Chrome, opens the working page,
// and starts the diagnostic event stream into sink (which may be nil).
func NewRodDriver(ctx context.Context, cfg config.BrowserConfig, sessionID string, sink EventSink) (*RodDriver, error) {
	controlURL := cfg.DebuggerURL
	if controlURL == "" && len(cfg.Launch) > 0 {
		bin := cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(cfg.IsHeadless())
		for _, rawFlag := range cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return nil, fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}
	if controlURL == "" {
		return nil, errors.New("no debugger_url or launch command provided")
	}

	driverCtx, cancel := context.WithCancel(ctx)

	b := rod.New().ControlURL(controlURL).Context(driverCtx)
	if err := b.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		cancel()
		_ = b.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.GetViewportWidth(),
		Height:            cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("[session:%s] warning: failed to set viewport: %v", sessionID, err)
	}

	// Clipboard access for the paste-based insertion layer; best-effort.
	_ = proto.BrowserGrantPermissions{
		Permissions: []proto.BrowserPermissionType{
			proto.BrowserPermissionTypeClipboardReadWrite,
			proto.BrowserPermissionTypeClipboardSanitizedWrite,
		},
	}.Call(b)

	d := &RodDriver{
		cfg:       cfg,
		sink:      sink,
		sessionID: sessionID,
		browser:   b,
		page:      page,
		cancel:    cancel,
	}
	d.startEventStream(driverCtx)

	log.Printf("[session:%s] browser connected at %s", sessionID, controlURL)
	return d, nil
}

// Navigate loads url and waits only for the initial document parse, never
// for network idle, so long-polling feeds cannot hang the attempt.
func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	timeout := d.cfg.NavigationTimeout()
	page := d.page.Context(ctx).Timeout(timeout)

	wait := page.WaitEvent(&proto.PageDomContentEventFired{})
	if err := page.Navigate(url); err != nil {
		return d.wrap(fmt.Errorf("navigate %s: %w", url, err))
	}
	wait()
	return nil
}

func (d *RodDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", d.wrap(err)
	}
	return info.URL, nil
}

func (d *RodDriver) HasSelector(ctx context.Context, selector string) (bool, error) {
	res, err := d.page.Context(ctx).Eval(`(sel) => !!document.querySelector(sel)`, selector)
	if err != nil {
		return false, d.wrap(err)
	}
	return res.Value.Bool(), nil
}

// WaitAnyVisible races the given selectors; whichever appears first wins.
func (d *RodDriver) WaitAnyVisible(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	if len(selectors) == 0 {
		return "", errors.New("no selectors to wait for")
	}

	var matched string
	race := d.page.Context(ctx).Timeout(timeout).Race()
	for _, sel := range selectors {
		sel := sel
		race = race.Element(sel).Handle(func(_ *rod.Element) error {
			matched = sel
			return nil
		})
	}
	if _, err := race.Do(); err != nil {
		return "", d.wrap(fmt.Errorf("no readiness selector appeared within %s: %w", timeout, err))
	}
	return matched, nil
}

// ClickByText probes the ordered label list against visible buttons and
// links, clicking the first match. Used for consent/cookie overlays where
// markup varies but button texts are predictable.
func (d *RodDriver) ClickByText(ctx context.Context, labels []string) (bool, error) {
	js := `
	(labels) => {
		const wanted = labels.map(l => l.toLowerCase());
		const candidates = document.querySelectorAll('button, [role="button"], input[type="submit"], a');
		for (const want of wanted) {
			for (const el of candidates) {
				if (!el.offsetParent && el.tagName !== 'A') continue;
				const text = ((el.innerText || el.value || '') + ' ' + (el.getAttribute('aria-label') || '')).trim().toLowerCase();
				if (!text) continue;
				if (text === want || text.includes(want)) {
					el.click();
					return true;
				}
			}
		}
		return false;
	}
	`
	res, err := d.page.Context(ctx).Eval(js, labels)
	if err != nil {
		return false, d.wrap(err)
	}
	return res.Value.Bool(), nil
}

func (d *RodDriver) PressKey(ctx context.Context, key string) error {
	keyMap := map[string]input.Key{
		"Enter":     input.Enter,
		"Tab":       input.Tab,
		"Escape":    input.Escape,
		"Backspace": input.Backspace,
		"Space":     input.Space,
		"ArrowUp":   input.ArrowUp,
		"ArrowDown": input.ArrowDown,
	}

	var inputKey input.Key
	if k, ok := keyMap[key]; ok {
		inputKey = k
	} else if len(key) == 1 {
		inputKey = input.Key(rune(key[0]))
	} else {
		return fmt.Errorf("unknown key: %s", key)
	}

	if err := d.page.Context(ctx).Keyboard.Press(inputKey); err != nil {
		return d.wrap(fmt.Errorf("press %s: %w", key, err))
	}
	return nil
}

func (d *RodDriver) FocusedElement(ctx context.Context) (*Focused, error) {
	js := `
	(boundarySel) => {
		const el = document.activeElement;
		if (!el || el === document.body || el === document.documentElement) return null;
		const boundary = el.closest(boundarySel);
		let itemId = '';
		if (boundary) {
			itemId = boundary.getAttribute('data-item-id') || boundary.getAttribute('data-id') ||
				boundary.getAttribute('data-urn') || boundary.id || '';
		}
		const tag = el.tagName.toLowerCase();
		const editable = el.isContentEditable || tag === 'textarea' ||
			(tag === 'input' && !['button','submit','checkbox','radio','file'].includes(el.type));
		return {
			tag: tag,
			role: el.getAttribute('role') || '',
			aria_label: el.getAttribute('aria-label') || '',
			test_id: el.getAttribute('data-testid') || el.getAttribute('data-test-id') || '',
			id: el.id || '',
			name: el.getAttribute('name') || '',
			text: ((el.innerText !== undefined ? el.innerText : '') || el.value || '').trim().slice(0, 200),
			editable: editable,
			item_id: itemId
		};
	}
	`
	res, err := d.page.Context(ctx).Eval(js, itemBoundarySelector)
	if err != nil {
		return nil, d.wrap(err)
	}
	if res.Value.Nil() {
		return nil, nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var f Focused
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode focused element: %w", err)
	}
	return &f, nil
}

func (d *RodDriver) CurrentItem(ctx context.Context) (*Item, error) {
	js := `
	(boundarySel) => {
		const el = document.activeElement;
		if (!el) return null;
		const boundary = el.closest(boundarySel);
		if (!boundary) return null;
		const id = boundary.getAttribute('data-item-id') || boundary.getAttribute('data-id') ||
			boundary.getAttribute('data-urn') || boundary.id || '';
		let author = '';
		const authorEl = boundary.querySelector('[data-author], .author, [rel="author"], h2, h3');
		if (authorEl) author = (authorEl.innerText || '').trim().slice(0, 120);
		return {
			id: id,
			text: (boundary.innerText || '').trim().slice(0, 4000),
			author: author,
			html: boundary.outerHTML.slice(0, 65536)
		};
	}
	`
	res, err := d.page.Context(ctx).Eval(js, itemBoundarySelector)
	if err != nil {
		return nil, d.wrap(err)
	}
	if res.Value.Nil() {
		return nil, nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var payload struct {
		ID     string `json:"id"`
		Text   string `json:"text"`
		Author string `json:"author"`
		HTML   string `json:"html"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}

	item := &Item{ID: payload.ID, Text: payload.Text, Author: payload.Author, RawMarkup: payload.HTML}
	EnsureItemID(item)
	return item, nil
}

// InsertText uses CDP's synthetic text insertion, the programmatic layer
// of the insertion strategy.
func (d *RodDriver) InsertText(ctx context.Context, text string) error {
	if err := d.page.Context(ctx).InsertText(text); err != nil {
		return d.wrap(fmt.Errorf("insert text: %w", err))
	}
	return nil
}

// PasteText writes the clipboard in page context and sends Ctrl+V.
func (d *RodDriver) PasteText(ctx context.Context, text string) error {
	page := d.page.Context(ctx)

	_, err := page.Evaluate(&rod.EvalOptions{
		JS:           `(t) => navigator.clipboard.writeText(t)`,
		JSArgs:       []interface{}{text},
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
	if err != nil {
		return d.wrap(fmt.Errorf("write clipboard: %w", err))
	}

	if err := pasteChord(page.Keyboard); err != nil {
		return d.wrap(err)
	}
	return nil
}

// keyChorder is the slice of rod's Keyboard the paste chord needs.
type keyChorder interface {
	Press(key input.Key) error
	Release(key input.Key) error
}

// pasteChord sends ctrl+v. Press is key-down only, so both keys are
// released afterwards; a held key would corrupt every keystroke that
// follows in the session.
func pasteChord(kb keyChorder) error {
	if err := kb.Press(input.ControlLeft); err != nil {
		return err
	}
	pressErr := kb.Press(input.Key('v'))
	_ = kb.Release(input.Key('v'))
	_ = kb.Release(input.ControlLeft)
	if pressErr != nil {
		return fmt.Errorf("paste chord: %w", pressErr)
	}
	return nil
}

// TypeText types character by character, the last-resort insertion layer.
func (d *RodDriver) TypeText(ctx context.Context, text string) error {
	page := d.page.Context(ctx)
	for _, r := range text {
		if r == '\n' {
			// Raw Enter may submit the editor early; insert the newline instead.
			if err := page.InsertText("\n"); err != nil {
				return d.wrap(err)
			}
			continue
		}
		if err := page.Keyboard.Type(input.Key(r)); err != nil {
			return d.wrap(fmt.Errorf("type %q: %w", r, err))
		}
	}
	return nil
}

func (d *RodDriver) FocusedText(ctx context.Context) (string, error) {
	js := `
	() => {
		const el = document.activeElement;
		if (!el) return '';
		if (el.value !== undefined && el.value !== null && el.tagName !== 'BUTTON') return String(el.value);
		return el.innerText || el.textContent || '';
	}
	`
	res, err := d.page.Context(ctx).Eval(js)
	if err != nil {
		return "", d.wrap(err)
	}
	return NormalizeText(res.Value.Str()), nil
}

func (d *RodDriver) Screenshot(ctx context.Context, path string) error {
	data, err := d.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return d.wrap(fmt.Errorf("screenshot: %w", err))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Close tears down the page and the browser. Safe to call more than once.
// The context is cancelled only after the CDP close calls have gone out;
// cancelling first would abort them and leave Chrome running.
func (d *RodDriver) Close() error {
	if d.page != nil {
		_ = d.page.Close()
		d.page = nil
	}
	var err error
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	d.cancel()
	log.Printf("[session:%s] browser shutdown complete", d.sessionID)
	return err
}

// wrap upgrades dead-connection errors to ErrSessionClosed so the loop
// can tell "browser gone" from "this command failed".
func (d *RodDriver) wrap(err error) error {
	if err == nil {
		return nil
	}
	if IsSessionClosed(err) && !errors.Is(err, ErrSessionClosed) {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}

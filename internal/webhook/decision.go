package webhook

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"
)

// Decision is the verdict for a single item.
type Decision struct {
	Act bool `json:"act"`
	// Item identifier echoed back by the service, when it returns one.
	ItemID string `json:"itemId,omitempty"`
	// FailedOpen marks verdicts that came from the fail-open default
	// rather than the service itself.
	FailedOpen bool `json:"-"`
}

// DecisionClient asks the external decision service whether an item
// warrants action. It never returns an error: any failure produces an
// affirmative fail-open verdict, because a silently stalled loop costs
// more than an occasional low-value action.
type DecisionClient struct {
	client   *Client
	endpoint string
	timeout  time.Duration

	ttl   time.Duration
	mu    sync.Mutex
	cache map[string]cachedVerdict
}

type cachedVerdict struct {
	decision Decision
	expires  time.Time
}

// NewDecisionClient wires a decision client against endpoint. A zero ttl
// disables verdict caching.
func NewDecisionClient(client *Client, endpoint string, timeout, ttl time.Duration) *DecisionClient {
	return &DecisionClient{
		client:   client,
		endpoint: endpoint,
		timeout:  timeout,
		ttl:      ttl,
		cache:    make(map[string]cachedVerdict),
	}
}

// Decide sends the item's raw markup to the decision endpoint. Verdicts
// are cached per item id for the configured TTL to absorb duplicate focus
// events on the same item.
func (c *DecisionClient) Decide(ctx context.Context, itemID, rawMarkup string) Decision {
	if c.endpoint == "" {
		// No endpoint configured behaves like fail-open: always act.
		return Decision{Act: true, ItemID: itemID, FailedOpen: true}
	}

	if d, ok := c.cached(itemID); ok {
		return d
	}

	raw, err := c.client.Send(ctx, c.endpoint, map[string]string{"rawMarkup": rawMarkup}, c.timeout)
	if err != nil {
		log.Printf("[decision] %s for item %s, failing open: %v", KindOf(err), itemID, err)
		return Decision{Act: true, ItemID: itemID, FailedOpen: true}
	}

	d, perr := parseDecision(raw)
	if perr != nil {
		log.Printf("[decision] unparseable verdict for item %s, failing open: %v (body: %.256s)", itemID, perr, string(raw))
		return Decision{Act: true, ItemID: itemID, FailedOpen: true}
	}
	if d.ItemID == "" {
		d.ItemID = itemID
	}

	c.store(itemID, d)
	return d
}

func (c *DecisionClient) cached(itemID string) (Decision, bool) {
	if c.ttl <= 0 {
		return Decision{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[itemID]
	if !ok || time.Now().After(entry.expires) {
		delete(c.cache, itemID)
		return Decision{}, false
	}
	return entry.decision, true
}

func (c *DecisionClient) store(itemID string, d Decision) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[itemID] = cachedVerdict{decision: d, expires: time.Now().Add(c.ttl)}
}

// parseDecision accepts the casing variants real deployments send:
// {"act":"yes"}, {"Act":"NO"}, {"ACT":true}, with itemId under several keys.
func parseDecision(raw json.RawMessage) (Decision, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Decision{}, err
	}

	var d Decision
	actFound := false
	for key, val := range fields {
		switch strings.ToLower(key) {
		case "act":
			act, err := parseVerdictValue(val)
			if err != nil {
				return Decision{}, err
			}
			d.Act = act
			actFound = true
		case "itemid", "item_id":
			var id string
			if err := json.Unmarshal(val, &id); err == nil {
				d.ItemID = id
			}
		}
	}
	if !actFound {
		return Decision{}, errMissingVerdict
	}
	return d, nil
}

var errMissingVerdict = jsonError("no act field in decision response")

func parseVerdictValue(val json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(val, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "true", "y", "1":
			return true, nil
		case "no", "false", "n", "0":
			return false, nil
		}
		return false, jsonError("unrecognized act value: " + s)
	}
	return false, jsonError("act value is neither bool nor string")
}

type jsonError string

func (e jsonError) Error() string { return string(e) }

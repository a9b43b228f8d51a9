package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenerationInput describes the item the content is generated for.
type GenerationInput struct {
	ItemID      string `json:"itemId"`
	Content     string `json:"content"`
	AuthorLabel string `json:"authorLabel"`
	ActionType  string `json:"actionType"`
	Timestamp   string `json:"timestamp"`
}

// GenerationClient requests generated text for an item. Unlike decisions,
// generation failures propagate: an act without content is a failed act.
type GenerationClient struct {
	client   *Client
	endpoint string
	timeout  time.Duration
}

func NewGenerationClient(client *Client, endpoint string, timeout time.Duration) *GenerationClient {
	return &GenerationClient{client: client, endpoint: endpoint, timeout: timeout}
}

// Generate posts the item context and returns the generated text.
func (c *GenerationClient) Generate(ctx context.Context, in GenerationInput) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("generation endpoint not configured")
	}
	if in.Timestamp == "" {
		in.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	raw, err := c.client.Send(ctx, c.endpoint, in, c.timeout)
	if err != nil {
		return "", err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", &RequestError{Kind: KindMalformedResponse, URL: c.endpoint, Err: err}
	}

	for key, val := range fields {
		switch strings.ToLower(key) {
		case "generatedtext", "generated_text":
			var text string
			if err := json.Unmarshal(val, &text); err != nil {
				return "", &RequestError{Kind: KindMalformedResponse, URL: c.endpoint, Err: err}
			}
			if strings.TrimSpace(text) == "" {
				return "", &RequestError{Kind: KindEmptyResponse, URL: c.endpoint, Err: fmt.Errorf("generatedText is empty")}
			}
			return text, nil
		}
	}

	return "", &RequestError{
		Kind: KindMalformedResponse,
		URL:  c.endpoint,
		Body: snippet(raw),
		Err:  fmt.Errorf("no generatedText field in response"),
	}
}

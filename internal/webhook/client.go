// Package webhook holds the outbound HTTP clients for the two external
// services the loop depends on: the engagement decision endpoint and the
// content generation endpoint. Both ride on a single request client that
// classifies every failure so callers can log and react by kind.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrorKind classifies an outbound request failure.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "request-timeout"
	KindDNSFailure        ErrorKind = "dns-failure"
	KindConnectionRefused ErrorKind = "connection-refused"
	KindConnectionReset   ErrorKind = "connection-reset"
	KindTLSFailure        ErrorKind = "tls-failure"
	KindMalformedResponse ErrorKind = "malformed-response"
	KindEmptyResponse     ErrorKind = "empty-response"
	KindHTTPStatus        ErrorKind = "http-status"
	// KindInvalidPayload is request-side: the payload or URL could not be
	// turned into a request at all, before anything left the process.
	KindInvalidPayload ErrorKind = "invalid-payload"
)

// RequestError carries the classified kind plus everything needed for
// diagnostics: the target URL, HTTP status when one was received, and a
// snippet of the response body.
type RequestError struct {
	Kind   ErrorKind
	URL    string
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("webhook %s: %s (status %d): %v", e.URL, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("webhook %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// KindOf extracts the error kind from any error in the chain, or "" when
// the error did not come from this client.
func KindOf(err error) ErrorKind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

const maxDiagnosticBody = 2048

// Client executes a single JSON POST with a per-call timeout and a
// classified error on every failure path.
type Client struct {
	http *http.Client
}

// NewClient builds a request client. The zero http.Client timeout is fine:
// per-call timeouts come from the context in Send.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Send posts payload as JSON to url and returns the raw decoded body.
// Exceeding the timeout always resolves the call; a non-2xx response is
// returned as a RequestError that captures the body text first.
func (c *Client) Send(ctx context.Context, url string, payload any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &RequestError{Kind: KindInvalidPayload, URL: url, Err: fmt.Errorf("encode payload: %w", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Kind: KindInvalidPayload, URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Kind: classifyTransport(err), URL: url, Err: err}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return nil, &RequestError{Kind: classifyTransport(readErr), URL: url, Status: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			Kind:   KindHTTPStatus,
			URL:    url,
			Status: resp.StatusCode,
			Body:   snippet(raw),
			Err:    fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &RequestError{Kind: KindEmptyResponse, URL: url, Status: resp.StatusCode, Err: errors.New("response body is empty")}
	}

	if !json.Valid(trimmed) {
		return nil, &RequestError{
			Kind:   KindMalformedResponse,
			URL:    url,
			Status: resp.StatusCode,
			Body:   snippet(trimmed),
			Err:    errors.New("response body is not valid JSON"),
		}
	}

	return json.RawMessage(trimmed), nil
}

// classifyTransport walks the error chain and maps it onto the failure
// taxonomy. Order matters: DNS and TLS errors also satisfy net.Error.
func classifyTransport(err error) ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNSFailure
	}

	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &recordErr) ||
		errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return KindTLSFailure
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionRefused
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnectionReset
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	// url.Error wraps "tls:" handshake strings that carry no typed cause.
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return KindTLSFailure
	}

	return KindConnectionReset
}

func snippet(b []byte) string {
	if len(b) > maxDiagnosticBody {
		b = b[:maxDiagnosticBody]
	}
	return string(b)
}

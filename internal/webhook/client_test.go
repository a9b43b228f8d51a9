package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSendOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected JSON content type, got %q", ct)
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := NewClient()
	raw, err := c.Send(context.Background(), srv.URL, map[string]string{"k": "v"}, 5*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(raw) != `{"ok": true}` {
		t.Errorf("unexpected body: %s", raw)
	}
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Send(context.Background(), srv.URL, nil, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if KindOf(err) != KindTimeout {
		t.Errorf("expected %s, got %s (%v)", KindTimeout, KindOf(err), err)
	}
}

func TestSendConnectionRefused(t *testing.T) {
	// Grab a port that refuses connections by closing a listener-backed server.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient()
	_, err := c.Send(context.Background(), url, nil, 2*time.Second)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if KindOf(err) != KindConnectionRefused {
		t.Errorf("expected %s, got %s (%v)", KindConnectionRefused, KindOf(err), err)
	}
}

func TestSendDNSFailure(t *testing.T) {
	c := NewClient()
	_, err := c.Send(context.Background(), "http://feedrunner-does-not-exist.invalid/decide", nil, 2*time.Second)
	if err == nil {
		t.Fatal("expected DNS error")
	}
	if KindOf(err) != KindDNSFailure {
		t.Errorf("expected %s, got %s (%v)", KindDNSFailure, KindOf(err), err)
	}
}

func TestSendNon2xxCapturesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Send(context.Background(), srv.URL, nil, 2*time.Second)
	if err == nil {
		t.Fatal("expected status error")
	}
	re, ok := err.(*RequestError)
	if !ok {
		t.Fatalf("expected *RequestError, got %T", err)
	}
	if re.Kind != KindHTTPStatus {
		t.Errorf("expected %s, got %s", KindHTTPStatus, re.Kind)
	}
	if re.Status != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", re.Status)
	}
	if !strings.Contains(re.Body, "upstream exploded") {
		t.Errorf("body not captured for diagnostics: %q", re.Body)
	}
}

func TestSendEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("   \n"))
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Send(context.Background(), srv.URL, nil, 2*time.Second)
	if KindOf(err) != KindEmptyResponse {
		t.Errorf("expected %s, got %v", KindEmptyResponse, err)
	}
}

func TestSendMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"act": ` + "\x00bad"))
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Send(context.Background(), srv.URL, nil, 2*time.Second)
	if KindOf(err) != KindMalformedResponse {
		t.Errorf("expected %s, got %v", KindMalformedResponse, err)
	}
}

func TestSendUnencodablePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached the server despite an unencodable payload")
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.Send(context.Background(), srv.URL, map[string]interface{}{"ch": make(chan int)}, 2*time.Second)
	if KindOf(err) != KindInvalidPayload {
		t.Errorf("expected %s, got %v", KindInvalidPayload, err)
	}
}

func TestSendInvalidURL(t *testing.T) {
	c := NewClient()
	_, err := c.Send(context.Background(), "://not-a-url", nil, 2*time.Second)
	if KindOf(err) != KindInvalidPayload {
		t.Errorf("expected %s, got %v", KindInvalidPayload, err)
	}
}

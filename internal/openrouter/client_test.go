package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testMessages() []Message {
	return []Message{{Role: "user", Content: "hi"}}
}

func TestChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "qwen/qwen-2.5-coder-32b-instruct" {
			t.Errorf("model = %q", req.Model)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"df = nil"}}]}`)
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	got, err := c.Chat(context.Background(), "qwen/qwen-2.5-coder-32b-instruct", testMessages())
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "df = nil" {
		t.Errorf("Chat = %q", got)
	}
}

func TestChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"gen-1","choices":[]}`)
	}))
	defer srv.Close()

	if _, err := NewClient("k", srv.URL).Chat(context.Background(), "m", testMessages()); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestChat_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	_, err := NewClient("k", srv.URL).Chat(context.Background(), "m", testMessages())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want status 401", err)
	}
}

func TestChat_RateLimit_Retry(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempt.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	if _, err := c.Chat(context.Background(), "test", testMessages()); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestChat_RateLimit_Exhausted(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("test-key", srv.URL)
	_, err := c.Chat(context.Background(), "test", testMessages())
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}

	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "rate limited")
	}

	if got := attempt.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestChat_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewClient("k", srv.URL).Chat(ctx, "m", testMessages())
	if err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNewClientBaseURL(t *testing.T) {
	if c := NewClient("k", ""); c.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q, want default", c.baseURL)
	}
	if c := NewClient("k", "http://proxy.local/api/v1/"); c.baseURL != "http://proxy.local/api/v1" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}

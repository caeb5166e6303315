package fetchutil

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	resp, err := c.Do(context.Background(), srv.URL, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
}

func TestDoRetriesTransientStatusThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	resp, err := c.Do(context.Background(), srv.URL, Options{Retries: 3, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200 after retries", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("got %d calls, want 3", calls)
	}
}

func TestDoReturnsLastResponseOnExhaustedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New()
	resp, err := c.Do(context.Background(), srv.URL, Options{Retries: 1, Timeout: time.Second})
	if err != nil {
		t.Fatalf("expected a response, not an error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("got status %d, want 502", resp.StatusCode)
	}
}

func TestDoDoesNotRetryNonTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New()
	resp, err := c.Do(context.Background(), srv.URL, Options{Retries: 3, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want 404", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("got %d calls, want exactly 1 (no retry on 404)", calls)
	}
}

func TestDoHonorsRetryAfterHeader(t *testing.T) {
	var calls int32
	var firstCallAt, secondCallAt time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			firstCallAt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondCallAt = time.Now()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	resp, err := c.Do(context.Background(), srv.URL, Options{Retries: 1, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	elapsed := secondCallAt.Sub(firstCallAt)
	if elapsed < 990*time.Millisecond {
		t.Errorf("retry happened after %v, want at least ~1s honoring Retry-After", elapsed)
	}
}

func TestBackoffForCapsRetryAfterAt30Seconds(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"120"}}}
	d := backoffFor(1, resp)
	if d != maxRetryAfter {
		t.Errorf("got %v, want capped at %v", d, maxRetryAfter)
	}
}

func TestBackoffForExponentialWithoutRetryAfter(t *testing.T) {
	d1 := backoffFor(1, nil)
	d2 := backoffFor(2, nil)
	d3 := backoffFor(3, nil)
	if d1 != baseBackoff {
		t.Errorf("attempt 1: got %v, want %v", d1, baseBackoff)
	}
	if d2 != baseBackoff*2 {
		t.Errorf("attempt 2: got %v, want %v", d2, baseBackoff*2)
	}
	if d3 != baseBackoff*4 {
		t.Errorf("attempt 3: got %v, want %v", d3, baseBackoff*4)
	}
}

func TestIsTransientErrMatchesSubstrings(t *testing.T) {
	cases := map[string]bool{
		"dial tcp: connection refused":   true,
		"read: connection reset by peer": true,
		"context deadline exceeded":      true,
		"unexpected EOF":                 true,
		"some unrelated error":           false,
	}
	for msg, want := range cases {
		got := isTransientErr(errString(msg))
		if got != want {
			t.Errorf("isTransientErr(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestIsTransientErrMatchesWrappedDeadlineExceeded(t *testing.T) {
	// This package's Client never sets http.Client.Timeout, so a per-attempt
	// context.WithTimeout firing surfaces as a wrapped context.DeadlineExceeded,
	// not the "(Client.Timeout exceeded while awaiting headers)" suffix that
	// only appears when the *http.Client itself carries a Timeout.
	_, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://example.invalid", nil)
	if err != nil {
		t.Fatalf("unexpected error building request: %v", err)
	}
	if !isTransientErr(fmt.Errorf("Get %q: %w", "http://example.invalid", context.DeadlineExceeded)) {
		t.Error("expected a wrapped context.DeadlineExceeded to be treated as transient")
	}
}

func TestDoRetriesOnPerAttemptTimeout(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			time.Sleep(200 * time.Millisecond)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New()
	resp, err := c.Do(context.Background(), srv.URL, Options{Retries: 1, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("expected the client to retry past the slow first attempt, got error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want 200", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("got %d calls, want 2", calls)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

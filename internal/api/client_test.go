package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/airsense-sync/internal/auth"
	"github.com/rickgao/airsense-sync/internal/fault"
	"github.com/rickgao/airsense-sync/internal/retry"
)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://api.example.com")

		if c.baseURL != "https://api.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://api.example.com")
		}
		if c.httpClient.Timeout != 10*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 10*time.Second)
		}
		if c.policy != retry.DefaultPolicy() {
			t.Errorf("policy = %+v, want default", c.policy)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
		if c.inflight == nil {
			t.Error("inflight group should not be nil")
		}
	})

	t.Run("with timeout option", func(t *testing.T) {
		c := NewClient("https://api.example.com", WithTimeout(5*time.Second))
		if c.httpClient.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 5*time.Second)
		}
	})

	t.Run("with retries option", func(t *testing.T) {
		c := NewClient("https://api.example.com", WithRetries(5, 2*time.Second))
		if c.policy.MaxAttempts != 5 {
			t.Errorf("MaxAttempts = %d, want %d", c.policy.MaxAttempts, 5)
		}
		if c.policy.BaseDelay != 2*time.Second {
			t.Errorf("BaseDelay = %v, want %v", c.policy.BaseDelay, 2*time.Second)
		}
	})

	t.Run("with logger option", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := NewClient("https://api.example.com", WithLogger(logger))
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})

	t.Run("with custom HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("https://api.example.com", WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
	})

	t.Run("with http2 keeps timeout", func(t *testing.T) {
		c := NewClient("https://api.example.com", WithTimeout(3*time.Second), WithHTTP2(nil))
		if c.httpClient.Timeout != 3*time.Second {
			t.Errorf("Timeout = %v, want 3s", c.httpClient.Timeout)
		}
		if _, ok := c.httpClient.Transport.(*http.Transport); !ok {
			t.Errorf("Transport = %T, want *http.Transport", c.httpClient.Transport)
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	t.Run("Error method", func(t *testing.T) {
		err := &APIError{
			StatusCode: 404,
			Message:    "Not Found",
			Body:       []byte(`{"error": "location not found"}`),
		}
		expected := "readings api error 404: Not Found"
		if err.Error() != expected {
			t.Errorf("Error() = %q, want %q", err.Error(), expected)
		}
	})

	t.Run("classification", func(t *testing.T) {
		tests := []struct {
			code      int
			kind      fault.Kind
			retryable bool
		}{
			{500, fault.KindAPIServer, true},
			{502, fault.KindAPIServer, true},
			{503, fault.KindAPIServer, true},
			{408, fault.KindTimeout, true},
			{429, fault.KindAPIClient, false},
			{400, fault.KindAPIClient, false},
			{401, fault.KindAuthentication, false},
			{403, fault.KindPermission, false},
			{404, fault.KindNotFound, false},
		}

		for _, tt := range tests {
			fe := fault.Classify(&APIError{StatusCode: tt.code})
			if fe.Kind != tt.kind {
				t.Errorf("status %d: Kind = %v, want %v", tt.code, fe.Kind, tt.kind)
			}
			if fe.Retryable() != tt.retryable {
				t.Errorf("status %d: Retryable = %v, want %v", tt.code, fe.Retryable(), tt.retryable)
			}
		}
	})
}

// TestDoRequest tests the HTTP request functionality.
func TestDoRequest(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") != "application/json" {
				t.Errorf("Accept header = %q, want %q", r.Header.Get("Accept"), "application/json")
			}
			if r.Header.Get(auth.HeaderKey) != "test-key" {
				t.Errorf("%s header = %q, want %q", auth.HeaderKey, r.Header.Get(auth.HeaderKey), "test-key")
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status": "ok"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, WithSigner(&auth.Credentials{KeyID: "test-key"}))
		body, err := c.doRequest(context.Background(), http.MethodGet, "/test", server.URL+"/test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"status": "ok"}` {
			t.Errorf("body = %q, want %q", string(body), `{"status": "ok"}`)
		}
	})

	t.Run("request without signer", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(auth.HeaderKey) != "" {
				t.Errorf("%s header should be empty, got %q", auth.HeaderKey, r.Header.Get(auth.HeaderKey))
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", server.URL+"/test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("4xx error returns APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "not found"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", server.URL+"/test")
		if err == nil {
			t.Fatal("expected error, got nil")
		}

		apiErr, ok := err.(*APIError)
		if !ok {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.StatusCode != 404 {
			t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, 404)
		}
		if !strings.Contains(string(apiErr.Body), "not found") {
			t.Errorf("Body should contain 'not found', got %q", string(apiErr.Body))
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		c := NewClient(server.URL)
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		_, err := c.doRequest(ctx, http.MethodGet, "/test", server.URL+"/test")
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "context canceled") {
			t.Errorf("error should contain 'context canceled', got %v", err)
		}
	})
}

// TestGetLatestReadings tests the readings endpoint with retry and dedup.
func TestGetLatestReadings(t *testing.T) {
	t.Run("successful response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != LatestReadingsPath {
				t.Errorf("path = %q, want %q", r.URL.Path, LatestReadingsPath)
			}
			if r.URL.Query().Get("location") != "New Delhi" {
				t.Errorf("location = %q, want %q", r.URL.Query().Get("location"), "New Delhi")
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"pm25":41,"aqi":112}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		got, err := c.GetLatestReadings(context.Background(), "New Delhi")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(got) != `{"pm25":41,"aqi":112}` {
			t.Errorf("payload = %s", got)
		}
	})

	t.Run("retries on 5xx and succeeds", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, WithRetries(3, 10*time.Millisecond))
		if _, err := c.GetLatestReadings(context.Background(), "Delhi"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts.Load() != 3 {
			t.Errorf("attempts = %d, want 3", attempts.Load())
		}
	})

	t.Run("does not retry on 4xx", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		c := NewClient(server.URL, WithRetries(3, 10*time.Millisecond))
		_, err := c.GetLatestReadings(context.Background(), "Delhi")
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if attempts.Load() != 1 {
			t.Errorf("attempts = %d, want 1", attempts.Load())
		}

		var fe *fault.Error
		if !errors.As(err, &fe) || fe.Kind != fault.KindPermission {
			t.Errorf("error = %v, want permission fault", err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
			t.Errorf("error should wrap *APIError 403, got %v", err)
		}
	})

	t.Run("max attempts exhausted", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := NewClient(server.URL, WithRetries(2, 10*time.Millisecond))
		_, err := c.GetLatestReadings(context.Background(), "Delhi")
		if fe := fault.Classify(err); fe == nil || fe.Kind != fault.KindAPIServer {
			t.Errorf("error = %v, want api_server fault", err)
		}
		if attempts.Load() != 2 {
			t.Errorf("attempts = %d, want 2", attempts.Load())
		}
	})

	t.Run("http timeout classified as timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, WithTimeout(20*time.Millisecond), WithRetries(1, time.Millisecond))
		_, err := c.GetLatestReadings(context.Background(), "Delhi")
		if fe := fault.Classify(err); fe == nil || fe.Kind != fault.KindTimeout {
			t.Errorf("error = %v, want timeout fault", err)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>maintenance</html>`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		_, err := c.GetLatestReadings(context.Background(), "Delhi")
		if fe := fault.Classify(err); fe == nil || fe.Kind != fault.KindMessageParse {
			t.Errorf("error = %v, want message_parse fault", err)
		}
	})

	t.Run("empty location", func(t *testing.T) {
		c := NewClient("http://unused.invalid")
		_, err := c.GetLatestReadings(context.Background(), "")
		if fe := fault.Classify(err); fe == nil || fe.Kind != fault.KindAPIClient {
			t.Errorf("error = %v, want api_client fault", err)
		}
	})

	t.Run("concurrent calls share one request", func(t *testing.T) {
		var attempts atomic.Int32
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			<-release
			w.Write([]byte(`{"pm25":7}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)

		const callers = 5
		var wg sync.WaitGroup
		errs := make(chan error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.GetLatestReadings(context.Background(), "Delhi")
				errs <- err
			}()
		}

		// Let every caller join the in-flight request.
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}
		if attempts.Load() != 1 {
			t.Errorf("server hits = %d, want 1", attempts.Load())
		}

		// Settled entries are purged, so a later call fetches again.
		if _, err := c.GetLatestReadings(context.Background(), "Delhi"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts.Load() != 2 {
			t.Errorf("server hits = %d, want 2", attempts.Load())
		}
	})

	t.Run("shared response is copied per caller", func(t *testing.T) {
		var attempts atomic.Int32
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			<-release
			w.Write([]byte(`{"pm25":7}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)

		const callers = 2
		var wg sync.WaitGroup
		payloads := make([][]byte, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				payloads[i], _ = c.GetLatestReadings(context.Background(), "Delhi")
			}(i)
		}

		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		if attempts.Load() != 1 {
			t.Fatalf("server hits = %d, want 1", attempts.Load())
		}

		// One caller scribbling on its payload must not reach the other.
		for i := range payloads[0] {
			payloads[0][i] = 'x'
		}
		if string(payloads[1]) != `{"pm25":7}` {
			t.Errorf("second payload = %s, want it untouched", payloads[1])
		}
	})
}

func TestWithHTTP2(t *testing.T) {
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor != 2 {
			t.Errorf("proto = %s, want HTTP/2", r.Proto)
		}
		w.Write([]byte(`{}`))
	}))
	server.EnableHTTP2 = true
	server.StartTLS()
	defer server.Close()

	tlsConfig := server.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
	c := NewClient(server.URL, WithHTTP2(tlsConfig))

	if _, err := c.GetLatestReadings(context.Background(), "Delhi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFetchFunc(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"location":"` + r.URL.Query().Get("location") + `"}`))
	}))
	defer server.Close()

	fetch := NewClient(server.URL).FetchFunc()
	got, err := fetch(context.Background(), "Pune")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"location":"Pune"}` {
		t.Errorf("payload = %s", got)
	}
}

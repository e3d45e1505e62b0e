package networks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"relaycast/internal/models"
)

func newTestHTTPAdapter(t *testing.T, server *httptest.Server, attempts int) *HTTPAdapter {
	t.Helper()
	adapter, err := NewHTTPAdapter(HTTPConfig{
		Name:          "example",
		BaseURL:       server.URL + "/",
		Token:         "service-token",
		MaxAttempts:   attempts,
		RetryInterval: time.Nanosecond,
		Client:        server.Client(),
	})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}
	return adapter
}

func testTarget() Target {
	return Target{
		Stream: models.Stream{ID: "stream-1", UUID: "0b4f6c1e-8f7d-4d0e-9a51-2c1f1f1b9a11", Name: "Morning show"},
		Link:   models.StreamAccount{StreamID: "stream-1", AccountID: "acct-1", Args: "-c copy", Metadata: map[string]string{"title": "Hello"}},
	}
}

// TestHTTPAdapterPushLifecycle verifies start, heartbeat and stop hit the
// broadcast endpoints with the account token taking precedence.
func TestHTTPAdapterPushLifecycle(t *testing.T) {
	var started, updated, stopped atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer account-token" {
			t.Errorf("expected account bearer token, got %q", got)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/broadcasts":
			started.Store(true)
			var payload broadcastRequest
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if payload.Stream.ID != "stream-1" || payload.Account.ID != "acct-1" || payload.Destination.Metadata["title"] != "Hello" {
				t.Errorf("unexpected payload: %+v", payload)
			}
			_ = json.NewEncoder(w).Encode(broadcastResponse{RTMPURL: "rtmp://live.example/app/abc"})
		case r.Method == http.MethodPut && r.URL.Path == "/broadcasts/acct-1/0b4f6c1e-8f7d-4d0e-9a51-2c1f1f1b9a11":
			updated.Store(true)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/broadcasts/acct-1/0b4f6c1e-8f7d-4d0e-9a51-2c1f1f1b9a11":
			stopped.Store(true)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter := newTestHTTPAdapter(t, server, 1)
	account := models.Account{ID: "acct-1", Network: "example", Keystore: models.Keystore{KeyAccessToken: "account-token"}}

	url, err := adapter.PushStart(context.Background(), account, testTarget())
	if err != nil {
		t.Fatalf("PushStart: %v", err)
	}
	if url != "rtmp://live.example/app/abc" {
		t.Fatalf("unexpected transport URL %q", url)
	}
	if err := adapter.NotifyUpdate(context.Background(), account, testTarget()); err != nil {
		t.Fatalf("NotifyUpdate: %v", err)
	}
	adapter.PushStop(context.Background(), account, testTarget())

	if !started.Load() || !updated.Load() || !stopped.Load() {
		t.Fatalf("expected start, update and stop calls; got %v %v %v", started.Load(), updated.Load(), stopped.Load())
	}
}

// TestHTTPAdapterRetriesOn429 verifies rate limited responses are retried.
func TestHTTPAdapterRetriesOn429(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(broadcastResponse{RTMPURL: "rtmp://live.example/app/key"})
	}))
	defer server.Close()

	adapter := newTestHTTPAdapter(t, server, 3)
	if _, err := adapter.PushStart(context.Background(), models.Account{ID: "acct-1"}, testTarget()); err != nil {
		t.Fatalf("PushStart: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

// TestHTTPAdapterDoesNotRetryClientErrors verifies permanent 4xx failures
// surface immediately.
func TestHTTPAdapterDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "stream key revoked", http.StatusBadRequest)
	}))
	defer server.Close()

	adapter := newTestHTTPAdapter(t, server, 5)
	_, err := adapter.PushStart(context.Background(), models.Account{ID: "acct-1"}, testTarget())
	if err == nil {
		t.Fatal("expected error")
	}
	statusErr, ok := err.(*StatusError)
	if !ok || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestHTTPAdapterRejectsEmptyTransportURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(broadcastResponse{})
	}))
	defer server.Close()

	adapter := newTestHTTPAdapter(t, server, 1)
	if _, err := adapter.PushStart(context.Background(), models.Account{ID: "acct-1"}, testTarget()); err == nil {
		t.Fatal("expected empty transport URL to fail")
	}
}

func TestHTTPAdapterCheckErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/acct-1/validation" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") == "Bearer bad" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(validationResponse{Errors: []ValidationError{{Field: "channel", Message: "channel suspended"}}})
	}))
	defer server.Close()

	adapter, err := NewHTTPAdapter(HTTPConfig{Name: "example", BaseURL: server.URL, Client: server.Client()})
	if err != nil {
		t.Fatalf("NewHTTPAdapter: %v", err)
	}

	problems := adapter.CheckErrors(context.Background(), models.Account{ID: "acct-1"})
	if len(problems) != 1 || problems[0].Field != KeyAccessToken {
		t.Fatalf("expected missing token problem, got %+v", problems)
	}

	problems = adapter.CheckErrors(context.Background(), models.Account{ID: "acct-1", Keystore: models.Keystore{KeyAccessToken: "bad"}})
	if len(problems) != 1 || problems[0].Message != "access token rejected by network" {
		t.Fatalf("expected rejected token problem, got %+v", problems)
	}

	problems = adapter.CheckErrors(context.Background(), models.Account{ID: "acct-1", Keystore: models.Keystore{KeyAccessToken: "good"}})
	if len(problems) != 1 || problems[0].Field != "channel" {
		t.Fatalf("expected remote validation problem, got %+v", problems)
	}
}

func TestHTTPAdapterProvisionMergesKeystore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/accounts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload provisionRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.AccountID != "acct-9" {
			t.Errorf("unexpected provisioning payload %+v (%v)", payload, err)
		}
		_ = json.NewEncoder(w).Encode(provisionResponse{Keystore: map[string]string{"channel_id": "UC123"}})
	}))
	defer server.Close()

	adapter := newTestHTTPAdapter(t, server, 1)
	keystore, err := adapter.Provision(context.Background(), models.Account{ID: "acct-9", Keystore: models.Keystore{KeyAccessToken: "tok"}})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if keystore["channel_id"] != "UC123" || keystore[KeyAccessToken] != "tok" {
		t.Fatalf("unexpected keystore %+v", keystore)
	}
}

func TestHTTPAdapterStatusEndpoint(t *testing.T) {
	healthy := atomic.Bool{}
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := newTestHTTPAdapter(t, server, 1)
	endpoints := adapter.Endpoints()
	if len(endpoints) != 1 || endpoints[0].Path != "status" {
		t.Fatalf("unexpected endpoints %+v", endpoints)
	}

	rec := httptest.NewRecorder()
	endpoints[0].Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/networks/example/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	healthy.Store(false)
	rec = httptest.NewRecorder()
	endpoints[0].Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/networks/example/status", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

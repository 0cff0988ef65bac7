package voiceagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/platform/apperr"
	"reminder_calls_backend/platform/logger"
)

type testConfig struct {
	url string
}

func (c testConfig) GetVoiceAPIURL() string            { return c.url }
func (c testConfig) GetVoiceAPIKey() string            { return "secret-key" }
func (c testConfig) GetVoiceAPITimeout() time.Duration { return 2 * time.Second }

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(testConfig{url: srv.URL + "/"}, logger.Nop())
}

func TestCreateCallSendsNormalizedRequest(t *testing.T) {
	var got CreateCallRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/create-phone-call" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret-key" {
			t.Errorf("missing bearer auth")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(CreateCallResponse{CallID: "call_123", CallStatus: "registered"})
	})

	resp, err := client.CreateCall(context.Background(), CreateCallRequest{
		FromNumber:       "+31201234567",
		ToNumber:         "06 12345678",
		DynamicVariables: map[string]string{"first_name": "Sanne"},
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if resp.CallID != "call_123" {
		t.Fatalf("unexpected call id %q", resp.CallID)
	}
	if got.ToNumber != "+31612345678" || got.FromNumber != "+31201234567" {
		t.Fatalf("numbers not normalized: to=%q from=%q", got.ToNumber, got.FromNumber)
	}
}

func TestCreateCallRejectsMalformedNumberLocally(t *testing.T) {
	var hits int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	})

	_, err := client.CreateCall(context.Background(), CreateCallRequest{FromNumber: "+31201234567", ToNumber: "12"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("malformed number must not reach the vendor")
	}
}

func TestVendorErrorsAreClassified(t *testing.T) {
	cases := []struct {
		status int
		kind   apperr.Kind
	}{
		{http.StatusServiceUnavailable, apperr.KindUnavailable},
		{http.StatusTooManyRequests, apperr.KindUnavailable},
		{http.StatusUnprocessableEntity, apperr.KindBadRequest},
		{http.StatusNotFound, apperr.KindNotFound},
	}
	for _, tc := range cases {
		tc := tc // per-iteration copy (go directive < 1.22)
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		_, err := client.GetCall(context.Background(), "call_1")
		if !apperr.Is(err, tc.kind) {
			t.Errorf("status %d: expected kind %v, got %v", tc.status, tc.kind, err)
		}
		if IsTransient(err) != (tc.kind == apperr.KindUnavailable) {
			t.Errorf("status %d: unexpected transient classification", tc.status)
		}
	}
}

func TestUnreachableVendorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(testConfig{url: url}, logger.Nop())
	_, err := client.GetCall(context.Background(), "call_1")
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestGetCallConvertsToSignal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/get-call/call_9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"call_id": "call_9",
			"call_status": "ended",
			"disconnection_reason": "user_hangup",
			"end_timestamp": 1772442000000,
			"call_analysis": {
				"call_summary": "Customer wants another day.",
				"custom_analysis_data": {"appointment_rescheduled": true, "discussion_topics": ["reschedule"]}
			}
		}`))
	})

	detail, err := client.GetCall(context.Background(), "call_9")
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	sig := detail.Signal()
	if sig.EndedAt == nil || sig.Analysis == nil {
		t.Fatalf("expected end time and analysis, got %+v", sig)
	}
	if got := outcome.Determine(sig).Outcome; got != outcome.Rescheduled {
		t.Fatalf("expected rescheduled, got %q", got)
	}
}

func TestNilClientIsUnavailable(t *testing.T) {
	var client *Client
	if _, err := client.GetCall(context.Background(), "x"); !IsTransient(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if NewClient(testConfig{}, logger.Nop()) != nil {
		t.Fatal("expected nil client without url")
	}
}

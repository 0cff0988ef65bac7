package callapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apphttp "reminder_calls_backend/internal/http"
	"reminder_calls_backend/internal/outcome"
	"reminder_calls_backend/internal/quota"
	"reminder_calls_backend/internal/sessions"
	"reminder_calls_backend/internal/sessions/sessionstest"
	"reminder_calls_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const adminKey = "admin-secret"

type fakeUsage struct {
	gotTenant uuid.UUID
	gotPhone  string
}

func (f *fakeUsage) Usage(_ context.Context, tenantID uuid.UUID, number string) (quota.Usage, error) {
	f.gotTenant = tenantID
	f.gotPhone = number
	return quota.Usage{
		TenantID: tenantID.String(),
		Windows:  []quota.WindowUsage{{Window: "15_minutes", Count: 2, Limit: 5}},
	}, nil
}

func newEngine(store *sessionstest.Store, usage *fakeUsage) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	v1 := engine.Group("/api/v1")
	admin := v1.Group("/admin")
	admin.Use(httpkit.AdminAPIKeyRequired(adminKey))
	NewModule(store, usage).RegisterRoutes(&apphttp.RouterContext{Engine: engine, V1: v1, Admin: admin})
	return engine
}

func get(engine *gin.Engine, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set(httpkit.AdminAPIKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestGetCallReturnsSession(t *testing.T) {
	store := sessionstest.New()
	store.Put(sessions.Session{
		ID:             uuid.New(),
		TenantID:       uuid.New(),
		ExternalCallID: "call-9",
		Status:         outcome.StatusCompleted,
		Outcome:        outcome.Cancelled,
		OutcomeRule:    "analysis.appointment_cancelled",
		SourceOfTruth:  outcome.SourceWebhook,
		StartTime:      time.Now(),
	})
	engine := newEngine(store, &fakeUsage{})

	rec := get(engine, "/api/v1/admin/calls/call-9", adminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Outcome != outcome.Cancelled || body.SourceOfTruth != outcome.SourceWebhook {
		t.Fatalf("unexpected body %+v", body)
	}
}

func TestGetCallNotFound(t *testing.T) {
	engine := newEngine(sessionstest.New(), &fakeUsage{})
	if rec := get(engine, "/api/v1/admin/calls/missing", adminKey); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminRoutesRequireKey(t *testing.T) {
	engine := newEngine(sessionstest.New(), &fakeUsage{})
	if rec := get(engine, "/api/v1/admin/calls/x", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetQuota(t *testing.T) {
	usage := &fakeUsage{}
	engine := newEngine(sessionstest.New(), usage)
	tenantID := uuid.New()

	rec := get(engine, "/api/v1/admin/quota/"+tenantID.String()+"?phone=%2B31612345678", adminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if usage.gotTenant != tenantID || usage.gotPhone != "+31612345678" {
		t.Fatalf("unexpected usage query %s %q", usage.gotTenant, usage.gotPhone)
	}

	if rec := get(engine, "/api/v1/admin/quota/not-a-uuid", adminKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mimiry/internal/health"
	"mimiry/internal/job"
	"mimiry/internal/provider"
	"mimiry/internal/provider/providertest"
	"mimiry/internal/token"
	"mimiry/pkg/cloudevent"
)

type fixture struct {
	router  http.Handler
	manager *job.Manager
	tokens  *token.Service
	fake    *providertest.Fake
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()

	fake := providertest.New("datacrunch")
	fake.Types = []provider.InstanceType{
		{InstanceType: "1x-a100", GPUType: "A100", GPUCount: 1, PricePerHour: 1.75, Currency: "usd", Provider: "datacrunch"},
	}
	fake.Locations = []provider.Location{
		{Code: "fin-01", Name: "Finland 1", Country: "FI", Provider: "datacrunch"},
	}

	registry := provider.NewRegistry()
	registry.Register("datacrunch", "DataCrunch", fake)

	tokens := token.NewService()
	manager := job.NewManager(job.NewMemoryStore(), tokens, registry, nil, nil)

	router := NewRouter(RouterConfig{
		Manager:         manager,
		Catalog:         provider.NewCatalog(registry, time.Minute),
		Registry:        registry,
		Tokens:          tokens,
		HealthChecker:   health.NewChecker(nil, registry.Len()),
		APIKey:          apiKey,
		DefaultProvider: "datacrunch",
	})

	return &fixture{router: router, manager: manager, tokens: tokens, fake: fake}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func submitRequest() *job.SubmitRequest {
	return &job.SubmitRequest{
		Provider:     "datacrunch",
		InstanceType: "1x-a100",
		Image:        "ubuntu-22.04-cuda",
	}
}

func TestCreateJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/v1/jobs", submitRequest(), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	j := decode[job.Job](t, rec)
	if j.Status != job.StatusQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}
	if j.HeartbeatTimeout != job.DefaultHeartbeatTimeout {
		t.Errorf("heartbeat_timeout_seconds = %d, want %d", j.HeartbeatTimeout, job.DefaultHeartbeatTimeout)
	}
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	req := submitRequest()
	req.Provider = "nimbus"
	rec := f.do(t, http.MethodPost, "/v1/jobs", req, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestCreateJobBadBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	created := decode[job.Job](t, f.do(t, http.MethodPost, "/v1/jobs", submitRequest(), nil))

	rec := f.do(t, http.MethodGet, "/v1/jobs/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[job.Job](t, rec)
	if got.ID != created.ID {
		t.Errorf("id = %s, want %s", got.ID, created.ID)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/v1/jobs/does-not-exist", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	f.do(t, http.MethodPost, "/v1/jobs", submitRequest(), nil)
	f.do(t, http.MethodPost, "/v1/jobs", submitRequest(), nil)

	rec := f.do(t, http.MethodGet, "/v1/jobs", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decode[job.ListResponse](t, rec)
	if len(resp.Jobs) != 2 {
		t.Errorf("got %d jobs, want 2", len(resp.Jobs))
	}
}

func TestCancelJobIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	created := decode[job.Job](t, f.do(t, http.MethodPost, "/v1/jobs", submitRequest(), nil))

	rec := f.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode[job.Job](t, rec); got.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// Cancelling again is a no-op, not an error.
	rec = f.do(t, http.MethodDelete, "/v1/jobs/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("second cancel status = %d, want 200", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "sk-test-key")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "sk-test-key", http.StatusUnauthorized},
		{"wrong key", "Bearer sk-wrong", http.StatusUnauthorized},
		{"valid key", "Bearer sk-test-key", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rec := f.do(t, http.MethodGet, "/v1/jobs", nil, headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestHealthEndpointsSkipAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "sk-test-key")

	for _, path := range []string{"/livez", "/readyz"} {
		rec := f.do(t, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestCatalogEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/v1/providers", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("providers status = %d", rec.Code)
	}
	providers := decode[map[string][]provider.Descriptor](t, rec)
	if len(providers["providers"]) != 1 || providers["providers"][0].Slug != "datacrunch" {
		t.Errorf("providers = %v", providers)
	}

	rec = f.do(t, http.MethodGet, "/v1/instance-types", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("instance-types status = %d", rec.Code)
	}
	types := decode[map[string][]provider.InstanceType](t, rec)
	if len(types["instance_types"]) != 1 || types["instance_types"][0].InstanceType != "1x-a100" {
		t.Errorf("instance_types = %v", types)
	}

	rec = f.do(t, http.MethodGet, "/v1/locations?provider=datacrunch", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("locations status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/availability/1x-a100", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("availability status = %d", rec.Code)
	}
	avail := decode[provider.Availability](t, rec)
	if !avail.IsAvailable {
		t.Error("expected availability")
	}
}

func TestCatalogUnknownProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	rec := f.do(t, http.MethodGet, "/v1/instance-types?provider=nimbus", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// placedJob walks a job into provisioning and returns it with its
// callback token, as the scheduler would.
func placedJob(t *testing.T, f *fixture) (*job.Job, string) {
	t.Helper()
	ctx := context.Background()

	j, err := f.manager.Submit(ctx, submitRequest())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	_, secret, release, err := f.manager.BeginPlacement(ctx, j.ID)
	if err != nil {
		t.Fatalf("BeginPlacement failed: %v", err)
	}
	release()
	if _, err := f.manager.CompletePlacement(ctx, j.ID, "i-1"); err != nil {
		t.Fatalf("CompletePlacement failed: %v", err)
	}
	return j, secret
}

func agentEvent(eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, "mimiry/agent", "job", "evt-1", data)
}

func TestAgentEventLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	j, secret := placedJob(t, f)
	auth := map[string]string{"Authorization": "Bearer " + secret}

	rec := f.do(t, http.MethodPost, "/v1/agent/events", agentEvent(job.EventStarted, nil), auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("started status = %d (body %s)", rec.Code, rec.Body.String())
	}
	got, _ := f.manager.Get(ctx, j.ID)
	if got.Status != job.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}

	rec = f.do(t, http.MethodPost, "/v1/agent/events", agentEvent(job.EventHeartbeat, nil), auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/v1/agent/events", agentEvent(job.EventCompleted, nil), auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("completed status = %d", rec.Code)
	}
	got, _ = f.manager.Get(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestAgentEventFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	j, secret := placedJob(t, f)
	auth := map[string]string{"Authorization": "Bearer " + secret}

	event := agentEvent(job.EventFailed, map[string]any{"error_message": "CUDA out of memory"})
	rec := f.do(t, http.MethodPost, "/v1/agent/events", event, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, _ := f.manager.Get(ctx, j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "CUDA out of memory" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestAgentEventBadToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	placedJob(t, f)

	tests := []struct {
		name string
		auth string
	}{
		{"no header", ""},
		{"garbage token", "Bearer cbt_0000"},
		{"api key instead of callback token", "Bearer sk-test-key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.auth != "" {
				headers["Authorization"] = tt.auth
			}
			rec := f.do(t, http.MethodPost, "/v1/agent/events", agentEvent(job.EventHeartbeat, nil), headers)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			// The rejection must not leak whether any job exists.
			if body := rec.Body.String(); strings.Contains(body, "job") {
				t.Errorf("rejection leaks job information: %s", body)
			}
		})
	}
}

func TestAgentEventReplayAfterFinalization(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	j, secret := placedJob(t, f)
	auth := map[string]string{"Authorization": "Bearer " + secret}

	rec := f.do(t, http.MethodPost, "/v1/agent/events", agentEvent(job.EventCompleted, nil), auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("completed status = %d", rec.Code)
	}

	// The terminal transition consumed the token; a replayed completed
	// (or a late failed) is rejected and changes nothing.
	rec = f.do(t, http.MethodPost, "/v1/agent/events",
		agentEvent(job.EventFailed, map[string]any{"error_message": "late"}), auth)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("replay status = %d, want 401", rec.Code)
	}

	got, _ := f.manager.Get(ctx, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, replay must not re-finalize", got.Status)
	}
}

func TestAgentEventStaleEpoch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	j, firstSecret := placedJob(t, f)

	// A second provisioning attempt supersedes the first token.
	if _, err := f.tokens.Issue(j.ID); err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/agent/events", agentEvent(job.EventHeartbeat, nil),
		map[string]string{"Authorization": "Bearer " + firstSecret})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("stale epoch status = %d, want 401", rec.Code)
	}
}

func TestAgentEventUnknownType(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	_, secret := placedJob(t, f)

	rec := f.do(t, http.MethodPost, "/v1/agent/events", agentEvent("mimiry.job.reboot", nil),
		map[string]string{"Authorization": "Bearer " + secret})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestContentTypeRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("provider=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", rec.Code)
	}
}

//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"regenopt/internal/admission"
	"regenopt/internal/api"
	"regenopt/internal/health"
	"regenopt/internal/job"
	"regenopt/internal/notify"
	"regenopt/internal/orchestrator"
	"regenopt/internal/scenario"
	"regenopt/internal/solver"
	"regenopt/internal/solver/solvertest"
	"regenopt/internal/store"
	"regenopt/internal/testutil"
	"regenopt/internal/tracker"
	"regenopt/internal/worker"
	"regenopt/pkg/cloudevent"
)

const scenarioYAML = `
configurations:
  - id: cfg-glass-furnace
    geometry: {checker_height: 1.0, channel_spacing: 0.1}
    thermal: {flue_gas_inlet_temp: 1450}
    flow: {air_mass_flow: 12.5}
scenarios:
  - id: sc-height-spacing
    user_id: alice
    configuration_id: cfg-glass-furnace
    objective: minimize_fuel
    design_variables:
      - {name: height, unit: m, baseline: 1.0, min: 0.3, max: 2.0}
      - {name: spacing, unit: m, baseline: 0.1, min: 0.05, max: 0.3}
    constraints:
      max_pressure_drop: 200
    termination:
      max_iterations: 50
      max_runtime: 10m
`

// callbackReceiver collects lifecycle events.
type callbackReceiver struct {
	*httptest.Server
	mu     sync.Mutex
	events []cloudevent.CloudEvent
}

func newCallbackReceiver(t *testing.T) *callbackReceiver {
	r := &callbackReceiver{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if !cloudevent.Verify(body, "e2e-key", req.Header.Get(cloudevent.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var ev cloudevent.CloudEvent
		_ = json.Unmarshal(body, &ev)
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *callbackReceiver) types(jobID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Subject == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type testServer struct {
	url       string
	evaluator *solvertest.Server
	callbacks *callbackReceiver
}

func createTestServer(t *testing.T, maxActive int) *testServer {
	t.Helper()
	evaluator := solvertest.New(t)
	callbacks := newCallbackReceiver(t)

	source, err := scenario.ParseFile([]byte(scenarioYAML))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	jobStore, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	client := solver.New(solver.Config{
		BaseURL:        evaluator.URL,
		RequestTimeout: 5 * time.Second,
		MaxRetries:     1,
		RetryInitial:   10 * time.Millisecond,
		RetryMax:       20 * time.Millisecond,
	}, nil)

	jobPool := worker.New(worker.Config{Name: "jobs", Workers: 4, QueueSize: 16, CancelQueuedOnClose: true}, nil)
	notifyPool := worker.New(worker.Config{Name: "notify", Workers: 2, QueueSize: 64}, nil)
	notifier := notify.New(notify.Config{URL: callbacks.URL, SigningKey: "e2e-key"}, notifyPool, nil)

	orch := orchestrator.New(orchestrator.Config{MaxActiveJobsPerUser: maxActive}, orchestrator.Deps{
		Scenarios: scenario.NewCached(source, time.Minute),
		Tracker:   tracker.New(jobStore),
		Gateway:   client,
		Limiter:   admission.NewMemory(),
		Pool:      jobPool,
		Notifier:  notifier,
	})

	checker := health.NewChecker(
		health.Check{Name: "evaluator", Run: client.Health, Critical: true},
		health.Check{Name: "store", Run: jobStore.Ping, Critical: true},
		health.Check{Name: "callback", Run: notifier.Ready},
	)

	server := httptest.NewServer(api.NewRouter(api.RouterConfig{
		Service:       orch,
		HealthChecker: checker,
	}))

	t.Cleanup(func() {
		server.Close()
		orch.Drain()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = jobPool.Close(ctx)
		_ = notifyPool.Close(ctx)
	})

	return &testServer{url: server.URL, evaluator: evaluator, callbacks: callbacks}
}

func call(t *testing.T, method, url, user string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.HeaderUserID, user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func getJob(t *testing.T, baseURL, id string) *job.Job {
	resp := call(t, http.MethodGet, baseURL+"/v1/jobs/"+id, "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: status %d", resp.StatusCode)
	}
	j := decodeBody[job.Job](t, resp)
	return &j
}

func startJob(t *testing.T, baseURL string, overrides map[string]any) api.StartResponse {
	t.Helper()
	resp := call(t, http.MethodPost, baseURL+"/v1/scenarios/sc-height-spacing/jobs", "alice", overrides)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start job: status %d", resp.StatusCode)
	}
	return decodeBody[api.StartResponse](t, resp)
}

func TestAPI_Readyz(t *testing.T) {
	srv := createTestServer(t, 3)

	resp, err := http.Get(srv.url + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	result := decodeBody[health.Response](t, resp)
	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s (%v)", result.Status, result.Checks)
	}
}

func TestAPI_Livez(t *testing.T) {
	srv := createTestServer(t, 3)

	resp, err := http.Get(srv.url + "/livez")
	if err != nil {
		t.Fatalf("Liveness check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestAPI_JobCompletion(t *testing.T) {
	srv := createTestServer(t, 3)

	started := startJob(t, srv.url, nil)
	if started.Status != job.StatusPending {
		t.Errorf("expected pending, got %s", started.Status)
	}

	testutil.Eventually(t, func() bool {
		resp := call(t, http.MethodGet, srv.url+"/v1/jobs/"+started.ID+"/progress", "alice", nil)
		p := decodeBody[job.Progress](t, resp)
		return p.Status.Terminal()
	})

	j := getJob(t, srv.url, started.ID)
	if j.Status != job.StatusCompleted || j.Progress != 100 {
		t.Fatalf("expected completed at 100%%, got %s at %.1f (%s)", j.Status, j.Progress, j.Error)
	}
	if j.Result == nil || !j.Result.Convergence.Converged {
		t.Errorf("expected a converged result, got %+v", j.Result)
	}
	if len(j.History) == 0 || len(j.History) > 30 {
		t.Errorf("expected 1..30 history samples, got %d", len(j.History))
	}

	testutil.Eventually(t, func() bool { return len(srv.callbacks.types(started.ID)) == 2 })
	types := srv.callbacks.types(started.ID)
	if types[0] != notify.EventTypeStarted || types[1] != notify.EventTypeFinished {
		t.Errorf("unexpected callback order %v", types)
	}
}

func TestAPI_CreateAndCancelJob(t *testing.T) {
	srv := createTestServer(t, 3)
	srv.evaluator.SetHandler(func(*solver.Request, int) solvertest.Reply {
		return solvertest.Reply{Hang: true}
	})

	started := startJob(t, srv.url, nil)
	testutil.Eventually(t, func() bool { return srv.evaluator.Calls() > 0 })

	for i := 0; i < 2; i++ {
		resp := call(t, http.MethodDelete, srv.url+"/v1/jobs/"+started.ID, "alice", nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("cancel %d: expected 204, got %d", i+1, resp.StatusCode)
		}
	}

	j := getJob(t, srv.url, started.ID)
	if j.Status != job.StatusCancelled {
		t.Errorf("expected cancelled, got %s", j.Status)
	}

	// Another user can neither see nor cancel it.
	if resp := call(t, http.MethodDelete, srv.url+"/v1/jobs/"+started.ID, "bob", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for another user, got %d", resp.StatusCode)
	}
}

func TestAPI_AdmissionLimit(t *testing.T) {
	srv := createTestServer(t, 1)
	srv.evaluator.SetHandler(func(*solver.Request, int) solvertest.Reply {
		return solvertest.Reply{Hang: true}
	})

	first := startJob(t, srv.url, nil)

	resp := call(t, http.MethodPost, srv.url+"/v1/scenarios/sc-height-spacing/jobs", "alice", map[string]any{"maxIterations": 10})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body := decodeBody[api.ErrorResponse](t, resp)
	if len(body.ConflictingJobIDs) != 1 || body.ConflictingJobIDs[0] != first.ID {
		t.Errorf("expected conflict with %s, got %v", first.ID, body.ConflictingJobIDs)
	}

	resp = call(t, http.MethodGet, srv.url+"/v1/jobs?active=true", "alice", nil)
	list := decodeBody[api.ListResponse](t, resp)
	if len(list.Jobs) != 1 {
		t.Errorf("expected one active job, got %d", len(list.Jobs))
	}

	call(t, http.MethodDelete, srv.url+"/v1/jobs/"+first.ID, "alice", nil)
}

func TestAPI_InvalidJobRequest(t *testing.T) {
	srv := createTestServer(t, 3)

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"unknown scenario", "/v1/scenarios/sc-nope/jobs", nil, http.StatusNotFound},
		{"unknown field", "/v1/scenarios/sc-height-spacing/jobs", map[string]any{"image": "alpine"}, http.StatusBadRequest},
		{"bounds outside range", "/v1/scenarios/sc-height-spacing/jobs", map[string]any{"bounds": map[string]any{"height": map[string]any{"min": 3, "max": 1}}}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, http.MethodPost, srv.url+tt.path, "alice", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshforge/internal/domain"
	"meshforge/internal/engine"
	"meshforge/internal/http/handlers"
	"meshforge/internal/http/httpapi"
	"meshforge/internal/ledger"
	"meshforge/internal/provider/tripo"
	"meshforge/internal/registry"
	"meshforge/internal/store"
)

// scriptedProvider succeeds on the given poll and serves fixed bytes.
type scriptedProvider struct {
	mu          sync.Mutex
	statusCalls int
	succeedOn   int
	neverDone   bool
}

func (p *scriptedProvider) Submit(ctx context.Context, prompt string, format domain.Format, quality domain.Quality, style map[string]string) (string, error) {
	return "task-http-1", nil
}

func (p *scriptedProvider) Status(ctx context.Context, taskID string) (tripo.TaskStatus, error) {
	p.mu.Lock()
	p.statusCalls++
	call := p.statusCalls
	p.mu.Unlock()
	if p.neverDone || call < p.succeedOn {
		return tripo.TaskStatus{State: tripo.StateRunning, Percent: 40}, nil
	}
	return tripo.TaskStatus{State: tripo.StateSucceeded, ResultURL: "https://cdn/model.glb", CreditsUsed: 4}, nil
}

func (p *scriptedProvider) Fetch(ctx context.Context, resultURL string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("model-bytes")), nil
}

func (p *scriptedProvider) Cancel(ctx context.Context, taskID string) error { return nil }

func (p *scriptedProvider) Balance(ctx context.Context) (tripo.AccountBalance, error) {
	return tripo.AccountBalance{}, domain.ErrProviderUnavailable
}

func newTestServer(t *testing.T, promo int64, p engine.Provider) *httptest.Server {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.Options{
		Costs: map[domain.Quality]int64{
			domain.QualityLow:    2,
			domain.QualityMedium: 4,
			domain.QualityHigh:   8,
		},
		InitialPromotional: promo,
		Logger:             zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	s, err := store.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	orch := engine.New(engine.Config{
		PollInitial:    2 * time.Millisecond,
		PollMax:        10 * time.Millisecond,
		PollMultiplier: 2.0,
		MaxWait:        2 * time.Second,
		MaxAttempts:    3,
		RetryInitial:   time.Millisecond,
	}, l, p, s, registry.New(nil, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	app := handlers.NewApp(orch, zerolog.Nop())
	srv := httptest.NewServer(httpapi.NewRouter(app, httpapi.Options{Logger: zerolog.Nop()}))
	t.Cleanup(srv.Close)
	return srv
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func waitStatus(t *testing.T, base, jobID string, want domain.JobStatus) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/v1/jobs/" + jobID)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		body := decodeJSON(t, resp)
		if body["status"] == string(want) {
			return body
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, want)
	return nil
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, 10, &scriptedProvider{succeedOn: 1})
	resp, err := http.Get(srv.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestGenerateLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, 10, &scriptedProvider{succeedOn: 2})

	resp := postJSON(t, srv.URL+"/v1/models/generate",
		`{"prompt":"a walnut rocking chair","format":"glb","quality":"medium"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d, want 202", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("generate response missing job_id: %v", body)
	}

	done := waitStatus(t, srv.URL, jobID, domain.JobStatusCompleted)
	if done["credits_charged"] != float64(4) {
		t.Fatalf("credits_charged = %v, want 4", done["credits_charged"])
	}

	resp, err := http.Get(srv.URL + "/v1/jobs/" + jobID + "/artifact")
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("artifact status = %d, want 200", resp.StatusCode)
	}
	art := decodeJSON(t, resp)
	if art["format"] != "glb" || art["checksum"] == "" {
		t.Fatalf("artifact = %v", art)
	}

	resp, err = http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("GET models: %v", err)
	}
	list := decodeJSON(t, resp)
	items, _ := list["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("cached models = %v, want one entry", list)
	}

	resp, err = http.Get(srv.URL + "/v1/credits")
	if err != nil {
		t.Fatalf("GET credits: %v", err)
	}
	credits := decodeJSON(t, resp)
	if credits["promotional"] != float64(6) {
		t.Fatalf("promotional balance = %v, want 6", credits["promotional"])
	}
}

func TestGenerateRejectsBadPayload(t *testing.T) {
	srv := newTestServer(t, 10, &scriptedProvider{succeedOn: 1})

	resp := postJSON(t, srv.URL+"/v1/models/generate", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/models/generate", `{"prompt":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank prompt status = %d, want 400", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["error"] != "invalid_request" {
		t.Fatalf("error code = %v, want invalid_request", body["error"])
	}
}

func TestGenerateInsufficientCredits(t *testing.T) {
	srv := newTestServer(t, 1, &scriptedProvider{succeedOn: 1})

	resp := postJSON(t, srv.URL+"/v1/models/generate",
		`{"prompt":"a chair","quality":"high"}`)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	body := decodeJSON(t, resp)
	if body["error"] != "insufficient_credits" {
		t.Fatalf("error code = %v", body["error"])
	}
}

func TestJobNotFound(t *testing.T) {
	srv := newTestServer(t, 10, &scriptedProvider{succeedOn: 1})
	resp, err := http.Get(srv.URL + "/v1/jobs/no-such-job")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCancelOverHTTP(t *testing.T) {
	srv := newTestServer(t, 10, &scriptedProvider{neverDone: true})

	resp := postJSON(t, srv.URL+"/v1/models/generate", `{"prompt":"a slow chair"}`)
	body := decodeJSON(t, resp)
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("missing job_id: %v", body)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		t.Fatalf("build DELETE: %v", err)
	}
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", resp2.StatusCode)
	}
	resp2.Body.Close()

	failed := waitStatus(t, srv.URL, jobID, domain.JobStatusFailed)
	if detail, _ := failed["error"].(string); !strings.Contains(detail, "cancel") {
		t.Fatalf("error detail = %q, want cancellation reason", detail)
	}

	// Cancelling a terminal job conflicts.
	resp3, err := http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	if resp3.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp3.StatusCode)
	}
	resp3.Body.Close()
}

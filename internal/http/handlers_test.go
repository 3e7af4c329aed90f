package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/toll-recovery/internal/geo"
	"github.com/example/toll-recovery/internal/jobstore"
	"github.com/example/toll-recovery/internal/match"
	"github.com/example/toll-recovery/internal/models"
	"github.com/example/toll-recovery/internal/normalize"
)

func newTestServer(t *testing.T) (*Server, jobstore.Store) {
	t.Helper()
	store := jobstore.NewMemoryStore()
	trips := match.NewTripCache()
	return NewServer(Deps{
		Store:      store,
		Normalizer: normalize.New(nil),
		Trips:      trips,
		Ingestor:   &match.Ingestor{Engine: match.New(match.DefaultConfig(), nil), Store: store},
		Plazas:     geo.NewIndex(),
	}), store
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func TestCollectorBatchToQueryableJob(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "POST", "/internal/collector/trips", `[
		{"trip_id":"T1","vehicle_id":"V1","host_id":"H1","start_time":"2024-05-01T09:00:00Z","end_time":"2024-05-01T10:00:00Z"}
	]`)
	if w.Code != 200 {
		t.Fatalf("trip batch: status %d body %s", w.Code, w.Body.String())
	}

	w = do(t, s, "POST", "/internal/collector/tolls", `[
		{"toll_id":"X1","vehicle_id":"V1","charge_time":"2024-05-01T09:45:00Z","amount":"4.50"}
	]`)
	if w.Code != 200 {
		t.Fatalf("toll batch: status %d body %s", w.Code, w.Body.String())
	}
	var resp struct {
		JobsCreated int `json:"jobs_created"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.JobsCreated != 1 {
		t.Fatalf("expected one job created, got %s err=%v", w.Body.String(), err)
	}

	w = do(t, s, "GET", "/api/v1/jobs/"+models.JobIDFor("X1"), "")
	if w.Code != 200 {
		t.Fatalf("get job: status %d", w.Code)
	}
	var job models.SubmissionJob
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusPending || job.TripID != "T1" || job.AmountCents != 450 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestListJobsFilters(t *testing.T) {
	s, _ := newTestServer(t)
	do(t, s, "POST", "/internal/collector/trips", `[
		{"trip_id":"T1","vehicle_id":"V1","start_time":"2024-05-01T09:00:00Z","end_time":"2024-05-01T10:00:00Z"}
	]`)
	do(t, s, "POST", "/internal/collector/tolls", `[
		{"toll_id":"X1","vehicle_id":"V1","charge_time":"2024-05-01T09:30:00Z","amount":"2.00"},
		{"toll_id":"X2","vehicle_id":"V1","charge_time":"2024-05-01T09:40:00Z","amount":"3.00"}
	]`)

	w := do(t, s, "GET", "/api/v1/jobs?status=pending", "")
	if w.Code != 200 {
		t.Fatalf("list: status %d", w.Code)
	}
	var resp struct {
		Jobs []models.SubmissionJob `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Jobs) != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", len(resp.Jobs))
	}

	if w := do(t, s, "GET", "/api/v1/jobs?status=bogus", ""); w.Code != 400 {
		t.Fatalf("expected 400 for unknown status, got %d", w.Code)
	}
	if w := do(t, s, "GET", "/api/v1/jobs?limit=0", ""); w.Code != 400 {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestGetUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	if w := do(t, s, "GET", "/api/v1/jobs/nope", ""); w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMalformedBatchBodies(t *testing.T) {
	s, _ := newTestServer(t)
	if w := do(t, s, "POST", "/internal/collector/trips", `{not json`); w.Code != 400 {
		t.Fatalf("expected 400 for bad trips body, got %d", w.Code)
	}
	if w := do(t, s, "POST", "/internal/collector/tolls", `{not json`); w.Code != 400 {
		t.Fatalf("expected 400 for bad tolls body, got %d", w.Code)
	}
}

func TestPlazaUpsert(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, "POST", "/internal/plazas", `[{"plaza_id":"P1","lat":40.7,"lon":-74.0},{"plaza_id":""}]`)
	if w.Code != 200 {
		t.Fatalf("plaza batch: status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"accepted":1`) {
		t.Fatalf("expected one accepted plaza, got %s", w.Body.String())
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"closeline/internal/config"
	"closeline/internal/db"
	"closeline/internal/domain"
	"closeline/internal/engine"
	"closeline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("org-1")
	cfg.Org.Country = "PH"
	cfg.RACI.Departments = map[string]map[string]string{
		"finance": {"controller": "user-ctrl", "staff": "user-staff"},
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC) }
	if err := e.InitOrg(context.Background(), "org-1", "PH", "tester"); err != nil {
		t.Fatalf("init org: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers == nil {
		req.Header.Set("Authorization", "Bearer "+signToken(t, "tester"))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// seedPeriod publishes the 2026 calendar and one filing template.
func seedPeriod(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/calendars", map[string]any{
		"country":  "PH",
		"year":     2026,
		"holidays": []string{"2026-04-09"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish calendar: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates/import", map[string]any{
		"templates": []map[string]any{
			{
				"category": "vat-filing", "name": "VAT Filing",
				"anchor": "period_end", "offset_workdays": 5, "direction": "before", "requires_filing": true,
				"stages": []map[string]any{
					{"stage": "preparation", "role_binding": "role:finance.staff"},
					{"stage": "review", "role_binding": "role:finance.controller"},
					{"stage": "approval", "role_binding": "role:finance.controller"},
					{"stage": "filed", "role_binding": "role:finance.controller", "evidence": "filing reference"},
				},
			},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import templates: %d %s", res.StatusCode, string(data))
	}
}

func generatePeriod(t *testing.T, srv *testServer) GenerateResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/periods/2026/3/generate", map[string]any{}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", res.StatusCode, string(data))
	}
	var out GenerateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestGenerateAndNoopOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	seedPeriod(t, srv)

	first := generatePeriod(t, srv)
	if first.Status != "completed" || len(first.InstanceIDs) != 1 {
		t.Fatalf("first: %+v", first)
	}
	second := generatePeriod(t, srv)
	if second.Status != "no-op" || second.Fingerprint != first.Fingerprint {
		t.Fatalf("second: %+v", second)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/runs/"+first.Fingerprint, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get run: %d %s", res.StatusCode, string(data))
	}
	var run domain.GenerationRun
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted || run.InstanceCount != 1 {
		t.Fatalf("run: %+v", run)
	}
}

func TestTransitionOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	seedPeriod(t, srv)
	gen := generatePeriod(t, srv)
	id := gen.InstanceIDs[0]
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+id+"/transition", map[string]any{
		"to": "review",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition: %d %s", res.StatusCode, string(data))
	}
	var inst InstanceResponse
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatal(err)
	}
	if inst.State != domain.StateReview {
		t.Fatalf("state = %s", inst.State)
	}

	// Skipping review->approval->filed in one hop is a workflow violation.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+id+"/transition", map[string]any{
		"to": "filed",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}

	// A stale last-known state is a conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+id+"/transition", map[string]any{
		"from": "preparation", "to": "review",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
}

func TestExceptionFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	seedPeriod(t, srv)
	gen := generatePeriod(t, srv)
	id := gen.InstanceIDs[0]
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+id+"/exception", map[string]any{
		"reason": "deadline_conflict", "note": "audit overlaps close week",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("raise: %d %s", res.StatusCode, string(data))
	}
	var inst InstanceResponse
	_ = json.Unmarshal(data, &inst)
	if inst.State != domain.StateException {
		t.Fatalf("state = %s", inst.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/instances/"+id+"/exception/resolve", map[string]any{
		"note": "rescheduled",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &inst)
	if inst.State != domain.StatePreparation {
		t.Fatalf("resumed state = %s", inst.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+id+"/exceptions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list exceptions: %d %s", res.StatusCode, string(data))
	}
	var entries []domain.ExceptionEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ResolvedAt == nil {
		t.Fatalf("entries: %+v", entries)
	}
}

func TestCalendarOffsetQuery(t *testing.T) {
	srv := newTestServer(t)
	seedPeriod(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v0/calendars/PH/2026/offset?anchor=2026-03-31&offset=5&direction=before", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("offset: %d %s", res.StatusCode, string(data))
	}
	var out WorkdayQueryResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Result != "2026-03-24" {
		t.Fatalf("result = %s", out.Result)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/instances", nil)
	res, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// Health stays open.
	res, err = client.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	seedPeriod(t, srv)

	rawKey := "cl_live_0123456789"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "key-1", ActorID: "automation", Name: "ci",
	}, rawKey)
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/templates", nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key request: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/templates", nil, map[string]string{
		"X-Api-Key": "wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
}

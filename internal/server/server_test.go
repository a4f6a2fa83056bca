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

	"github.com/Krestall88/cleaning-control/internal/config"
	"github.com/Krestall88/cleaning-control/internal/db"
	"github.com/Krestall88/cleaning-control/internal/domain"
	"github.com/Krestall88/cleaning-control/internal/engine"
	"github.com/Krestall88/cleaning-control/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Defaults.Timezone = "UTC"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func seedCatalog(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations", map[string]any{
		"id":   "loc-1",
		"name": "Lobby",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create location status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/definitions", map[string]any{
		"id":            "d1",
		"location_id":   "loc-1",
		"frequency":     "DAILY",
		"timezone":      "UTC",
		"active_from":   "2024-01-01",
		"require_photo": true,
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create definition status %d: %s", res.StatusCode, string(data))
	}
}

func TestOccurrenceLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedCatalog(t, srv)

	// The calendar starts out fully virtual.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/occurrences?from=2024-01-10&to=2024-01-12", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list occurrences status %d: %s", res.StatusCode, string(data))
	}
	var calendar CalendarResponse
	if err := json.Unmarshal(data, &calendar); err != nil {
		t.Fatalf("unmarshal calendar: %v", err)
	}
	if len(calendar.Items) != 3 {
		t.Fatalf("expected 3 items, got %d: %s", len(calendar.Items), string(data))
	}
	for _, it := range calendar.Items {
		if it.Status != "PENDING" || it.Materialized {
			t.Fatalf("expected virtual entries, got %+v", it)
		}
	}

	// Claim materializes.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/d1/2024-01-10/claim", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var occ OccurrenceResponse
	if err := json.Unmarshal(data, &occ); err != nil {
		t.Fatalf("unmarshal occurrence: %v", err)
	}
	if occ.Status != "NEW" || occ.ClaimedBy == nil || *occ.ClaimedBy != "tester" {
		t.Fatalf("unexpected claim result: %s", string(data))
	}

	// Completing without the required photo names the failed requirement.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/d1/2024-01-10/complete", map[string]any{
		"comment": "done",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("complete without photo status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", string(data))
	}
	if req, _ := envelope.Error.Details["requirement"].(string); req == "" {
		t.Fatalf("error must name the failed requirement: %s", string(data))
	}

	// Attach evidence, then complete.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/d1/2024-01-10/evidence", map[string]any{
		"photo_refs": []string{"photo-1"},
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evidence status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/d1/2024-01-10/complete", map[string]any{
		"comment": "done",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &occ); err != nil {
		t.Fatalf("unmarshal completed occurrence: %v", err)
	}
	if occ.Status != "COMPLETED" || occ.CompletedAt == nil {
		t.Fatalf("unexpected completion result: %s", string(data))
	}

	// Terminal rows reject further transitions.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/d1/2024-01-10/fail", map[string]any{
		"reason": "nope",
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("fail after complete status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", string(data))
	}

	// The audit log saw the whole story.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?definition_id=d1&due_date=2024-01-10", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	for _, want := range []string{"occurrence.materialized", "occurrence.claim", "occurrence.evidence", "occurrence.complete"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestUnknownDueDateIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedCatalog(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/occurrences/d1/2023-12-31/claim", nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("claim before active_from status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/locations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "cleaner-7",
		"name":     "tablet",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create apikey status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal apikey: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("plaintext key missing from create response: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/locations", nil, map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth failed %d: %s", res.StatusCode, string(data))
	}
}

func TestWebhookDeliversAndStopsOnCancel(t *testing.T) {
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Defaults.Timezone = "UTC"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := e.CreateLocation(ctx, engine.LocationCreateOptions{ID: "loc-1", Name: "Lobby", ActorID: "tester"}); err != nil {
		t.Fatalf("seed location: %v", err)
	}
	if _, err := e.CreateDefinition(ctx, engine.DefinitionCreateOptions{
		ID: "d1", LocationID: "loc-1", Frequency: "DAILY", Timezone: "UTC", ActiveFrom: "2024-01-01", ActorID: "tester",
	}); err != nil {
		t.Fatalf("seed definition: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deliveries := make(chan webhookEvent, 16)
	recv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
			deliveries <- evt
		}
		w.WriteHeader(http.StatusNoContent)
	})}
	go recv.Serve(ln)
	defer func() {
		recv.Shutdown(context.Background())
		ln.Close()
	}()

	d := &webhookDispatcher{
		engine: e,
		webhooks: []config.WebhookConfig{{
			URL:    "http://" + ln.Addr().String(),
			Events: []string{"occurrence.claim"},
		}},
		client: &http.Client{Timeout: time.Second},
		// Cursor seeded at zero so the test does not race the first tick.
		cursors: map[int]int64{0: 0},
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		d.run(runCtx)
		close(done)
	}()

	if _, err := e.Apply(ctx, domain.OccurrenceKey{DefinitionID: "d1", DueDate: "2024-01-10"}, engine.Claim{Actor: "cleaner-7"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	select {
	case evt := <-deliveries:
		if evt.Type != "occurrence.claim" || evt.DefinitionID != "d1" || evt.DueDate != "2024-01-10" {
			t.Fatalf("unexpected delivery: %+v", evt)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("webhook delivery did not arrive")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatcher did not stop on cancel")
	}
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quizapp/offlinesync/internal/db"
	"github.com/quizapp/offlinesync/internal/metrics"
	"github.com/quizapp/offlinesync/internal/models"
	"github.com/quizapp/offlinesync/internal/network"
	syncpkg "github.com/quizapp/offlinesync/internal/sync"
	"github.com/quizapp/offlinesync/internal/sync/conflict"
)

// stubRemote accepts every call.
type stubRemote struct {
	mu       sync.Mutex
	profiles int
}

func (r *stubRemote) SubmitQuiz(ctx context.Context, quizID string, body interface{}) error {
	return nil
}

func (r *stubRemote) UpdateProfile(ctx context.Context, fields map[string]interface{}) error {
	r.mu.Lock()
	r.profiles++
	r.mu.Unlock()
	return nil
}

func (r *stubRemote) profileCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profiles
}

func (r *stubRemote) Send(ctx context.Context, method, path string, body interface{}) error {
	return nil
}

func (r *stubRemote) ListEvaluations(ctx context.Context, since int64) ([]map[string]interface{}, error) {
	return nil, nil
}

func (r *stubRemote) GetProfile(ctx context.Context) (map[string]interface{}, error) {
	return nil, nil
}

type fixture struct {
	ts        *httptest.Server
	srv       *Server
	engine    *syncpkg.Engine
	monitor   *network.Monitor
	conflicts *conflict.Service
	remote    *stubRemote
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	store := db.NewStore(database)
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queueRepo, err := db.NewQueueRepository(store, syncpkg.QueueTable(syncpkg.ModeOptimized))
	if err != nil {
		t.Fatalf("NewQueueRepository() failed: %v", err)
	}
	records := db.NewDomainRepository(store)
	entities := db.NewEntityRepository(store)

	f := &fixture{
		monitor:   network.NewMonitor(""),
		conflicts: conflict.NewService(records, entities, db.NewConflictLogRepository(store)),
		remote:    &stubRemote{},
	}
	answers := db.NewAnswerRepository(store)
	f.engine = syncpkg.NewOptimizedEngine(syncpkg.Deps{
		Queue:       queueRepo,
		Submissions: db.NewSubmissionRepository(store),
		Drafts:      answers,
		Records:     records,
		Entities:    entities,
		Conflicts:   f.conflicts,
		Remote:      f.remote,
		Monitor:     f.monitor,
		Metrics:     metrics.NewCollector(metrics.DefaultCapacity),
		State:       db.NewStateRepository(store),
	}, syncpkg.DefaultOptions())

	f.srv = New(Deps{
		Engine:    f.engine,
		Metrics:   f.engine.Metrics(),
		Conflicts: f.conflicts,
		Network:   f.monitor,
	})
	f.ts = httptest.NewServer(f.srv.Routes())
	t.Cleanup(func() {
		f.ts.Close()
		f.srv.Hub().Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) goOnline(t *testing.T) {
	t.Helper()
	code := f.do(t, http.MethodPost, "/api/v1/network",
		`{"isConnected":true,"connectionType":"wifi","isInternetReachable":true}`, nil)
	if code != http.StatusOK {
		t.Fatalf("POST /network status = %d, want 200", code)
	}
}

// TestHealth verifies the liveness endpoint.
func TestHealth(t *testing.T) {
	f := newFixture(t)
	var body map[string]interface{}
	if code := f.do(t, http.MethodGet, "/health", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}

// TestNetworkInjection verifies that injected observations drive the status.
func TestNetworkInjection(t *testing.T) {
	f := newFixture(t)

	var status statusResponse
	f.do(t, http.MethodGet, "/api/v1/status", "", &status)
	if status.Sync.IsOnline {
		t.Error("IsOnline = true before any observation, want false")
	}

	var changed struct {
		Changed bool                `json:"changed"`
		State   models.NetworkEvent `json:"state"`
	}
	body := `{"isConnected":true,"connectionType":"WIFI","isInternetReachable":true}`
	f.do(t, http.MethodPost, "/api/v1/network", body, &changed)
	if !changed.Changed || !changed.State.IsOnline || changed.State.ConnectionType != "wifi" {
		t.Errorf("response = %+v, want changed online wifi", changed)
	}

	f.do(t, http.MethodPost, "/api/v1/network", body, &changed)
	if changed.Changed {
		t.Error("repeated observation reported changed")
	}

	f.do(t, http.MethodGet, "/api/v1/status", "", &status)
	if !status.Sync.IsOnline || status.Sync.NetworkQuality != models.QualityExcellent {
		t.Errorf("status = %+v, want online excellent", status.Sync)
	}
}

// TestNetworkInjection_badBody verifies that malformed bodies are rejected.
func TestNetworkInjection_badBody(t *testing.T) {
	f := newFixture(t)
	var body map[string]interface{}
	if code := f.do(t, http.MethodPost, "/api/v1/network", "{", &body); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
	if body["code"] != "INVALID_INPUT" {
		t.Errorf("code = %v, want INVALID_INPUT", body["code"])
	}
}

// TestSync_offline verifies that a pass requested offline is reported skipped.
func TestSync_offline(t *testing.T) {
	f := newFixture(t)
	var res syncpkg.SyncResult
	if code := f.do(t, http.MethodPost, "/api/v1/sync", "", &res); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if !res.Skipped || res.Reason != syncpkg.ReasonOffline {
		t.Errorf("result = %+v, want skipped offline", res)
	}
}

// TestSync_uploadsAndRecordsMetrics tests a manual pass end to end.
func TestSync_uploadsAndRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	f.goOnline(t)

	ctx := context.Background()
	if _, err := f.engine.Enqueue(ctx, models.EntityUserProfile, "u1", models.OperationUpdate,
		map[string]interface{}{"nom": "Alice"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	var res syncpkg.SyncResult
	f.do(t, http.MethodPost, "/api/v1/sync", "", &res)
	if res.Skipped || res.Uploaded != 1 {
		t.Errorf("result = %+v, want 1 uploaded", res)
	}
	if n := f.remote.profileCalls(); n != 1 {
		t.Errorf("UpdateProfile calls = %d, want 1", n)
	}

	var stats struct {
		Overall  metrics.Stats            `json:"overall"`
		ByEntity map[string]metrics.Stats `json:"byEntity"`
	}
	if code := f.do(t, http.MethodGet, "/api/v1/metrics/stats?range=30m", "", &stats); code != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", code)
	}
	if stats.Overall.TotalOperations != 1 || stats.Overall.SuccessRate != 100 {
		t.Errorf("overall = %+v, want 1 op at 100%%", stats.Overall)
	}
	if stats.ByEntity[string(models.EntityUserProfile)].TotalOperations != 1 {
		t.Errorf("byEntity = %v, want user_profile entry", stats.ByEntity)
	}
}

// TestMetrics_invalidParams verifies query validation.
func TestMetrics_invalidParams(t *testing.T) {
	f := newFixture(t)
	tests := []string{
		"/api/v1/metrics/stats?range=soon",
		"/api/v1/metrics/errors?range=-1h",
		"/api/v1/metrics/errors?limit=0",
	}
	for _, path := range tests {
		if code := f.do(t, http.MethodGet, path, "", nil); code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, code)
		}
	}
}

// TestMetrics_emptyCollections verifies that empty results encode as lists.
func TestMetrics_emptyCollections(t *testing.T) {
	f := newFixture(t)

	var errs map[string][]metrics.ErrorCount
	f.do(t, http.MethodGet, "/api/v1/metrics/errors", "", &errs)
	if errs["errors"] == nil || len(errs["errors"]) != 0 {
		t.Errorf("errors = %v, want empty list", errs)
	}

	var anomalies map[string][]metrics.Anomaly
	f.do(t, http.MethodGet, "/api/v1/metrics/anomalies", "", &anomalies)
	if anomalies["anomalies"] == nil || len(anomalies["anomalies"]) != 0 {
		t.Errorf("anomalies = %v, want empty list", anomalies)
	}
}

// TestRetry verifies the retry endpoint.
func TestRetry(t *testing.T) {
	f := newFixture(t)
	var body map[string]int64
	if code := f.do(t, http.MethodPost, "/api/v1/operations/retry", "", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body["retried"] != 0 {
		t.Errorf("retried = %d, want 0", body["retried"])
	}
}

// TestConflicts_listAndResolve tests the manual resolution flow over HTTP.
func TestConflicts_listAndResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := models.TypedPayload{Kind: models.EntityUserProfile, Data: map[string]interface{}{"nom": "Alice", "version": 1}}
	server := models.TypedPayload{Kind: models.EntityUserProfile, Data: map[string]interface{}{"nom": "Alicia", "version": 2}}
	if _, err := f.conflicts.DetectAndResolve(ctx, local, server, "u1", conflict.ResolutionStrategyManual); err != nil {
		t.Fatalf("DetectAndResolve() failed: %v", err)
	}

	var list struct {
		Conflicts []models.Conflict `json:"conflicts"`
		Stats     conflict.Stats    `json:"stats"`
	}
	f.do(t, http.MethodGet, "/api/v1/conflicts", "", &list)
	if len(list.Conflicts) != 1 || list.Stats.Pending != 1 {
		t.Fatalf("conflicts = %+v, want one pending", list)
	}
	key := list.Conflicts[0].Key()

	if code := f.do(t, http.MethodPost, "/api/v1/conflicts/"+key+"/resolve", `{}`, nil); code != http.StatusBadRequest {
		t.Errorf("resolve without data status = %d, want 400", code)
	}
	if code := f.do(t, http.MethodPost, "/api/v1/conflicts/"+key+"/resolve",
		`{"data":{"nom":"Alice B.","version":3}}`, nil); code != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", code)
	}
	if f.conflicts.PendingCount() != 0 {
		t.Error("conflict still pending after resolve")
	}
	if code := f.do(t, http.MethodPost, "/api/v1/conflicts/"+key+"/resolve",
		`{"data":{"nom":"x"}}`, nil); code != http.StatusNotFound {
		t.Errorf("second resolve status = %d, want 404", code)
	}

	var history struct {
		History []models.ConflictLog `json:"history"`
	}
	f.do(t, http.MethodGet, "/api/v1/conflicts/history?limit=5", "", &history)
	if len(history.History) != 1 || history.History[0].Winner != conflict.SideManual {
		t.Errorf("history = %+v, want one manual resolution", history.History)
	}
	if code := f.do(t, http.MethodGet, "/api/v1/conflicts/history?limit=0", "", nil); code != http.StatusBadRequest {
		t.Errorf("history limit=0 status = %d, want 400", code)
	}
}

// TestWriteError_conflictError verifies resolution errors are reported as bad input.
func TestWriteError_conflictError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, fmt.Errorf("resolve: %w", conflict.ErrNoWriter))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"INVALID_INPUT"`) {
		t.Errorf("body = %s, want INVALID_INPUT", rec.Body.String())
	}
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.Hub().ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() failed: %v", err)
	}
	return msg
}

// TestWebSocket_broadcastsEngineEvents verifies that engine events reach clients.
func TestWebSocket_broadcastsEngineEvents(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	f.do(t, http.MethodPost, "/api/v1/sync", "", nil)

	msg := readEnvelope(t, conn)
	if msg["type"] != string(syncpkg.SyncEventSkipped) {
		t.Errorf("type = %v, want %s", msg["type"], syncpkg.SyncEventSkipped)
	}
	data, _ := msg["data"].(map[string]interface{})
	if data["message"] != syncpkg.ReasonOffline {
		t.Errorf("data = %v, want offline reason", data)
	}
}

// TestWebSocket_subscriptions verifies that subscribed clients only get their events.
func TestWebSocket_subscriptions(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	if err := conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{string(syncpkg.SyncEventCompleted)},
	}); err != nil {
		t.Fatalf("WriteJSON() failed: %v", err)
	}
	if ack := readEnvelope(t, conn); ack["action"] != "subscribe_ack" {
		t.Fatalf("ack = %v, want subscribe_ack", ack)
	}

	// skipped and started events are filtered out
	f.do(t, http.MethodPost, "/api/v1/sync", "", nil)
	f.goOnline(t)
	f.do(t, http.MethodPost, "/api/v1/sync", "", nil)

	msg := readEnvelope(t, conn)
	if msg["type"] != string(syncpkg.SyncEventCompleted) {
		t.Errorf("type = %v, want %s", msg["type"], syncpkg.SyncEventCompleted)
	}
}

// TestWebSocket_ping verifies the application-level ping.
func TestWebSocket_ping(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	if err := conn.WriteJSON(map[string]string{"action": "ping"}); err != nil {
		t.Fatalf("WriteJSON() failed: %v", err)
	}
	if msg := readEnvelope(t, conn); msg["action"] != "pong" {
		t.Errorf("reply = %v, want pong", msg)
	}
}

// TestLocalOrigin tests the websocket origin check.
func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(r); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

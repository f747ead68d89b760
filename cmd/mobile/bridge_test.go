package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// recordingRemote accepts every call and records submitted quizzes.
type recordingRemote struct {
	mu        sync.Mutex
	submitted []string
}

func (r *recordingRemote) SubmitQuiz(ctx context.Context, quizID string, body interface{}) error {
	r.mu.Lock()
	r.submitted = append(r.submitted, quizID)
	r.mu.Unlock()
	return nil
}

func (r *recordingRemote) UpdateProfile(ctx context.Context, fields map[string]interface{}) error {
	return nil
}

func (r *recordingRemote) Send(ctx context.Context, method, path string, body interface{}) error {
	return nil
}

func (r *recordingRemote) ListEvaluations(ctx context.Context, since int64) ([]map[string]interface{}, error) {
	return nil, nil
}

func (r *recordingRemote) GetProfile(ctx context.Context) (map[string]interface{}, error) {
	return nil, nil
}

func (r *recordingRemote) submissions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.submitted...)
}

func decode(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("response %q is not JSON: %v", raw, err)
	}
	return m
}

func mustSucceed(t *testing.T, call, raw string) map[string]interface{} {
	t.Helper()
	m := decode(t, raw)
	if m["success"] != true {
		t.Fatalf("%s = %s, want success", call, raw)
	}
	return m
}

func newBridge(t *testing.T) (*bridge, *recordingRemote) {
	t.Helper()
	remote := &recordingRemote{}
	b := &bridge{remote: remote}
	opts, _ := json.Marshal(InitOptions{DataDir: t.TempDir(), LogLevel: "error"})
	mustSucceed(t, "init", b.init(string(opts)))
	t.Cleanup(func() { b.shutdown() })
	return b, remote
}

// TestBridge_notInitialized verifies that calls before Init fail cleanly.
func TestBridge_notInitialized(t *testing.T) {
	b := &bridge{}
	m := decode(t, b.syncStatus())
	if m["success"] != false || m["code"] != "STORAGE_NOT_INITIALIZED" {
		t.Errorf("syncStatus() = %v, want STORAGE_NOT_INITIALIZED", m)
	}
	if m := decode(t, b.setTokens("a", "r")); m["success"] != false {
		t.Errorf("setTokens() = %v, want failure", m)
	}
}

// TestBridge_initRejectsBadOptions verifies option validation.
func TestBridge_initRejectsBadOptions(t *testing.T) {
	b := &bridge{}
	if m := decode(t, b.init("{")); m["code"] != "INVALID_INPUT" {
		t.Errorf("init(malformed) = %v, want INVALID_INPUT", m)
	}
	opts, _ := json.Marshal(InitOptions{DataDir: t.TempDir(), Engine: "turbo"})
	if m := decode(t, b.init(string(opts))); m["code"] != "INVALID_INPUT" {
		t.Errorf("init(turbo) = %v, want INVALID_INPUT", m)
	}
}

// TestBridge_entityLifecycle tests create, update, get, list and delete.
func TestBridge_entityLifecycle(t *testing.T) {
	b, _ := newBridge(t)

	created := mustSucceed(t, "entityCreate", b.entityCreate("flashcard", `{"front":"a"}`, "u1"))
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("entityCreate() returned no id: %v", created)
	}

	mustSucceed(t, "entityUpdate", b.entityUpdate("flashcard", id, `{"back":"b"}`, "u1"))

	got := mustSucceed(t, "entityGet", b.entityGet("flashcard", id))
	ent, _ := got["entity"].(map[string]interface{})
	data, _ := ent["data"].(map[string]interface{})
	if data["front"] != "a" || data["back"] != "b" || ent["version"] != float64(2) {
		t.Errorf("entity = %v, want merged data at version 2", ent)
	}

	list := mustSucceed(t, "entityList", b.entityList("flashcard", "u1"))
	if entities, _ := list["entities"].([]interface{}); len(entities) != 1 {
		t.Errorf("entities = %v, want 1", list["entities"])
	}

	mustSucceed(t, "entityDelete", b.entityDelete("flashcard", id, "u1"))
	got = mustSucceed(t, "entityGet", b.entityGet("flashcard", id))
	if got["entity"] != nil {
		t.Errorf("entity after delete = %v, want null", got["entity"])
	}

	if m := decode(t, b.entityUpdate("flashcard", "missing", `{}`, "u1")); m["code"] != "NOT_FOUND" {
		t.Errorf("entityUpdate(missing) = %v, want NOT_FOUND", m)
	}
	if m := decode(t, b.entityCreate("flashcard", `[1]`, "u1")); m["code"] != "INVALID_INPUT" {
		t.Errorf("entityCreate(array) = %v, want INVALID_INPUT", m)
	}
}

// TestBridge_submitOfflineThenSync tests the offline submission flow.
func TestBridge_submitOfflineThenSync(t *testing.T) {
	b, remote := newBridge(t)

	mustSucceed(t, "answerSave", b.answerSave("q1", "k1", "u1", "42"))
	answers := mustSucceed(t, "answerList", b.answerList("q1", "u1"))
	if list, _ := answers["answers"].([]interface{}); len(list) != 1 {
		t.Fatalf("answers = %v, want 1", answers["answers"])
	}

	sub := mustSucceed(t, "quizSubmit", b.quizSubmit("q1", "e1", "u1", `[{"questionId":"k1","content":"42"}]`))
	if sub["submissionId"] == "" {
		t.Errorf("quizSubmit() = %v, want a submission id", sub)
	}

	answers = mustSucceed(t, "answerList", b.answerList("q1", "u1"))
	if list, _ := answers["answers"].([]interface{}); len(list) != 0 {
		t.Errorf("answers after submit = %v, want none", answers["answers"])
	}

	res := mustSucceed(t, "syncForce", b.syncForce())
	if r, _ := res["result"].(map[string]interface{}); r["skipped"] != true {
		t.Errorf("offline syncForce() = %v, want skipped", res)
	}

	st := mustSucceed(t, "syncStatus", b.syncStatus())
	status, _ := st["status"].(map[string]interface{})
	if status["pendingOperations"] != float64(1) || status["isOnline"] != false {
		t.Errorf("status = %v, want 1 pending offline", status)
	}

	net := mustSucceed(t, "networkUpdate",
		b.networkUpdate(`{"isConnected":true,"connectionType":"wifi","isInternetReachable":true}`))
	if net["changed"] != true || net["quality"] != "excellent" {
		t.Errorf("networkUpdate() = %v, want changed excellent", net)
	}

	// a reconnect pass may already be running
	waitIdle(t, b)

	if got := remote.submissions(); len(got) != 1 || got[0] != "q1" {
		t.Errorf("submitted = %v, want [q1]", got)
	}
	st = mustSucceed(t, "syncStatus", b.syncStatus())
	status, _ = st["status"].(map[string]interface{})
	if status["pendingOperations"] != float64(0) {
		t.Errorf("status after sync = %v, want 0 pending", status)
	}
}

// waitIdle retries a forced pass until one runs.
func waitIdle(t *testing.T, b *bridge) {
	t.Helper()
	for i := 0; i < 100; i++ {
		m := mustSucceed(t, "syncForce", b.syncForce())
		if r, _ := m["result"].(map[string]interface{}); r["skipped"] != true {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sync pass never became available")
}

// TestBridge_tokensAndProfile verifies token storage and profile updates.
func TestBridge_tokensAndProfile(t *testing.T) {
	b, _ := newBridge(t)

	mustSucceed(t, "setTokens", b.setTokens("access", "refresh"))
	access, refresh, err := b.creds.Tokens(context.Background())
	if err != nil || access != "access" || refresh != "refresh" {
		t.Errorf("Tokens() = %q, %q, %v", access, refresh, err)
	}

	mustSucceed(t, "profileUpdate", b.profileUpdate("u1", `{"nom":"Alice"}`))
	if m := decode(t, b.profileUpdate("", `{}`)); m["code"] != "INVALID_INPUT" {
		t.Errorf("profileUpdate(no user) = %v, want INVALID_INPUT", m)
	}

	retried := mustSucceed(t, "syncRetryFailed", b.syncRetryFailed())
	if retried["retried"] != float64(0) {
		t.Errorf("retried = %v, want 0", retried["retried"])
	}
}

// TestBridge_initIdempotent verifies that a second Init reuses the core.
func TestBridge_initIdempotent(t *testing.T) {
	b, _ := newBridge(t)
	first := b.app
	mustSucceed(t, "init", b.init(""))
	if b.app != first {
		t.Error("second init replaced the running core")
	}
	mustSucceed(t, "shutdown", b.shutdown())
	if m := decode(t, b.syncStatus()); m["success"] != false {
		t.Errorf("syncStatus() after shutdown = %v, want failure", m)
	}
}

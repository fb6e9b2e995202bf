package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sprintboard/internal/config"
	"sprintboard/internal/db"
	"sprintboard/internal/domain"
	"sprintboard/internal/engine"
	"sprintboard/internal/events"
	"sprintboard/internal/gateway"
	"sprintboard/internal/logging"
	"sprintboard/internal/migrate"
	"sprintboard/internal/protocol"
	"sprintboard/internal/repo"
	"sprintboard/internal/sequencer"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Engine  *engine.Engine
	Repo    repo.Repo
	Journal events.Journal
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	journal := events.Journal{DB: conn}
	e := engine.New(r, cfg)
	e.Sequencer = sequencer.New(journal.LastSequence)
	e.Journal = journal
	e.Logger = logging.Discard()
	hub := gateway.NewHub(e.Log, gateway.OptionsFrom(cfg), logging.Discard())
	e.Fanout = hub
	handler, err := New(Config{
		Engine:   e,
		Hub:      hub,
		Keys:     r,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevTokens: true},
		Logger:   logging.Discard(),
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
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Repo:    r,
		Journal: journal,
		client:  &http.Client{},
		close: func() {
			hub.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func tokenFor(t *testing.T, user string, role domain.Role) string {
	t.Helper()
	token, err := SignToken(testSecret, user, role, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func as(t *testing.T, user string, role domain.Role) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tokenFor(t, user, role)}
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

// seedBoard creates sprint s1 with tasks t1..tN worth 5 points each.
func seedBoard(t *testing.T, srv *testServer, tasks int) {
	t.Helper()
	admin := as(t, "root", domain.RoleAdmin)
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/sprints/s1", map[string]any{
		"name":    "Sprint 1",
		"team_id": "team-a",
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put sprint: %d %s", res.StatusCode, string(data))
	}
	for i := 1; i <= tasks; i++ {
		id := "t" + string(rune('0'+i))
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sprints/s1/tasks", map[string]any{
			"task_id":      id,
			"story_id":     "story-1",
			"title":        "Task " + id,
			"story_points": 5,
		}, admin)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("create task %s: %d %s", id, res.StatusCode, string(data))
		}
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func TestClaimConflictCarriesSnapshot(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedBoard(t, srv, 1)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/claim", nil, as(t, "alice", domain.RoleContributor))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first claim: %d %s", res.StatusCode, string(data))
	}
	var claimed TaskResponse
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if claimed.Status != "Owned" || claimed.OwnerUserID == nil || *claimed.OwnerUserID != "alice" {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/claim", nil, as(t, "bob", domain.RoleContributor))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "already_owned" {
		t.Fatalf("expected already_owned, got %s", env.Error.Code)
	}
	if env.Error.Details["owner_user_id"] != "alice" {
		t.Fatalf("expected owner alice in details, got %v", env.Error.Details)
	}
	task, ok := env.Error.Details["task"].(map[string]any)
	if !ok || task["status"] != "Owned" || task["version"] != float64(2) {
		t.Fatalf("expected task snapshot in details, got %v", env.Error.Details["task"])
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedBoard(t, srv, 2)
	client := srv.Client()
	alice := as(t, "alice", domain.RoleContributor)

	for _, op := range []string{"claim", "start", "complete"} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/"+op, nil, alice)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", op, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/start", nil, alice)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sprints/s1", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: %d %s", res.StatusCode, string(data))
	}
	var snap SnapshotResponse
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.CurrentSequence != 3 || len(snap.Tasks) != 2 {
		t.Fatalf("unexpected snapshot: seq=%d tasks=%d", snap.CurrentSequence, len(snap.Tasks))
	}
	agg := snap.Sprint.Aggregate
	if agg.CompletedTaskCount != 1 || agg.CompletedPoints != 5 || agg.TotalTaskCount != 2 || agg.ProgressPercentage != 50 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sprints/s1/events?after=1", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].SequenceNumber != 2 || page.Items[1].NewStatus != "Completed" {
		t.Fatalf("unexpected events page: %+v", page.Items)
	}
}

func TestPermissionsEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedBoard(t, srv, 1)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/claim", nil, as(t, "vic", domain.RoleViewer))
	if res.StatusCode != http.StatusForbidden || decodeError(t, data).Error.Code != "forbidden" {
		t.Fatalf("viewer claim: expected forbidden, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sprints/s1/tasks", map[string]any{
		"story_id": "story-1",
		"title":    "sneaky",
	}, as(t, "alice", domain.RoleContributor))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("contributor create task: expected forbidden, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sprints/s1", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous snapshot: expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/missing", nil, as(t, "alice", domain.RoleContributor))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing task: expected 404, got %d", res.StatusCode)
	}
}

func TestReleaseOverride(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedBoard(t, srv, 1)
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/claim", nil, as(t, "alice", domain.RoleContributor))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/release", map[string]any{"override": true}, as(t, "bob", domain.RoleContributor))
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Error.Code != "not_owner" {
		t.Fatalf("contributor override: expected not_owner, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/t1/release", map[string]any{"override": true}, as(t, "mara", domain.RoleMaintainer))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("maintainer override: %d %s", res.StatusCode, string(data))
	}
	var released TaskResponse
	_ = json.Unmarshal(data, &released)
	if released.Status != "Available" || released.OwnerUserID != nil {
		t.Fatalf("unexpected released task: %+v", released)
	}
}

func TestDevTokenAndAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/token", map[string]any{
		"user_id": "dana",
		"role":    "maintainer",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev token: %d %s", res.StatusCode, string(data))
	}
	var tok DevTokenResponse
	_ = json.Unmarshal(data, &tok)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.UserID != "dana" || me.Role != "maintainer" || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	key := "sb_test_key"
	if err := srv.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "k1", UserID: "ci-bot", Role: domain.RoleContributor, KeyHash: repo.HashAPIKey(key),
	}); err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &me)
	if me.UserID != "ci-bot" || me.Source != "api_key" {
		t.Fatalf("unexpected api key principal: %+v", me)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Error.Code != "invalid_credentials" {
		t.Fatalf("bad api key: expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
}

func TestStreamPushesCommittedEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedBoard(t, srv, 1)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/stream?access_token=" + tokenFor(t, "vic", domain.RoleViewer)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() protocol.ServerMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	}
	send := func(m protocol.ClientMessage) {
		t.Helper()
		data, _ := protocol.EncodeClient(m)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(protocol.Subscribe{SprintID: "missing"})
	if msg := read(); msg.Type != protocol.TypeError || !strings.Contains(string(msg.Raw), `"not_found"`) {
		t.Fatalf("expected not_found error, got %s", string(msg.Raw))
	}
	send(protocol.Subscribe{SprintID: "s1"})
	if msg := read(); msg.Type != protocol.TypeSubscribed {
		t.Fatalf("expected Subscribed, got %s", string(msg.Raw))
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/t1/claim", nil, as(t, "alice", domain.RoleContributor))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	msg := read()
	if msg.Event == nil || msg.Event.Type != domain.EventOwnershipTaken || msg.Event.OwnerUserID != "alice" || msg.Event.Sequence != 1 {
		t.Fatalf("unexpected push: %s", string(msg.Raw))
	}

	// unauthenticated upgrades are refused before the handshake
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v0/stream", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous stream, got %v", err)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	seedBoard(t, srv, 1)

	var mu sync.Mutex
	var received []webhookEvent
	var headers []http.Header
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer hookSrv.Close()

	d := NewWebhookDispatcher(srv.Journal, []config.WebhookConfig{
		{URL: hookSrv.URL, Events: []string{"StatusChanged"}, Secret: "shh"},
	}, logging.Discard())
	ctx := context.Background()
	d.DispatchAll(ctx)

	alice := as(t, "alice", domain.RoleContributor)
	for _, op := range []string{"claim", "start"} {
		if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/t1/"+op, nil, alice); res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", op, res.StatusCode, string(data))
		}
	}
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one StatusChanged delivery, got %d", len(received))
	}
	if received[0].Type != "StatusChanged" || received[0].Sequence != 2 || received[0].SprintID != "s1" {
		t.Fatalf("unexpected delivery: %+v", received[0])
	}
	if headers[0].Get("X-Sprintboard-Secret") != "shh" || headers[0].Get("X-Sprintboard-Delivery") == "" {
		t.Fatalf("missing delivery headers: %v", headers[0])
	}
}

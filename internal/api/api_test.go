package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/am3team/am3/internal/catalog"
	"github.com/am3team/am3/internal/events"
	"github.com/am3team/am3/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCatalog struct {
	rows    []catalog.AppStatus
	listErr error
}

func (f *fakeCatalog) List() ([]catalog.AppStatus, error) {
	return f.rows, f.listErr
}

func (f *fakeCatalog) ResolveUUID(u string) (string, error) {
	for _, row := range f.rows {
		if row.UUID == u {
			return row.AppID, nil
		}
	}
	return "", fmt.Errorf("%w: uuid %s", catalog.ErrUnknownID, u)
}

type fakeController struct {
	calls []string
	err   error
}

func (f *fakeController) Start(id string) error   { return f.record("start", id) }
func (f *fakeController) Stop(id string) error    { return f.record("stop", id) }
func (f *fakeController) Restart(id string) error { return f.record("restart", id) }

func (f *fakeController) record(verb, id string) error {
	f.calls = append(f.calls, verb+" "+id)
	return f.err
}

func mustHash(t *testing.T, plain string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func testServer(t *testing.T, cat *fakeCatalog, control *fakeController, tokenHash string) *Server {
	t.Helper()
	if cat == nil {
		cat = &fakeCatalog{}
	}
	if control == nil {
		control = &fakeController{}
	}
	cfg := Config{Addr: "127.0.0.1:0", NodeName: "node-1", TokenHash: tokenHash}
	bus := events.NewBus(testLogger())
	return NewServer(cfg, cat, control, metrics.New(cat, testLogger()), bus, testLogger())
}

func doRequest(s *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthzOpen(t *testing.T) {
	s := testServer(t, nil, nil, mustHash(t, "tok"))
	w := doRequest(s, "GET", "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}
}

func TestMetricsOpen(t *testing.T) {
	cat := &fakeCatalog{rows: []catalog.AppStatus{{AppID: "0", AppName: "web", Running: true}}}
	s := testServer(t, cat, nil, mustHash(t, "tok"))
	w := doRequest(s, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "am3_apps 1") {
		t.Error("catalog metrics missing from scrape")
	}
}

func TestAppsRequiresAuth(t *testing.T) {
	s := testServer(t, nil, nil, mustHash(t, "tok"))

	if w := doRequest(s, "GET", "/api/v1/apps", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", w.Code)
	}
	if w := doRequest(s, "GET", "/api/v1/apps", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", w.Code)
	}
	if w := doRequest(s, "GET", "/api/v1/apps", "tok"); w.Code != http.StatusOK {
		t.Errorf("good token: status = %d, want 200", w.Code)
	}
}

func TestAuthRejectsAllWhenUnconfigured(t *testing.T) {
	s := testServer(t, nil, nil, "")
	if w := doRequest(s, "GET", "/api/v1/apps", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if w := doRequest(s, "GET", "/api/v1/apps", "anything"); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestLegacyPlaintextToken(t *testing.T) {
	s := testServer(t, nil, nil, "legacy-plain-token")
	if w := doRequest(s, "GET", "/api/v1/apps", "legacy-plain-token"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w := doRequest(s, "GET", "/api/v1/apps", "other"); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAppsPayload(t *testing.T) {
	cat := &fakeCatalog{rows: []catalog.AppStatus{
		{AppID: "0", AppName: "web", Running: true, UUID: "u-0"},
		{AppID: "1", AppName: "worker", Running: false, UUID: "u-1"},
	}}
	s := testServer(t, cat, nil, mustHash(t, "tok"))

	w := doRequest(s, "GET", "/api/v1/apps", "tok")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var payload struct {
		NodeName string              `json:"node_name"`
		AppList  []catalog.AppStatus `json:"app_list"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.NodeName != "node-1" {
		t.Errorf("node_name = %q", payload.NodeName)
	}
	if len(payload.AppList) != 2 || payload.AppList[0].UUID != "u-0" || !payload.AppList[0].Running {
		t.Errorf("app_list = %+v", payload.AppList)
	}
}

func TestAppsEmptyListIsArray(t *testing.T) {
	s := testServer(t, &fakeCatalog{}, nil, mustHash(t, "tok"))
	w := doRequest(s, "GET", "/api/v1/apps", "tok")
	if !strings.Contains(w.Body.String(), `"app_list":[]`) {
		t.Errorf("empty app_list not an array: %s", w.Body.String())
	}
}

func TestCommandRoutesResolveUUID(t *testing.T) {
	cat := &fakeCatalog{rows: []catalog.AppStatus{{AppID: "3", AppName: "web", UUID: "u-3"}}}

	for _, verb := range []string{"start", "stop", "restart"} {
		control := &fakeController{}
		s := testServer(t, cat, control, mustHash(t, "tok"))

		w := doRequest(s, "POST", "/api/v1/apps/u-3/"+verb, "tok")
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, body %s", verb, w.Code, w.Body.String())
		}
		if len(control.calls) != 1 || control.calls[0] != verb+" 3" {
			t.Errorf("%s calls = %v", verb, control.calls)
		}
	}
}

func TestCommandUnknownUUID(t *testing.T) {
	control := &fakeController{}
	s := testServer(t, &fakeCatalog{}, control, mustHash(t, "tok"))

	w := doRequest(s, "POST", "/api/v1/apps/no-such/start", "tok")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if len(control.calls) != 0 {
		t.Errorf("controller called for unknown uuid: %v", control.calls)
	}
}

func TestCommandControllerFailure(t *testing.T) {
	cat := &fakeCatalog{rows: []catalog.AppStatus{{AppID: "0", UUID: "u-0"}}}
	control := &fakeController{err: errors.New("exec failed")}
	s := testServer(t, cat, control, mustHash(t, "tok"))

	w := doRequest(s, "POST", "/api/v1/apps/u-0/stop", "tok")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestEventStreamSendsInitialSnapshot(t *testing.T) {
	cat := &fakeCatalog{rows: []catalog.AppStatus{{AppID: "0", AppName: "web", Running: true}}}
	s := testServer(t, cat, nil, mustHash(t, "tok"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/api/v1/events/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event: SNAPSHOT\n") {
		t.Errorf("initial snapshot missing:\n%s", body)
	}
	if !strings.Contains(body, `"node_name":"node-1"`) || !strings.Contains(body, `"app_name":"web"`) {
		t.Errorf("snapshot payload incomplete:\n%s", body)
	}
}

func TestEventStreamUnsubscribesOnExit(t *testing.T) {
	s := testServer(t, &fakeCatalog{}, nil, mustHash(t, "tok"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/api/v1/events/stream", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	for _, et := range []events.EventType{events.CatalogChanged, events.LivenessChanged, events.Tick} {
		if n := s.bus.SubscriberCount(et); n != 0 {
			t.Errorf("%s subscribers after disconnect = %d, want 0", et, n)
		}
	}
}

func TestListenAddr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"http://127.0.0.1:8000", "127.0.0.1:8000"},
		{"https://dash.example.com:9443/am3", "dash.example.com:9443"},
		{"127.0.0.1:8000", "127.0.0.1:8000"},
		{"http://0.0.0.0:8000/", "0.0.0.0:8000"},
	}
	for _, tt := range tests {
		if got := ListenAddr(tt.in); got != tt.want {
			t.Errorf("ListenAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCheckToken(t *testing.T) {
	hash := mustHash(t, "secret")
	tests := []struct {
		name  string
		plain string
		hash  string
		want  bool
	}{
		{"bcrypt match", "secret", hash, true},
		{"bcrypt mismatch", "wrong", hash, false},
		{"plaintext match", "tok", "tok", true},
		{"plaintext mismatch", "tik", "tok", false},
		{"unconfigured", "", "", false},
		{"empty plain against hash", "", hash, false},
	}
	for _, tt := range tests {
		if got := checkToken(tt.plain, tt.hash); got != tt.want {
			t.Errorf("%s: checkToken = %v, want %v", tt.name, got, tt.want)
		}
	}
}

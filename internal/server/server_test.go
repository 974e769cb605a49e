package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"sevtrack/internal/config"
	"sevtrack/internal/db"
	"sevtrack/internal/domain"
	"sevtrack/internal/engine"
	"sevtrack/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var auditorHeaders = map[string]string{
	"X-User-Name":       "Ana",
	"X-User-Role":       domain.RoleAuditor,
	"X-User-Department": "Qualidade",
}

var testerHeaders = map[string]string{
	"X-User-Name":       "Bruno",
	"X-User-Role":       domain.RoleTester,
	"X-User-Department": "TI",
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("test"))
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyUserHeaders: true}})
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

func setupDraft(t *testing.T, srv *testServer) DraftResponse {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", map[string]any{
		"name":        "Release 2.4",
		"description": "Validação do fluxo de encomendas",
		"type":        "Funcional",
		"division":    "Passageiros",
		"responsible": "Ana",
	}, auditorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create draft status %d: %s", res.StatusCode, string(data))
	}
	var d DraftResponse
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	return d
}

func TestValidationLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	d := setupDraft(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/systems", map[string]any{
		"system": "Encomendas", "environment": "QA",
	}, auditorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add system: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/systems/confirm", nil, auditorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm systems: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/fields/confirm", nil, auditorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm fields: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/keys", nil, auditorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("issue key: %d %s", res.StatusCode, string(body))
	}
	var pending PendingResponse
	if err := json.Unmarshal(body, &pending); err != nil {
		t.Fatalf("unmarshal pending: %v", err)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/redeem", map[string]any{
		"access_key": pending.AccessKey,
	}, testerHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("redeem: %d %s", res.StatusCode, string(body))
	}
	var session SessionResponse
	if err := json.Unmarshal(body, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.Status != "em_andamento" {
		t.Fatalf("session status %s", session.Status)
	}

	for _, it := range session.Items {
		res, body = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/sessions/"+session.ID+"/items/"+it.ID+"/status", map[string]any{
			"status": "OK",
		}, testerHeaders)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set status: %d %s", res.StatusCode, string(body))
		}
	}

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/sessions/"+session.ID+"/items/"+session.Items[0].ID+"/evidence", map[string]any{
		"filename": "print.png",
		"data":     base64.StdEncoding.EncodeToString([]byte("fake image bytes")),
	}, testerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("attach evidence: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/finalize", map[string]any{
		"signature": "Bruno",
	}, testerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize: %d %s", res.StatusCode, string(body))
	}
	var done SessionResponse
	_ = json.Unmarshal(body, &done)
	if done.Status != "concluida" || done.EndTime == nil {
		t.Fatalf("finalized session: %+v", done)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit?user=bruno", nil, auditorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit query: %d %s", res.StatusCode, string(body))
	}
	var entries []AuditEntryResponse
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected audit entries for tester")
	}
}

func TestDuplicatePairConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	d := setupDraft(t, srv)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/systems", map[string]any{
		"system": "Encomendas", "environment": "QA",
	}, auditorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add system: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/systems", map[string]any{
		"system": "Encomendas", "environment": "QA",
	}, auditorHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "duplicate_pair" {
		t.Fatalf("expected duplicate_pair code, got %q", envelope.Error.Code)
	}
}

func TestFinalizeIncompleteRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	d := setupDraft(t, srv)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/systems", map[string]any{
		"system": "Encomendas", "environment": "QA",
	}, auditorHeaders)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/systems/confirm", nil, auditorHeaders)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/fields/confirm", nil, auditorHeaders)
	_, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+d.ID+"/keys", nil, auditorHeaders)
	var pending PendingResponse
	_ = json.Unmarshal(body, &pending)
	_, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/redeem", map[string]any{
		"access_key": pending.AccessKey,
	}, testerHeaders)
	var session SessionResponse
	_ = json.Unmarshal(body, &session)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/finalize", map[string]any{
		"signature": "Bruno",
	}, testerHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(body))
	}
}

func TestInvalidKeyNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/redeem", map[string]any{
		"access_key": "VAL-NOPE-XXXXXX",
	}, testerHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(body))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/drafts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

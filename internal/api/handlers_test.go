package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"gwi.com/report-studio/internal/auth"
	"gwi.com/report-studio/internal/config"
	"gwi.com/report-studio/internal/core"
	"gwi.com/report-studio/internal/datasource"
	"gwi.com/report-studio/internal/render"
	"gwi.com/report-studio/internal/report"
	"gwi.com/report-studio/internal/store"
)

type scriptedModel struct {
	responses []*core.ModelResponse
	n         int
}

func (m *scriptedModel) Generate(context.Context, core.ModelRequest) (*core.ModelResponse, error) {
	if m.n >= len(m.responses) {
		return &core.ModelResponse{}, nil
	}
	resp := m.responses[m.n]
	m.n++
	return resp, nil
}

type staticProvider map[string][]report.Record

func (p staticProvider) Execute(_ context.Context, q datasource.Query) ([]report.Record, error) {
	return p[q.Name], nil
}

const reportJSON = `{"markdown":"<h1>Sales</h1><div id=\"c1\"></div>","charts":[{"id":"c1","dataKey":"sales","code":"svg.selectAll('rect').data(data).enter().append('rect').attr('height', d => d.total);"}],"queries":[{"name":"sales","sql":"SELECT region, total FROM sales","params":[]}]}`

func newTestServer(t *testing.T, model core.ModelClient) (*httptest.Server, store.ReportStore) {
	t.Helper()
	s, err := store.NewBadgerStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	provider := staticProvider{"sales": {{"region": "Asia", "total": 10.0}}}
	runner := datasource.NewRunner(provider, 2, time.Second)
	renderer := render.NewRenderer(nil)
	svc := core.NewReportService(s, core.NewOrchestrator(model, runner, time.Second), runner, renderer, time.Minute)

	srv := httptest.NewServer(NewRouter(NewAPIHandler(svc, renderer), []string{"*"}))
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return srv, s
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedModel{})
	var body map[string]string
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("unexpected health response %d %v", resp.StatusCode, body)
	}
}

func TestSessionLifecycle(t *testing.T) {
	model := &scriptedModel{responses: []*core.ModelResponse{
		{Call: &core.FunctionCall{Name: "execute_queries", Args: map[string]any{
			"queries": []any{map[string]any{"name": "sales", "query": "SELECT region, total FROM sales"}},
		}}},
		{Text: reportJSON},
	}}
	srv, _ := newTestServer(t, model)

	var sess core.SessionState
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions", nil, &sess)
	if resp.StatusCode != http.StatusCreated || sess.ID == "" {
		t.Fatalf("expected a new session, got %d %+v", resp.StatusCode, sess)
	}
	base := srv.URL + "/api/sessions/" + sess.ID

	var turn core.TurnResult
	resp = doJSON(t, http.MethodPost, base+"/messages", map[string]string{"content": "sales by region"}, &turn)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post message: %d", resp.StatusCode)
	}
	if turn.Session.Mode != core.ModeEdit || turn.Session.Draft.Report == nil {
		t.Fatalf("expected a report draft, got %+v", turn.Session)
	}

	var preview render.Result
	doJSON(t, http.MethodGet, base+"/render", nil, &preview)
	if len(preview.Segments) != 2 || preview.Segments[1].Kind != render.SegmentChart {
		t.Fatalf("unexpected preview %+v", preview)
	}
	if !strings.Contains(preview.Segments[1].HTML, `<rect height="10"`) {
		t.Errorf("chart should draw one bar per record, got %s", preview.Segments[1].HTML)
	}

	var saved store.SavedReport
	resp = doJSON(t, http.MethodPost, base+"/save", map[string]string{"title": "Sales"}, &saved)
	if resp.StatusCode != http.StatusOK || saved.ID == 0 {
		t.Fatalf("save: %d %+v", resp.StatusCode, saved)
	}

	var list []core.ReportSummary
	doJSON(t, http.MethodGet, srv.URL+"/api/reports", nil, &list)
	if len(list) != 1 || list[0].Title != "Sales" {
		t.Fatalf("unexpected list %+v", list)
	}

	reportURL := srv.URL + "/api/reports/" + strconv.FormatInt(saved.ID, 10)
	htmlResp, err := http.Get(reportURL + "/render?format=html")
	if err != nil {
		t.Fatalf("render html: %v", err)
	}
	htmlResp.Body.Close()
	if ct := htmlResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected html, got %q", ct)
	}

	resp = doJSON(t, http.MethodDelete, reportURL, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, reportURL, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
	doJSON(t, http.MethodGet, base, nil, &sess)
	if sess.Mode != core.ModeCreate || sess.ReportID != nil {
		t.Errorf("session should reset after its report is deleted, got %+v", sess)
	}
}

func TestPostMessageStream(t *testing.T) {
	model := &scriptedModel{responses: []*core.ModelResponse{
		{Call: &core.FunctionCall{Name: "execute_queries", Args: map[string]any{
			"queries": []any{map[string]any{"name": "sales", "query": "SELECT 1"}},
		}}},
		{Text: reportJSON},
	}}
	srv, _ := newTestServer(t, model)

	var sess core.SessionState
	doJSON(t, http.MethodPost, srv.URL+"/api/sessions", nil, &sess)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/messages", strings.NewReader(`{"content":"sales"}`))
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	body := buf.String()
	if got := strings.Count(body, "event: status"); got != 2 {
		t.Errorf("expected two status events, got %d in %s", got, body)
	}
	if !strings.Contains(body, "event: reply") {
		t.Errorf("expected a final reply event, got %s", body)
	}
	if !strings.Contains(body, `"status":"running"`) {
		t.Errorf("expected a running status update")
	}
}

func TestStatelessRender(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedModel{})
	body := map[string]any{
		"report": json.RawMessage(`{"markdown":"<div id=\"c1\"></div>","charts":[],"queries":[]}`),
		"data":   map[string]any{},
	}
	var res render.Result
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/render", body, &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("render: %d", resp.StatusCode)
	}
	if len(res.Segments) != 1 || res.Segments[0].Kind != render.SegmentMissingChart || res.Segments[0].ChartID != "c1" {
		t.Errorf("expected one missing-chart segment naming c1, got %+v", res.Segments)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedModel{})
	tests := []struct {
		method, path string
		body         any
		want         int
	}{
		{http.MethodGet, "/api/reports/abc", nil, http.StatusBadRequest},
		{http.MethodGet, "/api/reports/42", nil, http.StatusNotFound},
		{http.MethodGet, "/api/sessions/nope", nil, http.StatusNotFound},
		{http.MethodPost, "/api/sessions/nope/messages", map[string]string{"content": "hi"}, http.StatusNotFound},
		{http.MethodPost, "/api/render", map[string]string{}, http.StatusBadRequest},
		{http.MethodPost, "/api/reports/42/run", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp := doJSON(t, tt.method, srv.URL+tt.path, tt.body, nil)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestJWTAuth(t *testing.T) {
	prev := config.AppConfig
	config.AppConfig.JWTSecret = "test-secret"
	t.Cleanup(func() { config.AppConfig = prev })

	srv, _ := newTestServer(t, &scriptedModel{})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/reports", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health must stay public, got %d", resp.StatusCode)
	}

	token, err := auth.GenerateJWT("tester", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/reports", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with a token, got %d", authed.StatusCode)
	}
}

func TestMiddlewareRecordsSubject(t *testing.T) {
	prev := config.AppConfig
	t.Cleanup(func() { config.AppConfig = prev })

	var seen string
	h := (&APIHandler{}).JWTAuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requester(r)
	}))

	config.AppConfig.JWTSecret = ""
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	if seen != "anonymous" {
		t.Errorf("expected anonymous caller without auth, got %q", seen)
	}

	config.AppConfig.JWTSecret = "test-secret"
	token, err := auth.GenerateJWT("analyst", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/reports", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "analyst" || Subject(req.Context()) != "" {
		t.Errorf("expected the token subject on the handler's request, got %q", seen)
	}
}

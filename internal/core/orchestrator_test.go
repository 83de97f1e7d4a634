package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gwi.com/report-studio/internal/datasource"
	"gwi.com/report-studio/internal/report"
)

// fakeModel replays scripted responses and records every request.
type fakeModel struct {
	mu        sync.Mutex
	responses []*ModelResponse
	errs      []error
	requests  []ModelRequest
}

func (m *fakeModel) Generate(_ context.Context, req ModelRequest) (*ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return &ModelResponse{}, nil
}

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fakeProvider struct {
	rows map[string][]report.Record
	errs map[string]error
}

func (p *fakeProvider) Execute(_ context.Context, q datasource.Query) ([]report.Record, error) {
	if err, ok := p.errs[q.Name]; ok {
		return nil, err
	}
	return p.rows[q.Name], nil
}

func salesProvider() *fakeProvider {
	return &fakeProvider{rows: map[string][]report.Record{
		"sales": {{"region": "Asia", "total": 10.0}, {"region": "Europe", "total": 7.0}},
	}}
}

func queriesCall(queries ...map[string]any) *FunctionCall {
	list := make([]any, 0, len(queries))
	for _, q := range queries {
		list = append(list, q)
	}
	return &FunctionCall{Name: executeQueriesName, Args: map[string]any{"queries": list}}
}

const salesReportJSON = `{"markdown":"<h1>Sales</h1><div id=\"c1\"></div>","charts":[{"id":"c1","dataKey":"sales","code":"svg.append('g');"}],"queries":[{"name":"sales","sql":"SELECT region, total FROM sales","params":[]}]}`

func newTestOrchestrator(model ModelClient, p datasource.Provider) *Orchestrator {
	return NewOrchestrator(model, datasource.NewRunner(p, 2, time.Second), time.Second)
}

func userHistory(text string) []report.Message {
	return []report.Message{{ID: "u1", Role: report.RoleUser, Text: text}}
}

func TestCreateWithToolCall(t *testing.T) {
	model := &fakeModel{responses: []*ModelResponse{
		{Call: queriesCall(map[string]any{"name": "sales", "query": "SELECT region, total FROM sales"})},
		{Text: salesReportJSON},
	}}
	o := newTestOrchestrator(model, salesProvider())

	var updates [][]report.ToolInvocation
	reply, err := o.Create(context.Background(), userHistory("sales by region"), func(invs []report.ToolInvocation) {
		updates = append(updates, invs)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Report == nil || len(reply.Report.Charts) != 1 {
		t.Fatalf("expected a parsed report, got %+v", reply)
	}
	if len(reply.ToolInvocations) != 1 || reply.ToolInvocations[0].Status != report.StatusSuccess {
		t.Fatalf("expected one successful invocation, got %+v", reply.ToolInvocations)
	}
	if len(reply.Data()["sales"]) != 2 {
		t.Errorf("expected the sales rows in the reply data, got %+v", reply.Data())
	}

	if len(updates) != 2 || updates[0][0].Status != report.StatusRunning || updates[1][0].Status != report.StatusSuccess {
		t.Errorf("expected running then success status updates, got %+v", updates)
	}

	if model.calls() != 2 {
		t.Fatalf("expected two model requests, got %d", model.calls())
	}
	first, second := model.requests[0], model.requests[1]
	if !first.OfferTools || first.ReportSchema {
		t.Errorf("first request should offer the tool without the schema: %+v", first)
	}
	if second.OfferTools || !second.ReportSchema {
		t.Errorf("second request should use the schema without the tool: %+v", second)
	}
	if n := len(second.Turns); n != 3 || second.Turns[1].Call == nil || second.Turns[2].Response == nil {
		t.Fatalf("expected user, function call and function response turns, got %+v", second.Turns)
	}
	if _, ok := second.Turns[2].Response.Response["content"]; !ok {
		t.Errorf("function response should carry the data under content")
	}
}

func TestCreateToolFailureStopsFlow(t *testing.T) {
	tests := []struct {
		name string
		call *FunctionCall
		p    *fakeProvider
	}{
		{
			name: "queries not an array",
			call: &FunctionCall{Name: executeQueriesName, Args: map[string]any{"queries": "SELECT 1"}},
			p:    salesProvider(),
		},
		{
			name: "every query fails",
			call: queriesCall(map[string]any{"name": "sales", "query": "SELECT * FROM nowhere"}),
			p:    &fakeProvider{errs: map[string]error{"sales": errors.New("no such table: nowhere")}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &fakeModel{responses: []*ModelResponse{{Call: tt.call}, {Text: salesReportJSON}}}
			o := newTestOrchestrator(model, tt.p)

			reply, err := o.Create(context.Background(), userHistory("sales"), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if reply.Text != MsgRetrievalError || reply.Report != nil {
				t.Errorf("expected the retrieval error reply, got %+v", reply)
			}
			inv := reply.ToolInvocations[0]
			if inv.Status != report.StatusError {
				t.Errorf("expected error status, got %s", inv.Status)
			}
			result, ok := inv.Result.(map[string]any)
			if !ok || result["error"] == "" {
				t.Errorf("expected a non-empty error result, got %#v", inv.Result)
			}
			if model.calls() != 1 {
				t.Errorf("no final request may be made after a tool failure, got %d requests", model.calls())
			}
		})
	}
}

func TestCreatePartialQueryFailure(t *testing.T) {
	model := &fakeModel{responses: []*ModelResponse{
		{Call: queriesCall(
			map[string]any{"name": "sales", "query": "SELECT region, total FROM sales"},
			map[string]any{"name": "broken", "query": "SELECT nope"},
		)},
		{Text: salesReportJSON},
	}}
	p := salesProvider()
	p.errs = map[string]error{"broken": errors.New("syntax error")}
	o := newTestOrchestrator(model, p)

	reply, err := o.Create(context.Background(), userHistory("sales"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv := reply.ToolInvocations[0]
	if inv.Status != report.StatusSuccess {
		t.Fatalf("expected success with partial data, got %s", inv.Status)
	}
	if inv.QueryErrors["broken"] == "" {
		t.Errorf("expected the failed query to be recorded, got %+v", inv.QueryErrors)
	}
	if _, ok := reply.Data()["broken"]; ok {
		t.Errorf("failed query must not appear in the data")
	}
}

func TestCreateResponses(t *testing.T) {
	tests := []struct {
		name       string
		responses  []*ModelResponse
		errs       []error
		wantText   string
		wantReport bool
		wantErr    error
	}{
		{
			name:      "plain text without tool call",
			responses: []*ModelResponse{{Text: "Which time range do you need?"}},
			wantText:  "Which time range do you need?",
		},
		{
			name:       "report without tool call",
			responses:  []*ModelResponse{{Text: "```json\n" + salesReportJSON + "\n```"}},
			wantReport: true,
		},
		{
			name:      "empty response",
			responses: []*ModelResponse{{}},
			wantText:  MsgUnprocessable,
		},
		{
			name: "unparsable final answer after tool call",
			responses: []*ModelResponse{
				{Call: queriesCall(map[string]any{"name": "sales", "query": "SELECT 1"})},
				{Text: "here is your report"},
			},
			wantText: MsgFormatError,
		},
		{
			name:     "transport failure",
			errs:     []error{errors.New("connection reset")},
			wantText: MsgCommunicationError,
			wantErr:  ErrCommunication,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(&fakeModel{responses: tt.responses, errs: tt.errs}, salesProvider())
			reply, err := o.Create(context.Background(), userHistory("sales"), nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if reply.Text != tt.wantText {
				t.Errorf("expected text %q, got %q", tt.wantText, reply.Text)
			}
			if (reply.Report != nil) != tt.wantReport {
				t.Errorf("report presence = %v, want %v", reply.Report != nil, tt.wantReport)
			}
		})
	}
}

func TestCreateKeepsDataWhenFormattingFails(t *testing.T) {
	model := &fakeModel{responses: []*ModelResponse{
		{Call: queriesCall(map[string]any{"name": "sales", "query": "SELECT 1"})},
		{Text: "{not json"},
	}}
	reply, _ := newTestOrchestrator(model, salesProvider()).Create(context.Background(), userHistory("sales"), nil)
	if reply.Text != MsgFormatError {
		t.Fatalf("expected the format error reply, got %q", reply.Text)
	}
	if reply.Data() == nil {
		t.Errorf("the retrieved data must be kept")
	}
}

func TestExecuteQueriesSettlesOnce(t *testing.T) {
	o := newTestOrchestrator(&fakeModel{}, &fakeProvider{errs: map[string]error{"sales": errors.New("should not run")}})
	inv := report.NewInvocation(executeQueriesName, queriesCall(map[string]any{"name": "sales", "query": "SELECT 1"}).Args)
	stored := report.DataResult{"sales": {{"total": 1.0}}}
	if err := inv.Succeed(stored); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	_, err := o.executeQueries(context.Background(), inv)
	if !errors.Is(err, report.ErrInvocationSettled) {
		t.Fatalf("expected ErrInvocationSettled, got %v", err)
	}
	if inv.Status != report.StatusSuccess || inv.QueryErrors != nil {
		t.Errorf("settled invocation was modified: %+v", inv)
	}
	if data, ok := inv.Data(); !ok || len(data["sales"]) != 1 {
		t.Errorf("stored result lost: %+v", inv.Result)
	}
}

func TestEdit(t *testing.T) {
	current := &report.Artifact{Markdown: "<h1>Old</h1>", Charts: []report.ChartDefinition{}, Queries: []report.ReportQuery{}}

	t.Run("replacement", func(t *testing.T) {
		edited := `{"markdown":"<h1>New</h1>","charts":[],"queries":[{"name":"sales","sql":"SELECT * FROM sales WHERE region = :region","params":[{"name":"region","type":"string","label":"Region","defaultValue":"Asia"}]}]}`
		model := &fakeModel{responses: []*ModelResponse{{Text: edited}}}
		got, _, err := newTestOrchestrator(model, salesProvider()).Edit(context.Background(), current, "add a region filter")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Markdown != "<h1>New</h1>" || got.Queries[0].Params[0].DefaultValue != "Asia" {
			t.Errorf("unexpected edited report: %+v", got)
		}
		req := model.requests[0]
		if !req.ReportSchema || req.OfferTools || len(req.Turns) != 1 {
			t.Errorf("edit must be a single schema-constrained request, got %+v", req)
		}
		prompt := req.Turns[0].Text
		if !strings.Contains(prompt, "<h1>Old</h1>") || !strings.Contains(prompt, "add a region filter") {
			t.Errorf("prompt should carry the current report and the instruction")
		}
	})

	for name, model := range map[string]*fakeModel{
		"transport": {errs: []error{errors.New("timeout")}},
		"bad json":  {responses: []*ModelResponse{{Text: "sorry"}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := newTestOrchestrator(model, salesProvider()).Edit(context.Background(), current, "x")
			if !errors.Is(err, ErrEditFailed) {
				t.Errorf("expected ErrEditFailed, got %v", err)
			}
		})
	}
}

func TestConversationSkipsGreeting(t *testing.T) {
	history := []report.Message{
		greeting(),
		{Role: report.RoleUser, Text: "hi"},
		{Role: report.RoleBot, Text: "Which data?"},
		{Role: report.RoleBot, ToolInvocations: []*report.ToolInvocation{}},
		{Role: report.RoleUser, Text: "sales"},
	}
	turns := turnsFromHistory(conversation(history))
	want := []Turn{{Role: "user", Text: "hi"}, {Role: "model", Text: "Which data?"}, {Role: "user", Text: "sales"}}
	if len(turns) != len(want) {
		t.Fatalf("expected %d turns, got %+v", len(want), turns)
	}
	for i := range want {
		if turns[i].Role != want[i].Role || turns[i].Text != want[i].Text {
			t.Errorf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}
}

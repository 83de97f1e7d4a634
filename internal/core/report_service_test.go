package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gwi.com/report-studio/internal/datasource"
	"gwi.com/report-studio/internal/render"
	"gwi.com/report-studio/internal/report"
	"gwi.com/report-studio/internal/store"
)

type recordingProvider struct {
	mu      sync.Mutex
	queries []datasource.Query
	rows    map[string][]report.Record
	fail    bool
}

func (p *recordingProvider) Execute(_ context.Context, q datasource.Query) ([]report.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, q)
	if p.fail {
		return nil, errors.New("database is down")
	}
	return p.rows[q.Name], nil
}

func newTestService(t *testing.T, model ModelClient, p datasource.Provider) (*ReportService, store.ReportStore) {
	t.Helper()
	s, err := store.NewBadgerStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	runner := datasource.NewRunner(p, 2, time.Second)
	svc := NewReportService(s, NewOrchestrator(model, runner, time.Second), runner, render.NewRenderer(nil), time.Minute)
	return svc, s
}

func regionReport() *report.Artifact {
	return &report.Artifact{
		Markdown: `<h1>Sales</h1><div id="c1"></div>`,
		Charts:   []report.ChartDefinition{{ID: "c1", DataKey: "sales", Code: "svg.append('g');"}},
		Queries: []report.ReportQuery{{
			Name:   "sales",
			SQL:    "SELECT region, total FROM sales WHERE region = :region",
			Params: []report.QueryParameter{{Name: "region", Type: report.ParamString, Label: "Region", DefaultValue: "Asia"}},
		}},
	}
}

func TestCreateThenEditSession(t *testing.T) {
	model := &fakeModel{responses: []*ModelResponse{
		{Call: queriesCall(map[string]any{"name": "sales", "query": "SELECT region, total FROM sales"})},
		{Text: salesReportJSON},
		{Text: `{"markdown":"<h1>Renamed</h1><div id=\"c1\"></div>","charts":[{"id":"c1","dataKey":"sales","code":""}],"queries":[]}`},
	}}
	svc, _ := newTestService(t, model, salesProvider())
	ctx := context.Background()

	sess, err := svc.NewSession(ctx, nil)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if sess.Mode != ModeCreate || sess.Draft.Report.Markdown != report.EmptyMarkdown {
		t.Fatalf("expected an empty creation session, got %+v", sess)
	}

	res, err := svc.PostMessage(ctx, sess.ID, "sales by region", nil)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if res.Session.Mode != ModeEdit {
		t.Errorf("a session with a report must switch to edit mode")
	}
	if res.Session.Draft.Report.Markdown != "<h1>Sales</h1><div id=\"c1\"></div>" {
		t.Errorf("draft not replaced: %q", res.Session.Draft.Report.Markdown)
	}
	if len(res.Session.Data["sales"]) != 2 {
		t.Errorf("preview data should come from the tool result, got %+v", res.Session.Data)
	}
	if len(res.Reply.ToolInvocations) != 1 {
		t.Errorf("reply should carry the tool invocation")
	}

	res, err = svc.PostMessage(ctx, sess.ID, "rename it", nil)
	if err != nil {
		t.Fatalf("edit message: %v", err)
	}
	if res.Reply.Text != MsgEditApplied {
		t.Errorf("expected the edit confirmation, got %q", res.Reply.Text)
	}
	if res.Session.Draft.Report.Markdown != "<h1>Renamed</h1><div id=\"c1\"></div>" {
		t.Errorf("edit not applied: %q", res.Session.Draft.Report.Markdown)
	}
	if len(res.Session.Data["sales"]) != 2 {
		t.Errorf("an edit must keep the preview data")
	}
	// greeting, two user messages and two replies
	if len(res.Session.History) != 5 {
		t.Errorf("expected 5 history entries, got %d", len(res.Session.History))
	}
}

func TestEditFailureKeepsDraft(t *testing.T) {
	model := &fakeModel{errs: []error{errors.New("deadline exceeded")}}
	svc, s := newTestService(t, model, salesProvider())
	ctx := context.Background()

	id, _ := s.Create(ctx, "Sales", report.Message{ID: "m", Role: report.RoleBot, Report: regionReport()})
	sess, err := svc.NewSession(ctx, &id)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if sess.Mode != ModeEdit || sess.ParamValues["region"] != "Asia" {
		t.Fatalf("expected edit mode with the region default, got %+v", sess)
	}

	res, err := svc.PostMessage(ctx, sess.ID, "make it blue", nil)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if res.Reply.Text != MsgEditFailed {
		t.Errorf("expected the edit failure reply, got %q", res.Reply.Text)
	}
	if res.Session.Draft.Report.Markdown != regionReport().Markdown {
		t.Errorf("a failed edit must leave the draft unchanged")
	}
}

func TestRunDraftBindsParameters(t *testing.T) {
	p := &recordingProvider{rows: map[string][]report.Record{"sales": {{"region": "Asia", "total": 3.0}}}}
	svc, _ := newTestService(t, &fakeModel{}, p)
	ctx := context.Background()

	sess, _ := svc.NewSession(ctx, nil)
	if _, err := svc.UpdateDraft(sess.ID, regionReport()); err != nil {
		t.Fatalf("update draft: %v", err)
	}

	form, err := svc.ParamForm(sess.ID)
	if err != nil || len(form) != 1 || form[0].Value != "Asia" {
		t.Fatalf("expected one pre-filled region field, got %+v %v", form, err)
	}

	res, err := svc.RunDraft(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("run draft: %v", err)
	}
	if res.Activity.Status != report.StatusSuccess {
		t.Errorf("expected success, got %s", res.Activity.Status)
	}
	if got := p.queries[0].Params["region"]; got != "Asia" {
		t.Errorf("expected region=Asia to be bound, got %v", got)
	}
	if len(res.Render.Errors()) != 0 {
		t.Errorf("expected a clean render, got %+v", res.Render.Errors())
	}

	if _, err := svc.RunDraft(ctx, sess.ID, map[string]any{"region": "Europe"}); err != nil {
		t.Fatalf("run draft: %v", err)
	}
	if got := p.queries[1].Params["region"]; got != "Europe" {
		t.Errorf("expected region=Europe to be bound, got %v", got)
	}
	state, _ := svc.Session(sess.ID)
	if state.ParamValues["region"] != "Europe" {
		t.Errorf("run values should be remembered, got %v", state.ParamValues)
	}
}

func TestRunDraftWithoutQueries(t *testing.T) {
	svc, _ := newTestService(t, &fakeModel{}, salesProvider())
	sess, _ := svc.NewSession(context.Background(), nil)
	if _, err := svc.RunDraft(context.Background(), sess.ID, nil); !errors.Is(err, ErrNoQueries) {
		t.Errorf("expected ErrNoQueries, got %v", err)
	}
}

func TestSaveListAndDelete(t *testing.T) {
	svc, _ := newTestService(t, &fakeModel{}, salesProvider())
	ctx := context.Background()

	sess, _ := svc.NewSession(ctx, nil)
	svc.UpdateDraft(sess.ID, regionReport())

	saved, err := svc.SaveDraft(ctx, sess.ID, "Regional sales")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	list := svc.ListReports(ctx)
	if len(list) != 1 || list[0].ID != saved.ID || list[0].Title != "Regional sales" {
		t.Fatalf("expected the saved report in the list, got %+v", list)
	}

	// Saving again updates the same report.
	again, err := svc.SaveDraft(ctx, sess.ID, "Regional sales v2")
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if again.ID != saved.ID || len(svc.ListReports(ctx)) != 1 {
		t.Errorf("second save must update in place")
	}

	other, _ := svc.NewSession(ctx, &saved.ID)
	if err := svc.DeleteReport(ctx, saved.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(svc.ListReports(ctx)) != 0 {
		t.Errorf("deleted report still listed")
	}
	for _, id := range []string{sess.ID, other.ID} {
		state, _ := svc.Session(id)
		if state.Mode != ModeCreate || state.ReportID != nil || state.Draft.Report.Markdown != report.EmptyMarkdown {
			t.Errorf("session %s should fall back to the empty draft, got %+v", id, state)
		}
	}
}

func TestViewAndRunReport(t *testing.T) {
	p := &recordingProvider{rows: map[string][]report.Record{"sales": {{"region": "Europe", "total": 1.0}}}}
	svc, s := newTestService(t, &fakeModel{}, p)
	ctx := context.Background()

	stored := &report.ToolInvocation{Name: executeQueriesName, Status: report.StatusSuccess,
		Result: map[string]any{"sales": []any{map[string]any{"region": "Asia", "total": 10.0}}}}
	id, _ := s.Create(ctx, "Sales", report.Message{ID: "m", Role: report.RoleBot, Report: regionReport(),
		ToolInvocations: []*report.ToolInvocation{stored}})

	view, err := svc.ViewReport(ctx, id)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(view.Render.Errors()) != 0 || len(view.Form) != 1 {
		t.Errorf("unexpected view: %+v", view)
	}

	res, err := svc.RunReport(ctx, id, map[string]any{"region": "Europe"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Activity.Status != report.StatusSuccess || p.queries[0].Params["region"] != "Europe" {
		t.Errorf("unexpected activity %+v", res.Activity)
	}

	p.fail = true
	res, err = svc.RunReport(ctx, id, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Activity.Status != report.StatusError {
		t.Errorf("expected error status, got %s", res.Activity.Status)
	}
	if len(res.Render.Errors()) != 0 {
		t.Errorf("a failed run should fall back to the stored data, got %+v", res.Render.Errors())
	}

	if _, err := svc.ViewReport(ctx, 9999); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// gatedModel blocks every request until released.
type gatedModel struct {
	started chan struct{}
	release chan struct{}
	resp    *ModelResponse
}

func (m *gatedModel) Generate(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
	m.started <- struct{}{}
	select {
	case <-m.release:
		return m.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestStaleEditIsDiscarded(t *testing.T) {
	model := &gatedModel{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		resp:    &ModelResponse{Text: `{"markdown":"<h1>From model</h1>","charts":[],"queries":[]}`},
	}
	svc, s := newTestService(t, model, salesProvider())
	ctx := context.Background()

	id, _ := s.Create(ctx, "Sales", report.Message{ID: "m", Role: report.RoleBot, Report: regionReport()})
	sess, _ := svc.NewSession(ctx, &id)

	done := make(chan error, 1)
	go func() {
		_, err := svc.PostMessage(ctx, sess.ID, "retitle", nil)
		done <- err
	}()
	<-model.started

	manual := regionReport()
	manual.Markdown = "<h1>Manual</h1>" + manual.Markdown
	if _, err := svc.UpdateDraft(sess.ID, manual); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	close(model.release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	state, _ := svc.Session(sess.ID)
	if state.Draft.Report.Markdown != manual.Markdown {
		t.Errorf("the newer manual edit must win, got %q", state.Draft.Report.Markdown)
	}
}

func TestStaleCreateLeavesHistoryAlone(t *testing.T) {
	model := &gatedModel{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		resp:    &ModelResponse{Text: `{"markdown":"<h1>From model</h1>","charts":[],"queries":[]}`},
	}
	svc, _ := newTestService(t, model, salesProvider())
	ctx := context.Background()

	sess, _ := svc.NewSession(ctx, nil)
	done := make(chan error, 1)
	go func() {
		_, err := svc.PostMessage(ctx, sess.ID, "sales report", nil)
		done <- err
	}()
	<-model.started

	manual := regionReport()
	if _, err := svc.UpdateDraft(sess.ID, manual); err != nil {
		t.Fatalf("update draft: %v", err)
	}
	close(model.release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	state, _ := svc.Session(sess.ID)
	if len(state.History) != 2 {
		t.Fatalf("expected greeting and user message only, got %+v", state.History)
	}
	if last := state.History[1]; last.Role != report.RoleUser || last.Text != "sales report" {
		t.Errorf("unexpected last message %+v", last)
	}
	if state.Mode != ModeCreate {
		t.Errorf("a superseded turn must not switch modes, got %s", state.Mode)
	}
	if state.Draft.Report.Markdown != manual.Markdown {
		t.Errorf("the newer manual edit must win, got %q", state.Draft.Report.Markdown)
	}
}

func TestUnknownSession(t *testing.T) {
	svc, _ := newTestService(t, &fakeModel{}, salesProvider())
	if _, err := svc.Session("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := svc.PostMessage(context.Background(), "missing", "hi", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"gwi.com/report-studio/internal/datasource"
	"gwi.com/report-studio/internal/render"
	"gwi.com/report-studio/internal/report"
	"gwi.com/report-studio/internal/store"
)

const (
	MsgEditApplied = "I've updated the report definition based on your request."
	MsgEditFailed  = "Sorry, I encountered an error."

	draftMessageID = "draft"
	defaultSession = 30 * time.Minute
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNoQueries       = errors.New("report has no queries to run")
	ErrEmptyMessage    = errors.New("message is empty")
	// ErrSuperseded is returned when a newer change to the draft was applied
	// while this one was in flight.
	ErrSuperseded = errors.New("draft was changed by a newer request")
)

// Mode is fixed when a report is first attached to a session.
type Mode string

const (
	ModeCreate Mode = "create"
	ModeEdit   Mode = "edit"
)

// SessionState is the published view of an editor session.
type SessionState struct {
	ID          string            `json:"id"`
	Mode        Mode              `json:"mode"`
	ReportID    *int64            `json:"reportId,omitempty"`
	Title       string            `json:"title,omitempty"`
	History     []report.Message  `json:"history"`
	Draft       report.Message    `json:"draft"`
	Data        report.DataResult `json:"data,omitempty"`
	ParamValues report.Values     `json:"paramValues"`
	Issues      []report.Issue    `json:"issues,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type session struct {
	mu    sync.Mutex
	state SessionState
	// issued is the last generation handed out, applied the last one whose
	// result was written to the draft.
	issued  uint64
	applied uint64
}

func (s *session) begin() uint64 {
	s.issued++
	return s.issued
}

// commit reports whether the result of generation gen may be applied.
func (s *session) commit(gen uint64) bool {
	if gen <= s.applied {
		return false
	}
	s.applied = gen
	s.state.UpdatedAt = time.Now()
	return true
}

func (s *session) snapshot() SessionState {
	st := s.state
	st.History = make([]report.Message, len(s.state.History))
	for i := range s.state.History {
		st.History[i] = s.state.History[i].Clone()
	}
	st.Draft = s.state.Draft.Clone()
	st.ParamValues = make(report.Values, len(s.state.ParamValues))
	for k, v := range s.state.ParamValues {
		st.ParamValues[k] = v
	}
	if s.state.ReportID != nil {
		id := *s.state.ReportID
		st.ReportID = &id
	}
	return st
}

func emptyDraft() report.Message {
	return report.Message{
		ID:              draftMessageID,
		Role:            report.RoleBot,
		Report:          report.EmptyArtifact(),
		ToolInvocations: []*report.ToolInvocation{},
	}
}

func greeting() report.Message {
	return report.Message{ID: "init-1", Role: report.RoleBot, Text: GreetingText}
}

func newMessage(role report.Role, text string) report.Message {
	return report.Message{ID: uuid.New().String(), Role: role, Text: text}
}

// ReportSummary is one entry of the saved report list.
type ReportSummary struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
}

// DBActivity records one run of a report's queries.
type DBActivity struct {
	Queries     []report.ReportQuery    `json:"queries"`
	ParamValues report.Values           `json:"paramValues"`
	Status      report.InvocationStatus `json:"status"`
	Result      map[string]any          `json:"result"`
}

type RunResult struct {
	Activity DBActivity    `json:"activity"`
	Render   render.Result `json:"render"`
}

type ReportView struct {
	Report store.SavedReport  `json:"report"`
	Form   []report.FormField `json:"form,omitempty"`
	Render render.Result      `json:"render"`
}

// TurnResult is the outcome of one chat message.
type TurnResult struct {
	Reply   report.Message `json:"reply"`
	Session SessionState   `json:"session"`
	Issues  []report.Issue `json:"issues,omitempty"`
}

type ReportService struct {
	store        store.ReportStore
	orchestrator *Orchestrator
	runner       *datasource.Runner
	renderer     *render.Renderer
	sessions     *gocache.Cache

	listMu  sync.RWMutex
	summary []ReportSummary
	loaded  bool
}

func NewReportService(s store.ReportStore, o *Orchestrator, runner *datasource.Runner, r *render.Renderer, sessionTTL time.Duration) *ReportService {
	if sessionTTL <= 0 {
		sessionTTL = defaultSession
	}
	return &ReportService{
		store:        s,
		orchestrator: o,
		runner:       runner,
		renderer:     r,
		sessions:     gocache.New(sessionTTL, sessionTTL/2),
	}
}

// --- Sessions ---

// NewSession opens an editor session. With a saved report id the session
// edits that report, otherwise it starts from the empty draft.
func (s *ReportService) NewSession(ctx context.Context, reportID *int64) (SessionState, error) {
	sess := &session{state: SessionState{
		ID:        uuid.New().String(),
		Mode:      ModeCreate,
		History:   []report.Message{greeting()},
		Draft:     emptyDraft(),
		UpdatedAt: time.Now(),
	}}

	if reportID != nil {
		saved, err := s.store.Get(ctx, *reportID)
		if err != nil {
			return SessionState{}, fmt.Errorf("failed to load report %d: %w", *reportID, err)
		}
		id := saved.ID
		sess.state.Mode = ModeEdit
		sess.state.ReportID = &id
		sess.state.Title = saved.Title
		sess.state.Draft = saved.Message.Clone()
		if sess.state.Draft.Report == nil {
			sess.state.Draft.Report = report.EmptyArtifact()
		}
		sess.state.Data = sess.state.Draft.SuccessfulData()
	}
	sess.state.ParamValues = report.InitialValues(sess.state.Draft.Report.Queries)

	s.sessions.Set(sess.state.ID, sess, gocache.DefaultExpiration)
	log.Printf("Session %s opened in %s mode", sess.state.ID, sess.state.Mode)
	return sess.snapshot(), nil
}

func (s *ReportService) lookup(id string) (*session, error) {
	v, ok := s.sessions.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess := v.(*session)
	// Touch to extend the idle expiry.
	s.sessions.Set(id, sess, gocache.DefaultExpiration)
	return sess, nil
}

func (s *ReportService) Session(id string) (SessionState, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return SessionState{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), nil
}

// PostMessage runs one chat turn. Creation-mode sessions go through the
// tool-calling flow; edit-mode sessions ask for a full replacement of the
// current draft.
func (s *ReportService) PostMessage(ctx context.Context, id, text string, onStatus StatusFunc) (*TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	userMsg := newMessage(report.RoleUser, text)
	sess.mu.Lock()
	gen := sess.begin()
	mode := sess.state.Mode
	sess.state.History = append(sess.state.History, userMsg)
	history := conversation(sess.state.History)
	var current *report.Artifact
	if sess.state.Draft.Report != nil {
		c := sess.state.Draft.Clone()
		current = c.Report
	}
	sess.mu.Unlock()

	if mode == ModeEdit {
		return s.editTurn(ctx, sess, gen, current, text)
	}
	return s.createTurn(ctx, sess, gen, history, onStatus)
}

// conversation keeps the text turns starting at the first user message.
func conversation(history []report.Message) []report.Message {
	var out []report.Message
	for _, m := range history {
		if len(out) == 0 && m.Role != report.RoleUser {
			continue
		}
		if m.Text == "" || m.Role == report.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *ReportService) createTurn(ctx context.Context, sess *session, gen uint64, history []report.Message, onStatus StatusFunc) (*TurnResult, error) {
	reply, err := s.orchestrator.Create(ctx, history, onStatus)
	if err != nil {
		log.Printf("Create turn for session %s failed: %v", sess.state.ID, err)
	}

	botMsg := newMessage(report.RoleBot, reply.Text)
	botMsg.ToolInvocations = reply.ToolInvocations

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if reply.Report != nil && !sess.commit(gen) {
		return nil, ErrSuperseded
	}
	sess.state.History = append(sess.state.History, botMsg)
	if reply.Report != nil {
		invocations := reply.ToolInvocations
		if invocations == nil {
			invocations = []*report.ToolInvocation{}
		}
		sess.state.Draft = report.Message{
			ID:              draftMessageID,
			Role:            report.RoleBot,
			Report:          reply.Report,
			ToolInvocations: invocations,
		}
		if data := reply.Data(); data != nil {
			sess.state.Data = data
		}
		sess.state.ParamValues = report.InitialValues(reply.Report.Queries)
		sess.state.Issues = reply.Issues
		sess.state.Mode = ModeEdit
	}
	return &TurnResult{Reply: botMsg.Clone(), Session: sess.snapshot(), Issues: reply.Issues}, nil
}

func (s *ReportService) editTurn(ctx context.Context, sess *session, gen uint64, current *report.Artifact, instruction string) (*TurnResult, error) {
	artifact, issues, err := s.orchestrator.Edit(ctx, current, instruction)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err != nil {
		log.Printf("Edit turn for session %s failed: %v", sess.state.ID, err)
		botMsg := newMessage(report.RoleBot, MsgEditFailed)
		sess.state.History = append(sess.state.History, botMsg)
		return &TurnResult{Reply: botMsg, Session: sess.snapshot()}, nil
	}
	if !sess.commit(gen) {
		return nil, ErrSuperseded
	}

	botMsg := newMessage(report.RoleBot, MsgEditApplied)
	sess.state.History = append(sess.state.History, botMsg)
	sess.state.Draft.Report = artifact
	sess.state.ParamValues = report.NormalizeValues(artifact.Queries, nil)
	sess.state.Issues = issues
	return &TurnResult{Reply: botMsg, Session: sess.snapshot(), Issues: issues}, nil
}

// UpdateDraft replaces the draft artifact with a manual edit.
func (s *ReportService) UpdateDraft(id string, artifact *report.Artifact) (SessionState, error) {
	if artifact == nil {
		return SessionState{}, fmt.Errorf("report is required")
	}
	sess, err := s.lookup(id)
	if err != nil {
		return SessionState{}, err
	}
	report.Normalize(artifact)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.commit(sess.begin())
	sess.state.Draft.Report = artifact
	sess.state.ParamValues = report.NormalizeValues(artifact.Queries, restrictTo(artifact.Queries, sess.state.ParamValues))
	sess.state.Issues = report.Validate(artifact, sess.state.Data)
	return sess.snapshot(), nil
}

// restrictTo keeps the values of parameters still declared by queries.
func restrictTo(queries []report.ReportQuery, values report.Values) map[string]any {
	out := make(map[string]any)
	for _, p := range report.UniqueParams(queries) {
		if v, ok := values[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}

// ParamForm lists one input per distinct parameter of the draft.
func (s *ReportService) ParamForm(id string) ([]report.FormField, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state.Draft.Report == nil {
		return []report.FormField{}, nil
	}
	return report.Form(sess.state.Draft.Report.Queries, sess.state.ParamValues), nil
}

// RunDraft executes the draft's queries with the given parameter values
// layered over the session's current ones, and refreshes the preview data.
func (s *ReportService) RunDraft(ctx context.Context, id string, raw map[string]any) (*RunResult, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	gen := sess.begin()
	if sess.state.Draft.Report == nil || len(sess.state.Draft.Report.Queries) == 0 {
		sess.mu.Unlock()
		return nil, ErrNoQueries
	}
	draft := sess.state.Draft.Clone()
	merged := make(map[string]any, len(sess.state.ParamValues)+len(raw))
	for k, v := range sess.state.ParamValues {
		merged[k] = v
	}
	for k, v := range raw {
		merged[k] = v
	}
	sess.mu.Unlock()

	queries := draft.Report.Queries
	values := report.NormalizeValues(queries, merged)
	activity, data := s.run(ctx, queries, values, datasource.QueriesFor(queries, values))

	sess.mu.Lock()
	if !sess.commit(gen) {
		sess.mu.Unlock()
		return nil, ErrSuperseded
	}
	sess.state.ParamValues = values
	if data != nil {
		sess.state.Data = data
	}
	preview := sess.state.Data
	artifact := sess.state.Draft.Report
	sess.mu.Unlock()

	return &RunResult{Activity: activity, Render: s.renderer.Render(ctx, artifact, preview)}, nil
}

// run executes queries and builds the activity record. The returned data is
// nil when every query failed.
func (s *ReportService) run(ctx context.Context, queries []report.ReportQuery, values report.Values, bound []datasource.Query) (DBActivity, report.DataResult) {
	activity := DBActivity{
		Queries:     queries,
		ParamValues: values,
		Status:      report.StatusRunning,
		Result:      map[string]any{},
	}
	data, errs := s.runner.Run(ctx, bound)
	for name, rows := range data {
		activity.Result[name] = rows
	}
	for name, err := range errs {
		activity.Result[name] = map[string]string{"error": err.Error()}
	}
	if len(errs) > 0 && len(data) == 0 {
		activity.Status = report.StatusError
		return activity, nil
	}
	activity.Status = report.StatusSuccess
	return activity, data
}

func (s *ReportService) RenderDraft(ctx context.Context, id string) (render.Result, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return render.Result{}, err
	}
	sess.mu.Lock()
	draft := sess.state.Draft.Clone()
	data := sess.state.Data
	sess.mu.Unlock()
	return s.renderer.Render(ctx, draft.Report, data), nil
}

// SaveDraft stores the draft. A session editing a saved report updates it,
// any other session creates a new one and switches to editing it.
func (s *ReportService) SaveDraft(ctx context.Context, id, title string) (*store.SavedReport, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	msg := sess.state.Draft.Clone()

	var reportID int64
	if sess.state.ReportID != nil {
		reportID = *sess.state.ReportID
		if err := s.store.Update(ctx, reportID, title, msg); err != nil {
			return nil, fmt.Errorf("failed to update report: %w", err)
		}
	} else {
		reportID, err = s.store.Create(ctx, title, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to save report: %w", err)
		}
		sess.state.ReportID = &reportID
		sess.state.Mode = ModeEdit
	}
	sess.state.Title = title
	s.refreshList(ctx)

	saved, err := s.store.Get(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload saved report: %w", err)
	}
	return saved, nil
}

// --- Saved reports ---

func (s *ReportService) refreshList(ctx context.Context) {
	reports, err := s.store.List(ctx)
	if err != nil {
		log.Printf("Could not refresh reports: %v", err)
		return
	}
	summary := make([]ReportSummary, 0, len(reports))
	for _, r := range reports {
		summary = append(summary, ReportSummary{ID: r.ID, Title: r.Title, CreatedAt: r.CreatedAt})
	}
	s.listMu.Lock()
	s.summary = summary
	s.loaded = true
	s.listMu.Unlock()
}

// ListReports returns the saved reports, newest first.
func (s *ReportService) ListReports(ctx context.Context) []ReportSummary {
	s.listMu.RLock()
	loaded := s.loaded
	s.listMu.RUnlock()
	if !loaded {
		s.refreshList(ctx)
	}

	s.listMu.RLock()
	defer s.listMu.RUnlock()
	out := make([]ReportSummary, len(s.summary))
	copy(out, s.summary)
	return out
}

func (s *ReportService) GetReport(ctx context.Context, id int64) (*store.SavedReport, error) {
	return s.store.Get(ctx, id)
}

func (s *ReportService) UpdateReport(ctx context.Context, id int64, title string, msg report.Message) error {
	if msg.Report != nil {
		report.Normalize(msg.Report)
	}
	if err := s.store.Update(ctx, id, title, msg); err != nil {
		return err
	}
	s.refreshList(ctx)
	return nil
}

// DeleteReport removes a saved report and resets every session that was
// editing it to the empty draft.
func (s *ReportService) DeleteReport(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.refreshList(ctx)

	for _, item := range s.sessions.Items() {
		sess, ok := item.Object.(*session)
		if !ok {
			continue
		}
		sess.mu.Lock()
		if sess.state.ReportID != nil && *sess.state.ReportID == id {
			sess.commit(sess.begin())
			sess.state.Mode = ModeCreate
			sess.state.ReportID = nil
			sess.state.Title = ""
			sess.state.History = []report.Message{greeting()}
			sess.state.Draft = emptyDraft()
			sess.state.Data = nil
			sess.state.ParamValues = report.Values{}
			sess.state.Issues = nil
			log.Printf("Session %s was editing deleted report %d; reset to a new report", sess.state.ID, id)
		}
		sess.mu.Unlock()
	}
	return nil
}

// ViewReport renders a saved report with the data captured when it was
// created.
func (s *ReportService) ViewReport(ctx context.Context, id int64) (*ReportView, error) {
	saved, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &ReportView{Report: *saved}
	if saved.Message.Report != nil {
		queries := saved.Message.Report.Queries
		view.Form = report.Form(queries, report.InitialValues(queries))
	}
	view.Render = s.renderer.Render(ctx, saved.Message.Report, saved.Message.SuccessfulData())
	return view, nil
}

// RunReport re-runs a saved report's queries with parameter values. When
// every query fails the stored data is rendered instead.
func (s *ReportService) RunReport(ctx context.Context, id int64, raw map[string]any) (*RunResult, error) {
	saved, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if saved.Message.Report == nil || len(saved.Message.Report.Queries) == 0 {
		return nil, ErrNoQueries
	}

	queries := saved.Message.Report.Queries
	values := report.NormalizeValues(queries, raw)
	activity, data := s.run(ctx, queries, values, datasource.ParameterizedQueries(queries, values))
	if data == nil {
		data = saved.Message.SuccessfulData()
	}
	return &RunResult{Activity: activity, Render: s.renderer.Render(ctx, saved.Message.Report, data)}, nil
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"gwi.com/report-studio/internal/datasource"
	"gwi.com/report-studio/internal/report"
)

// Replies shown to the user when a turn cannot produce a report.
const (
	MsgCommunicationError = "An error occurred while communicating with the AI."
	MsgRetrievalError     = "I encountered an error while trying to retrieve the data."
	MsgFormatError        = "I received the data, but couldn't format the final report correctly."
	MsgUnprocessable      = "I was unable to process that request."
)

var (
	ErrCommunication = errors.New("failed to communicate with the model")
	ErrEditFailed    = errors.New("the AI failed to edit this report")
)

// StatusFunc receives a copy of the tool invocations each time one changes
// state.
type StatusFunc func([]report.ToolInvocation)

// Reply is the outcome of one creation turn. Report is set only when the
// model produced a parsable artifact.
type Reply struct {
	Text            string                   `json:"text,omitempty"`
	Report          *report.Artifact         `json:"report,omitempty"`
	ToolInvocations []*report.ToolInvocation `json:"toolInvocations,omitempty"`
	Issues          []report.Issue           `json:"issues,omitempty"`
}

// Data returns the result of the successful tool invocation, if any.
func (r *Reply) Data() report.DataResult {
	m := report.Message{ToolInvocations: r.ToolInvocations}
	return m.SuccessfulData()
}

type Orchestrator struct {
	model        ModelClient
	runner       *datasource.Runner
	modelTimeout time.Duration
}

func NewOrchestrator(model ModelClient, runner *datasource.Runner, modelTimeout time.Duration) *Orchestrator {
	return &Orchestrator{model: model, runner: runner, modelTimeout: modelTimeout}
}

func (o *Orchestrator) generate(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if o.modelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.modelTimeout)
		defer cancel()
	}
	resp, err := o.model.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &ModelResponse{}
	}
	return resp, nil
}

func turnsFromHistory(history []report.Message) []Turn {
	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		role := "model"
		if m.Role == report.RoleUser {
			role = "user"
		}
		turns = append(turns, Turn{Role: role, Text: m.Text})
	}
	return turns
}

// Create answers a conversation in creation mode. The model may call
// execute_queries once; its data is then fed back and the final answer is
// constrained to the report schema. The returned error is only set for
// transport failures and wraps ErrCommunication; the Reply is always usable.
func (o *Orchestrator) Create(ctx context.Context, history []report.Message, onStatus StatusFunc) (*Reply, error) {
	notify := func(invs []*report.ToolInvocation) {
		if onStatus != nil {
			onStatus(report.Snapshot(invs))
		}
	}

	turns := turnsFromHistory(history)
	resp, err := o.generate(ctx, ModelRequest{System: SystemInstruction, Turns: turns, OfferTools: true})
	if err != nil {
		log.Printf("Error calling the model: %v", err)
		return &Reply{Text: MsgCommunicationError}, fmt.Errorf("%w: %v", ErrCommunication, err)
	}

	var invocations []*report.ToolInvocation
	toolCalled := false
	var data report.DataResult

	if resp.Call != nil && resp.Call.Name == executeQueriesName {
		toolCalled = true
		inv := report.NewInvocation(resp.Call.Name, resp.Call.Args)
		invocations = append(invocations, inv)
		notify(invocations)

		data, err = o.executeQueries(ctx, inv)
		notify(invocations)
		if err != nil {
			log.Printf("execute_queries failed: %v", err)
			return &Reply{Text: MsgRetrievalError, ToolInvocations: invocations}, nil
		}

		turns = append(turns,
			Turn{Role: "model", Call: resp.Call},
			Turn{Role: "user", Response: &FunctionResponse{
				Name:     resp.Call.Name,
				Response: map[string]any{"content": data},
			}},
		)
		resp, err = o.generate(ctx, ModelRequest{System: SystemInstruction, Turns: turns, ReportSchema: true})
		if err != nil {
			log.Printf("Error calling the model with tool results: %v", err)
			return &Reply{Text: MsgCommunicationError, ToolInvocations: invocations}, fmt.Errorf("%w: %v", ErrCommunication, err)
		}
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return &Reply{Text: MsgUnprocessable, ToolInvocations: invocations}, nil
	}

	artifact, err := report.ParseArtifact(text)
	if err != nil {
		if toolCalled {
			log.Printf("Failed to parse final report response as JSON: %v. Response text: %s", err, text)
			return &Reply{Text: MsgFormatError, ToolInvocations: invocations}, nil
		}
		return &Reply{Text: resp.Text, ToolInvocations: invocations}, nil
	}

	issues := report.Validate(artifact, data)
	for _, issue := range issues {
		log.Printf("Report check: %s", issue.Message)
	}
	return &Reply{Report: artifact, ToolInvocations: invocations, Issues: issues}, nil
}

// executeQueries settles inv. Individual query failures are recorded on the
// invocation; the call only fails when the arguments are invalid or no query
// succeeded.
func (o *Orchestrator) executeQueries(ctx context.Context, inv *report.ToolInvocation) (report.DataResult, error) {
	if inv.Status != report.StatusRunning {
		return nil, fmt.Errorf("failed to execute %s: %w", inv.Name, report.ErrInvocationSettled)
	}

	raw, err := decodeQueriesArg(inv.Arguments)
	if err != nil {
		return nil, failInvocation(inv, err)
	}

	data, errs := o.runner.Run(ctx, datasource.RawQueries(raw))
	if len(errs) > 0 {
		inv.QueryErrors = make(map[string]string, len(errs))
		for name, qerr := range errs {
			inv.QueryErrors[name] = qerr.Error()
		}
	}
	if len(errs) > 0 && len(data) == 0 {
		return nil, failInvocation(inv, fmt.Errorf("all queries failed: %s", joinQueryErrors(errs)))
	}

	if err := inv.Succeed(data); err != nil {
		log.Printf("Could not record result of %s: %v", inv.Name, err)
		return nil, err
	}
	return data, nil
}

// failInvocation settles inv with err and returns err.
func failInvocation(inv *report.ToolInvocation, err error) error {
	if serr := inv.Fail(err); serr != nil {
		log.Printf("Could not record failure of %s: %v", inv.Name, serr)
	}
	return err
}

func decodeQueriesArg(args map[string]any) ([]datasource.RawQuery, error) {
	list, ok := args["queries"].([]any)
	if !ok {
		return nil, errors.New("invalid arguments: 'queries' must be an array")
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	var queries []datasource.RawQuery
	if err := json.Unmarshal(raw, &queries); err != nil {
		return nil, fmt.Errorf("invalid arguments: each query needs a name and a query string: %w", err)
	}
	for i, q := range queries {
		if q.Name == "" || strings.TrimSpace(q.Query) == "" {
			return nil, fmt.Errorf("invalid arguments: query %d needs a name and a query string", i)
		}
	}
	return queries, nil
}

func joinQueryErrors(errs map[string]error) string {
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, errs[name]))
	}
	return strings.Join(parts, "; ")
}

// Edit asks the model for a complete replacement of current that applies
// instruction. Any failure is reported as ErrEditFailed.
func (o *Orchestrator) Edit(ctx context.Context, current *report.Artifact, instruction string) (*report.Artifact, []report.Issue, error) {
	if current == nil {
		current = report.EmptyArtifact()
	}
	prompt, err := editPrompt(current, instruction)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEditFailed, err)
	}

	resp, err := o.generate(ctx, ModelRequest{
		Turns:        []Turn{{Role: "user", Text: prompt}},
		ReportSchema: true,
	})
	if err != nil {
		log.Printf("Failed to get AI-assisted edit from the model: %v", err)
		return nil, nil, fmt.Errorf("%w: %w", ErrEditFailed, err)
	}

	artifact, err := report.ParseArtifact(resp.Text)
	if err != nil {
		log.Printf("Failed to parse edited report: %v", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrEditFailed, err)
	}
	return artifact, report.Validate(artifact, nil), nil
}

package report

import (
	"encoding/json"
	"errors"
)

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamDate    ParamType = "date"
	ParamBoolean ParamType = "boolean"
)

type QueryParameter struct {
	Name         string    `json:"name"`
	Type         ParamType `json:"type"`
	Label        string    `json:"label,omitempty"`
	DefaultValue any       `json:"defaultValue,omitempty"`
}

// ReportQuery is a named SQL template. Parameters are referenced as :name.
type ReportQuery struct {
	Name   string           `json:"name"`
	SQL    string           `json:"sql"`
	Params []QueryParameter `json:"params"`
}

type ChartDefinition struct {
	ID      string `json:"id"`
	DataKey string `json:"dataKey"`
	Code    string `json:"code"`
}

// Artifact is the structured report produced by the model: narrative markup
// with chart placeholders, the chart routines, and the queries feeding them.
type Artifact struct {
	Markdown string            `json:"markdown"`
	Charts   []ChartDefinition `json:"charts"`
	Queries  []ReportQuery     `json:"queries"`
}

// Chart returns the chart definition with the given id.
func (a *Artifact) Chart(id string) (*ChartDefinition, bool) {
	for i := range a.Charts {
		if a.Charts[i].ID == id {
			return &a.Charts[i], true
		}
	}
	return nil, false
}

const EmptyMarkdown = "### New Report\n\nYour report will appear here. Start by giving the AI a prompt below."

// EmptyArtifact is the draft shown before anything has been generated.
func EmptyArtifact() *Artifact {
	return &Artifact{
		Markdown: EmptyMarkdown,
		Charts:   []ChartDefinition{},
		Queries:  []ReportQuery{},
	}
}

type Role string

const (
	RoleUser   Role = "user"
	RoleBot    Role = "bot"
	RoleSystem Role = "system"
)

type Message struct {
	ID              string            `json:"id"`
	Role            Role              `json:"role"`
	Text            string            `json:"text,omitempty"`
	Report          *Artifact         `json:"report,omitempty"`
	ToolInvocations []*ToolInvocation `json:"toolInvocations,omitempty"`
}

// SuccessfulData returns the result of the first tool invocation that
// completed successfully, decoded as a data mapping.
func (m *Message) SuccessfulData() DataResult {
	for _, inv := range m.ToolInvocations {
		if inv == nil || inv.Status != StatusSuccess {
			continue
		}
		if data, ok := inv.Data(); ok {
			return data
		}
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() Message {
	var out Message
	raw, err := json.Marshal(m)
	if err != nil {
		return *m
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return *m
	}
	return out
}

type Record = map[string]any

// DataResult maps a query name to the records it returned.
type DataResult map[string][]Record

type InvocationStatus string

const (
	StatusRunning InvocationStatus = "running"
	StatusSuccess InvocationStatus = "success"
	StatusError   InvocationStatus = "error"
)

var ErrInvocationSettled = errors.New("tool invocation already settled")

type ToolInvocation struct {
	Name        string            `json:"name"`
	Arguments   map[string]any    `json:"args"`
	Status      InvocationStatus  `json:"status"`
	Result      any               `json:"result,omitempty"`
	QueryErrors map[string]string `json:"queryErrors,omitempty"`
}

func NewInvocation(name string, args map[string]any) *ToolInvocation {
	return &ToolInvocation{Name: name, Arguments: args, Status: StatusRunning}
}

func (t *ToolInvocation) Succeed(result any) error {
	if t.Status != StatusRunning {
		return ErrInvocationSettled
	}
	t.Status = StatusSuccess
	t.Result = result
	return nil
}

// Fail settles the invocation with an {"error": message} payload.
func (t *ToolInvocation) Fail(err error) error {
	if t.Status != StatusRunning {
		return ErrInvocationSettled
	}
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	t.Status = StatusError
	t.Result = map[string]any{"error": msg}
	return nil
}

// Data decodes the invocation result as a data mapping. Results loaded from
// storage arrive as generic JSON values, so they are re-decoded.
func (t *ToolInvocation) Data() (DataResult, bool) {
	switch v := t.Result.(type) {
	case nil:
		return nil, false
	case DataResult:
		return v, true
	}
	raw, err := json.Marshal(t.Result)
	if err != nil {
		return nil, false
	}
	var data DataResult
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, false
	}
	return data, true
}

// Snapshot copies the invocation list so callers can publish it safely.
func Snapshot(invs []*ToolInvocation) []ToolInvocation {
	out := make([]ToolInvocation, 0, len(invs))
	for _, inv := range invs {
		if inv != nil {
			out = append(out, *inv)
		}
	}
	return out
}

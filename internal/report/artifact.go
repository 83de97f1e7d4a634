package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	fenceRegex       = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")
	PlaceholderRegex = regexp.MustCompile(`<div id="([^"]+)"></div>`)
	sqlParamRegex    = regexp.MustCompile(`(?:^|[^:\w]):([A-Za-z_]\w*)`)
)

// StripFence returns the body of the first fenced code block in text, or
// the trimmed text when there is none.
func StripFence(text string) string {
	if m := fenceRegex.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// ParseArtifact decodes a model response into an artifact, tolerating an
// optional fenced block around the JSON.
func ParseArtifact(text string) (*Artifact, error) {
	body := StripFence(text)
	if !strings.HasPrefix(body, "{") {
		return nil, fmt.Errorf("response is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var a Artifact
	if err := dec.Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	Normalize(&a)
	return &a, nil
}

// Normalize fills nil slices and converts parameter defaults to their
// declared type where the conversion is lossless. The model schema only
// carries defaults as strings.
func Normalize(a *Artifact) {
	if a.Charts == nil {
		a.Charts = []ChartDefinition{}
	}
	if a.Queries == nil {
		a.Queries = []ReportQuery{}
	}
	for qi := range a.Queries {
		q := &a.Queries[qi]
		if q.Params == nil {
			q.Params = []QueryParameter{}
		}
		for pi := range q.Params {
			p := &q.Params[pi]
			p.DefaultValue = coerceDefault(p.Type, p.DefaultValue)
		}
	}
}

func coerceDefault(t ParamType, v any) any {
	switch tv := v.(type) {
	case json.Number:
		if f, err := tv.Float64(); err == nil {
			return coerceDefault(t, f)
		}
		return tv.String()
	case string:
		switch t {
		case ParamNumber:
			if tv == "" {
				return nil
			}
			if f, err := strconv.ParseFloat(tv, 64); err == nil {
				return f
			}
		case ParamBoolean:
			if b, err := strconv.ParseBool(tv); err == nil {
				return b
			}
		}
	}
	return v
}

type IssueKind string

const (
	IssueMissingChart       IssueKind = "missing_chart"
	IssueDuplicateChart     IssueKind = "duplicate_chart"
	IssueUnplacedChart      IssueKind = "unplaced_chart"
	IssueUnknownDataKey     IssueKind = "unknown_data_key"
	IssueDefaultType        IssueKind = "default_type"
	IssueUndeclaredParam    IssueKind = "undeclared_param"
	IssueUnreferencedParam  IssueKind = "unreferenced_param"
	IssueDuplicateQueryName IssueKind = "duplicate_query"
)

// Issue is a soft structural problem. Issues never block rendering.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	Subject string    `json:"subject"`
	Message string    `json:"message"`
}

func (i Issue) String() string { return i.Message }

// Placeholders returns the chart ids referenced by the markup, in order.
func Placeholders(markdown string) []string {
	var ids []string
	for _, m := range PlaceholderRegex.FindAllStringSubmatch(markdown, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

// SQLParams returns the distinct :name tokens of a SQL template.
func SQLParams(sql string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range sqlParamRegex.FindAllStringSubmatch(stripSQLLiterals(sql), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// stripSQLLiterals blanks out quoted strings so tokens inside them are ignored.
func stripSQLLiterals(sql string) string {
	var b strings.Builder
	var quote rune
	for _, r := range sql {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			b.WriteRune(' ')
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate checks the soft invariants linking markup, charts, queries and
// parameters. A nil data mapping skips the data key check.
func Validate(a *Artifact, data DataResult) []Issue {
	var issues []Issue
	add := func(kind IssueKind, subject, format string, args ...any) {
		issues = append(issues, Issue{Kind: kind, Subject: subject, Message: fmt.Sprintf(format, args...)})
	}

	placed := make(map[string]bool)
	for _, id := range Placeholders(a.Markdown) {
		placed[id] = true
		n := 0
		for _, c := range a.Charts {
			if c.ID == id {
				n++
			}
		}
		switch {
		case n == 0:
			add(IssueMissingChart, id, "placeholder %q has no chart definition", id)
		case n > 1:
			add(IssueDuplicateChart, id, "placeholder %q matches %d chart definitions", id, n)
		}
	}
	for _, c := range a.Charts {
		if !placed[c.ID] {
			add(IssueUnplacedChart, c.ID, "chart %q has no placeholder in the markup", c.ID)
		}
		if data != nil {
			if _, ok := data[c.DataKey]; !ok {
				add(IssueUnknownDataKey, c.ID, "chart %q uses data key %q which is not in the results", c.ID, c.DataKey)
			}
		}
	}

	queryNames := make(map[string]bool)
	for _, q := range a.Queries {
		if queryNames[q.Name] {
			add(IssueDuplicateQueryName, q.Name, "query name %q is declared more than once", q.Name)
		}
		queryNames[q.Name] = true

		declared := make(map[string]bool)
		for _, p := range q.Params {
			declared[p.Name] = true
			if p.DefaultValue != nil && !assignable(p.Type, p.DefaultValue) {
				add(IssueDefaultType, q.Name+"."+p.Name, "default value of %q in query %q is not a %s", p.Name, q.Name, p.Type)
			}
		}
		referenced := make(map[string]bool)
		for _, name := range SQLParams(q.SQL) {
			referenced[name] = true
			if !declared[name] {
				add(IssueUndeclaredParam, q.Name+"."+name, "query %q references :%s which is not declared", q.Name, name)
			}
		}
		for _, p := range q.Params {
			if !referenced[p.Name] {
				add(IssueUnreferencedParam, q.Name+"."+p.Name, "parameter %q is declared but query %q never references it", p.Name, q.Name)
			}
		}
	}
	return issues
}

func assignable(t ParamType, v any) bool {
	switch t {
	case ParamNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32, json.Number:
			return true
		}
		return false
	case ParamBoolean:
		_, ok := v.(bool)
		return ok
	case ParamString, ParamDate:
		_, ok := v.(string)
		return ok
	}
	return false
}

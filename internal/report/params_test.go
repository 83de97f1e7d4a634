package report

import (
	"encoding/json"
	"testing"
)

func TestUniqueParamsFirstDeclarationWins(t *testing.T) {
	queries := []ReportQuery{
		{Name: "daily", Params: []QueryParameter{
			{Name: "start_date", Type: ParamDate, Label: "Start", DefaultValue: "2024-05-01"},
			{Name: "end_date", Type: ParamDate},
		}},
		{Name: "by_category", Params: []QueryParameter{
			{Name: "start_date", Type: ParamDate, Label: "Other label", DefaultValue: "2023-01-01"},
			{Name: "category", Type: ParamString},
		}},
	}

	params := UniqueParams(queries)
	if len(params) != 3 {
		t.Fatalf("expected 3 unique params, got %d", len(params))
	}
	want := []string{"start_date", "end_date", "category"}
	for i, name := range want {
		if params[i].Name != name {
			t.Errorf("param %d: expected %s, got %s", i, name, params[i].Name)
		}
	}
	if params[0].Label != "Start" {
		t.Errorf("expected first declaration to win, got label %q", params[0].Label)
	}

	fields := Form(queries, InitialValues(queries))
	count := 0
	for _, f := range fields {
		if f.Name == "start_date" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one start_date field, got %d", count)
	}
}

func TestSharedParamAffectsEveryQuery(t *testing.T) {
	queries := []ReportQuery{
		{Name: "a", SQL: "SELECT 1 WHERE d >= :start_date", Params: []QueryParameter{{Name: "start_date", Type: ParamDate}}},
		{Name: "b", SQL: "SELECT 2 WHERE d >= :start_date", Params: []QueryParameter{{Name: "start_date", Type: ParamDate}}},
	}
	values := NormalizeValues(queries, map[string]any{"start_date": "2024-06-01"})

	for _, q := range queries {
		bound := BindForQuery(q, values)
		if bound["start_date"] != "2024-06-01" {
			t.Errorf("query %s: expected start_date 2024-06-01, got %v", q.Name, bound["start_date"])
		}
	}
}

func TestRegionDefaultIsBound(t *testing.T) {
	q := ReportQuery{
		Name:   "sales",
		SQL:    "SELECT * FROM sales WHERE region = :region",
		Params: []QueryParameter{{Name: "region", Type: ParamString, DefaultValue: "Asia"}},
	}
	values := InitialValues([]ReportQuery{q})

	fields := Form([]ReportQuery{q}, values)
	if len(fields) != 1 || fields[0].Value != "Asia" {
		t.Fatalf("expected region field pre-populated with Asia, got %+v", fields)
	}

	bound := BindForQuery(q, values)
	if len(bound) != 1 || bound["region"] != "Asia" {
		t.Errorf("expected {region: Asia}, got %v", bound)
	}
}

func TestCoerceInput(t *testing.T) {
	tests := []struct {
		name  string
		param QueryParameter
		raw   string
		want  any
	}{
		{"number", QueryParameter{Type: ParamNumber}, "42.5", 42.5},
		{"empty number is unset", QueryParameter{Type: ParamNumber}, "", Unset},
		{"bad number forwarded", QueryParameter{Type: ParamNumber}, "abc", "abc"},
		{"checked", QueryParameter{Type: ParamBoolean}, "on", true},
		{"unchecked", QueryParameter{Type: ParamBoolean}, "", false},
		{"string verbatim", QueryParameter{Type: ParamString}, "  Asia ", "  Asia "},
		{"date verbatim", QueryParameter{Type: ParamDate}, "2024-05-01", "2024-05-01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CoerceInput(tt.param, tt.raw)
			if got != tt.want {
				t.Errorf("CoerceInput(%q) = %#v, want %#v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestUnsetIsNotZero(t *testing.T) {
	q := ReportQuery{Name: "q", Params: []QueryParameter{{Name: "limit", Type: ParamNumber}}}
	bound := BindForQuery(q, NormalizeValues([]ReportQuery{q}, map[string]any{"limit": ""}))
	if !IsUnset(bound["limit"]) {
		t.Fatalf("expected unset sentinel, got %#v", bound["limit"])
	}
	raw, err := json.Marshal(bound)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"limit":null}` {
		t.Errorf("expected null encoding, got %s", raw)
	}
}

func TestBindForQueryRestrictsToDeclared(t *testing.T) {
	q := ReportQuery{Name: "q", Params: []QueryParameter{{Name: "a", Type: ParamString}}}
	bound := BindForQuery(q, Values{"a": "x", "b": "y"})
	if _, ok := bound["b"]; ok {
		t.Errorf("undeclared parameter leaked into binding: %v", bound)
	}
}

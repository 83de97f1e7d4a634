package report

import (
	"database/sql/driver"
	"strconv"
	"strings"
)

// UnsetValue marks a parameter whose input was left empty. It is distinct
// from zero: it serializes as JSON null and binds as SQL NULL.
type UnsetValue struct{}

var Unset = UnsetValue{}

func (UnsetValue) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

func (UnsetValue) Value() (driver.Value, error) { return nil, nil }

func (UnsetValue) String() string { return "" }

func IsUnset(v any) bool {
	switch v.(type) {
	case UnsetValue, *UnsetValue:
		return true
	}
	return false
}

// Values maps a parameter name to its current bound value.
type Values map[string]any

// UniqueParams deduplicates parameters by name across queries. The first
// declaration wins and declaration order is preserved.
func UniqueParams(queries []ReportQuery) []QueryParameter {
	seen := make(map[string]bool)
	var params []QueryParameter
	for _, q := range queries {
		for _, p := range q.Params {
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			params = append(params, p)
		}
	}
	return params
}

// InitialValues returns the declared defaults of the unique parameters.
// Parameters without a default are left out.
func InitialValues(queries []ReportQuery) Values {
	values := make(Values)
	for _, p := range UniqueParams(queries) {
		if p.DefaultValue != nil {
			values[p.Name] = p.DefaultValue
		}
	}
	return values
}

// CoerceInput converts raw form input according to the parameter type.
// Numbers that do not parse are forwarded verbatim.
func CoerceInput(p QueryParameter, raw string) any {
	switch p.Type {
	case ParamNumber:
		if raw == "" {
			return Unset
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return f
		}
		return raw
	case ParamBoolean:
		return isChecked(raw)
	default:
		return raw
	}
}

func isChecked(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "on", "1", "checked", "yes":
		return true
	}
	return false
}

// NormalizeValues starts from the declared defaults and overlays the given
// values. String inputs are coerced like form input, typed values pass
// through and JSON null becomes Unset.
func NormalizeValues(queries []ReportQuery, raw map[string]any) Values {
	values := InitialValues(queries)
	byName := make(map[string]QueryParameter)
	for _, p := range UniqueParams(queries) {
		byName[p.Name] = p
	}
	for name, v := range raw {
		p, ok := byName[name]
		if !ok {
			values[name] = v
			continue
		}
		switch tv := v.(type) {
		case nil:
			values[name] = Unset
		case string:
			values[name] = CoerceInput(p, tv)
		default:
			values[name] = tv
		}
	}
	return values
}

// BindForQuery restricts values to the parameters declared by q. Declared
// parameters with no value bind as Unset.
func BindForQuery(q ReportQuery, values Values) map[string]any {
	bound := make(map[string]any, len(q.Params))
	for _, p := range q.Params {
		if v, ok := values[p.Name]; ok && v != nil {
			bound[p.Name] = v
		} else {
			bound[p.Name] = Unset
		}
	}
	return bound
}

// HasParams reports whether any query declares parameters.
func HasParams(queries []ReportQuery) bool {
	for _, q := range queries {
		if len(q.Params) > 0 {
			return true
		}
	}
	return false
}

type InputKind string

const (
	InputText     InputKind = "text"
	InputNumber   InputKind = "number"
	InputDate     InputKind = "date"
	InputCheckbox InputKind = "checkbox"
)

type FormField struct {
	Name  string    `json:"name"`
	Label string    `json:"label"`
	Type  ParamType `json:"type"`
	Input InputKind `json:"input"`
	Value any       `json:"value"`
}

// Form describes one input per unique parameter with its current value.
func Form(queries []ReportQuery, values Values) []FormField {
	params := UniqueParams(queries)
	fields := make([]FormField, 0, len(params))
	for _, p := range params {
		f := FormField{Name: p.Name, Label: p.Label, Type: p.Type}
		if f.Label == "" {
			f.Label = p.Name
		}
		v, ok := values[p.Name]
		switch p.Type {
		case ParamNumber:
			f.Input = InputNumber
		case ParamDate:
			f.Input = InputDate
		case ParamBoolean:
			f.Input = InputCheckbox
			b, _ := v.(bool)
			v, ok = b, true
		default:
			f.Input = InputText
		}
		if !ok || v == nil || IsUnset(v) {
			v = ""
		}
		f.Value = v
		fields = append(fields, f)
	}
	return fields
}

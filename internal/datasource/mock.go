package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"gwi.com/report-studio/internal/report"
)

// Generator produces JSON text for a prompt. The LLM service implements it.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, temperature float32) (string, error)
}

const mockTemperature = 0.8

// MockProvider asks the model to invent a plausible result set for a query.
type MockProvider struct {
	gen Generator
}

func NewMockProvider(gen Generator) *MockProvider {
	return &MockProvider{gen: gen}
}

func (p *MockProvider) Execute(ctx context.Context, q Query) ([]report.Record, error) {
	prompt, err := mockDataPrompt(q)
	if err != nil {
		return nil, err
	}
	text, err := p.gen.GenerateJSON(ctx, prompt, mockTemperature)
	if err != nil {
		return nil, fmt.Errorf("mock data generation failed: %w", err)
	}

	var rows []report.Record
	if err := json.Unmarshal([]byte(report.StripFence(text)), &rows); err != nil {
		log.Printf("Mock data for %s was not a JSON array of objects, returning no rows: %v", q.Name, err)
		return []report.Record{}, nil
	}
	if rows == nil {
		rows = []report.Record{}
	}
	return rows, nil
}

func mockDataPrompt(q Query) (string, error) {
	var b strings.Builder
	b.WriteString("You generate mock JSON data. Given the SQL query below, produce a realistic JSON array of objects representing its result.\n")
	b.WriteString("- Return between 3 and 10 items.\n")
	b.WriteString("- Keep the values varied and sensible for the query.\n")
	b.WriteString("- Property names must match the column names or aliases in the SELECT list.\n")
	b.WriteString("- Output only the raw JSON array, with no explanation or markdown.\n")
	if len(q.Params) > 0 {
		params, err := json.MarshalIndent(q.Params, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to encode query params: %w", err)
		}
		b.WriteString("\nThe query placeholders (written as :name) have these values. Keep the data consistent with them:\n")
		b.Write(params)
		b.WriteString("\n")
	}
	b.WriteString("\nSQL Query:\n```sql\n")
	b.WriteString(q.SQL)
	b.WriteString("\n```\n\nJSON Output:\n")
	return b.String(), nil
}

package render

import (
	"context"
	"fmt"
	"html"
	"log"
	"strings"

	"gwi.com/report-studio/internal/report"
)

type SegmentKind string

const (
	SegmentText            SegmentKind = "text"
	SegmentChart           SegmentKind = "chart"
	SegmentMissingChart    SegmentKind = "missing_chart"
	SegmentDataUnavailable SegmentKind = "data_unavailable"
	SegmentMissingDataKey  SegmentKind = "missing_data_key"
	SegmentRenderError     SegmentKind = "render_error"
)

type Segment struct {
	Kind    SegmentKind `json:"kind"`
	HTML    string      `json:"html,omitempty"`
	ChartID string      `json:"chartId,omitempty"`
	DataKey string      `json:"dataKey,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s Segment) IsError() bool {
	switch s.Kind {
	case SegmentText, SegmentChart:
		return false
	}
	return true
}

type Result struct {
	Segments []Segment     `json:"segments"`
	Issues   []report.Issue `json:"issues,omitempty"`
}

// Errors returns the error segments in document order.
func (r Result) Errors() []Segment {
	var out []Segment
	for _, s := range r.Segments {
		if s.IsError() {
			out = append(out, s)
		}
	}
	return out
}

type Renderer struct {
	sandbox *Sandbox
}

func NewRenderer(sandbox *Sandbox) *Renderer {
	if sandbox == nil {
		sandbox = NewSandbox(0, 0)
	}
	return &Renderer{sandbox: sandbox}
}

// Render resolves every placeholder of the artifact to a chart or to exactly
// one error segment. A nil data mapping means no data has been loaded.
func (r *Renderer) Render(ctx context.Context, a *report.Artifact, data report.DataResult) Result {
	var res Result
	if a == nil {
		return res
	}
	for _, tok := range Tokenize(a.Markdown) {
		if tok.Kind == TokenText {
			if strings.TrimSpace(tok.Value) == "" {
				continue
			}
			res.Segments = append(res.Segments, Segment{Kind: SegmentText, HTML: translateMarkup(tok.Value)})
			continue
		}
		res.Segments = append(res.Segments, r.renderChart(ctx, a, tok.Value, data))
	}
	res.Issues = report.Validate(a, data)
	return res
}

func (r *Renderer) renderChart(ctx context.Context, a *report.Artifact, id string, data report.DataResult) Segment {
	chart, ok := a.Chart(id)
	if !ok {
		return Segment{
			Kind:    SegmentMissingChart,
			ChartID: id,
			Error:   fmt.Sprintf("Configuration error: Chart with ID '%s' was specified in markdown but not provided in the chart data.", id),
		}
	}
	if data == nil {
		return Segment{
			Kind:    SegmentDataUnavailable,
			ChartID: id,
			DataKey: chart.DataKey,
			Error:   fmt.Sprintf("Error: Could not find data for chart '%s'. The data query may have failed.", id),
		}
	}
	rows, ok := data[chart.DataKey]
	if !ok || rows == nil {
		return Segment{
			Kind:    SegmentMissingDataKey,
			ChartID: id,
			DataKey: chart.DataKey,
			Error:   fmt.Sprintf("Configuration error: Data key '%s' for chart '%s' was not found in the query results.", chart.DataKey, id),
		}
	}

	svg, err := r.sandbox.Run(ctx, chart.Code, rows)
	if err != nil {
		log.Printf("Chart %s failed to render: %v", id, err)
		return Segment{Kind: SegmentRenderError, ChartID: id, DataKey: chart.DataKey, Error: err.Error()}
	}
	return Segment{Kind: SegmentChart, ChartID: id, DataKey: chart.DataKey, HTML: svg}
}

// HTML assembles the segments into a single fragment.
func HTML(res Result) string {
	var b strings.Builder
	b.WriteString(`<div class="report">`)
	for _, s := range res.Segments {
		switch s.Kind {
		case SegmentText:
			b.WriteString("<div>")
			b.WriteString(s.HTML)
			b.WriteString("</div>")
		case SegmentChart:
			fmt.Fprintf(&b, `<div class="chart" data-chart-id="%s">%s</div>`, html.EscapeString(s.ChartID), s.HTML)
		case SegmentRenderError:
			fmt.Fprintf(&b, `<div class="chart-error" data-chart-id="%s"><p>Error Rendering Chart</p><pre>%s</pre></div>`,
				html.EscapeString(s.ChartID), html.EscapeString(s.Error))
		default:
			fmt.Fprintf(&b, `<div class="chart-error %s" data-chart-id="%s">%s</div>`,
				s.Kind, html.EscapeString(s.ChartID), html.EscapeString(s.Error))
		}
	}
	b.WriteString("</div>")
	return b.String()
}

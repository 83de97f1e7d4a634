package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"gwi.com/report-studio/internal/report"
)

const (
	executeQueriesName = "execute_queries"

	// GreetingText opens every new editor session.
	GreetingText = "Hello! I'm a data visualization assistant. I can generate reports with multiple charts from our database. For example: 'Show me total sales per region and a breakdown of current inventory'."
)

const chartGuidelines = `Chart code rules:
- The code runs as the body of a function that receives two arguments: "svg", a selection of an existing SVG element with viewBox "0 0 500 350", and "data", the array of records for the chart's dataKey.
- Append every element (groups, shapes, axis lines, labels) to the provided svg selection. Never create another <svg> element.
- The selection supports append, attr, style, text, select, selectAll, data, enter, exit, join, remove, call and each. Accessors may be functions of (d, i).
- No charting library is loaded. Compute scales, ticks and arcs yourself with plain JavaScript and Math.
- There is no DOM, window or network access.
- Only static SVG elements are allowed (g, rect, circle, ellipse, line, path, polyline, polygon, text, tspan, defs, gradients, clipPath). Script elements, event handler attributes such as onclick and javascript: links make the chart fail.
- The page uses a dark theme, so use light colors such as '#e5e7eb' and '#9ca3af' for text, axes and labels.
- Leave margins around the plot area for axes and labels.`

var exampleReport = report.Artifact{
	Markdown: `<h1>Sales and Inventory Report</h1><p>Here is a summary of the latest sales and inventory data.</p><h2>Sales by Region</h2><p>Asia is currently the top-performing region.</p><div id="chart-1"></div><h2>Current Inventory Levels</h2><p>This chart displays the current stock for the main product categories.</p><div id="chart-2"></div>`,
	Charts: []report.ChartDefinition{
		{
			ID:      "chart-1",
			DataKey: "regional_sales",
			Code:    barChartCode("region", "total_sales", "#22d3ee", "Total Sales by Region"),
		},
		{
			ID:      "chart-2",
			DataKey: "inventory_levels",
			Code:    barChartCode("name", "stock", "#818cf8", "Inventory Levels"),
		},
	},
	Queries: []report.ReportQuery{
		{Name: "regional_sales", SQL: "SELECT region, SUM(total_sales) as total_sales FROM sales GROUP BY 1", Params: []report.QueryParameter{}},
		{Name: "inventory_levels", SQL: "SELECT name, stock FROM inventory", Params: []report.QueryParameter{}},
	},
}

func barChartCode(labelField, valueField, color, title string) string {
	return fmt.Sprintf("const m = {top: 40, right: 30, bottom: 60, left: 60}; "+
		"const w = 500 - m.left - m.right; const h = 350 - m.top - m.bottom; "+
		"const g = svg.append('g').attr('transform', 'translate(' + m.left + ',' + m.top + ')'); "+
		"const max = Math.max.apply(null, [1].concat(data.map(d => Number(d.%[2]s) || 0))); "+
		"const band = w / Math.max(1, data.length); "+
		"g.selectAll('rect').data(data).enter().append('rect')"+
		".attr('x', (d, i) => i * band + band * 0.1).attr('width', band * 0.8)"+
		".attr('y', d => h - (Number(d.%[2]s) || 0) / max * h).attr('height', d => (Number(d.%[2]s) || 0) / max * h)"+
		".attr('fill', '%[3]s'); "+
		"g.selectAll('text.label').data(data).enter().append('text').attr('class', 'label')"+
		".attr('x', (d, i) => i * band + band / 2).attr('y', h + 20).attr('text-anchor', 'middle')"+
		".style('fill', '#9ca3af').text(d => d.%[1]s); "+
		"g.append('line').attr('x1', 0).attr('x2', w).attr('y1', h).attr('y2', h).attr('stroke', '#9ca3af'); "+
		"g.append('text').attr('x', w / 2).attr('y', -20).attr('text-anchor', 'middle')"+
		".style('font-size', '16px').style('fill', '#e5e7eb').text('%[4]s');",
		labelField, valueField, color, title)
}

func exampleReportJSON() string {
	raw, err := json.MarshalIndent(exampleReport, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// SystemInstruction drives the creation flow.
var SystemInstruction = strings.Join([]string{
	"You are an expert data visualization assistant who builds reports from SQL data.",
	"",
	"Your workflow is as follows:",
	"1. The user asks for data or visualizations.",
	"2. Work out ALL the data you need and call the `execute_queries` tool once with every SQL query. Give each query a unique 'name'. The SQL you write is stored with the report for later runs.",
	"3. The tool returns an object whose keys are the query names and whose values are the result rows.",
	"4. After receiving the data, your FINAL output MUST be a single JSON object that defines the complete report.",
	"5. The object must contain 'markdown', 'charts' and 'queries' keys.",
	"   - \"markdown\": the report text. Embed a placeholder div wherever a chart goes, for example `<div id=\"chart-sales\"></div>`.",
	"   - \"charts\": an array of objects with \"id\", \"dataKey\" and \"code\". \"code\" is a string of JavaScript that draws the chart.",
	"   - \"queries\": the queries you used, each with \"name\", \"sql\" and an empty \"params\" array.",
	"",
	chartGuidelines,
	"",
	"For example, if the user asks \"Show me total sales per region and the current stock levels for each product.\", first call `execute_queries` with queries named 'regional_sales' and 'inventory_levels'. After receiving the data, the final output looks like this:",
	"",
	"```json",
	exampleReportJSON(),
	"```",
	"The final output MUST be a single JSON object that conforms to the response schema.",
}, "\n")

// EditInstruction drives the edit flow. The current artifact and the user
// request are appended to it.
const EditInstruction = `You are an AI assistant that modifies an existing data visualization report based on a user's request.
You will be given the current report definition as a JSON object and a request from the user asking for a change.
Return a new, complete JSON object for the report that incorporates the requested changes.

You can modify any part of the report:
- Markdown: change text, add or remove chart placeholders.
- Charts: change a chart's code, add new charts or remove existing ones.
- Queries: add queries, modify SQL, or add and remove parameters to make the report interactive.
  - When adding parameters, use the ':paramName' syntax in the SQL and declare the parameter in the 'params' array with a name, a type (string, number, date or boolean), a label and an optional defaultValue.
  - Queries that share a parameter name share one input.

` + chartGuidelines + `

Your FINAL output MUST be the complete, updated JSON object for the entire report. Do not omit any fields. The JSON object must conform to the provided schema.`

func editPrompt(current *report.Artifact, instruction string) (string, error) {
	raw, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode current report: %w", err)
	}
	return fmt.Sprintf("%s\n\nCurrent Report JSON:\n```json\n%s\n```\n\nUser Request: %q\n", EditInstruction, raw, instruction), nil
}

var executeQueriesTool = &genai.Tool{
	FunctionDeclarations: []*genai.FunctionDeclaration{{
		Name:        executeQueriesName,
		Description: "Executes one or more named SQL queries against the database.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"queries": {
					Type:        genai.TypeArray,
					Description: "An array of named queries to execute.",
					Items: &genai.Schema{
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"name":  {Type: genai.TypeString, Description: "A descriptive, unique name for the query."},
							"query": {Type: genai.TypeString, Description: "The SQL query to execute."},
						},
						Required: []string{"name", "query"},
					},
				},
			},
			Required: []string{"queries"},
		},
	}},
}

var queryParamSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"name":  {Type: genai.TypeString},
		"type":  {Type: genai.TypeString, Enum: []string{"string", "number", "date", "boolean"}},
		"label": {Type: genai.TypeString},
		// Union types are not expressible here; defaults are converted to
		// the declared type after parsing.
		"defaultValue": {Type: genai.TypeString, Nullable: true},
	},
	Required: []string{"name", "type", "label"},
}

var reportSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"markdown": {
			Type:        genai.TypeString,
			Description: `The markdown content for the report, including placeholder divs for charts, e.g., <div id="chart-1"></div>.`,
		},
		"charts": {
			Type:        genai.TypeArray,
			Description: "An array of chart objects to be rendered.",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"id":      {Type: genai.TypeString, Description: "The ID of the placeholder div in the markdown."},
					"dataKey": {Type: genai.TypeString, Description: "The key for the data from the tool call results to be used for this chart."},
					"code":    {Type: genai.TypeString, Description: "The chart code as a single-line string."},
				},
				Required: []string{"id", "dataKey", "code"},
			},
		},
		"queries": {
			Type:        genai.TypeArray,
			Description: "An array of the SQL queries used to generate this report. Params array should be empty unless they are defined.",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"name":   {Type: genai.TypeString},
					"sql":    {Type: genai.TypeString},
					"params": {Type: genai.TypeArray, Items: queryParamSchema},
				},
				Required: []string{"name", "sql", "params"},
			},
		},
	},
	Required: []string{"markdown", "charts", "queries"},
}

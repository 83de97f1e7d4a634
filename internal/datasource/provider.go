package datasource

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gwi.com/report-studio/internal/report"
)

// Query is one named SQL template with the parameter values bound to it.
type Query struct {
	Name   string         `json:"name"`
	SQL    string         `json:"sql"`
	Params map[string]any `json:"params,omitempty"`
}

// Provider resolves a single query to a sequence of records. Field names
// are data dependent; callers must tolerate missing and extra fields.
type Provider interface {
	Execute(ctx context.Context, q Query) ([]report.Record, error)
}

// RawQuery is one entry of the execute_queries tool arguments.
type RawQuery struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

func RawQueries(raw []RawQuery) []Query {
	out := make([]Query, 0, len(raw))
	for _, r := range raw {
		out = append(out, Query{Name: r.Name, SQL: r.Query})
	}
	return out
}

// ParameterizedQueries binds each report query to its own declared params.
func ParameterizedQueries(queries []report.ReportQuery, values report.Values) []Query {
	out := make([]Query, 0, len(queries))
	for _, q := range queries {
		out = append(out, Query{Name: q.Name, SQL: q.SQL, Params: report.BindForQuery(q, values)})
	}
	return out
}

// QueriesFor runs parameterized queries when any query declares
// parameters, and the raw templates otherwise.
func QueriesFor(queries []report.ReportQuery, values report.Values) []Query {
	if report.HasParams(queries) {
		return ParameterizedQueries(queries, values)
	}
	out := make([]Query, 0, len(queries))
	for _, q := range queries {
		out = append(out, Query{Name: q.Name, SQL: q.SQL})
	}
	return out
}

const defaultConcurrency = 4

type Runner struct {
	provider    Provider
	concurrency int
	timeout     time.Duration
}

func NewRunner(p Provider, concurrency int, timeout time.Duration) *Runner {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Runner{provider: p, concurrency: concurrency, timeout: timeout}
}

// Run resolves every query concurrently. A failing query is reported in the
// error map and never aborts the others.
func (r *Runner) Run(ctx context.Context, queries []Query) (report.DataResult, map[string]error) {
	var (
		mu      sync.Mutex
		results = make(report.DataResult, len(queries))
		errs    = make(map[string]error)
		g       errgroup.Group
	)
	g.SetLimit(r.concurrency)

	for _, q := range queries {
		q := q
		g.Go(func() error {
			rows, err := r.execute(ctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("Query %s failed: %v", q.Name, err)
				errs[q.Name] = err
				return nil
			}
			if rows == nil {
				rows = []report.Record{}
			}
			results[q.Name] = rows
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (r *Runner) execute(ctx context.Context, q Query) (rows []report.Record, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("query %s panicked: %v", q.Name, p)
		}
	}()
	return r.provider.Execute(ctx, q)
}

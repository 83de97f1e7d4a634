package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"    // PostgreSQL driver ("pgx")
	_ "github.com/mattn/go-sqlite3"       // SQLite driver ("sqlite3")
	_ "github.com/microsoft/go-mssqldb"   // SQL Server driver ("sqlserver")
	"gwi.com/report-studio/internal/report"
)

// PlaceholderStyle is the positional parameter syntax of a SQL dialect.
type PlaceholderStyle int

const (
	StyleQuestion PlaceholderStyle = iota // ?
	StyleDollar                           // $1
	StyleAtP                              // @p1
)

func styleForDriver(driver string) (PlaceholderStyle, error) {
	switch driver {
	case "sqlite3":
		return StyleQuestion, nil
	case "pgx", "postgres":
		return StyleDollar, nil
	case "sqlserver", "mssql":
		return StyleAtP, nil
	}
	return 0, fmt.Errorf("unsupported data source driver %q", driver)
}

// SQLProvider runs report queries against a real database.
type SQLProvider struct {
	db    *sql.DB
	style PlaceholderStyle
}

func NewSQLProvider(driver, dsn string) (*SQLProvider, error) {
	style, err := styleForDriver(driver)
	if err != nil {
		return nil, err
	}
	if driver == "postgres" {
		driver = "pgx"
	}
	if driver == "mssql" {
		driver = "sqlserver"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open data source: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping data source: %w", err)
	}
	return &SQLProvider{db: db, style: style}, nil
}

func (p *SQLProvider) Close() error {
	return p.db.Close()
}

func (p *SQLProvider) Execute(ctx context.Context, q Query) ([]report.Record, error) {
	stmt, args, err := BindNamed(q.SQL, q.Params, p.style)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query %s: %w", q.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	records := []report.Record{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		rec := make(report.Record, len(cols))
		for i, c := range cols {
			rec[c] = normalizeColumn(values[i])
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return records, nil
}

func normalizeColumn(v any) any {
	switch tv := v.(type) {
	case []byte:
		return string(tv)
	case time.Time:
		return tv.Format(time.RFC3339)
	}
	return v
}

// BindNamed rewrites :name tokens to positional placeholders. Quoted
// strings, quoted identifiers, comments and :: casts are left untouched.
// Every referenced name must have a value.
func BindNamed(query string, params map[string]any, style PlaceholderStyle) (string, []any, error) {
	var (
		b     strings.Builder
		args  []any
		index = make(map[string]int)
	)
	n := len(query)
	for i := 0; i < n; i++ {
		c := query[i]
		switch {
		case c == '\'' || c == '"':
			j := i + 1
			for j < n {
				if query[j] == c {
					if j+1 < n && query[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			end := min(j+1, n)
			b.WriteString(query[i:end])
			i = end - 1
		case c == '-' && i+1 < n && query[i+1] == '-':
			j := strings.IndexByte(query[i:], '\n')
			if j < 0 {
				j = n - i
			}
			b.WriteString(query[i : i+j])
			i += j - 1
		case c == '/' && i+1 < n && query[i+1] == '*':
			j := strings.Index(query[i+2:], "*/")
			end := n
			if j >= 0 {
				end = i + 2 + j + 2
			}
			b.WriteString(query[i:end])
			i = end - 1
		case c == ':' && i+1 < n && query[i+1] == ':':
			b.WriteString("::")
			i++
		case c == ':' && i+1 < n && isNameStart(query[i+1]):
			j := i + 1
			for j < n && isNameChar(query[j]) {
				j++
			}
			name := query[i+1 : j]
			v, ok := params[name]
			if !ok {
				return "", nil, fmt.Errorf("query references :%s but no value is bound", name)
			}
			switch style {
			case StyleQuestion:
				args = append(args, v)
				b.WriteByte('?')
			case StyleDollar, StyleAtP:
				pos, seen := index[name]
				if !seen {
					args = append(args, v)
					pos = len(args)
					index[name] = pos
				}
				if style == StyleDollar {
					b.WriteString("$" + strconv.Itoa(pos))
				} else {
					b.WriteString("@p" + strconv.Itoa(pos))
				}
			}
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	for k, v := range args {
		if report.IsUnset(v) {
			args[k] = nil
		}
	}
	return b.String(), args, nil
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

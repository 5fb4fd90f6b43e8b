// Package tabular profiles and compares CSV files with an embedded DuckDB.
package tabular

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/csvforge/pkg/models"
	_ "github.com/marcboeker/go-duckdb"
)

const sampleRows = 5

// Engine runs analytical queries over CSV files on local disk.
type Engine struct {
	db *sql.DB
}

// New opens an in-memory DuckDB database.
func New() (*Engine, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

type column struct {
	Name string
	Type string
}

// Profile returns row count, column types, null counts and a few sample rows.
func (e *Engine) Profile(ctx context.Context, path string) (models.DataSummary, error) {
	cols, err := e.columns(ctx, path, false)
	if err != nil {
		return models.DataSummary{}, err
	}

	summary := models.DataSummary{Columns: make([]models.ColumnSummary, len(cols))}

	selects := []string{"count(*)"}
	for _, c := range cols {
		selects = append(selects, fmt.Sprintf("count(*) - count(%s)", ident(c.Name)))
	}
	counts := make([]int64, len(selects))
	dest := make([]any, len(selects))
	for i := range counts {
		dest[i] = &counts[i]
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selects, ", "), source(path, false))
	if err := e.db.QueryRowContext(ctx, query).Scan(dest...); err != nil {
		return models.DataSummary{}, fmt.Errorf("profile %s: %w", path, err)
	}
	summary.RowCount = counts[0]
	for i, c := range cols {
		summary.Columns[i] = models.ColumnSummary{Name: c.Name, Type: c.Type, NullCount: counts[i+1]}
	}

	rows, err := e.sample(ctx, path, cols)
	if err != nil {
		return models.DataSummary{}, err
	}
	summary.SampleRows = rows
	for i, c := range cols {
		for _, r := range rows {
			if v := r[c.Name]; v != "" {
				summary.Columns[i].SampleVals = append(summary.Columns[i].SampleVals, v)
			}
		}
	}
	return summary, nil
}

func (e *Engine) sample(ctx context.Context, path string, cols []column) ([]map[string]string, error) {
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", source(path, true), sampleRows)
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", path, err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		row := make(map[string]string, len(cols))
		for i, c := range cols {
			row[c.Name] = vals[i].String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (e *Engine) columns(ctx context.Context, path string, allVarchar bool) ([]column, error) {
	rows, err := e.db.QueryContext(ctx, "DESCRIBE SELECT * FROM "+source(path, allVarchar))
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", path, err)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var (
			c                             column
			null, key, defaultVal, extra sql.NullString
		)
		if err := rows.Scan(&c.Name, &c.Type, &null, &key, &defaultVal, &extra); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// source renders a read_csv_auto call for path.
func source(path string, allVarchar bool) string {
	if allVarchar {
		return fmt.Sprintf("read_csv_auto(%s, header = true, all_varchar = true)", literal(path))
	}
	return fmt.Sprintf("read_csv_auto(%s, header = true)", literal(path))
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func ident(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

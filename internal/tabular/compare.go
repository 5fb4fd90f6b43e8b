package tabular

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// Compare checks actual against expected. Both files are read as text and
// values are compared after trimming surrounding whitespace, row by row in
// file order.
func (e *Engine) Compare(ctx context.Context, actualPath, expectedPath string) (*models.ComparisonResult, error) {
	actualCols, err := e.columns(ctx, actualPath, true)
	if err != nil {
		return nil, err
	}
	expectedCols, err := e.columns(ctx, expectedPath, true)
	if err != nil {
		return nil, err
	}

	res := &models.ComparisonResult{}
	actualNames := names(actualCols)
	expectedNames := names(expectedCols)
	res.MissingColumns = difference(expectedNames, actualNames)
	res.ExtraColumns = difference(actualNames, expectedNames)

	for _, c := range res.MissingColumns {
		res.Suggestions = append(res.Suggestions, fmt.Sprintf("Add missing column '%s'", c))
	}
	for _, c := range res.ExtraColumns {
		res.Suggestions = append(res.Suggestions, fmt.Sprintf("Remove unexpected column '%s'", c))
	}

	common := intersection(expectedNames, actualNames)
	if len(res.MissingColumns) == 0 && len(res.ExtraColumns) == 0 && !equalOrder(actualNames, expectedNames) {
		res.Suggestions = append(res.Suggestions,
			fmt.Sprintf("Reorder columns to match expected order: %s", strings.Join(expectedNames, ", ")))
	}

	counts := fmt.Sprintf("SELECT (SELECT count(*) FROM %s), (SELECT count(*) FROM %s)",
		source(actualPath, true), source(expectedPath, true))
	if err := e.db.QueryRowContext(ctx, counts).Scan(&res.ActualRows, &res.ExpectedRows); err != nil {
		return nil, fmt.Errorf("count rows: %w", err)
	}
	if res.ActualRows != res.ExpectedRows {
		res.Suggestions = append(res.Suggestions,
			fmt.Sprintf("Output has %d rows but %d were expected", res.ActualRows, res.ExpectedRows))
	}

	if len(common) > 0 {
		if err := e.compareValues(ctx, actualPath, expectedPath, common, res); err != nil {
			return nil, err
		}
	}

	res.Match = len(res.Suggestions) == 0
	return res, nil
}

func (e *Engine) compareValues(ctx context.Context, actualPath, expectedPath string, common []string, res *models.ComparisonResult) error {
	differs := make([]string, len(common))
	perColumn := make([]string, len(common))
	for i, c := range common {
		differs[i] = fmt.Sprintf("trim(a.%[1]s) IS DISTINCT FROM trim(x.%[1]s)", ident(c))
		perColumn[i] = fmt.Sprintf("count(*) FILTER (WHERE %s)", differs[i])
	}

	query := fmt.Sprintf(`WITH a AS (SELECT row_number() OVER () AS rn, * FROM %s),
		x AS (SELECT row_number() OVER () AS rn, * FROM %s)
		SELECT count(*) FILTER (WHERE %s), %s
		FROM x FULL OUTER JOIN a USING (rn)`,
		source(actualPath, true), source(expectedPath, true),
		strings.Join(differs, " OR "), strings.Join(perColumn, ", "))

	counts := make([]int64, len(common)+1)
	dest := make([]any, len(counts))
	for i := range counts {
		dest[i] = &counts[i]
	}
	if err := e.db.QueryRowContext(ctx, query).Scan(dest...); err != nil {
		return fmt.Errorf("compare values: %w", err)
	}
	res.MismatchedRows = counts[0]

	for i, c := range common {
		n := counts[i+1]
		if n == 0 {
			continue
		}
		exp, got, err := e.firstMismatch(ctx, actualPath, expectedPath, c)
		if err != nil {
			return err
		}
		res.Suggestions = append(res.Suggestions,
			fmt.Sprintf("Column '%s' has %d mismatched values, e.g. expected %q but got %q", c, n, exp, got))
	}
	return nil
}

func (e *Engine) firstMismatch(ctx context.Context, actualPath, expectedPath, col string) (string, string, error) {
	query := fmt.Sprintf(`WITH a AS (SELECT row_number() OVER () AS rn, * FROM %[1]s),
		x AS (SELECT row_number() OVER () AS rn, * FROM %[2]s)
		SELECT x.%[3]s, a.%[3]s
		FROM x FULL OUTER JOIN a USING (rn)
		WHERE trim(a.%[3]s) IS DISTINCT FROM trim(x.%[3]s)
		ORDER BY rn
		LIMIT 1`,
		source(actualPath, true), source(expectedPath, true), ident(col))

	var exp, got sql.NullString
	if err := e.db.QueryRowContext(ctx, query).Scan(&exp, &got); err != nil {
		return "", "", fmt.Errorf("sample mismatch in %s: %w", col, err)
	}
	return exp.String, got.String, nil
}

func names(cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// difference returns the members of a not in b, keeping a's order.
func difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func intersection(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package store

import (
	"strings"

	"github.com/ethpandaops/testoor/pkg/facet"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// clauseSQL translates a facet clause into a condition on the tests table.
func clauseSQL(c facet.Clause) (string, []any) {
	switch c.Kind {
	case facet.KindSection:
		return "tests.section_id IN ?", []any{c.IDs}
	case facet.KindPlatform:
		return "tests.platform_id IN ?", []any{c.IDs}
	case facet.KindLabel:
		return "tests.id IN (SELECT test_id FROM test_labels WHERE label_id IN ?)",
			[]any{c.IDs}
	case facet.KindSquad:
		switch {
		case len(c.IDs) > 0 && c.IncludeUnassigned:
			return "(tests.squad_id IN ? OR tests.squad_id IS NULL)", []any{c.IDs}
		case len(c.IDs) > 0:
			return "tests.squad_id IN ?", []any{c.IDs}
		case c.IncludeUnassigned:
			return "tests.squad_id IS NULL", nil
		}
	}

	return "1 = 0", nil
}

// joinClauses combines clauses into one parenthesized condition.
func joinClauses(clauses []facet.Clause, mode facet.FilterType) (string, []any) {
	sep := " AND "
	if mode == facet.Or {
		sep = " OR "
	}

	parts := make([]string, 0, len(clauses))
	args := make([]any, 0, len(clauses))

	for _, c := range clauses {
		expr, cArgs := clauseSQL(c)
		parts = append(parts, expr)
		args = append(args, cArgs...)
	}

	return "(" + strings.Join(parts, sep) + ")", args
}

// caseByTestID builds `CASE test_id WHEN ? THEN ? ... END` for a column.
func caseByTestID(
	updates []StatusUpdate, value func(u StatusUpdate) any,
) clause.Expr {
	var sb strings.Builder

	args := make([]any, 0, 2*len(updates))

	sb.WriteString("CASE test_id")

	for _, u := range updates {
		sb.WriteString(" WHEN ? THEN ?")

		args = append(args, u.TestID, value(u))
	}

	sb.WriteString(" END")

	return gorm.Expr(sb.String(), args...)
}

package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
)

const dialectPostgres = "postgres"

// ErrBuildingQuery wraps goqu rendering failures.
var ErrBuildingQuery = errors.New("building catalog query failed")

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SQL renders the page query and the matching count query against table.
// Values are inlined by goqu, so the statements need no bind arguments.
func (q Query) SQL(table string) (selectSQL, countSQL string, err error) {
	base := goqu.Dialect(dialectPostgres).From(table)
	if where := q.whereExpressions(); len(where) > 0 {
		base = base.Where(goqu.And(where...))
	}

	order := make([]exp.OrderedExpression, 0, len(q.Sort)+1)
	for _, key := range q.Sort {
		field, ok := sortFields[key.Field]
		if !ok {
			return "", "", fmt.Errorf("%w: unknown sort field %q", ErrBuildingQuery, key.Field)
		}
		if key.Desc {
			order = append(order, field.orderExpr().Desc())
		} else {
			order = append(order, field.orderExpr().Asc())
		}
	}
	order = append(order, tieBreak.orderExpr().Asc())

	pageStmt := base.Order(order...)
	if q.Limit > 0 {
		pageStmt = pageStmt.Limit(uint(q.Limit)).Offset(uint(q.Offset()))
	}
	selectSQL, _, err = pageStmt.ToSQL()
	if err != nil {
		return "", "", errors.Join(ErrBuildingQuery, err)
	}
	countSQL, _, err = base.Select(goqu.COUNT(goqu.Star()).As("total")).ToSQL()
	if err != nil {
		return "", "", errors.Join(ErrBuildingQuery, err)
	}
	return selectSQL, countSQL, nil
}

func (q Query) whereExpressions() []exp.Expression {
	where := make([]exp.Expression, 0, 6)
	if q.Genre != "" {
		where = append(where, goqu.C("genre").ILike(containsPattern(q.Genre)))
	}
	if q.Author != "" {
		where = append(where, goqu.C("author").ILike(containsPattern(q.Author)))
	}
	if q.Status != "" {
		where = append(where, goqu.C("status").Eq(string(q.Status)))
	}
	if q.MinRating != nil {
		where = append(where, goqu.C("rating").Gte(*q.MinRating))
	}
	if q.MaxRating != nil {
		where = append(where, goqu.C("rating").Lte(*q.MaxRating))
	}
	if q.Search != "" {
		pattern := containsPattern(q.Search)
		where = append(where, goqu.Or(
			goqu.C("title").ILike(pattern),
			goqu.C("author").ILike(pattern),
			goqu.C("description").ILike(pattern),
		))
	}
	return where
}

// containsPattern builds a substring ILIKE pattern, escaping wildcards in s.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func (f sortField) orderExpr() exp.Orderable {
	if f.text {
		return goqu.L(`? COLLATE "C"`, goqu.I(f.column))
	}
	return goqu.I(f.column)
}

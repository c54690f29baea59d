package store

import (
	"fmt"
	"strings"
)

// Expr is a predicate over document fields. Field paths are dotted JSON paths
// such as "Attributes.k3x9a2bq"; values are always bound as parameters.
type Expr interface {
	write(w *exprWriter) error
}

type exprWriter struct {
	b    strings.Builder
	args []any
}

func compile(e Expr) (string, []any, error) {
	if e == nil {
		return "1", nil, nil
	}
	var w exprWriter
	if err := e.write(&w); err != nil {
		return "", nil, err
	}
	return w.b.String(), w.args, nil
}

func fieldSQL(field string) string {
	return "json_extract(body, '$." + field + "')"
}

type eqExpr struct {
	field string
	value any
}

// Eq matches documents whose field equals value exactly.
func Eq(field string, value any) Expr { return eqExpr{field: field, value: value} }

func (e eqExpr) write(w *exprWriter) error {
	if err := checkField(e.field); err != nil {
		return err
	}
	if e.value == nil {
		w.b.WriteString(fieldSQL(e.field) + " IS NULL")
		return nil
	}
	v, err := bindValue(e.value)
	if err != nil {
		return fmt.Errorf("%w: field %q: %w", ErrBadExpr, e.field, err)
	}
	w.b.WriteString(fieldSQL(e.field) + " = ?")
	w.args = append(w.args, v)
	return nil
}

func bindValue(v any) (any, error) {
	switch t := v.(type) {
	case string, int, int32, int64, float64:
		return t, nil
	case bool:
		// json_extract yields 1/0 for JSON booleans
		if t {
			return 1, nil
		}
		return 0, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

type containsExpr struct {
	field string
	term  string
}

// Contains matches documents whose field contains term, case-insensitively
// for ASCII. Wildcard characters in term are escaped and match literally.
func Contains(field, term string) Expr { return containsExpr{field: field, term: term} }

func (e containsExpr) write(w *exprWriter) error {
	if err := checkField(e.field); err != nil {
		return err
	}
	w.b.WriteString(fieldSQL(e.field) + ` LIKE ? ESCAPE '\'`)
	w.args = append(w.args, "%"+EscapeLike(e.term)+"%")
	return nil
}

// EscapeLike escapes the LIKE metacharacters of s using '\' as escape character.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type listExpr struct {
	op    string
	empty string
	items []Expr
}

// And matches when all exprs match. And() matches everything.
func And(exprs ...Expr) Expr { return listExpr{op: " AND ", empty: "1", items: exprs} }

// Or matches when any expr matches. Or() matches nothing.
func Or(exprs ...Expr) Expr { return listExpr{op: " OR ", empty: "0", items: exprs} }

func (e listExpr) write(w *exprWriter) error {
	if len(e.items) == 0 {
		w.b.WriteString(e.empty)
		return nil
	}
	w.b.WriteByte('(')
	for i, it := range e.items {
		if it == nil {
			return fmt.Errorf("%w: nil operand", ErrBadExpr)
		}
		if i > 0 {
			w.b.WriteString(e.op)
		}
		if err := it.write(w); err != nil {
			return err
		}
	}
	w.b.WriteByte(')')
	return nil
}

type notExpr struct{ inner Expr }

// Not negates e.
func Not(e Expr) Expr { return notExpr{inner: e} }

func (e notExpr) write(w *exprWriter) error {
	if e.inner == nil {
		return fmt.Errorf("%w: nil operand", ErrBadExpr)
	}
	w.b.WriteString("NOT (")
	if err := e.inner.write(w); err != nil {
		return err
	}
	w.b.WriteByte(')')
	return nil
}

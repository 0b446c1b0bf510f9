package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Stringify renders an AST node back to its textual query-language form.
// Stringify(q) followed by Parse is the round-trip invariant from §8:
// parse(stringify(q)) ≡ q structurally.
func Stringify(node any) string {
	switch v := node.(type) {
	case *Query:
		return stringifyQuery(v)
	case Query:
		return stringifyQuery(&v)
	case Operand:
		return stringifyOperand(v)
	case PredicateCollection:
		return stringifyPredicate(v)
	default:
		return fmt.Sprint(v)
	}
}

func stringifyLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(t, "'", "\\'") + "'"
	case nil:
		return "NULL"
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = stringifyLiteral(item)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	default:
		return fmt.Sprintf("%v", t)
	}
}

func stringifyOperand(op Operand) string {
	switch v := op.(type) {
	case Literal:
		return stringifyLiteral(v.Value)
	case ReplaceableValue:
		return "?"
	case SubQuery:
		return "(" + stringifyQuery(v.Query) + ")"
	case QueryField:
		name := v.Name
		if v.Resource != "" {
			name = v.Resource + "." + name
		}
		if v.Index != nil {
			name = fmt.Sprintf("%s[%d]", name, *v.Index)
		}
		return name
	case QueryFunction:
		args := make([]string, len(v.Args))
		for i, a := range v.Args {
			args[i] = stringifyOperand(a)
		}
		return v.Name + "(" + strings.Join(args, ", ") + ")"
	default:
		return ""
	}
}

func stringifyPredicate(pred PredicateCollection) string {
	switch v := pred.(type) {
	case BooleanEvaluator:
		if v.Value {
			return "TRUE"
		}
		return "FALSE"
	case And:
		return joinPredicates(v.Items, "AND")
	case Or:
		return joinPredicates(v.Items, "OR")
	case FieldEvaluator:
		neg := ""
		if v.Negate {
			neg = "NOT "
		}
		return fmt.Sprintf("%s%s %s %s", neg, stringifyOperand(v.Left), v.Op, stringifyOperand(v.Right))
	default:
		return ""
	}
}

func joinPredicates(items []PredicateCollection, sep string) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = "(" + stringifyPredicate(item) + ")"
	}
	return strings.Join(parts, " "+sep+" ")
}

func stringifyQuery(q *Query) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if q.ReturnAll || len(q.Returns) == 0 {
		sb.WriteString("*")
	} else {
		parts := make([]string, len(q.Returns))
		for i, r := range q.Returns {
			s := stringifyOperand(r.Expr)
			if r.Alias != "" {
				s += " AS " + r.Alias
			}
			parts[i] = s
		}
		sb.WriteString(strings.Join(parts, ", "))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(q.Resource)
	if q.Alias != "" {
		sb.WriteString(" " + q.Alias)
	}

	for _, j := range q.Joins {
		sb.WriteString(" ")
		sb.WriteString(j.Type.String())
		sb.WriteString(" ")
		sb.WriteString(j.Resource)
		if j.Alias != "" {
			sb.WriteString(" " + j.Alias)
		}
		sb.WriteString(" ON ")
		sb.WriteString(stringifyOperand(j.LeftField))
		sb.WriteString("=")
		sb.WriteString(stringifyOperand(j.RightField))
		if extra := stringifyPredicate(j.Extra); extra != "" && extra != "TRUE" {
			sb.WriteString(" AND ")
			sb.WriteString(extra)
		}
	}

	if q.Predicate != nil {
		if s := stringifyPredicate(q.Predicate); s != "" && s != "TRUE" {
			sb.WriteString(" WHERE ")
			sb.WriteString(s)
		}
	}

	if len(q.Groups) > 0 {
		parts := make([]string, len(q.Groups))
		for i, g := range q.Groups {
			parts[i] = stringifyOperand(g)
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	if len(q.Orders) > 0 {
		parts := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			s := stringifyOperand(o.Expr)
			if o.Desc {
				s += " DESC"
			}
			parts[i] = s
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	if q.Start > 0 {
		sb.WriteString(fmt.Sprintf(" START %d", q.Start))
	}
	if q.Limit >= 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.Limit))
	}

	return sb.String()
}

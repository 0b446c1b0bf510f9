package query

import (
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperandEvaluator evaluates an Operand against a specific row; functions
// use it to recursively evaluate their own arguments rather than
// receiving pre-evaluated values, since a scalar function's argument may
// itself be a QueryField read off the current row.
type OperandEvaluator func(row any, op Operand) (any, error)

// ResourceLookup dereferences a single row out of resource by matching
// key against value, the primitive the reference function family is
// built on (§4.8's "reference (UUID→row)" family: given an id drawn from
// one row, fetch the row it points at in another resource).
type ResourceLookup func(resource, key string, value any) (any, bool, error)

// ScalarFunc computes a row-scoped value from its (still-unevaluated)
// arguments. lookup is nil only when a function is invoked outside of
// Evaluate (e.g. directly in a unit test); functions that don't dereference
// across resources ignore it.
type ScalarFunc func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error)

// AggregateFunc folds a column of already-evaluated argument values
// (one per row in the group) into a single result.
type AggregateFunc func(values []any) (any, error)

// Registry maps a function name to its scalar or aggregate implementation.
// Unknown names surface as an EvaluationError (§4.8: "the registry is the
// extension point; unknown names surface as evaluation errors").
type Registry struct {
	scalars    map[string]ScalarFunc
	aggregates map[string]AggregateFunc
}

// NewRegistry builds a registry pre-populated with the function families
// named in spec §4.8: math, string, date, reference (UUID→row), bson
// helpers, collection helpers, object helpers, and the aggregate family
// count/sum/product/mean/min/max.
func NewRegistry() *Registry {
	r := &Registry{
		scalars:    make(map[string]ScalarFunc),
		aggregates: make(map[string]AggregateFunc),
	}
	registerStringFuncs(r)
	registerDateFuncs(r)
	registerMathFuncs(r)
	registerReferenceFuncs(r)
	registerBSONFuncs(r)
	registerCollectionFuncs(r)
	registerObjectFuncs(r)
	registerAggregates(r)
	return r
}

// RegisterScalar adds or overrides a scalar function.
func (r *Registry) RegisterScalar(name string, fn ScalarFunc) {
	r.scalars[strings.ToLower(name)] = fn
}

// RegisterAggregate adds or overrides an aggregate function.
func (r *Registry) RegisterAggregate(name string, fn AggregateFunc) {
	r.aggregates[strings.ToLower(name)] = fn
}

// IsAggregate reports whether name is registered as an aggregate, letting
// the evaluator decide whether a QueryFunction belongs in per-row
// projection or in the post-filter result-collection pass.
func (r *Registry) IsAggregate(name string) bool {
	_, ok := r.aggregates[strings.ToLower(name)]
	return ok
}

// Scalar invokes a registered scalar function.
func (r *Registry) Scalar(name string, row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
	fn, ok := r.scalars[strings.ToLower(name)]
	if !ok {
		return nil, newEvalError("unknown scalar function "+name, nil)
	}
	return fn(row, args, eval, lookup)
}

// Aggregate invokes a registered aggregate function over a pre-evaluated
// column of values.
func (r *Registry) Aggregate(name string, values []any) (any, error) {
	fn, ok := r.aggregates[strings.ToLower(name)]
	if !ok {
		return nil, newEvalError("unknown aggregate function "+name, nil)
	}
	return fn(values)
}

func evalArg(row any, args []Operand, i int, eval OperandEvaluator) (any, error) {
	if i >= len(args) {
		return nil, newEvalError("missing function argument", nil)
	}
	return eval(row, args[i])
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func registerStringFuncs(r *Registry) {
	r.RegisterScalar("upper", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		v, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		s, ok := asString(v)
		if !ok {
			return nil, newEvalError("upper() expects a string argument", nil)
		}
		return strings.ToUpper(s), nil
	})
	r.RegisterScalar("lower", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		v, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		s, ok := asString(v)
		if !ok {
			return nil, newEvalError("lower() expects a string argument", nil)
		}
		return strings.ToLower(s), nil
	})
	r.RegisterScalar("trim", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		v, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		s, ok := asString(v)
		if !ok {
			return nil, newEvalError("trim() expects a string argument", nil)
		}
		return strings.TrimSpace(s), nil
	})
	r.RegisterScalar("concat", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		var sb strings.Builder
		for i := range args {
			v, err := evalArg(row, args, i, eval)
			if err != nil {
				return nil, err
			}
			sb.WriteString(toDisplayString(v))
		}
		return sb.String(), nil
	})
	r.RegisterScalar("substring", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		v, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		s, ok := asString(v)
		if !ok {
			return nil, newEvalError("substring() expects a string argument", nil)
		}
		start, err := evalIntArg(row, args, 1, eval)
		if err != nil {
			return nil, err
		}
		if start < 0 || start > len(s) {
			return nil, newEvalError("substring() start out of range", nil)
		}
		end := len(s)
		if len(args) > 2 {
			end, err = evalIntArg(row, args, 2, eval)
			if err != nil {
				return nil, err
			}
			if end < start || end > len(s) {
				return nil, newEvalError("substring() end out of range", nil)
			}
		}
		return s[start:end], nil
	})
}

func evalIntArg(row any, args []Operand, i int, eval OperandEvaluator) (int, error) {
	v, err := evalArg(row, args, i, eval)
	if err != nil {
		return 0, err
	}
	return toInt(v)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, newEvalError("expected a numeric argument", nil)
	}
}

func toDisplayString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return stringifyLiteral(v)
}

// dateLayout mirrors the teacher-less, ecosystem-standard Go reference
// layout; callers needing a different wire format pass it explicitly to
// dateFormat.
const dateLayout = "2006-01-02T15:04:05Z07:00"

func registerDateFuncs(r *Registry) {
	r.RegisterScalar("now", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		return nowFunc(), nil
	})
	r.RegisterScalar("dateadd", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		v, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, newEvalError("dateAdd() expects a date as its first argument", nil)
		}
		amount, err := evalIntArg(row, args, 1, eval)
		if err != nil {
			return nil, err
		}
		unit := "day"
		if len(args) > 2 {
			uv, err := evalArg(row, args, 2, eval)
			if err != nil {
				return nil, err
			}
			if s, ok := asString(uv); ok {
				unit = strings.ToLower(s)
			}
		}
		return addUnit(t, amount, unit), nil
	})
	r.RegisterScalar("dateformat", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		v, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		t, ok := v.(time.Time)
		if !ok {
			return nil, newEvalError("dateFormat() expects a date as its first argument", nil)
		}
		layout := dateLayout
		if len(args) > 1 {
			lv, err := evalArg(row, args, 1, eval)
			if err != nil {
				return nil, err
			}
			if s, ok := asString(lv); ok {
				layout = s
			}
		}
		return t.Format(layout), nil
	})
}

func addUnit(t time.Time, amount int, unit string) time.Time {
	switch unit {
	case "second", "seconds":
		return t.Add(time.Duration(amount) * time.Second)
	case "minute", "minutes":
		return t.Add(time.Duration(amount) * time.Minute)
	case "hour", "hours":
		return t.Add(time.Duration(amount) * time.Hour)
	case "month", "months":
		return t.AddDate(0, amount, 0)
	case "year", "years":
		return t.AddDate(amount, 0, 0)
	default:
		return t.AddDate(0, 0, amount)
	}
}

// nowFunc is overridable only in tests that need deterministic time;
// production callers always get the wall clock.
var nowFunc = time.Now

func registerMathFuncs(r *Registry) {
	r.RegisterScalar("mathEval", evalMathEval)
}

// evalMathEval implements the parser's "math expression" operand sugar:
// args alternate operand, operator-literal, operand, ... (e.g.
// age * 2 parses to [QueryField(age), Literal("*"), Literal(2)]).
// Multiplication and division bind tighter than addition and subtraction.
func evalMathEval(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
	if len(args) == 0 || len(args)%2 == 0 {
		return nil, newEvalError("malformed math expression", nil)
	}
	values := make([]float64, 0, len(args)/2+1)
	ops := make([]string, 0, len(args)/2)

	for i, arg := range args {
		if i%2 == 1 {
			lit, ok := arg.(Literal)
			op, strOK := "", false
			if ok {
				op, strOK = asString(lit.Value)
			}
			if !strOK {
				return nil, newEvalError("malformed math operator", nil)
			}
			ops = append(ops, op)
			continue
		}
		v, err := eval(row, arg)
		if err != nil {
			return nil, err
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		values = append(values, f)
	}

	// Pass 1: fold * and /.
	foldedValues := []float64{values[0]}
	foldedOps := []string{}
	for i, op := range ops {
		rhs := values[i+1]
		if op == "*" || op == "/" {
			last := foldedValues[len(foldedValues)-1]
			var res float64
			if op == "*" {
				res = last * rhs
			} else {
				if rhs == 0 {
					return nil, newEvalError("division by zero in math expression", nil)
				}
				res = last / rhs
			}
			foldedValues[len(foldedValues)-1] = res
		} else {
			foldedValues = append(foldedValues, rhs)
			foldedOps = append(foldedOps, op)
		}
	}

	// Pass 2: fold + and -.
	result := foldedValues[0]
	for i, op := range foldedOps {
		rhs := foldedValues[i+1]
		if op == "+" {
			result += rhs
		} else {
			result -= rhs
		}
	}
	return result, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, newEvalError("expected a numeric value in math expression", err)
		}
		return f, nil
	default:
		return 0, newEvalError("expected a numeric value in math expression", nil)
	}
}

// registerReferenceFuncs implements §4.8's "reference (UUID→row)" family:
// ref(resource, idField, idValue) dereferences idValue against resource by
// fetching the whole resource and returning the first row whose idField
// matches, the query-language equivalent of following a foreign key.
func registerReferenceFuncs(r *Registry) {
	r.RegisterScalar("ref", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		if lookup == nil {
			return nil, newEvalError("ref() is unavailable outside of Evaluate", nil)
		}
		resourceArg, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		resource, ok := asString(resourceArg)
		if !ok {
			return nil, newEvalError("ref() expects a resource name as its first argument", nil)
		}
		fieldArg, err := evalArg(row, args, 1, eval)
		if err != nil {
			return nil, err
		}
		field, ok := asString(fieldArg)
		if !ok {
			return nil, newEvalError("ref() expects a field name as its second argument", nil)
		}
		value, err := evalArg(row, args, 2, eval)
		if err != nil {
			return nil, err
		}
		found, ok, err := lookup(resource, field, value)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return found, nil
	})
	// isUUID reports whether a string parses as a UUID, the companion
	// predicate a ref() caller uses to guard a dereference against rows
	// whose id field isn't actually populated yet.
	r.RegisterScalar("isuuid", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		v, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		s, ok := asString(v)
		if !ok {
			return false, nil
		}
		_, parseErr := uuid.Parse(s)
		return parseErr == nil, nil
	})
}

// registerBSONFuncs implements §4.8's bson helpers: lightweight MongoDB
// ObjectID-style identifiers (12 bytes: 4-byte timestamp, 8 random bytes,
// hex-encoded), the scope collab.BSONCodec itself never reaches since the
// real BSON wire codec stays an external collaborator (§6, out of scope).
func registerBSONFuncs(r *Registry) {
	r.RegisterScalar("bsonobjectid", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		return newObjectID(nowFunc())
	})
	r.RegisterScalar("bsonobjectidtimestamp", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		v, err := evalArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		s, ok := asString(v)
		if !ok || len(s) != 24 {
			return nil, newEvalError("bsonObjectIdTimestamp() expects a 24-hex-digit object id", nil)
		}
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, newEvalError("bsonObjectIdTimestamp() expects a 24-hex-digit object id", err)
		}
		seconds := int64(raw[0])<<24 | int64(raw[1])<<16 | int64(raw[2])<<8 | int64(raw[3])
		return time.Unix(seconds, 0).UTC(), nil
	})
}

func newObjectID(t time.Time) (string, error) {
	var raw [12]byte
	ts := t.Unix()
	raw[0] = byte(ts >> 24)
	raw[1] = byte(ts >> 16)
	raw[2] = byte(ts >> 8)
	raw[3] = byte(ts)
	if _, err := rand.Read(raw[4:]); err != nil {
		return "", newEvalError("bsonObjectId() failed to generate random suffix", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// registerCollectionFuncs implements §4.8's collection helpers: functions
// operating on a list-valued operand (the evaluator already exposes
// QueryField values and literal collections as []any).
func registerCollectionFuncs(r *Registry) {
	r.RegisterScalar("length", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		list, err := evalCollectionArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		return len(list), nil
	})
	r.RegisterScalar("contains", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		list, err := evalCollectionArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		needle, err := evalArg(row, args, 1, eval)
		if err != nil {
			return nil, err
		}
		for _, v := range list {
			if compareEqual(v, needle) {
				return true, nil
			}
		}
		return false, nil
	})
	r.RegisterScalar("first", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		list, err := evalCollectionArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, nil
		}
		return list[0], nil
	})
	r.RegisterScalar("last", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		list, err := evalCollectionArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, nil
		}
		return list[len(list)-1], nil
	})
}

func evalCollectionArg(row any, args []Operand, i int, eval OperandEvaluator) ([]any, error) {
	v, err := evalArg(row, args, i, eval)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, newEvalError("expected a collection argument", nil)
	}
	return list, nil
}

// registerObjectFuncs implements §4.8's object helpers: functions reading
// the shape of a map-valued row or field rather than one of its values, the
// same map[string]any rows MapAccessor and joinRows already produce.
func registerObjectFuncs(r *Registry) {
	r.RegisterScalar("keys", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		m, err := evalObjectArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	})
	r.RegisterScalar("haskey", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		m, err := evalObjectArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		keyArg, err := evalArg(row, args, 1, eval)
		if err != nil {
			return nil, err
		}
		key, ok := asString(keyArg)
		if !ok {
			return nil, newEvalError("hasKey() expects a string field name", nil)
		}
		_, ok = m[key]
		return ok, nil
	})
	r.RegisterScalar("merge", func(row any, args []Operand, eval OperandEvaluator, lookup ResourceLookup) (any, error) {
		left, err := evalObjectArg(row, args, 0, eval)
		if err != nil {
			return nil, err
		}
		right, err := evalObjectArg(row, args, 1, eval)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(left)+len(right))
		for k, v := range left {
			out[k] = v
		}
		for k, v := range right {
			out[k] = v
		}
		return out, nil
	})
}

func evalObjectArg(row any, args []Operand, i int, eval OperandEvaluator) (map[string]any, error) {
	v, err := evalArg(row, args, i, eval)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, newEvalError("expected an object argument", nil)
	}
	return m, nil
}

func registerAggregates(r *Registry) {
	r.RegisterAggregate("count", func(values []any) (any, error) {
		return len(values), nil
	})
	r.RegisterAggregate("sum", func(values []any) (any, error) {
		var sum float64
		for _, v := range values {
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			sum += f
		}
		return sum, nil
	})
	r.RegisterAggregate("product", func(values []any) (any, error) {
		product := 1.0
		for _, v := range values {
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			product *= f
		}
		return product, nil
	})
	r.RegisterAggregate("mean", func(values []any) (any, error) {
		if len(values) == 0 {
			return 0.0, nil
		}
		var sum float64
		for _, v := range values {
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			sum += f
		}
		return sum / float64(len(values)), nil
	})
	r.RegisterAggregate("min", func(values []any) (any, error) {
		return minMax(values, false)
	})
	r.RegisterAggregate("max", func(values []any) (any, error) {
		return minMax(values, true)
	})
}

func minMax(values []any, max bool) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	best, err := toFloat(values[0])
	if err != nil {
		return nil, err
	}
	for _, v := range values[1:] {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if (max && f > best) || (!max && f < best) {
			best = f
		}
	}
	return best, nil
}

package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func identityEval(row any, op Operand) (any, error) {
	if lit, ok := op.(Literal); ok {
		return lit.Value, nil
	}
	return NewEvaluator().evalOperand(&evalContext{resource: ""}, row, op)
}

func TestScalarStringFunctions(t *testing.T) {
	r := NewRegistry()

	v, err := r.Scalar("upper", nil, []Operand{Literal{Value: "abc"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, "ABC", v)

	v, err = r.Scalar("lower", nil, []Operand{Literal{Value: "ABC"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, "abc", v)

	v, err = r.Scalar("trim", nil, []Operand{Literal{Value: "  x  "}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, "x", v)

	v, err = r.Scalar("concat", nil, []Operand{Literal{Value: "a"}, Literal{Value: "b"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, "ab", v)

	v, err = r.Scalar("substring", nil, []Operand{Literal{Value: "hello"}, Literal{Value: 1}, Literal{Value: 3}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, "el", v)
}

func TestScalarSubstringOutOfRange(t *testing.T) {
	r := NewRegistry()
	_, err := r.Scalar("substring", nil, []Operand{Literal{Value: "hi"}, Literal{Value: 5}}, identityEval, nil)
	require.Error(t, err)
}

func TestScalarDateFunctions(t *testing.T) {
	r := NewRegistry()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	v, err := r.Scalar("dateadd", nil, []Operand{Literal{Value: fixed}, Literal{Value: 1}, Literal{Value: "month"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), v)

	v, err = r.Scalar("dateformat", nil, []Operand{Literal{Value: fixed}, Literal{Value: "2006-01-02"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, "2026-01-01", v)
}

func TestScalarIsUUIDRecognizesValidAndInvalid(t *testing.T) {
	r := NewRegistry()

	v, err := r.Scalar("isuuid", nil, []Operand{Literal{Value: "550e8400-e29b-41d4-a716-446655440000"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = r.Scalar("isuuid", nil, []Operand{Literal{Value: "not-a-uuid"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, false, v)
}

func TestScalarRefDereferencesRowByField(t *testing.T) {
	r := NewRegistry()
	lookup := func(resource, field string, value any) (any, bool, error) {
		require.Equal(t, "owners", resource)
		require.Equal(t, "id", field)
		require.Equal(t, 7, value)
		return map[string]any{"id": 7, "name": "ada"}, true, nil
	}

	v, err := r.Scalar("ref", nil, []Operand{
		Literal{Value: "owners"}, Literal{Value: "id"}, Literal{Value: 7},
	}, identityEval, lookup)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": 7, "name": "ada"}, v)
}

func TestScalarRefMissingLookupIsEvaluationError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Scalar("ref", nil, []Operand{
		Literal{Value: "owners"}, Literal{Value: "id"}, Literal{Value: 7},
	}, identityEval, nil)
	require.Error(t, err)
}

func TestScalarRefNoMatchReturnsNil(t *testing.T) {
	r := NewRegistry()
	lookup := func(resource, field string, value any) (any, bool, error) {
		return nil, false, nil
	}
	v, err := r.Scalar("ref", nil, []Operand{
		Literal{Value: "owners"}, Literal{Value: "id"}, Literal{Value: 99},
	}, identityEval, lookup)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestScalarBSONObjectIDRoundTripsTimestamp(t *testing.T) {
	r := NewRegistry()
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	restoreNow := nowFunc
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = restoreNow }()

	v, err := r.Scalar("bsonObjectId", nil, nil, identityEval, nil)
	require.NoError(t, err)
	id := v.(string)
	require.Len(t, id, 24)

	ts, err := r.Scalar("bsonObjectIdTimestamp", nil, []Operand{Literal{Value: id}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, time.Unix(fixed.Unix(), 0).UTC(), ts)
}

func TestScalarCollectionHelpers(t *testing.T) {
	r := NewRegistry()
	list := Literal{Value: []any{1, 2, 3}}

	v, err := r.Scalar("length", nil, []Operand{list}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, 3, v)

	v, err = r.Scalar("contains", nil, []Operand{list, Literal{Value: 2}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = r.Scalar("first", nil, []Operand{list}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = r.Scalar("last", nil, []Operand{list}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestScalarObjectHelpers(t *testing.T) {
	r := NewRegistry()
	obj := Literal{Value: map[string]any{"a": 1, "b": 2}}

	v, err := r.Scalar("keys", nil, []Operand{obj}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, v)

	v, err = r.Scalar("hasKey", nil, []Operand{obj, Literal{Value: "a"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = r.Scalar("hasKey", nil, []Operand{obj, Literal{Value: "z"}}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, false, v)

	v, err = r.Scalar("merge", nil, []Operand{
		obj, Literal{Value: map[string]any{"b": 99, "c": 3}},
	}, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1, "b": 99, "c": 3}, v)
}

func TestScalarMathEvalPrecedence(t *testing.T) {
	r := NewRegistry()
	// 2 + 3 * 4 - 1 = 13
	args := []Operand{
		Literal{Value: 2}, Literal{Value: "+"},
		Literal{Value: 3}, Literal{Value: "*"},
		Literal{Value: 4}, Literal{Value: "-"},
		Literal{Value: 1},
	}
	v, err := r.Scalar("mathEval", nil, args, identityEval, nil)
	require.NoError(t, err)
	require.Equal(t, 13.0, v)
}

func TestScalarMathEvalDivisionByZero(t *testing.T) {
	r := NewRegistry()
	args := []Operand{Literal{Value: 1}, Literal{Value: "/"}, Literal{Value: 0}}
	_, err := r.Scalar("mathEval", nil, args, identityEval, nil)
	require.Error(t, err)
}

func TestAggregateFunctions(t *testing.T) {
	r := NewRegistry()

	v, err := r.Aggregate("count", []any{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 3, v)

	v, err = r.Aggregate("sum", []any{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 6.0, v)

	v, err = r.Aggregate("mean", []any{2, 4})
	require.NoError(t, err)
	require.Equal(t, 3.0, v)

	v, err = r.Aggregate("min", []any{5, 1, 3})
	require.NoError(t, err)
	require.Equal(t, 1.0, v)

	v, err = r.Aggregate("max", []any{5, 1, 3})
	require.NoError(t, err)
	require.Equal(t, 5.0, v)
}

func TestUnknownFunctionIsEvaluationError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Scalar("doesNotExist", nil, nil, identityEval, nil)
	require.Error(t, err)
	var eerr *EvaluationError
	require.ErrorAs(t, err, &eerr)
}

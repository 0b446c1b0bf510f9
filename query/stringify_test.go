package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringifyLiteralEscapesQuotes(t *testing.T) {
	require.Equal(t, `'it\'s'`, stringifyLiteral("it's"))
}

func TestStringifyQueryRoundTrip(t *testing.T) {
	original := &Query{
		Resource: "people",
		Returns: []ReturnItem{
			{Expr: QueryField{Name: "name"}},
			{Expr: QueryField{Name: "age"}, Alias: "a"},
		},
		Predicate: FieldEvaluator{
			Op:    OpGreaterThanOrEqual,
			Left:  QueryField{Name: "age"},
			Right: Literal{Value: 18},
		},
		Orders: []OrderItem{{Expr: QueryField{Name: "age"}, Desc: true}},
		Limit:  2,
	}

	text := Stringify(original)
	reparsed, err := Parse(text)
	require.NoError(t, err)
	require.Equal(t, original, reparsed)
}

func TestStringifyQueryWithJoinRoundTrip(t *testing.T) {
	original := &Query{
		Resource: "person",
		Alias:    "p",
		Returns:  []ReturnItem{{Expr: QueryField{Resource: "p", Name: "name"}}},
		Joins: []Join{{
			Resource:   "orders",
			Alias:      "o",
			Type:       JoinInner,
			LeftField:  QueryField{Resource: "p", Name: "id"},
			RightField: QueryField{Resource: "o", Name: "pid"},
			Extra:      BooleanEvaluator{Value: true},
		}},
		Predicate: BooleanEvaluator{Value: true},
		Limit:     -1,
	}

	text := Stringify(original)
	reparsed, err := Parse(text)
	require.NoError(t, err)
	require.Equal(t, "person", reparsed.Resource)
	require.Equal(t, "p", reparsed.Alias)
	require.Len(t, reparsed.Joins, 1)
	require.Equal(t, original.Joins[0].LeftField, reparsed.Joins[0].LeftField)
	require.Equal(t, original.Joins[0].RightField, reparsed.Joins[0].RightField)
}

func TestStringifyPredicateOmitsTrivialTrue(t *testing.T) {
	q := &Query{Resource: "people", ReturnAll: true, Predicate: BooleanEvaluator{Value: true}, Limit: -1}
	text := stringifyQuery(q)
	require.NotContains(t, text, "WHERE")
}

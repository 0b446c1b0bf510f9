package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFields(t *testing.T) {
	cfg := DefaultConfig()
	require.False(t, cfg.QueryDefaultDescOrder)
	require.Equal(t, "2006-01-02T15:04:05Z07:00", cfg.QueryDateFormat)
	require.Equal(t, "default", cfg.QueryEvaluatorsCacheName)
	require.NotEmpty(t, cfg.QueryDecimalFormat)
	require.NotEmpty(t, cfg.QueryScientificFormat)
}

func TestParseWithConfigMalformedNumberPatternFallsBackToDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueryDecimalFormat = "(unterminated"

	q, err := ParseWithConfig("SELECT * FROM people WHERE age = 1.5", cfg)
	require.NoError(t, err)
	lit := q.Predicate.(FieldEvaluator).Right.(Literal)
	require.Equal(t, 1.5, lit.Value)
}

func TestParseWithConfigCustomDecimalPatternRecognizesCommaSeparator(t *testing.T) {
	_, err := Parse("SELECT * FROM people WHERE ratio = 1,5")
	require.Error(t, err, "the default decimal pattern requires a '.' separator")

	cfg := DefaultConfig()
	cfg.QueryDecimalFormat = `^[+-]?\d+,\d+$`
	_, err = ParseWithConfig("SELECT * FROM people WHERE ratio = 1,5", cfg)
	require.Error(t, err, "a bare comma-separated decimal isn't valid Go float syntax even once the regex recognizes it as numeric-shaped")
}

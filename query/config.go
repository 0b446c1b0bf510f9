package query

// Config holds the parse/evaluate-time knobs spec'd for the query engine
// as one JSON-tagged struct. The net core's JSON keys live on
// netsvc.FileConfig; netsvc.Config itself carries no tags.
type Config struct {
	// QueryDefaultDescOrder is the sort direction ORDER BY items take when
	// neither "ASC" nor "DESC" is written explicitly.
	QueryDefaultDescOrder bool `json:"query_default_desc_order"`
	// QueryDateFormat is the Go reference-time layout a rich-text literal is
	// tried against before falling back to a plain string literal.
	QueryDateFormat string `json:"query_date_format"`
	// QueryDecimalFormat and QueryScientificFormat override the regular
	// expressions used to recognize decimal and scientific-notation number
	// literals. A matched literal must still parse with strconv.ParseFloat,
	// so a ',' decimal separator is not accepted.
	QueryDecimalFormat    string `json:"query_decimal_format"`
	QueryScientificFormat string `json:"query_scientific_format"`
	// QueryEvaluatorsCacheName tags the per-invocation evaluator cache in
	// log output, so multiple Evaluator instances sharing one process (one
	// per tenant, say) can be told apart in a shared log stream.
	QueryEvaluatorsCacheName string `json:"query_evaluators_cache_name"`
}

// DefaultConfig mirrors netsvc.DefaultConfig's role: a Config with every
// field set to the value Parse/Evaluate have always behaved as before this
// type existed, so adopting Config is a no-op until a caller overrides a
// field.
func DefaultConfig() Config {
	return Config{
		QueryDefaultDescOrder:    false,
		QueryDateFormat:          "2006-01-02T15:04:05Z07:00",
		QueryDecimalFormat:       defaultDecimalPattern,
		QueryScientificFormat:    defaultScientificPattern,
		QueryEvaluatorsCacheName: "default",
	}
}

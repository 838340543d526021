package vector

// Filter is a boolean combination of field conditions applied server-side
// during similarity search. Must conditions all have to hold, should
// conditions boost, must-not conditions exclude.
type Filter struct {
	Must    []Condition `json:"must,omitempty"`
	Should  []Condition `json:"should,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
}

// Empty reports whether the filter constrains anything.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0)
}

// Condition matches one payload field.
type Condition struct {
	Key   string `json:"key"`
	Match *Match `json:"match,omitempty"`
	Range *Range `json:"range,omitempty"`
}

// Match is an equality or set-membership predicate.
type Match struct {
	Value interface{}   `json:"value,omitempty"`
	Any   []interface{} `json:"any,omitempty"`
}

// Range is a numeric interval predicate. Nil bounds are open.
type Range struct {
	GTE *float64 `json:"gte,omitempty"`
	LTE *float64 `json:"lte,omitempty"`
}

// MatchValue builds an equality condition.
func MatchValue(key string, value interface{}) Condition {
	return Condition{Key: key, Match: &Match{Value: value}}
}

// MatchAny builds a set-membership condition.
func MatchAny(key string, values ...interface{}) Condition {
	return Condition{Key: key, Match: &Match{Any: values}}
}

// RangeGTE builds a lower-bounded numeric condition.
func RangeGTE(key string, min float64) Condition {
	return Condition{Key: key, Range: &Range{GTE: &min}}
}

// Point is a stored vector with its payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Package record defines LogRecord, the engine's unit of dispatch: an
// immutable, fully-formed log event produced once by the subscriber and
// handed by value to every enabled sink.
package record

import "time"

// Level is one of the five severities the engine admits.
type Level string

const (
	Trace Level = "TRACE"
	Debug Level = "DEBUG"
	Info  Level = "INFO"
	Warn  Level = "WARN"
	Error Level = "ERROR"
)

var levelOrder = map[Level]int{
	Trace: 0,
	Debug: 1,
	Info:  2,
	Warn:  3,
	Error: 4,
}

// ParseLevel validates a level string, returning ok=false for anything not
// in the fixed set.
func ParseLevel(s string) (Level, bool) {
	l := Level(s)
	_, ok := levelOrder[l]
	return l, ok
}

// GE reports whether l is at least as severe as other.
func (l Level) GE(other Level) bool {
	return levelOrder[l] >= levelOrder[other]
}

// Field is one ordered key/value pair of a record's structured attachments.
// Value is JSON-representable: string, number, bool, nil, []Field (nested
// object), or []interface{} of the same.
type Field struct {
	Key   string
	Value interface{}
}

// LogRecord is one emitted event. Once constructed it is never mutated;
// each sink worker receives its own copy (see Clone), so sinks cannot
// observe or influence each other through shared record state.
type LogRecord struct {
	Timestamp time.Time // UTC, millisecond resolution
	Level     Level
	Target    string // emitter module path, <=255 chars
	Message   string
	Fields    []Field // ordered; may be empty
	File      string  // optional source path
	Line      uint32  // optional; meaningful only when HasLine is true
	HasLine   bool
	ThreadID  string
	TraceID   string // optional OpenTelemetry enrichment
	SpanID    string // optional OpenTelemetry enrichment
}

// Clone returns an independent deep copy suitable for handing to a worker
// that must not share mutable state with any other worker's copy.
func (r LogRecord) Clone() LogRecord {
	cp := r
	if r.Fields != nil {
		cp.Fields = make([]Field, len(r.Fields))
		for i, f := range r.Fields {
			cp.Fields[i] = Field{Key: f.Key, Value: cloneValue(f.Value)}
		}
	}
	return cp
}

func cloneValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case []Field:
		out := make([]Field, len(vv))
		for i, f := range vv {
			out[i] = Field{Key: f.Key, Value: cloneValue(f.Value)}
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// FieldsToMap flattens the ordered Fields into a map for JSON
// serialization (database sink, fallback file). Order is not preserved by
// a map; callers that need order should walk Fields directly.
func (r LogRecord) FieldsToMap() map[string]interface{} {
	if len(r.Fields) == 0 {
		return nil
	}
	m := make(map[string]interface{}, len(r.Fields))
	for _, f := range r.Fields {
		m[f.Key] = valueToPlain(f.Value)
	}
	return m
}

func valueToPlain(v interface{}) interface{} {
	switch vv := v.(type) {
	case []Field:
		m := make(map[string]interface{}, len(vv))
		for _, f := range vv {
			m[f.Key] = valueToPlain(f.Value)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = valueToPlain(e)
		}
		return out
	default:
		return v
	}
}

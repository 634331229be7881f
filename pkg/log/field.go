package log

import "time"

// Field is one piece of structured context attached to a log call.
type Field struct {
	Key   string
	Value interface{}
}

// Str builds a string Field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int Field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 builds an int64 Field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool builds a bool Field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration builds a Field holding a time.Duration.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Any builds a Field from an arbitrary value.
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// Err builds an "error" Field from an error value.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component builds a Field tagging the emitting component, keyed by
// ComponentKey.
func Component(name string) Field { return Field{Key: ComponentKey, Value: name} }

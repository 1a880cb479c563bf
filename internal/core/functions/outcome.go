package functions

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	"cloudfunctions/internal/core/codeunit"
)

// Status is the polarity of an invocation outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Outcome is the transient result of one invocation.
//
// Its JSON form is {"status": ..., "result": ...} when the entry point
// returned, and {"status": "error", "error": ...} when it could not be loaded
// or raised while running.
type Outcome struct {
	FunctionName string
	InvocationID string
	Status       Status
	Result       any
	Error        string
	Duration     time.Duration

	// Err is the classified cause (ErrLoad or ErrExecution) behind Error.
	Err error
}

// Succeeded reports whether the outcome is a success.
func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Failed reports whether loading or running faulted, as opposed to a falsy return value.
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

// newResultOutcome takes the unit's own truthiness when the runtime reported
// a codeunit.Verdict and falls back to Truthy otherwise.
func newResultOutcome(name, invocationID string, result any) *Outcome {
	truthy := Truthy(result)
	if v, ok := result.(codeunit.Verdict); ok {
		result, truthy = v.Value, v.Truthy
	}
	status := StatusError
	if truthy {
		status = StatusSuccess
	}
	return &Outcome{FunctionName: name, InvocationID: invocationID, Status: status, Result: result}
}

func newErrorOutcome(name, invocationID string, err error) *Outcome {
	return &Outcome{
		FunctionName: name,
		InvocationID: invocationID,
		Status:       StatusError,
		Error:        err.Error(),
		Err:          err,
	}
}

// MarshalJSON keeps "result" present (even when null) unless the outcome carries an error.
func (o *Outcome) MarshalJSON() ([]byte, error) {
	if o.Err != nil || o.Error != "" {
		return json.Marshal(struct {
			Status Status `json:"status"`
			Error  string `json:"error"`
		}{o.Status, o.Error})
	}
	return json.Marshal(struct {
		Status Status `json:"status"`
		Result any    `json:"result"`
	}{o.Status, o.Result})
}

// UnmarshalJSON is the inverse of MarshalJSON; numbers decode as json.Number.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var wire struct {
		Status Status `json:"status"`
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return err
	}
	o.Status, o.Result, o.Error = wire.Status, wire.Result, wire.Error
	return nil
}

// Truthy decides success from a returned value: nil, false, zero numbers,
// empty strings and empty collections are all failures.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String() != "0"
		}
		return f != 0
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(t, &decoded); err != nil {
			return len(bytes.TrimSpace(t)) > 0
		}
		return Truthy(decoded)
	case float64:
		return t != 0
	case float32:
		return t != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Map, reflect.Slice, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return false
		}
		return Truthy(rv.Elem().Interface())
	}
	return true
}

package codeunit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ResultMarker prefixes the single stdout line carrying the JSON-encoded
// return value of run().
const ResultMarker = "__CLOUDFUNCTIONS_RESULT__"

// TruthMarker prefixes the line, printed right before the result line, on
// which the unit states the truthiness of its own return value.
const TruthMarker = "__CLOUDFUNCTIONS_TRUTHY__"

// ExitLoadFailure is the exit status the bootstrap uses when the entry file
// cannot be imported or has no run attribute.
const ExitLoadFailure = 3

// PythonBootstrap imports the entry file given as argv[1], calls run() with
// no arguments and prints bool(result) followed by the marker line. Values
// JSON cannot carry are written as strings; non-finite floats become
// "NaN", "Infinity" or "-Infinity".
const PythonBootstrap = `import importlib.util, json, math, sys, traceback

def _load(path):
    try:
        spec = importlib.util.spec_from_file_location("cloudfunction", path)
        module = importlib.util.module_from_spec(spec)
        spec.loader.exec_module(module)
        return getattr(module, "run")
    except Exception:
        traceback.print_exc()
        sys.exit(3)

def _plain(value):
    if isinstance(value, float) and not math.isfinite(value):
        if math.isnan(value):
            return "NaN"
        return "Infinity" if value > 0 else "-Infinity"
    if isinstance(value, dict):
        return {k: _plain(v) for k, v in value.items()}
    if isinstance(value, (list, tuple)):
        return [_plain(v) for v in value]
    return value

def _encode(value):
    try:
        return json.dumps(_plain(value), default=str, allow_nan=False)
    except (TypeError, ValueError):
        return json.dumps(str(value))

run = _load(sys.argv[1])
result = run()
truthy = "true" if bool(result) else "false"
sys.stdout.write("\n` + TruthMarker + ` " + truthy + "\n")
sys.stdout.write("` + ResultMarker + ` " + _encode(result) + "\n")
sys.stdout.flush()
`

// Verdict is a return value whose truthiness the unit decided itself.
type Verdict struct {
	Value  any
	Truthy bool
}

// PythonCommand is the argv that runs entry through the bootstrap.
func PythonCommand(interpreter, entry string) []string {
	return []string{interpreter, "-c", PythonBootstrap, entry}
}

// ParseResult finds the last marker line in stdout and decodes its payload.
// found is false when the unit printed no marker, meaning run() produced
// nothing. When a truth line directly precedes the marker line, the result is
// a Verdict carrying it.
func ParseResult(stdout []byte) (result any, found bool, err error) {
	var (
		payload string
		pending *bool
		truthy  *bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.Index(line, TruthMarker); idx >= 0 {
			v := strings.TrimSpace(line[idx+len(TruthMarker):]) == "true"
			pending = &v
			continue
		}
		if idx := strings.Index(line, ResultMarker); idx >= 0 {
			payload = strings.TrimSpace(line[idx+len(ResultMarker):])
			found = true
			truthy, pending = pending, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("scan output: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	if payload != "" {
		if result, err = DecodeJSON([]byte(payload)); err != nil {
			return nil, true, fmt.Errorf("decode result: %w", err)
		}
	}
	if truthy != nil {
		return Verdict{Value: result, Truthy: *truthy}, true, nil
	}
	return result, true, nil
}

// DecodeJSON decodes a single JSON value keeping numbers as json.Number.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Tail returns at most n trailing bytes of b as trimmed text, for error messages.
func Tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

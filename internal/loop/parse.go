package loop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smilelab/smile/internal/state"
)

// ErrNoJSON means no JSON object could be found in the runner output,
// even after the recovery pass. Per the runner contract this outcome is
// recorded as cannot_complete with reason "malformed output", not
// rejected.
var ErrNoJSON = errors.New("no JSON object in runner output")

// ParseStudentOutput decodes raw runner output into a StudentOutput.
// Parsing is strict with a single recovery pass: when the raw bytes are
// not a valid student output, the first balanced {...} region is
// extracted and decoded. The returned bytes are the object region the
// parse settled on, for shape validation by the caller.
//
// A raw blob with no recoverable object returns MalformedStudentOutput
// and ErrNoJSON; an object that decodes to the wrong types wraps
// ErrInvalidSubmission. Required-when field rules are the controller's
// to enforce.
func ParseStudentOutput(raw []byte) (state.StudentOutput, []byte, error) {
	var out state.StudentOutput
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, raw, nil
	}

	recovered, ok := extractJSON(raw)
	if !ok {
		return MalformedStudentOutput(), nil, ErrNoJSON
	}
	if err := json.Unmarshal(recovered, &out); err != nil {
		return state.StudentOutput{}, recovered, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return out, recovered, nil
}

// MalformedStudentOutput is the synthesized result recorded when runner
// output cannot be parsed after recovery.
func MalformedStudentOutput() state.StudentOutput {
	return state.StudentOutput{
		Status:      state.StudentCannotComplete,
		CurrentStep: "unknown",
		Reason:      "malformed output",
		Summary:     "runner output could not be parsed",
	}
}

// extractJSON returns the first balanced top-level {...} region.
func extractJSON(data []byte) ([]byte, bool) {
	start := bytes.IndexByte(data, '{')
	if start == -1 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(data); i++ {
		b := data[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return data[start : i+1], true
			}
		}
	}
	return nil, false
}

package notify

import (
	"encoding/json"

	"cloudfunctions/internal/core/functions"
)

// Request is the optional body of an invocation.
type Request struct {
	Notify Endpoints `json:"notify"`
}

// Endpoints are the callback URLs per outcome polarity.
type Endpoints struct {
	OnSuccess string `json:"on_success,omitempty"`
	OnError   string `json:"on_error,omitempty"`
	OnFailure string `json:"on_failure,omitempty" swaggerignore:"true"`
}

// ParseTargets extracts callback targets from an invocation request body.
// "on_failure" is accepted for the failure URL too. A body that is empty or
// not valid JSON yields no targets.
func ParseTargets(body []byte) functions.Targets {
	var req Request
	if len(body) == 0 || json.Unmarshal(body, &req) != nil {
		return functions.Targets{}
	}
	targets := functions.Targets{OnSuccess: req.Notify.OnSuccess, OnFailure: req.Notify.OnError}
	if targets.OnFailure == "" {
		targets.OnFailure = req.Notify.OnFailure
	}
	return targets
}

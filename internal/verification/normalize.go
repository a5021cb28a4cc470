package verification

import "net/http"

// Response status values.
const (
	StatusOkay    = "okay"
	StatusFailure = "failure"
)

// Normalize maps an outcome onto the public response contract. Every
// outcome, including pool failures, is answered with 200: a failed
// verification is a legitimate answer, not a transport error.
//
// The audience echoed on success is the caller's own value, never the one
// the worker normalized, so callers can string-match it.
func Normalize(out Outcome, audience string) (int, map[string]any) {
	if out.Kind != OutcomeSuccess || out.Success == nil {
		reason := out.Reason
		if reason == "" {
			reason = ReasonNoResponse
		}
		return http.StatusOK, FailureBody(reason)
	}

	body := make(map[string]any, len(out.Success.Claims)+3)
	for k, v := range out.Success.Claims {
		body[k] = v
	}
	body["status"] = StatusOkay
	body["audience"] = audience
	body["expires"] = out.Success.Expires.UnixMilli()
	return http.StatusOK, body
}

// FailureBody is the JSON body for any failure response.
func FailureBody(reason string) map[string]any {
	return map[string]any{
		"status": StatusFailure,
		"reason": reason,
	}
}

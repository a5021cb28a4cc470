package verification

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	exp := time.UnixMilli(1_700_000_000_000)
	testCases := []struct {
		name   string
		res    *Result
		err    error
		kind   OutcomeKind
		reason string
	}{
		{"transport error", nil, errors.New("enqueue canceled"), OutcomeFailure, "enqueue canceled"},
		{"transport error wins over success", &Result{Success: &Success{}}, errors.New("boom"), OutcomeFailure, "boom"},
		{"application error", &Result{Error: "assertion has expired"}, nil, OutcomeFailure, "assertion has expired"},
		{"nil result", nil, nil, OutcomeFailure, ReasonNoResponse},
		{"missing success", &Result{ID: "j"}, nil, OutcomeFailure, ReasonNoResponse},
		{"success without expiry", &Result{Success: &Success{Audience: "a"}}, nil, OutcomeFailure, ReasonNoResponse},
		{"success expiring at epoch", &Result{Success: &Success{Audience: "a", Expires: time.UnixMilli(0)}}, nil, OutcomeFailure, ReasonNoResponse},
		{"success", &Result{Success: &Success{Audience: "a", Expires: exp}}, nil, OutcomeSuccess, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := Classify(tc.res, tc.err)
			require.Equal(t, tc.kind, out.Kind)
			require.Equal(t, tc.reason, out.Reason)
		})
	}
}

func TestNormalize_Success(t *testing.T) {
	t.Parallel()

	exp := time.UnixMilli(1_700_000_123_456)
	out := Succeeded(Success{
		Claims:   map[string]any{"email": "user@example.com", "status": "spoofed", "issuer": "login.example.com"},
		Audience: "https://rp.example.com",
		Expires:  exp,
	})

	status, body := Normalize(out, "HTTPS://RP.example.com:443")

	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "okay", body["status"])
	require.Equal(t, "HTTPS://RP.example.com:443", body["audience"])
	require.Equal(t, int64(1_700_000_123_456), body["expires"])
	require.Equal(t, "user@example.com", body["email"])
	require.Equal(t, "login.example.com", body["issuer"])
}

func TestNormalize_Failures(t *testing.T) {
	t.Parallel()

	status, body := Normalize(Failed("assertion has expired"), "rp")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, map[string]any{"status": "failure", "reason": "assertion has expired"}, body)

	status, body = Normalize(PoolFailed(), "rp")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, ReasonNoResponse, body["reason"])

	status, body = Normalize(Outcome{Kind: OutcomeSuccess}, "rp")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "failure", body["status"])
}

func TestUnsupportedContentType(t *testing.T) {
	t.Parallel()

	err := UnsupportedContentType("text/plain")
	require.Equal(t, http.StatusUnsupportedMediaType, err.Status())
	require.Equal(t,
		"Unsupported Content-Type: text/plain. Content-Type expected to be one of: "+
			"application/x-www-form-urlencoded, application/json",
		err.Reason,
	)
	require.Contains(t, UnsupportedContentType("").Reason, "Unsupported Content-Type: none.")
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("validate: %w", ErrMissingFields)
	require.Equal(t, KindMissingFields, KindOf(wrapped))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))

	e, ok := AsError(wrapped)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, e.Status())

	cause := errors.New("read failed")
	werr := WrapError(KindBodyTooLarge, "request body too large", cause)
	require.ErrorIs(t, werr, cause)
	require.Equal(t, http.StatusRequestEntityTooLarge, werr.Status())
}

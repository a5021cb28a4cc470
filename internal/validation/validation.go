// Package validation extracts verification requests from HTTP requests.
package validation

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

// Request field names.
const (
	FieldAssertion       = "assertion"
	FieldAudience        = "audience"
	FieldForceIssuer     = "experimental_forceIssuer"
	FieldAllowUnverified = "experimental_allowUnverified"
)

// Validate reads the verification fields from r. Query values take
// precedence over body values when non-empty. The returned error is a
// *verification.Error of kind KindUnsupportedContentType or KindMissingFields.
func Validate(r *http.Request) (verification.Request, error) {
	query := r.URL.Query()
	body := readBody(r)

	req := verification.Request{
		Assertion:       pick(query, body, FieldAssertion),
		Audience:        pick(query, body, FieldAudience),
		ForceIssuer:     pick(query, body, FieldForceIssuer),
		AllowUnverified: truthy(query.Get(FieldAllowUnverified)) || truthyValue(body[FieldAllowUnverified]),
	}

	if req.Assertion != "" && req.Audience != "" {
		return req, nil
	}

	header := r.Header.Get("Content-Type")
	if _, ok := acceptedMediaType(header); !ok {
		return req, verification.UnsupportedContentType(header)
	}
	return req, verification.ErrMissingFields
}

func acceptedMediaType(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "", false
	}
	switch mediaType {
	case verification.MediaTypeForm, verification.MediaTypeJSON:
		return mediaType, true
	default:
		return mediaType, false
	}
}

// readBody decodes body fields for accepted media types. Malformed or
// unreadable bodies yield no fields. The body is restored for later readers.
func readBody(r *http.Request) map[string]any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	mediaType, ok := acceptedMediaType(r.Header.Get("Content-Type"))
	if !ok {
		return nil
	}
	raw, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return nil
	}

	switch mediaType {
	case verification.MediaTypeForm:
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil
		}
		fields := make(map[string]any, len(values))
		for k := range values {
			fields[k] = values.Get(k)
		}
		return fields
	case verification.MediaTypeJSON:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil {
			return nil
		}
		return fields
	}
	return nil
}

func pick(query url.Values, body map[string]any, name string) string {
	if v := query.Get(name); v != "" {
		return v
	}
	return stringValue(body[name])
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// truthy applies the boolean rule to a textual value: non-empty and not
// "false" or "0", case-insensitively.
func truthy(s string) bool {
	if s == "" {
		return false
	}
	switch strings.ToLower(s) {
	case "false", "0":
		return false
	}
	return true
}

func truthyValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return truthy(t)
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		return err == nil && f != 0
	default:
		return false
	}
}

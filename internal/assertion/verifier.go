// Package assertion verifies signed identity assertions inside a compute
// worker. Assertions are JWTs signed by an issuer whose public key is
// installed under $VAR_PATH/issuers.
package assertion

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

// Failure reasons returned to relying parties.
const (
	ReasonExpired          = "assertion has expired"
	ReasonAudienceMismatch = "audience mismatch"
	ReasonUnverifiedEmail  = "email is not verified"
	ReasonMissingIssuer    = "assertion has no issuer"
)

// registered claims are consumed by verification and not echoed back.
var registered = []string{"iss", "aud", "exp", "nbf", "iat", "jti"}

// Verifier checks assertions against a fixed key set.
type Verifier struct {
	keys KeySet
	now  func() time.Time
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithNow overrides the time source used for expiry checks.
func WithNow(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier builds a Verifier over keys.
func NewVerifier(keys KeySet, opts ...Option) *Verifier {
	v := &Verifier{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks job's assertion. The returned error text is the failure
// reason reported to the caller.
func (v *Verifier) Verify(job verification.Job) (*verification.Success, error) {
	issuer, err := unverifiedIssuer(job.Assertion)
	if err != nil {
		return nil, err
	}
	if job.ForceIssuer != "" && issuer != job.ForceIssuer {
		return nil, fmt.Errorf("issuer mismatch: expected %s, got %s", job.ForceIssuer, issuer)
	}
	key, ok := v.keys[issuer]
	if !ok {
		return nil, fmt.Errorf("unknown issuer: %s", issuer)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(job.Assertion, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods(methodsFor(key)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New(ReasonExpired)
		}
		return nil, fmt.Errorf("invalid assertion: %w", err)
	}

	audiences, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("invalid assertion: %w", err)
	}
	want := NormalizeAudience(job.Audience)
	matched := ""
	for _, aud := range audiences {
		if NormalizeAudience(aud) == want {
			matched = want
			break
		}
	}
	if matched == "" {
		return nil, errors.New(ReasonAudienceMismatch)
	}

	if verified, ok := claims["email_verified"].(bool); ok && !verified && !job.AllowUnverified {
		return nil, errors.New(ReasonUnverifiedEmail)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("invalid assertion: %w", jwt.ErrTokenRequiredClaimMissing)
	}

	out := make(map[string]any, len(claims)+1)
	for k, val := range claims {
		out[k] = val
	}
	for _, k := range registered {
		delete(out, k)
	}
	out["issuer"] = issuer

	return &verification.Success{
		Claims:   out,
		Audience: matched,
		Expires:  exp.UTC(),
	}, nil
}

func unverifiedIssuer(assertion string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("malformed assertion: %w", err)
	}
	issuer, err := token.Claims.GetIssuer()
	if err != nil {
		return "", fmt.Errorf("malformed assertion: %w", err)
	}
	if issuer == "" {
		return "", errors.New(ReasonMissingIssuer)
	}
	return issuer, nil
}

// NormalizeAudience canonicalizes an origin-style audience: scheme and host
// are lowercased, a default port is dropped and a trailing slash ignored.
// Values that are not absolute URLs are only stripped of a trailing slash.
func NormalizeAudience(audience string) string {
	u, err := url.Parse(strings.TrimSpace(audience))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimSuffix(audience, "/")
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host + strings.TrimSuffix(u.EscapedPath(), "/")
}

package compute

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

type stubVerifier struct{}

func (stubVerifier) Verify(job verification.Job) (*verification.Success, error) {
	if job.Assertion == "bad" {
		return nil, errors.New("assertion has expired")
	}
	return &verification.Success{
		Claims:   map[string]any{"email": "user@example.com"},
		Audience: job.Audience,
		Expires:  time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func decodeResults(t *testing.T, out *bytes.Buffer) []verification.Result {
	t.Helper()
	var results []verification.Result
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var res verification.Result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &res))
		results = append(results, res)
	}
	return results
}

func TestServeAnswersInOrder(t *testing.T) {
	t.Parallel()

	in := strings.NewReader(
		`{"id":"1","assertion":"good","audience":"https://a.example","allowUnverified":false}` + "\n" +
			`{"id":"2","assertion":"bad","audience":"https://b.example","allowUnverified":false}` + "\n",
	)
	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), in, &out, stubVerifier{}, nil))

	results := decodeResults(t, &out)
	require.Len(t, results, 2)
	require.Equal(t, "1", results[0].ID)
	require.NotNil(t, results[0].Success)
	require.Equal(t, "https://a.example", results[0].Success.Audience)
	require.Empty(t, results[0].Error)

	require.Equal(t, "2", results[1].ID)
	require.Nil(t, results[1].Success)
	require.Equal(t, "assertion has expired", results[1].Error)
}

func TestServeRejectsGarbage(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := Serve(context.Background(), strings.NewReader("not json\n"), &out, stubVerifier{}, nil)
	require.ErrorContains(t, err, "decode job")
	require.Zero(t, out.Len())
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := Serve(ctx, strings.NewReader(`{"id":"1"}`+"\n"), &out, stubVerifier{}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/clearinghouse/pkg/verify"
)

func newRemote(t *testing.T, handler http.HandlerFunc) *Remote {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limits, err := ParseLimits(Config{})
	require.NoError(t, err)
	r, err := NewRemote(srv.URL, "", limits, nil, nil)
	require.NoError(t, err)
	return r
}

func TestRemoteExecute(t *testing.T) {
	r := newRemote(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/execute", req.URL.Path)
		var in remoteRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		assert.Equal(t, "python", in.Language)
		assert.Equal(t, "print(2+3)", in.Code)
		assert.Equal(t, int64(2000), in.TimeoutMS)
		json.NewEncoder(w).Encode(remoteResponse{Stdout: "5\n"})
	})

	res, err := r.Execute(context.Background(), verify.ExecRequest{Code: "print(2+3)", Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, verify.ExecResult{Stdout: "5\n"}, res)
}

func TestRemoteFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		timeout bool
	}{
		{"timed out", func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(remoteResponse{TimedOut: true})
		}, true},
		{"service error", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, false},
		{"reported error", func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(remoteResponse{Error: "vm unavailable"})
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRemote(t, tt.handler)
			_, err := r.Execute(context.Background(), verify.ExecRequest{Code: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.timeout, errors.Is(err, verify.ErrExecTimeout))
		})
	}
}

func TestRemoteNonZeroExitIsNotAFault(t *testing.T) {
	r := newRemote(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(remoteResponse{ExitCode: 1, Stderr: "Traceback"})
	})
	res, err := verify.NewCodeExecutionStrategy(r).Evaluate(context.Background(), verify.Request{Payload: "raise"})
	require.NoError(t, err)
	assert.Equal(t, verify.ReasonExecFailure, res.Reason)
}

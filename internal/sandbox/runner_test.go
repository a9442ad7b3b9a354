package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runnerReply(stdout, stderr, signal string) string {
	reply, _ := json.Marshal(map[string]any{
		"run": map[string]any{
			"stdout": stdout,
			"stderr": stderr,
			"code":   0,
			"signal": signal,
		},
	})
	return string(reply)
}

func newTestRunner(url string, maxOutput int64, retries int) *Runner {
	return NewRunner(url, "python3", maxOutput, retries, time.Millisecond, testLogger())
}

func TestRunner_Execute(t *testing.T) {
	t.Run("returns stdout and passes the budget through", func(t *testing.T) {
		var gotReq runnerRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			_, _ = w.Write([]byte(runnerReply("hello\n", "", "")))
		}))
		defer srv.Close()

		runner := newTestRunner(srv.URL, 1<<20, 1)

		stdout, err := runner.Execute(context.Background(), "print('hello')", 4*time.Second)

		require.NoError(t, err)
		assert.Equal(t, "hello\n", stdout)
		assert.Equal(t, "python3", gotReq.Language)
		assert.Equal(t, int64(4000), gotReq.RunTimeoutMs)
		require.Len(t, gotReq.Files, 1)
		assert.Equal(t, "print('hello')", gotReq.Files[0].Content)
	})

	t.Run("retries transient 5xx", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(runnerReply("ok", "", "")))
		}))
		defer srv.Close()

		runner := newTestRunner(srv.URL, 1<<20, 2)

		stdout, err := runner.Execute(context.Background(), "p", time.Second)

		require.NoError(t, err)
		assert.Equal(t, "ok", stdout)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("gives up after retry budget", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		runner := newTestRunner(srv.URL, 1<<20, 2)

		_, err := runner.Execute(context.Background(), "p", time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInfrastructure)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("4xx is not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		runner := newTestRunner(srv.URL, 1<<20, 3)

		_, err := runner.Execute(context.Background(), "p", time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInfrastructure)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("output limit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(runnerReply(strings.Repeat("x", 200), "", "")))
		}))
		defer srv.Close()

		runner := newTestRunner(srv.URL, 100, 1)

		_, err := runner.Execute(context.Background(), "p", time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrOutputLimit)
	})

	t.Run("print bomb past the response cap", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(runnerReply(strings.Repeat("x", 1000), "", "")))
		}))
		defer srv.Close()

		runner := newTestRunner(srv.URL, 100, 1)

		_, err := runner.Execute(context.Background(), "p", time.Second)

		// a truncated body is an output limit verdict, not an unparsable
		// response
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrOutputLimit)
	})

	t.Run("sigkill maps to timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(runnerReply("", "", "SIGKILL")))
		}))
		defer srv.Close()

		runner := newTestRunner(srv.URL, 1<<20, 1)

		_, err := runner.Execute(context.Background(), "while True: pass", time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("unreachable backend", func(t *testing.T) {
		runner := newTestRunner("http://127.0.0.1:1", 1<<20, 1)

		_, err := runner.Execute(context.Background(), "p", time.Second)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInfrastructure)
	})
}

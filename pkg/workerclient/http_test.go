package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dio/internal/model"
	"dio/pkg/logger"
)

func TestPredict_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))

		var req model.PredictRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama", req.ModelID)
		assert.Equal(t, []byte("hello"), req.Payload)

		_ = json.NewEncoder(w).Encode(model.PredictResponse{Output: []byte("world"), LatencyMs: 12, TokensUsed: 7})
	}))
	defer srv.Close()

	c := New(time.Second)
	ctx := logger.WithTraceID(context.Background(), "req-1")
	resp, err := c.Predict(ctx, srv.URL, &model.PredictRequest{ModelID: "llama", Payload: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), resp.Output)
	assert.EqualValues(t, 12, resp.LatencyMs)
	assert.EqualValues(t, 7, resp.TokensUsed)
}

func TestPredict_WorkerErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		status  int
		message string
	}{
		{
			name: "non-2xx status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"out of memory"}`))
			},
			status:  http.StatusInternalServerError,
			message: "out of memory",
		},
		{
			name: "error field in body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
			},
			message: "model not loaded",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
			status:  http.StatusOK,
			message: "invalid predict response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := New(time.Second).Predict(context.Background(), srv.URL, &model.PredictRequest{ModelID: "m"})
			var werr *model.WorkerError
			require.True(t, errors.As(err, &werr))
			assert.Equal(t, tt.status, werr.StatusCode)
			assert.Contains(t, werr.Message, tt.message)
		})
	}
}

func TestPredict_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(time.Second).Predict(ctx, srv.URL, &model.PredictRequest{ModelID: "m"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCheckHealth(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := New(time.Second)
	require.NoError(t, c.CheckHealth(context.Background(), srv.URL))

	unhealthy.Store(true)
	err := c.CheckHealth(context.Background(), srv.URL)
	var werr *model.WorkerError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, http.StatusServiceUnavailable, werr.StatusCode)

	// schemeless addresses default to http
	unhealthy.Store(false)
	require.NoError(t, c.CheckHealth(context.Background(), strings.TrimPrefix(srv.URL, "http://")))
}

func TestCheckHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	err := New(time.Second).CheckHealth(context.Background(), addr)
	require.Error(t, err)
	var werr *model.WorkerError
	assert.False(t, errors.As(err, &werr), "transport failures are not worker errors")
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/domain"
	"github.com/hochfrequenz/pr-preview-orchestrator/internal/logbuf"
	"github.com/hochfrequenz/pr-preview-orchestrator/web/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(w http.ResponseWriter, code int, resp api.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func TestClient_Start(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pr/start", r.URL.Path)
		var req api.StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 12, req.PRNumber)
		assert.Equal(t, "/ws/dir", req.TempDir)
		reply(w, http.StatusOK, api.Response{Success: true, Data: api.StartResponse{ProcessID: 99}})
	}))
	defer srv.Close()

	pid, err := New(srv.URL).Start(context.Background(), 12, "/ws/dir")
	require.NoError(t, err)
	assert.Equal(t, 99, pid)
}

func TestClient_ErrorsMapToCategories(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, domain.ErrValidation},
		{http.StatusNotFound, domain.ErrNotFound},
		{http.StatusConflict, domain.ErrConflict},
		{http.StatusBadGateway, domain.ErrGit},
		{http.StatusGatewayTimeout, domain.ErrTimeout},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reply(w, tt.status, api.Response{Message: "nope"})
		}))
		_, err := New(srv.URL).Logs(context.Background(), 1)
		srv.Close()

		require.Error(t, err)
		assert.True(t, errors.Is(err, tt.want), "status %d: %v", tt.status, err)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "nope", apiErr.Message)
	}
}

func TestClient_CloneFailureKeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusBadGateway, api.Response{
			Message: "git clone: fatal: Remote branch nope not found",
			Data:    api.SessionResponse{PRNumber: 3, State: "failed"},
		})
	}))
	defer srv.Close()

	sess, err := New(srv.URL).Clone(context.Background(), api.CloneRequest{PRNumber: 3})
	require.ErrorIs(t, err, domain.ErrGit)
	require.NotNil(t, sess)
	assert.Equal(t, "failed", sess.State)
}

func TestClient_Sessions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		reply(w, http.StatusOK, api.Response{Success: true, Data: []api.SessionResponse{{PRNumber: 1}, {PRNumber: 2}}})
	}))
	defer srv.Close()

	sessions, err := New(srv.URL + "/").Sessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestClient_NotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Sessions(context.Background())
	assert.ErrorContains(t, err, "HTTP 503")
}

func TestClient_Follow(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pr/logs/stream", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("prNumber"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for i, text := range []string{"one", "two"} {
			conn.WriteJSON(logbuf.Line{Seq: uint64(i + 1), Stream: logbuf.StreamStdout, Text: text, Time: time.Now()})
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var got []string
	err := New(srv.URL).Follow(context.Background(), 5, func(l logbuf.Line) {
		got = append(got, l.Text)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestClient_FollowUnknownPR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusNotFound, api.Response{Message: "no session"})
	}))
	defer srv.Close()

	err := New(srv.URL).Follow(context.Background(), 5, func(logbuf.Line) {})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

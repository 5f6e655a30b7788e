package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apitesting "github.com/cartnet/compensation/api/testing"
	"github.com/cartnet/compensation/engine/pkg/alert"
	"github.com/cartnet/compensation/engine/pkg/engine"
	"github.com/cartnet/compensation/engine/pkg/server"
	comptesting "github.com/cartnet/compensation/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, origins ...string) *server.Server {
	t.Helper()
	eng, err := engine.New(engine.Config{
		Logger:  comptesting.NewLogger(),
		Pool:    apitesting.NewTestPool(t, testDB),
		Alerter: &alert.Recorder{},
	})
	require.NoError(t, err)

	srv, err := server.New(server.Config{
		Logger:         comptesting.NewLogger(),
		ListenAddr:     "127.0.0.1:0",
		VersionInfo:    server.VersionInfo{Version: "1.2.3", Commit: "abc"},
		AllowedOrigins: origins,
		Engine:         eng,
	})
	require.NoError(t, err)
	return srv
}

func TestComp_Server_Probes(t *testing.T) {
	t.Parallel()
	h := newServer(t).Router()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Equal(t, "ok\n", rec.Body.String())
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var v server.VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	require.Equal(t, "1.2.3", v.Version)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/1/wallet", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "compensation_api_http_requests_total")
}

func TestComp_Server_CORS(t *testing.T) {
	t.Parallel()
	h := newServer(t, "https://admin.example.com").Router()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/admin/audit", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "https://admin.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestComp_Server_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	url := "http://" + lis.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK && string(body) == "ok\n"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

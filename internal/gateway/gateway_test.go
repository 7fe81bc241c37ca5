// ABOUTME: Tests for gateway construction, lifecycle, and health endpoints
// ABOUTME: Runs real listeners on loopback ports against a fake Direct Line server

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/directline/directlinetest"
	"github.com/2389/coven-relay/internal/store"
)

// freeAddr reserves a loopback port and releases it for the caller.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig returns a config pointing at upstreamURL with an in-memory store.
func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Database.Path = ":memory:"
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.RequestTimeout = 2 * time.Second
	cfg.Polling.InitialInterval = 10 * time.Millisecond
	cfg.Polling.MaxInterval = 40 * time.Millisecond
	cfg.Polling.DefaultWait = time.Second
	cfg.Polling.MaxWait = 2 * time.Second
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func TestGatewayNew(t *testing.T) {
	_, url := directlinetest.NewTestServer(t)
	cfg := testConfig(t, url)

	gw := newTestGateway(t, cfg)

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.relay)
	assert.NotNil(t, gw.tokens)
	assert.NotNil(t, gw.replies)
	assert.Nil(t, gw.verifier, "no jwt_secret means no verifier")
	assert.Equal(t, cfg.Upstream.ParentID, gw.Relay().ParentID())
}

func TestGatewayNew_WithJWTSecret(t *testing.T) {
	_, url := directlinetest.NewTestServer(t)
	cfg := testConfig(t, url)
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"

	gw := newTestGateway(t, cfg)
	assert.NotNil(t, gw.verifier)
}

func TestGatewayNew_WeakJWTSecret(t *testing.T) {
	_, url := directlinetest.NewTestServer(t)
	cfg := testConfig(t, url)
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestGatewayNew_DBPathOverride(t *testing.T) {
	_, url := directlinetest.NewTestServer(t)
	cfg := testConfig(t, url)
	cfg.Database.SecretKey = "sealing key"

	dbPath := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("COVEN_RELAY_DB_PATH", dbPath)

	newTestGateway(t, cfg)

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "database should be created at the override path")
}

func waitForHTTP(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	_, url := directlinetest.NewTestServer(t)
	cfg := testConfig(t, url)
	cfg.Server.GRPCAddr = freeAddr(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	waitForHTTP(t, cfg.Server.HTTPAddr)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	for _, service := range []string{"", HealthServiceName} {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: service})
		checkCancel()
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", service)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	resp, err := gw.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestGatewayRun_AddressInUse(t *testing.T) {
	_, url := directlinetest.NewTestServer(t)
	cfg := testConfig(t, url)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	cfg.Server.HTTPAddr = ln.Addr().String()

	gw := newTestGateway(t, cfg)
	assert.Error(t, gw.Run(context.Background()))
}

func TestServe_WithoutGRPC(t *testing.T) {
	_, url := directlinetest.NewTestServer(t)
	gw, err := New(testConfig(t, url), testLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Serve(ctx, ln, nil) }()

	waitForHTTP(t, ln.Addr().String())
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, url := directlinetest.NewTestServer(t)
	gw := newTestGateway(t, testConfig(t, url))

	rec := do(t, gw, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	upstream, url := directlinetest.NewTestServer(t)
	gw := newTestGateway(t, testConfig(t, url))

	rec := do(t, gw, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no agents registered")

	registerAgent(t, gw, upstream, "b1", "s1", directlinetest.Silent())

	rec = do(t, gw, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 agents")
}

func TestServe_ShutdownEndsPendingWaits(t *testing.T) {
	upstream, url := directlinetest.NewTestServer(t)
	cfg := testConfig(t, url)
	cfg.Polling.DefaultWait = 30 * time.Second
	cfg.Polling.MaxWait = 30 * time.Second

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	upstream.AddBot("s1", "b1", directlinetest.Silent())
	_, err = gw.Relay().RegisterAgent(context.Background(), store.AgentRegistration{ID: "b1", Secret: "s1"})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- gw.Serve(ctx, ln, nil) }()
	waitForHTTP(t, addr)

	type result struct {
		status int
		body   SendMessageResponse
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := http.Post("http://"+addr+"/api/messages", "application/json",
			strings.NewReader(`{"agent_id":"b1","message":"ping","wait":"20s"}`))
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var body SendMessageResponse
		err = json.NewDecoder(resp.Body).Decode(&body)
		resCh <- result{status: resp.StatusCode, body: body, err: err}
	}()

	// The parent turn is recorded once the wait has begun
	require.Eventually(t, func() bool {
		_, err := gw.Relay().LatestTurn(context.Background(), store.TurnFilter{AgentID: "b1"})
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	started := time.Now()
	cancel()

	select {
	case err := <-runErr:
		assert.NoError(t, err, "shutdown must finish inside the grace period")
	case <-time.After(4 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}
	assert.Less(t, time.Since(started), 3*time.Second)

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, http.StatusOK, res.status)
		assert.Equal(t, "timed_out", res.body.Status)
		assert.NotEmpty(t, res.body.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("pending wait was not released by shutdown")
	}
}

package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := RuntimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("RuntimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://chat.example.com", want: "wss://chat.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetenv(t, "CHATROOMZ_HTTP_ADDR", "CHATROOMZ_LOG_FORMAT", "CHATROOMZ_WS_ALLOWED_ORIGINS")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, 15*time.Second, cfg.ReadTimeout)
	require.True(t, cfg.WSOriginRequired)
	require.Equal(t, []string{"http://localhost", "http://127.0.0.1"}, cfg.AllowedOrigins())
	require.Equal(t, "general", cfg.DefaultChannel)
	require.Equal(t, 3*time.Second, cfg.DBConnectTimeout)
	require.Equal(t, 30*time.Second, cfg.DBHealthCheckPeriod)

	gw := cfg.Gateway()
	require.Equal(t, 256, gw.SendQueueSize)
	require.Equal(t, 25*time.Second, gw.HeartbeatInterval)
	require.Equal(t, int64(16384), cfg.API().MaxBodyBytes)
}

func TestLoadConfig_EnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, writeFile(dir+"/.env", "CHATROOMZ_LOG_FORMAT=pretty\nCHATROOMZ_WS_RATE_EVENTS=7\n"))

	t.Setenv("CHATROOMZ_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("CHATROOMZ_WS_ALLOWED_ORIGINS", "https://chat.example.com, http://localhost:4200")
	t.Setenv("CHATROOMZ_WS_WRITE_TIMEOUT", "2s")
	unsetenv(t, "CHATROOMZ_LOG_FORMAT", "CHATROOMZ_WS_RATE_EVENTS")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	require.Equal(t, "pretty", cfg.LogFormat)
	require.Equal(t, []string{"https://chat.example.com", "http://localhost:4200"}, cfg.AllowedOrigins())
	require.Equal(t, 2*time.Second, cfg.Gateway().WriteTimeout)
	require.Equal(t, 7, cfg.Gateway().RateEvents)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := Config{HTTPAddr: ":8080", LogFormat: "xml", WSOriginRequired: true, DBMinConns: 5, DBMaxConns: 2}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "CHATROOMZ_LOG_FORMAT")
	require.Contains(t, err.Error(), "CHATROOMZ_DB_MIN_CONNS")
	require.Contains(t, err.Error(), "CHATROOMZ_WS_ALLOWED_ORIGINS")

	ok := Config{HTTPAddr: ":8080", LogFormat: "json", WSOriginRequired: true, WSAllowedOrigins: "http://localhost"}
	require.NoError(t, ok.Validate())
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		HTTPAddr:            "127.0.0.1:0",
		DefaultChannel:      "general",
		HistoryLimit:        100,
		BadgerDir:           t.TempDir(),
		WSOriginRequired:    false,
		WSHeartbeatInterval: time.Minute,
	}
}

func TestApp_ServeEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, log)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok\n", body)

	code, _ = get("/readyz")
	require.Equal(t, http.StatusOK, code)

	code, body = get("/api/channels")
	require.Equal(t, http.StatusOK, code)
	var chans []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &chans))
	require.Len(t, chans, 1)
	require.Equal(t, "general", chans[0].Name)

	resp, err := http.Post(base+"/api/PostMessage", "application/json",
		strings.NewReader(`{"senderName":"webhook","channelId":1,"text":"hello"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	code, body = get("/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `chatroomz_router_messages_total{outcome="delivered"} 1`)
	require.Contains(t, body, "go_goroutines")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestApp_ReadyzRequiresDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true

	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer func() { _ = a.Close() }()

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	require.NoError(t, err)
	srv := &http.Server{Handler: a.Handler()}
	go func() { _ = srv.Serve(ln) }()
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestApp_DefaultChannelOnlyWhenEmpty(t *testing.T) {
	cfg := testConfig(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	cfg.DefaultChannel = "other"
	b, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	chs, err := b.store.ListChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, chs, 1)
	require.Equal(t, "general", chs[0].Name)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}

// unsetenv removes keys for the test; .env values only fill unset variables.
func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

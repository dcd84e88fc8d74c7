package rtu_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"energy-monitor/internal/domain"
	"energy-monitor/internal/failure"
	"energy-monitor/internal/rtu"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRouter struct {
	logins  int32
	expire  int32 // 非零时下一次业务请求返回 401
	lastPut map[string]any
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeRouter) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false})
			return
		}
		atomic.AddInt32(&f.logins, 1)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]string{"token": "tok"}})
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if atomic.CompareAndSwapInt32(&f.expire, 1, 0) || r.Header.Get("Authorization") != "Bearer tok" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false})
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/system/device/status", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"uptime": 7200, "cpu_load": 35.5, "memory_usage": 61.0,
		}})
	}))
	mux.HandleFunc("/api/network/mobile/status", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
			"wan_ip": "100.64.1.2", "sim_operator": "Telia", "rssi": -72, "connection_state": "online",
		}})
	}))
	mux.HandleFunc("/api/io/status", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false})
	}))
	mux.HandleFunc("/api/io/outputs/", authed(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		body["output"] = strings.TrimPrefix(r.URL.Path, "/api/io/outputs/")
		f.lastPut = body
		if body["output"] == "do2" {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "errors": []map[string]any{{"code": 1, "error": "I/O module offline (hardware)"}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{}})
	}))
	return mux
}

func newClient(t *testing.T, password string) (*fakeRouter, *rtu.TeltonikaClient, domain.Gateway) {
	t.Helper()
	router := &fakeRouter{}
	srv := httptest.NewServer(router.handler(t))
	t.Cleanup(srv.Close)

	client := rtu.NewTeltonikaClient(rtu.TeltonikaConfig{Scheme: "http", Username: "admin", Password: password}, zap.NewNop())
	gw := rtuGateway(1)
	gw.FixedIP = strings.TrimPrefix(srv.URL, "http://")
	return router, client, gw
}

func TestTeltonikaClient_SystemAndNetwork(t *testing.T) {
	router, client, gw := newClient(t, "secret")
	ctx := context.Background()

	sys, err := client.SystemInfo(ctx, &gw)
	require.NoError(t, err)
	require.NotNil(t, sys.UptimeHours)
	assert.Equal(t, 2, *sys.UptimeHours)
	assert.Equal(t, 35.5, *sys.CPULoad)

	network, err := client.NetworkInfo(ctx, &gw)
	require.NoError(t, err)
	assert.Equal(t, "100.64.1.2", *network.WANIP)
	assert.Equal(t, -72, *network.RSSI)
	assert.Nil(t, network.SINR)

	assert.Equal(t, int32(1), atomic.LoadInt32(&router.logins), "token is reused")
}

func TestTeltonikaClient_ReloginOnExpiredToken(t *testing.T) {
	router, client, gw := newClient(t, "secret")
	ctx := context.Background()

	_, err := client.SystemInfo(ctx, &gw)
	require.NoError(t, err)
	atomic.StoreInt32(&router.expire, 1)

	_, err = client.SystemInfo(ctx, &gw)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&router.logins))
}

func TestTeltonikaClient_Errors(t *testing.T) {
	ctx := context.Background()

	_, client, gw := newClient(t, "wrong")
	_, err := client.SystemInfo(ctx, &gw)
	assert.Equal(t, failure.KindAuthentication, failure.KindOf(err))

	_, client, gw = newClient(t, "secret")
	_, err = client.IOInfo(ctx, &gw)
	assert.Equal(t, failure.KindHardware, failure.KindOf(err))

	plain := domain.Gateway{ID: 2, GatewayType: "generic", FixedIP: "10.0.0.2"}
	_, err = client.SystemInfo(ctx, &plain)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))

	noIP := rtuGateway(3)
	noIP.FixedIP = ""
	_, err = client.SystemInfo(ctx, &noIP)
	assert.Equal(t, failure.KindValidation, failure.KindOf(err))
}

func TestTeltonikaClient_SetOutput(t *testing.T) {
	router, client, gw := newClient(t, "secret")
	ctx := context.Background()

	require.NoError(t, client.SetOutput(ctx, &gw, rtu.OutputDO1, true))
	assert.Equal(t, "do1", router.lastPut["output"])
	assert.Equal(t, true, router.lastPut["state"])

	err := client.SetOutput(ctx, &gw, rtu.OutputDO2, false)
	require.Error(t, err)
	assert.Equal(t, failure.KindHardware, failure.KindOf(err))
}

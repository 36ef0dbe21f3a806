package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"device-farm/internal/farm/allocator"
	"device-farm/internal/farm/forwarder"
	"device-farm/internal/farm/orchestrator"
	"device-farm/internal/farm/pending"
	"device-farm/internal/farm/proxyrules"
	"device-farm/internal/farm/topology"
	"device-farm/internal/shared/eventbus"
	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage/memstore"
)

type fakeForwarder struct {
	createErr error
	sessionID string
}

func (f *fakeForwarder) CreateSession(ctx context.Context, device *model.Device, caps *model.W3CCapabilities, pendingID string) (*forwarder.SessionResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	raw, _ := json.Marshal(map[string]any{
		"value": map[string]any{"sessionId": f.sessionID, "capabilities": map[string]any{"platformName": "Android"}},
	})
	return &forwarder.SessionResult{SessionID: f.sessionID, Capabilities: map[string]any{}, Raw: raw}, nil
}

func (f *fakeForwarder) DeleteSession(ctx context.Context, host, sessionID string) error {
	return nil
}

func newTestServer(t *testing.T, store *memstore.Store, fwd *fakeForwarder) *httptest.Server {
	t.Helper()
	topo := &topology.Topology{Role: topology.RoleHub, SelfNodeID: "hub-1", SelfHost: "http://127.0.0.1:4723"}
	engine := orchestrator.NewEngine(store, pending.NewRegistry(), allocator.New(store), fwd, topo,
		proxyrules.NewTable(), eventbus.NewNoOpEventBus(), orchestrator.Options{
			AvailabilityTimeout: 200 * time.Millisecond,
			QueryInterval:       20 * time.Millisecond,
		})

	mux := http.NewServeMux()
	NewHandler(engine, nil, "/wd/hub").RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postSession(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/wd/hub/session", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /session error = %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestCreateSessionEndpoint(t *testing.T) {
	store := memstore.NewStore()
	store.SeedDevice(&model.Device{
		UDID: "emulator-5554", NodeID: "hub-1", Host: "http://10.0.0.9:4723",
		Platform: model.PlatformAndroid,
	})
	srv := newTestServer(t, store, &fakeForwarder{sessionID: "drv-1"})

	resp, decoded := postSession(t, srv, `{"capabilities":{"alwaysMatch":{"platformName":"Android"}}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	value, _ := decoded["value"].(map[string]any)
	if value["sessionId"] != "drv-1" {
		t.Errorf("响应体 = %v", decoded)
	}

	d, _ := store.GetDevice(context.Background(), "emulator-5554", "hub-1")
	if !d.Busy {
		t.Error("会话创建后设备应为 busy")
	}
}

func TestCreateSessionLegacyDesiredCapabilities(t *testing.T) {
	store := memstore.NewStore()
	store.SeedDevice(&model.Device{
		UDID: "emulator-5554", NodeID: "hub-1", Host: "http://10.0.0.9:4723",
		Platform: model.PlatformAndroid,
	})
	srv := newTestServer(t, store, &fakeForwarder{sessionID: "drv-legacy"})

	resp, _ := postSession(t, srv, `{"desiredCapabilities":{"platformName":"Android"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("旧式请求体 status = %d", resp.StatusCode)
	}
}

func TestCreateSessionTimeoutReturnsW3CError(t *testing.T) {
	srv := newTestServer(t, memstore.NewStore(), &fakeForwarder{sessionID: "x"})

	resp, decoded := postSession(t, srv, `{"capabilities":{"alwaysMatch":{"platformName":"Android"}}}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	value, _ := decoded["value"].(map[string]any)
	if value["error"] != "session not created" {
		t.Errorf("错误响应体 = %v", decoded)
	}
}

func TestCreateSessionForwardFailure(t *testing.T) {
	store := memstore.NewStore()
	store.SeedDevice(&model.Device{
		UDID: "emulator-5554", NodeID: "hub-1", Host: "http://10.0.0.9:4723",
		Platform: model.PlatformAndroid,
	})
	srv := newTestServer(t, store, &fakeForwarder{
		createErr: fmt.Errorf("%w: connection refused", forwarder.ErrForwarding),
	})

	resp, decoded := postSession(t, srv, `{"capabilities":{"alwaysMatch":{"platformName":"Android"}}}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	value, _ := decoded["value"].(map[string]any)
	if value["error"] != "session not created" {
		t.Errorf("错误响应体 = %v", decoded)
	}

	// 设备已回滚
	d, _ := store.GetDevice(context.Background(), "emulator-5554", "hub-1")
	if d.Busy {
		t.Error("转发失败后设备未释放")
	}
}

func TestCreateSessionMalformedBody(t *testing.T) {
	srv := newTestServer(t, memstore.NewStore(), &fakeForwarder{sessionID: "x"})

	resp, _ := postSession(t, srv, `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteSessionEndpoint(t *testing.T) {
	store := memstore.NewStore()
	store.SeedDevice(&model.Device{
		UDID: "emulator-5554", NodeID: "hub-1", Host: "http://10.0.0.9:4723",
		Platform: model.PlatformAndroid,
	})
	srv := newTestServer(t, store, &fakeForwarder{sessionID: "drv-del"})

	if resp, _ := postSession(t, srv, `{"capabilities":{"alwaysMatch":{"platformName":"Android"}}}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("创建失败: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/wd/hub/session/drv-del", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}

	d, _ := store.GetDevice(context.Background(), "emulator-5554", "hub-1")
	if d.Busy || d.SessionID != nil {
		t.Errorf("删除后设备未释放: %+v", d)
	}

	// 幂等：重复删除仍返回 200
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/wd/hub/session/drv-del", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("重复 DELETE error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("重复 DELETE status = %d", resp.StatusCode)
	}
}

package nodesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage/memstore"
)

func newTestServer(t *testing.T, store *memstore.Store) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(store, nil).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSyncNodeDevices(t *testing.T) {
	store := memstore.NewStore()
	srv := newTestServer(t, store)

	body := `{
		"node_id": "node-a",
		"host": "http://10.0.0.5:4723",
		"devices": [
			{"udid": "emulator-5554", "platform": "android", "sdk": "14"},
			{"udid": "emulator-5556", "platform": "android", "sdk": "13", "host": "http://10.0.0.6:4723"}
		]
	}`
	resp, err := http.Post(srv.URL+"/device-farm/api/nodes/node-a/devices", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx := context.Background()
	d, err := store.GetDevice(ctx, "emulator-5554", "node-a")
	if err != nil || d == nil {
		t.Fatalf("GetDevice = %v, %v", d, err)
	}
	if d.Host != "http://10.0.0.5:4723" {
		t.Errorf("缺省 host 应取节点地址, got %s", d.Host)
	}
	d, _ = store.GetDevice(ctx, "emulator-5556", "node-a")
	if d.Host != "http://10.0.0.6:4723" {
		t.Errorf("显式 host 被覆盖: %s", d.Host)
	}

	nodes, err := store.ListNodes(ctx)
	if err != nil || len(nodes) != 1 {
		t.Fatalf("ListNodes = %v, %v", nodes, err)
	}
	if nodes[0].Status != model.NodeStatusOnline || nodes[0].DeviceCount != 2 {
		t.Errorf("节点状态 = %+v", nodes[0])
	}
}

func TestSyncNodeDevicesIDMismatch(t *testing.T) {
	srv := newTestServer(t, memstore.NewStore())

	body := `{"node_id": "node-b", "host": "http://x", "devices": []}`
	resp, err := http.Post(srv.URL+"/device-farm/api/nodes/node-a/devices", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestUnblockDevicesEndpoint(t *testing.T) {
	store := memstore.NewStore()
	sid := "sess-1"
	store.SeedDevice(&model.Device{
		UDID: "emulator-5554", NodeID: "node-a", Host: "http://10.0.0.5:4723",
		Platform: model.PlatformAndroid, Busy: true, SessionID: &sid,
	})
	srv := newTestServer(t, store)

	resp, err := http.Post(srv.URL+"/device-farm/api/devices/unblock", "application/json",
		strings.NewReader(`{"session_id": "sess-1"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	if decoded["released"] != float64(1) {
		t.Errorf("released = %v", decoded["released"])
	}

	d, _ := store.GetDevice(context.Background(), "emulator-5554", "node-a")
	if d.Busy || d.SessionID != nil {
		t.Errorf("解封后设备状态 = %+v", d)
	}
}

func TestUnblockDevicesRequiresFilter(t *testing.T) {
	srv := newTestServer(t, memstore.NewStore())

	resp, err := http.Post(srv.URL+"/device-farm/api/devices/unblock", "application/json",
		strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

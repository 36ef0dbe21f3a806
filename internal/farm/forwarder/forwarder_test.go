package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"device-farm/internal/shared/model"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Options{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func androidDevice(host string) *model.Device {
	return &model.Device{
		UDID:     "emulator-5554",
		NodeID:   "node-1",
		Host:     host,
		Platform: model.PlatformAndroid,
	}
}

func TestCreateSessionSuccess(t *testing.T) {
	var gotPath string
	var gotBody model.W3CNewSessionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":{"sessionId":"abc-123","capabilities":{"platformName":"Android"}}}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	caps := &model.W3CCapabilities{AlwaysMatch: map[string]any{"platformName": "Android"}}

	got, err := c.CreateSession(context.Background(), androidDevice(srv.URL), caps, "cap-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if got.SessionID != "abc-123" {
		t.Errorf("SessionID = %q, want abc-123", got.SessionID)
	}
	if got.Capabilities["platformName"] != "Android" {
		t.Errorf("Capabilities = %v", got.Capabilities)
	}
	if len(got.Raw) == 0 {
		t.Error("Raw 响应体为空")
	}
	if gotPath != "/wd/hub/session" {
		t.Errorf("转发路径 = %q, want /wd/hub/session", gotPath)
	}
	if gotBody.DesiredCapabilities != nil {
		t.Error("非 lambdatest 设备不应携带 desiredCapabilities 信封")
	}
	if gotBody.PendingSessionID != "cap-1" {
		t.Errorf("PendingSessionID = %q", gotBody.PendingSessionID)
	}
}

func TestCreateSessionLambdaTestEnvelope(t *testing.T) {
	var gotBody model.W3CNewSessionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"value":{"sessionId":"lt-1","capabilities":{}}}`))
	}))
	defer srv.Close()

	d := androidDevice(srv.URL)
	d.Cloud = "lambdatest"

	c := newTestClient(t)
	caps := &model.W3CCapabilities{
		AlwaysMatch: map[string]any{"platformName": "Android", "appium:app": "/tmp/a.apk"},
	}
	if _, err := c.CreateSession(context.Background(), d, caps, "cap-lt"); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	if gotBody.DesiredCapabilities == nil {
		t.Fatal("lambdatest 设备应携带 desiredCapabilities 信封")
	}
	if gotBody.DesiredCapabilities["platformName"] != "Android" {
		t.Errorf("desiredCapabilities = %v", gotBody.DesiredCapabilities)
	}
}

func TestCreateSessionDriverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"value":{"error":"session not created","message":"device disconnected"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	_, err := c.CreateSession(context.Background(), androidDevice(srv.URL),
		&model.W3CCapabilities{}, "cap-1")
	if !errors.Is(err, ErrForwarding) {
		t.Fatalf("error = %v, want ErrForwarding", err)
	}
}

func TestCreateSessionMalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"非 JSON", `<html>bad gateway</html>`},
		{"缺 sessionId", `{"value":{"capabilities":{}}}`},
		{"缺 capabilities", `{"value":{"sessionId":"x"}}`},
		{"空响应", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t)
			_, err := c.CreateSession(context.Background(), androidDevice(srv.URL),
				&model.W3CCapabilities{}, "cap-1")
			if !errors.Is(err, ErrForwarding) {
				t.Fatalf("error = %v, want ErrForwarding", err)
			}
		})
	}
}

func TestCreateSessionConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // 立即关闭，制造拒绝连接

	c := newTestClient(t)
	_, err := c.CreateSession(context.Background(), androidDevice(srv.URL),
		&model.W3CCapabilities{}, "cap-1")
	if !errors.Is(err, ErrForwarding) {
		t.Fatalf("error = %v, want ErrForwarding", err)
	}
}

func TestDeleteSession(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Write([]byte(`{"value":null}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	if err := c.DeleteSession(context.Background(), srv.URL, "abc-123"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %q", gotMethod)
	}
	if gotPath != "/wd/hub/session/abc-123" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestDeleteSessionRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t)
	err := c.DeleteSession(context.Background(), srv.URL, "gone")
	if !errors.Is(err, ErrForwarding) {
		t.Fatalf("error = %v, want ErrForwarding", err)
	}
}

func TestSessionURLNormalization(t *testing.T) {
	c := newTestClient(t)

	tests := []struct {
		name string
		host string
		want string
	}{
		{"完整 URL", "http://10.0.0.1:4723", "http://10.0.0.1:4723/wd/hub/session"},
		{"裸 host:port 补全协议", "10.0.0.1:4723", "http://10.0.0.1:4723/wd/hub/session"},
		{"尾斜杠剔除", "http://10.0.0.1:4723/", "http://10.0.0.1:4723/wd/hub/session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.sessionURL(tt.host, ""); got != tt.want {
				t.Errorf("sessionURL(%q) = %q, want %q", tt.host, got, tt.want)
			}
		})
	}
}

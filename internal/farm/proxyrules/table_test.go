package proxyrules

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSessionIDFromPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"带命令的会话路径", "/wd/hub/session/abc-123/element", "abc-123"},
		{"无命令的会话路径", "/wd/hub/session/abc-123", "abc-123"},
		{"新建会话路径", "/wd/hub/session", ""},
		{"非会话路径", "/device-farm/api/devices", ""},
		{"无前缀的会话路径", "/session/xyz/url", "xyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SessionIDFromPath(tt.path); got != tt.want {
				t.Errorf("SessionIDFromPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestTableAddRemoveLookup(t *testing.T) {
	tbl := NewTable()

	tbl.Add("s1", "http://10.0.0.1:4723")
	if host, ok := tbl.Lookup("s1"); !ok || host != "http://10.0.0.1:4723" {
		t.Fatalf("Lookup(s1) = %q %v", host, ok)
	}

	// 重复安装以最后一次为准
	tbl.Add("s1", "http://10.0.0.2:4723")
	if host, _ := tbl.Lookup("s1"); host != "http://10.0.0.2:4723" {
		t.Errorf("Lookup(s1) = %q", host)
	}

	tbl.Remove("s1")
	if _, ok := tbl.Lookup("s1"); ok {
		t.Error("Remove 后仍能查到规则")
	}

	// 摘除不存在的规则是空操作
	tbl.Remove("ghost")
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}
}

func TestMiddlewareRoutesBoundSession(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote:" + r.URL.Path))
	}))
	defer remote.Close()

	tbl := NewTable()
	tbl.Add("abc-123", remote.URL)

	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("local"))
	})
	srv := httptest.NewServer(tbl.Middleware(local))
	defer srv.Close()

	// 命中路由表 → 转发到远端
	resp, err := http.Get(srv.URL + "/wd/hub/session/abc-123/url")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "remote:/wd/hub/session/abc-123/url" {
		t.Errorf("命中规则的请求未被转发: %q", body)
	}

	// 未命中 → 本地处理
	resp, err = http.Get(srv.URL + "/wd/hub/session/other-id/url")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "local" {
		t.Errorf("未命中规则的请求应本地处理: %q", body)
	}

	// 新建会话路径永远本地处理
	resp, err = http.Post(srv.URL+"/wd/hub/session", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "local" {
		t.Errorf("新建会话请求应本地处理: %q", body)
	}
}

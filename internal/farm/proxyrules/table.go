// Package proxyrules 会话命令路由表
//
// 会话绑定到远端设备后，后续所有携带该 sessionId 的命令都要透明
// 转发到设备所在主机。路由规则随会话创建安装、随会话删除摘除。
package proxyrules

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
)

// Table 会话路由表，并发安全
type Table struct {
	mu    sync.RWMutex
	rules map[string]string // sessionID → host
}

// NewTable 创建路由表
func NewTable() *Table {
	return &Table{rules: make(map[string]string)}
}

// Add 安装路由规则，同一会话重复安装以最后一次为准
func (t *Table) Add(sessionID, host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[sessionID] = host
	log.Printf("[proxyrules.add] session=%s host=%s", sessionID, host)
}

// Remove 摘除路由规则，摘除不存在的规则是空操作
func (t *Table) Remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rules[sessionID]; ok {
		delete(t.rules, sessionID)
		log.Printf("[proxyrules.remove] session=%s", sessionID)
	}
}

// Lookup 查询会话的目标主机
func (t *Table) Lookup(sessionID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host, ok := t.rules[sessionID]
	return host, ok
}

// Len 当前规则数量
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// ============================================================================
// HTTP 中间件
// ============================================================================

// SessionIDFromPath 从请求路径提取 sessionId
//
// 形如 {base}/session/{id}/... 的路径返回 {id}；
// {base}/session（新建）和非会话路径返回空串。
func SessionIDFromPath(path string) string {
	const marker = "/session/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(marker):]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

// Middleware 返回会话路由中间件
//
// 命中路由表的请求整体反向代理到目标主机，其余请求交给 next。
// 新建会话（POST {base}/session，路径无 id）永远走 next。
func (t *Table) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := SessionIDFromPath(r.URL.Path)
		if sessionID == "" {
			next.ServeHTTP(w, r)
			return
		}

		host, ok := t.Lookup(sessionID)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		target, err := url.Parse(normalizeHost(host))
		if err != nil {
			log.Printf("[proxyrules.badhost] session=%s host=%s error=%v", sessionID, host, err)
			next.ServeHTTP(w, r)
			return
		}

		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ServeHTTP(w, r)
	})
}

func normalizeHost(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}

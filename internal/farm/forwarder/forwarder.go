// Package forwarder 会话转发器
//
// 负责把新建会话请求转发到持有设备的驱动端点（远端节点或云厂商），
// 并把线上响应归一化为单一错误通道：网络失败和驱动端拒绝对调用方
// 是同一种失败，释放设备即可，无需区分。
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"device-farm/internal/shared/model"
)

// ErrForwarding 转发失败（网络不可达或驱动端返回错误）
var ErrForwarding = errors.New("forwarder: session forwarding failed")

// cloudLambdaTest 需要旧式 desiredCapabilities 信封的云厂商
const cloudLambdaTest = "lambdatest"

// SessionResult 转发成功的结果
type SessionResult struct {
	SessionID    string          // 驱动端分配的会话 ID
	Capabilities map[string]any  // 驱动端返回的最终能力集
	Raw          json.RawMessage // 原样回传给客户端的响应体
}

// Client 会话转发客户端
//
// 连接在请求间保持（keep-alive），同一节点的连续转发不重建 TCP。
type Client struct {
	httpClient *http.Client
	basePath   string
}

// Options 转发客户端配置
type Options struct {
	// ProxyURL 出站代理，空则直连
	ProxyURL string

	// Timeout 单次转发的总超时
	Timeout time.Duration

	// BasePath 远端驱动的路径前缀，默认 /wd/hub
	BasePath string
}

// NewClient 创建转发客户端
func NewClient(opts Options) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     60 * time.Second,
	}
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", opts.ProxyURL, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	basePath := opts.BasePath
	if basePath == "" {
		basePath = "/wd/hub"
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		basePath:   strings.TrimSuffix(basePath, "/"),
	}, nil
}

// CreateSession 向设备所在端点发起新建会话
//
// device.Cloud 命中需要旧式信封的厂商时，能力集同时以
// desiredCapabilities 形态重复一份。任何失败都包装 ErrForwarding。
func (c *Client) CreateSession(ctx context.Context, device *model.Device, caps *model.W3CCapabilities, pendingID string) (*SessionResult, error) {
	reqBody := model.W3CNewSessionRequest{
		Capabilities:     *caps,
		PendingSessionID: pendingID,
	}
	if strings.EqualFold(device.Cloud, cloudLambdaTest) {
		reqBody.DesiredCapabilities = caps.Merged()
	}

	payload, err := json.Marshal(&reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrForwarding, err)
	}

	endpoint := c.sessionURL(device.Host, "")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrForwarding, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s unreachable: %v", ErrForwarding, device.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrForwarding, err)
	}

	result, err := parseSessionResponse(body)
	if err != nil {
		return nil, err
	}
	log.Printf("[forwarder.created] host=%s session=%s", device.Host, result.SessionID)
	return result, nil
}

// DeleteSession 删除远端会话，尽力而为
func (c *Client) DeleteSession(ctx context.Context, host, sessionID string) error {
	endpoint := c.sessionURL(host, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrForwarding, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s unreachable: %v", ErrForwarding, host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: delete session %s: status %d", ErrForwarding, sessionID, resp.StatusCode)
	}
	return nil
}

func (c *Client) sessionURL(host, sessionID string) string {
	base := strings.TrimSuffix(host, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if sessionID == "" {
		return base + c.basePath + "/session"
	}
	return base + c.basePath + "/session/" + sessionID
}

// ============================================================================
// 线上响应解析
// ============================================================================

// w3cValue W3C 响应的 value 字段，成功和失败共用一个外壳
type w3cValue struct {
	SessionID    string         `json:"sessionId"`
	Capabilities map[string]any `json:"capabilities"`
	Error        string         `json:"error"`
	Message      string         `json:"message"`
}

// parseSessionResponse 区分三种线上形态
//
//  1. {value:{sessionId, capabilities}} — 成功
//  2. {value:{error, message}}          — 驱动端失败，按错误返回
//  3. 其余（缺 sessionId 或解析失败）    — 未知错误
func parseSessionResponse(body []byte) (*SessionResult, error) {
	var envelope struct {
		Value w3cValue `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrForwarding, err)
	}

	if envelope.Value.Error != "" {
		msg := envelope.Value.Message
		if msg == "" {
			msg = envelope.Value.Error
		}
		return nil, fmt.Errorf("%w: driver error: %s", ErrForwarding, msg)
	}

	if envelope.Value.SessionID == "" || envelope.Value.Capabilities == nil {
		return nil, fmt.Errorf("%w: unknown error: response missing session id or capabilities", ErrForwarding)
	}

	return &SessionResult{
		SessionID:    envelope.Value.SessionID,
		Capabilities: envelope.Value.Capabilities,
		Raw:          json.RawMessage(body),
	}, nil
}

package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"device-farm/internal/shared/model"
)

// APIBasePath 管理面 API 前缀（与 Hub 侧路由保持一致）
const APIBasePath = "/device-farm/api"

// NodeDevicesRequest 节点设备列表上报请求体
type NodeDevicesRequest struct {
	NodeID  string          `json:"node_id"`
	Host    string          `json:"host"`
	Devices []*model.Device `json:"devices"`
}

// UnblockRequest 设备解封请求体，按 session_id（首选）或 udid 过滤
type UnblockRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UDID      string `json:"udid,omitempty"`
}

// HubClient 节点访问上游 Hub 的客户端
type HubClient struct {
	hubURL     string
	httpClient *http.Client
}

// NewHubClient 创建 Hub 客户端
func NewHubClient(hubURL string, timeout time.Duration) *HubClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HubClient{
		hubURL:     strings.TrimSuffix(hubURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PushDevices 向 Hub 上报本节点当前设备列表
func (c *HubClient) PushDevices(ctx context.Context, nodeID, host string, devices []*model.Device) error {
	body := &NodeDevicesRequest{NodeID: nodeID, Host: host, Devices: devices}
	endpoint := fmt.Sprintf("%s%s/nodes/%s/devices", c.hubURL, APIBasePath, nodeID)
	return c.post(ctx, endpoint, body)
}

// ForwardUnblock 把设备解封请求转发给 Hub
//
// 连接到 Hub 的节点在自身关闭时调用：权威设备状态在 Hub 侧，
// 本地直接改库对聚合快照不可见。
func (c *HubClient) ForwardUnblock(ctx context.Context, sessionID, udid string) error {
	body := &UnblockRequest{SessionID: sessionID, UDID: udid}
	endpoint := c.hubURL + APIBasePath + "/devices/unblock"
	return c.post(ctx, endpoint, body)
}

func (c *HubClient) post(ctx context.Context, endpoint string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode hub request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build hub request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hub unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("hub returned status %d for %s", resp.StatusCode, endpoint)
	}
	return nil
}

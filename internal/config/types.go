// Package config 配置类型定义
package config

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Farm     FarmConfig     `yaml:"farm"`
}

type ServerConfig struct {
	BindHostOrIP string `yaml:"bind_host_or_ip"`
	Port         string `yaml:"port"`
	BasePath     string `yaml:"base_path"`
}

type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // sqlite | postgres | mongodb
	Path    string `yaml:"path"`   // sqlite 文件路径
	URI     string `yaml:"uri"`    // mongodb 连接串
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

// FarmConfig 设备农场配置
//
// 时间类字段以毫秒为单位，和 HTTP API 上暴露的 capability 字段保持一致。
type FarmConfig struct {
	// Role 运行角色：hub 接收节点上报并跨节点转发，node 管理本机设备
	Role string `yaml:"role"` // hub | node

	// NodeID 本进程的节点标识，空则启动时生成
	NodeID string `yaml:"node_id"`

	// Hub 上游 Hub 地址（node 角色连接 hub 时设置，如 http://hub:4723）
	Hub string `yaml:"hub"`

	// Cloud 云厂商标识（如 lambdatest），非空时跳过本地设备巡检
	Cloud string `yaml:"cloud"`

	// ProxyURL 出站 HTTP 代理（企业内网访问云厂商时使用）
	ProxyURL string `yaml:"proxy_url"`

	DeviceAvailabilityTimeoutMS       int64 `yaml:"device_availability_timeout_ms"`
	DeviceAvailabilityQueryIntervalMS int64 `yaml:"device_availability_query_interval_ms"`
	CheckStaleDevicesIntervalMS       int64 `yaml:"check_stale_devices_interval_ms"`
	CheckBlockedDevicesIntervalMS     int64 `yaml:"check_blocked_devices_interval_ms"`
	SendNodeDevicesToHubIntervalMS    int64 `yaml:"send_node_devices_to_hub_interval_ms"`
	RemoteConnectionTimeoutMS         int64 `yaml:"remote_connection_timeout_ms"`

	// NewCommandTimeoutSec 设备多久无命令后视为滞留会话，可被 capability 覆盖
	NewCommandTimeoutSec int64 `yaml:"new_command_timeout_sec"`

	// Devices 静态设备清单（无自动发现的部署直接在配置中声明设备）
	Devices []StaticDeviceConfig `yaml:"devices"`
}

// StaticDeviceConfig 静态设备条目
type StaticDeviceConfig struct {
	UDID       string `yaml:"udid"`
	Platform   string `yaml:"platform"`
	SDK        string `yaml:"sdk"`
	DeviceType string `yaml:"device_type"` // real | emulator | simulator
	Name       string `yaml:"name"`
	SystemPort int    `yaml:"system_port"`
	Host       string `yaml:"host"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	RedisEnabled   bool
	BindHostOrIP   string
	APIPort        string
	BasePath       string
	Farm           FarmConfig
}

// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 环境变量覆盖，构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 从环境变量获取敏感信息和覆盖项
	dbPassword := getEnv("DB_PASSWORD", "devicefarm_dev_password")
	yamlDriver := yamlCfg.Database.Driver
	databaseURL := firstEnv("DATABASE_URL", "DB_URL")
	if databaseURL == "" {
		databaseURL = buildDatabaseURL(yamlCfg.Database, dbPassword)
	} else {
		// DATABASE_URL 显式给出时，驱动从 URL 前缀推断
		yamlDriver = ""
	}

	redisURL := getEnv("REDIS_URL", "")
	redisEnabled := yamlCfg.Redis.Enabled || redisURL != ""
	if redisURL == "" {
		redisURL = buildRedisURL(yamlCfg.Redis)
	}

	farm := yamlCfg.Farm
	if v := getEnv("FARM_ROLE", ""); v != "" {
		farm.Role = v
	}
	if v := getEnv("FARM_NODE_ID", ""); v != "" {
		farm.NodeID = v
	}
	if v := getEnv("FARM_HUB", ""); v != "" {
		farm.Hub = v
	}
	if v := getEnv("FARM_CLOUD", ""); v != "" {
		farm.Cloud = v
	}
	if err := farm.validate(); err != nil {
		log.Fatalf("[config] 配置无效: %v", err)
	}

	cfg := &Config{
		Env:            env,
		DatabaseDriver: detectDatabaseDriver(yamlDriver, databaseURL),
		DatabaseURL:    databaseURL,
		RedisURL:       redisURL,
		RedisEnabled:   redisEnabled,
		BindHostOrIP:   getEnv("BIND_HOST_OR_IP", yamlCfg.Server.BindHostOrIP),
		APIPort:        getEnv("PORT", yamlCfg.Server.Port),
		BasePath:       getEnv("BASE_PATH", yamlCfg.Server.BasePath),
		Farm:           farm,
	}

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		Server:   ServerConfig{BindHostOrIP: "0.0.0.0", Port: "4723", BasePath: "/wd/hub"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "device-farm.db", Host: "localhost", Port: 5432, User: "devicefarm", Name: "device_farm", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Farm:     FarmConfig{Role: "hub"},
	}

	// 2. 加载 common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// validate 验证并填充农场默认值
//
// 默认值与对外文档一致：分配等待 180 秒、轮询 10 秒、巡检 30 秒、
// 无命令超时 60 秒、节点上报 30 秒。
//
// 静态设备必须显式声明 host（驱动端点）。缺省成本进程地址会让
// 绑定把 create-session 转发回本服务自身，层层递归直到池子耗尽。
func (f *FarmConfig) validate() error {
	if f.Role != "hub" && f.Role != "node" {
		f.Role = "hub"
	}
	for i, d := range f.Devices {
		if d.UDID == "" {
			return fmt.Errorf("farm.devices[%d]: udid 不能为空", i)
		}
		if d.Host == "" {
			return fmt.Errorf("farm.devices[%d] (%s): host 不能为空，需指向设备的驱动端点", i, d.UDID)
		}
	}
	if f.DeviceAvailabilityTimeoutMS <= 0 {
		f.DeviceAvailabilityTimeoutMS = 180000
	}
	if f.DeviceAvailabilityQueryIntervalMS <= 0 {
		f.DeviceAvailabilityQueryIntervalMS = 10000
	}
	if f.CheckStaleDevicesIntervalMS <= 0 {
		f.CheckStaleDevicesIntervalMS = 30000
	}
	if f.CheckBlockedDevicesIntervalMS <= 0 {
		f.CheckBlockedDevicesIntervalMS = 30000
	}
	if f.SendNodeDevicesToHubIntervalMS <= 0 {
		f.SendNodeDevicesToHubIntervalMS = 30000
	}
	if f.RemoteConnectionTimeoutMS <= 0 {
		f.RemoteConnectionTimeoutMS = 60000
	}
	if f.NewCommandTimeoutSec <= 0 {
		f.NewCommandTimeoutSec = 60
	}
	return nil
}

// IsHub 是否为 Hub 角色
func (c *Config) IsHub() bool {
	return c.Farm.Role == "hub"
}

// HasHub 是否配置了上游 Hub
func (c *Config) HasHub() bool {
	return c.Farm.Hub != ""
}

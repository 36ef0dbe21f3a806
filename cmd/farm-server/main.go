// Package main 设备农场服务入口
//
// 同一个二进制承担 hub 和 node 两种角色，由配置决定：
//   - hub:  接收节点设备上报，跨节点分配与转发会话
//   - node: 管理本机（或静态声明的）设备，可选连接上游 hub
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"device-farm/internal/apiserver/server"
	"device-farm/internal/config"
	"device-farm/internal/farm/allocator"
	"device-farm/internal/farm/discovery"
	"device-farm/internal/farm/forwarder"
	"device-farm/internal/farm/orchestrator"
	"device-farm/internal/farm/pending"
	"device-farm/internal/farm/proxyrules"
	"device-farm/internal/farm/reconciler"
	"device-farm/internal/farm/topology"
	"device-farm/internal/shared/cache"
	cacheredis "device-farm/internal/shared/cache/redis"
	"device-farm/internal/shared/eventbus"
	busredis "device-farm/internal/shared/eventbus/redis"
	"device-farm/internal/shared/model"
	"device-farm/internal/shared/storage"
	"device-farm/internal/shared/storage/dbutil"
	"device-farm/internal/shared/storage/driver/postgres"
	"device-farm/internal/shared/storage/driver/sqlite"
	"device-farm/internal/shared/storage/mongostore"
	"device-farm/internal/shared/storage/repository"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换数据库和 Redis）
	cfg := config.Load()

	log.Printf("Starting Device Farm Server... [env=%s role=%s]", cfg.Env, cfg.Farm.Role)
	log.Printf("Config: %s", cfg.String())

	// 初始化存储层（sqlite / postgres / mongodb）
	store, err := newStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()
	log.Printf("Connected to storage [driver=%s]", cfg.DatabaseDriver)

	// 初始化 Redis（节点心跳缓存 + 会话事件流），未启用时退化为内存实现
	nodeCache, bus, closeRedis, err := newRedisInfra(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer closeRedis()

	// 拓扑身份
	nodeID := cfg.Farm.NodeID
	if nodeID == "" {
		nodeID = generateNodeID()
		log.Printf("[main.identity] generated node id %s", nodeID)
	}
	topo := &topology.Topology{
		Role:       topology.RoleNode,
		SelfNodeID: nodeID,
		SelfHost:   selfHost(cfg),
		HubURL:     cfg.Farm.Hub,
	}
	if cfg.IsHub() {
		topo.Role = topology.RoleHub
	}

	// 会话转发客户端
	fwd, err := forwarder.NewClient(forwarder.Options{
		ProxyURL: cfg.Farm.ProxyURL,
		Timeout:  time.Duration(cfg.Farm.RemoteConnectionTimeoutMS) * time.Millisecond,
		BasePath: cfg.BasePath,
	})
	if err != nil {
		log.Fatalf("Failed to build forwarding client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 静态声明的本机设备先落库，再交给推送循环维持
	provider := discovery.NewStaticProvider(nodeID, cfg.Farm.Devices)
	if err := seedLocalDevices(ctx, store, provider, topo); err != nil {
		log.Fatalf("Failed to seed local devices: %v", err)
	}

	// 编排引擎
	availabilityTimeout := time.Duration(cfg.Farm.DeviceAvailabilityTimeoutMS) * time.Millisecond
	engine := orchestrator.NewEngine(store, pending.NewRegistry(), allocator.New(store), fwd, topo,
		proxyrules.NewTable(), bus, orchestrator.Options{
			AvailabilityTimeout: availabilityTimeout,
			QueryInterval:       time.Duration(cfg.Farm.DeviceAvailabilityQueryIntervalMS) * time.Millisecond,
		})

	// 启动恢复：上一进程遗留的占用全部解除
	engine.Recover(ctx)

	// 对账循环
	pushInterval := time.Duration(cfg.Farm.SendNodeDevicesToHubIntervalMS) * time.Millisecond
	rec := reconciler.New(store, engine.Pending(), reconciler.Options{
		StaleNodeInterval:     time.Duration(cfg.Farm.CheckStaleDevicesIntervalMS) * time.Millisecond,
		StaleNodeThreshold:    3 * pushInterval,
		BlockedDeviceInterval: time.Duration(cfg.Farm.CheckBlockedDevicesIntervalMS) * time.Millisecond,
		NewCommandTimeout:     time.Duration(cfg.Farm.NewCommandTimeoutSec) * time.Second,
		PendingPurgeInterval:  time.Duration(cfg.Farm.CheckStaleDevicesIntervalMS) * time.Millisecond,
		PendingMaxAge:         availabilityTimeout + 10*time.Second,
		SkipDeviceSweeps:      cfg.Farm.Cloud != "",
	})
	go rec.Run(ctx)

	// 连接上游 Hub 的节点周期上报设备列表
	var hub *topology.HubClient
	if cfg.HasHub() {
		hub = topology.NewHubClient(cfg.Farm.Hub, time.Duration(cfg.Farm.RemoteConnectionTimeoutMS)*time.Millisecond)
		go topology.NewPusher(topo, hub, provider, pushInterval).Run(ctx)
	}

	h := server.NewHandler(store, engine, nodeCache, bus, cfg.BasePath)
	go refreshPoolMetrics(ctx, store, engine.Pending(), h.GetMetrics())

	srv := &http.Server{
		Addr:         cfg.BindHostOrIP + ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // 会话命令经反向代理透传，时限由转发客户端控制
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		releaseLocalSessions(shutdownCtx, store, engine, hub, nodeID)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		cancel()
	}()

	log.Printf("Device Farm Server listening on %s:%s [base=%s]", cfg.BindHostOrIP, cfg.APIPort, cfg.BasePath)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

// newStore 按配置的驱动创建存储层
func newStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.DatabaseDriver {
	case "mongodb":
		return mongostore.NewStore(cfg.DatabaseURL, mongoDatabaseName(cfg.DatabaseURL))
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := postgres.NewDialect()
		if err := migrate(db, dialect); err != nil {
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	default:
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		dialect := sqlite.NewDialect()
		if err := migrate(db, dialect); err != nil {
			return nil, err
		}
		return repository.NewStore(db, dialect), nil
	}
}

// migrate 建表，schema 由各方言自带
func migrate(db *sql.DB, dialect dbutil.Dialect) error {
	if err := dialect.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}

// newRedisInfra 创建节点心跳缓存和会话事件总线
//
// Redis 未启用时心跳缓存退化为 NoOp（节点在线状态仍以数据库的
// last_reported_at 为权威），事件总线退化为进程内实现。
func newRedisInfra(cfg *config.Config) (cache.NodeHeartbeatCache, eventbus.EventBus, func(), error) {
	if !cfg.RedisEnabled {
		bus := eventbus.NewMemoryEventBus()
		return cache.NewNoOpCache(), bus, func() { bus.Close() }, nil
	}

	cacheStore, err := cacheredis.NewStoreFromURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	busStore := busredis.NewStoreFromClient(cacheStore.Client())
	log.Println("Connected to Redis")

	closeAll := func() {
		cacheStore.Close()
	}
	return cacheStore, busStore, closeAll, nil
}

// seedLocalDevices 将静态声明的设备写入存储层并登记自身节点
func seedLocalDevices(ctx context.Context, store storage.Store, provider discovery.DeviceProvider, topo *topology.Topology) error {
	devices, err := provider.ListLocalDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	if err := store.ReplaceNodeDevices(ctx, topo.SelfNodeID, devices); err != nil {
		return err
	}
	node := &model.Node{
		ID:             topo.SelfNodeID,
		Host:           topo.SelfHost,
		Status:         model.NodeStatusOnline,
		DeviceCount:    len(devices),
		LastReportedAt: time.Now(),
	}
	if err := store.UpsertNode(ctx, node); err != nil {
		return err
	}
	log.Printf("[main.devices] node=%s devices=%d", topo.SelfNodeID, len(devices))
	return nil
}

// releaseLocalSessions 关闭前释放本节点设备上的会话
//
// 连接了上游 Hub 的节点把解封请求转发给 Hub，让 Hub 侧的设备
// 状态立即回收，不必等失联巡检。
func releaseLocalSessions(ctx context.Context, store storage.Store, engine *orchestrator.Engine, hub *topology.HubClient, nodeID string) {
	busy := true
	devices, err := store.ListDevices(ctx, &model.DeviceFilter{NodeID: model.Str(nodeID), Busy: &busy})
	if err != nil {
		log.Printf("[main.shutdown] list devices error=%v", err)
		return
	}
	for _, d := range devices {
		if _, err := engine.ReleaseDevices(ctx, hub, "", d.UDID); err != nil {
			log.Printf("[main.shutdown] release udid=%s error=%v", d.UDID, err)
		}
	}
}

// refreshPoolMetrics 周期刷新设备池和待定会话水位指标
func refreshPoolMetrics(ctx context.Context, store storage.Store, reg *pending.Registry, m *server.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		devices, err := store.ListDevices(ctx, nil)
		if err != nil {
			continue
		}
		var busy, free, offline int
		for _, d := range devices {
			switch {
			case d.Offline:
				offline++
			case d.Busy:
				busy++
			default:
				free++
			}
		}
		m.UpdateDevicePool(busy, free, offline)
		m.PendingSessions.Set(float64(reg.Count()))
	}
}

// selfHost 本进程对外可达地址，本地设备的缺省转发目标
func selfHost(cfg *config.Config) string {
	host := cfg.BindHostOrIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + host + ":" + cfg.APIPort
}

// mongoDatabaseName 从连接串提取库名，缺省 devicefarm
func mongoDatabaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "devicefarm"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return "devicefarm"
	}
	return name
}

func generateNodeID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return "node-" + hex.EncodeToString(b)
}

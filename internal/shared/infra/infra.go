// Package infra 基础设施聚合层
//
// 按配置初始化并统一关闭以下组件：
//   - Storage：持久化存储（SQLite / PostgreSQL / MongoDB / 内存）
//   - Cache：Agent 在线状态镜像（Redis，可选）
//   - EventBus：事件广播（Redis Pub/Sub，可选）
//   - Reports：报告归档（MinIO，可选）
package infra

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"ui-automation/internal/config"
	"ui-automation/internal/shared/cache"
	"ui-automation/internal/shared/eventbus"
	"ui-automation/internal/shared/objstore"
	"ui-automation/internal/shared/storage"
	"ui-automation/internal/shared/storage/dbutil"
	postgresdriver "ui-automation/internal/shared/storage/driver/postgres"
	sqlitedriver "ui-automation/internal/shared/storage/driver/sqlite"
	"ui-automation/internal/shared/storage/memstore"
	"ui-automation/internal/shared/storage/mongostore"
	"ui-automation/internal/shared/storage/repository"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 持久化存储
	Storage storage.PersistentStore

	// Cache Agent 在线状态镜像，未启用 Redis 时为 NoOpCache
	Cache cache.Cache

	// EventBus 事件总线，未启用 Redis 时为 nil（事件直接进入进程内推送中心）
	EventBus eventbus.EventBus

	// Reports 报告归档，未启用 MinIO 时为 nil
	Reports *objstore.Client

	redis *RedisInfra
}

// New 按配置初始化全部基础设施
//
// 存储初始化失败直接返回错误；Redis 和 MinIO 是可选组件，连接失败只记录日志并降级。
func New(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	infra := &Infrastructure{
		Storage: store,
		Cache:   cache.NewNoOpCache(),
	}

	if cfg.RedisURL != "" {
		r, err := NewRedisInfra(cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			log.Printf("[infra] redis unavailable, falling back to in-process events: %v", err)
		} else {
			infra.redis = r
			infra.Cache = r.Cache()
			infra.EventBus = r.EventBus()
		}
	}

	if cfg.MinIO.Enabled {
		client, err := objstore.NewClient(cfg.MinIO)
		if err == nil {
			err = client.EnsureBucket(ctx)
		}
		if err != nil {
			log.Printf("[infra] minio unavailable, reports stay on local disk only: %v", err)
		} else {
			infra.Reports = client
		}
	}

	return infra, nil
}

// OpenStore 按驱动类型打开持久化存储
func OpenStore(cfg *config.Config) (storage.PersistentStore, error) {
	switch cfg.DatabaseDriver {
	case "memory":
		log.Printf("[infra] storage=memory (data is lost on restart)")
		return memstore.NewStore(), nil
	case "mongodb":
		store, err := mongostore.NewStore(cfg.DatabaseURL, cfg.DatabaseDBName)
		if err != nil {
			return nil, fmt.Errorf("open mongodb: %w", err)
		}
		log.Printf("[infra] storage=mongodb db=%s", cfg.DatabaseDBName)
		return store, nil
	case "postgres":
		db, err := postgresdriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return migrate(db, postgresdriver.NewDialect())
	default:
		if err := ensureSQLiteDir(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		db, err := sqlitedriver.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return migrate(db, sqlitedriver.NewDialect())
	}
}

func migrate(db *sql.DB, dialect dbutil.Dialect) (storage.PersistentStore, error) {
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("auto migrate %s: %w", dialect.DriverType(), err)
	}
	log.Printf("[infra] storage=%s", dialect.DriverType())
	return repository.NewStore(db, dialect), nil
}

// ensureSQLiteDir 为文件型 SQLite DSN 创建父目录
func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite:"), "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Storage != nil {
		if err := i.Storage.Close(); err != nil {
			lastErr = err
		}
	}

	// Cache 和 EventBus 共享同一个 Redis 客户端，只关闭一次
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

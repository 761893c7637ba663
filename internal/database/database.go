package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/iabetor/feedbuddy/internal/logger"
)

// DB 是 FeedBuddy 的数据库连接，支持 SQLite（默认）和 PostgreSQL。
type DB struct {
	*sqlx.DB
	driver string
	dsn    string
}

// Open 打开或创建数据库。
// driver: sqlite 或 postgres；sqlite 时 dsn 为文件路径。
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "sqlite":
		if dsn == "" {
			return nil, errors.New("sqlite 数据库路径为空")
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	if driver == "sqlite" {
		// 设置 WAL 模式（更好的并发性能）
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置 WAL 模式失败: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置 busy_timeout 失败: %w", err)
		}
	} else if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	logger.Infof("[database] 数据库已打开: driver=%s", driver)
	return &DB{DB: db, driver: driver, dsn: dsn}, nil
}

// Driver 返回数据库驱动名称。
func (db *DB) Driver() string {
	return db.driver
}

// Migrate 运行数据库迁移。
func (db *DB) Migrate() error {
	migrations := []string{
		// 键值表，保存整体读写的 JSON 文档（如订阅源列表）
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("数据库迁移失败: %w", err)
		}
	}

	logger.Info("[database] 数据库迁移完成")
	return nil
}

// Get 读取 key 对应的值，不存在时 ok 为 false。
func (db *DB) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	var raw string
	err = db.GetContext(ctx, &raw, db.Rebind(`SELECT value FROM kv_store WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取 %s 失败: %w", key, err)
	}
	return []byte(raw), true, nil
}

// Put 整体写入 key 对应的值。
func (db *DB) Put(ctx context.Context, key string, value []byte) error {
	query := db.Rebind(`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`)
	if _, err := db.ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", key, err)
	}
	return nil
}

// Close 关闭数据库连接。
func (db *DB) Close() error {
	if db.DB != nil {
		return db.DB.Close()
	}
	return nil
}

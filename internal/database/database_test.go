package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate 失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "feedbuddy.db")
	db, err := Open("sqlite", path)
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate 失败: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("数据库文件不存在: %v", err)
	}
	if db.Driver() != "sqlite" {
		t.Errorf("驱动不匹配: %s", db.Driver())
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "whatever"); err == nil {
		t.Fatal("期望不支持的驱动返回错误")
	}
}

func TestGetMissingKey(t *testing.T) {
	db := newTestDB(t)

	value, ok, err := db.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if ok || value != nil {
		t.Fatalf("不存在的 key 应返回 ok=false，得到 %v %q", ok, value)
	}
}

func TestPutOverwrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Put(ctx, "customRSSFeeds", []byte(`["/rss-feed"]`)); err != nil {
		t.Fatalf("Put 失败: %v", err)
	}
	if err := db.Put(ctx, "customRSSFeeds", []byte(`["/rss-feed","https://example.com/rss"]`)); err != nil {
		t.Fatalf("第二次 Put 失败: %v", err)
	}

	value, ok, err := db.Get(ctx, "customRSSFeeds")
	if err != nil || !ok {
		t.Fatalf("Get 失败: ok=%v err=%v", ok, err)
	}
	if string(value) != `["/rss-feed","https://example.com/rss"]` {
		t.Errorf("值不匹配: %s", value)
	}
}

func TestPersistenceAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	db1, err := Open("sqlite", path)
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}
	_ = db1.Migrate()
	if err := db1.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put 失败: %v", err)
	}
	db1.Close()

	db2, err := Open("sqlite", path)
	if err != nil {
		t.Fatalf("重新 Open 失败: %v", err)
	}
	defer db2.Close()
	value, ok, err := db2.Get(ctx, "k")
	if err != nil || !ok || string(value) != "v" {
		t.Fatalf("重新打开后读取失败: %q ok=%v err=%v", value, ok, err)
	}
}

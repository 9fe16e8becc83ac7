package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"rfidpay/internal/infrastructure/database"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// NewDB 创建独立的内存 SQLite 数据库并完成迁移
//
// 连接池限制为 1：sqlite 共享缓存模式下并发写会返回 SQLITE_LOCKED，
// 单连接让所有语句排队执行，同时仍能暴露业务层的并发问题（锁、条件更新）
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:rfidpay_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newReceiptDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:receipt_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&SendReceipt{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestSendReceipt_Live(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	r := SendReceipt{ExpiresAt: now.Add(time.Minute)}
	if !r.Live(now) {
		t.Fatalf("receipt expiring in a minute reported dead")
	}
	if r.Live(now.Add(time.Minute)) {
		t.Fatalf("receipt live at its expiry instant")
	}
}

func TestSendReceipt_SchemaUniquePerUserScopeKey(t *testing.T) {
	db := newReceiptDB(t)
	m := db.Migrator()
	if !m.HasTable("tm_send_receipts") || !m.HasIndex(&SendReceipt{}, "ux_receipt_user_scope_key") {
		t.Fatalf("table or unique index missing")
	}

	now := time.Now().UTC()
	base := SendReceipt{ID: "r1", UserID: "u1", Scope: "private", Key: "k1", MessageID: "m1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(&base).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(r *SendReceipt)
		wantErr bool
	}{
		{"same user scope key", func(r *SendReceipt) {}, true},
		{"other scope", func(r *SendReceipt) { r.Scope = "group:g1" }, false},
		{"other user", func(r *SendReceipt) { r.UserID = "u2" }, false},
	}
	for i, c := range cases {
		r := base
		r.ID = fmt.Sprintf("r%d", i+2)
		c.mutate(&r)
		err := db.Create(&r).Error
		if (err != nil) != c.wantErr {
			t.Fatalf("%s: err = %v; wantErr %v", c.name, err, c.wantErr)
		}
	}
}

package repo

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/telemsg-backend/internal/domain"
)

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	base := t.TempDir()
	bad := filepath.Join(base, "does-not-exist", "app.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}

	if !os.IsNotExist(err) {
		t.Fatalf("want a not-exist error for the missing directory, got %v", err)
	}
}

func TestSqliteDSN(t *testing.T) {
	got := sqliteDSN("/tmp/x.db")
	if !strings.HasPrefix(got, "file:/tmp/x.db?") {
		t.Fatalf("dsn = %q", got)
	}
	for _, p := range pragmas {
		if !strings.Contains(got, "_pragma="+p) {
			t.Fatalf("dsn %q missing %s", got, p)
		}
	}
}

func TestOpenSQLite_PragmasOnEveryConnection(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	// hold several connections at once so the pool has to open new ones
	ctx := context.Background()
	conns := make([]*sql.Conn, 3)
	for i := range conns {
		c, err := sqlDB.Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		conns[i] = c
	}
	for i, c := range conns {
		var fk, busy int
		var mode string
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
			t.Fatalf("conn %d foreign_keys = %d, %v", i, fk, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil || busy != 5000 {
			t.Fatalf("conn %d busy_timeout = %d, %v", i, busy, err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil || strings.ToLower(mode) != "wal" {
			t.Fatalf("conn %d journal_mode = %q, %v", i, mode, err)
		}
		_ = c.Close()
	}
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != maxConns {
		t.Fatalf("MaxOpenConnections = %d", stats.MaxOpenConnections)
	}

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.User{}, &domain.Group{}, &domain.GroupMember{}, &domain.Message{}, &domain.SendReceipt{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
}

func TestQueryLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	l := queryLogger{level: logger.Warn, slow: 10 * time.Millisecond}
	stmt := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(context.Background(), time.Now(), stmt, gorm.ErrRecordNotFound)
	l.Trace(context.Background(), time.Now(), stmt, nil)
	if buf.Len() != 0 {
		t.Fatalf("not-found or fast query logged: %s", buf.String())
	}

	l.Trace(context.Background(), time.Now().Add(-time.Second), stmt, nil)
	if !strings.Contains(buf.String(), `"message":"slow query"`) || !strings.Contains(buf.String(), "SELECT 1") {
		t.Fatalf("slow query not logged: %s", buf.String())
	}

	buf.Reset()
	l.Trace(context.Background(), time.Now(), stmt, errors.New("disk I/O error"))
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("failed query not logged at error: %s", buf.String())
	}

	buf.Reset()
	silent := l.LogMode(logger.Silent)
	silent.Trace(context.Background(), time.Now().Add(-time.Second), stmt, errors.New("x"))
	if buf.Len() != 0 {
		t.Fatalf("silent logger wrote: %s", buf.String())
	}
}

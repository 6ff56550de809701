package sqlstore

import (
	"fmt"
	"testing"
	"time"
)

func TestConnectRejectsBadConfig(t *testing.T) {
	if _, err := Connect(ConnectionConfig{Driver: "oracle", DSN: "host"}); err == nil {
		t.Fatalf("expected unsupported driver rejection")
	}
	if _, err := Connect(ConnectionConfig{Driver: DriverSQLite}); err == nil {
		t.Fatalf("expected missing dsn rejection")
	}
}

func TestConnectOpensSQLite(t *testing.T) {
	cfg := ConnectionConfig{
		Driver: DriverSQLite,
		DSN: fmt.Sprintf(
			"file:ingest-connect-%d?mode=memory&cache=shared&_foreign_keys=on",
			time.Now().UnixNano(),
		),
	}
	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("connect sqlite: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	factory, err := NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("build stores: %v", err)
	}
	if factory.BulkJobStore() == nil || factory.DeadLetterStore() == nil || factory.DedupStore() == nil {
		t.Fatalf("expected stores from connected client")
	}
}

func TestConnectionConfigDefaults(t *testing.T) {
	cfg := ConnectionConfig{Driver: " sqlite3 ", DSN: " file:db "}
	if cfg.GetDriver() != "sqlite3" || cfg.GetServer() != "file:db" {
		t.Fatalf("expected trimmed driver and dsn")
	}
	if cfg.GetPingTimeout() != defaultPingTimeout {
		t.Fatalf("expected default ping timeout, got %v", cfg.GetPingTimeout())
	}
}

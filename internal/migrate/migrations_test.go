package migrate_test

import (
	"testing"

	"github.com/Krestall88/cleaning-control/internal/db"
	"github.com/Krestall88/cleaning-control/internal/migrate"
)

func TestMigrateIsIdempotentAndRecordsLedger(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run must be a no-op: %v", err)
	}

	rows, err := conn.Query(`SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	defer rows.Close()
	type entry struct {
		version   int
		name      string
		appliedAt string
	}
	var ledger []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.version, &e.name, &e.appliedAt); err != nil {
			t.Fatalf("scan ledger: %v", err)
		}
		ledger = append(ledger, e)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("ledger rows: %v", err)
	}
	if len(ledger) != 1 {
		t.Fatalf("expected one ledger row, got %+v", ledger)
	}
	if ledger[0].version != 1 || ledger[0].name != "0001_init.sql" || ledger[0].appliedAt == "" {
		t.Fatalf("unexpected ledger entry: %+v", ledger[0])
	}

	// The migrated schema is actually usable.
	if _, err := conn.Exec(`INSERT INTO locations(id,name,path,sort_key,created_at) VALUES ('l1','Lobby','Lobby','010','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

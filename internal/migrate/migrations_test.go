package migrate

import (
	"testing"

	"closeline/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatal(err)
	}
	steps, err := loadSteps()
	if err != nil {
		t.Fatal(err)
	}
	if applied != len(steps) {
		t.Fatalf("recorded %d steps, want %d", applied, len(steps))
	}

	if _, err := conn.Exec(`INSERT INTO orgs(id,country,status,created_at) VALUES ('org-x','PH','active','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema not usable after re-run: %v", err)
	}
}

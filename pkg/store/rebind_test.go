package store

import "testing"

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	got := pg.rebind("UPDATE jobs SET status = ? WHERE id = ? AND worker_id = ?")
	want := "UPDATE jobs SET status = $1 WHERE id = $2 AND worker_id = $3"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	lite := &SQLStore{driver: DriverSQLite}
	if q := lite.rebind("SELECT ? "); q != "SELECT ? " {
		t.Errorf("Expected sqlite query unchanged, got %q", q)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "?, ?, ?" {
		t.Errorf("Expected 3 placeholders, got %q", got)
	}
	if got := placeholders(1); got != "?" {
		t.Errorf("Expected 1 placeholder, got %q", got)
	}
}

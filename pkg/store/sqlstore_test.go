package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/mimir-aip/mimir-fleet/pkg/models"
	"github.com/mimir-aip/mimir-fleet/pkg/store"
	"github.com/mimir-aip/mimir-fleet/pkg/store/storetest"
)

func newSQLiteStore(t *testing.T, clk clock.PassiveClock) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"), store.WithClock(clk))
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.RunSuite(t, newSQLiteStore)
}

// TestPostgresStore runs the suite against TEST_POSTGRES_URL
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("Integration test - requires PostgreSQL (set TEST_POSTGRES_URL)")
	}

	admin, err := sql.Open(store.DriverPostgres, dsn)
	require.NoError(t, err)
	defer admin.Close()

	n := 0
	storetest.RunSuite(t, func(t *testing.T, clk clock.PassiveClock) store.Store {
		// one schema per subtest keeps the suite's empty-store assumption
		n++
		schema := fmt.Sprintf("fleet_test_%d_%d", time.Now().UnixNano(), n)
		_, err := admin.Exec("CREATE SCHEMA " + schema)
		require.NoError(t, err)
		t.Cleanup(func() { admin.Exec("DROP SCHEMA " + schema + " CASCADE") })

		s, err := store.NewPostgresStore(withSearchPath(dsn, schema), store.WithClock(clk))
		require.NoError(t, err)
		return s
	})
}

// TestSQLiteStorePersists tests records survive reopening the database file
func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fleet.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)

	job := &models.Job{OrgID: "acme", Kind: models.JobKindInfer, Image: "registry.local/infer:1"}
	require.NoError(t, s.Enqueue(ctx, job))
	require.NoError(t, s.Close())

	s, err = store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "registry.local/infer:1", got.Image)
}

func withSearchPath(dsn, schema string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "search_path=" + schema
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := store.Open("mysql", "fleet")
	assert.Error(t, err)
}

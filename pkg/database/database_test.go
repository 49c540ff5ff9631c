package database_test

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDB(t *testing.T) *database.Database {
	dir, err := ioutil.TempDir("", "db-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := database.New(dir)
	require.NoError(t, err)
	return db
}

func result(repoKey, branch string, findings int, ts time.Time) *database.ScanResult {
	return &database.ScanResult{
		RepoKey:   repoKey,
		Branch:    branch,
		Status:    database.StatusCompleted,
		Findings:  findings,
		Timestamp: ts,
	}
}

func TestRescanSupersedesByTimestamp(t *testing.T) {
	db := tempDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.WriteScanResult(result("gl/g1/alpha", "main", 3, base)))
	require.NoError(t, db.WriteScanResult(result("gl/g1/alpha", "main", 0, base.Add(time.Hour))))
	require.NoError(t, db.WriteScanResult(result("gl/g1/beta", "main", 7, base)))

	all, err := db.GetScanResults()
	require.NoError(t, err)
	assert.Len(t, all, 3, "rescans create new documents, never overwrite")

	latest, err := db.LatestScanResults()
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, 0, latest["gl/g1/alpha"].Findings)
	assert.Equal(t, 7, latest["gl/g1/beta"].Findings)
}

func TestLatestScanResultFiltersByBranch(t *testing.T) {
	db := tempDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.WriteScanResult(result("gl/g1/alpha", "main", 1, base)))
	require.NoError(t, db.WriteScanResult(result("gl/g1/alpha", "develop", 2, base.Add(time.Minute))))

	got, err := db.LatestScanResult("gl/g1/alpha", "main")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Findings)

	missing, err := db.LatestScanResult("gl/g1/alpha", "release")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEmptyDatabase(t *testing.T) {
	db := tempDB(t)

	all, err := db.GetScanResults()
	require.NoError(t, err)
	assert.Empty(t, all)

	latest, err := db.LatestScanResults()
	require.NoError(t, err)
	assert.Empty(t, latest)
}

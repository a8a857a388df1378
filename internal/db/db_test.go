package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDB_MemoryDefaults(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);")
	require.NoError(t, err)
	_, err = database.Exec("INSERT INTO t (v) VALUES ('a');")
	require.NoError(t, err)

	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestNewSqliteDB_FileCreatesParent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")

	database, err := NewSqliteDB(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
}

func TestNewSqliteDB_WithSchema(t *testing.T) {
	database, err := NewSqliteDB(WithSchema("CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT);"))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("INSERT INTO kv (k, v) VALUES ('a', 'b')")
	assert.NoError(t, err)
}

func TestNewSqliteDB_BadSchema(t *testing.T) {
	_, err := NewSqliteDB(WithSchema("CREATE TABLE ("))
	assert.Error(t, err)
}

func TestDriver(t *testing.T) {
	assert.NotEmpty(t, Driver())
}

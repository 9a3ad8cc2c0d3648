package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDriver(t *testing.T) {
	cases := map[string]string{
		"PostgreSQL": DriverPostgres,
		"pgsql":      DriverPostgres,
		"mariadb":    DriverMySQL,
		"mysql":      DriverMySQL,
		"sqlite":     DriverSQLite,
	}
	for in, want := range cases {
		got, err := NormalizeDriver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := NormalizeDriver("oracle")
	assert.Error(t, err)
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mssql", DSN: "x"})
	assert.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: "mysql"})
	assert.Error(t, err)
}

func TestOpenSQLiteInMemory(t *testing.T) {
	db, err := Open(context.Background(), Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, DriverSQLite, db.DriverName())
}

func TestForUpdate(t *testing.T) {
	assert.Equal(t, " FOR UPDATE", ForUpdate(DriverMySQL))
	assert.Equal(t, " FOR UPDATE", ForUpdate(DriverPostgres))
	assert.Empty(t, ForUpdate(DriverSQLite))
}

func TestInsertIDUsesLastInsertIDOnMySQL(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, DriverMySQL)

	mock.ExpectExec(`INSERT INTO whups_queues \(queue_name\) VALUES \(\?\)`).
		WithArgs("Support").
		WillReturnResult(sqlmock.NewResult(7, 1))

	id, err := InsertID(context.Background(), db, "queue_id", "INSERT INTO whups_queues (queue_name) VALUES (?)", "Support")
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIDUsesReturningOnPostgres(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	db := sqlx.NewDb(raw, DriverPostgres)

	mock.ExpectQuery(`INSERT INTO whups_queues \(queue_name\) VALUES \(\$1\) RETURNING queue_id`).
		WithArgs("Support").
		WillReturnRows(sqlmock.NewRows([]string{"queue_id"}).AddRow(9))

	id, err := InsertID(context.Background(), db, "queue_id", "INSERT INTO whups_queues (queue_name) VALUES (?)", "Support")
	require.NoError(t, err)
	assert.EqualValues(t, 9, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

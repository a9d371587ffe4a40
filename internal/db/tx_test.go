package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return &DB{pool: mockDB}, mock
}

func expectTxPreamble(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("SET innodb_lock_wait_timeout = 10").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestRunInTransactionCommits(t *testing.T) {
	d, mock := newMockDB(t)
	expectTxPreamble(mock)
	mock.ExpectExec("INSERT INTO gyms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.RunInTransaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO gyms (gym) VALUES (?)", "g1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTransactionRetriesDeadlock(t *testing.T) {
	d, mock := newMockDB(t)

	deadlock := &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}

	expectTxPreamble(mock)
	mock.ExpectExec("INSERT INTO gyms").WillReturnError(deadlock)
	mock.ExpectRollback()

	expectTxPreamble(mock)
	mock.ExpectExec("INSERT INTO gyms").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := d.RunInTransaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO gyms (gym) VALUES (?)", "g1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTransactionDoesNotRetryOtherErrors(t *testing.T) {
	d, mock := newMockDB(t)

	syntaxErr := &mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"}

	expectTxPreamble(mock)
	mock.ExpectExec("INSERT INTO gyms").WillReturnError(syntaxErr)
	mock.ExpectRollback()

	err := d.RunInTransaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO gyms (gym) VALUES (?)", "g1")
		return err
	})
	var myErr *mysql.MySQLError
	require.ErrorAs(t, err, &myErr)
	assert.Equal(t, uint16(1064), myErr.Number)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableSQL(t *testing.T) {
	assert.True(t, isRetryableSQL(&mysql.MySQLError{Number: 1213}))
	assert.True(t, isRetryableSQL(&mysql.MySQLError{Number: 1205}))
	assert.False(t, isRetryableSQL(&mysql.MySQLError{Number: 1064}))
	assert.False(t, isRetryableSQL(errors.New("plain error")))
	assert.False(t, isRetryableSQL(nil))
}

func TestDSN(t *testing.T) {
	cfg := Config{
		Host: "db.example", Port: 3306, User: "psyduck", Password: "secret",
		Name: "telemetry", ConnectTimeout: 10,
	}
	assert.Equal(t,
		"psyduck:secret@tcp(db.example:3306)/telemetry?parseTime=true&charset=utf8mb4&loc=UTC&timeout=10s",
		cfg.DSN())
}

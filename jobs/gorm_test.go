package jobs

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/minionflow/internal/database"
)

func newMockLedger(t *testing.T) (*GormLedger, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	pool, err := database.NewPool(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	return NewGormLedger(pool), mock
}

func TestGormLedger_ReserveConflict(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "mf_jobs"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := l.Reserve(context.Background(), "20240101000000000001_aaaaaa")
	assert.ErrorIs(t, err, ErrJIDExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedger_ReserveStorageError(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "mf_jobs"`)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := l.Reserve(context.Background(), "20240101000000000001_aaaaaa")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJIDExists)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedger_UpdateUnknownRollsBack(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "mf_jobs"`)).
		WillReturnRows(sqlmock.NewRows([]string{"jid"}))
	mock.ExpectRollback()

	err := l.UpdateResult(context.Background(), "20240101000000000001_aaaaaa", Return{Minion: "m1"})
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

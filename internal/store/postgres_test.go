package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/memnon/internal/errors"
)

func newPostgresMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, DialectPostgres), mock
}

func TestSQLStore_PostgresRebind(t *testing.T) {
	s, _ := newPostgresMock(t)
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2,$3)",
		s.rebind("SELECT a FROM t WHERE x = ? AND y IN (?,?)"))

	sq := NewSQLStore(nil, DialectSQLite)
	assert.Equal(t, "x = ?", sq.rebind("x = ?"))
}

func TestSQLStore_PostgresGetChunks(t *testing.T) {
	// Given: a postgres store returning one row
	s, mock := newPostgresMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT position, text, created_at FROM chunks WHERE position IN ($1,$2)`)).
		WithArgs(int64(3), int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"position", "text", "created_at"}).
			AddRow(int64(3), "The tide turned.", int64(1700000000000)))

	// When: fetching two positions
	chunks, err := s.GetChunks(context.Background(), []int64{3, 4})

	// Then: placeholders are numbered and the row is decoded
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "The tide turned.", chunks[3].Text)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PostgresConnectionFailureIsUnavailable(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM chunk_metadata WHERE position IN ($1)`)).
		WithArgs(int64(1)).
		WillReturnError(errors.New("connection refused"))

	_, err := s.GetMetadata(context.Background(), []int64{1})

	require.Error(t, err)
	assert.ErrorIs(t, err, merrors.ErrStoreUnavailable)
	assert.True(t, merrors.IsFatal(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PostgresPutCrossReference(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO cross_references (entity_id, chunk_position, target_entity_id, role, created_at)`)).
		WithArgs("alex", int64(7), "", "present", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.PutCrossReference(context.Background(), CrossReference{EntityID: "alex", ChunkPosition: 7, Role: "present"})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_PostgresEnsurePartitionUsesBytea(t *testing.T) {
	s, mock := newPostgresMock(t)
	mock.ExpectExec(`(?s)CREATE TABLE IF NOT EXISTS chunk_embeddings_d8 .*CHECK \(dimensionality = 8\).*vector BYTEA`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsurePartition(context.Background(), "d8", 8))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "")
	assert.ErrorIs(t, err, merrors.ErrConfigInvalid)
}
